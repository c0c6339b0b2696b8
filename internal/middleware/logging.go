package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"detection-engine/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Observe logs each request, counts it by route pattern and turns handler
// panics into a 500.
func Observe(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				logger.Error("panic in http handler", "path", r.URL.Path, "panic", p)
				rec.status = http.StatusInternalServerError
				http.Error(rec.ResponseWriter, `{"code":"INTERNAL","error":"internal error"}`, http.StatusInternalServerError)
			}

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		}()

		// JSON API: no sniffing, framing or caching.
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")

		next.ServeHTTP(rec, r)
	})
}
