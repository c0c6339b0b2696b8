// Package action hands persisted alerts to the downstream action scheduler.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"detection-engine/internal/alert"
	"detection-engine/internal/metrics"
	"detection-engine/internal/rule"

	"github.com/google/uuid"
)

// requestNamespace seeds deterministic action request ids.
var requestNamespace = uuid.MustParse("a3f0c7d2-1e44-4b6a-8d2f-5c9e7b1a0f36")

// Request is one action to run for one alert.
type Request struct {
	ID             uuid.UUID      `json:"id"`
	AlertID        uuid.UUID      `json:"alert_id"`
	ActionID       string         `json:"action_id"`
	ConnectorType  string         `json:"connector_type"`
	Group          string         `json:"group,omitempty"`
	RuleInstanceID string         `json:"rule_id"`
	ExecutionID    uuid.UUID      `json:"execution_id"`
	Alert          *alert.Alert   `json:"alert"`
	Params         map[string]any `json:"params,omitempty"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
}

// RequestID derives the request id for an (alert, action) pair. Sinks and
// their consumers use it to drop duplicates across runs.
func RequestID(alertID uuid.UUID, actionID string) uuid.UUID {
	return uuid.NewSHA1(requestNamespace, []byte(alertID.String()+"\x00"+actionID))
}

// Sink accepts action requests for asynchronous execution.
type Sink interface {
	Enqueue(ctx context.Context, req Request) error
}

// Dispatcher schedules actions for alerts through a Sink.
type Dispatcher struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates a dispatcher writing to sink.
func NewDispatcher(sink Sink, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// ForRun returns a dispatcher scoped to one rule run.
func (d *Dispatcher) ForRun(executionID uuid.UUID) *RunDispatcher {
	return &RunDispatcher{
		d:           d,
		executionID: executionID,
		scheduled:   make(map[scheduleKey]bool),
	}
}

type scheduleKey struct {
	alertID  uuid.UUID
	actionID string
}

// RunDispatcher schedules each (alert, action) pair at most once per run. It
// is safe for concurrent use.
type RunDispatcher struct {
	d           *Dispatcher
	executionID uuid.UUID

	mu        sync.Mutex
	scheduled map[scheduleKey]bool
}

// Schedule enqueues every action for a and returns the pairs it enqueued.
// Pairs already scheduled in this run are skipped. A failed enqueue may be
// retried by a later call.
func (r *RunDispatcher) Schedule(ctx context.Context, a *alert.Alert, actions []rule.Action) ([]alert.DispatchKey, error) {
	var (
		done []alert.DispatchKey
		errs []error
	)
	for _, act := range actions {
		key := scheduleKey{alertID: a.ID, actionID: act.ID}
		if !r.claim(key) {
			continue
		}

		req := Request{
			ID:             RequestID(a.ID, act.ID),
			AlertID:        a.ID,
			ActionID:       act.ID,
			ConnectorType:  act.ConnectorType,
			Group:          act.Group,
			RuleInstanceID: a.RuleInstanceID,
			ExecutionID:    r.executionID,
			Alert:          a,
			Params:         act.Params,
			ScheduledAt:    r.d.now().UTC(),
		}
		if err := r.d.sink.Enqueue(ctx, req); err != nil {
			r.release(key)
			metrics.ActionsScheduledTotal.WithLabelValues(act.ConnectorType, "error").Inc()
			errs = append(errs, fmt.Errorf("action %s for alert %s: %w", act.ID, a.ID, err))
			continue
		}
		metrics.ActionsScheduledTotal.WithLabelValues(act.ConnectorType, "ok").Inc()
		done = append(done, alert.DispatchKey{AlertID: a.ID, ActionID: act.ID})
		r.d.logger.Debug("action scheduled",
			"request_id", req.ID,
			"alert_id", a.ID,
			"action_id", act.ID,
			"connector_type", act.ConnectorType,
			"execution_id", r.executionID,
		)
	}
	return done, errors.Join(errs...)
}

func (r *RunDispatcher) claim(key scheduleKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduled[key] {
		return false
	}
	r.scheduled[key] = true
	return true
}

func (r *RunDispatcher) release(key scheduleKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scheduled, key)
}
