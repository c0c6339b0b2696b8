package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"detection-engine/internal/rule"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding maintenance windows, keyed by id.
const DefaultRedisKey = "detection:maintenance_windows"

// MemoryStore keeps windows in process.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[string]Window
}

// NewMemoryStore creates a store holding windows.
func NewMemoryStore(windows ...Window) *MemoryStore {
	s := &MemoryStore{windows: make(map[string]Window)}
	for _, w := range windows {
		s.windows[w.ID] = w
	}
	return s
}

// Put inserts or replaces a window.
func (s *MemoryStore) Put(_ context.Context, w Window) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[w.ID] = w
	return nil
}

// Delete removes a window.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, id)
	return nil
}

// List returns every window ordered by id.
func (s *MemoryStore) List(_ context.Context) ([]Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Window, 0, len(s.windows))
	for _, w := range s.windows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ActiveWindowIDs returns the windows in scope for inst that are open at at.
func (s *MemoryStore) ActiveWindowIDs(ctx context.Context, inst *rule.Instance, at time.Time) ([]string, error) {
	windows, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return activeIDs(windows, inst, at), nil
}

// RedisStore keeps windows as JSON values in a Redis hash so every engine
// replica sees the same set.
type RedisStore struct {
	client redis.Cmdable
	key    string
	logger *slog.Logger
}

// NewRedisStore creates a store on client. An empty key uses DefaultRedisKey.
func NewRedisStore(client redis.Cmdable, key string, logger *slog.Logger) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, key: key, logger: logger}
}

// Put inserts or replaces a window.
func (s *RedisStore) Put(ctx context.Context, w Window) error {
	if err := w.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode window %s: %w", w.ID, err)
	}
	return s.client.HSet(ctx, s.key, w.ID, data).Err()
}

// Delete removes a window.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.HDel(ctx, s.key, id).Err()
}

// List returns every window ordered by id. Undecodable entries are skipped.
func (s *RedisStore) List(ctx context.Context) ([]Window, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load maintenance windows: %w", err)
	}
	return decodeWindows(raw, s.logger), nil
}

// ActiveWindowIDs returns the windows in scope for inst that are open at at.
func (s *RedisStore) ActiveWindowIDs(ctx context.Context, inst *rule.Instance, at time.Time) ([]string, error) {
	windows, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return activeIDs(windows, inst, at), nil
}

func decodeWindows(raw map[string]string, logger *slog.Logger) []Window {
	out := make([]Window, 0, len(raw))
	for id, data := range raw {
		var w Window
		if err := json.Unmarshal([]byte(data), &w); err != nil {
			logger.Warn("skipping malformed maintenance window", "id", id, "error", err)
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
