// Package eventlog records one execution record per rule run.
//
// Records go to the structured log and, when configured, are archived as
// JSON objects in S3 for later audit of rule health over time.
package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the terminal status of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Record describes a single rule run.
type Record struct {
	ExecutionID        uuid.UUID     `json:"execution_id"`
	RuleInstanceID     string        `json:"rule_id"`
	RuleTypeID         string        `json:"rule_type"`
	RuleName           string        `json:"rule_name"`
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration_ns"`
	Status             Status        `json:"status"`
	ErrorKind          string        `json:"error_kind,omitempty"`
	Message            string        `json:"message,omitempty"`
	AlertsCreated      int           `json:"alerts_created"`
	LimitReached       bool          `json:"limit_reached"`
	Suppressed         int           `json:"suppressed"`
	MaintenanceWindows []string      `json:"maintenance_windows,omitempty"`
}

// Writer persists execution records.
type Writer interface {
	Write(ctx context.Context, rec Record) error
}

// SlogWriter writes records to a structured logger.
type SlogWriter struct {
	logger *slog.Logger
}

// NewSlogWriter creates a writer logging through logger.
func NewSlogWriter(logger *slog.Logger) *SlogWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogWriter{logger: logger}
}

// Write logs rec at info level, or warn for failed runs.
func (w *SlogWriter) Write(ctx context.Context, rec Record) error {
	level := slog.LevelInfo
	if rec.Status == StatusFailed {
		level = slog.LevelWarn
	}
	w.logger.Log(ctx, level, "rule execution",
		"execution_id", rec.ExecutionID,
		"rule_id", rec.RuleInstanceID,
		"rule_type", rec.RuleTypeID,
		"status", rec.Status,
		"error_kind", rec.ErrorKind,
		"message", rec.Message,
		"alerts_created", rec.AlertsCreated,
		"limit_reached", rec.LimitReached,
		"suppressed", rec.Suppressed,
		"duration", rec.Duration,
	)
	return nil
}

// MultiWriter fans a record out to several writers.
type MultiWriter []Writer

// Write writes rec to every writer and joins their errors.
func (m MultiWriter) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryWriter keeps records in memory.
type MemoryWriter struct {
	mu      sync.Mutex
	records []Record
}

// Write appends rec.
func (m *MemoryWriter) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of the written records.
func (m *MemoryWriter) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Latest returns the most recent record for a rule instance.
func (m *MemoryWriter) Latest(ruleInstanceID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].RuleInstanceID == ruleInstanceID {
			return m.records[i], true
		}
	}
	return Record{}, false
}
