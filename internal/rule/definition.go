// Package rule defines detection rule types, their saved instances, and the
// registry the engine resolves them from.
package rule

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"detection-engine/internal/alert"
	"detection-engine/internal/source"

	"github.com/google/uuid"
)

// Definition is a rule type. Implementations are immutable once registered.
type Definition interface {
	// TypeID is the unique id instances reference in their "type" field.
	TypeID() string
	Version() int
	// DefaultSchedule is used for instances that do not set a schedule.
	DefaultSchedule() string
	// DefaultMaxAlerts caps alerts per run for this type. Zero means no
	// type-specific cap.
	DefaultMaxAlerts() int
	// NewParams returns a pointer to a fresh params struct whose validate
	// tags are the parameter schema.
	NewParams() any
	// Match yields findings lazily. The engine may stop pulling at any time.
	Match(ctx context.Context, req *Request) iter.Seq2[alert.Finding, error]
}

// Services is the read-only view of the outside world handed to a matcher.
type Services interface {
	Search(ctx context.Context, q source.Query) ([]source.Document, error)
	FieldSchema(ctx context.Context, index string) (source.FieldMap, error)
	Logger() *slog.Logger
}

// Request is everything a matcher sees for one run.
type Request struct {
	Instance    *Instance
	Params      any // Value returned by NewParams, decoded and validated
	State       State
	Services    Services
	ExecutionID uuid.UUID
	StartedAt   time.Time

	next State
	set  bool
}

// SetNextState proposes the state for the next run. It only takes effect if
// the run succeeds.
func (r *Request) SetNextState(s State) {
	r.next = s
	r.set = true
}

// NextState returns the proposed state, or the prior state when the matcher
// did not propose one.
func (r *Request) NextState() State {
	if r.set {
		return r.next
	}
	return r.State
}
