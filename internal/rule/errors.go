package rule

import (
	"context"
	"errors"
	"fmt"
)

// Registry errors.
var (
	// ErrDuplicateRuleType indicates a rule type id was registered twice.
	ErrDuplicateRuleType = errors.New("rule: duplicate rule type")

	// ErrRuleTypeNotFound indicates no definition is registered for a type id.
	ErrRuleTypeNotFound = errors.New("rule: rule type not found")

	// ErrInstanceNotFound indicates the rule instance does not exist.
	ErrInstanceNotFound = errors.New("rule: instance not found")
)

// Kind classifies a rule execution failure. The scheduler derives its retry
// policy from the kind.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindUpstreamQuery     Kind = "upstream_query_error"
	KindPersistence       Kind = "persistence_error"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindNotFound          Kind = "not_found"
	KindDuplicateRuleType Kind = "duplicate_rule_type"
	// KindInternal is a defect in the engine or a rule type, such as a
	// matcher panic. Retrying would fail the same way.
	KindInternal Kind = "internal_error"
)

// Retryable reports whether a run failing with this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindUpstreamQuery, KindPersistence, KindTimeout:
		return true
	}
	return false
}

// ExecutionError is the typed failure returned by a rule run.
type ExecutionError struct {
	Kind Kind
	Op   string // Stage that failed (e.g. "match", "flush", "decode_params")
	Err  error
}

// Error returns the error message.
func (e *ExecutionError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("rule %s (%s): %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("rule %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failed run may be retried.
func (e *ExecutionError) Retryable() bool {
	return e.Kind.Retryable()
}

// NewExecutionError creates an ExecutionError.
func NewExecutionError(kind Kind, op string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Op: op, Err: err}
}

// ValidationError wraps err as a params validation failure.
func ValidationError(err error) *ExecutionError {
	return NewExecutionError(KindValidation, "decode_params", err)
}

// UpstreamQueryError wraps err as a failed search against source data.
func UpstreamQueryError(err error) *ExecutionError {
	return NewExecutionError(KindUpstreamQuery, "search", err)
}

// PersistenceError wraps err as a failed alert flush.
func PersistenceError(err error) *ExecutionError {
	return NewExecutionError(KindPersistence, "flush", err)
}

// KindOf classifies err. Errors that carry no kind of their own are treated as
// upstream query failures since matchers only reach the outside world through
// search.
func KindOf(err error) Kind {
	var execErr *ExecutionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &execErr):
		return execErr.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrRuleTypeNotFound), errors.Is(err, ErrInstanceNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicateRuleType):
		return KindDuplicateRuleType
	default:
		return KindUpstreamQuery
	}
}

// AsExecutionError returns err as an *ExecutionError, classifying it with
// KindOf when it is not one already.
func AsExecutionError(op string, err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	return NewExecutionError(KindOf(err), op, err)
}
