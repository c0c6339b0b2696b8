// Package alert provides the alert model and the per-run alert buffer.
package alert

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAlerts is the alert ceiling applied to a run when configuration
// does not set one.
const DefaultMaxAlerts = 1000

// Severity levels for alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status is the lifecycle state of an alert as written by the engine.
// Later states belong to the analyst workflow.
type Status string

const (
	StatusActive Status = "active"
	StatusUnset  Status = "unset"
)

// namespace seeds deterministic alert ids.
var namespace = uuid.MustParse("6f1c2a4e-5b1d-4f8e-9a57-0c3d2e1b7a90")

// SourceRef points at the source document a finding was derived from.
type SourceRef struct {
	Index string `json:"index"`
	ID    string `json:"id"`
}

// Finding is a candidate alert produced by a rule matcher.
type Finding struct {
	Fingerprint string         `json:"fingerprint"`
	Timestamp   time.Time      `json:"timestamp"`
	Severity    Severity       `json:"severity"`
	RiskScore   int            `json:"risk_score"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Sources     []SourceRef    `json:"sources,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Alert is a persisted detection result.
type Alert struct {
	ID             uuid.UUID      `json:"id"`
	Fingerprint    string         `json:"fingerprint"`
	RuleInstanceID string         `json:"rule_id"`
	RuleTypeID     string         `json:"rule_type"`
	RuleName       string         `json:"rule_name"`
	ExecutionID    uuid.UUID      `json:"execution_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Severity       Severity       `json:"severity"`
	RiskScore      int            `json:"risk_score"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Sources        []SourceRef    `json:"sources,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Status         Status         `json:"status"`
}

// ID derives the alert id for a fingerprint emitted by a rule instance. The
// same pair always yields the same id.
func ID(ruleInstanceID, fingerprint string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(ruleInstanceID+"\x00"+fingerprint))
}

// Origin identifies the rule run an alert is created in.
type Origin struct {
	RuleInstanceID string
	RuleTypeID     string
	RuleName       string
	ExecutionID    uuid.UUID
	Tags           []string
}

// FromFinding builds the alert for f in the run described by o.
func FromFinding(o Origin, f Finding) *Alert {
	severity := f.Severity
	if severity == "" {
		severity = SeverityMedium
	}
	return &Alert{
		ID:             ID(o.RuleInstanceID, f.Fingerprint),
		Fingerprint:    f.Fingerprint,
		RuleInstanceID: o.RuleInstanceID,
		RuleTypeID:     o.RuleTypeID,
		RuleName:       o.RuleName,
		ExecutionID:    o.ExecutionID,
		Timestamp:      f.Timestamp,
		Severity:       severity,
		RiskScore:      f.RiskScore,
		Title:          f.Title,
		Description:    f.Description,
		Sources:        f.Sources,
		Fields:         f.Fields,
		Tags:           o.Tags,
		Status:         StatusActive,
	}
}

// DispatchKey names one action scheduled for one alert.
type DispatchKey struct {
	AlertID  uuid.UUID
	ActionID string
}

// FlushResult reports what the persistence gateway did with one alert.
type FlushResult struct {
	Alert   *Alert
	Created bool
	// Dispatched lists the action ids already acknowledged for an alert that
	// existed before the flush. Ids missing here were never scheduled, e.g.
	// after a crash between flush and dispatch or a failed enqueue.
	Dispatched []string
}

// Pending returns the ids in actionIDs whose action is still to be scheduled
// for the alert, in the given order.
func (r FlushResult) Pending(actionIDs []string) []string {
	if r.Created || len(r.Dispatched) == 0 {
		return actionIDs
	}
	var out []string
	for _, id := range actionIDs {
		if !slices.Contains(r.Dispatched, id) {
			out = append(out, id)
		}
	}
	return out
}

// SeverityRank orders severities from low (1) to critical (4).
func SeverityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}
