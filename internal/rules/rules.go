// Package rules provides the built-in detection rule types.
package rules

import (
	"fmt"
	"time"

	"detection-engine/internal/alert"
	"detection-engine/internal/rule"
	"detection-engine/internal/source"
)

const (
	defaultSchedule  = "5m"
	defaultLookback  = 5 * time.Minute
	defaultPageSize  = source.DefaultLimit
	defaultRiskScore = 50

	// stateLastChecked is the State key holding the end of the last searched
	// time range.
	stateLastChecked = "last_checked"
)

// Builtins returns the built-in rule types.
func Builtins() []rule.Definition {
	return []rule.Definition{
		Query{},
		Threshold{},
	}
}

// RegisterBuiltins registers every built-in rule type with reg.
func RegisterBuiltins(reg *rule.Registry) error {
	for _, def := range Builtins() {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.TypeID(), err)
		}
	}
	return nil
}

// SearchParams are the parameters shared by rule types that search one index.
type SearchParams struct {
	Index      string             `json:"index" validate:"required"`
	Conditions []source.Condition `json:"conditions" validate:"dive"`
	Lookback   string             `json:"lookback" validate:"omitempty,duration"`
	Severity   alert.Severity     `json:"severity" validate:"omitempty,oneof=low medium high critical"`
	RiskScore  int                `json:"risk_score" validate:"gte=0,lte=100"`
	PageSize   int                `json:"page_size" validate:"gte=0,lte=10000"`
	Exceptions []Exception        `json:"exceptions" validate:"dive"`
}

// Exception excludes documents that match every one of its conditions.
// A document matching any exception produces no finding and is not counted.
type Exception struct {
	Name       string             `json:"name"`
	Conditions []source.Condition `json:"conditions" validate:"min=1,dive"`
}

func (e *Exception) matches(doc source.Document) bool {
	for i := range e.Conditions {
		if !e.Conditions[i].Match(doc.Get(e.Conditions[i].Field)) {
			return false
		}
	}
	return true
}

// Validate checks conditions beyond what struct tags express.
func (p *SearchParams) Validate() error {
	for i := range p.Conditions {
		if err := p.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("conditions[%d]: %w", i, err)
		}
	}
	for i := range p.Exceptions {
		if len(p.Exceptions[i].Conditions) == 0 {
			return fmt.Errorf("exceptions[%d]: at least one condition is required", i)
		}
		for j := range p.Exceptions[i].Conditions {
			if err := p.Exceptions[i].Conditions[j].Validate(); err != nil {
				return fmt.Errorf("exceptions[%d].conditions[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

// excepted reports whether doc matches one of the exceptions.
func (p *SearchParams) excepted(doc source.Document) bool {
	for i := range p.Exceptions {
		if p.Exceptions[i].matches(doc) {
			return true
		}
	}
	return false
}

func (p *SearchParams) lookback() time.Duration {
	if d, err := time.ParseDuration(p.Lookback); err == nil && d > 0 {
		return d
	}
	return defaultLookback
}

func (p *SearchParams) pageSize() int {
	if p.PageSize > 0 {
		return p.PageSize
	}
	return defaultPageSize
}

func (p *SearchParams) severity() alert.Severity {
	if p.Severity != "" {
		return p.Severity
	}
	return alert.SeverityMedium
}

func (p *SearchParams) riskScore() int {
	if p.RiskScore > 0 {
		return p.RiskScore
	}
	return defaultRiskScore
}

// lastChecked reads the end of the previous search window from state.
func lastChecked(state rule.State) (time.Time, bool) {
	raw, ok := state[stateLastChecked].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
