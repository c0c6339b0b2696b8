// Package maintenance decides which maintenance windows silence a rule run.
package maintenance

import (
	"fmt"
	"slices"
	"time"

	"detection-engine/internal/rule"

	"github.com/robfig/cron/v3"
)

// Scope restricts a window to rule instances. An empty scope covers every rule.
type Scope struct {
	RuleIDs []string `yaml:"rule_ids,omitempty" json:"rule_ids,omitempty"`
	Tags    []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Window is a period during which rules in scope emit no alerts.
type Window struct {
	ID       string        `yaml:"id" json:"id"`
	Title    string        `yaml:"title" json:"title"`
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Start    time.Time     `yaml:"start" json:"start"`
	Duration time.Duration `yaml:"duration" json:"duration"`
	// Recurrence is an optional cron expression; each occurrence at or after
	// Start opens the window for Duration.
	Recurrence string `yaml:"recurrence,omitempty" json:"recurrence,omitempty"`
	Scope      Scope  `yaml:"scope,omitempty" json:"scope,omitempty"`
}

// Validate validates the window.
func (w *Window) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("window id is required")
	}
	if w.Duration <= 0 {
		return fmt.Errorf("window duration must be positive")
	}
	if w.Start.IsZero() {
		return fmt.Errorf("window start is required")
	}
	if w.Recurrence != "" {
		if _, err := cron.ParseStandard(w.Recurrence); err != nil {
			return fmt.Errorf("invalid recurrence %q: %w", w.Recurrence, err)
		}
	}
	return nil
}

// ActiveAt reports whether the window is open at t.
func (w *Window) ActiveAt(t time.Time) bool {
	if !w.Enabled || t.Before(w.Start) {
		return false
	}
	if w.Recurrence == "" {
		return t.Before(w.Start.Add(w.Duration))
	}

	sched, err := cron.ParseStandard(w.Recurrence)
	if err != nil {
		return false
	}
	// Occurrences in (t-Duration, t] still cover t.
	for o := sched.Next(t.Add(-w.Duration)); !o.IsZero() && !o.After(t); o = sched.Next(o) {
		if !o.Before(w.Start) {
			return true
		}
	}
	return false
}

// Applies reports whether inst is in the window's scope.
func (w *Window) Applies(inst *rule.Instance) bool {
	if len(w.Scope.RuleIDs) == 0 && len(w.Scope.Tags) == 0 {
		return true
	}
	if slices.Contains(w.Scope.RuleIDs, inst.ID) {
		return true
	}
	for _, tag := range w.Scope.Tags {
		if inst.HasTag(tag) {
			return true
		}
	}
	return false
}

// activeIDs returns the ids of windows that apply to inst and are open at t.
func activeIDs(windows []Window, inst *rule.Instance, at time.Time) []string {
	var ids []string
	for i := range windows {
		if windows[i].Applies(inst) && windows[i].ActiveAt(at) {
			ids = append(ids, windows[i].ID)
		}
	}
	slices.Sort(ids)
	return ids
}

// Filter answers suppression checks from the window ids fetched once at the
// start of a run.
type Filter struct {
	ids []string
}

// NewFilter creates a filter over a snapshot of active window ids.
func NewFilter(ids []string) *Filter {
	return &Filter{ids: slices.Clone(ids)}
}

// IsSuppressed reports whether findings of the run are suppressed. Any
// active window suppresses every finding of the run.
func (f *Filter) IsSuppressed(ruleInstanceID string, ts time.Time) bool {
	return len(f.ids) > 0
}

// WindowIDs returns the active window ids.
func (f *Filter) WindowIDs() []string {
	return slices.Clone(f.ids)
}
