package rule

import (
	"fmt"
	"time"
)

// State is the opaque key/value blob a rule carries from one run to the next.
type State map[string]any

// Clone returns a shallow copy of the state.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Action is a response action configured on a rule instance.
type Action struct {
	ID            string         `yaml:"id" json:"id"`
	ConnectorType string         `yaml:"connector_type" json:"connector_type"`
	Group         string         `yaml:"group,omitempty" json:"group,omitempty"`
	Params        map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// HealthStatus is the outcome of the most recent run.
type HealthStatus string

const (
	HealthUnknown HealthStatus = "unknown"
	HealthOK      HealthStatus = "ok"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

// Health is the rule health surfaced to users after each run.
type Health struct {
	Status      HealthStatus `yaml:"status" json:"status"`
	ErrorKind   Kind         `yaml:"error_kind,omitempty" json:"error_kind,omitempty"`
	Message     string       `yaml:"message,omitempty" json:"message,omitempty"`
	ExecutionID string       `yaml:"execution_id,omitempty" json:"execution_id,omitempty"`
	At          time.Time    `yaml:"at,omitempty" json:"at,omitempty"`
}

// Instance is a saved configuration of a rule type.
type Instance struct {
	ID        string         `yaml:"id" json:"id"`
	TypeID    string         `yaml:"type" json:"type"`
	Name      string         `yaml:"name" json:"name"`
	Enabled   bool           `yaml:"enabled" json:"enabled"`
	Schedule  string         `yaml:"schedule" json:"schedule"`
	Tags      []string       `yaml:"tags,omitempty" json:"tags,omitempty"`
	Actions   []Action       `yaml:"actions,omitempty" json:"actions,omitempty"`
	CreatedBy string         `yaml:"created_by,omitempty" json:"created_by,omitempty"`
	UpdatedBy string         `yaml:"updated_by,omitempty" json:"updated_by,omitempty"`
	CreatedAt time.Time      `yaml:"created_at,omitempty" json:"created_at"`
	UpdatedAt time.Time      `yaml:"updated_at,omitempty" json:"updated_at"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// Run bookkeeping, owned by the instance store.
	State     State      `yaml:"-" json:"state,omitempty"`
	LastRunAt *time.Time `yaml:"-" json:"last_run_at,omitempty"`
	Health    Health     `yaml:"-" json:"health"`
}

// Validate checks the fields every instance needs regardless of type.
func (i *Instance) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("rule instance id is required")
	}
	if i.Name == "" {
		return fmt.Errorf("rule instance name is required")
	}
	if i.TypeID == "" {
		return fmt.Errorf("rule instance type is required")
	}
	if i.Schedule != "" {
		if err := ValidateSchedule(i.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", i.Schedule, err)
		}
	}
	seen := make(map[string]bool, len(i.Actions))
	for idx, a := range i.Actions {
		if a.ID == "" {
			return fmt.Errorf("action %d: id is required", idx)
		}
		if a.ConnectorType == "" {
			return fmt.Errorf("action %d: connector_type is required", idx)
		}
		if seen[a.ID] {
			return fmt.Errorf("action %d: duplicate id %s", idx, a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// HasTag reports whether the instance carries tag.
func (i *Instance) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RunRecord is what the runner writes back to the instance store after a run.
type RunRecord struct {
	RanAt  time.Time
	State  State // nil leaves the stored state untouched
	Health Health
}
