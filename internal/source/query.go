// Package source describes the read-only view detection rules have over
// indexed source documents.
package source

import (
	"fmt"
	"strings"
	"time"
)

// AlertsIndex is the index persisted alerts are searchable under.
const AlertsIndex = ".alerts"

// DefaultLimit bounds a search that does not set its own limit.
const DefaultLimit = 500

// TimeRange bounds a search by document timestamp. Zero values are open ends.
type TimeRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Contains reports whether t falls in [Start, End).
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !t.Before(r.End) {
		return false
	}
	return true
}

// Query is a structured search over one index. Conditions are ANDed.
type Query struct {
	Index      string      `json:"index"`
	Conditions []Condition `json:"conditions,omitempty"`
	TimeRange  TimeRange   `json:"time_range"`
	Limit      int         `json:"limit,omitempty"`
	Offset     int         `json:"offset,omitempty"`
	SortDesc   bool        `json:"sort_desc,omitempty"`
}

// Validate checks the query before it is sent to a gateway.
func (q *Query) Validate() error {
	if q.Index == "" {
		return fmt.Errorf("index is required")
	}
	if q.Limit < 0 {
		return fmt.Errorf("limit must be >= 0")
	}
	if q.Offset < 0 {
		return fmt.Errorf("offset must be >= 0")
	}
	for i := range q.Conditions {
		if err := q.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// EffectiveLimit returns Limit or DefaultLimit when unset.
func (q *Query) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

// Matches reports whether doc satisfies the time range and every condition.
func (q *Query) Matches(doc Document) bool {
	if !q.TimeRange.Contains(doc.Timestamp) {
		return false
	}
	for i := range q.Conditions {
		if !q.Conditions[i].Match(doc.Get(q.Conditions[i].Field)) {
			return false
		}
	}
	return true
}

// Document is one source record returned by a search.
type Document struct {
	ID        string         `json:"id"`
	Index     string         `json:"index"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// Get returns the value at a dotted field path, or nil. The top-level names
// "id" and "timestamp" resolve to the document metadata.
func (d Document) Get(path string) any {
	switch path {
	case "id", "_id":
		return d.ID
	case "timestamp", "@timestamp":
		return d.Timestamp
	}
	if v, ok := d.Fields[path]; ok {
		return v
	}

	var cur any = d.Fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

// FieldType is the coarse type of an indexed field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
	FieldObject  FieldType = "object"
	FieldUnknown FieldType = "unknown"
)

// FieldMap maps field paths to their types for one index.
type FieldMap map[string]FieldType

// TypeOf infers a FieldType from a decoded value.
func TypeOf(v any) FieldType {
	switch v.(type) {
	case string:
		return FieldString
	case bool:
		return FieldBoolean
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return FieldNumber
	case time.Time:
		return FieldDate
	case map[string]any:
		return FieldObject
	default:
		return FieldUnknown
	}
}

// Flatten adds the dotted paths of fields to m.
func (m FieldMap) Flatten(prefix string, fields map[string]any) {
	for k, v := range fields {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			m.Flatten(path, nested)
			continue
		}
		if _, seen := m[path]; !seen {
			m[path] = TypeOf(v)
		}
	}
}
