package store

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"detection-engine/internal/source"
)

func TestBuildWhere(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		query      source.Query
		wantClause string
		wantArgs   []any
	}{
		{
			name:       "index only",
			query:      source.Query{Index: "auth"},
			wantClause: "source_index = ?",
			wantArgs:   []any{"auth"},
		},
		{
			name: "time range and string eq",
			query: source.Query{
				Index:      "auth",
				TimeRange:  source.TimeRange{Start: start, End: start.Add(time.Hour)},
				Conditions: []source.Condition{{Field: "user.name", Operator: "eq", Value: "root"}},
			},
			wantClause: "source_index = ? AND timestamp >= ? AND timestamp < ? AND JSONExtractString(fields, ?, ?) = ?",
			wantArgs:   []any{"auth", start, start.Add(time.Hour), "user", "name", "root"},
		},
		{
			name: "numeric comparison",
			query: source.Query{
				Index:      "net",
				Conditions: []source.Condition{{Field: "bytes", Operator: "gte", Value: 1024}},
			},
			wantClause: "source_index = ? AND JSONExtractFloat(fields, ?) >= ?",
			wantArgs:   []any{"net", "bytes", float64(1024)},
		},
		{
			name: "in binds values before path",
			query: source.Query{
				Index:      "auth",
				Conditions: []source.Condition{{Field: "user", Operator: "not_in", Values: []string{"a", "b"}}},
			},
			wantClause: "source_index = ? AND NOT has(?, JSONExtractString(fields, ?))",
			wantArgs:   []any{"auth", []string{"a", "b"}, "user"},
		},
		{
			name: "exists",
			query: source.Query{
				Index:      "auth",
				Conditions: []source.Condition{{Field: "src.ip", Operator: "exists"}},
			},
			wantClause: `source_index = ? AND JSONExtractRaw(fields, ?, ?) NOT IN ('', '""', 'null')`,
			wantArgs:   []any{"auth", "src", "ip"},
		},
		{
			name: "alerts index uses columns",
			query: source.Query{
				Index:      source.AlertsIndex,
				Conditions: []source.Condition{{Field: "rule_id", Operator: "eq", Value: "r1"}},
			},
			wantClause: "toString(rule_id) = ?",
			wantArgs:   []any{"r1"},
		},
		{
			name: "timestamp condition",
			query: source.Query{
				Index:      "auth",
				Conditions: []source.Condition{{Field: "@timestamp", Operator: "lt", Value: "2026-01-01T00:00:00Z"}},
			},
			wantClause: "source_index = ? AND timestamp < parseDateTime64BestEffort(?, 3)",
			wantArgs:   []any{"auth", "2026-01-01T00:00:00Z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clause, args, err := buildWhere(tt.query)
			if err != nil {
				t.Fatalf("buildWhere() error = %v", err)
			}
			if clause != tt.wantClause {
				t.Errorf("clause = %q, want %q", clause, tt.wantClause)
			}
			if !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("args = %#v, want %#v", args, tt.wantArgs)
			}
			if got := strings.Count(clause, "?"); got != len(args) {
				t.Errorf("%d placeholders for %d args", got, len(args))
			}
		})
	}
}

func TestBuildWhereRejectsInvalidCondition(t *testing.T) {
	_, _, err := buildWhere(source.Query{
		Index:      "auth",
		Conditions: []source.Condition{{Field: "x", Operator: "like"}},
	})
	if err == nil {
		t.Error("expected error for unknown operator")
	}
}

func TestColumnFieldType(t *testing.T) {
	tests := map[string]source.FieldType{
		"String":                 source.FieldString,
		"LowCardinality(String)": source.FieldString,
		"UInt8":                  source.FieldNumber,
		"Float64":                source.FieldNumber,
		"DateTime64(3, 'UTC')":   source.FieldDate,
		"Bool":                   source.FieldBoolean,
		"Array(String)":          source.FieldUnknown,
	}
	for typ, want := range tests {
		if got := columnFieldType(typ); got != want {
			t.Errorf("columnFieldType(%q) = %s, want %s", typ, got, want)
		}
	}
}
