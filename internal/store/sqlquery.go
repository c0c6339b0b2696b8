package store

import (
	"fmt"
	"strings"
	"time"

	"detection-engine/internal/source"
)

// alertColumns maps alert document fields to alerts table columns.
var alertColumns = map[string]string{
	"id":           "id",
	"_id":          "id",
	"rule_id":      "rule_id",
	"rule_type":    "rule_type",
	"rule_name":    "rule_name",
	"fingerprint":  "fingerprint",
	"execution_id": "execution_id",
	"severity":     "severity",
	"risk_score":   "risk_score",
	"title":        "title",
	"status":       "status",
	"timestamp":    "timestamp",
	"@timestamp":   "timestamp",
}

var eventColumns = map[string]string{
	"id":         "id",
	"_id":        "id",
	"timestamp":  "timestamp",
	"@timestamp": "timestamp",
}

// sqlFilter is a WHERE clause with positional arguments.
type sqlFilter struct {
	clauses []string
	args    []any
}

func (f *sqlFilter) add(clause string, args ...any) {
	f.clauses = append(f.clauses, clause)
	f.args = append(f.args, args...)
}

func (f *sqlFilter) String() string {
	if len(f.clauses) == 0 {
		return "1 = 1"
	}
	return strings.Join(f.clauses, " AND ")
}

// buildWhere translates a structured query into a ClickHouse WHERE clause.
// Field paths and values are always bound as arguments.
func buildWhere(q source.Query) (string, []any, error) {
	columns := eventColumns
	f := &sqlFilter{}
	if q.Index == source.AlertsIndex {
		columns = alertColumns
	} else {
		f.add("source_index = ?", q.Index)
	}

	if !q.TimeRange.Start.IsZero() {
		f.add("timestamp >= ?", q.TimeRange.Start.UTC())
	}
	if !q.TimeRange.End.IsZero() {
		f.add("timestamp < ?", q.TimeRange.End.UTC())
	}

	for i, c := range q.Conditions {
		if err := c.Validate(); err != nil {
			return "", nil, fmt.Errorf("condition %d: %w", i, err)
		}
		clause, args := conditionSQL(columns, c)
		f.add(clause, args...)
	}
	return f.String(), f.args, nil
}

// fieldExpr returns the SQL expression reading field as the given JSONExtract
// flavour (String, Float or Raw). Known columns are read directly.
func fieldExpr(columns map[string]string, field, flavour string) (string, []any) {
	if col, ok := columns[field]; ok {
		switch flavour {
		case "Float":
			return fmt.Sprintf("toFloat64OrZero(toString(%s))", col), nil
		case "String", "Raw":
			if col == "timestamp" {
				return col, nil
			}
			return fmt.Sprintf("toString(%s)", col), nil
		}
	}

	parts := strings.Split(field, ".")
	args := make([]any, len(parts))
	for i, p := range parts {
		args[i] = p
	}
	return fmt.Sprintf("JSONExtract%s(fields%s)", flavour, strings.Repeat(", ?", len(parts))), args
}

var comparisonOps = map[string]string{
	"eq": "=", "ne": "!=", "gt": ">", "gte": ">=", "lt": "<", "lte": "<=",
}

func conditionSQL(columns map[string]string, c source.Condition) (string, []any) {
	isTimestamp := columns[c.Field] == "timestamp"

	switch c.Operator {
	case "eq", "ne", "gt", "gte", "lt", "lte":
		op := comparisonOps[c.Operator]
		if isTimestamp {
			return fmt.Sprintf("timestamp %s parseDateTime64BestEffort(?, 3)", op), []any{timeArg(c.Value)}
		}
		if n, ok := numeric(c.Value); ok {
			expr, args := fieldExpr(columns, c.Field, "Float")
			return fmt.Sprintf("%s %s ?", expr, op), append(args, n)
		}
		expr, args := fieldExpr(columns, c.Field, "String")
		return fmt.Sprintf("%s %s ?", expr, op), append(args, fmt.Sprint(c.Value))
	case "contains":
		expr, args := fieldExpr(columns, c.Field, "String")
		return fmt.Sprintf("positionCaseInsensitive(%s, ?) > 0", expr), append(args, fmt.Sprint(c.Value))
	case "regex":
		expr, args := fieldExpr(columns, c.Field, "String")
		return fmt.Sprintf("match(%s, ?)", expr), append(args, fmt.Sprint(c.Value))
	case "in", "not_in":
		expr, args := fieldExpr(columns, c.Field, "String")
		clause := fmt.Sprintf("has(?, %s)", expr)
		if c.Operator == "not_in" {
			clause = "NOT " + clause
		}
		return clause, append([]any{c.Values}, args...)
	case "exists":
		expr, args := fieldExpr(columns, c.Field, "Raw")
		return fmt.Sprintf("%s NOT IN ('', '\"\"', 'null')", expr), args
	case "not_exists":
		expr, args := fieldExpr(columns, c.Field, "Raw")
		return fmt.Sprintf("%s IN ('', '\"\"', 'null')", expr), args
	}
	return "0 = 1", nil
}

func timeArg(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

// numeric reports whether v is a Go number. Numeric strings stay strings.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// orderBy returns the ORDER BY clause for q.
func orderBy(q source.Query) string {
	if q.SortDesc {
		return "ORDER BY timestamp DESC, id DESC"
	}
	return "ORDER BY timestamp ASC, id ASC"
}
