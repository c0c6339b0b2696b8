package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"detection-engine/internal/alert"
	"detection-engine/internal/source"

	"github.com/google/uuid"
)

// DefaultFlushChunk is the number of alerts inserted per ClickHouse batch.
const DefaultFlushChunk = 500

// schemaSampleSize bounds the rows read to infer an event index field map.
const schemaSampleSize = 1000

// ClickHouseGateway persists alerts to ClickHouse and searches the events
// table on behalf of rule matchers.
type ClickHouseGateway struct {
	client    *ClickHouseClient
	logger    *slog.Logger
	chunkSize int
}

// NewClickHouseGateway creates a gateway over an open client.
func NewClickHouseGateway(client *ClickHouseClient, logger *slog.Logger) *ClickHouseGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClickHouseGateway{
		client:    client,
		logger:    logger,
		chunkSize: DefaultFlushChunk,
	}
}

// Flush writes the alerts that do not exist yet. Alerts are written in
// chunks; when a chunk fails, results for the chunks already written are
// returned with the error.
func (g *ClickHouseGateway) Flush(ctx context.Context, alerts []*alert.Alert) ([]alert.FlushResult, error) {
	if len(alerts) == 0 {
		return nil, nil
	}

	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID.String()
	}

	existing, err := g.probe(ctx, "SELECT DISTINCT id FROM alerts WHERE has(?, id)", ids)
	if err != nil {
		return nil, WrapQueryError("Flush", "alerts", err)
	}
	dispatched, err := g.dispatchedActions(ctx, ids)
	if err != nil {
		return nil, WrapQueryError("Flush", "alert_dispatches", err)
	}

	results := make([]alert.FlushResult, 0, len(alerts))
	var pending []*alert.Alert
	for _, a := range alerts {
		id := a.ID.String()
		if existing[id] {
			results = append(results, alert.FlushResult{Alert: a, Dispatched: dispatched[id]})
			continue
		}
		pending = append(pending, a)
	}

	for start := 0; start < len(pending); start += g.chunkSize {
		end := min(start+g.chunkSize, len(pending))
		chunk := pending[start:end]
		if err := g.insert(ctx, chunk); err != nil {
			return results, err
		}
		for _, a := range chunk {
			results = append(results, alert.FlushResult{Alert: a, Created: true})
		}
	}

	g.logger.Debug("flushed alerts",
		"total", len(alerts),
		"created", len(pending),
	)
	return results, nil
}

func (g *ClickHouseGateway) insert(ctx context.Context, alerts []*alert.Alert) error {
	batch, err := g.client.PrepareBatch(ctx, `
		INSERT INTO alerts (
			id, fingerprint, rule_id, rule_type, rule_name, execution_id,
			timestamp, severity, risk_score, title, description,
			sources, fields, tags, status
		)
	`)
	if err != nil {
		return WrapBatchError("Flush", "alerts", err)
	}

	for _, a := range alerts {
		sources, err := json.Marshal(a.Sources)
		if err != nil {
			batch.Abort()
			return invalidData("Flush", "alerts", fmt.Errorf("sources: %w", err))
		}
		fields, err := json.Marshal(a.Fields)
		if err != nil {
			batch.Abort()
			return invalidData("Flush", "alerts", fmt.Errorf("fields: %w", err))
		}
		tags := a.Tags
		if tags == nil {
			tags = []string{}
		}

		if err := batch.Append(
			a.ID.String(),
			a.Fingerprint,
			a.RuleInstanceID,
			a.RuleTypeID,
			a.RuleName,
			a.ExecutionID.String(),
			a.Timestamp.UTC(),
			string(a.Severity),
			uint8(min(max(a.RiskScore, 0), 100)),
			a.Title,
			a.Description,
			string(sources),
			string(fields),
			tags,
			string(a.Status),
		); err != nil {
			batch.Abort()
			return WrapBatchError("Flush", "alerts", err)
		}
	}

	if err := batch.Send(); err != nil {
		return WrapBatchError("Flush", "alerts", err)
	}
	return nil
}

// MarkDispatched records the (alert, action) pairs that were scheduled.
func (g *ClickHouseGateway) MarkDispatched(ctx context.Context, keys []alert.DispatchKey) error {
	if len(keys) == 0 {
		return nil
	}
	batch, err := g.client.PrepareBatch(ctx, "INSERT INTO alert_dispatches (alert_id, action_id)")
	if err != nil {
		return WrapBatchError("MarkDispatched", "alert_dispatches", err)
	}
	for _, k := range keys {
		if err := batch.Append(k.AlertID.String(), k.ActionID); err != nil {
			batch.Abort()
			return WrapBatchError("MarkDispatched", "alert_dispatches", err)
		}
	}
	if err := batch.Send(); err != nil {
		return WrapBatchError("MarkDispatched", "alert_dispatches", err)
	}
	return nil
}

func (g *ClickHouseGateway) probe(ctx context.Context, query string, ids []string) (map[string]bool, error) {
	rows, err := g.client.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	return found, rows.Err()
}

// dispatchedActions returns the acknowledged action ids per alert id.
func (g *ClickHouseGateway) dispatchedActions(ctx context.Context, ids []string) (map[string][]string, error) {
	rows, err := g.client.Query(ctx,
		"SELECT DISTINCT alert_id, action_id FROM alert_dispatches WHERE has(?, alert_id)", ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var alertID, actionID string
		if err := rows.Scan(&alertID, &actionID); err != nil {
			return nil, err
		}
		out[alertID] = append(out[alertID], actionID)
	}
	return out, rows.Err()
}

// Search runs q against the events table, or the alerts table for the alerts
// index.
func (g *ClickHouseGateway) Search(ctx context.Context, q source.Query) ([]source.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, invalidData("Search", q.Index, err)
	}
	where, args, err := buildWhere(q)
	if err != nil {
		return nil, invalidData("Search", q.Index, err)
	}
	args = append(args, q.EffectiveLimit(), q.Offset)

	if q.Index == source.AlertsIndex {
		return g.searchAlerts(ctx, where, orderBy(q), args)
	}

	query := fmt.Sprintf(`
		SELECT id, source_index, timestamp, fields
		FROM events
		WHERE %s
		%s
		LIMIT ? OFFSET ?
	`, where, orderBy(q))

	rows, err := g.client.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("Search", "events", err)
	}
	defer rows.Close()

	var docs []source.Document
	for rows.Next() {
		var (
			doc    source.Document
			fields string
		)
		if err := rows.Scan(&doc.ID, &doc.Index, &doc.Timestamp, &fields); err != nil {
			return nil, WrapQueryError("Search", "events", err)
		}
		if err := json.Unmarshal([]byte(fields), &doc.Fields); err != nil {
			g.logger.Warn("skipping event with malformed fields",
				"id", doc.ID,
				"index", doc.Index,
				"error", err,
			)
			continue
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("Search", "events", err)
	}
	return docs, nil
}

func (g *ClickHouseGateway) searchAlerts(ctx context.Context, where, order string, args []any) ([]source.Document, error) {
	query := fmt.Sprintf(`
		SELECT id, fingerprint, rule_id, rule_type, rule_name, execution_id,
			timestamp, severity, risk_score, title, status
		FROM alerts FINAL
		WHERE %s
		%s
		LIMIT ? OFFSET ?
	`, where, order)

	rows, err := g.client.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("Search", "alerts", err)
	}
	defer rows.Close()

	var docs []source.Document
	for rows.Next() {
		var (
			a                alert.Alert
			id, executionID  string
			severity, status string
			riskScore        uint8
		)
		if err := rows.Scan(&id, &a.Fingerprint, &a.RuleInstanceID, &a.RuleTypeID, &a.RuleName,
			&executionID, &a.Timestamp, &severity, &riskScore, &a.Title, &status); err != nil {
			return nil, WrapQueryError("Search", "alerts", err)
		}
		a.ID, _ = uuid.Parse(id)
		a.ExecutionID, _ = uuid.Parse(executionID)
		a.Severity = alert.Severity(severity)
		a.Status = alert.Status(status)
		a.RiskScore = int(riskScore)
		docs = append(docs, alertDocument(&a))
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("Search", "alerts", err)
	}
	return docs, nil
}

// FieldSchema returns the fields of an index. The alerts index is described
// by its table columns; event indices by a sample of recent documents.
func (g *ClickHouseGateway) FieldSchema(ctx context.Context, index string) (source.FieldMap, error) {
	if index == source.AlertsIndex {
		return g.columnSchema(ctx, "alerts")
	}

	rows, err := g.client.Query(ctx, `
		SELECT fields FROM events
		WHERE source_index = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, index, time.Now().Add(-24*time.Hour).UTC(), schemaSampleSize)
	if err != nil {
		return nil, WrapQueryError("FieldSchema", "events", err)
	}
	defer rows.Close()

	fields := source.FieldMap{}
	seen := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, WrapQueryError("FieldSchema", "events", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			continue
		}
		fields.Flatten("", decoded)
		seen++
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("FieldSchema", "events", err)
	}
	if seen == 0 {
		return nil, WrapNotFoundError("FieldSchema", "events", index)
	}
	return fields, nil
}

func (g *ClickHouseGateway) columnSchema(ctx context.Context, table string) (source.FieldMap, error) {
	rows, err := g.client.Query(ctx, `
		SELECT name, type FROM system.columns
		WHERE database = ? AND table = ?
	`, g.client.Database(), table)
	if err != nil {
		return nil, WrapQueryError("FieldSchema", "system.columns", err)
	}
	defer rows.Close()

	fields := source.FieldMap{}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, WrapQueryError("FieldSchema", "system.columns", err)
		}
		fields[name] = columnFieldType(typ)
	}
	return fields, rows.Err()
}

// columnFieldType maps a ClickHouse column type to a FieldType.
func columnFieldType(typ string) source.FieldType {
	switch {
	case hasAnyPrefix(typ, "String", "LowCardinality(String)", "FixedString", "UUID", "Enum"):
		return source.FieldString
	case hasAnyPrefix(typ, "Int", "UInt", "Float", "Decimal"):
		return source.FieldNumber
	case hasAnyPrefix(typ, "Bool"):
		return source.FieldBoolean
	case hasAnyPrefix(typ, "Date"):
		return source.FieldDate
	}
	return source.FieldUnknown
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
