package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"detection-engine/internal/alert"
	"detection-engine/internal/source"

	"github.com/google/uuid"
)

// MemoryGateway is an in-process alert store and document index used in
// development and tests.
type MemoryGateway struct {
	mu         sync.RWMutex
	docs       map[string][]source.Document // index -> documents
	alerts     map[uuid.UUID]*alert.Alert
	order      []uuid.UUID
	dispatched map[uuid.UUID][]string // alert id -> acknowledged action ids

	// FailAfter makes Flush fail once this many alerts have been written in a
	// single call. Zero disables it.
	FailAfter int
}

// NewMemoryGateway creates an empty MemoryGateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		docs:       make(map[string][]source.Document),
		alerts:     make(map[uuid.UUID]*alert.Alert),
		dispatched: make(map[uuid.UUID][]string),
	}
}

// Index adds source documents to the named index.
func (g *MemoryGateway) Index(index string, docs ...source.Document) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range docs {
		d.Index = index
		g.docs[index] = append(g.docs[index], d)
	}
}

// Flush writes alerts whose id is not yet stored. Existing ids are left
// untouched and reported as not created.
func (g *MemoryGateway) Flush(ctx context.Context, alerts []*alert.Alert) ([]alert.FlushResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	results := make([]alert.FlushResult, 0, len(alerts))
	written := 0
	for _, a := range alerts {
		if err := ctx.Err(); err != nil {
			return results, WrapBatchError("Flush", "alerts", err)
		}
		if _, exists := g.alerts[a.ID]; exists {
			results = append(results, alert.FlushResult{Alert: a, Dispatched: slices.Clone(g.dispatched[a.ID])})
			continue
		}
		if g.FailAfter > 0 && written >= g.FailAfter {
			return results, WrapBatchError("Flush", "alerts", fmt.Errorf("injected failure after %d writes", written))
		}
		stored := *a
		g.alerts[a.ID] = &stored
		g.order = append(g.order, a.ID)
		written++
		results = append(results, alert.FlushResult{Alert: a, Created: true})
	}
	return results, nil
}

// MarkDispatched records the (alert, action) pairs that were scheduled.
func (g *MemoryGateway) MarkDispatched(_ context.Context, keys []alert.DispatchKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		if !slices.Contains(g.dispatched[k.AlertID], k.ActionID) {
			g.dispatched[k.AlertID] = append(g.dispatched[k.AlertID], k.ActionID)
		}
	}
	return nil
}

// Search returns documents in q.Index matching q. The alerts index exposes
// flushed alerts.
func (g *MemoryGateway) Search(ctx context.Context, q source.Query) ([]source.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, invalidData("Search", q.Index, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.RLock()
	var candidates []source.Document
	if q.Index == source.AlertsIndex {
		candidates = make([]source.Document, 0, len(g.order))
		for _, id := range g.order {
			candidates = append(candidates, alertDocument(g.alerts[id]))
		}
	} else {
		candidates = append([]source.Document(nil), g.docs[q.Index]...)
	}
	g.mu.RUnlock()

	matched := make([]source.Document, 0, len(candidates))
	for _, d := range candidates {
		if q.Matches(d) {
			matched = append(matched, d)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if q.SortDesc {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	if q.Offset >= len(matched) {
		return []source.Document{}, nil
	}
	matched = matched[q.Offset:]
	if limit := q.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// FieldSchema returns the union of field paths seen in the index.
func (g *MemoryGateway) FieldSchema(_ context.Context, index string) (source.FieldMap, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	fields := source.FieldMap{}
	if index == source.AlertsIndex {
		for _, id := range g.order {
			fields.Flatten("", alertDocument(g.alerts[id]).Fields)
		}
		return fields, nil
	}
	docs, ok := g.docs[index]
	if !ok {
		return nil, WrapNotFoundError("FieldSchema", "index", index)
	}
	for _, d := range docs {
		fields.Flatten("", d.Fields)
	}
	return fields, nil
}

// Alerts returns a copy of every stored alert in write order.
func (g *MemoryGateway) Alerts() []alert.Alert {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]alert.Alert, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.alerts[id])
	}
	return out
}

// alertDocument exposes an alert as a searchable document.
func alertDocument(a *alert.Alert) source.Document {
	return source.Document{
		ID:        a.ID.String(),
		Index:     source.AlertsIndex,
		Timestamp: a.Timestamp,
		Fields: map[string]any{
			"rule_id":      a.RuleInstanceID,
			"rule_type":    a.RuleTypeID,
			"rule_name":    a.RuleName,
			"fingerprint":  a.Fingerprint,
			"execution_id": a.ExecutionID.String(),
			"severity":     string(a.Severity),
			"risk_score":   a.RiskScore,
			"title":        a.Title,
			"status":       string(a.Status),
		},
	}
}
