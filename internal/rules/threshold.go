package rules

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"detection-engine/internal/alert"
	"detection-engine/internal/rule"
	"detection-engine/internal/source"
)

const (
	// ThresholdTypeID is the type id of the threshold rule.
	ThresholdTypeID = "threshold"

	thresholdMaxAlerts = 100
	defaultMaxDocs     = 10000
	maxSourceRefs      = 10
)

// ThresholdParams configures a threshold rule.
type ThresholdParams struct {
	SearchParams
	GroupBy   []string `json:"group_by" validate:"dive,required"`
	Threshold int      `json:"threshold" validate:"gte=1"`
	MaxDocs   int      `json:"max_docs" validate:"gte=0"`
}

// Threshold raises one alert per group whose matching document count over the
// lookback reaches the threshold. A group alerts at most once per lookback
// bucket.
type Threshold struct{}

func (Threshold) TypeID() string          { return ThresholdTypeID }
func (Threshold) Version() int            { return 1 }
func (Threshold) DefaultSchedule() string { return defaultSchedule }
func (Threshold) DefaultMaxAlerts() int   { return thresholdMaxAlerts }
func (Threshold) NewParams() any          { return &ThresholdParams{} }

type group struct {
	key     string
	values  map[string]any
	count   int
	last    time.Time
	sources []alert.SourceRef
}

func (Threshold) Match(ctx context.Context, req *rule.Request) iter.Seq2[alert.Finding, error] {
	return func(yield func(alert.Finding, error) bool) {
		p := req.Params.(*ThresholdParams)
		logger := req.Services.Logger()

		lookback := p.lookback()
		end := req.StartedAt.UTC()
		start := end.Add(-lookback)
		req.SetNextState(rule.State{stateLastChecked: end.Format(time.RFC3339Nano)})

		if len(p.GroupBy) > 0 {
			schema, err := req.Services.FieldSchema(ctx, p.Index)
			if err != nil {
				logger.Debug("field schema unavailable", "index", p.Index, "error", err)
			}
			for _, field := range p.GroupBy {
				if _, ok := schema[field]; schema != nil && !ok {
					logger.Warn("group_by field not present in index", "index", p.Index, "field", field)
				}
			}
		}

		maxDocs := p.MaxDocs
		if maxDocs <= 0 {
			maxDocs = defaultMaxDocs
		}

		groups := make(map[string]*group)
		q := source.Query{
			Index:      p.Index,
			Conditions: p.Conditions,
			TimeRange:  source.TimeRange{Start: start, End: end},
			Limit:      p.pageSize(),
		}
		scanned := 0
		for scanned < maxDocs {
			docs, err := req.Services.Search(ctx, q)
			if err != nil {
				yield(alert.Finding{}, err)
				return
			}
			for _, doc := range docs {
				scanned++
				if p.excepted(doc) {
					continue
				}
				key, values, ok := groupKey(doc, p.GroupBy)
				if !ok {
					continue
				}
				g := groups[key]
				if g == nil {
					g = &group{key: key, values: values}
					groups[key] = g
				}
				g.count++
				if doc.Timestamp.After(g.last) {
					g.last = doc.Timestamp
				}
				if len(g.sources) < maxSourceRefs {
					g.sources = append(g.sources, alert.SourceRef{Index: p.Index, ID: doc.ID})
				}
			}
			if len(docs) < q.Limit {
				break
			}
			q.Offset += len(docs)
		}
		if scanned >= maxDocs {
			logger.Warn("threshold rule hit document scan limit", "index", p.Index, "max_docs", maxDocs)
		}

		keys := make([]string, 0, len(groups))
		for k, g := range groups {
			if g.count >= p.Threshold {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		bucket := end.Truncate(lookback).Format(time.RFC3339)
		for _, k := range keys {
			if !yield(thresholdFinding(req.Instance, p, groups[k], bucket), nil) {
				return
			}
		}
	}
}

// groupKey joins the group_by values of doc. Documents missing a group field
// are not counted.
func groupKey(doc source.Document, fields []string) (string, map[string]any, bool) {
	if len(fields) == 0 {
		return "*", map[string]any{}, true
	}
	values := make(map[string]any, len(fields))
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v := doc.Get(f)
		if v == nil || v == "" {
			return "", nil, false
		}
		values[f] = v
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, "|"), values, true
}

func thresholdFinding(inst *rule.Instance, p *ThresholdParams, g *group, bucket string) alert.Finding {
	fields := make(map[string]any, len(g.values)+1)
	for k, v := range g.values {
		fields[k] = v
	}
	fields["count"] = g.count

	return alert.Finding{
		Fingerprint: fmt.Sprintf("threshold:%s:%s", g.key, bucket),
		Timestamp:   g.last,
		Severity:    p.severity(),
		RiskScore:   p.riskScore(),
		Title:       inst.Name,
		Description: fmt.Sprintf("%d events matched for %s (threshold %d)", g.count, g.key, p.Threshold),
		Sources:     g.sources,
		Fields:      fields,
	}
}
