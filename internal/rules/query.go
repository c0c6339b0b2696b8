package rules

import (
	"context"
	"iter"
	"time"

	"detection-engine/internal/alert"
	"detection-engine/internal/rule"
	"detection-engine/internal/source"
)

// QueryTypeID is the type id of the query rule.
const QueryTypeID = "query"

// QueryParams configures a query rule.
type QueryParams struct {
	SearchParams
}

// Query raises one alert per source document matching its conditions. Each
// run searches from the end of the previous run, or the lookback on the first
// run, up to the run start.
type Query struct{}

func (Query) TypeID() string          { return QueryTypeID }
func (Query) Version() int            { return 1 }
func (Query) DefaultSchedule() string { return defaultSchedule }
func (Query) DefaultMaxAlerts() int   { return 0 }
func (Query) NewParams() any          { return &QueryParams{} }

// Match pages through the index lazily; pages are only fetched while the
// engine keeps pulling.
func (Query) Match(ctx context.Context, req *rule.Request) iter.Seq2[alert.Finding, error] {
	return func(yield func(alert.Finding, error) bool) {
		p := req.Params.(*QueryParams)

		end := req.StartedAt.UTC()
		start := end.Add(-p.lookback())
		if last, ok := lastChecked(req.State); ok && last.After(start) {
			start = last
		}
		req.SetNextState(rule.State{stateLastChecked: end.Format(time.RFC3339Nano)})

		q := source.Query{
			Index:      p.Index,
			Conditions: p.Conditions,
			TimeRange:  source.TimeRange{Start: start, End: end},
			Limit:      p.pageSize(),
		}
		req.Services.Logger().Debug("query rule searching",
			"index", p.Index,
			"start", start,
			"end", end,
		)

		for {
			docs, err := req.Services.Search(ctx, q)
			if err != nil {
				yield(alert.Finding{}, err)
				return
			}
			for _, doc := range docs {
				if p.excepted(doc) {
					continue
				}
				if !yield(queryFinding(req.Instance, p, doc), nil) {
					return
				}
			}
			if len(docs) < q.Limit {
				return
			}
			q.Offset += len(docs)
		}
	}
}

func queryFinding(inst *rule.Instance, p *QueryParams, doc source.Document) alert.Finding {
	index := doc.Index
	if index == "" {
		index = p.Index
	}
	return alert.Finding{
		Fingerprint: index + ":" + doc.ID,
		Timestamp:   doc.Timestamp,
		Severity:    p.severity(),
		RiskScore:   p.riskScore(),
		Title:       inst.Name,
		Sources:     []alert.SourceRef{{Index: index, ID: doc.ID}},
		Fields:      doc.Fields,
	}
}
