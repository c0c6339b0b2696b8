package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"detection-engine/internal/alert"
	"detection-engine/internal/logging"
	"detection-engine/internal/rule"
	"detection-engine/internal/source"
	"detection-engine/internal/store"

	"github.com/google/uuid"
)

// services backs matchers with a memory gateway and counts searches.
type services struct {
	gw       *store.MemoryGateway
	searches int
	failWith error
}

func (s *services) Search(ctx context.Context, q source.Query) ([]source.Document, error) {
	s.searches++
	if s.failWith != nil {
		return nil, s.failWith
	}
	return s.gw.Search(ctx, q)
}

func (s *services) FieldSchema(ctx context.Context, index string) (source.FieldMap, error) {
	return s.gw.FieldSchema(ctx, index)
}

func (s *services) Logger() *slog.Logger { return logging.Discard() }

var runStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func authEvent(i int, user, outcome string, at time.Time) source.Document {
	return source.Document{
		ID:        fmt.Sprintf("evt-%03d", i),
		Index:     "auth",
		Timestamp: at,
		Fields: map[string]any{
			"user":    map[string]any{"name": user},
			"outcome": outcome,
		},
	}
}

func newServices(docs ...source.Document) *services {
	gw := store.NewMemoryGateway()
	gw.Index("auth", docs...)
	return &services{gw: gw}
}

func request(t *testing.T, def rule.Definition, raw map[string]any, svc rule.Services, state rule.State) *rule.Request {
	t.Helper()
	params, err := rule.DecodeParams(def, raw)
	if err != nil {
		t.Fatalf("DecodeParams() error = %v", err)
	}
	return &rule.Request{
		Instance:    &rule.Instance{ID: "r1", TypeID: def.TypeID(), Name: "Failed logins"},
		Params:      params,
		State:       state,
		Services:    svc,
		ExecutionID: uuid.New(),
		StartedAt:   runStart,
	}
}

func collect(t *testing.T, def rule.Definition, req *rule.Request) ([]alert.Finding, error) {
	t.Helper()
	var out []alert.Finding
	for f, err := range def.Match(context.Background(), req) {
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}

func TestRegisterBuiltins(t *testing.T) {
	reg := rule.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	for _, id := range []string{QueryTypeID, ThresholdTypeID} {
		if _, err := reg.Resolve(id); err != nil {
			t.Errorf("Resolve(%q) error = %v", id, err)
		}
	}
	if err := RegisterBuiltins(reg); !errors.Is(err, rule.ErrDuplicateRuleType) {
		t.Errorf("second RegisterBuiltins() error = %v, want duplicate", err)
	}
}

func TestParamsValidation(t *testing.T) {
	tests := []struct {
		name    string
		def     rule.Definition
		raw     map[string]any
		wantErr bool
	}{
		{"query ok", Query{}, map[string]any{"index": "auth"}, false},
		{"query missing index", Query{}, map[string]any{}, true},
		{"query bad severity", Query{}, map[string]any{"index": "auth", "severity": "urgent"}, true},
		{"query bad lookback", Query{}, map[string]any{"index": "auth", "lookback": "soon"}, true},
		{"query risk score out of range", Query{}, map[string]any{"index": "auth", "risk_score": 120}, true},
		{"query bad operator", Query{}, map[string]any{
			"index":      "auth",
			"conditions": []any{map[string]any{"field": "outcome", "operator": "like", "value": "x"}},
		}, true},
		{"query bad regex", Query{}, map[string]any{
			"index":      "auth",
			"conditions": []any{map[string]any{"field": "outcome", "operator": "regex", "value": "("}},
		}, true},
		{"query in without values", Query{}, map[string]any{
			"index":      "auth",
			"conditions": []any{map[string]any{"field": "outcome", "operator": "in"}},
		}, true},
		{"query exception ok", Query{}, map[string]any{
			"index": "auth",
			"exceptions": []any{map[string]any{
				"name":       "service accounts",
				"conditions": []any{map[string]any{"field": "user.name", "operator": "in", "values": []any{"svc-backup"}}},
			}},
		}, false},
		{"query exception without conditions", Query{}, map[string]any{
			"index":      "auth",
			"exceptions": []any{map[string]any{"name": "empty"}},
		}, true},
		{"query exception bad operator", Query{}, map[string]any{
			"index": "auth",
			"exceptions": []any{map[string]any{
				"conditions": []any{map[string]any{"field": "user.name", "operator": "like", "value": "svc"}},
			}},
		}, true},
		{"threshold ok", Threshold{}, map[string]any{"index": "auth", "threshold": 3, "group_by": []any{"user.name"}}, false},
		{"threshold missing threshold", Threshold{}, map[string]any{"index": "auth"}, true},
		{"threshold empty group field", Threshold{}, map[string]any{"index": "auth", "threshold": 1, "group_by": []any{""}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rule.DecodeParams(tt.def, tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeParams() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && rule.KindOf(err) != rule.KindValidation {
				t.Errorf("kind = %s, want validation_error", rule.KindOf(err))
			}
		})
	}
}

func TestQueryMatchesWithinLookback(t *testing.T) {
	svc := newServices(
		authEvent(1, "alice", "failure", runStart.Add(-2*time.Minute)),
		authEvent(2, "bob", "success", runStart.Add(-time.Minute)),
		authEvent(3, "carol", "failure", runStart.Add(-10*time.Minute)), // before lookback
		authEvent(4, "dave", "failure", runStart.Add(time.Minute)),      // after run start
	)
	req := request(t, Query{}, map[string]any{
		"index":      "auth",
		"lookback":   "5m",
		"severity":   "high",
		"conditions": []any{map[string]any{"field": "outcome", "operator": "eq", "value": "failure"}},
	}, svc, nil)

	findings, err := collect(t, Query{}, req)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}
	f := findings[0]
	if f.Fingerprint != "auth:evt-001" || f.Severity != alert.SeverityHigh || f.Title != "Failed logins" {
		t.Errorf("finding = %+v", f)
	}
	if f.RiskScore != defaultRiskScore {
		t.Errorf("RiskScore = %d", f.RiskScore)
	}
	if got := req.NextState()[stateLastChecked]; got != runStart.Format(time.RFC3339Nano) {
		t.Errorf("next state = %v", got)
	}
}

func TestQueryResumesFromLastChecked(t *testing.T) {
	svc := newServices(
		authEvent(1, "alice", "failure", runStart.Add(-4*time.Minute)),
		authEvent(2, "bob", "failure", runStart.Add(-time.Minute)),
	)
	state := rule.State{stateLastChecked: runStart.Add(-2 * time.Minute).Format(time.RFC3339Nano)}
	req := request(t, Query{}, map[string]any{"index": "auth", "lookback": "5m"}, svc, state)

	findings, err := collect(t, Query{}, req)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(findings) != 1 || findings[0].Sources[0].ID != "evt-002" {
		t.Errorf("findings = %+v, want only evt-002", findings)
	}
}

func TestQueryPagesLazily(t *testing.T) {
	var docs []source.Document
	for i := 0; i < 25; i++ {
		docs = append(docs, authEvent(i, "alice", "failure", runStart.Add(-time.Duration(i+1)*time.Second)))
	}
	svc := newServices(docs...)
	raw := map[string]any{"index": "auth", "page_size": 10}

	findings, err := collect(t, Query{}, request(t, Query{}, raw, svc, nil))
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(findings) != 25 || svc.searches != 3 {
		t.Errorf("findings = %d, searches = %d, want 25 and 3", len(findings), svc.searches)
	}

	// Stopping after the first finding fetches no further pages.
	svc.searches = 0
	for range (Query{}).Match(context.Background(), request(t, Query{}, raw, svc, nil)) {
		break
	}
	if svc.searches != 1 {
		t.Errorf("searches after early stop = %d, want 1", svc.searches)
	}
}

func TestQuerySearchError(t *testing.T) {
	svc := newServices()
	svc.failWith = errors.New("connection refused")
	findings, err := collect(t, Query{}, request(t, Query{}, map[string]any{"index": "auth"}, svc, nil))
	if err == nil || len(findings) != 0 {
		t.Errorf("findings = %v, err = %v", findings, err)
	}
}

func TestThresholdGroups(t *testing.T) {
	svc := newServices(
		authEvent(1, "alice", "failure", runStart.Add(-4*time.Minute)),
		authEvent(2, "alice", "failure", runStart.Add(-3*time.Minute)),
		authEvent(3, "alice", "failure", runStart.Add(-2*time.Minute)),
		authEvent(4, "bob", "failure", runStart.Add(-time.Minute)),
		authEvent(5, "bob", "success", runStart.Add(-time.Minute)),
		source.Document{ID: "evt-006", Index: "auth", Timestamp: runStart.Add(-time.Minute), Fields: map[string]any{"outcome": "failure"}},
	)
	raw := map[string]any{
		"index":      "auth",
		"lookback":   "5m",
		"threshold":  2,
		"group_by":   []any{"user.name"},
		"conditions": []any{map[string]any{"field": "outcome", "operator": "eq", "value": "failure"}},
	}
	req := request(t, Threshold{}, raw, svc, nil)

	findings, err := collect(t, Threshold{}, req)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1: %+v", len(findings), findings)
	}
	f := findings[0]
	if f.Fields["user.name"] != "alice" || f.Fields["count"] != 3 {
		t.Errorf("fields = %v", f.Fields)
	}
	if len(f.Sources) != 3 || !f.Timestamp.Equal(runStart.Add(-2*time.Minute)) {
		t.Errorf("sources = %v, timestamp = %v", f.Sources, f.Timestamp)
	}

	// A later run in the same bucket produces the same fingerprint.
	again, err := collect(t, Threshold{}, request(t, Threshold{}, raw, svc, nil))
	if err != nil || len(again) != 1 || again[0].Fingerprint != f.Fingerprint {
		t.Errorf("re-run fingerprint = %v, want %s (err %v)", again, f.Fingerprint, err)
	}
}

func TestExceptionsDropDocuments(t *testing.T) {
	exceptions := []any{
		map[string]any{
			"name":       "bob",
			"conditions": []any{map[string]any{"field": "user.name", "operator": "eq", "value": "bob"}},
		},
		// Matches only when every condition holds.
		map[string]any{
			"name": "alice success",
			"conditions": []any{
				map[string]any{"field": "user.name", "operator": "eq", "value": "alice"},
				map[string]any{"field": "outcome", "operator": "eq", "value": "success"},
			},
		},
	}
	svc := newServices(
		authEvent(1, "alice", "failure", runStart.Add(-3*time.Minute)),
		authEvent(2, "alice", "failure", runStart.Add(-2*time.Minute)),
		authEvent(3, "bob", "failure", runStart.Add(-2*time.Minute)),
		authEvent(4, "bob", "failure", runStart.Add(-time.Minute)),
		authEvent(5, "alice", "success", runStart.Add(-time.Minute)),
	)

	tests := []struct {
		name     string
		def      rule.Definition
		raw      map[string]any
		wantFPs  int
		wantUser string
	}{
		{"query", Query{}, map[string]any{"index": "auth", "lookback": "5m", "exceptions": exceptions}, 2, ""},
		{"threshold", Threshold{}, map[string]any{
			"index":      "auth",
			"lookback":   "5m",
			"threshold":  2,
			"group_by":   []any{"user.name"},
			"exceptions": exceptions,
		}, 1, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings, err := collect(t, tt.def, request(t, tt.def, tt.raw, svc, nil))
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if len(findings) != tt.wantFPs {
				t.Fatalf("got %d findings, want %d: %+v", len(findings), tt.wantFPs, findings)
			}
			for _, f := range findings {
				for _, src := range f.Sources {
					if src.ID == "evt-003" || src.ID == "evt-004" || src.ID == "evt-005" {
						t.Errorf("finding %s built from excepted document %s", f.Fingerprint, src.ID)
					}
				}
			}
			if tt.wantUser != "" {
				if f := findings[0]; f.Fields["user.name"] != tt.wantUser || f.Fields["count"] != 2 {
					t.Errorf("fields = %v", f.Fields)
				}
			}
		})
	}
}

func TestThresholdWithoutGroupBy(t *testing.T) {
	svc := newServices(
		authEvent(1, "alice", "failure", runStart.Add(-time.Minute)),
		authEvent(2, "bob", "failure", runStart.Add(-time.Minute)),
	)
	findings, err := collect(t, Threshold{}, request(t, Threshold{}, map[string]any{"index": "auth", "threshold": 2}, svc, nil))
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(findings) != 1 || findings[0].Fields["count"] != 2 {
		t.Errorf("findings = %+v", findings)
	}
}

func TestThresholdBelowThreshold(t *testing.T) {
	svc := newServices(authEvent(1, "alice", "failure", runStart.Add(-time.Minute)))
	findings, err := collect(t, Threshold{}, request(t, Threshold{}, map[string]any{"index": "auth", "threshold": 5}, svc, nil))
	if err != nil || len(findings) != 0 {
		t.Errorf("findings = %v, err = %v", findings, err)
	}
}
