// Package executor runs one rule instance against the outside world: it pulls
// findings from the rule's matcher, filters them through maintenance windows,
// bounds them in an alert buffer, persists them and schedules their actions.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"detection-engine/internal/action"
	"detection-engine/internal/alert"
	"detection-engine/internal/maintenance"
	"detection-engine/internal/rule"
	"detection-engine/internal/source"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Gateway is the persistence gateway used by a run.
type Gateway interface {
	Flush(ctx context.Context, alerts []*alert.Alert) ([]alert.FlushResult, error)
	MarkDispatched(ctx context.Context, keys []alert.DispatchKey) error
	Search(ctx context.Context, q source.Query) ([]source.Document, error)
	FieldSchema(ctx context.Context, index string) (source.FieldMap, error)
}

// WindowStore reports the maintenance windows active for an instance.
type WindowStore interface {
	ActiveWindowIDs(ctx context.Context, inst *rule.Instance, at time.Time) ([]string, error)
}

// Budget bounds the resources of a single run.
type Budget struct {
	MaxAlerts           int
	Timeout             time.Duration
	FlushTimeout        time.Duration // applies to flush and dispatch together
	DispatchConcurrency int
	DryRun              bool // run the matcher but write nothing
}

// DefaultBudget returns the budget used when none is configured.
func DefaultBudget() Budget {
	return Budget{
		MaxAlerts:           alert.DefaultMaxAlerts,
		Timeout:             5 * time.Minute,
		FlushTimeout:        30 * time.Second,
		DispatchConcurrency: 8,
	}
}

// Services are the collaborators every run uses.
type Services struct {
	Gateway    Gateway
	Windows    WindowStore
	Dispatcher *action.Dispatcher
	Logger     *slog.Logger
}

// ExecutionContext is the per-run input. It is never shared between runs.
type ExecutionContext struct {
	ExecutionID uuid.UUID
	StartedAt   time.Time
	State       rule.State // state left by the previous successful run
}

// Result is the outcome of a run.
type Result struct {
	ExecutionID        uuid.UUID
	State              rule.State // next state; the prior state unless the run succeeded
	AlertsCreated      int
	Buffered           int // alerts that reached the flush stage
	LimitReached       bool
	Suppressed         int
	MaintenanceWindows []string
	Skipped            bool
	Duration           time.Duration
	Err                *rule.ExecutionError
}

// Failed reports whether the run ended with an error.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Executor executes rule instances. It is safe for concurrent use; callers
// must not run the same instance twice at once.
type Executor struct {
	registry *rule.Registry
	services Services
	budget   Budget
	now      func() time.Time
}

// New creates an Executor.
func New(registry *rule.Registry, services Services, budget Budget) *Executor {
	if services.Logger == nil {
		services.Logger = slog.Default()
	}
	if budget.FlushTimeout <= 0 {
		budget.FlushTimeout = DefaultBudget().FlushTimeout
	}
	if budget.DispatchConcurrency <= 0 {
		budget.DispatchConcurrency = 1
	}
	return &Executor{
		registry: registry,
		services: services,
		budget:   budget,
		now:      time.Now,
	}
}

// Registry returns the rule type registry the executor resolves from.
func (e *Executor) Registry() *rule.Registry {
	return e.registry
}

// Budget returns the run budget.
func (e *Executor) Budget() Budget {
	return e.budget
}

// Execute runs inst once with decoded params. Every failure, including a
// matcher panic, is returned in Result.Err.
func (e *Executor) Execute(ctx context.Context, inst *rule.Instance, params any, ec ExecutionContext) Result {
	start := e.now()
	res := Result{ExecutionID: ec.ExecutionID, State: ec.State}
	defer func() { res.Duration = e.now().Sub(start) }()

	def, err := e.registry.Resolve(inst.TypeID)
	if err != nil {
		res.Err = rule.NewExecutionError(rule.KindNotFound, "resolve", err)
		return res
	}

	logger := e.services.Logger.With(
		"rule_id", inst.ID,
		"rule_type", def.TypeID(),
		"execution_id", ec.ExecutionID,
	)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.budget.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.budget.Timeout)
	}
	defer cancel()

	ids, err := e.services.Windows.ActiveWindowIDs(runCtx, inst, ec.StartedAt)
	if err != nil {
		res.Err = rule.NewExecutionError(rule.KindOf(err), "maintenance_windows", err)
		logger.Error("failed to fetch maintenance windows", "error", err)
		return res
	}
	filter := maintenance.NewFilter(ids)
	res.MaintenanceWindows = filter.WindowIDs()

	buf := alert.NewBuffer(e.ceiling(def))
	req := &rule.Request{
		Instance:    inst,
		Params:      params,
		State:       ec.State.Clone(),
		Services:    &matcherServices{gateway: e.services.Gateway, logger: logger},
		ExecutionID: ec.ExecutionID,
		StartedAt:   ec.StartedAt,
	}
	origin := alert.Origin{
		RuleInstanceID: inst.ID,
		RuleTypeID:     def.TypeID(),
		RuleName:       inst.Name,
		ExecutionID:    ec.ExecutionID,
		Tags:           inst.Tags,
	}

	matchErr := e.pull(runCtx, def, req, filter, buf, origin, &res)
	if matchErr != nil {
		res.Err = classifyMatchError(ctx, runCtx, matchErr)
		if res.Err.Kind == rule.KindCancelled {
			logger.Warn("rule run cancelled, discarding buffered alerts", "buffered", buf.Len())
			return res
		}
		logger.Error("rule matcher failed", "error", matchErr, "kind", res.Err.Kind, "buffered", buf.Len())
	}
	if res.LimitReached {
		logger.Warn("alert limit reached", "limit", buf.Cap())
	}
	if len(res.MaintenanceWindows) > 0 {
		logger.Info("findings suppressed by maintenance window",
			"windows", res.MaintenanceWindows,
			"suppressed", res.Suppressed,
		)
	}

	alerts := buf.Drain()
	res.Buffered = len(alerts)
	if e.budget.DryRun {
		logger.Debug("dry run, skipping flush", "alerts", len(alerts))
	} else if err := e.persist(ctx, inst, ec.ExecutionID, alerts, &res, logger); err != nil && res.Err == nil {
		res.Err = err
	}

	if res.Err == nil {
		res.State = req.NextState()
	}
	return res
}

// ceiling is the smaller of the configured and the rule type limits.
func (e *Executor) ceiling(def rule.Definition) int {
	limit := e.budget.MaxAlerts
	if limit <= 0 {
		limit = alert.DefaultMaxAlerts
	}
	if d := def.DefaultMaxAlerts(); d > 0 && d < limit {
		limit = d
	}
	return limit
}

// pull drains the matcher into buf until it ends, fails, the buffer rejects
// a finding, or ctx is done.
func (e *Executor) pull(ctx context.Context, def rule.Definition, req *rule.Request,
	filter *maintenance.Filter, buf *alert.Buffer, origin alert.Origin, res *Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rule.NewExecutionError(rule.KindInternal, "panic", fmt.Errorf("matcher panic: %v", r))
			e.services.Logger.Error("rule matcher panicked",
				"rule_id", origin.RuleInstanceID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	for f, ferr := range def.Match(ctx, req) {
		if ferr != nil {
			return ferr
		}
		if filter.IsSuppressed(origin.RuleInstanceID, f.Timestamp) {
			res.Suppressed++
		} else if buf.Add(alert.FromFinding(origin, f)) == alert.Rejected {
			res.LimitReached = true
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// classifyMatchError maps a matcher failure to its kind. Cancellation of the
// caller wins over everything else; an expired run budget is a timeout.
func classifyMatchError(parent, run context.Context, err error) *rule.ExecutionError {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return rule.NewExecutionError(rule.KindCancelled, "match", err)
	case errors.Is(run.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return rule.NewExecutionError(rule.KindTimeout, "match", err)
	default:
		return rule.AsExecutionError("match", err)
	}
}

// persist flushes alerts and schedules actions for every acknowledged alert
// that still needs them. It runs on a context detached from run cancellation
// so a flush is never interrupted halfway.
func (e *Executor) persist(ctx context.Context, inst *rule.Instance, executionID uuid.UUID,
	alerts []*alert.Alert, res *Result, logger *slog.Logger) *rule.ExecutionError {
	if len(alerts) == 0 {
		return nil
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.budget.FlushTimeout)
	defer cancel()

	results, flushErr := e.services.Gateway.Flush(persistCtx, alerts)
	for _, r := range results {
		if r.Created {
			res.AlertsCreated++
		}
	}
	logger.Info("alerts flushed",
		"buffered", len(alerts),
		"acknowledged", len(results),
		"created", res.AlertsCreated,
	)

	var execErr *rule.ExecutionError
	if flushErr != nil {
		logger.Error("alert flush failed", "error", flushErr, "acknowledged", len(results))
		execErr = rule.PersistenceError(flushErr)
	}

	if err := e.dispatch(persistCtx, inst, executionID, results); err != nil {
		logger.Error("action scheduling failed", "error", err)
		if execErr == nil {
			execErr = rule.NewExecutionError(rule.KindPersistence, "dispatch", err)
		}
	}
	return execErr
}

// dispatch schedules the actions each acknowledged alert still lacks and
// records every (alert, action) pair that was enqueued. Pairs left unrecorded
// are picked up again by the next run that matches the alert.
func (e *Executor) dispatch(ctx context.Context, inst *rule.Instance, executionID uuid.UUID, results []alert.FlushResult) error {
	if len(inst.Actions) == 0 {
		return nil
	}
	run := e.services.Dispatcher.ForRun(executionID)
	actionIDs := make([]string, len(inst.Actions))
	for i, act := range inst.Actions {
		actionIDs[i] = act.ID
	}

	var (
		mu   sync.Mutex
		done []alert.DispatchKey
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(e.budget.DispatchConcurrency)
	for _, r := range results {
		pending := pendingActions(inst.Actions, r.Pending(actionIDs))
		if len(pending) == 0 {
			continue
		}
		a := r.Alert
		g.Go(func() error {
			keys, err := run.Schedule(ctx, a, pending)
			mu.Lock()
			defer mu.Unlock()
			done = append(done, keys...)
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(done) > 0 {
		if err := e.services.Gateway.MarkDispatched(ctx, done); err != nil {
			errs = append(errs, fmt.Errorf("mark dispatched: %w", err))
		}
	}
	return errors.Join(errs...)
}

func pendingActions(actions []rule.Action, ids []string) []rule.Action {
	if len(ids) == len(actions) {
		return actions
	}
	out := make([]rule.Action, 0, len(ids))
	for _, act := range actions {
		if slices.Contains(ids, act.ID) {
			out = append(out, act)
		}
	}
	return out
}

// matcherServices is the read-only view of the gateway given to matchers.
type matcherServices struct {
	gateway Gateway
	logger  *slog.Logger
}

func (s *matcherServices) Search(ctx context.Context, q source.Query) ([]source.Document, error) {
	docs, err := s.gateway.Search(ctx, q)
	if err != nil {
		return nil, rule.UpstreamQueryError(err)
	}
	return docs, nil
}

func (s *matcherServices) FieldSchema(ctx context.Context, index string) (source.FieldMap, error) {
	fields, err := s.gateway.FieldSchema(ctx, index)
	if err != nil {
		return nil, rule.NewExecutionError(rule.KindUpstreamQuery, "field_schema", err)
	}
	return fields, nil
}

func (s *matcherServices) Logger() *slog.Logger {
	return s.logger
}
