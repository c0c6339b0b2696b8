package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"detection-engine/internal/eventlog"
	"detection-engine/internal/logging"
	"detection-engine/internal/metrics"
	"detection-engine/internal/rule"
	"detection-engine/internal/store"

	"github.com/google/uuid"
)

// saveTimeout bounds bookkeeping writes made after a run.
const saveTimeout = 10 * time.Second

// InstanceStore loads rule instances and records run outcomes.
type InstanceStore interface {
	Get(ctx context.Context, id string) (*rule.Instance, error)
	SaveRun(ctx context.Context, id string, rec rule.RunRecord) error
}

// Runner is the scheduler entry point: it turns an instance id into a run and
// records what happened.
type Runner struct {
	exec      *Executor
	instances InstanceStore
	events    eventlog.Writer
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(exec *Executor, instances InstanceStore, events eventlog.Writer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = eventlog.NewSlogWriter(logger)
	}
	return &Runner{
		exec:      exec,
		instances: instances,
		events:    events,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes the instance with instanceID that became due at runAt.
func (r *Runner) Run(ctx context.Context, instanceID string, runAt time.Time) Result {
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	ec := ExecutionContext{
		ExecutionID: uuid.New(),
		StartedAt:   r.now().UTC(),
	}

	inst, err := r.instances.Get(ctx, instanceID)
	if err != nil {
		res := Result{ExecutionID: ec.ExecutionID, Err: loadError(err)}
		r.logger.Error("failed to load rule instance", "rule_id", instanceID, "error", err)
		return res
	}

	if !inst.Enabled {
		res := Result{ExecutionID: ec.ExecutionID, State: inst.State, Skipped: true}
		r.writeEvent(ctx, inst, ec, res)
		return res
	}

	if !runAt.IsZero() {
		metrics.RecordScheduleLag(inst.TypeID, ec.StartedAt.Sub(runAt))
	}
	ec.State = inst.State

	var res Result
	def, err := r.exec.Registry().Resolve(inst.TypeID)
	if err != nil {
		res = Result{ExecutionID: ec.ExecutionID, State: ec.State, Err: rule.NewExecutionError(rule.KindNotFound, "resolve", err)}
	} else if params, err := rule.DecodeParams(def, inst.Params); err != nil {
		res = Result{ExecutionID: ec.ExecutionID, State: ec.State, Err: rule.AsExecutionError("decode_params", err)}
	} else {
		res = r.exec.Execute(ctx, inst, params, ec)
	}
	if res.Duration == 0 {
		res.Duration = r.now().Sub(ec.StartedAt)
	}

	r.saveRun(ctx, inst, ec, res)
	r.writeEvent(ctx, inst, ec, res)

	status := "succeeded"
	if res.Err != nil {
		status = string(res.Err.Kind)
	}
	metrics.RecordRunComplete(inst.TypeID, status, res.Duration, res.AlertsCreated, res.Suppressed, res.LimitReached)

	return res
}

func loadError(err error) *rule.ExecutionError {
	if store.IsNotFound(err) {
		return rule.NewExecutionError(rule.KindNotFound, "load_instance", fmt.Errorf("%w: %v", rule.ErrInstanceNotFound, err))
	}
	return rule.NewExecutionError(rule.KindOf(err), "load_instance", err)
}

// Health derives the rule health shown to users from a run result.
func Health(res Result, at time.Time) rule.Health {
	h := rule.Health{
		Status:      rule.HealthOK,
		ExecutionID: res.ExecutionID.String(),
		At:          at,
	}
	switch {
	case res.Err != nil:
		h.Status = rule.HealthError
		h.ErrorKind = res.Err.Kind
		h.Message = logging.MaskSensitivePatterns(res.Err.Error())
	case res.LimitReached:
		h.Status = rule.HealthWarning
		h.Message = "alert limit reached; remaining findings were not alerted"
	}
	return h
}

// saveRun records health and, on success only, the next state. It outlives
// cancellation of the run so a cancelled run still reports its health.
func (r *Runner) saveRun(ctx context.Context, inst *rule.Instance, ec ExecutionContext, res Result) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	rec := rule.RunRecord{
		RanAt:  ec.StartedAt,
		Health: Health(res, r.now().UTC()),
	}
	if res.Err == nil && res.State != nil {
		rec.State = res.State
	}
	if err := r.instances.SaveRun(saveCtx, inst.ID, rec); err != nil {
		r.logger.Error("failed to save run outcome",
			"rule_id", inst.ID,
			"execution_id", ec.ExecutionID,
			"error", err,
		)
	}
}

func (r *Runner) writeEvent(ctx context.Context, inst *rule.Instance, ec ExecutionContext, res Result) {
	rec := eventlog.Record{
		ExecutionID:        ec.ExecutionID,
		RuleInstanceID:     inst.ID,
		RuleTypeID:         inst.TypeID,
		RuleName:           inst.Name,
		StartedAt:          ec.StartedAt,
		Duration:           res.Duration,
		Status:             eventlog.StatusSucceeded,
		AlertsCreated:      res.AlertsCreated,
		LimitReached:       res.LimitReached,
		Suppressed:         res.Suppressed,
		MaintenanceWindows: res.MaintenanceWindows,
	}
	switch {
	case res.Skipped:
		rec.Status = eventlog.StatusSkipped
	case res.Err != nil:
		rec.Status = eventlog.StatusFailed
		rec.ErrorKind = string(res.Err.Kind)
		rec.Message = logging.MaskSensitivePatterns(res.Err.Error())
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := r.events.Write(writeCtx, rec); err != nil {
		r.logger.Warn("failed to write execution record", "execution_id", ec.ExecutionID, "error", err)
	}
}
