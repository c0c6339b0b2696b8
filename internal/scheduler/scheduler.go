// Package scheduler runs rule instances when they are due, with at most one
// execution per instance at a time and a bounded number of runs overall.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"detection-engine/internal/executor"
	"detection-engine/internal/rule"
)

var (
	// ErrRunInProgress is returned by TriggerNow when the instance is already
	// running here or on another replica.
	ErrRunInProgress = errors.New("scheduler: run already in progress")

	// ErrStopped is returned by TriggerNow after Stop.
	ErrStopped = errors.New("scheduler: stopped")

	// errSlotTaken means the due slot was already run, typically by another
	// replica that held the lock first.
	errSlotTaken = errors.New("scheduler: due slot already run")
)

// Config holds scheduler settings.
type Config struct {
	Workers      int
	TickInterval time.Duration
	LockTTL      time.Duration
}

// InstanceSource lists the rule instances to schedule and reloads one once
// its run lock is held.
type InstanceSource interface {
	List(ctx context.Context) ([]*rule.Instance, error)
	Get(ctx context.Context, id string) (*rule.Instance, error)
}

// Runner executes one instance.
type Runner interface {
	Run(ctx context.Context, instanceID string, runAt time.Time) executor.Result
}

// Scheduler starts due rule runs on a fixed tick.
type Scheduler struct {
	cfg       Config
	instances InstanceSource
	runner    Runner
	locker    Locker
	registry  *rule.Registry
	logger    *slog.Logger
	slots     chan struct{}

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	ticker  *time.Ticker
	running map[string]context.CancelFunc // instance id -> run cancel
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Scheduler. The registry supplies default schedules for
// instances that do not set one.
func New(cfg Config, instances InstanceSource, runner Runner, locker Locker, registry *rule.Registry, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		instances: instances,
		runner:    runner,
		locker:    locker,
		registry:  registry,
		logger:    logger,
		slots:     make(chan struct{}, cfg.Workers),
		baseCtx:   baseCtx,
		cancel:    cancel,
		running:   make(map[string]context.CancelFunc),
	}
}

// Start starts the tick loop. It is safe to call Start multiple times.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.ticker != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	s.ticker = time.NewTicker(s.cfg.TickInterval)
	ticker := s.ticker
	ctx := s.baseCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.Tick(time.Now().UTC())
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Tick(now.UTC())
			}
		}
	}()

	s.logger.Info("scheduler started",
		"workers", s.cfg.Workers,
		"tick_interval", s.cfg.TickInterval,
	)
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Tick starts every due instance that has a free worker and is not already
// running. It returns the number of runs started.
func (s *Scheduler) Tick(now time.Time) int {
	ctx := s.baseCtx
	instances, err := s.instances.List(ctx)
	if err != nil {
		s.logger.Warn("list rule instances failed", "error", err)
		return 0
	}

	started := 0
	for _, inst := range instances {
		if !inst.Enabled {
			continue
		}
		due, err := rule.IsDue(s.schedule(inst), inst.LastRunAt, inst.CreatedAt, now)
		if err != nil {
			s.logger.Warn("invalid rule schedule",
				"rule_id", inst.ID,
				"schedule", inst.Schedule,
				"error", err,
			)
			continue
		}
		if !due {
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			s.logger.Debug("no free worker, deferring run", "rule_id", inst.ID)
			return started
		}

		runCtx, ok := s.claim(inst.ID)
		if !ok {
			<-s.slots
			s.logger.Debug("skipping overlapping run", "rule_id", inst.ID)
			continue
		}

		started++
		go func(id string) {
			defer func() { <-s.slots }()
			defer s.release(id)
			_, err := s.runLocked(runCtx, id, now, true)
			switch {
			case err == nil, errors.Is(err, ErrRunInProgress), errors.Is(err, ErrStopped):
			case errors.Is(err, errSlotTaken):
				s.logger.Debug("due slot already run", "rule_id", id)
			default:
				s.logger.Warn("scheduled run failed to start", "rule_id", id, "error", err)
			}
		}(inst.ID)
	}
	return started
}

// TriggerNow runs an instance immediately, regardless of schedule, and waits
// for the result.
func (s *Scheduler) TriggerNow(ctx context.Context, instanceID string) (executor.Result, error) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return executor.Result{}, ctx.Err()
	}
	defer func() { <-s.slots }()

	runCtx, ok := s.claim(instanceID)
	if !ok {
		if s.isStopped() {
			return executor.Result{}, ErrStopped
		}
		return executor.Result{}, ErrRunInProgress
	}
	defer s.release(instanceID)

	// The caller's cancellation also cancels the run.
	stop := context.AfterFunc(ctx, func() { s.Cancel(instanceID) })
	defer stop()

	return s.runLocked(runCtx, instanceID, time.Now().UTC(), false)
}

// Cancel cancels the in-flight run of an instance, e.g. after it was disabled
// or deleted. It reports whether a run was cancelled.
func (s *Scheduler) Cancel(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[instanceID]
	if ok && cancel != nil {
		cancel()
	}
	return ok
}

// Running returns the ids of instances with an in-flight run.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// runLocked takes the cross-replica lock for the instance and runs it. The
// due decision of a scheduled run was made on a listing taken before the
// lock, so it is checked again against the stored instance.
func (s *Scheduler) runLocked(ctx context.Context, instanceID string, runAt time.Time, scheduled bool) (executor.Result, error) {
	lock, ok, err := s.locker.TryAcquire(ctx, instanceID, s.cfg.LockTTL)
	if err != nil {
		return executor.Result{}, err
	}
	if !ok {
		s.logger.Debug("instance locked by another replica", "rule_id", instanceID)
		return executor.Result{}, ErrRunInProgress
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			s.logger.Warn("failed to release run lock", "rule_id", instanceID, "error", err)
		}
	}()

	if err := ctx.Err(); err != nil {
		if s.isStopped() {
			return executor.Result{}, ErrStopped
		}
		return executor.Result{}, err
	}

	if scheduled {
		inst, err := s.instances.Get(ctx, instanceID)
		if err != nil {
			return executor.Result{}, err
		}
		if !inst.Enabled {
			return executor.Result{}, errSlotTaken
		}
		due, err := rule.IsDue(s.schedule(inst), inst.LastRunAt, inst.CreatedAt, runAt)
		if err != nil {
			return executor.Result{}, err
		}
		if !due {
			return executor.Result{}, errSlotTaken
		}
	}

	return s.runner.Run(ctx, instanceID, runAt), nil
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// claim marks an instance as running in this process. Every successful claim
// must be paired with release.
func (s *Scheduler) claim(instanceID string) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, false
	}
	if _, busy := s.running[instanceID]; busy {
		return nil, false
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.running[instanceID] = cancel
	s.wg.Add(1)
	return ctx, true
}

func (s *Scheduler) release(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[instanceID]; ok {
		cancel()
		delete(s.running, instanceID)
		s.wg.Done()
	}
}

func (s *Scheduler) schedule(inst *rule.Instance) string {
	if inst.Schedule != "" || s.registry == nil {
		return inst.Schedule
	}
	if def, err := s.registry.Resolve(inst.TypeID); err == nil {
		return def.DefaultSchedule()
	}
	return inst.Schedule
}
