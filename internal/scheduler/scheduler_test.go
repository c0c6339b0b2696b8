package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"detection-engine/internal/alert"
	"detection-engine/internal/executor"
	"detection-engine/internal/logging"
	"detection-engine/internal/rule"

	"github.com/redis/go-redis/v9"
)

type staticLister []*rule.Instance

func (l staticLister) List(context.Context) ([]*rule.Instance, error) { return l, nil }

func (l staticLister) Get(_ context.Context, id string) (*rule.Instance, error) {
	for _, inst := range l {
		if inst.ID == id {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("instance %s not found", id)
}

// instanceTable is shared by several schedulers and records completed runs
// the way the runner's instance store does.
type instanceTable struct {
	mu        sync.Mutex
	instances map[string]rule.Instance
}

func newInstanceTable(instances ...*rule.Instance) *instanceTable {
	t := &instanceTable{instances: make(map[string]rule.Instance)}
	for _, inst := range instances {
		t.instances[inst.ID] = *inst
	}
	return t
}

func (t *instanceTable) List(context.Context) ([]*rule.Instance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*rule.Instance, 0, len(t.instances))
	for _, inst := range t.instances {
		out = append(out, &inst)
	}
	return out, nil
}

func (t *instanceTable) Get(_ context.Context, id string) (*rule.Instance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst, ok := t.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", id)
	}
	return &inst, nil
}

func (t *instanceTable) markRan(id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst := t.instances[id]
	inst.LastRunAt = &at
	t.instances[id] = inst
}

// gatedRunner blocks every run until release is closed and tracks how many
// runs of each instance overlap.
type gatedRunner struct {
	release chan struct{}
	started chan string
	onDone  func(id string, runAt time.Time)

	mu        sync.Mutex
	active    map[string]int
	maxActive map[string]int
	calls     int
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{
		release:   make(chan struct{}),
		started:   make(chan string, 16),
		active:    make(map[string]int),
		maxActive: make(map[string]int),
	}
}

func (r *gatedRunner) Run(ctx context.Context, id string, runAt time.Time) executor.Result {
	r.mu.Lock()
	r.calls++
	r.active[id]++
	if r.active[id] > r.maxActive[id] {
		r.maxActive[id] = r.active[id]
	}
	r.mu.Unlock()

	r.started <- id
	select {
	case <-r.release:
	case <-ctx.Done():
	}

	r.mu.Lock()
	r.active[id]--
	r.mu.Unlock()
	if r.onDone != nil {
		r.onDone(id, runAt)
	}
	return executor.Result{}
}

func (r *gatedRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *gatedRunner) MaxActive(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxActive[id]
}

func (r *gatedRunner) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("run did not start")
		return ""
	}
}

func instance(id string) *rule.Instance {
	return &rule.Instance{ID: id, TypeID: "fake", Enabled: true, Schedule: "1m"}
}

func newScheduler(lister InstanceSource, runner Runner, locker Locker, workers int) *Scheduler {
	return New(Config{Workers: workers, TickInterval: time.Hour, LockTTL: time.Minute}, lister, runner, locker, nil, logging.Discard())
}

func TestTickRunsDueInstances(t *testing.T) {
	runner := newGatedRunner()
	close(runner.release)
	s := newScheduler(staticLister{instance("a"), instance("b")}, runner, nil, 4)
	defer s.Stop()

	if got := s.Tick(time.Now()); got != 2 {
		t.Errorf("Tick() started %d runs, want 2", got)
	}
	runner.waitStarted(t)
	runner.waitStarted(t)
}

func TestTickSkipsDisabledAndNotDue(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-30 * time.Second)

	disabled := instance("disabled")
	disabled.Enabled = false
	notDue := instance("not-due")
	notDue.LastRunAt = &recent
	badSchedule := instance("bad")
	badSchedule.Schedule = "every tuesday"

	runner := newGatedRunner()
	close(runner.release)
	s := newScheduler(staticLister{disabled, notDue, badSchedule}, runner, nil, 4)
	defer s.Stop()

	if got := s.Tick(now); got != 0 {
		t.Errorf("Tick() started %d runs, want 0", got)
	}
}

type stubDefinition string

func (d stubDefinition) TypeID() string          { return "fake" }
func (d stubDefinition) Version() int            { return 1 }
func (d stubDefinition) DefaultSchedule() string { return string(d) }
func (d stubDefinition) DefaultMaxAlerts() int   { return 0 }
func (d stubDefinition) NewParams() any          { return &struct{}{} }
func (d stubDefinition) Match(context.Context, *rule.Request) iter.Seq2[alert.Finding, error] {
	return func(func(alert.Finding, error) bool) {}
}

func TestScheduleFallsBackToDefinitionDefault(t *testing.T) {
	reg := rule.NewRegistry()
	reg.MustRegister(stubDefinition("5m"))

	inst := instance("a")
	inst.Schedule = ""
	s := New(Config{}, staticLister{inst}, newGatedRunner(), nil, reg, logging.Discard())
	defer s.Stop()

	if got := s.schedule(inst); got != "5m" {
		t.Errorf("schedule() = %q, want 5m", got)
	}
	inst.Schedule = "1h"
	if got := s.schedule(inst); got != "1h" {
		t.Errorf("schedule() = %q, want instance value", got)
	}
}

func TestSameInstanceNeverOverlaps(t *testing.T) {
	runner := newGatedRunner()
	s := newScheduler(staticLister{instance("a")}, runner, nil, 4)
	defer s.Stop()

	if got := s.Tick(time.Now()); got != 1 {
		t.Fatalf("first Tick() started %d runs", got)
	}
	runner.waitStarted(t)

	// The instance is still due, but its run is in flight.
	if got := s.Tick(time.Now()); got != 0 {
		t.Errorf("second Tick() started %d runs, want 0", got)
	}
	if _, err := s.TriggerNow(context.Background(), "a"); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("TriggerNow() error = %v, want ErrRunInProgress", err)
	}

	close(runner.release)
	s.Stop()
	if got := runner.MaxActive("a"); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
}

func TestSharedLockerSerializesReplicas(t *testing.T) {
	locker := NewMemoryLocker()
	table := newInstanceTable(instance("a"))
	runner := newGatedRunner()
	runner.onDone = table.markRan
	first := newScheduler(table, runner, locker, 2)
	second := newScheduler(table, runner, locker, 2)

	now := time.Now()
	first.Tick(now)
	runner.waitStarted(t)

	if _, err := second.TriggerNow(context.Background(), "a"); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("TriggerNow() on second replica error = %v, want ErrRunInProgress", err)
	}
	// The second replica saw the same due slot before the first run finished.
	second.Tick(now)

	close(runner.release)
	first.Stop()
	second.Stop()

	if got := runner.Calls(); got != 1 {
		t.Errorf("runner called %d times, want 1", got)
	}
	if got := runner.MaxActive("a"); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}

	// The lock is released once the run finishes.
	if _, ok, _ := locker.TryAcquire(context.Background(), "a", time.Minute); !ok {
		t.Error("lock still held after run")
	}
}

func TestDueSlotRunsOnceAcrossReplicas(t *testing.T) {
	locker := NewMemoryLocker()
	table := newInstanceTable(instance("a"))
	runner := newGatedRunner()
	close(runner.release)
	runner.onDone = table.markRan

	now := time.Now()
	first := newScheduler(table, runner, locker, 1)
	defer first.Stop()
	if got := first.Tick(now); got != 1 {
		t.Fatalf("first Tick() started %d runs", got)
	}
	runner.waitStarted(t)
	first.Stop()

	// A second replica acting on the same due slot after the run finished.
	second := newScheduler(table, runner, locker, 1)
	defer second.Stop()
	if _, err := second.runLocked(context.Background(), "a", now, true); !errors.Is(err, errSlotTaken) {
		t.Errorf("runLocked() error = %v, want errSlotTaken", err)
	}
	if got := runner.Calls(); got != 1 {
		t.Errorf("runner called %d times, want 1", got)
	}

	// A manual trigger is not bound to the schedule.
	if _, err := second.TriggerNow(context.Background(), "a"); err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}
	if got := runner.Calls(); got != 2 {
		t.Errorf("runner called %d times after trigger, want 2", got)
	}
}

// gateLocker grants every lock, but only once gate is closed.
type gateLocker struct {
	entered chan struct{}
	gate    chan struct{}
}

type noopLock struct{}

func (noopLock) Release(context.Context) error { return nil }

func (l *gateLocker) TryAcquire(context.Context, string, time.Duration) (Lock, bool, error) {
	l.entered <- struct{}{}
	<-l.gate
	return noopLock{}, true, nil
}

func TestStopBeforeLockAcquiredSkipsRun(t *testing.T) {
	locker := &gateLocker{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	runner := newGatedRunner()
	close(runner.release)
	s := newScheduler(staticLister{instance("a")}, runner, locker, 1)

	if got := s.Tick(time.Now()); got != 1 {
		t.Fatalf("Tick() started %d runs", got)
	}
	<-locker.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	for s.baseCtx.Err() == nil {
		time.Sleep(time.Millisecond)
	}
	close(locker.gate)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return")
	}
	if got := runner.Calls(); got != 0 {
		t.Errorf("runner called %d times after Stop, want 0", got)
	}
}

func TestTickRespectsWorkerLimit(t *testing.T) {
	runner := newGatedRunner()
	s := newScheduler(staticLister{instance("a"), instance("b"), instance("c")}, runner, nil, 2)

	if got := s.Tick(time.Now()); got != 2 {
		t.Errorf("Tick() started %d runs, want 2", got)
	}
	close(runner.release)
	s.Stop()
}

func TestTriggerNowReturnsResult(t *testing.T) {
	runner := newGatedRunner()
	close(runner.release)
	s := newScheduler(staticLister{}, runner, nil, 1)
	defer s.Stop()

	if _, err := s.TriggerNow(context.Background(), "a"); err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}
	if runner.Calls() != 1 {
		t.Errorf("runner called %d times", runner.Calls())
	}
	if len(s.Running()) != 0 {
		t.Errorf("Running() = %v after run", s.Running())
	}
}

func TestCancelStopsInFlightRun(t *testing.T) {
	runner := newGatedRunner()
	s := newScheduler(staticLister{instance("a")}, runner, nil, 1)
	defer s.Stop()

	s.Tick(time.Now())
	runner.waitStarted(t)

	if !s.Cancel("a") {
		t.Fatal("Cancel() = false for running instance")
	}
	if s.Cancel("missing") {
		t.Error("Cancel() = true for idle instance")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Running()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("cancelled run did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTriggerNowAfterStop(t *testing.T) {
	s := newScheduler(staticLister{}, newGatedRunner(), nil, 1)
	s.Stop()

	if _, err := s.TriggerNow(context.Background(), "a"); !errors.Is(err, ErrStopped) {
		t.Errorf("TriggerNow() error = %v, want ErrStopped", err)
	}
}

func TestMemoryLockerExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	first, ok, _ := l.TryAcquire(ctx, "a", time.Minute)
	if !ok {
		t.Fatal("first acquire failed")
	}
	if _, ok, _ := l.TryAcquire(ctx, "a", time.Minute); ok {
		t.Error("acquired a held lock")
	}

	now = now.Add(2 * time.Minute)
	second, ok, _ := l.TryAcquire(ctx, "a", time.Minute)
	if !ok {
		t.Fatal("expired lock was not reclaimable")
	}

	// A stale holder must not release the new lease.
	_ = first.Release(ctx)
	if _, ok, _ := l.TryAcquire(ctx, "a", time.Minute); ok {
		t.Error("stale release freed the current lease")
	}
	_ = second.Release(ctx)
	if _, ok, _ := l.TryAcquire(ctx, "a", time.Minute); !ok {
		t.Error("lock not free after release")
	}
}

// fakeRedis implements SET NX and the release script in memory.
type fakeRedis struct {
	mu   sync.Mutex
	kv   map[string]string
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{kv: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.kv[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.kv[key] = value.(string)
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) compareAndDelete(keys []string, args []interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kv[keys[0]] == args[0].(string) {
		delete(f.kv, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.compareAndDelete(keys, args)
}

func (f *fakeRedis) EvalSha(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.compareAndDelete(keys, args)
}

func (f *fakeRedis) EvalRO(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.compareAndDelete(keys, args)
}

func (f *fakeRedis) EvalShaRO(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.compareAndDelete(keys, args)
}

func (f *fakeRedis) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeRedis) ScriptLoad(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func TestRedisLocker(t *testing.T) {
	fake := newFakeRedis()
	l := &RedisLocker{client: fake, prefix: "detection:run_lock:"}
	ctx := context.Background()

	lock, ok, err := l.TryAcquire(ctx, "rule-1", 10*time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = %v, %v", ok, err)
	}
	if fake.ttls["detection:run_lock:rule-1"] != 10*time.Minute {
		t.Errorf("ttl = %v", fake.ttls["detection:run_lock:rule-1"])
	}
	if _, ok, _ := l.TryAcquire(ctx, "rule-1", time.Minute); ok {
		t.Error("acquired a held lock")
	}

	// Simulate the lease expiring and another replica taking it.
	fake.mu.Lock()
	fake.kv["detection:run_lock:rule-1"] = "other-replica"
	fake.mu.Unlock()
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if fake.kv["detection:run_lock:rule-1"] != "other-replica" {
		t.Error("release deleted another holder's lock")
	}

	fake.mu.Lock()
	delete(fake.kv, "detection:run_lock:rule-1")
	fake.mu.Unlock()
	lock, ok, _ = l.TryAcquire(ctx, "rule-1", time.Minute)
	if !ok {
		t.Fatal("lock not reacquirable")
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, held := fake.kv["detection:run_lock:rule-1"]; held {
		t.Error("lock still held after release")
	}
}
