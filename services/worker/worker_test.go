package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eafonin/nessus-api-sub002/internal/backend"
	"github.com/eafonin/nessus-api-sub002/internal/domain"
	"github.com/eafonin/nessus-api-sub002/internal/events"
	"github.com/eafonin/nessus-api-sub002/internal/postgres"
	"github.com/eafonin/nessus-api-sub002/internal/queue"
	"github.com/eafonin/nessus-api-sub002/internal/registry"
	"github.com/eafonin/nessus-api-sub002/internal/report"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeRepo struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func newFakeRepo(tasks ...*domain.Task) *fakeRepo {
	r := &fakeRepo{tasks: make(map[string]*domain.Task)}
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return r
}

func (r *fakeRepo) Create(_ context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	cp := *t
	return &cp, nil
}

func (r *fakeRepo) List(_ context.Context, _ postgres.TaskFilter) ([]*domain.Task, error) {
	return nil, nil
}

func (r *fakeRepo) MarkRunning(_ context.Context, id, instance string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	if t.State != domain.StateQueued {
		return &domain.StateTransitionError{TaskID: id, From: t.State, To: domain.StateRunning}
	}
	t.State = domain.StateRunning
	t.Instance = instance
	t.Attempts++
	return nil
}

func (r *fakeRepo) MarkTerminal(_ context.Context, id string, state domain.State, summary *domain.ResultSummary, taskErr *domain.TaskError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	if t.State != domain.StateRunning {
		return &domain.StateTransitionError{TaskID: id, From: t.State, To: state}
	}
	t.State = state
	t.Summary = summary
	t.Error = taskErr
	return nil
}

func (r *fakeRepo) ResetForRetry(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[id].State = domain.StateQueued
	return nil
}

func (r *fakeRepo) DeleteExpired(_ context.Context, _ map[domain.State]time.Time) ([]string, error) {
	return nil, nil
}

var _ postgres.TaskRepository = (*fakeRepo)(nil)

type fakeReports struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func newFakeReports() *fakeReports { return &fakeReports{saved: make(map[string][]byte)} }

func (s *fakeReports) Save(_ context.Context, taskID string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[taskID] = raw
	return nil
}

func (s *fakeReports) Get(_ context.Context, taskID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.saved[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	return raw, nil
}

var _ postgres.ReportStore = (*fakeReports)(nil)

// fakeBackend scripts the remote engine: errs are returned per call of any
// operation, in order, before the canned report is served.
type fakeBackend struct {
	mu       sync.Mutex
	errs     []error
	raw      []byte
	running  bool // Status reports running forever when true
	stopped  int
	calls    map[string]int
}

func newFakeBackend(raw []byte, errs ...error) *fakeBackend {
	return &fakeBackend{raw: raw, errs: errs, calls: make(map[string]int)}
}

func (b *fakeBackend) next(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		return err
	}
	return nil
}

func (b *fakeBackend) Create(_ context.Context, _ backend.JobSpec) (string, error) {
	return "job-1", b.next("create")
}
func (b *fakeBackend) Launch(_ context.Context, _ string) error { return b.next("launch") }
func (b *fakeBackend) Status(_ context.Context, _ string) (backend.Status, error) {
	if err := b.next("status"); err != nil {
		return backend.Status{}, err
	}
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if running {
		return backend.Status{State: backend.StatusRunning, Progress: 10}, nil
	}
	return backend.Status{State: backend.StatusFinished, Progress: 100}, nil
}

// finish flips a long-running job to done, as if the engine completed it.
func (b *fakeBackend) finish() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
}

func (b *fakeBackend) statusCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls["status"]
}
func (b *fakeBackend) Export(_ context.Context, _ string) ([]byte, error) {
	return b.raw, b.next("export")
}
func (b *fakeBackend) Stop(_ context.Context, _ string) error {
	b.mu.Lock()
	b.stopped++
	b.mu.Unlock()
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func testTopology(t *testing.T) registry.Config {
	t.Helper()
	return registry.Config{Pools: []registry.PoolConfig{{
		Name:    "internal",
		Default: true,
		Instances: []registry.InstanceConfig{
			{ID: "scanner-a", Pool: "internal", Driver: "sim", URL: "sim://a", Enabled: true, MaxConcurrent: 2},
		},
	}}}
}

func goodReport(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(report.Report{
		Scan:  report.Metadata{Name: "sweep"},
		Hosts: []report.Host{{Address: "10.0.0.1"}},
		Vulnerabilities: []report.Vulnerability{
			{PluginID: 19506, PluginName: "Scan Information", Host: "10.0.0.1", Severity: 0},
		},
	})
	require.NoError(t, err)
	return raw
}

func queuedTask(id string) *domain.Task {
	return &domain.Task{
		ID:      id,
		Kind:    domain.ScanKindUntrusted,
		Name:    "sweep",
		Targets: []string{"10.0.0.1"},
		Pool:    "internal",
		State:   domain.StateQueued,
	}
}

type testEnv struct {
	worker  *Worker
	repo    *fakeRepo
	reports *fakeReports
	queue   *queue.Memory
	runtime *registry.MemoryRuntime
	reg     *registry.Registry
	backend *fakeBackend
}

func newTestEnv(t *testing.T, b *fakeBackend, tasks ...*domain.Task) *testEnv {
	t.Helper()
	runtime := registry.NewMemoryRuntime()
	reg, err := registry.New(testTopology(t), runtime, registry.DefaultBreakerPolicy())
	require.NoError(t, err)

	env := &testEnv{
		repo:    newFakeRepo(tasks...),
		reports: newFakeReports(),
		queue:   queue.NewMemory(),
		runtime: runtime,
		reg:     reg,
		backend: b,
	}
	env.worker = New("internal", env.queue, env.queue, env.repo, env.reports, reg,
		&report.Validator{}, events.NopPublisher{},
		WithLogger(slog.Default()),
		WithRetries(2),
		WithBaseDelay(time.Millisecond),
		WithPollInterval(time.Millisecond),
		WithBackendResolver(func(registry.InstanceConfig) (backend.Backend, error) { return b, nil }),
	)
	return env
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestProcessSuccessCommitsCompleted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeBackend(goodReport(t)), queuedTask("t-1"))

	env.worker.process(ctx, queue.Entry{TaskID: "t-1", Pool: "internal"})

	task, err := env.repo.GetByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, task.State)
	require.NotNil(t, task.Summary)
	assert.Equal(t, 1, task.Summary.Hosts)
	assert.Equal(t, domain.AuthNotApplicable, task.Summary.AuthStatus)

	_, err = env.reports.Get(ctx, "t-1")
	assert.NoError(t, err, "raw report must be stored")

	active, err := env.runtime.Active(ctx, "scanner-a")
	require.NoError(t, err)
	assert.Zero(t, active, "capacity must be released")
}

func TestProcessRetriesTransientThenSucceeds(t *testing.T) {
	ctx := context.Background()
	transient := domain.TransientBackendError("create", errors.New("502"))
	b := newFakeBackend(goodReport(t), transient, transient)
	env := newTestEnv(t, b, queuedTask("t-1"))

	env.worker.process(ctx, queue.Entry{TaskID: "t-1", Pool: "internal"})

	task, err := env.repo.GetByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, task.State)
	assert.GreaterOrEqual(t, b.calls["create"], 3)
}

func TestProcessTransientExhaustionFailsAndParks(t *testing.T) {
	ctx := context.Background()
	transient := domain.TransientBackendError("create", errors.New("connection reset"))
	b := newFakeBackend(nil, transient, transient, transient, transient, transient)
	env := newTestEnv(t, b, queuedTask("t-1"))

	env.worker.process(ctx, queue.Entry{TaskID: "t-1", Pool: "internal"})

	task, err := env.repo.GetByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, task.State)
	require.NotNil(t, task.Error)
	assert.Equal(t, domain.ErrKindTransientBackend, task.Error.Kind)

	dead, err := env.queue.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1, "exhausted task must be parked in the dead-letter queue")
	assert.Equal(t, "t-1", dead[0].TaskID)

	b2, err := env.runtime.Breaker(ctx, "scanner-a", env.reg.Policy())
	require.NoError(t, err)
	assert.Equal(t, 1, b2.Failures, "exhaustion counts one breaker failure")
}

func TestProcessPermanentFailsImmediately(t *testing.T) {
	ctx := context.Background()
	permanent := domain.PermanentBackendError("create", errors.New("invalid policy"))
	b := newFakeBackend(nil, permanent)
	env := newTestEnv(t, b, queuedTask("t-1"))

	env.worker.process(ctx, queue.Entry{TaskID: "t-1", Pool: "internal"})

	task, err := env.repo.GetByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, task.State)
	assert.Equal(t, domain.ErrKindPermanentBackend, task.Error.Kind)
	assert.Equal(t, 1, b.calls["create"], "permanent errors must not be retried")

	dead, err := env.queue.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, dead, "permanent failures are not parked")

	breaker, err := env.runtime.Breaker(ctx, "scanner-a", env.reg.Policy())
	require.NoError(t, err)
	assert.Zero(t, breaker.Failures, "permanent failures carry no breaker penalty")
}

func TestProcessInvalidReportFailsValidation(t *testing.T) {
	ctx := context.Background()
	raw, err := json.Marshal(report.Report{Scan: report.Metadata{Name: "empty"}})
	require.NoError(t, err)
	env := newTestEnv(t, newFakeBackend(raw), queuedTask("t-1"))

	env.worker.process(ctx, queue.Entry{TaskID: "t-1", Pool: "internal"})

	task, err := env.repo.GetByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, task.State)
	assert.Equal(t, domain.ErrKindValidationFailure, task.Error.Kind)
	assert.Contains(t, task.Error.Message, "no hosts")
}

func TestProcessWallClockTimeout(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(goodReport(t))
	b.running = true // never finishes
	env := newTestEnv(t, b, queuedTask("t-1"))
	WithMaxScanWall(50 * time.Millisecond)(env.worker)

	env.worker.process(ctx, queue.Entry{TaskID: "t-1", Pool: "internal"})

	task, err := env.repo.GetByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateTimeout, task.State)
	assert.Equal(t, domain.ErrKindTimeout, task.Error.Kind)
	assert.GreaterOrEqual(t, b.stopped, 1, "abandoned job must get a best-effort stop")
}

func TestProcessSkipsNonQueuedTask(t *testing.T) {
	ctx := context.Background()
	task := queuedTask("t-1")
	task.State = domain.StateCompleted
	b := newFakeBackend(goodReport(t))
	env := newTestEnv(t, b, task)

	env.worker.process(ctx, queue.Entry{TaskID: "t-1", Pool: "internal"})

	assert.Zero(t, b.calls["create"], "terminal task must not reach the backend")
}

func TestProcessRequeuesWhenSaturated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeBackend(goodReport(t)), queuedTask("t-1"))

	// Fill both slots of scanner-a so the claim is rejected.
	for i := 0; i < 2; i++ {
		ok, err := env.runtime.Claim(ctx, "scanner-a", 2)
		require.NoError(t, err)
		require.True(t, ok)
	}

	env.worker.process(ctx, queue.Entry{TaskID: "t-1", Pool: "internal"})

	task, err := env.repo.GetByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, task.State)

	n, err := env.queue.Len(ctx, "internal")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "entry must be back on the pool queue")
}

func TestProcessRequeueKeepsQueuePosition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeBackend(goodReport(t)), queuedTask("t-1"), queuedTask("t-2"))

	// t-2 arrived after t-1 was dequeued and is waiting on the pool queue.
	_, err := env.queue.Enqueue(ctx, queue.Entry{TaskID: "t-2", Pool: "internal"})
	require.NoError(t, err)

	// Fill both slots of scanner-a so t-1's claim is rejected.
	for i := 0; i < 2; i++ {
		ok, err := env.runtime.Claim(ctx, "scanner-a", 2)
		require.NoError(t, err)
		require.True(t, ok)
	}
	env.worker.process(ctx, queue.Entry{TaskID: "t-1", Pool: "internal"})

	entry, ok, err := env.queue.Dequeue(ctx, "internal", nil, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t-1", entry.TaskID, "a capacity collision must not cost the task its place in line")
}

func TestProcessFinishesAcrossShutdown(t *testing.T) {
	b := newFakeBackend(goodReport(t))
	b.running = true
	env := newTestEnv(t, b, queuedTask("t-1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.worker.process(ctx, queue.Entry{TaskID: "t-1", Pool: "internal"})
	}()

	// Tear the run context down mid-scan, then let the engine finish.
	require.Eventually(t, func() bool { return b.statusCalls() > 0 }, time.Second, time.Millisecond)
	cancel()
	time.Sleep(5 * time.Millisecond)
	b.finish()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("in-flight scan did not run to completion")
	}

	task, err := env.repo.GetByID(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, task.State, "an in-flight scan must commit despite shutdown")
	assert.Zero(t, b.stopped, "shutdown must not abort a healthy scan")

	_, err = env.reports.Get(context.Background(), "t-1")
	assert.NoError(t, err, "raw report must be stored")

	active, err := env.runtime.Active(context.Background(), "scanner-a")
	require.NoError(t, err)
	assert.Zero(t, active, "capacity slot must be released, not leaked")
}

func TestProcessDropsVanishedTask(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, newFakeBackend(goodReport(t)))

	env.worker.process(ctx, queue.Entry{TaskID: "ghost", Pool: "internal"})

	n, err := env.queue.Len(ctx, "internal")
	require.NoError(t, err)
	assert.Zero(t, n, "vanished task must not be requeued")
}

func TestProcessBackendFailureStatus(t *testing.T) {
	ctx := context.Background()
	b := newFakeBackend(nil)
	env := newTestEnv(t, b, queuedTask("t-1"))
	// Script the status op to report engine-side failure.
	env.worker = New("internal", env.queue, env.queue, env.repo, env.reports, env.reg,
		&report.Validator{}, events.NopPublisher{},
		WithLogger(slog.Default()),
		WithRetries(0),
		WithBaseDelay(time.Millisecond),
		WithPollInterval(time.Millisecond),
		WithBackendResolver(func(registry.InstanceConfig) (backend.Backend, error) {
			return &failingStatusBackend{}, nil
		}),
	)

	env.worker.process(ctx, queue.Entry{TaskID: "t-1", Pool: "internal"})

	task, err := env.repo.GetByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, task.State)
	assert.Equal(t, domain.ErrKindTransientBackend, task.Error.Kind)
}

type failingStatusBackend struct{}

func (failingStatusBackend) Create(context.Context, backend.JobSpec) (string, error) {
	return "job-1", nil
}
func (failingStatusBackend) Launch(context.Context, string) error { return nil }
func (failingStatusBackend) Status(context.Context, string) (backend.Status, error) {
	return backend.Status{State: backend.StatusFailed, Message: "engine crashed"}, nil
}
func (failingStatusBackend) Export(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("nothing to export")
}
func (failingStatusBackend) Stop(context.Context, string) error { return nil }
