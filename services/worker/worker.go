// Package worker drains scan queues and drives scans on remote backends.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/eafonin/nessus-api-sub002/internal/backend"
	"github.com/eafonin/nessus-api-sub002/internal/domain"
	"github.com/eafonin/nessus-api-sub002/internal/events"
	"github.com/eafonin/nessus-api-sub002/internal/postgres"
	"github.com/eafonin/nessus-api-sub002/internal/queue"
	"github.com/eafonin/nessus-api-sub002/internal/registry"
	"github.com/eafonin/nessus-api-sub002/internal/report"
	"github.com/eafonin/nessus-api-sub002/pkg/retry"
	"github.com/eafonin/nessus-api-sub002/pkg/telemetry"
)

// BackendResolver opens the Backend for a configured instance. Production
// uses OpenBackends; tests substitute fakes.
type BackendResolver func(inst registry.InstanceConfig) (backend.Backend, error)

// OpenBackends returns a resolver that opens each instance's driver once
// and caches the connection.
func OpenBackends() BackendResolver {
	var mu sync.Mutex
	cache := make(map[string]backend.Backend)
	return func(inst registry.InstanceConfig) (backend.Backend, error) {
		mu.Lock()
		defer mu.Unlock()
		if b, ok := cache[inst.ID]; ok {
			return b, nil
		}
		b, err := backend.Open(inst.Driver, backend.Config{
			URL:            inst.URL,
			CredentialsRef: inst.CredentialsRef,
		})
		if err != nil {
			return nil, err
		}
		cache[inst.ID] = b
		return b, nil
	}
}

// Worker executes scans for one pool. Units goroutines share the pool's
// queues; capacity is claimed per instance before any remote call.
type Worker struct {
	pool      string
	queue     queue.Queue
	dlq       queue.DeadLetter
	repo      postgres.TaskRepository
	reports   postgres.ReportStore
	registry  *registry.Registry
	validator *report.Validator
	events    events.Publisher
	resolve   BackendResolver
	logger    *slog.Logger

	units        int
	maxRetries   int
	baseDelay    time.Duration
	pollInterval time.Duration
	maxWall      time.Duration
	dequeueWait  time.Duration

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

func WithUnits(n int) Option                    { return func(w *Worker) { w.units = n } }
func WithRetries(n int) Option                  { return func(w *Worker) { w.maxRetries = n } }
func WithBaseDelay(d time.Duration) Option      { return func(w *Worker) { w.baseDelay = d } }
func WithPollInterval(d time.Duration) Option   { return func(w *Worker) { w.pollInterval = d } }
func WithMaxScanWall(d time.Duration) Option    { return func(w *Worker) { w.maxWall = d } }
func WithDequeueWait(d time.Duration) Option    { return func(w *Worker) { w.dequeueWait = d } }
func WithLogger(l *slog.Logger) Option          { return func(w *Worker) { w.logger = l } }
func WithBackendResolver(r BackendResolver) Option { return func(w *Worker) { w.resolve = r } }

// New constructs a Worker bound to one pool.
func New(
	pool string,
	q queue.Queue,
	dlq queue.DeadLetter,
	repo postgres.TaskRepository,
	reports postgres.ReportStore,
	reg *registry.Registry,
	validator *report.Validator,
	pub events.Publisher,
	opts ...Option,
) *Worker {
	w := &Worker{
		pool:         pool,
		queue:        q,
		dlq:          dlq,
		repo:         repo,
		reports:      reports,
		registry:     reg,
		validator:    validator,
		events:       pub,
		resolve:      OpenBackends(),
		logger:       slog.Default(),
		units:        4,
		maxRetries:   3,
		baseDelay:    time.Second,
		pollInterval: 30 * time.Second,
		maxWall:      24 * time.Hour,
		dequeueWait:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains the pool's queues until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	instances := w.registry.PoolInstances(w.pool)
	for i := 0; i < w.units; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for ctx.Err() == nil {
				entry, ok, err := w.queue.Dequeue(ctx, w.pool, instances, w.dequeueWait)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					w.logger.Error("dequeue failed", slog.String("pool", w.pool), slog.String("error", err.Error()))
					continue
				}
				if !ok {
					continue
				}
				w.process(ctx, entry)
			}
		}()
	}
	<-ctx.Done()
	return ctx.Err()
}

// Wait blocks until every unit has finished. Call after Run returns.
func (w *Worker) Wait() { w.wg.Wait() }

func (w *Worker) process(parent context.Context, entry queue.Entry) {
	// Shutdown cancels dequeuing only. Once an entry is popped, the claim,
	// the remote drive and the terminal commit must all land even while the
	// run context is being torn down, or the task strands in RUNNING and the
	// instance leaks a capacity slot. Only the wall clock inside execute may
	// abort a scan.
	ctx, span := otel.Tracer("worker").Start(context.WithoutCancel(parent), "worker.process_scan")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", entry.TaskID),
		attribute.String("pool", w.pool),
	)

	log := w.logger.With(slog.String("task_id", entry.TaskID), slog.String("pool", w.pool))

	task, err := w.repo.GetByID(ctx, entry.TaskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			log.Warn("queued task no longer exists, dropping")
			return
		}
		log.Error("load task failed", slog.String("error", err.Error()))
		w.requeue(ctx, entry, log)
		return
	}
	if task.State != domain.StateQueued {
		log.Info("task no longer queued, skipping", slog.String("state", string(task.State)))
		return
	}

	inst, err := w.registry.Claim(ctx, task.Pool, entry.Instance)
	if err != nil {
		var noCap *domain.NoCapacityError
		if errors.As(err, &noCap) {
			// Nothing free (or a pinned instance's circuit is open): put the
			// entry back at the head so it keeps its place in line, and pause
			// so we don't spin on it.
			w.requeue(ctx, entry, log)
			select {
			case <-ctx.Done():
			case <-time.After(w.baseDelay):
			}
			return
		}
		log.Error("capacity claim failed", slog.String("error", err.Error()))
		w.requeue(ctx, entry, log)
		return
	}
	defer func() {
		if err := w.registry.Release(ctx, inst.ID); err != nil {
			log.Error("capacity release failed", slog.String("instance", inst.ID), slog.String("error", err.Error()))
		}
	}()

	if err := w.repo.MarkRunning(ctx, task.ID, inst.ID); err != nil {
		var transition *domain.StateTransitionError
		if errors.As(err, &transition) {
			// Another worker won the claim race.
			log.Info("lost claim race, skipping", slog.String("error", err.Error()))
			return
		}
		log.Error("mark running failed", slog.String("error", err.Error()))
		w.requeue(ctx, entry, log)
		return
	}
	log = log.With(slog.String("instance", inst.ID))
	span.SetAttributes(attribute.String("instance", inst.ID))
	w.publish(ctx, events.Event{Type: events.TypeStarted, TaskID: task.ID, TraceID: task.TraceID,
		Pool: task.Pool, Instance: inst.ID, State: domain.StateRunning})

	w.inFlight.Add(1)
	telemetry.WorkerTasksInFlight.WithLabelValues(w.pool).Inc()
	defer func() {
		telemetry.WorkerTasksInFlight.WithLabelValues(w.pool).Dec()
		w.inFlight.Add(-1)
	}()

	start := time.Now()
	raw, execErr := w.execute(ctx, task, inst, log)
	telemetry.WorkerScanDurationSeconds.WithLabelValues(w.pool).Observe(time.Since(start).Seconds())

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "scan failed")
		w.finishFailure(ctx, task, inst, execErr, log)
		return
	}
	w.finishResult(ctx, task, inst, raw, log)
}

// execute runs the remote scan under the wall-clock budget: create, launch,
// poll until the backend reports completion, then export the raw report.
// Each remote call retries transient faults with backoff.
func (w *Worker) execute(ctx context.Context, task *domain.Task, inst registry.InstanceConfig, log *slog.Logger) ([]byte, error) {
	b, err := w.resolve(inst)
	if err != nil {
		return nil, fmt.Errorf("open backend for %s: %w", inst.ID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, w.maxWall)
	defer cancel()

	spec := backend.JobSpec{
		TaskID:      task.ID,
		Kind:        task.Kind,
		Name:        task.Name,
		Targets:     task.Targets,
		Credentials: task.Credentials,
	}

	var jobID string
	err = w.remote(runCtx, log, "create", func() error {
		var err error
		jobID, err = b.Create(runCtx, spec)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = w.remote(runCtx, log, "launch", func() error { return b.Launch(runCtx, jobID) })
	if err != nil {
		return nil, err
	}

	for {
		var st backend.Status
		err = w.remote(runCtx, log, "status", func() error {
			var err error
			st, err = b.Status(runCtx, jobID)
			return err
		})
		if err != nil {
			w.stopRemote(b, jobID, log)
			return nil, err
		}
		if st.State == backend.StatusFailed {
			return nil, domain.TransientBackendError("scan", fmt.Errorf("backend reported failure: %s", st.Message))
		}
		if st.Done() {
			break
		}

		select {
		case <-runCtx.Done():
			w.stopRemote(b, jobID, log)
			return nil, runCtx.Err()
		case <-time.After(w.pollInterval):
		}
	}

	var raw []byte
	err = w.remote(runCtx, log, "export", func() error {
		var err error
		raw, err = b.Export(runCtx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// remote wraps one backend call with transient-only retries.
func (w *Worker) remote(ctx context.Context, log *slog.Logger, op string, fn func() error) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: w.maxRetries + 1,
		BaseDelay:   w.baseDelay,
		RetryIf:     domain.IsTransientBackend,
		OnRetry: func(attempt int, err error) {
			telemetry.WorkerRetriesTotal.WithLabelValues(w.pool).Inc()
			log.Warn("backend call failed, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, fn)
}

// stopRemote best-effort aborts a job we are abandoning, on a fresh context
// since the run context is usually already dead here.
func (w *Worker) stopRemote(b backend.Backend, jobID string, log *slog.Logger) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.Stop(stopCtx, jobID); err != nil {
		log.Warn("remote stop failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

// finishResult validates the exported report and commits the terminal state.
func (w *Worker) finishResult(ctx context.Context, task *domain.Task, inst registry.InstanceConfig, raw []byte, log *slog.Logger) {
	vr := w.validator.Validate(raw, task.Kind)
	if !vr.Valid {
		log.Warn("report failed validation", slog.String("reason", vr.Reason))
		taskErr := &domain.TaskError{Kind: domain.ErrKindValidationFailure, Message: vr.Reason}
		if err := w.repo.MarkTerminal(ctx, task.ID, domain.StateFailed, nil, taskErr); err != nil {
			log.Error("mark failed failed", slog.String("error", err.Error()))
		}
		w.publish(ctx, events.Event{Type: events.TypeFailed, TaskID: task.ID, TraceID: task.TraceID,
			Pool: task.Pool, Instance: inst.ID, State: domain.StateFailed, Error: taskErr})
		telemetry.WorkerTasksProcessed.WithLabelValues(w.pool, "failed").Inc()
		return
	}

	if err := w.reports.Save(ctx, task.ID, raw); err != nil {
		// The scan itself succeeded; losing the artifact is an internal fault.
		log.Error("save report failed", slog.String("error", err.Error()))
		taskErr := &domain.TaskError{Kind: domain.ErrKindInternal, Message: "report artifact could not be stored"}
		if err := w.repo.MarkTerminal(ctx, task.ID, domain.StateFailed, nil, taskErr); err != nil {
			log.Error("mark failed failed", slog.String("error", err.Error()))
		}
		telemetry.WorkerTasksProcessed.WithLabelValues(w.pool, "failed").Inc()
		return
	}

	if err := w.repo.MarkTerminal(ctx, task.ID, domain.StateCompleted, vr.Summary(), nil); err != nil {
		log.Error("mark completed failed", slog.String("error", err.Error()))
		return
	}
	if _, err := w.registry.ReportSuccess(ctx, inst.ID); err != nil {
		log.Error("breaker success record failed", slog.String("error", err.Error()))
	}
	w.publish(ctx, events.Event{Type: events.TypeCompleted, TaskID: task.ID, TraceID: task.TraceID,
		Pool: task.Pool, Instance: inst.ID, State: domain.StateCompleted})
	telemetry.WorkerTasksProcessed.WithLabelValues(w.pool, "completed").Inc()
	log.Info("scan completed",
		slog.Int("hosts", vr.Hosts),
		slog.Int("findings", vr.Findings),
		slog.String("auth_status", string(vr.AuthStatus)),
	)
}

// finishFailure commits the terminal state for an execution error: TIMEOUT
// for a blown wall clock, FAILED otherwise. Transient exhaustion and
// timeouts count against the instance's breaker and park the task in the
// dead-letter queue; permanent errors do neither.
func (w *Worker) finishFailure(ctx context.Context, task *domain.Task, inst registry.InstanceConfig, execErr error, log *slog.Logger) {
	state := domain.StateFailed
	taskErr := classify(execErr)
	if errors.Is(execErr, context.DeadlineExceeded) {
		state = domain.StateTimeout
		taskErr = &domain.TaskError{Kind: domain.ErrKindTimeout,
			Message: fmt.Sprintf("scan exceeded the %s wall clock", w.maxWall)}
	}

	if err := w.repo.MarkTerminal(ctx, task.ID, state, nil, taskErr); err != nil {
		log.Error("mark terminal failed", slog.String("state", string(state)), slog.String("error", err.Error()))
		return
	}
	log.Error("scan failed",
		slog.String("state", string(state)),
		slog.String("kind", string(taskErr.Kind)),
		slog.String("error", execErr.Error()),
	)

	eventType, outcome := events.TypeFailed, "failed"
	if state == domain.StateTimeout {
		eventType, outcome = events.TypeTimeout, "timeout"
	}
	w.publish(ctx, events.Event{Type: eventType, TaskID: task.ID, TraceID: task.TraceID,
		Pool: task.Pool, Instance: inst.ID, State: state, Error: taskErr})

	remoteFault := taskErr.Kind == domain.ErrKindTransientBackend || taskErr.Kind == domain.ErrKindTimeout
	if remoteFault {
		if _, err := w.registry.ReportFailure(ctx, inst.ID); err != nil {
			log.Error("breaker failure record failed", slog.String("error", err.Error()))
		}
		if err := w.dlq.Add(ctx, queue.DeadEntry{
			TaskID:   task.ID,
			Pool:     task.Pool,
			Error:    *taskErr,
			FailedAt: time.Now().UTC(),
		}); err != nil {
			log.Error("dead-letter add failed", slog.String("error", err.Error()))
		} else {
			telemetry.WorkerDLQTotal.WithLabelValues(w.pool).Inc()
			w.publish(ctx, events.Event{Type: events.TypeDLQ, TaskID: task.ID, TraceID: task.TraceID,
				Pool: task.Pool, Instance: inst.ID, State: state, Error: taskErr})
		}
	}
	telemetry.WorkerTasksProcessed.WithLabelValues(w.pool, outcome).Inc()
}

// classify maps an execution error onto the task error taxonomy.
func classify(err error) *domain.TaskError {
	switch {
	case domain.IsPermanentBackend(err):
		return &domain.TaskError{Kind: domain.ErrKindPermanentBackend, Message: err.Error()}
	case domain.IsTransientBackend(err):
		return &domain.TaskError{Kind: domain.ErrKindTransientBackend, Message: err.Error()}
	default:
		return &domain.TaskError{Kind: domain.ErrKindInternal, Message: err.Error()}
	}
}

func (w *Worker) requeue(ctx context.Context, entry queue.Entry, log *slog.Logger) {
	if err := w.queue.Requeue(ctx, entry); err != nil {
		log.Error("requeue failed", slog.String("error", err.Error()))
	}
}

func (w *Worker) publish(ctx context.Context, ev events.Event) {
	if err := w.events.Publish(ctx, ev); err != nil {
		w.logger.Warn("lifecycle event publish failed",
			slog.String("type", ev.Type),
			slog.String("task_id", ev.TaskID),
			slog.String("error", err.Error()),
		)
	}
}
