// Package gateway implements the submission frontend: idempotent scan
// intake, routing, status/result queries and dead-letter administration.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
	"github.com/eafonin/nessus-api-sub002/internal/events"
	"github.com/eafonin/nessus-api-sub002/internal/idempotency"
	"github.com/eafonin/nessus-api-sub002/internal/postgres"
	"github.com/eafonin/nessus-api-sub002/internal/queue"
	"github.com/eafonin/nessus-api-sub002/internal/registry"
	"github.com/eafonin/nessus-api-sub002/internal/report"
	"github.com/eafonin/nessus-api-sub002/pkg/telemetry"
)

// Service wires the gateway operations over the shared stores.
type Service struct {
	repo     postgres.TaskRepository
	reports  postgres.ReportStore
	queue    queue.Queue
	dlq      queue.DeadLetter
	idem     idempotency.Store
	registry *registry.Registry
	events   events.Publisher
	logger   *slog.Logger
	idemTTL  time.Duration
}

// NewService builds the gateway service.
func NewService(
	repo postgres.TaskRepository,
	reports postgres.ReportStore,
	q queue.Queue,
	dlq queue.DeadLetter,
	idem idempotency.Store,
	reg *registry.Registry,
	pub events.Publisher,
	logger *slog.Logger,
) *Service {
	return &Service{
		repo:     repo,
		reports:  reports,
		queue:    q,
		dlq:      dlq,
		idem:     idem,
		registry: reg,
		events:   pub,
		logger:   logger,
		idemTTL:  idempotency.DefaultTTL,
	}
}

// SubmitRequest is one scan submission.
type SubmitRequest struct {
	Kind           domain.ScanKind            `json:"kind"`
	Name           string                     `json:"name"`
	Description    string                     `json:"description,omitempty"`
	Targets        []string                   `json:"targets"`
	Pool           string                     `json:"pool,omitempty"`
	Instance       string                     `json:"instance,omitempty"`
	Credentials    *domain.CredentialEnvelope `json:"credentials,omitempty"`
	IdempotencyKey string                     `json:"idempotency_key,omitempty"`
}

// SubmitResult reports where a submission landed.
type SubmitResult struct {
	TaskID    string         `json:"task_id"`
	State     domain.State   `json:"state"`
	Pool      string         `json:"pool"`
	Instance  string         `json:"instance,omitempty"`
	Route     registry.Route `json:"route"`
	Position  int            `json:"queue_position,omitempty"`
	Duplicate bool           `json:"duplicate"`
}

func (s *Service) validateSubmit(req *SubmitRequest) error {
	if !req.Kind.Valid() {
		return &domain.ValidationError{Field: "kind", Reason: "unsupported scan kind: " + string(req.Kind)}
	}
	if req.Name == "" {
		return &domain.ValidationError{Field: "name", Reason: "name is required"}
	}
	if len(req.Targets) == 0 {
		return &domain.ValidationError{Field: "targets", Reason: "at least one target is required"}
	}
	for _, t := range req.Targets {
		if t == "" {
			return &domain.ValidationError{Field: "targets", Reason: "empty target"}
		}
	}
	if req.Kind.UsesCredentials() {
		if req.Credentials == nil {
			return &domain.ValidationError{Field: "credentials", Reason: string(req.Kind) + " scans require credentials"}
		}
		if err := req.Credentials.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Submit validates, deduplicates, persists and enqueues one scan.
// Resubmission with the same idempotency key and fingerprint returns the
// existing task; the same key with a different fingerprint is a conflict.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := s.validateSubmit(&req); err != nil {
		return SubmitResult{}, err
	}

	decision, err := s.registry.Select(ctx, req.Pool, req.Instance)
	if err != nil {
		return SubmitResult{}, err
	}

	fingerprint := idempotency.Fingerprint(req.Kind, req.Targets, req.Name, req.Description, req.Credentials)
	if req.IdempotencyKey != "" {
		if existingID, found, err := s.idem.Check(ctx, req.IdempotencyKey, fingerprint); err != nil {
			var conflict *domain.ConflictError
			if errors.As(err, &conflict) {
				telemetry.GatewayConflicts.Inc()
			}
			return SubmitResult{}, err
		} else if found {
			telemetry.GatewayIdempotentHits.Inc()
			return s.duplicateResult(ctx, existingID)
		}
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:                uuid.NewString(),
		TraceID:           trace.SpanContextFromContext(ctx).TraceID().String(),
		Kind:              req.Kind,
		Name:              req.Name,
		Description:       req.Description,
		Targets:           req.Targets,
		Pool:              decision.Pool,
		RequestedInstance: req.Instance,
		Credentials:       req.Credentials,
		State:             domain.StateQueued,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if req.IdempotencyKey != "" {
		stored, existing, err := s.idem.Put(ctx, idempotency.Record{
			Key:         req.IdempotencyKey,
			TaskID:      task.ID,
			Fingerprint: fingerprint,
		}, s.idemTTL)
		if err != nil {
			return SubmitResult{}, err
		}
		if !stored {
			// A concurrent identical submission won the race.
			if existing.Fingerprint != fingerprint {
				telemetry.GatewayConflicts.Inc()
				return SubmitResult{}, &domain.ConflictError{Key: req.IdempotencyKey, ExistingTaskID: existing.TaskID}
			}
			telemetry.GatewayIdempotentHits.Inc()
			return s.duplicateResult(ctx, existing.TaskID)
		}
	}

	if err := s.repo.Create(ctx, task); err != nil {
		s.rollbackIdem(ctx, req.IdempotencyKey)
		return SubmitResult{}, fmt.Errorf("persist task: %w", err)
	}

	entry := queue.Entry{TaskID: task.ID, Pool: decision.Pool, EnqueuedAt: now}
	var position int
	switch decision.Route {
	case registry.RouteInstance:
		entry.Instance = decision.Instance
		position, err = s.queue.Enqueue(ctx, entry)
	case registry.RouteOverflow:
		position, err = s.queue.EnqueueOverflow(ctx, entry)
	default:
		position, err = s.queue.Enqueue(ctx, entry)
	}
	if err != nil {
		s.rollbackIdem(ctx, req.IdempotencyKey)
		return SubmitResult{}, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	telemetry.GatewayScansSubmitted.WithLabelValues(string(req.Kind)).Inc()
	s.publish(ctx, events.Event{Type: events.TypeSubmitted, TaskID: task.ID, TraceID: task.TraceID,
		Pool: decision.Pool, Instance: decision.Instance, State: domain.StateQueued})
	s.logger.Info("scan submitted",
		slog.String("task_id", task.ID),
		slog.String("kind", string(req.Kind)),
		slog.String("pool", decision.Pool),
		slog.String("route", string(decision.Route)),
		slog.Int("position", position),
	)

	return SubmitResult{
		TaskID:   task.ID,
		State:    domain.StateQueued,
		Pool:     decision.Pool,
		Instance: decision.Instance,
		Route:    decision.Route,
		Position: position,
	}, nil
}

// rollbackIdem unbinds an idempotency key whose task never materialized.
// Left in place it would answer every identical resubmission with a task id
// that does not exist, for the full record TTL.
func (s *Service) rollbackIdem(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.idem.Delete(ctx, key); err != nil {
		s.logger.Error("idempotency rollback failed",
			slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (s *Service) duplicateResult(ctx context.Context, taskID string) (SubmitResult, error) {
	task, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{
		TaskID:    task.ID,
		State:     task.State,
		Pool:      task.Pool,
		Instance:  task.Instance,
		Duplicate: true,
	}, nil
}

// GetTask returns the durable record of one task.
func (s *Service) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return s.repo.GetByID(ctx, id)
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Service) ListTasks(ctx context.Context, filter postgres.TaskFilter) ([]*domain.Task, error) {
	return s.repo.List(ctx, filter)
}

// ResultQuery shapes one results request.
type ResultQuery struct {
	Profile  string
	Fields   []string
	Filters  report.Filters
	Page     int
	PageSize int
}

// GetResults builds the chunk stream for a completed task's report.
func (s *Service) GetResults(ctx context.Context, taskID string, q ResultQuery) ([]report.Chunk, error) {
	task, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State != domain.StateCompleted {
		return nil, &domain.ValidationError{Field: "state",
			Reason: fmt.Sprintf("results are only available for COMPLETED tasks (task is %s)", task.State)}
	}

	fields, err := report.Projection{Profile: q.Profile, Fields: q.Fields}.Resolve()
	if err != nil {
		return nil, err
	}

	raw, err := s.reports.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	r, err := report.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("stored report for %s: %w", taskID, err)
	}

	vulns, err := report.ApplyFilters(r.Vulnerabilities, q.Filters)
	if err != nil {
		return nil, err
	}
	records := report.Project(vulns, fields)
	return report.BuildStream(r.Scan, fields, records, q.Page, q.PageSize), nil
}

// ListPools returns the pool topology with live instance state.
func (s *Service) ListPools(ctx context.Context) ([]registry.PoolView, error) {
	return s.registry.ListPools(ctx)
}

// ListInstances returns live instance state, optionally scoped to a pool.
func (s *Service) ListInstances(ctx context.Context, pool string) ([]registry.InstanceView, error) {
	return s.registry.ListInstances(ctx, pool)
}

// ListDLQ returns parked tasks oldest-first.
func (s *Service) ListDLQ(ctx context.Context, pool string, limit int) ([]queue.DeadEntry, error) {
	return s.dlq.List(ctx, pool, limit)
}

// InspectDLQ returns one parked task with its full record.
func (s *Service) InspectDLQ(ctx context.Context, taskID string) (queue.DeadEntry, *domain.Task, error) {
	entry, ok, err := s.dlq.Get(ctx, taskID)
	if err != nil {
		return queue.DeadEntry{}, nil, err
	}
	if !ok {
		return queue.DeadEntry{}, nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	task, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return queue.DeadEntry{}, nil, err
	}
	return entry, task, nil
}

// RetryDLQ resets a parked task to QUEUED, re-enqueues it at the tail of
// its original pool queue and removes it from the dead-letter queue.
func (s *Service) RetryDLQ(ctx context.Context, taskID string) (*domain.Task, error) {
	entry, ok, err := s.dlq.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}

	if err := s.repo.ResetForRetry(ctx, taskID); err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(ctx, queue.Entry{
		TaskID:     taskID,
		Pool:       entry.Pool,
		EnqueuedAt: time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("re-enqueue %s: %w", taskID, err)
	}
	if err := s.dlq.Remove(ctx, taskID); err != nil {
		return nil, fmt.Errorf("remove %s from dead letter: %w", taskID, err)
	}

	task, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.Event{Type: events.TypeRetried, TaskID: taskID, TraceID: task.TraceID,
		Pool: entry.Pool, State: domain.StateQueued})
	s.logger.Info("dead-lettered task requeued", slog.String("task_id", taskID), slog.String("pool", entry.Pool))
	return task, nil
}

// PurgeDLQ drops every parked entry and returns how many were removed.
func (s *Service) PurgeDLQ(ctx context.Context) (int, error) {
	n, err := s.dlq.Purge(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("dead-letter queue purged", slog.Int("removed", n))
	return n, nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("lifecycle event publish failed",
			slog.String("type", ev.Type),
			slog.String("task_id", ev.TaskID),
			slog.String("error", err.Error()),
		)
	}
}
