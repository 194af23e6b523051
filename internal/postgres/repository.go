// Package postgres persists tasks and report artifacts. Postgres is the
// durable source of truth; queues and runtime counters live in Redis.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eafonin/nessus-api-sub002/internal/domain"
)

// TaskFilter narrows List results. Zero values mean "any".
type TaskFilter struct {
	State domain.State
	Pool  string
	Kind  domain.ScanKind
	Limit int
}

// TaskRepository abstracts all database access for tasks. State changes go
// through compare-and-set methods so concurrent writers cannot skip edges of
// the lifecycle.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)
	// MarkRunning moves QUEUED→RUNNING, recording the executing instance
	// and bumping the attempt counter.
	MarkRunning(ctx context.Context, id, instance string) error
	// MarkTerminal moves RUNNING→state for a terminal state, attaching the
	// result summary or error.
	MarkTerminal(ctx context.Context, id string, state domain.State, summary *domain.ResultSummary, taskErr *domain.TaskError) error
	// ResetForRetry moves a terminal task back to QUEUED, clearing its
	// result. Used by dead-letter retry, never by workers.
	ResetForRetry(ctx context.Context, id string) error
	// DeleteExpired removes terminal tasks whose completion is older than
	// the cutoff for their state, together with their stored reports, and
	// returns the ids removed.
	DeleteExpired(ctx context.Context, cutoffs map[domain.State]time.Time) ([]string, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the TaskRepository interface.
func NewRepository(pool *pgxpool.Pool) TaskRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *repository) Create(ctx context.Context, task *domain.Task) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scan_tasks
			(id, trace_id, kind, name, description, targets, pool, requested_instance,
			 credentials, state, instance, attempts, summary, error, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		task.ID, task.TraceID, string(task.Kind), task.Name, task.Description,
		task.Targets, task.Pool, task.RequestedInstance,
		task.Credentials, string(task.State), task.Instance, task.Attempts,
		task.Summary, task.Error, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, taskSelect+` WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

func (r *repository) List(ctx context.Context, filter TaskFilter) ([]*domain.Task, error) {
	query := taskSelect + ` WHERE ($1 = '' OR state = $1)
		AND ($2 = '' OR pool = $2)
		AND ($3 = '' OR kind = $3)
		ORDER BY created_at DESC
		LIMIT $4`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, query,
		string(filter.State), filter.Pool, string(filter.Kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *repository) MarkRunning(ctx context.Context, id, instance string) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE scan_tasks
		SET state = $1, instance = $2, attempts = attempts + 1,
		    started_at = $3, updated_at = $3
		WHERE id = $4 AND state = $5
	`, string(domain.StateRunning), instance, now, id, string(domain.StateQueued))
	if err != nil {
		return fmt.Errorf("mark running %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id, domain.StateRunning)
	}
	return nil
}

func (r *repository) MarkTerminal(ctx context.Context, id string, state domain.State, summary *domain.ResultSummary, taskErr *domain.TaskError) error {
	if !state.IsTerminal() {
		return &domain.StateTransitionError{TaskID: id, From: domain.StateRunning, To: state}
	}
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE scan_tasks
		SET state = $1, summary = $2, error = $3, completed_at = $4, updated_at = $4
		WHERE id = $5 AND state = $6
	`, string(state), summary, taskErr, now, id, string(domain.StateRunning))
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", state, id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id, state)
	}
	return nil
}

func (r *repository) ResetForRetry(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE scan_tasks
		SET state = $1, instance = '', summary = NULL, error = NULL,
		    started_at = NULL, completed_at = NULL, updated_at = $2
		WHERE id = $3 AND state IN ($4, $5)
	`, string(domain.StateQueued), now, id,
		string(domain.StateFailed), string(domain.StateTimeout))
	if err != nil {
		return fmt.Errorf("reset for retry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id, domain.StateQueued)
	}
	return nil
}

func (r *repository) DeleteExpired(ctx context.Context, cutoffs map[domain.State]time.Time) ([]string, error) {
	var deleted []string
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for state, cutoff := range cutoffs {
			// The state predicate is re-checked here so a task retried out
			// of a terminal state since selection is never swept.
			rows, err := tx.Query(ctx, `
				DELETE FROM scan_tasks
				WHERE state = $1 AND completed_at IS NOT NULL AND completed_at < $2
				RETURNING id
			`, string(state), cutoff)
			if err != nil {
				return fmt.Errorf("delete expired %s tasks: %w", state, err)
			}
			ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
			if err != nil {
				return fmt.Errorf("collect expired %s tasks: %w", state, err)
			}
			deleted = append(deleted, ids...)
		}
		// Stored reports go with their task via ON DELETE CASCADE.
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// transitionConflict turns a zero-row CAS update into the right error: not
// found when the task is absent, otherwise an illegal-transition error
// naming the actual current state.
func (r *repository) transitionConflict(ctx context.Context, id string, to domain.State) error {
	var current string
	err := r.pool.QueryRow(ctx, `SELECT state FROM scan_tasks WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.TaskNotFoundError{TaskID: id}
		}
		return fmt.Errorf("read state of %s: %w", id, err)
	}
	return &domain.StateTransitionError{TaskID: id, From: domain.State(current), To: to}
}

const taskSelect = `
	SELECT id, trace_id, kind, name, description, targets, pool, requested_instance,
	       credentials, state, instance, attempts, summary, error,
	       created_at, updated_at, started_at, completed_at
	FROM scan_tasks`

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var kind, state string
	err := row.Scan(
		&task.ID, &task.TraceID, &kind, &task.Name, &task.Description,
		&task.Targets, &task.Pool, &task.RequestedInstance,
		&task.Credentials, &state, &task.Instance, &task.Attempts,
		&task.Summary, &task.Error,
		&task.CreatedAt, &task.UpdatedAt, &task.StartedAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task row: %w", err)
	}
	task.Kind = domain.ScanKind(kind)
	task.State = domain.State(state)
	return &task, nil
}
