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

// ReportStore persists raw report exports keyed by task id. Reports are
// written once when a scan completes and deleted with their task.
type ReportStore interface {
	Save(ctx context.Context, taskID string, raw []byte) error
	Get(ctx context.Context, taskID string) ([]byte, error)
}

type reportStore struct {
	pool *pgxpool.Pool
}

// NewReportStore wraps a pgxpool with the ReportStore interface.
func NewReportStore(pool *pgxpool.Pool) ReportStore {
	return &reportStore{pool: pool}
}

func (s *reportStore) Save(ctx context.Context, taskID string, raw []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_reports (task_id, raw, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO UPDATE SET raw = EXCLUDED.raw
	`, taskID, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save report for %s: %w", taskID, err)
	}
	return nil
}

func (s *reportStore) Get(ctx context.Context, taskID string) ([]byte, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT raw FROM scan_reports WHERE task_id = $1`, taskID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("get report for %s: %w", taskID, err)
	}
	return raw, nil
}
