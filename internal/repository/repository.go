package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/billing-reconciliation-worker/internal/db"
)

// Repository handles audit-store database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertReconciliationRecord records one approve/reject outcome
func (r *Repository) InsertReconciliationRecord(ctx context.Context, rec *db.ReconciliationRecord) error {
	query := `
		INSERT INTO reconciliation_records (
			batch_id, submission_id, meter_id, action,
			reading_id, error_message, reviewed_by, recorded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err := r.pool.Exec(ctx, query,
		rec.BatchID,
		rec.SubmissionID,
		rec.MeterID,
		rec.Action,
		rec.ReadingID,
		rec.ErrorMessage,
		rec.ReviewedBy,
		recordedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert reconciliation record: %w", err)
	}

	return nil
}

// InsertBatchRun records the outcome of one approve-all run
func (r *Repository) InsertBatchRun(ctx context.Context, run *db.BatchRun) error {
	query := `
		INSERT INTO batch_runs (
			id, building_id, total, succeeded, failed, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.BuildingID,
		run.Total,
		run.Succeeded,
		run.Failed,
		run.StartedAt,
		run.FinishedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert batch run: %w", err)
	}

	return nil
}
