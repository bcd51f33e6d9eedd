// Package backfillrun keeps the at-most-once ledger for historical backfill
// passes. Claiming a run key is what prevents a completed backfill from being
// replayed.
package backfillrun

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/sastafford/crossy/pkg/database"
	"github.com/sastafford/crossy/pkg/models"
	"github.com/sastafford/crossy/pkg/tracing"
)

// Repository handles backfill run ledger persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Claim inserts the ledger row for a run key. Returns (nil, false, nil) when
// the key is already claimed, which the processor reports as a rerun.
func (r *Repository) Claim(ctx context.Context, runKey, collection string) (*models.BackfillRun, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "backfillrun.Repository.Claim")
	defer span.End()

	run := models.BackfillRun{
		ID:         uuid.New().String(),
		RunKey:     runKey,
		Collection: collection,
		Status:     models.BackfillRunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto("backfill_runs")
	ib.Cols("id", "run_key", "collection", "status", "documents_total", "documents_stale", "documents_error", "started_at")
	ib.Values(run.ID, run.RunKey, run.Collection, string(run.Status), 0, 0, 0, run.StartedAt)
	ib.OnConflictDoNothing()

	query, args := ib.Build()
	result, err := database.Querier(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("run_key", runKey).Error("Failed to claim backfill run")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim backfill run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim backfill run")
	}
	if rows == 0 {
		return nil, false, nil
	}

	return &run, true, nil
}

// Complete finalizes a run with its document counts.
func (r *Repository) Complete(ctx context.Context, id string, status models.BackfillRunStatus, total, stale, errored int) error {
	ctx, span := tracing.StartSpan(ctx, "backfillrun.Repository.Complete")
	defer span.End()

	now := time.Now().UTC()
	ub := database.NewUpdateBuilder()
	ub.Update("backfill_runs")
	ub.Set(
		ub.Assign("status", string(status)),
		ub.Assign("documents_total", total),
		ub.Assign("documents_stale", stale),
		ub.Assign("documents_error", errored),
		ub.Assign("completed_at", now),
	)
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	if _, err := database.Querier(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("id", id).Error("Failed to complete backfill run")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to complete backfill run")
	}

	return nil
}

// Release deletes an unfinished run's ledger row so a cancelled pass can be
// restarted from the beginning.
func (r *Repository) Release(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "backfillrun.Repository.Release")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom("backfill_runs")
	db.Where(
		db.Equal("id", id),
		db.Equal("status", string(models.BackfillRunStatusRunning)),
	)

	query, args := db.Build()
	if _, err := database.Querier(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("id", id).Error("Failed to release backfill run")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to release backfill run")
	}

	return nil
}

// List returns ledger rows newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]models.BackfillRun, error) {
	ctx, span := tracing.StartSpan(ctx, "backfillrun.Repository.List")
	defer span.End()

	if limit < 1 || limit > 100 {
		limit = 50
	}

	sb := database.NewSelectBuilder()
	sb.Select("id", "run_key", "collection", "status", "documents_total", "documents_stale", "documents_error", "started_at", "completed_at")
	sb.From("backfill_runs")
	sb.OrderBy("started_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	var runs []models.BackfillRun
	if err := database.Querier(ctx, r.db).SelectContext(ctx, &runs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list backfill runs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list backfill runs")
	}

	return runs, nil
}

// Get retrieves a run by its run key.
func (r *Repository) Get(ctx context.Context, runKey string) (*models.BackfillRun, error) {
	ctx, span := tracing.StartSpan(ctx, "backfillrun.Repository.Get")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "run_key", "collection", "status", "documents_total", "documents_stale", "documents_error", "started_at", "completed_at")
	sb.From("backfill_runs")
	sb.Where(sb.Equal("run_key", runKey))

	query, args := sb.Build()
	var run models.BackfillRun
	if err := database.Querier(ctx, r.db).GetContext(ctx, &run, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, "backfill run not found")
		}
		r.logger.WithContext(ctx).WithError(err).WithField("run_key", runKey).Error("Failed to get backfill run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get backfill run")
	}

	return &run, nil
}
