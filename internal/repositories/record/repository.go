// Package record persists merged record state. ApplyChange is the
// compare-and-swap write path used by the merge engine; everything else is
// read-side support for the API.
package record

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sastafford/crossy/pkg/database"
	"github.com/sastafford/crossy/pkg/document"
	"github.com/sastafford/crossy/pkg/merging"
	"github.com/sastafford/crossy/pkg/metrics"
	"github.com/sastafford/crossy/pkg/models"
	"github.com/sastafford/crossy/pkg/tracing"
)

// Repository handles merged record persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

const mergedRecordColumns = "id, collection, entity_key, data, last_sequence, version, created_at, updated_at, deleted_at"

// applyUpsertQuery writes or overwrites the row, guarded so only a strictly
// newer sequence wins. A stale change matches the conflict but fails the WHERE
// clause, returning no row.
const applyUpsertQuery = `
	INSERT INTO merged_records (
		id, collection, entity_key, data, last_sequence, version, created_at, updated_at, deleted_at
	) VALUES ($1, $2, $3, $4, $5, 1, $6, $6, NULL)
	ON CONFLICT (collection, entity_key)
	DO UPDATE SET
		data = EXCLUDED.data,
		last_sequence = EXCLUDED.last_sequence,
		version = merged_records.version + 1,
		updated_at = EXCLUDED.updated_at,
		deleted_at = NULL
	WHERE EXCLUDED.last_sequence > merged_records.last_sequence
	RETURNING ` + mergedRecordColumns + `, (xmax = 0) AS inserted
`

// applyDeleteQuery tombstones the row, clearing its data but retaining
// last_sequence so an older pending upsert cannot resurrect it. A delete for an
// absent key inserts the tombstone directly.
const applyDeleteQuery = `
	INSERT INTO merged_records (
		id, collection, entity_key, data, last_sequence, version, created_at, updated_at, deleted_at
	) VALUES ($1, $2, $3, '{}', $4, 1, $5, $5, $5)
	ON CONFLICT (collection, entity_key)
	DO UPDATE SET
		data = '{}'::jsonb,
		last_sequence = EXCLUDED.last_sequence,
		version = merged_records.version + 1,
		updated_at = EXCLUDED.updated_at,
		deleted_at = EXCLUDED.updated_at
	WHERE EXCLUDED.last_sequence > merged_records.last_sequence
	RETURNING ` + mergedRecordColumns + `, (xmax = 0) AS inserted
`

// ApplyChange applies a pending change as a single atomic statement. The
// outcome is classified as applied, tombstoned or stale; stale means the
// committed last_sequence was at or above the change's sequence.
func (r *Repository) ApplyChange(ctx context.Context, change models.PendingChange) (*merging.ApplyResult, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.ApplyChange")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"collection": change.Collection,
		"entity_key": change.EntityKey,
		"operation":  string(change.Operation),
	})

	now := time.Now().UTC()
	id := uuid.New().String()

	var result struct {
		models.MergedRecord
		Inserted bool `db:"inserted"`
	}

	q := database.Querier(ctx, r.db)

	queryStart := time.Now()
	defer func() {
		metrics.DatabaseQueryDuration.WithLabelValues("apply_change").Observe(time.Since(queryStart).Seconds())
	}()

	var err error
	if change.Operation == models.OperationDelete {
		err = q.GetContext(ctx, &result, applyDeleteQuery,
			id, change.Collection, change.EntityKey, change.Sequence, now,
		)
	} else {
		fields := change.Fields
		if fields == nil {
			fields = document.Document{}
		}
		err = q.GetContext(ctx, &result, applyUpsertQuery,
			id, change.Collection, change.EntityKey,
			database.JSONB[document.Document]{Data: fields}, change.Sequence, now,
		)
	}

	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			// The conflict row exists with an equal or newer sequence
			return &merging.ApplyResult{Outcome: models.MergeOutcomeStale}, nil
		}
		if isRetryableConflict(err) {
			return nil, &merging.WriteConflictError{Err: err}
		}
		log.WithError(err).Error("Failed to apply change to merged record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to apply change")
	}

	outcome := models.MergeOutcomeApplied
	if change.Operation == models.OperationDelete {
		outcome = models.MergeOutcomeTombstoned
	}

	return &merging.ApplyResult{Outcome: outcome, Record: &result.MergedRecord}, nil
}

// isRetryableConflict reports whether the error is a Postgres serialization
// failure or deadlock, both safe to retry.
func isRetryableConflict(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// Get retrieves a live merged record by collection and entity key.
func (r *Repository) Get(ctx context.Context, collection, entityKey string) (*models.MergedRecord, error) {
	return r.get(ctx, collection, entityKey, false)
}

// GetIncludeTombstoned retrieves a merged record even if it has been
// tombstoned. Used by the merge paths that need the committed last_sequence.
func (r *Repository) GetIncludeTombstoned(ctx context.Context, collection, entityKey string) (*models.MergedRecord, error) {
	return r.get(ctx, collection, entityKey, true)
}

func (r *Repository) get(ctx context.Context, collection, entityKey string, includeTombstoned bool) (*models.MergedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.Get")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "collection", "entity_key", "data", "last_sequence", "version", "created_at", "updated_at", "deleted_at")
	sb.From("merged_records")
	where := []string{
		sb.Equal("collection", collection),
		sb.Equal("entity_key", entityKey),
	}
	if !includeTombstoned {
		where = append(where, sb.IsNull("deleted_at"))
	}
	sb.Where(where...)

	query, args := sb.Build()
	var record models.MergedRecord
	if err := database.Querier(ctx, r.db).GetContext(ctx, &record, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, "record not found")
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"collection": collection, "entity_key": entityKey}).Error("Failed to get merged record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get record")
	}

	return &record, nil
}

// List returns live merged records for a collection, newest first.
func (r *Repository) List(ctx context.Context, collection string, page, pageSize int) ([]models.MergedRecord, int, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.List")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	countBuilder := database.NewSelectBuilder()
	countBuilder.Select("COUNT(*)")
	countBuilder.From("merged_records")
	countBuilder.Where(
		countBuilder.Equal("collection", collection),
		countBuilder.IsNull("deleted_at"),
	)

	query, args := countBuilder.Build()
	var total int
	if err := database.Querier(ctx, r.db).GetContext(ctx, &total, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("collection", collection).Error("Failed to count merged records")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list records")
	}

	sb := database.NewSelectBuilder()
	sb.Select("id", "collection", "entity_key", "data", "last_sequence", "version", "created_at", "updated_at", "deleted_at")
	sb.From("merged_records")
	sb.Where(
		sb.Equal("collection", collection),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("updated_at DESC", "entity_key ASC")
	sb.Limit(pageSize)
	sb.Offset((page - 1) * pageSize)

	query, args = sb.Build()
	var records []models.MergedRecord
	if err := database.Querier(ctx, r.db).SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("collection", collection).Error("Failed to list merged records")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list records")
	}

	return records, total, nil
}

// CollectionCounts returns the number of live records per collection, used by
// the readiness check and the collection browse view.
func (r *Repository) CollectionCounts(ctx context.Context) (map[string]int, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.CollectionCounts")
	defer span.End()

	rows, err := database.Querier(ctx, r.db).QueryxContext(ctx, `
		SELECT collection, COUNT(*) AS count
		FROM merged_records
		WHERE deleted_at IS NULL
		GROUP BY collection
	`)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count records by collection")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count records")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var collection string
		var count int
		if err := rows.Scan(&collection, &count); err != nil {
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to scan record counts")
		}
		counts[collection] = count
	}

	return counts, rows.Err()
}
