// Package rawcapture persists the append-only capture log. Rows are never
// updated or deleted by the pipeline.
package rawcapture

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/sastafford/crossy/pkg/database"
	"github.com/sastafford/crossy/pkg/metrics"
	"github.com/sastafford/crossy/pkg/models"
	"github.com/sastafford/crossy/pkg/tracing"
)

// Repository handles raw capture persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Ingest appends a raw capture exactly as received. No validation of payload
// structure happens here; malformed documents are deferred to the normalizer.
func (r *Repository) Ingest(ctx context.Context, collection string, provenance models.Provenance, payload json.RawMessage) (*models.RawCapture, error) {
	ctx, span := tracing.StartSpan(ctx, "rawcapture.Repository.Ingest")
	defer span.End()

	if !provenance.IsValid() {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown provenance: %s", provenance)
	}

	capture := models.RawCapture{
		ID:         uuid.New().String(),
		Collection: collection,
		Provenance: provenance,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto("raw_captures")
	ib.Cols("id", "collection", "provenance", "payload", "received_at")
	ib.Values(capture.ID, capture.Collection, string(capture.Provenance), []byte(capture.Payload), capture.ReceivedAt)

	query, args := ib.Build()
	queryStart := time.Now()
	_, err := database.Querier(ctx, r.db).ExecContext(ctx, query, args...)
	metrics.DatabaseQueryDuration.WithLabelValues("ingest_capture").Observe(time.Since(queryStart).Seconds())
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"collection": collection,
			"provenance": string(provenance),
		}).Error("Failed to append raw capture")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to append raw capture")
	}

	metrics.CapturesStoredTotal.WithLabelValues(collection, string(provenance)).Inc()
	return &capture, nil
}

// Get retrieves a raw capture by id.
func (r *Repository) Get(ctx context.Context, id string) (*models.RawCapture, error) {
	ctx, span := tracing.StartSpan(ctx, "rawcapture.Repository.Get")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "collection", "provenance", "payload", "received_at")
	sb.From("raw_captures")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var capture models.RawCapture
	if err := database.Querier(ctx, r.db).GetContext(ctx, &capture, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, "raw capture not found")
		}
		r.logger.WithContext(ctx).WithError(err).WithField("id", id).Error("Failed to get raw capture")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get raw capture")
	}

	return &capture, nil
}

// List returns raw captures newest first, optionally filtered by collection
// and provenance.
func (r *Repository) List(ctx context.Context, collection string, provenance models.Provenance, page, pageSize int) ([]models.RawCapture, int, error) {
	ctx, span := tracing.StartSpan(ctx, "rawcapture.Repository.List")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	countBuilder := database.NewSelectBuilder()
	countBuilder.Select("COUNT(*)")
	countBuilder.From("raw_captures")
	countWhere := []string{}
	if collection != "" {
		countWhere = append(countWhere, countBuilder.Equal("collection", collection))
	}
	if provenance != "" {
		countWhere = append(countWhere, countBuilder.Equal("provenance", string(provenance)))
	}
	if len(countWhere) > 0 {
		countBuilder.Where(countWhere...)
	}

	query, args := countBuilder.Build()
	var total int
	if err := database.Querier(ctx, r.db).GetContext(ctx, &total, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count raw captures")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list raw captures")
	}

	sb := database.NewSelectBuilder()
	sb.Select("id", "collection", "provenance", "payload", "received_at")
	sb.From("raw_captures")
	where := []string{}
	if collection != "" {
		where = append(where, sb.Equal("collection", collection))
	}
	if provenance != "" {
		where = append(where, sb.Equal("provenance", string(provenance)))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("received_at DESC")
	sb.Limit(pageSize)
	sb.Offset((page - 1) * pageSize)

	query, args = sb.Build()
	var captures []models.RawCapture
	if err := database.Querier(ctx, r.db).SelectContext(ctx, &captures, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list raw captures")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list raw captures")
	}

	return captures, total, nil
}
