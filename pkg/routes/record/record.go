// Package record serves merged record state over HTTP. Reads go straight to
// the record store; edits and deletes are replayed through the merge pipeline
// as synthetic incremental changes so the capture log stays complete and the
// merge engine remains the only writer.
package record

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/sastafford/crossy/internal/repositories/record"
	"github.com/sastafford/crossy/pkg/database"
	"github.com/sastafford/crossy/pkg/document"
	"github.com/sastafford/crossy/pkg/events"
	"github.com/sastafford/crossy/pkg/kafka"
	"github.com/sastafford/crossy/pkg/merging"
	"github.com/sastafford/crossy/pkg/models"
	"github.com/sastafford/crossy/pkg/normalizer"
	"github.com/sastafford/crossy/pkg/tracing"
)

// CaptureStore appends raw captures for the synthetic changes edits produce.
type CaptureStore interface {
	Ingest(ctx context.Context, collection string, provenance models.Provenance, payload json.RawMessage) (*models.RawCapture, error)
}

// Handler serves the merged record endpoints.
type Handler struct {
	db         database.DB
	records    *record.Repository
	captures   CaptureStore
	normalizer *normalizer.Normalizer
	engine     *merging.Engine
	emitter    *events.Emitter
	logger     ectologger.Logger
	now        func() time.Time
}

func NewHandler(db database.DB, records *record.Repository, captures CaptureStore, norm *normalizer.Normalizer, engine *merging.Engine, emitter *events.Emitter, logger ectologger.Logger) *Handler {
	return &Handler{
		db:         db,
		records:    records,
		captures:   captures,
		normalizer: norm,
		engine:     engine,
		emitter:    emitter,
		logger:     logger,
		now:        time.Now,
	}
}

// RegisterRoutes registers the record endpoints on the API group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/collections", h.Collections)
	g.GET("/records/:collection", h.List)
	g.GET("/records/:collection/:key", h.Get)
	g.PUT("/records/:collection/:key", h.Update)
	g.DELETE("/records/:collection/:key", h.Delete)
}

// Collections returns the known collections and their live record counts.
func (h *Handler) Collections(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "record.Handler.Collections")
	defer span.End()

	counts, err := h.records.CollectionCounts(reqCtx)
	if err != nil {
		return err
	}

	items := make([]map[string]any, 0, len(models.KnownCollections))
	for _, collection := range models.KnownCollections {
		items = append(items, map[string]any{
			"collection": collection,
			"count":      counts[collection],
		})
	}

	return ctx.JSON(http.StatusOK, map[string]any{"collections": items})
}

// List returns a page of live records for a collection, newest first.
func (h *Handler) List(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "record.Handler.List")
	defer span.End()

	collection := ctx.Param("collection")
	if !models.IsKnownCollection(collection) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "unknown collection %q", collection)
	}

	page, _ := strconv.Atoi(ctx.QueryParam("page"))
	pageSize, _ := strconv.Atoi(ctx.QueryParam("page_size"))

	records, total, err := h.records.List(reqCtx, collection, page, pageSize)
	if err != nil {
		return err
	}

	items := make([]models.MergedRecordView, 0, len(records))
	for i := range records {
		items = append(items, toView(&records[i]))
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	return ctx.JSON(http.StatusOK, models.MergedRecordListResponse{
		Items:      items,
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
	})
}

// Get returns a single live record by key.
func (h *Handler) Get(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "record.Handler.Get")
	defer span.End()

	collection := ctx.Param("collection")
	if !models.IsKnownCollection(collection) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "unknown collection %q", collection)
	}

	rec, err := h.records.Get(reqCtx, collection, ctx.Param("key"))
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, toView(rec))
}

// Update replaces a record's fields by replaying an upsert change stamped with
// the current time through the merge pipeline.
func (h *Handler) Update(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "record.Handler.Update")
	defer span.End()

	collection := ctx.Param("collection")
	if !models.IsKnownCollection(collection) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "unknown collection %q", collection)
	}

	var req models.UpdateRecordRequest
	if err := ctx.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Data) == 0 {
		return httperror.NewHTTPError(http.StatusBadRequest, "data is required")
	}

	result, err := h.applySynthetic(reqCtx, collection, ctx.Param("key"), "update", req.Data)
	if err != nil {
		return err
	}

	if result.Outcome == models.MergeOutcomeStale {
		// Only possible when a concurrent change carried a later sequence.
		return httperror.NewHTTPError(http.StatusConflict, "record changed concurrently, edit was superseded")
	}

	return ctx.JSON(http.StatusOK, toView(result.Record))
}

// Delete tombstones a record by replaying a delete change stamped with the
// current time through the merge pipeline.
func (h *Handler) Delete(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "record.Handler.Delete")
	defer span.End()

	collection := ctx.Param("collection")
	if !models.IsKnownCollection(collection) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "unknown collection %q", collection)
	}
	key := ctx.Param("key")

	// 404 for keys that were never merged; deleting a tombstone is a no-op.
	if _, err := h.records.GetIncludeTombstoned(reqCtx, collection, key); err != nil {
		return err
	}

	result, err := h.applySynthetic(reqCtx, collection, key, "delete", nil)
	if err != nil {
		return err
	}

	if result.Outcome == models.MergeOutcomeStale {
		return httperror.NewHTTPError(http.StatusConflict, "record changed concurrently, delete was superseded")
	}

	return ctx.NoContent(http.StatusNoContent)
}

// applySynthetic runs an API-originated change through the same path as a
// consumed stream message: capture, normalize, apply, emit. The capture and
// the merge write commit in a single transaction so the log never records a
// change that was not applied.
func (h *Handler) applySynthetic(ctx context.Context, collection, key, operationType string, fields document.Document) (*merging.ApplyResult, error) {
	event := kafka.NewChangeEvent(collection, key, operationType, h.now(), fields)
	payload, err := event.Marshal()
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode change")
	}

	txCtx, tx, err := h.db.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin transaction")
	}
	// Rollback with the pre-transaction context so an early return closes the
	// transaction instead of no-opping.
	defer func() { _ = tx.Rollback(ctx) }()

	capture, err := h.captures.Ingest(txCtx, collection, models.ProvenanceIncremental, payload)
	if err != nil {
		return nil, err
	}

	change, err := h.normalizer.NormalizeIncremental(*capture)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to normalize change")
	}

	result, err := h.engine.Apply(txCtx, change)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit change")
	}

	if h.emitter != nil {
		var emitErr error
		switch result.Outcome {
		case models.MergeOutcomeApplied:
			emitErr = h.emitter.EmitApplied(ctx, result.Record)
		case models.MergeOutcomeTombstoned:
			emitErr = h.emitter.EmitDeleted(ctx, result.Record)
		case models.MergeOutcomeStale:
			emitErr = h.emitter.EmitStale(ctx, change)
		}
		if emitErr != nil {
			h.logger.WithContext(ctx).WithError(emitErr).Warn("Failed to emit record event")
		}
	}

	return result, nil
}

func toView(rec *models.MergedRecord) models.MergedRecordView {
	data := rec.Data.GetValue()
	return models.MergedRecordView{
		EntityKey:    rec.EntityKey,
		Collection:   rec.Collection,
		Label:        displayLabel(rec.Collection, rec.EntityKey, data),
		Data:         data,
		LastSequence: rec.LastSequence,
		Version:      rec.Version,
		UpdatedAt:    rec.UpdatedAt,
	}
}

// displayLabel builds the human-readable summary line for a record.
func displayLabel(collection, entityKey string, data document.Document) string {
	switch collection {
	case models.CollectionVehicle:
		plate, _ := data.GetString("license_plate_number")
		owner, _ := data.GetString("owner_name")
		if plate != "" && owner != "" {
			return fmt.Sprintf("%s (%s)", plate, owner)
		}
		if plate != "" {
			return plate
		}
	case models.CollectionCrossing:
		ts, _ := data.GetString("timestamp")
		checkpoint, _ := data.GetString("interior_checkpoints")
		if ts != "" && checkpoint != "" {
			return fmt.Sprintf("%s at %s", ts, checkpoint)
		}
		if ts != "" {
			return ts
		}
	case models.CollectionCargoManifest:
		manifest, _ := data.GetString("manifest_id")
		cargo, _ := data.GetString("cargo_type")
		if manifest != "" && cargo != "" {
			return fmt.Sprintf("%s (%s)", manifest, cargo)
		}
		if manifest != "" {
			return manifest
		}
	}
	return entityKey
}
