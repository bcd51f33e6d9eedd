// Package submit accepts new crossing records and feeds them into the
// pipeline by publishing change-stream envelopes, one per collection, to the
// change topic. The records then flow through the same consume, capture,
// normalize, and merge path as any upstream change.
package submit

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sastafford/crossy/pkg/document"
	"github.com/sastafford/crossy/pkg/generator"
	"github.com/sastafford/crossy/pkg/kafka"
	"github.com/sastafford/crossy/pkg/models"
	"github.com/sastafford/crossy/pkg/tracing"
)

// Publisher publishes change envelopes to the change topic.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte, headers map[string]string) error
}

// Handler serves the submit endpoints.
type Handler struct {
	publisher Publisher
	validate  *validator.Validate
	generator *generator.Generator
	logger    ectologger.Logger
	now       func() time.Time
}

func NewHandler(publisher Publisher, validate *validator.Validate, gen *generator.Generator, logger ectologger.Logger) *Handler {
	return &Handler{
		publisher: publisher,
		validate:  validate,
		generator: gen,
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterRoutes registers the submit endpoints on the API group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/submit", h.Submit)
	g.GET("/submit/generate", h.Generate)
}

// Submit validates a crossing record and publishes one insert change per
// collection it touches: always vehicle and crossing, plus cargo_manifest
// when cargo is present.
func (h *Handler) Submit(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "submit.Handler.Submit")
	defer span.End()

	var req models.SubmitRequest
	if err := ctx.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid crossing record: %v", err)
	}
	if req.Crossing.CrossingPurpose == "shipping" && req.Cargo == nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "shipping crossings require a cargo manifest")
	}
	if req.Crossing.CrossingPurpose != "shipping" && req.Cargo != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "cargo manifests are only valid for shipping crossings")
	}

	wallTime := h.now()

	entityKeys := make([]string, 0, 3)
	publishOne := func(collection string, payload any) error {
		fields, err := toDocument(payload)
		if err != nil {
			return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to encode %s", collection)
		}

		key := uuid.New().String()
		event := kafka.NewChangeEvent(collection, key, "insert", wallTime, fields)
		value, err := event.Marshal()
		if err != nil {
			return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to encode %s change", collection)
		}

		headers := map[string]string{kafka.HeaderCollection: collection}
		if err := h.publisher.Publish(reqCtx, key, value, headers); err != nil {
			h.logger.WithContext(reqCtx).WithError(err).WithFields(map[string]any{
				"collection": collection,
				"entity_key": key,
			}).Error("Failed to publish submitted change")
			return httperror.NewHTTPError(http.StatusBadGateway, "failed to publish change")
		}

		entityKeys = append(entityKeys, key)
		return nil
	}

	if err := publishOne(models.CollectionVehicle, req.Vehicle); err != nil {
		return err
	}
	if err := publishOne(models.CollectionCrossing, req.Crossing); err != nil {
		return err
	}
	if req.Cargo != nil {
		if err := publishOne(models.CollectionCargoManifest, req.Cargo); err != nil {
			return err
		}
	}

	return ctx.JSON(http.StatusAccepted, models.SubmitResponse{
		Success:    true,
		Message:    "crossing record accepted",
		EntityKeys: entityKeys,
	})
}

// Generate returns a randomized crossing record, useful for seeding and for
// pre-filling submission forms.
func (h *Handler) Generate(ctx echo.Context) error {
	_, span := tracing.StartSpan(ctx.Request().Context(), "submit.Handler.Generate")
	defer span.End()

	return ctx.JSON(http.StatusOK, h.generator.CrossingRecord())
}

func toDocument(v any) (document.Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return document.Parse(raw)
}
