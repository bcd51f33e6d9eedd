// Package capture serves the raw capture store endpoints: listing and
// inspecting the append-only capture log, plus manual ingestion for ad-hoc
// loads.
package capture

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/sastafford/crossy/internal/repositories/rawcapture"
	"github.com/sastafford/crossy/pkg/models"
	"github.com/sastafford/crossy/pkg/tracing"
)

// Handler serves the raw capture endpoints.
type Handler struct {
	captures *rawcapture.Repository
	validate *validator.Validate
}

func NewHandler(captures *rawcapture.Repository, validate *validator.Validate) *Handler {
	return &Handler{
		captures: captures,
		validate: validate,
	}
}

// RegisterRoutes registers the capture endpoints on the API group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/captures", h.List)
	g.GET("/captures/:id", h.Get)
	g.POST("/captures", h.Create)
}

// List returns a page of raw captures, newest first. Results can be filtered
// by collection and provenance query parameters.
func (h *Handler) List(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "capture.Handler.List")
	defer span.End()

	collection := ctx.QueryParam("collection")
	if collection != "" && !models.IsKnownCollection(collection) {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown collection %q", collection)
	}

	provenance := models.Provenance(ctx.QueryParam("provenance"))
	if provenance != "" && !provenance.IsValid() {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown provenance %q", provenance)
	}

	page, _ := strconv.Atoi(ctx.QueryParam("page"))
	pageSize, _ := strconv.Atoi(ctx.QueryParam("page_size"))

	captures, total, err := h.captures.List(reqCtx, collection, provenance, page, pageSize)
	if err != nil {
		return err
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	return ctx.JSON(http.StatusOK, models.RawCaptureListResponse{
		Items:      captures,
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
	})
}

// Get returns a single raw capture by id.
func (h *Handler) Get(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "capture.Handler.Get")
	defer span.End()

	capture, err := h.captures.Get(reqCtx, ctx.Param("id"))
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, capture)
}

// Create appends a raw capture to the store. The payload is stored exactly as
// received; interpretation is deferred to normalization, so a payload the
// normalizer would reject is still accepted here.
func (h *Handler) Create(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "capture.Handler.Create")
	defer span.End()

	var req models.CreateRawCaptureRequest
	if err := ctx.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid capture: %v", err)
	}
	if !models.IsKnownCollection(req.Collection) {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown collection %q", req.Collection)
	}

	capture, err := h.captures.Ingest(reqCtx, req.Collection, req.Provenance, req.Payload)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusCreated, capture)
}
