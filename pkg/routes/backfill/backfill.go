// Package backfill exposes the backfill run ledger for operators checking
// whether an export pass already ran.
package backfill

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/sastafford/crossy/internal/repositories/backfillrun"
	"github.com/sastafford/crossy/pkg/tracing"
)

// Handler serves the backfill run endpoints.
type Handler struct {
	runs *backfillrun.Repository
}

func NewHandler(runs *backfillrun.Repository) *Handler {
	return &Handler{runs: runs}
}

// RegisterRoutes registers the backfill run endpoints on the API group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/backfill-runs", h.List)
	g.GET("/backfill-runs/:run_key", h.Get)
}

// List returns ledger rows, newest first.
func (h *Handler) List(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "backfill.Handler.List")
	defer span.End()

	limit, _ := strconv.Atoi(ctx.QueryParam("limit"))
	runs, err := h.runs.List(reqCtx, limit)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, map[string]any{"items": runs, "total_count": len(runs)})
}

// Get returns a single run by its run key.
func (h *Handler) Get(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "backfill.Handler.Get")
	defer span.End()

	run, err := h.runs.Get(reqCtx, ctx.Param("run_key"))
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, run)
}
