// Package dlq serves the dead letter queue inspection endpoints, used to
// review, requeue and discard parked change events.
package dlq

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/sastafford/crossy/pkg/redis"
	"github.com/sastafford/crossy/pkg/tracing"
)

// Publisher publishes requeued change events back onto the change topic.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte, headers map[string]string) error
}

// Handler serves the dead letter queue endpoints.
type Handler struct {
	queue     *redis.DeadLetterQueue
	publisher Publisher
}

func NewHandler(queue *redis.DeadLetterQueue, publisher Publisher) *Handler {
	return &Handler{queue: queue, publisher: publisher}
}

// RegisterRoutes registers the DLQ endpoints on the API group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/dlq", h.List)
	g.GET("/dlq/:id", h.Get)
	g.POST("/dlq/:id/requeue", h.Requeue)
	g.DELETE("/dlq/:id", h.Delete)
}

// List returns the newest parked entries and the total queue depth.
func (h *Handler) List(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "dlq.Handler.List")
	defer span.End()

	count, _ := strconv.ParseInt(ctx.QueryParam("count"), 10, 64)

	entries, err := h.queue.List(reqCtx, count)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to list dead letter entries")
	}

	total, err := h.queue.Count(reqCtx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to count dead letter entries")
	}

	return ctx.JSON(http.StatusOK, map[string]any{
		"items":       entries,
		"total_count": total,
	})
}

// Get returns one parked entry by its stream message id.
func (h *Handler) Get(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "dlq.Handler.Get")
	defer span.End()

	entry, err := h.queue.Get(reqCtx, ctx.Param("id"))
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get dead letter entry")
	}
	if entry == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "dead letter entry not found")
	}

	return ctx.JSON(http.StatusOK, entry)
}

// Requeue republishes a parked entry's payload to the change topic and removes
// it from the queue. The entry goes back through the full consume path, so a
// payload that is still malformed simply lands in the queue again.
func (h *Handler) Requeue(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "dlq.Handler.Requeue")
	defer span.End()

	id := ctx.Param("id")
	entry, err := h.queue.Get(reqCtx, id)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get dead letter entry")
	}
	if entry == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "dead letter entry not found")
	}

	headers := map[string]string{}
	if entry.Collection != "" {
		headers["collection"] = entry.Collection
	}
	if err := h.publisher.Publish(reqCtx, entry.EntityKey, entry.Payload, headers); err != nil {
		return httperror.NewHTTPError(http.StatusBadGateway, "failed to requeue dead letter entry")
	}

	if err := h.queue.Delete(reqCtx, id); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "requeued but failed to remove dead letter entry")
	}

	return ctx.NoContent(http.StatusAccepted)
}

// Delete discards a parked entry.
func (h *Handler) Delete(ctx echo.Context) error {
	reqCtx, span := tracing.StartSpan(ctx.Request().Context(), "dlq.Handler.Delete")
	defer span.End()

	if err := h.queue.Delete(reqCtx, ctx.Param("id")); err != nil {
		return httperror.NewHTTPError(http.StatusNotFound, "dead letter entry not found")
	}

	return ctx.NoContent(http.StatusNoContent)
}
