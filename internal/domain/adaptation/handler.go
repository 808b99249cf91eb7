package adaptation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/auth"
)

type Handler struct {
	adj *Adjuster
}

func NewHandler(adj *Adjuster) *Handler {
	return &Handler{adj: adj}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/adaptation", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleResearcher, auth.RoleAdmin))
	read.GET("/adjustments", h.ListAdjustments)
	read.GET("/adjustments/:source", h.GetAdjustment)
	read.GET("/learning-events", h.History)

	admin := api.Group("/adaptation", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/evaluate", h.Evaluate)
}

func (h *Handler) ListAdjustments(c echo.Context) error {
	return c.JSON(http.StatusOK, h.adj.Adjustments())
}

func (h *Handler) GetAdjustment(c echo.Context) error {
	adj, err := h.adj.Get(c.Param("source"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, adj)
}

func (h *Handler) History(c echo.Context) error {
	limit := DefaultHistoryLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	events, err := h.adj.History(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if events == nil {
		events = []*LearningEvent{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"learning_events": events,
		"count":           len(events),
	})
}

// Evaluate runs the adjuster for ?source=, or for every source when it is
// omitted.
func (h *Handler) Evaluate(c echo.Context) error {
	ctx := c.Request().Context()
	var events []*LearningEvent

	if source := c.QueryParam("source"); source != "" {
		ev, err := h.adj.Evaluate(ctx, source)
		if err != nil {
			if errors.Is(err, ErrUnknownSource) {
				return echo.NewHTTPError(http.StatusNotFound, err.Error())
			}
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if ev != nil {
			events = append(events, ev)
		}
	} else {
		evs, err := h.adj.EvaluateAll(ctx)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		events = evs
	}

	if events == nil {
		events = []*LearningEvent{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"learning_events": events,
		"adjustments":     h.adj.Adjustments(),
	})
}
