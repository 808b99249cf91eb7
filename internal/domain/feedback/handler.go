package feedback

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/suggestion"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := api.Group("/feedback", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	clinical.POST("", h.Submit)

	read := api.Group("/feedback", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleResearcher, auth.RoleAdmin))
	read.GET("/stats", h.Stats)
	read.GET("/timeline", h.Timeline)
}

func (h *Handler) Submit(c echo.Context) error {
	var fb Feedback
	if err := c.Bind(&fb); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		fb.ClinicianID = uid
	}

	res, err := h.svc.Submit(c.Request().Context(), &fb)
	if err != nil && res != nil {
		// Stored already; answering 500 would invite a duplicate retry.
		res.AdjustmentError = err.Error()
		return c.JSON(http.StatusCreated, res)
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidFeedback):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, suggestion.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "suggestion not found")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusCreated, res)
}

func daysParam(c echo.Context) (int, error) {
	v := c.QueryParam("days")
	if v == "" {
		return DefaultWindowDays, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "days must be a positive integer")
	}
	return n, nil
}

func readError(err error) error {
	if errors.Is(err, ErrInvalidFeedback) || errors.Is(err, ErrInvalidBucket) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) Stats(c echo.Context) error {
	days, err := daysParam(c)
	if err != nil {
		return err
	}
	st, err := h.svc.Stats(c.Request().Context(), days, c.QueryParam("source"))
	if err != nil {
		return readError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Timeline(c echo.Context) error {
	days, err := daysParam(c)
	if err != nil {
		return err
	}
	bucket := c.QueryParam("bucket")
	buckets, err := h.svc.Timeline(c.Request().Context(), days, bucket, c.QueryParam("source"))
	if err != nil {
		return readError(err)
	}
	if bucket == "" {
		bucket = BucketDay
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"bucket":   bucket,
		"days":     days,
		"timeline": buckets,
	})
}
