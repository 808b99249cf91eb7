package suggestion

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/clinicaldata"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/auth"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/imagestore"
	"github.com/kvshw/phd-ehr-software-sub001/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Scoring endpoints – clinicians only
	clinical := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	clinical.POST("/patients/:id/risk-assessment", h.AssessVitalRisk)
	clinical.POST("/patients/:id/images/:image_id/analysis", h.AnalyzeImage)
	clinical.POST("/patients/:id/suggestions/generate", h.Generate)
	clinical.POST("/suggestions", h.Create)

	read := api.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleResearcher))
	read.GET("/suggestions", h.ListByPatient)
	read.GET("/suggestions/:id", h.Get)
}

func patientParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

func loadError(err error) error {
	switch {
	case errors.Is(err, clinicaldata.ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, imagestore.ErrImageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "image not found")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "suggestion not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) AssessVitalRisk(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	ra, err := h.svc.AssessVitalRisk(c.Request().Context(), patientID)
	if err != nil {
		return loadError(err)
	}
	return c.JSON(http.StatusOK, ra)
}

func (h *Handler) AnalyzeImage(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	imageID, err := uuid.Parse(c.Param("image_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid image id")
	}
	f, err := h.svc.AnalyzeImage(c.Request().Context(), patientID, imageID)
	if err != nil {
		return loadError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) Generate(c echo.Context) error {
	patientID, err := patientParam(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Generate(c.Request().Context(), patientID)
	if err != nil {
		return loadError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"patient_id":  patientID,
		"suggestions": items,
	})
}

func (h *Handler) Create(c echo.Context) error {
	var sg Suggestion
	if err := c.Bind(&sg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), &sg); err != nil {
		if errors.Is(err, ErrInvalidSuggestion) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, sg)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sg, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return loadError(err)
	}
	return c.JSON(http.StatusOK, sg)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id query parameter is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}
