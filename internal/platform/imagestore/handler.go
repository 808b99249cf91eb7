package imagestore

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/auth"
	"github.com/kvshw/phd-ehr-software-sub001/pkg/pagination"
)

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	write := g.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse))
	write.POST("/images", h.Upload)

	read := g.Group("", auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleResearcher))
	read.GET("/patients/:id/images", h.ListByPatient)
}

// Upload accepts multipart fields file, patient_id and image_type.
func (h *Handler) Upload(c echo.Context) error {
	patientID, err := uuid.Parse(c.FormValue("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}

	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	meta := Image{
		PatientID: patientID,
		ImageType: c.FormValue("image_type"),
		FileName:  file.Filename,
		CreatedBy: auth.UserIDFromContext(c.Request().Context()),
	}

	img, err := h.store.Put(c.Request().Context(), meta, src)
	if err != nil {
		switch {
		case errors.Is(err, ErrImageTooLarge), errors.Is(err, ErrTooManyPixels):
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, ErrInvalidContentType):
			return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
		case errors.Is(err, ErrMissingPatient), errors.Is(err, ErrInvalidImageType), errors.Is(err, ErrEmptyImage):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusCreated, img)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	pg := pagination.FromContext(c)

	items, total, err := h.store.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}
