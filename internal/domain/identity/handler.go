package identity

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/auth"
	"github.com/ehr/telehealth/internal/platform/syncerr"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts /patients on api. The :id parameter is always the
// remote Patient id.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/patients", auth.RequireUser())
	g.POST("", h.CreatePatient)
	g.GET("/:id", h.GetPatient)
	g.PUT("/:id", h.UpdatePatient)
	g.DELETE("/:id", h.DeletePatient)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var req PatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	v, err := h.svc.CreatePatient(ctx, auth.UserIDFromContext(ctx), req)
	if err != nil {
		return syncerr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetPatient(c echo.Context) error {
	ctx := c.Request().Context()
	v, err := h.svc.GetPatient(ctx, auth.UserIDFromContext(ctx), c.Param("id"))
	if err != nil {
		return syncerr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	var req PatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := c.Param("id")
	if req.FHIRPatientID != "" && req.FHIRPatientID != id {
		return echo.NewHTTPError(http.StatusBadRequest, "fhir_patient_id does not match the URL")
	}
	req.FHIRPatientID = id

	ctx := c.Request().Context()
	v, err := h.svc.UpdatePatient(ctx, auth.UserIDFromContext(ctx), id, req)
	if err != nil {
		return syncerr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.svc.DeletePatient(ctx, auth.UserIDFromContext(ctx), c.Param("id")); err != nil {
		return syncerr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
