package scheduling

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

// RegisterRoutes mounts /appointments on api. The :id parameter is the
// remote Appointment id; patient_id in bodies is the local patient id.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/appointments", auth.RequireUser())
	g.POST("", h.CreateAppointment)
	g.GET("/:id", h.GetAppointment)
	g.PUT("/:id", h.UpdateAppointment)
	g.DELETE("/:id", h.DeleteAppointment)
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req AppointmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	v, err := h.svc.CreateAppointment(ctx, auth.UserIDFromContext(ctx), req)
	if err != nil {
		return syncerr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	ctx := c.Request().Context()
	v, err := h.svc.GetAppointment(ctx, auth.UserIDFromContext(ctx), c.Param("id"))
	if err != nil {
		return syncerr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	var req AppointmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := c.Param("id")
	if req.FHIRAppointmentID != "" && req.FHIRAppointmentID != id {
		return echo.NewHTTPError(http.StatusBadRequest, "fhir_appointment_id does not match the URL")
	}
	req.FHIRAppointmentID = id

	ctx := c.Request().Context()
	v, err := h.svc.UpdateAppointment(ctx, auth.UserIDFromContext(ctx), id, req)
	if err != nil {
		return syncerr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.svc.DeleteAppointment(ctx, auth.UserIDFromContext(ctx), c.Param("id")); err != nil {
		return syncerr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
