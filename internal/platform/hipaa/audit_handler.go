package hipaa

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/pkg/pagination"
)

// AuditHistory is the read side of the audit log.
type AuditHistory interface {
	ListByResource(ctx context.Context, resourceType, resourceID string, page pagination.Params) ([]*AuditEvent, int, error)
}

// auditedTypes are the resource types the sync services write events for.
var auditedTypes = map[string]bool{
	"Patient":     true,
	"Appointment": true,
}

type AuditHandler struct {
	history AuditHistory
}

func NewAuditHandler(history AuditHistory) *AuditHandler {
	return &AuditHandler{history: history}
}

// RegisterRoutes mounts GET /audit/:type/:id on g. Access control is the
// caller's middleware.
func (h *AuditHandler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.GET("/audit/:type/:id", h.ListByResource, mw...)
}

func (h *AuditHandler) ListByResource(c echo.Context) error {
	resourceType := c.Param("type")
	if !auditedTypes[resourceType] {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported resource type "+resourceType)
	}
	page := pagination.FromContext(c)
	events, total, err := h.history.ListByResource(c.Request().Context(), resourceType, c.Param("id"), page)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "audit history unavailable")
	}
	if events == nil {
		events = []*AuditEvent{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, page))
}
