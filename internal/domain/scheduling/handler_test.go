package scheduling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/auth"
	"github.com/ehr/telehealth/internal/platform/fhir"
)

func newTestServer(t *testing.T, userID string) (*echo.Echo, *harness) {
	t.Helper()
	h := newHarness(t)
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if userID != "" {
				ctx := auth.WithUser(c.Request().Context(), userID, []string{"scheduler"})
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	})
	NewHandler(h.svc).RegisterRoutes(e.Group("/api"))
	return e, h
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func appointmentJSON(h *harness, start, end string) string {
	return fmt.Sprintf(`{"patient_id":%q,"start_time":%q,"end_time":%q,"status":"Booked","description":"intake call"}`,
		h.patient, start, end)
}

func TestHandler_AppointmentLifecycle(t *testing.T) {
	e, h := newTestServer(t, "user-1")

	rec := doJSON(e, http.MethodPost, "/api/appointments", appointmentJSON(h, "2025-01-01T09:00:00Z", "2025-01-01T09:30:00Z"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created AppointmentView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec = doJSON(e, http.MethodGet, "/api/appointments/"+created.FHIRAppointmentID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got AppointmentView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Description == nil || *got.Description != "intake call" || got.Status != StatusBooked {
		t.Errorf("unexpected body %+v", got)
	}

	rec = doJSON(e, http.MethodPut, "/api/appointments/"+created.FHIRAppointmentID,
		appointmentJSON(h, "2025-01-01T10:00:00Z", "2025-01-01T10:30:00Z"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodDelete, "/api/appointments/"+created.FHIRAppointmentID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if h.repo.count() != 0 {
		t.Error("local mirror should be gone")
	}
}

func TestHandler_AppointmentErrorStatuses(t *testing.T) {
	e, h := newTestServer(t, "user-1")
	if rec := doJSON(e, http.MethodPost, "/api/appointments", appointmentJSON(h, "2025-01-01T09:00:00Z", "2025-01-01T09:30:00Z")); rec.Code != http.StatusCreated {
		t.Fatalf("setup failed: %d", rec.Code)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"overlap", http.MethodPost, "/api/appointments", appointmentJSON(h, "2025-01-01T09:15:00Z", "2025-01-01T09:45:00Z"), http.StatusConflict},
		{"bad range", http.MethodPost, "/api/appointments", appointmentJSON(h, "2025-01-01T10:00:00Z", "2025-01-01T09:00:00Z"), http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/appointments", `{"start_time":"yesterday"}`, http.StatusBadRequest},
		{"missing", http.MethodGet, "/api/appointments/nope", "", http.StatusNotFound},
		{"id mismatch", http.MethodPut, "/api/appointments/appt-1", `{"fhir_appointment_id":"appt-2"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(e, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	h.remote.deleteMsg = "locked"
	rec := doJSON(e, http.MethodDelete, "/api/appointments/appt-1", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var outcome fhir.OperationOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("expected an OperationOutcome body: %v", err)
	}
	if outcome.Reason() != "Deletion failed: locked" {
		t.Errorf("unexpected outcome reason %q", outcome.Reason())
	}
}

func TestHandler_AppointmentsRequireUser(t *testing.T) {
	e, _ := newTestServer(t, "")
	rec := doJSON(e, http.MethodGet, "/api/appointments/appt-1", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
