package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/domain/identity"
	"github.com/ehr/telehealth/internal/platform/fhir"
	"github.com/ehr/telehealth/internal/platform/hipaa"
)

// -- In-memory Appointment Repository --

// memAppointmentRepo enforces the same per-patient overlap and remote id
// rules as the database.
type memAppointmentRepo struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]*Appointment
	createErr    error
	updateErr    error
	listErr      error
}

func newMemAppointmentRepo() *memAppointmentRepo {
	return &memAppointmentRepo{appointments: make(map[uuid.UUID]*Appointment)}
}

func (m *memAppointmentRepo) check(a *Appointment) error {
	for _, existing := range m.appointments {
		if existing.ID == a.ID {
			continue
		}
		if a.FHIRAppointmentID != "" && existing.FHIRAppointmentID == a.FHIRAppointmentID {
			return ErrRemoteIDTaken
		}
		if existing.PatientID == a.PatientID && Overlaps(existing.StartTime, existing.EndTime, a.StartTime, a.EndTime) {
			return ErrOverlap
		}
	}
	return nil
}

func (m *memAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	a.ID = uuid.New()
	if err := m.check(a); err != nil {
		return fmt.Errorf("appointment create: %w", err)
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.appointments[a.ID] = &cp
	return nil
}

func (m *memAppointmentRepo) Update(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.appointments[a.ID]; !ok {
		return ErrNotFound
	}
	if err := m.check(a); err != nil {
		return fmt.Errorf("appointment update: %w", err)
	}
	a.UpdatedAt = time.Now()
	cp := *a
	m.appointments[a.ID] = &cp
	return nil
}

func (m *memAppointmentRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.appointments[id]; !ok {
		return ErrNotFound
	}
	delete(m.appointments, id)
	return nil
}

func (m *memAppointmentRepo) GetByFHIRID(_ context.Context, fhirID string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appointments {
		if fhirID != "" && a.FHIRAppointmentID == fhirID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memAppointmentRepo) ListOverlapping(_ context.Context, patientID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*Appointment
	for _, a := range m.appointments {
		if a.PatientID != patientID || (excludeID != nil && a.ID == *excludeID) {
			continue
		}
		if a.StartTime.Before(end) && a.EndTime.After(start) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memAppointmentRepo) ListAll(_ context.Context) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Appointment, 0, len(m.appointments))
	for _, a := range m.appointments {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *memAppointmentRepo) CountByPatient(_ context.Context, patientID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.appointments {
		if a.PatientID == patientID {
			n++
		}
	}
	return n, nil
}

func (m *memAppointmentRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appointments)
}

// -- Patient lookup --

type memPatients struct {
	patients map[uuid.UUID]*identity.Patient
	err      error
}

func (m *memPatients) GetByID(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.patients[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// -- Fake FHIR server --

type fakeRemoteAppointments struct {
	mu           sync.Mutex
	appointments map[string]*fhir.Appointment
	nextID       int
	createErr    error
	updateErr    error
	searchErr    error
	deleteMsg    string
	creates      int
	updates      int
	lastSent     *fhir.Appointment
}

func newFakeRemoteAppointments() *fakeRemoteAppointments {
	return &fakeRemoteAppointments{appointments: make(map[string]*fhir.Appointment)}
}

func (f *fakeRemoteAppointments) GetAppointment(_ context.Context, id string) (*fhir.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appointments[id]
	if !ok {
		return nil, nil
	}
	return cloneAppointment(a), nil
}

func (f *fakeRemoteAppointments) CreateAppointment(_ context.Context, a *fhir.Appointment) (*fhir.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.lastSent = cloneAppointment(a)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	stored := cloneAppointment(a)
	stored.ID = fmt.Sprintf("appt-%d", f.nextID)
	f.appointments[stored.ID] = stored
	return cloneAppointment(stored), nil
}

func (f *fakeRemoteAppointments) UpdateAppointment(_ context.Context, id string, a *fhir.Appointment) (*fhir.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	f.lastSent = cloneAppointment(a)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	stored := cloneAppointment(a)
	stored.ID = id
	f.appointments[id] = stored
	return cloneAppointment(stored), nil
}

func (f *fakeRemoteAppointments) DeleteAppointment(_ context.Context, id string) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.appointments[id]; !ok {
		return false, "Appointment not found"
	}
	if f.deleteMsg != "" {
		return false, "Deletion failed: " + f.deleteMsg
	}
	delete(f.appointments, id)
	return true, "Deletion successful"
}

func (f *fakeRemoteAppointments) SearchAppointmentsByPatient(_ context.Context, patientID string) ([]*fhir.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []*fhir.Appointment
	for _, a := range f.appointments {
		if a.PatientID() == patientID {
			out = append(out, cloneAppointment(a))
		}
	}
	return out, nil
}

func (f *fakeRemoteAppointments) add(id, patientID string, start, end time.Time) *fhir.Appointment {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := fhir.NewAppointment()
	a.ID = id
	a.Status = "booked"
	a.Start = &start
	a.End = &end
	a.SetPatient(patientID)
	f.appointments[id] = a
	return a
}

func cloneAppointment(a *fhir.Appointment) *fhir.Appointment {
	data, err := a.MarshalJSON()
	if err != nil {
		panic(err)
	}
	out := fhir.NewAppointment()
	if err := out.UnmarshalJSON(data); err != nil {
		panic(err)
	}
	return out
}

// -- Audit recorder --

type auditRecord struct {
	UserID     string
	Action     string
	Details    any
	Type       string
	ResourceID string
}

type memAudit struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *memAudit) Record(_ context.Context, userID, action string, details any, resourceType, resourceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{userID, action, details, resourceType, resourceID})
	return nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.records))
	for i, r := range a.records {
		out[i] = r.Action
	}
	return out
}

func (a *memAudit) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = nil
}

// -- Harness --

type harness struct {
	repo     *memAppointmentRepo
	patients *memPatients
	remote   *fakeRemoteAppointments
	audit    *memAudit
	codec    *hipaa.FieldCodec
	svc      *Service

	// patient is linked to remote Patient "pat-1"; unlinked has no remote id.
	patient  uuid.UUID
	unlinked uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	codec, err := hipaa.NewFieldCodec("test-encryption-key", "test-iv", hipaa.ModeLegacy, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := &harness{
		repo:     newMemAppointmentRepo(),
		patients: &memPatients{patients: make(map[uuid.UUID]*identity.Patient)},
		remote:   newFakeRemoteAppointments(),
		audit:    &memAudit{},
		codec:    codec,
		patient:  uuid.New(),
		unlinked: uuid.New(),
	}
	h.patients.patients[h.patient] = &identity.Patient{ID: h.patient, FHIRPatientID: "pat-1", Email: "jane@example.com"}
	h.patients.patients[h.unlinked] = &identity.Patient{ID: h.unlinked, Email: "ghost@example.com"}
	h.svc = NewService(h.repo, h.patients, h.remote, codec, h.audit, zerolog.Nop())
	return h
}

func (h *harness) expectSingleAudit(t *testing.T, action string) auditRecord {
	t.Helper()
	got := h.audit.actions()
	if len(got) != 1 || got[0] != action {
		t.Fatalf("expected exactly [%s], got %v", action, got)
	}
	return h.audit.records[0]
}

// at returns 2025-01-01 at hh:mm UTC.
func at(hh, mm int) time.Time {
	return time.Date(2025, 1, 1, hh, mm, 0, 0, time.UTC)
}

func (h *harness) request(start, end time.Time) AppointmentRequest {
	return AppointmentRequest{PatientID: h.patient, StartTime: start, EndTime: end, Status: StatusBooked}
}
