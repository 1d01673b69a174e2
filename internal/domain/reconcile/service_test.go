package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/domain/identity"
	"github.com/ehr/telehealth/internal/domain/scheduling"
	"github.com/ehr/telehealth/internal/platform/fhir"
	"github.com/ehr/telehealth/internal/platform/hipaa"
)

// -- Fakes --
// Embedded interfaces panic on methods a pass must never call.

type memPatients struct {
	identity.PatientRepository
	rows      map[uuid.UUID]*identity.Patient
	deleteErr error
}

func (m *memPatients) ListLinked(context.Context) ([]*identity.Patient, error) {
	var out []*identity.Patient
	for _, p := range m.rows {
		if p.FHIRPatientID != "" {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPatients) Update(_ context.Context, p *identity.Patient) error {
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}

func (m *memPatients) Delete(_ context.Context, id uuid.UUID) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.rows, id)
	return nil
}

type memAppointments struct {
	scheduling.AppointmentRepository
	rows    map[uuid.UUID]*scheduling.Appointment
	listErr error
}

func (m *memAppointments) ListAll(context.Context) ([]*scheduling.Appointment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*scheduling.Appointment
	for _, a := range m.rows {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memAppointments) Update(_ context.Context, a *scheduling.Appointment) error {
	cp := *a
	m.rows[a.ID] = &cp
	return nil
}

func (m *memAppointments) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.rows, id)
	return nil
}

func (m *memAppointments) CountByPatient(_ context.Context, patientID uuid.UUID) (int, error) {
	n := 0
	for _, a := range m.rows {
		if a.PatientID == patientID {
			n++
		}
	}
	return n, nil
}

type fakeRemote struct {
	patients     map[string]*fhir.Patient
	appointments map[string]*fhir.Appointment
	err          error
}

func (f *fakeRemote) GetPatient(_ context.Context, id string) (*fhir.Patient, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.patients[id], nil
}

func (f *fakeRemote) GetAppointment(_ context.Context, id string) (*fhir.Appointment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.appointments[id], nil
}

type memAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *memAudit) Record(_ context.Context, _, action string, _ any, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	return nil
}

func (a *memAudit) count(action string) int {
	n := 0
	for _, got := range a.actions {
		if got == action {
			n++
		}
	}
	return n
}

type harness struct {
	patients     *memPatients
	appointments *memAppointments
	remote       *fakeRemote
	audit        *memAudit
	legacy       *hipaa.FieldCodec
	svc          *Service
}

func newHarness(t *testing.T, mode hipaa.Mode) *harness {
	t.Helper()
	legacy, err := hipaa.NewFieldCodec("test-encryption-key", "test-iv", hipaa.ModeLegacy, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	codec, err := hipaa.NewFieldCodec("test-encryption-key", "test-iv", mode, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := &harness{
		patients:     &memPatients{rows: make(map[uuid.UUID]*identity.Patient)},
		appointments: &memAppointments{rows: make(map[uuid.UUID]*scheduling.Appointment)},
		remote:       &fakeRemote{patients: make(map[string]*fhir.Patient), appointments: make(map[string]*fhir.Appointment)},
		audit:        &memAudit{},
		legacy:       legacy,
	}
	h.svc = NewService(h.patients, h.appointments, h.remote, codec, h.audit, zerolog.Nop())
	return h
}

func at(hh int) time.Time {
	return time.Date(2025, 1, 1, hh, 0, 0, 0, time.UTC)
}

func (h *harness) addPatient(t *testing.T, fhirID string, remote bool) *identity.Patient {
	t.Helper()
	name, err := h.legacy.Encrypt("Jane Doe")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := &identity.Patient{ID: uuid.New(), FHIRPatientID: fhirID, EncryptedName: name}
	h.patients.rows[p.ID] = p
	if remote {
		rp := fhir.NewPatient()
		rp.ID = fhirID
		h.remote.patients[fhirID] = rp
	}
	return p
}

func (h *harness) addAppointment(patient uuid.UUID, fhirID string, start, end time.Time, remote *fhir.Appointment) *scheduling.Appointment {
	a := &scheduling.Appointment{
		ID:                uuid.New(),
		FHIRAppointmentID: fhirID,
		PatientID:         patient,
		StartTime:         start,
		EndTime:           end,
		Status:            scheduling.StatusBooked,
	}
	h.appointments.rows[a.ID] = a
	if remote != nil {
		remote.ID = fhirID
		h.remote.appointments[fhirID] = remote
	}
	return a
}

func remoteAppointment(status string, start, end time.Time) *fhir.Appointment {
	a := fhir.NewAppointment()
	a.Status = status
	a.Start = &start
	a.End = &end
	return a
}

// -- Tests --

func TestRun_InSyncIsNoop(t *testing.T) {
	h := newHarness(t, hipaa.ModeLegacy)
	p := h.addPatient(t, "pat-1", true)
	h.addAppointment(p.ID, "a1", at(9), at(10), remoteAppointment("booked", at(9), at(10)))

	rep, err := h.svc.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Repairs() != 0 || rep.Failures != 0 || len(h.audit.actions) != 0 {
		t.Errorf("expected no repairs, got %+v audits=%v", rep, h.audit.actions)
	}
	if rep.AppointmentsChecked != 1 || rep.PatientsChecked != 1 {
		t.Errorf("unexpected counts %+v", rep)
	}
}

func TestRun_RepairsDrift(t *testing.T) {
	h := newHarness(t, hipaa.ModeLegacy)
	p := h.addPatient(t, "pat-1", true)
	drifted := h.addAppointment(p.ID, "moved", at(9), at(10), remoteAppointment("cancelled", at(11), at(12)))
	gone := h.addAppointment(p.ID, "gone", at(13), at(14), nil)

	rep, err := h.svc.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.AppointmentsUpdated != 1 || rep.AppointmentsRemoved != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got := h.appointments.rows[drifted.ID]
	if !got.StartTime.Equal(at(11)) || !got.EndTime.Equal(at(12)) || got.Status != scheduling.StatusCancelled {
		t.Errorf("drift not repaired: %+v", got)
	}
	if _, ok := h.appointments.rows[gone.ID]; ok {
		t.Error("appointment missing remotely should be removed")
	}
	if h.audit.count(ActionAppointmentUpdated) != 1 || h.audit.count(ActionAppointmentRemoved) != 1 {
		t.Errorf("unexpected audits %v", h.audit.actions)
	}

	again, err := h.svc.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Repairs() != 0 {
		t.Errorf("second pass should find nothing, got %+v", again)
	}
}

func TestRun_PatientGoneRemotely(t *testing.T) {
	h := newHarness(t, hipaa.ModeLegacy)
	free := h.addPatient(t, "pat-free", false)
	busy := h.addPatient(t, "pat-busy", false)
	h.addAppointment(busy.ID, "a1", at(9), at(10), remoteAppointment("booked", at(9), at(10)))
	unlinked := h.addPatient(t, "", false)

	rep, err := h.svc.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.PatientsRemoved != 1 || rep.PatientsRetained != 1 || rep.PatientsChecked != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if _, ok := h.patients.rows[free.ID]; ok {
		t.Error("patient without appointments should be removed")
	}
	if _, ok := h.patients.rows[busy.ID]; !ok {
		t.Error("patient with appointments must be retained")
	}
	if _, ok := h.patients.rows[unlinked.ID]; !ok {
		t.Error("unlinked patient is not checked")
	}
	if h.audit.count(ActionPatientRemoved) != 1 || h.audit.count(ActionPatientRetained) != 1 {
		t.Errorf("unexpected audits %v", h.audit.actions)
	}
}

func TestRun_PatientFreedInSamePass(t *testing.T) {
	h := newHarness(t, hipaa.ModeLegacy)
	p := h.addPatient(t, "pat-1", false)
	h.addAppointment(p.ID, "gone", at(9), at(10), nil)

	rep, err := h.svc.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.AppointmentsRemoved != 1 || rep.PatientsRemoved != 1 {
		t.Errorf("unexpected report %+v", rep)
	}
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	h := newHarness(t, hipaa.ModeSealed)
	p := h.addPatient(t, "pat-1", true)
	h.addPatient(t, "pat-gone", false)
	drifted := h.addAppointment(p.ID, "moved", at(9), at(10), remoteAppointment("booked", at(11), at(12)))
	h.addAppointment(p.ID, "gone", at(13), at(14), nil)

	rep, err := h.svc.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rep.DryRun || rep.AppointmentsUpdated != 1 || rep.AppointmentsRemoved != 1 || rep.PatientsRemoved != 1 || rep.Reencrypted != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(h.appointments.rows) != 2 || len(h.patients.rows) != 2 {
		t.Error("dry run must not delete")
	}
	if !h.appointments.rows[drifted.ID].StartTime.Equal(at(9)) {
		t.Error("dry run must not update")
	}
	if !h.svc.codec.NeedsUpgrade(h.patients.rows[p.ID].EncryptedName) {
		t.Error("dry run must not re-encrypt")
	}
	if len(h.audit.actions) != 0 {
		t.Errorf("dry run must not audit, got %v", h.audit.actions)
	}
}

func TestRun_ReencryptsLegacyValues(t *testing.T) {
	h := newHarness(t, hipaa.ModeSealed)
	p := h.addPatient(t, "pat-1", true)
	desc, err := h.legacy.Encrypt("intake call")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := h.addAppointment(p.ID, "a1", at(9), at(10), remoteAppointment("booked", at(9), at(10)))
	a.Description = &desc

	rep, err := h.svc.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Reencrypted != 2 || rep.AppointmentsUpdated != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}

	name := h.patients.rows[p.ID].EncryptedName
	if h.svc.codec.NeedsUpgrade(name) {
		t.Error("name still in legacy form")
	}
	if plain, err := h.svc.codec.DecryptStrict(name); err != nil || plain != "Jane Doe" {
		t.Errorf("name = %q, %v", plain, err)
	}
	stored := h.appointments.rows[a.ID].Description
	if plain, err := h.svc.codec.DecryptStrict(*stored); err != nil || plain != "intake call" {
		t.Errorf("description = %q, %v", plain, err)
	}
	if h.audit.count(ActionReencrypted) != 2 {
		t.Errorf("unexpected audits %v", h.audit.actions)
	}
}

func TestRun_FailuresAreCounted(t *testing.T) {
	h := newHarness(t, hipaa.ModeLegacy)
	p := h.addPatient(t, "pat-1", true)
	h.addAppointment(p.ID, "a1", at(9), at(10), remoteAppointment("booked", at(9), at(10)))
	h.remote.err = &fhir.RemoteError{Status: 503}

	rep, err := h.svc.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("row failures must not abort the pass: %v", err)
	}
	if rep.Failures != 2 || h.audit.count(ActionFailed) != 2 {
		t.Errorf("unexpected report %+v audits=%v", rep, h.audit.actions)
	}
}

func TestRun_ListFailureAborts(t *testing.T) {
	h := newHarness(t, hipaa.ModeLegacy)
	h.appointments.listErr = errors.New("db down")
	if _, err := h.svc.Run(context.Background(), false); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoop_StopsOnCancel(t *testing.T) {
	h := newHarness(t, hipaa.ModeLegacy)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.svc.Loop(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
