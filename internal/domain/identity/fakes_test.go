package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/fhir"
	"github.com/ehr/telehealth/internal/platform/hipaa"
)

// -- In-memory Patient Repository --

type memPatientRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient
	// referenced marks rows that appointments still point at.
	referenced map[uuid.UUID]bool
	createErr  error
	updateErr  error
	findErr    error
	creates    int
	// beforeDeleteOrphans runs between listing and deleting orphans.
	beforeDeleteOrphans func()
}

func newMemPatientRepo() *memPatientRepo {
	return &memPatientRepo{
		patients:   make(map[uuid.UUID]*Patient),
		referenced: make(map[uuid.UUID]bool),
	}
}

func (m *memPatientRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createErr != nil {
		return m.createErr
	}
	for _, existing := range m.patients {
		if p.FHIRPatientID != "" && existing.FHIRPatientID == p.FHIRPatientID {
			return fmt.Errorf("patient create: %w", ErrRemoteIDTaken)
		}
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *memPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPatientRepo) GetByFHIRID(_ context.Context, fhirID string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if fhirID != "" && p.FHIRPatientID == fhirID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memPatientRepo) FindByEmail(_ context.Context, email string) ([]*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []*Patient
	for _, p := range m.patients {
		if p.Email == email {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPatientRepo) Update(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.patients[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = time.Now()
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *memPatientRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[id]; !ok {
		return ErrNotFound
	}
	if m.referenced[id] {
		return fmt.Errorf("patient delete: %w", ErrPatientInUse)
	}
	delete(m.patients, id)
	return nil
}

func (m *memPatientRepo) ListLinked(_ context.Context) ([]*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Patient
	for _, p := range m.patients {
		if p.FHIRPatientID != "" {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPatientRepo) ListOrphans(_ context.Context) ([]*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Patient
	for _, p := range m.patients {
		if p.IsOrphan() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPatientRepo) DeleteOrphans(_ context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if m.beforeDeleteOrphans != nil {
		m.beforeDeleteOrphans()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if m.referenced[id] {
			return nil, fmt.Errorf("patient delete orphans: %w", ErrPatientInUse)
		}
	}
	var deleted []uuid.UUID
	for _, id := range ids {
		if p, ok := m.patients[id]; ok && p.IsOrphan() {
			delete(m.patients, id)
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// claim gives the row an owner, as a concurrent request would.
func (m *memPatientRepo) claim(id uuid.UUID, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[id].UserID = &owner
}

func (m *memPatientRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.patients)
}

// -- Fake FHIR server --

type fakeRemotePatients struct {
	mu        sync.Mutex
	patients  map[string]*fhir.Patient
	nextID    int
	createErr error
	updateErr error
	searchErr error
	deleteMsg string
	creates   int
	updates   int
	lastSent  *fhir.Patient
}

func newFakeRemotePatients() *fakeRemotePatients {
	return &fakeRemotePatients{patients: make(map[string]*fhir.Patient)}
}

func (f *fakeRemotePatients) GetPatient(_ context.Context, id string) (*fhir.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.patients[id]
	if !ok {
		return nil, nil
	}
	return clonePatient(p), nil
}

func (f *fakeRemotePatients) CreatePatient(_ context.Context, p *fhir.Patient) (*fhir.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.lastSent = clonePatient(p)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	stored := clonePatient(p)
	stored.ID = fmt.Sprintf("pat-%d", f.nextID)
	f.patients[stored.ID] = stored
	return clonePatient(stored), nil
}

func (f *fakeRemotePatients) UpdatePatient(_ context.Context, id string, p *fhir.Patient) (*fhir.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	f.lastSent = clonePatient(p)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	stored := clonePatient(p)
	stored.ID = id
	f.patients[id] = stored
	return clonePatient(stored), nil
}

func (f *fakeRemotePatients) DeletePatient(_ context.Context, id string) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.patients[id]; !ok {
		return false, "Patient not found"
	}
	if f.deleteMsg != "" {
		return false, "Deletion failed: " + f.deleteMsg
	}
	delete(f.patients, id)
	return true, "Deletion successful"
}

func (f *fakeRemotePatients) SearchPatientsByEmail(_ context.Context, email string) ([]*fhir.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []*fhir.Patient
	for _, p := range f.patients {
		for _, cp := range p.Telecom {
			if strings.EqualFold(cp.Value, email) {
				out = append(out, clonePatient(p))
				break
			}
		}
	}
	return out, nil
}

func (f *fakeRemotePatients) add(id, first, last, email string) *fhir.Patient {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := fhir.NewPatient()
	p.ID = id
	p.SetName(first, last)
	p.SetContact("email", email, "work")
	f.patients[id] = p
	return p
}

// clonePatient round-trips through JSON so the fake behaves like a real
// server: callers never share memory with stored resources.
func clonePatient(p *fhir.Patient) *fhir.Patient {
	data, err := p.MarshalJSON()
	if err != nil {
		panic(err)
	}
	out := fhir.NewPatient()
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
	err     error
}

func (a *memAudit) Record(_ context.Context, userID, action string, details any, resourceType, resourceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{userID, action, details, resourceType, resourceID})
	return a.err
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
	repo   *memPatientRepo
	remote *fakeRemotePatients
	audit  *memAudit
	codec  *hipaa.FieldCodec
	svc    *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	codec, err := hipaa.NewFieldCodec("test-encryption-key", "test-iv", hipaa.ModeLegacy, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := &harness{
		repo:   newMemPatientRepo(),
		remote: newFakeRemotePatients(),
		audit:  &memAudit{},
		codec:  codec,
	}
	h.svc = NewService(h.repo, h.remote, codec, h.audit, zerolog.Nop())
	return h
}

// expectSingleAudit fails unless exactly one event with action was written.
func (h *harness) expectSingleAudit(t *testing.T, action string) auditRecord {
	t.Helper()
	got := h.audit.actions()
	if len(got) != 1 || got[0] != action {
		t.Fatalf("expected exactly [%s], got %v", action, got)
	}
	return h.audit.records[0]
}

func janeDoe() PatientRequest {
	owner := "user-1"
	return PatientRequest{
		FirstName:   "Jane",
		LastName:    "Doe",
		Email:       "jane@example.com",
		BirthDate:   "1990-01-01",
		PhoneNumber: "555-0100",
		UserID:      &owner,
	}
}
