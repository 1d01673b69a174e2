package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/telehealth/internal/platform/fhir"
)

var (
	ErrNotFound = errors.New("patient not found")
	// ErrPatientInUse is returned when appointments still reference the row.
	ErrPatientInUse = errors.New("patient is referenced by appointments")
	// ErrRemoteIDTaken is returned when another row already mirrors the
	// same remote patient.
	ErrRemoteIDTaken = errors.New("remote patient id already mirrored")
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByFHIRID(ctx context.Context, fhirID string) (*Patient, error)
	FindByEmail(ctx context.Context, email string) ([]*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListLinked(ctx context.Context) ([]*Patient, error)
	ListOrphans(ctx context.Context) ([]*Patient, error)
	// DeleteOrphans returns the ids it actually removed.
	DeleteOrphans(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
}

// RemotePatients is the Patient half of the FHIR client. GetPatient returns
// nil, nil when the server has no such resource.
type RemotePatients interface {
	GetPatient(ctx context.Context, id string) (*fhir.Patient, error)
	CreatePatient(ctx context.Context, p *fhir.Patient) (*fhir.Patient, error)
	UpdatePatient(ctx context.Context, id string, p *fhir.Patient) (*fhir.Patient, error)
	DeletePatient(ctx context.Context, id string) (bool, string)
	SearchPatientsByEmail(ctx context.Context, email string) ([]*fhir.Patient, error)
}
