package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/telehealth/internal/domain/identity"
	"github.com/ehr/telehealth/internal/platform/fhir"
)

var (
	ErrNotFound = errors.New("appointment not found")
	// ErrOverlap is the store refusing a second appointment for the same
	// patient in an overlapping interval.
	ErrOverlap        = errors.New("appointment overlaps another appointment of the patient")
	ErrRemoteIDTaken  = errors.New("remote appointment id already mirrored")
	ErrUnknownPatient = errors.New("appointment references an unknown patient")
)

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	Update(ctx context.Context, a *Appointment) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetByFHIRID(ctx context.Context, fhirID string) (*Appointment, error)
	// ListOverlapping returns the patient's appointments intersecting the
	// half-open interval [start, end), skipping excludeID when set.
	ListOverlapping(ctx context.Context, patientID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) ([]*Appointment, error)
	ListAll(ctx context.Context) ([]*Appointment, error)
	CountByPatient(ctx context.Context, patientID uuid.UUID) (int, error)
}

// RemoteAppointments is the Appointment half of the FHIR client.
// GetAppointment returns nil, nil when the server has no such resource.
type RemoteAppointments interface {
	GetAppointment(ctx context.Context, id string) (*fhir.Appointment, error)
	CreateAppointment(ctx context.Context, a *fhir.Appointment) (*fhir.Appointment, error)
	UpdateAppointment(ctx context.Context, id string, a *fhir.Appointment) (*fhir.Appointment, error)
	DeleteAppointment(ctx context.Context, id string) (bool, string)
	SearchAppointmentsByPatient(ctx context.Context, patientID string) ([]*fhir.Appointment, error)
}

// PatientLookup resolves a local patient id. It returns identity.ErrNotFound
// for unknown ids.
type PatientLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*identity.Patient, error)
}
