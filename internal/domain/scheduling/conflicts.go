package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/telehealth/internal/domain/identity"
	"github.com/ehr/telehealth/internal/platform/fhir"
	"github.com/ehr/telehealth/internal/platform/syncerr"
)

// Overlaps reports whether the half-open intervals [aStart, aEnd) and
// [bStart, bEnd) intersect. Abutting intervals do not.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Conflicts lists the appointments of a patient that overlap a candidate
// interval, in each store.
type Conflicts struct {
	Local  []*Appointment
	Remote []*fhir.Appointment
}

func (c Conflicts) Any() bool {
	return len(c.Local) > 0 || len(c.Remote) > 0
}

// Exclude identifies the appointment being updated so it does not conflict
// with itself.
type Exclude struct {
	LocalID  *uuid.UUID
	RemoteID string
}

type ConflictDetector struct {
	appointments AppointmentRepository
	patients     PatientLookup
	remote       RemoteAppointments
}

func NewConflictDetector(appointments AppointmentRepository, patients PatientLookup, remote RemoteAppointments) *ConflictDetector {
	return &ConflictDetector{appointments: appointments, patients: patients, remote: remote}
}

// Find queries both stores concurrently. A patient without a local row or
// without a remote id has no conflicts. Failures come back as
// *syncerr.Error of kind Remote or Unexpected.
func (d *ConflictDetector) Find(ctx context.Context, patientID uuid.UUID, start, end time.Time, exclude Exclude) (Conflicts, error) {
	const op = "find conflicts"

	p, err := d.patients.GetByID(ctx, patientID)
	if errors.Is(err, identity.ErrNotFound) {
		return Conflicts{}, nil
	}
	if err != nil {
		return Conflicts{}, syncerr.Unexpected(op, err)
	}
	if p.FHIRPatientID == "" {
		return Conflicts{}, nil
	}

	var c Conflicts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		local, err := d.appointments.ListOverlapping(gctx, patientID, start, end, exclude.LocalID)
		if err != nil {
			return syncerr.Unexpected(op, err)
		}
		c.Local = local
		return nil
	})
	g.Go(func() error {
		remote, err := d.remote.SearchAppointmentsByPatient(gctx, p.FHIRPatientID)
		if err != nil {
			return syncerr.Remote(op, fhir.ReasonOf(err), err)
		}
		for _, a := range remote {
			if a.Start == nil || a.End == nil {
				continue
			}
			if exclude.RemoteID != "" && a.ID == exclude.RemoteID {
				continue
			}
			if Overlaps(*a.Start, *a.End, start, end) {
				c.Remote = append(c.Remote, a)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Conflicts{}, err
	}
	return c, nil
}
