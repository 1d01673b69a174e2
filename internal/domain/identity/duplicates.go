package identity

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/telehealth/internal/platform/fhir"
	"github.com/ehr/telehealth/internal/platform/syncerr"
)

// DuplicateMatches holds every patient, local or remote, sharing an email.
type DuplicateMatches struct {
	Local  []*Patient
	Remote []*fhir.Patient
}

func (m DuplicateMatches) Any() bool {
	return len(m.Local) > 0 || len(m.Remote) > 0
}

// Excluding drops the record being updated from the matches.
func (m DuplicateMatches) Excluding(localID uuid.UUID, remoteID string) DuplicateMatches {
	var out DuplicateMatches
	for _, p := range m.Local {
		if p.ID != localID {
			out.Local = append(out.Local, p)
		}
	}
	for _, p := range m.Remote {
		if remoteID == "" || p.ID != remoteID {
			out.Remote = append(out.Remote, p)
		}
	}
	return out
}

// DuplicateDetector looks an email up in both stores at once. The check is
// advisory; emails are not unique in either store.
type DuplicateDetector struct {
	patients PatientRepository
	remote   RemotePatients
}

func NewDuplicateDetector(patients PatientRepository, remote RemotePatients) *DuplicateDetector {
	return &DuplicateDetector{patients: patients, remote: remote}
}

// Find returns a *syncerr.Error of kind Remote when the search on the
// clinical server fails and Unexpected when the local query fails.
func (d *DuplicateDetector) Find(ctx context.Context, email string) (DuplicateMatches, error) {
	var m DuplicateMatches
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		local, err := d.patients.FindByEmail(gctx, email)
		if err != nil {
			return syncerr.Unexpected("find duplicates", err)
		}
		m.Local = local
		return nil
	})
	g.Go(func() error {
		remote, err := d.remote.SearchPatientsByEmail(gctx, email)
		if err != nil {
			return syncerr.Remote("find duplicates", fhir.ReasonOf(err), err)
		}
		m.Remote = remote
		return nil
	})
	if err := g.Wait(); err != nil {
		return DuplicateMatches{}, err
	}
	return m, nil
}
