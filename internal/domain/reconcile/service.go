// Package reconcile repairs drift between the remote FHIR server and the
// local mirror tables. Writes go to the server first and are never rolled
// back, so a local failure after a remote success leaves the two stores
// apart until a reconcile pass runs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/domain/identity"
	"github.com/ehr/telehealth/internal/domain/scheduling"
	"github.com/ehr/telehealth/internal/platform/fhir"
	"github.com/ehr/telehealth/internal/platform/hipaa"
)

// Actor is the audit user id of reconcile passes.
const Actor = "system:reconcile"

const (
	ActionAppointmentRemoved = "RECONCILE_APPOINTMENT_REMOVED"
	ActionAppointmentUpdated = "RECONCILE_APPOINTMENT_UPDATED"
	ActionPatientRemoved     = "RECONCILE_PATIENT_REMOVED"
	ActionPatientRetained    = "RECONCILE_PATIENT_RETAINED"
	ActionReencrypted        = "RECONCILE_REENCRYPTED"
	ActionFailed             = "RECONCILE_FAILED"
)

// Recoder is the part of hipaa.FieldCodec a pass needs to move stored
// ciphertext to the codec's current mode.
type Recoder interface {
	Encrypt(plaintext string) (string, error)
	DecryptStrict(ciphertext string) (string, error)
	NeedsUpgrade(ciphertext string) bool
}

type Remote interface {
	GetPatient(ctx context.Context, id string) (*fhir.Patient, error)
	GetAppointment(ctx context.Context, id string) (*fhir.Appointment, error)
}

// Report counts what a pass found and, unless it was a dry run, repaired.
type Report struct {
	DryRun              bool `json:"dry_run"`
	AppointmentsChecked int  `json:"appointments_checked"`
	AppointmentsRemoved int  `json:"appointments_removed"`
	AppointmentsUpdated int  `json:"appointments_updated"`
	PatientsChecked     int  `json:"patients_checked"`
	PatientsRemoved     int  `json:"patients_removed"`
	PatientsRetained    int  `json:"patients_retained"`
	Reencrypted         int  `json:"reencrypted"`
	Failures            int  `json:"failures"`
}

func (r *Report) Repairs() int {
	return r.AppointmentsRemoved + r.AppointmentsUpdated + r.PatientsRemoved + r.Reencrypted
}

type Service struct {
	patients     identity.PatientRepository
	appointments scheduling.AppointmentRepository
	remote       Remote
	codec        Recoder
	audit        hipaa.AuditTrail
	logger       zerolog.Logger
}

func NewService(patients identity.PatientRepository, appointments scheduling.AppointmentRepository, remote Remote, codec Recoder, audit hipaa.AuditTrail, logger zerolog.Logger) *Service {
	return &Service{
		patients:     patients,
		appointments: appointments,
		remote:       remote,
		codec:        codec,
		audit:        audit,
		logger:       logger.With().Str("component", "reconcile").Logger(),
	}
}

// Run makes one pass. Appointments go first so a patient whose last
// appointment disappeared remotely can be removed in the same pass.
// Per-row failures are counted and logged; only a failure to list a table
// aborts the pass. A dry run reads everything and writes nothing.
func (s *Service) Run(ctx context.Context, dryRun bool) (*Report, error) {
	rep := &Report{DryRun: dryRun}
	start := time.Now()

	appts, err := s.appointments.ListAll(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: list appointments: %w", err)
	}
	for _, a := range appts {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.AppointmentsChecked++
		s.appointment(ctx, rep, a)
	}

	patients, err := s.patients.ListLinked(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: list patients: %w", err)
	}
	for _, p := range patients {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.PatientsChecked++
		s.patient(ctx, rep, p)
	}

	s.logger.Info().
		Bool("dry_run", dryRun).
		Int("appointments_checked", rep.AppointmentsChecked).
		Int("patients_checked", rep.PatientsChecked).
		Int("repairs", rep.Repairs()).
		Int("failures", rep.Failures).
		Dur("took", time.Since(start)).
		Msg("reconcile pass finished")
	return rep, nil
}

func (s *Service) appointment(ctx context.Context, rep *Report, a *scheduling.Appointment) {
	log := s.logger.With().Str("local_id", a.ID.String()).Str("fhir_appointment_id", a.FHIRAppointmentID).Logger()

	remote, err := s.remote.GetAppointment(ctx, a.FHIRAppointmentID)
	if err != nil {
		s.fail(ctx, rep, log, "Appointment", a.FHIRAppointmentID, "fetch remote appointment", err)
		return
	}

	if remote == nil {
		log.Warn().Bool("dry_run", rep.DryRun).Msg("appointment no longer exists remotely")
		if rep.DryRun {
			rep.AppointmentsRemoved++
			return
		}
		if err := s.appointments.Delete(ctx, a.ID); err != nil && !errors.Is(err, scheduling.ErrNotFound) {
			s.fail(ctx, rep, log, "Appointment", a.FHIRAppointmentID, "delete local appointment", err)
			return
		}
		rep.AppointmentsRemoved++
		s.record(ctx, ActionAppointmentRemoved, map[string]any{"local_id": a.ID, "patient_id": a.PatientID}, "Appointment", a.FHIRAppointmentID)
		return
	}

	changed := map[string]any{}
	if remote.Start != nil && !remote.Start.Equal(a.StartTime) {
		changed["start_time"] = map[string]time.Time{"local": a.StartTime, "remote": *remote.Start}
		a.StartTime = *remote.Start
	}
	if remote.End != nil && !remote.End.Equal(a.EndTime) {
		changed["end_time"] = map[string]time.Time{"local": a.EndTime, "remote": *remote.End}
		a.EndTime = *remote.End
	}
	if status := scheduling.StatusFromFHIR(remote.Status); status != a.Status {
		changed["status"] = map[string]scheduling.Status{"local": a.Status, "remote": status}
		a.Status = status
	}
	reencrypt := a.Description != nil && s.codec.NeedsUpgrade(*a.Description)
	if reencrypt {
		sealed, err := s.upgrade(*a.Description)
		if err != nil {
			s.fail(ctx, rep, log, "Appointment", a.FHIRAppointmentID, "re-encrypt description", err)
			return
		}
		a.Description = &sealed
	}
	if len(changed) == 0 && !reencrypt {
		return
	}

	if !rep.DryRun {
		if err := s.appointments.Update(ctx, a); err != nil {
			s.fail(ctx, rep, log, "Appointment", a.FHIRAppointmentID, "update local appointment", err)
			return
		}
	}
	if len(changed) > 0 {
		rep.AppointmentsUpdated++
		log.Info().Bool("dry_run", rep.DryRun).Int("fields", len(changed)).Msg("appointment drift repaired")
		if !rep.DryRun {
			changed["local_id"] = a.ID
			s.record(ctx, ActionAppointmentUpdated, changed, "Appointment", a.FHIRAppointmentID)
		}
	}
	if reencrypt {
		s.reencrypted(ctx, rep, "Appointment", a.FHIRAppointmentID)
	}
}

func (s *Service) patient(ctx context.Context, rep *Report, p *identity.Patient) {
	log := s.logger.With().Str("local_id", p.ID.String()).Str("fhir_patient_id", p.FHIRPatientID).Logger()

	remote, err := s.remote.GetPatient(ctx, p.FHIRPatientID)
	if err != nil {
		s.fail(ctx, rep, log, "Patient", p.FHIRPatientID, "fetch remote patient", err)
		return
	}

	if remote == nil {
		n, err := s.appointments.CountByPatient(ctx, p.ID)
		if err != nil {
			s.fail(ctx, rep, log, "Patient", p.FHIRPatientID, "count appointments", err)
			return
		}
		// During a dry run the appointments counted here may be ones this
		// pass would have removed.
		if n > 0 {
			rep.PatientsRetained++
			log.Warn().Int("appointments", n).Msg("patient gone remotely but still has local appointments")
			if !rep.DryRun {
				s.record(ctx, ActionPatientRetained, map[string]any{"local_id": p.ID, "appointments": n}, "Patient", p.FHIRPatientID)
			}
			return
		}
		log.Warn().Bool("dry_run", rep.DryRun).Msg("patient no longer exists remotely")
		if rep.DryRun {
			rep.PatientsRemoved++
			return
		}
		if err := s.patients.Delete(ctx, p.ID); err != nil && !errors.Is(err, identity.ErrNotFound) {
			s.fail(ctx, rep, log, "Patient", p.FHIRPatientID, "delete local patient", err)
			return
		}
		rep.PatientsRemoved++
		s.record(ctx, ActionPatientRemoved, map[string]any{"local_id": p.ID, "email": p.Email}, "Patient", p.FHIRPatientID)
		return
	}

	if !s.codec.NeedsUpgrade(p.EncryptedName) {
		return
	}
	sealed, err := s.upgrade(p.EncryptedName)
	if err != nil {
		s.fail(ctx, rep, log, "Patient", p.FHIRPatientID, "re-encrypt name", err)
		return
	}
	if !rep.DryRun {
		p.EncryptedName = sealed
		if err := s.patients.Update(ctx, p); err != nil {
			s.fail(ctx, rep, log, "Patient", p.FHIRPatientID, "update local patient", err)
			return
		}
	}
	s.reencrypted(ctx, rep, "Patient", p.FHIRPatientID)
}

func (s *Service) upgrade(ciphertext string) (string, error) {
	plain, err := s.codec.DecryptStrict(ciphertext)
	if err != nil {
		return "", err
	}
	return s.codec.Encrypt(plain)
}

func (s *Service) reencrypted(ctx context.Context, rep *Report, resourceType, resourceID string) {
	rep.Reencrypted++
	if !rep.DryRun {
		s.record(ctx, ActionReencrypted, map[string]any{"field": reencryptedField[resourceType]}, resourceType, resourceID)
	}
}

var reencryptedField = map[string]string{
	"Patient":     "encrypted_name",
	"Appointment": "description",
}

func (s *Service) fail(ctx context.Context, rep *Report, log zerolog.Logger, resourceType, resourceID, step string, err error) {
	rep.Failures++
	log.Error().Err(err).Str("step", step).Msg("reconcile step failed")
	if !rep.DryRun {
		s.record(ctx, ActionFailed, map[string]any{"step": step, "error": err.Error()}, resourceType, resourceID)
	}
}

func (s *Service) record(ctx context.Context, action string, details map[string]any, resourceType, resourceID string) {
	if err := s.audit.Record(context.WithoutCancel(ctx), Actor, action, details, resourceType, resourceID); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("audit write failed")
	}
}

// Loop runs a pass every interval until ctx is done.
func (s *Service) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx, false); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("reconcile pass aborted")
			}
		}
	}
}
