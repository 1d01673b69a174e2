package scheduling

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/domain/identity"
	"github.com/ehr/telehealth/internal/platform/fhir"
	"github.com/ehr/telehealth/internal/platform/hipaa"
	"github.com/ehr/telehealth/internal/platform/syncerr"
)

const resourceType = "Appointment"

// Audit actions. Each call records exactly one of them.
const (
	ActionCreateInvalidTimeRange = "CREATE_APPOINTMENT_INVALID_TIME_RANGE"
	ActionCreateInvalidStatus    = "CREATE_APPOINTMENT_INVALID_STATUS"
	ActionCreateConflict         = "CREATE_APPOINTMENT_CONFLICT"
	ActionCreatePatientNotFound  = "CREATE_APPOINTMENT_FAILED_PATIENT_NOT_FOUND"
	ActionCreateFailedRemote     = "CREATE_APPOINTMENT_FAILED_REMOTE"
	ActionCreateFailedLocal      = "CREATE_APPOINTMENT_FAILED_LOCAL"
	ActionCreateSuccess          = "CREATE_APPOINTMENT_SUCCESS"

	ActionGetFailedNotFound = "GET_APPOINTMENT_FAILED_NOT_FOUND"
	ActionGetFailedRemote   = "GET_APPOINTMENT_FAILED_REMOTE"
	ActionGetFailedLocal    = "GET_APPOINTMENT_FAILED_LOCAL"
	ActionGetSuccess        = "GET_APPOINTMENT_SUCCESS"

	ActionUpdateInvalidTimeRange = "UPDATE_APPOINTMENT_INVALID_TIME_RANGE"
	ActionUpdateInvalidStatus    = "UPDATE_APPOINTMENT_INVALID_STATUS"
	ActionUpdateFailedNotFound   = "UPDATE_APPOINTMENT_FAILED_NOT_FOUND"
	ActionUpdateConflict         = "UPDATE_APPOINTMENT_CONFLICT"
	ActionUpdatePatientNotFound  = "UPDATE_APPOINTMENT_FAILED_PATIENT_NOT_FOUND"
	ActionUpdateFailedRemote     = "UPDATE_APPOINTMENT_FAILED_REMOTE"
	ActionUpdateFailedLocal      = "UPDATE_APPOINTMENT_FAILED_LOCAL"
	ActionUpdateSuccess          = "UPDATE_APPOINTMENT_SUCCESS"

	ActionDeleteFailedRemote = "DELETE_APPOINTMENT_FAILED_REMOTE"
	ActionDeleteFailedLocal  = "DELETE_APPOINTMENT_FAILED_LOCAL"
	ActionDeleteSuccess      = "DELETE_APPOINTMENT_SUCCESS"
)

// Service keeps remote Appointment resources and their local mirrors in
// step. Writes go to the server first and the local row follows.
type Service struct {
	appointments AppointmentRepository
	patients     PatientLookup
	remote       RemoteAppointments
	conflicts    *ConflictDetector
	cipher       hipaa.Cipher
	audit        hipaa.AuditTrail
	logger       zerolog.Logger
}

func NewService(appointments AppointmentRepository, patients PatientLookup, remote RemoteAppointments, cipher hipaa.Cipher, audit hipaa.AuditTrail, logger zerolog.Logger) *Service {
	return &Service{
		appointments: appointments,
		patients:     patients,
		remote:       remote,
		conflicts:    NewConflictDetector(appointments, patients, remote),
		cipher:       cipher,
		audit:        audit,
		logger:       logger.With().Str("component", "appointment_sync").Logger(),
	}
}

func (s *Service) CreateAppointment(ctx context.Context, actor string, req AppointmentRequest) (*AppointmentView, error) {
	const op = "create appointment"
	if actor == "" {
		return nil, syncerr.Validation(op, "user id is required")
	}

	if err := s.validate(ctx, op, actor, &req, "", ActionCreateInvalidTimeRange, ActionCreateInvalidStatus); err != nil {
		return nil, err
	}

	conflicts, err := s.conflicts.Find(ctx, req.PatientID, req.StartTime, req.EndTime, Exclude{})
	if err != nil {
		s.record(ctx, actor, failedAction(err, ActionCreateFailedRemote, ActionCreateFailedLocal),
			map[string]any{"patient_id": req.PatientID, "error": err.Error()}, "")
		return nil, err
	}
	if conflicts.Any() {
		s.record(ctx, actor, ActionCreateConflict, conflictDetails(req.PatientID, conflicts), "")
		return nil, syncerr.Conflict(op, "appointment overlaps an existing appointment of the patient")
	}

	patient, err := s.resolvePatient(ctx, req.PatientID)
	if err != nil {
		return nil, s.patientFailure(ctx, op, actor, err, req.PatientID, "", ActionCreatePatientNotFound, ActionCreateFailedLocal)
	}

	remote := fhir.NewAppointment()
	applyRequest(remote, &req, patient.FHIRPatientID)

	created, err := s.remote.CreateAppointment(ctx, remote)
	if err != nil {
		reason := fhir.ReasonOf(err)
		s.logger.Error().Err(err).Str("patient_id", req.PatientID.String()).Msg("remote appointment create failed")
		s.record(ctx, actor, ActionCreateFailedRemote, map[string]any{"patient_id": req.PatientID, "reason": reason}, "")
		return nil, syncerr.Remote(op, reason, err)
	}

	ctx = context.WithoutCancel(ctx)

	local := &Appointment{FHIRAppointmentID: created.ID, PatientID: req.PatientID}
	if err := s.storeLocal(ctx, local, &req, s.appointments.Create); err != nil {
		s.logger.Error().Err(err).Str("fhir_appointment_id", created.ID).Msg("local appointment create failed after remote create")
		s.record(ctx, actor, ActionCreateFailedLocal, map[string]any{
			"fhir_appointment_id": created.ID,
			"patient_id":          req.PatientID,
			"error":               err.Error(),
		}, created.ID)
		return nil, localError(op, err)
	}

	s.record(ctx, actor, ActionCreateSuccess, map[string]any{"fhir_appointment_id": created.ID, "patient_id": req.PatientID}, created.ID)
	return NewAppointmentView(created, local, req.Description), nil
}

func (s *Service) GetAppointment(ctx context.Context, actor, fhirID string) (*AppointmentView, error) {
	const op = "get appointment"
	if actor == "" {
		return nil, syncerr.Validation(op, "user id is required")
	}

	remote, err := s.remote.GetAppointment(ctx, fhirID)
	if err != nil {
		reason := fhir.ReasonOf(err)
		s.record(ctx, actor, ActionGetFailedRemote, map[string]any{"fhir_appointment_id": fhirID, "reason": reason}, fhirID)
		return nil, syncerr.Remote(op, reason, err)
	}
	if remote == nil {
		s.record(ctx, actor, ActionGetFailedNotFound, map[string]any{"fhir_appointment_id": fhirID, "status": "NotFound"}, fhirID)
		return nil, syncerr.NotFound(op, "appointment "+fhirID+" not found")
	}

	local, err := s.localByFHIRID(ctx, fhirID)
	if err != nil {
		s.record(ctx, actor, ActionGetFailedLocal, map[string]any{"fhir_appointment_id": fhirID, "error": err.Error()}, fhirID)
		return nil, syncerr.Unexpected(op, err)
	}

	var description *string
	switch {
	case local != nil && local.Description != nil:
		plain := s.cipher.Decrypt(*local.Description)
		description = &plain
	case local == nil && remote.Description != "":
		description = &remote.Description
	}

	s.record(ctx, actor, ActionGetSuccess, map[string]any{"fhir_appointment_id": fhirID}, fhirID)
	return NewAppointmentView(remote, local, description), nil
}

func (s *Service) UpdateAppointment(ctx context.Context, actor, fhirID string, req AppointmentRequest) (*AppointmentView, error) {
	const op = "update appointment"
	if actor == "" {
		return nil, syncerr.Validation(op, "user id is required")
	}
	if fhirID == "" {
		return nil, syncerr.Validation(op, "appointment id is required")
	}

	if err := s.validate(ctx, op, actor, &req, fhirID, ActionUpdateInvalidTimeRange, ActionUpdateInvalidStatus); err != nil {
		return nil, err
	}

	remote, err := s.remote.GetAppointment(ctx, fhirID)
	if err != nil {
		reason := fhir.ReasonOf(err)
		s.record(ctx, actor, ActionUpdateFailedRemote, map[string]any{"fhir_appointment_id": fhirID, "reason": reason}, fhirID)
		return nil, syncerr.Remote(op, reason, err)
	}
	if remote == nil {
		s.record(ctx, actor, ActionUpdateFailedNotFound, map[string]any{"fhir_appointment_id": fhirID, "status": "NotFound"}, fhirID)
		return nil, syncerr.NotFound(op, "appointment "+fhirID+" not found")
	}

	local, err := s.localByFHIRID(ctx, fhirID)
	if err != nil {
		s.record(ctx, actor, ActionUpdateFailedLocal, map[string]any{"fhir_appointment_id": fhirID, "error": err.Error()}, fhirID)
		return nil, syncerr.Unexpected(op, err)
	}

	exclude := Exclude{RemoteID: fhirID}
	if local != nil {
		id := local.ID
		exclude.LocalID = &id
	}
	conflicts, err := s.conflicts.Find(ctx, req.PatientID, req.StartTime, req.EndTime, exclude)
	if err != nil {
		s.record(ctx, actor, failedAction(err, ActionUpdateFailedRemote, ActionUpdateFailedLocal),
			map[string]any{"fhir_appointment_id": fhirID, "patient_id": req.PatientID, "error": err.Error()}, fhirID)
		return nil, err
	}
	if conflicts.Any() {
		s.record(ctx, actor, ActionUpdateConflict, conflictDetails(req.PatientID, conflicts), fhirID)
		return nil, syncerr.Conflict(op, "appointment overlaps an existing appointment of the patient")
	}

	patient, err := s.resolvePatient(ctx, req.PatientID)
	if err != nil {
		return nil, s.patientFailure(ctx, op, actor, err, req.PatientID, fhirID, ActionUpdatePatientNotFound, ActionUpdateFailedLocal)
	}

	applyRequest(remote, &req, patient.FHIRPatientID)

	updated, err := s.remote.UpdateAppointment(ctx, fhirID, remote)
	if err != nil {
		reason := fhir.ReasonOf(err)
		s.logger.Error().Err(err).Str("fhir_appointment_id", fhirID).Msg("remote appointment update failed")
		s.record(ctx, actor, ActionUpdateFailedRemote, map[string]any{"fhir_appointment_id": fhirID, "reason": reason}, fhirID)
		return nil, syncerr.Remote(op, reason, err)
	}

	ctx = context.WithoutCancel(ctx)

	if local != nil {
		local.PatientID = req.PatientID
		if err := s.storeLocal(ctx, local, &req, s.appointments.Update); err != nil {
			s.logger.Error().Err(err).
				Str("fhir_appointment_id", fhirID).
				Str("local_id", local.ID.String()).
				Msg("local appointment update failed after remote update")
			s.record(ctx, actor, ActionUpdateFailedLocal, map[string]any{
				"fhir_appointment_id": fhirID,
				"local_id":            local.ID,
				"error":               err.Error(),
			}, fhirID)
			return nil, localError(op, err)
		}
	}

	s.record(ctx, actor, ActionUpdateSuccess, map[string]any{"fhir_appointment_id": fhirID, "patient_id": req.PatientID}, fhirID)
	return NewAppointmentView(updated, local, req.Description), nil
}

// DeleteAppointment deletes remotely first. A remote refusal leaves the
// local mirror untouched; a missing mirror is not an error.
func (s *Service) DeleteAppointment(ctx context.Context, actor, fhirID string) error {
	const op = "delete appointment"
	if actor == "" {
		return syncerr.Validation(op, "user id is required")
	}

	ok, reason := s.remote.DeleteAppointment(ctx, fhirID)
	if !ok {
		s.record(ctx, actor, ActionDeleteFailedRemote, map[string]any{
			"fhir_appointment_id": fhirID,
			"status":              "RemoteDeleteFailed",
			"reason":              reason,
		}, fhirID)
		return syncerr.Remote(op, reason, nil)
	}

	ctx = context.WithoutCancel(ctx)

	local, err := s.localByFHIRID(ctx, fhirID)
	if err == nil && local != nil {
		err = s.appointments.Delete(ctx, local.ID)
		if errors.Is(err, ErrNotFound) {
			err = nil
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("fhir_appointment_id", fhirID).Msg("local appointment delete failed after remote delete")
		s.record(ctx, actor, ActionDeleteFailedLocal, map[string]any{"fhir_appointment_id": fhirID, "error": err.Error()}, fhirID)
		return syncerr.Unexpected(op, err)
	}

	s.record(ctx, actor, ActionDeleteSuccess, map[string]any{"fhir_appointment_id": fhirID}, fhirID)
	return nil
}

// validate checks the time range, then normalizes req.Status. An empty
// status means Booked.
func (s *Service) validate(ctx context.Context, op, actor string, req *AppointmentRequest, fhirID, rangeAction, statusAction string) error {
	if !req.EndTime.After(req.StartTime) {
		s.record(ctx, actor, rangeAction, map[string]any{
			"start_time": req.StartTime,
			"end_time":   req.EndTime,
			"error":      "End time must be after start time",
		}, fhirID)
		return syncerr.Validation(op, "end time must be after start time")
	}

	if req.Status == "" {
		req.Status = StatusBooked
		return nil
	}
	status, ok := ParseStatus(string(req.Status))
	if !ok || status == StatusUnknown {
		s.record(ctx, actor, statusAction, map[string]any{"status": req.Status, "error": "Unsupported appointment status"}, fhirID)
		return syncerr.Validation(op, "unsupported appointment status "+string(req.Status))
	}
	req.Status = status
	return nil
}

var errPatientUnlinked = errors.New("patient has no remote id")

// resolvePatient returns the local patient when it exists and is linked to
// a remote Patient.
func (s *Service) resolvePatient(ctx context.Context, id uuid.UUID) (*identity.Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.FHIRPatientID == "" {
		return nil, errPatientUnlinked
	}
	return p, nil
}

func (s *Service) patientFailure(ctx context.Context, op, actor string, err error, patientID uuid.UUID, fhirID, notFound, local string) error {
	if errors.Is(err, identity.ErrNotFound) || errors.Is(err, errPatientUnlinked) {
		s.record(ctx, actor, notFound, map[string]any{"patient_id": patientID, "status": "PatientNotFound"}, fhirID)
		return syncerr.NotFound(op, "patient "+patientID.String()+" not found or not linked to the clinical server")
	}
	s.record(ctx, actor, local, map[string]any{"patient_id": patientID, "error": err.Error()}, fhirID)
	return syncerr.Unexpected(op, err)
}

// applyRequest writes the mapped fields onto a. Participants other than
// the patient are kept.
func applyRequest(a *fhir.Appointment, req *AppointmentRequest, fhirPatientID string) {
	code, _ := req.Status.FHIRCode()
	a.Status = code
	start, end := req.StartTime, req.EndTime
	a.Start = &start
	a.End = &end
	a.Description = ""
	if req.Description != nil {
		a.Description = *req.Description
	}
	a.SetPatient(fhirPatientID)
}

func (s *Service) storeLocal(ctx context.Context, a *Appointment, req *AppointmentRequest, write func(context.Context, *Appointment) error) error {
	a.StartTime = req.StartTime
	a.EndTime = req.EndTime
	a.Status = req.Status
	a.Description = nil
	if req.Description != nil {
		sealed, err := s.cipher.Encrypt(*req.Description)
		if err != nil {
			return err
		}
		a.Description = &sealed
	}
	return write(ctx, a)
}

// localByFHIRID returns nil, nil when there is no mirror row.
func (s *Service) localByFHIRID(ctx context.Context, fhirID string) (*Appointment, error) {
	a, err := s.appointments.GetByFHIRID(ctx, fhirID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (s *Service) record(ctx context.Context, actor, action string, details map[string]any, resourceID string) {
	if err := s.audit.Record(context.WithoutCancel(ctx), actor, action, details, resourceType, resourceID); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("audit write failed")
	}
}

func conflictDetails(patientID uuid.UUID, c Conflicts) map[string]any {
	return map[string]any{
		"patient_id":   patientID,
		"local_count":  len(c.Local),
		"remote_count": len(c.Remote),
	}
}

func failedAction(err error, remote, local string) string {
	if syncerr.KindOf(err) == syncerr.KindRemote {
		return remote
	}
	return local
}

func localError(op string, err error) error {
	switch {
	case errors.Is(err, ErrOverlap):
		return syncerr.Conflict(op, "appointment overlaps an existing appointment of the patient")
	case errors.Is(err, ErrRemoteIDTaken):
		return syncerr.Conflict(op, "remote appointment is already linked to another local record")
	case errors.Is(err, ErrUnknownPatient):
		return syncerr.NotFound(op, "patient not found")
	}
	return syncerr.Unexpected(op, err)
}
