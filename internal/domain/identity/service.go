package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/fhir"
	"github.com/ehr/telehealth/internal/platform/hipaa"
	"github.com/ehr/telehealth/internal/platform/syncerr"
	"github.com/ehr/telehealth/pkg/fhirmodels"
)

const resourceType = "Patient"

// Audit actions. Each call records exactly one of them.
const (
	ActionCreateInvalidEmail     = "CREATE_PATIENT_INVALID_EMAIL_FORMAT"
	ActionCreateInvalidBirthDate = "CREATE_PATIENT_INVALID_BIRTH_DATE"
	ActionCreateInvalidName      = "CREATE_PATIENT_INVALID_NAME"
	ActionCreateDuplicate        = "CREATE_PATIENT_DUPLICATE_ATTEMPT"
	ActionCreateFailedRemote     = "CREATE_PATIENT_FAILED_REMOTE"
	ActionCreateFailedLocal      = "CREATE_PATIENT_FAILED_LOCAL"
	ActionCreateSuccess          = "CREATE_PATIENT_SUCCESS"

	ActionGetFailedNotFound = "GET_PATIENT_FAILED_NOT_FOUND"
	ActionGetFailedRemote   = "GET_PATIENT_FAILED_REMOTE"
	ActionGetFailedLocal    = "GET_PATIENT_FAILED_LOCAL"
	ActionGetSuccess        = "GET_PATIENT_SUCCESS"

	ActionUpdateInvalidEmail     = "UPDATE_PATIENT_INVALID_EMAIL_FORMAT"
	ActionUpdateInvalidBirthDate = "UPDATE_PATIENT_INVALID_BIRTH_DATE"
	ActionUpdateInvalidName      = "UPDATE_PATIENT_INVALID_NAME"
	ActionUpdateDuplicate        = "UPDATE_PATIENT_DUPLICATE_ATTEMPT"
	ActionUpdateFailedNotFound   = "UPDATE_PATIENT_FAILED_NOT_FOUND"
	ActionUpdateFailedRemote     = "UPDATE_PATIENT_FAILED_REMOTE"
	ActionUpdateFailedLocal      = "UPDATE_PATIENT_FAILED_LOCAL"
	ActionUpdateSuccess          = "UPDATE_PATIENT_SUCCESS"

	ActionDeleteFailedRemote = "DELETE_PATIENT_FAILED_REMOTE"
	ActionDeleteFailedLocal  = "DELETE_PATIENT_FAILED_LOCAL"
	ActionDeleteSuccess      = "DELETE_PATIENT_SUCCESS"

	ActionDeleteNullUserID   = "DELETE_NULL_USERID"
	ActionPurgeOrphansFailed = "PURGE_ORPHANS_FAILED_LOCAL"
)

// Service keeps remote Patient resources and their local mirrors in step.
// The remote server is written first; a local failure after a successful
// remote write is logged with both ids and left for reconciliation.
type Service struct {
	patients   PatientRepository
	remote     RemotePatients
	duplicates *DuplicateDetector
	cipher     hipaa.Cipher
	audit      hipaa.AuditTrail
	logger     zerolog.Logger
}

func NewService(patients PatientRepository, remote RemotePatients, cipher hipaa.Cipher, audit hipaa.AuditTrail, logger zerolog.Logger) *Service {
	return &Service{
		patients:   patients,
		remote:     remote,
		duplicates: NewDuplicateDetector(patients, remote),
		cipher:     cipher,
		audit:      audit,
		logger:     logger.With().Str("component", "patient_sync").Logger(),
	}
}

func (s *Service) CreatePatient(ctx context.Context, actor string, req PatientRequest) (*PatientView, error) {
	const op = "create patient"
	if actor == "" {
		return nil, syncerr.Validation(op, "user id is required")
	}

	if err := s.validate(ctx, op, actor, &req, "", validationActions{
		email:     ActionCreateInvalidEmail,
		birthDate: ActionCreateInvalidBirthDate,
		name:      ActionCreateInvalidName,
	}); err != nil {
		return nil, err
	}

	matches, err := s.duplicates.Find(ctx, req.Email)
	if err != nil {
		s.record(ctx, actor, failedAction(err, ActionCreateFailedRemote, ActionCreateFailedLocal),
			map[string]any{"email": req.Email, "error": err.Error()}, "")
		return nil, err
	}
	if matches.Any() {
		s.record(ctx, actor, ActionCreateDuplicate, map[string]any{
			"email":        req.Email,
			"local_count":  len(matches.Local),
			"remote_count": len(matches.Remote),
		}, "")
		return nil, syncerr.Conflict(op, "duplicate email found, manual resolution required")
	}

	remote := fhir.NewPatient()
	s.applyRequest(remote, &req)

	created, err := s.remote.CreatePatient(ctx, remote)
	if err != nil {
		reason := fhir.ReasonOf(err)
		s.logger.Error().Err(err).Msg("remote patient create failed")
		s.record(ctx, actor, ActionCreateFailedRemote, map[string]any{"email": req.Email, "reason": reason}, "")
		return nil, syncerr.Remote(op, reason, err)
	}

	// The remote resource exists now; finish the local write regardless of
	// the caller going away.
	ctx = context.WithoutCancel(ctx)

	local := &Patient{FHIRPatientID: created.ID, Email: req.Email, UserID: req.UserID}
	if err := s.storeLocal(ctx, local, &req, s.patients.Create); err != nil {
		s.logger.Error().Err(err).Str("fhir_patient_id", created.ID).Msg("local patient create failed after remote create")
		s.record(ctx, actor, ActionCreateFailedLocal, map[string]any{
			"fhir_patient_id": created.ID,
			"email":           req.Email,
			"error":           err.Error(),
		}, created.ID)
		return nil, localError(op, err)
	}

	s.record(ctx, actor, ActionCreateSuccess, map[string]any{"fhir_patient_id": created.ID, "email": req.Email}, created.ID)
	return NewPatientView(created, local), nil
}

func (s *Service) GetPatient(ctx context.Context, actor, fhirID string) (*PatientView, error) {
	const op = "get patient"
	if actor == "" {
		return nil, syncerr.Validation(op, "user id is required")
	}

	remote, err := s.remote.GetPatient(ctx, fhirID)
	if err != nil {
		reason := fhir.ReasonOf(err)
		s.record(ctx, actor, ActionGetFailedRemote, map[string]any{"fhir_patient_id": fhirID, "reason": reason}, fhirID)
		return nil, syncerr.Remote(op, reason, err)
	}
	if remote == nil {
		s.record(ctx, actor, ActionGetFailedNotFound, map[string]any{"fhir_patient_id": fhirID, "status": "NotFound"}, fhirID)
		return nil, syncerr.NotFound(op, "patient "+fhirID+" not found")
	}

	local, err := s.localByFHIRID(ctx, fhirID)
	if err != nil {
		s.record(ctx, actor, ActionGetFailedLocal, map[string]any{"fhir_patient_id": fhirID, "error": err.Error()}, fhirID)
		return nil, syncerr.Unexpected(op, err)
	}

	s.record(ctx, actor, ActionGetSuccess, map[string]any{"fhir_patient_id": fhirID}, fhirID)
	return NewPatientView(remote, local), nil
}

func (s *Service) UpdatePatient(ctx context.Context, actor, fhirID string, req PatientRequest) (*PatientView, error) {
	const op = "update patient"
	if actor == "" {
		return nil, syncerr.Validation(op, "user id is required")
	}
	if fhirID == "" {
		return nil, syncerr.Validation(op, "patient id is required")
	}

	if err := s.validate(ctx, op, actor, &req, fhirID, validationActions{
		email:     ActionUpdateInvalidEmail,
		birthDate: ActionUpdateInvalidBirthDate,
		name:      ActionUpdateInvalidName,
	}); err != nil {
		return nil, err
	}

	local, err := s.localByFHIRID(ctx, fhirID)
	if err != nil {
		s.record(ctx, actor, ActionUpdateFailedLocal, map[string]any{"fhir_patient_id": fhirID, "error": err.Error()}, fhirID)
		return nil, syncerr.Unexpected(op, err)
	}

	if local == nil || local.Email != req.Email {
		matches, err := s.duplicates.Find(ctx, req.Email)
		if err != nil {
			s.record(ctx, actor, failedAction(err, ActionUpdateFailedRemote, ActionUpdateFailedLocal),
				map[string]any{"fhir_patient_id": fhirID, "email": req.Email, "error": err.Error()}, fhirID)
			return nil, err
		}
		var localID uuid.UUID
		if local != nil {
			localID = local.ID
		}
		if matches.Excluding(localID, fhirID).Any() {
			s.record(ctx, actor, ActionUpdateDuplicate, map[string]any{
				"fhir_patient_id": fhirID,
				"email":           req.Email,
				"status":          "DuplicateFound",
			}, fhirID)
			return nil, syncerr.Conflict(op, "duplicate email found for another patient, manual resolution required")
		}
	}

	remote, err := s.remote.GetPatient(ctx, fhirID)
	if err != nil {
		reason := fhir.ReasonOf(err)
		s.record(ctx, actor, ActionUpdateFailedRemote, map[string]any{"fhir_patient_id": fhirID, "reason": reason}, fhirID)
		return nil, syncerr.Remote(op, reason, err)
	}
	if remote == nil {
		s.record(ctx, actor, ActionUpdateFailedNotFound, map[string]any{"fhir_patient_id": fhirID, "status": "NotFound"}, fhirID)
		return nil, syncerr.NotFound(op, "patient "+fhirID+" not found")
	}

	s.applyRequest(remote, &req)
	if req.Gender == "" {
		remote.Gender = ""
	}

	updated, err := s.remote.UpdatePatient(ctx, fhirID, remote)
	if err != nil {
		reason := fhir.ReasonOf(err)
		s.logger.Error().Err(err).Str("fhir_patient_id", fhirID).Msg("remote patient update failed")
		s.record(ctx, actor, ActionUpdateFailedRemote, map[string]any{"fhir_patient_id": fhirID, "reason": reason}, fhirID)
		return nil, syncerr.Remote(op, reason, err)
	}

	ctx = context.WithoutCancel(ctx)

	if local != nil {
		local.Email = req.Email
		local.UserID = req.UserID
		if err := s.storeLocal(ctx, local, &req, s.patients.Update); err != nil {
			s.logger.Error().Err(err).
				Str("fhir_patient_id", fhirID).
				Str("local_id", local.ID.String()).
				Msg("local patient update failed after remote update")
			s.record(ctx, actor, ActionUpdateFailedLocal, map[string]any{
				"fhir_patient_id": fhirID,
				"local_id":        local.ID,
				"error":           err.Error(),
			}, fhirID)
			return nil, localError(op, err)
		}
	}

	s.record(ctx, actor, ActionUpdateSuccess, map[string]any{"fhir_patient_id": fhirID, "email": req.Email}, fhirID)
	return NewPatientView(updated, local), nil
}

// DeletePatient deletes remotely first. A remote refusal leaves the local
// mirror untouched.
func (s *Service) DeletePatient(ctx context.Context, actor, fhirID string) error {
	const op = "delete patient"
	if actor == "" {
		return syncerr.Validation(op, "user id is required")
	}

	ok, reason := s.remote.DeletePatient(ctx, fhirID)
	if !ok {
		s.record(ctx, actor, ActionDeleteFailedRemote, map[string]any{
			"fhir_patient_id": fhirID,
			"status":          "RemoteDeleteFailed",
			"reason":          reason,
		}, fhirID)
		return syncerr.Remote(op, reason, nil)
	}

	ctx = context.WithoutCancel(ctx)

	local, err := s.localByFHIRID(ctx, fhirID)
	if err == nil && local != nil {
		err = s.patients.Delete(ctx, local.ID)
		if errors.Is(err, ErrNotFound) {
			err = nil
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("fhir_patient_id", fhirID).Msg("local patient delete failed after remote delete")
		s.record(ctx, actor, ActionDeleteFailedLocal, map[string]any{"fhir_patient_id": fhirID, "error": err.Error()}, fhirID)
		if errors.Is(err, ErrPatientInUse) {
			return syncerr.Conflict(op, "patient still has appointments")
		}
		return syncerr.Unexpected(op, err)
	}

	s.record(ctx, actor, ActionDeleteSuccess, map[string]any{"fhir_patient_id": fhirID}, fhirID)
	return nil
}

// PurgeOrphans deletes every local patient without an owning account and
// returns how many rows went away. Remote resources are not touched.
func (s *Service) PurgeOrphans(ctx context.Context, actor string) (int, error) {
	const op = "purge orphans"

	orphans, err := s.patients.ListOrphans(ctx)
	if err != nil {
		s.record(ctx, actor, ActionPurgeOrphansFailed, map[string]any{"error": err.Error()}, "")
		return 0, syncerr.Unexpected(op, err)
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, 0, len(orphans))
	byID := make(map[uuid.UUID]*Patient, len(orphans))
	for _, p := range orphans {
		ids = append(ids, p.ID)
		byID[p.ID] = p
	}

	deleted, err := s.patients.DeleteOrphans(ctx, ids)
	if err != nil {
		s.record(ctx, actor, ActionPurgeOrphansFailed, map[string]any{"count": len(ids), "error": err.Error()}, "")
		if errors.Is(err, ErrPatientInUse) {
			return 0, syncerr.Conflict(op, "an orphaned patient still has appointments")
		}
		return 0, syncerr.Unexpected(op, err)
	}

	// Only rows that were still orphaned at delete time are audited.
	for _, id := range deleted {
		p := byID[id]
		s.record(ctx, actor, ActionDeleteNullUserID, map[string]any{
			"local_id":        p.ID,
			"fhir_patient_id": p.FHIRPatientID,
			"email":           p.Email,
		}, p.FHIRPatientID)
	}
	s.logger.Info().Int("deleted", len(deleted)).Int("listed", len(ids)).Msg("orphaned patients purged")
	return len(deleted), nil
}

type validationActions struct {
	email, birthDate, name string
}

func (s *Service) validate(ctx context.Context, op, actor string, req *PatientRequest, fhirID string, actions validationActions) error {
	switch {
	case !validEmail(req.Email):
		s.record(ctx, actor, actions.email, map[string]any{"email": req.Email, "error": "Invalid email format"}, fhirID)
		return syncerr.Validation(op, "invalid email format")
	case !validBirthDate(req.BirthDate):
		s.record(ctx, actor, actions.birthDate, map[string]any{"birth_date": req.BirthDate, "error": "Birth date must be YYYY-MM-DD"}, fhirID)
		return syncerr.Validation(op, "birth date must be in YYYY-MM-DD format")
	case req.FirstName == "" || req.LastName == "":
		s.record(ctx, actor, actions.name, map[string]any{"email": req.Email, "error": "First and last name are required"}, fhirID)
		return syncerr.Validation(op, "first and last name are required")
	}
	return nil
}

// applyRequest writes the mapped fields onto p. An empty phone removes the
// phone entry. Other elements of p are left as they are.
func (s *Service) applyRequest(p *fhir.Patient, req *PatientRequest) {
	p.SetName(req.FirstName, req.LastName)
	p.BirthDate = req.BirthDate
	p.SetContact(fhirmodels.ContactSystemEmail, req.Email, fhirmodels.ContactUseWork)
	if req.PhoneNumber != "" {
		p.SetContact(fhirmodels.ContactSystemPhone, req.PhoneNumber, fhirmodels.ContactUseMobile)
	} else {
		p.RemoveContact(fhirmodels.ContactSystemPhone)
	}
	if req.Gender == "" {
		return
	}
	if g, ok := fhirmodels.ParseGender(req.Gender); ok {
		p.Gender = g
	} else {
		s.logger.Warn().Str("gender", req.Gender).Msg("ignoring invalid gender")
	}
}

func (s *Service) storeLocal(ctx context.Context, p *Patient, req *PatientRequest, write func(context.Context, *Patient) error) error {
	name, err := s.cipher.Encrypt(req.FullName())
	if err != nil {
		return err
	}
	p.EncryptedName = name
	return write(ctx, p)
}

// localByFHIRID returns nil, nil when there is no mirror row.
func (s *Service) localByFHIRID(ctx context.Context, fhirID string) (*Patient, error) {
	p, err := s.patients.GetByFHIRID(ctx, fhirID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// record writes an audit event. Audit failures are logged and never
// replace the outcome of the operation.
func (s *Service) record(ctx context.Context, actor, action string, details map[string]any, resourceID string) {
	if err := s.audit.Record(context.WithoutCancel(ctx), actor, action, details, resourceType, resourceID); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("audit write failed")
	}
}

func failedAction(err error, remote, local string) string {
	if syncerr.KindOf(err) == syncerr.KindRemote {
		return remote
	}
	return local
}

func localError(op string, err error) error {
	if errors.Is(err, ErrRemoteIDTaken) {
		return syncerr.Conflict(op, "remote patient is already linked to another local record")
	}
	return syncerr.Unexpected(op, err)
}
