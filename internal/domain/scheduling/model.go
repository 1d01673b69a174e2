package scheduling

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/telehealth/internal/platform/fhir"
	"github.com/ehr/telehealth/pkg/fhirmodels"
)

// Status is the local appointment status vocabulary. It is stored and
// exchanged by name ("Booked", "NoShow", ...).
type Status string

const (
	StatusProposed       Status = "Proposed"
	StatusPending        Status = "Pending"
	StatusBooked         Status = "Booked"
	StatusArrived        Status = "Arrived"
	StatusFulfilled      Status = "Fulfilled"
	StatusCancelled      Status = "Cancelled"
	StatusNoShow         Status = "NoShow"
	StatusInProgress     Status = "InProgress"
	StatusOther          Status = "Other"
	StatusCheckedIn      Status = "CheckedIn"
	StatusEnteredInError Status = "EnteredInError"
	StatusWaitlist       Status = "Waitlist"
	StatusUnknown        Status = "Unknown"
)

// statusCodes maps every writable status to the code sent to the server.
// InProgress and Other have no FHIR R4 code and travel as their own name.
var statusCodes = map[Status]string{
	StatusProposed:       fhirmodels.AppointmentProposed,
	StatusPending:        fhirmodels.AppointmentPending,
	StatusBooked:         fhirmodels.AppointmentBooked,
	StatusArrived:        fhirmodels.AppointmentArrived,
	StatusFulfilled:      fhirmodels.AppointmentFulfilled,
	StatusCancelled:      fhirmodels.AppointmentCancelled,
	StatusNoShow:         fhirmodels.AppointmentNoShow,
	StatusInProgress:     string(StatusInProgress),
	StatusOther:          string(StatusOther),
	StatusCheckedIn:      fhirmodels.AppointmentCheckedIn,
	StatusEnteredInError: fhirmodels.AppointmentEnteredInError,
	StatusWaitlist:       fhirmodels.AppointmentWaitlist,
}

var statusByCode = func() map[string]Status {
	m := make(map[string]Status, len(statusCodes))
	for s, code := range statusCodes {
		m[code] = s
	}
	return m
}()

// FHIRCode returns the remote code for s. Unknown and unrecognized values
// have none.
func (s Status) FHIRCode() (string, bool) {
	code, ok := statusCodes[s]
	return code, ok
}

// StatusFromFHIR maps a remote code back; anything unrecognized is Unknown.
func StatusFromFHIR(code string) Status {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return StatusUnknown
}

// ParseStatus accepts a status name in any case.
func ParseStatus(name string) (Status, bool) {
	for s := range statusCodes {
		if strings.EqualFold(string(s), name) {
			return s, true
		}
	}
	if strings.EqualFold(string(StatusUnknown), name) {
		return StatusUnknown, true
	}
	return "", false
}

// Appointment is the local mirror row.
type Appointment struct {
	ID                uuid.UUID `db:"id" json:"id"`
	FHIRAppointmentID string    `db:"fhir_appointment_id" json:"fhir_appointment_id"`
	PatientID         uuid.UUID `db:"patient_id" json:"patient_id"`
	StartTime         time.Time `db:"start_time" json:"start_time"`
	EndTime           time.Time `db:"end_time" json:"end_time"`
	Status            Status    `db:"status" json:"status"`
	// Description holds ciphertext.
	Description *string   `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// AppointmentRequest is the input of create and update. PatientID is the
// local patient id.
type AppointmentRequest struct {
	FHIRAppointmentID string    `json:"fhir_appointment_id,omitempty"`
	PatientID         uuid.UUID `json:"patient_id"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	Status            Status    `json:"status"`
	Description       *string   `json:"description,omitempty"`
}

// AppointmentView merges the remote resource with its local mirror.
type AppointmentView struct {
	LocalID           *uuid.UUID `json:"local_id,omitempty"`
	FHIRAppointmentID string     `json:"fhir_appointment_id"`
	PatientID         *uuid.UUID `json:"patient_id,omitempty"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           time.Time  `json:"end_time"`
	Status            Status     `json:"status"`
	Description       *string    `json:"description,omitempty"`
}

// NewAppointmentView merges remote with its mirror row. description is the
// plaintext to expose.
func NewAppointmentView(remote *fhir.Appointment, local *Appointment, description *string) *AppointmentView {
	v := &AppointmentView{
		FHIRAppointmentID: remote.ID,
		Status:            StatusFromFHIR(remote.Status),
		Description:       description,
	}
	if remote.Start != nil {
		v.StartTime = *remote.Start
	}
	if remote.End != nil {
		v.EndTime = *remote.End
	}
	if local != nil {
		id, patientID := local.ID, local.PatientID
		v.LocalID = &id
		v.PatientID = &patientID
		if v.StartTime.IsZero() {
			v.StartTime = local.StartTime
		}
		if v.EndTime.IsZero() {
			v.EndTime = local.EndTime
		}
	}
	return v
}
