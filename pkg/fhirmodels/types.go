package fhirmodels

import "strings"

// FHIR R4 value set constants used by the patient and appointment mappings.

// AppointmentStatus codes per FHIR R4 (http://hl7.org/fhir/appointmentstatus).
const (
	AppointmentProposed       = "proposed"
	AppointmentPending        = "pending"
	AppointmentBooked         = "booked"
	AppointmentArrived        = "arrived"
	AppointmentFulfilled      = "fulfilled"
	AppointmentCancelled      = "cancelled"
	AppointmentNoShow         = "noshow"
	AppointmentEnteredInError = "entered-in-error"
	AppointmentCheckedIn      = "checked-in"
	AppointmentWaitlist       = "waitlist"
)

// ParticipationStatus codes for Appointment.participant.status.
const (
	ParticipationAccepted    = "accepted"
	ParticipationDeclined    = "declined"
	ParticipationTentative   = "tentative"
	ParticipationNeedsAction = "needs-action"
)

// ContactPointSystem and ContactPointUse codes.
const (
	ContactSystemEmail = "email"
	ContactSystemPhone = "phone"
	ContactUseWork     = "work"
	ContactUseMobile   = "mobile"
	ContactUseHome     = "home"
)

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// ParseGender matches s case-insensitively against AdministrativeGender.
func ParseGender(s string) (string, bool) {
	switch g := strings.ToLower(strings.TrimSpace(s)); g {
	case GenderMale, GenderFemale, GenderOther, GenderUnknown:
		return g, true
	default:
		return "", false
	}
}
