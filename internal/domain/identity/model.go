package identity

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/telehealth/internal/platform/fhir"
)

// Patient is the local mirror row. Demographics live on the remote server;
// locally only the link, the contact email, the encrypted full name and the
// owning account are kept.
type Patient struct {
	ID            uuid.UUID `db:"id" json:"id"`
	FHIRPatientID string    `db:"fhir_patient_id" json:"fhir_patient_id"`
	Email         string    `db:"email" json:"email"`
	EncryptedName string    `db:"encrypted_name" json:"encrypted_name"`
	UserID        *string   `db:"user_id" json:"user_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// IsOrphan reports whether no account owns the row.
func (p *Patient) IsOrphan() bool {
	return p.UserID == nil || *p.UserID == ""
}

// PatientRequest is the input of create and update.
type PatientRequest struct {
	FHIRPatientID string  `json:"fhir_patient_id,omitempty"`
	FirstName     string  `json:"first_name"`
	LastName      string  `json:"last_name"`
	BirthDate     string  `json:"birth_date"`
	Gender        string  `json:"gender,omitempty"`
	Email         string  `json:"email"`
	PhoneNumber   string  `json:"phone_number"`
	UserID        *string `json:"user_id,omitempty"`
}

func (r *PatientRequest) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// PatientView merges the remote resource with its local mirror, if any.
type PatientView struct {
	LocalID       *uuid.UUID `json:"local_id,omitempty"`
	FHIRPatientID string     `json:"fhir_patient_id"`
	FirstName     string     `json:"first_name"`
	LastName      string     `json:"last_name"`
	BirthDate     string     `json:"birth_date,omitempty"`
	Gender        string     `json:"gender,omitempty"`
	Email         string     `json:"email"`
	PhoneNumber   string     `json:"phone_number"`
	UserID        *string    `json:"user_id,omitempty"`
	EncryptedName string     `json:"encrypted_name,omitempty"`
}

const unknownName = "Unknown"

// NewPatientView maps a remote Patient; local may be nil.
func NewPatientView(remote *fhir.Patient, local *Patient) *PatientView {
	v := &PatientView{
		FHIRPatientID: remote.ID,
		FirstName:     orUnknown(remote.FirstName()),
		LastName:      orUnknown(remote.LastName()),
		BirthDate:     remote.BirthDate,
		Gender:        remote.Gender,
		Email:         remote.Email(),
		PhoneNumber:   remote.Phone(),
	}
	if local != nil {
		id := local.ID
		v.LocalID = &id
		v.UserID = local.UserID
		v.EncryptedName = local.EncryptedName
	}
	return v
}

func orUnknown(s string) string {
	if s == "" {
		return unknownName
	}
	return s
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func validEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// validBirthDate accepts calendar dates in YYYY-MM-DD form only.
func validBirthDate(s string) bool {
	if len(s) != len(time.DateOnly) {
		return false
	}
	_, err := time.Parse(time.DateOnly, s)
	return err == nil
}
