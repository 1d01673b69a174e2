package fhir

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ehr/telehealth/pkg/fhirmodels"
)

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
	Rank   int    `json:"rank,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Patient carries the fields this service maps. Any other element the
// server returns is kept verbatim and written back on update.
type Patient struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id,omitempty"`
	Meta         *Meta          `json:"meta,omitempty"`
	Name         []HumanName    `json:"name,omitempty"`
	Telecom      []ContactPoint `json:"telecom,omitempty"`
	Gender       string         `json:"gender,omitempty"`
	BirthDate    string         `json:"birthDate,omitempty"`

	extra map[string]json.RawMessage
}

var patientFields = []string{"resourceType", "id", "meta", "name", "telecom", "gender", "birthDate"}

func NewPatient() *Patient {
	return &Patient{ResourceType: "Patient"}
}

func (p *Patient) UnmarshalJSON(data []byte) error {
	type plain Patient
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	extra, err := unknownFields(data, patientFields)
	if err != nil {
		return err
	}
	*p = Patient(v)
	p.extra = extra
	return nil
}

func (p Patient) MarshalJSON() ([]byte, error) {
	type plain Patient
	p.ResourceType = "Patient"
	return withUnknownFields(plain(p), p.extra)
}

// FirstName returns the first given name of the first name entry.
func (p *Patient) FirstName() string {
	if len(p.Name) == 0 || len(p.Name[0].Given) == 0 {
		return ""
	}
	return p.Name[0].Given[0]
}

func (p *Patient) LastName() string {
	if len(p.Name) == 0 {
		return ""
	}
	return p.Name[0].Family
}

// SetName overwrites family and first given name of the first name entry,
// creating the entry when missing. Middle names are kept.
func (p *Patient) SetName(first, last string) {
	if len(p.Name) == 0 {
		p.Name = []HumanName{{Use: "official"}}
	}
	n := &p.Name[0]
	n.Family = last
	if len(n.Given) == 0 {
		n.Given = []string{first}
	} else {
		n.Given[0] = first
	}
}

// ContactValue returns the value of the first telecom entry of system.
func (p *Patient) ContactValue(system string) string {
	for _, cp := range p.Telecom {
		if cp.System == system {
			return cp.Value
		}
	}
	return ""
}

// SetContact updates the first telecom entry of system in place or appends
// one with the given use.
func (p *Patient) SetContact(system, value, use string) {
	for i := range p.Telecom {
		if p.Telecom[i].System == system {
			p.Telecom[i].Value = value
			return
		}
	}
	p.Telecom = append(p.Telecom, ContactPoint{System: system, Value: value, Use: use})
}

// RemoveContact drops every telecom entry of system.
func (p *Patient) RemoveContact(system string) {
	kept := p.Telecom[:0]
	for _, cp := range p.Telecom {
		if cp.System != system {
			kept = append(kept, cp)
		}
	}
	p.Telecom = kept
}

func (p *Patient) Email() string { return p.ContactValue(fhirmodels.ContactSystemEmail) }
func (p *Patient) Phone() string { return p.ContactValue(fhirmodels.ContactSystemPhone) }

type AppointmentParticipant struct {
	Type     []CodeableConcept `json:"type,omitempty"`
	Actor    *Reference        `json:"actor,omitempty"`
	Required string            `json:"required,omitempty"`
	Status   string            `json:"status"`
	Period   *Period           `json:"period,omitempty"`
}

// Appointment carries the mapped fields and, like Patient, round-trips the
// rest of the resource untouched.
type Appointment struct {
	ResourceType string                   `json:"resourceType"`
	ID           string                   `json:"id,omitempty"`
	Meta         *Meta                    `json:"meta,omitempty"`
	Status       string                   `json:"status"`
	Description  string                   `json:"description,omitempty"`
	Start        *time.Time               `json:"start,omitempty"`
	End          *time.Time               `json:"end,omitempty"`
	Participant  []AppointmentParticipant `json:"participant"`

	extra map[string]json.RawMessage
}

var appointmentFields = []string{"resourceType", "id", "meta", "status", "description", "start", "end", "participant"}

func NewAppointment() *Appointment {
	return &Appointment{ResourceType: "Appointment"}
}

func (a *Appointment) UnmarshalJSON(data []byte) error {
	type plain Appointment
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	extra, err := unknownFields(data, appointmentFields)
	if err != nil {
		return err
	}
	*a = Appointment(v)
	a.extra = extra
	return nil
}

func (a Appointment) MarshalJSON() ([]byte, error) {
	type plain Appointment
	a.ResourceType = "Appointment"
	return withUnknownFields(plain(a), a.extra)
}

// PatientID returns the id of the first participant whose actor is a
// Patient reference.
func (a *Appointment) PatientID() string {
	if i := a.patientParticipant(); i >= 0 {
		_, id, _ := ParseReference(a.Participant[i].Actor.Reference)
		return id
	}
	return ""
}

// SetPatient replaces the actor of the existing patient participant, or
// appends an accepted participant when there is none.
func (a *Appointment) SetPatient(patientID string) {
	ref := &Reference{Reference: PatientReference(patientID)}
	if i := a.patientParticipant(); i >= 0 {
		a.Participant[i].Actor = ref
		return
	}
	a.Participant = append(a.Participant, AppointmentParticipant{
		Actor:  ref,
		Status: fhirmodels.ParticipationAccepted,
	})
}

func (a *Appointment) patientParticipant() int {
	for i, p := range a.Participant {
		if p.Actor == nil {
			continue
		}
		if typ, _, ok := ParseReference(p.Actor.Reference); ok && typ == "Patient" {
			return i
		}
	}
	return -1
}

func PatientReference(id string) string {
	return "Patient/" + id
}

// ParseReference splits a relative or absolute literal reference into
// resource type and id. "http://x/fhir/Patient/1/_history/2" yields
// ("Patient", "1").
func ParseReference(ref string) (resourceType, id string, ok bool) {
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.TrimSuffix(ref, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-1] == "" || parts[len(parts)-2] == "" {
		return "", "", false
	}
	return parts[len(parts)-2], parts[len(parts)-1], true
}

func unknownFields(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

func withUnknownFields(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, mapped := all[k]; !mapped {
			all[k] = raw
		}
	}
	return json.Marshal(all)
}
