package fhir

// OperationOutcome severity levels (FHIR R4 value sets).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes (FHIR R4 value sets).
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeDuplicate    = "duplicate"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeBusinessRule = "business-rule"
	IssueTypeException    = "exception"
	IssueTypeTransient    = "transient"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

// Reason returns the first human readable message in the outcome, preferring
// error issues: diagnostics, then details text, then a details display.
func (o *OperationOutcome) Reason() string {
	if o == nil {
		return ""
	}
	var fallback string
	for _, issue := range o.Issue {
		msg := issue.Diagnostics
		if msg == "" && issue.Details != nil {
			msg = issue.Details.Text
			if msg == "" && len(issue.Details.Coding) > 0 {
				msg = issue.Details.Coding[0].Display
			}
		}
		if msg == "" {
			continue
		}
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return msg
		}
		if fallback == "" {
			fallback = msg
		}
	}
	return fallback
}
