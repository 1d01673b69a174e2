package syncerr

import (
	"github.com/labstack/echo/v4"

	"github.com/ehr/telehealth/internal/platform/fhir"
)

// HTTPError converts a service failure into an echo error whose body is an
// OperationOutcome. Unexpected failures carry no detail.
func HTTPError(err error) *echo.HTTPError {
	return echo.NewHTTPError(HTTPStatus(err), fhir.NewOperationOutcome(fhir.IssueSeverityError, issueCode(KindOf(err)), Message(err)))
}

func issueCode(k Kind) string {
	switch k {
	case KindValidation:
		return fhir.IssueTypeInvalid
	case KindConflict:
		return fhir.IssueTypeConflict
	case KindNotFound:
		return fhir.IssueTypeNotFound
	case KindRemote:
		return fhir.IssueTypeTransient
	default:
		return fhir.IssueTypeException
	}
}
