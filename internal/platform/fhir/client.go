package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	mediaType      = "application/fhir+json"
	maxSearchPages = 20
)

// RemoteError is a non-2xx answer from the FHIR server.
type RemoteError struct {
	Method  string
	Path    string
	Status  int
	Outcome *OperationOutcome
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("fhir %s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Reason())
}

// Reason is the server's own explanation when it sent an OperationOutcome,
// otherwise the HTTP status text.
func (e *RemoteError) Reason() string {
	if r := e.Outcome.Reason(); r != "" {
		return r
	}
	return http.StatusText(e.Status)
}

// Client talks to the remote FHIR R4 server. Requests are never retried.
type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	logger = logger.With().Str("component", "fhir_client").Logger()

	hc := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", mediaType).
		SetHeader("Content-Type", mediaType)

	// Only the path is logged: search queries carry email addresses.
	hc.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		logger.Debug().
			Str("method", resp.Request.Method).
			Str("path", resp.Request.RawRequest.URL.Path).
			Int("status", resp.StatusCode()).
			Dur("latency", resp.Time()).
			Msg("fhir request")
		return nil
	})

	return &Client{http: hc, logger: logger}
}

// Ping reads the CapabilityStatement.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/metadata")
	if err != nil {
		return fmt.Errorf("fhir ping: %w", err)
	}
	if !resp.IsSuccess() {
		return remoteError(resp)
	}
	return nil
}

func (c *Client) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return read[Patient](ctx, c, "Patient", id)
}

func (c *Client) CreatePatient(ctx context.Context, p *Patient) (*Patient, error) {
	return create(ctx, c, "Patient", p, func(v *Patient, id string) { v.ID = id })
}

func (c *Client) UpdatePatient(ctx context.Context, id string, p *Patient) (*Patient, error) {
	p.ID = id
	return update(ctx, c, "Patient", id, p)
}

func (c *Client) DeletePatient(ctx context.Context, id string) (bool, string) {
	return c.deleteResource(ctx, "Patient", id, func(ctx context.Context) (bool, error) {
		p, err := c.GetPatient(ctx, id)
		return p != nil, err
	})
}

// SearchPatientsByEmail returns every patient the server matches on the
// telecom token.
func (c *Client) SearchPatientsByEmail(ctx context.Context, email string) ([]*Patient, error) {
	return search[Patient](ctx, c, "Patient", url.Values{"telecom": {email}})
}

func (c *Client) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	return read[Appointment](ctx, c, "Appointment", id)
}

func (c *Client) CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error) {
	return create(ctx, c, "Appointment", a, func(v *Appointment, id string) { v.ID = id })
}

func (c *Client) UpdateAppointment(ctx context.Context, id string, a *Appointment) (*Appointment, error) {
	a.ID = id
	return update(ctx, c, "Appointment", id, a)
}

func (c *Client) DeleteAppointment(ctx context.Context, id string) (bool, string) {
	return c.deleteResource(ctx, "Appointment", id, func(ctx context.Context) (bool, error) {
		a, err := c.GetAppointment(ctx, id)
		return a != nil, err
	})
}

func (c *Client) SearchAppointmentsByPatient(ctx context.Context, patientID string) ([]*Appointment, error) {
	return search[Appointment](ctx, c, "Appointment", url.Values{"actor": {PatientReference(patientID)}})
}

// deleteResource reports (false, reason) instead of an error so that the
// caller can surface the server's reason unchanged.
func (c *Client) deleteResource(ctx context.Context, resourceType, id string, exists func(context.Context) (bool, error)) (bool, string) {
	found, err := exists(ctx)
	if err != nil {
		return false, "Deletion failed: " + ReasonOf(err)
	}
	if !found {
		return false, resourceType + " not found"
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"type": resourceType, "id": id}).
		Delete("/{type}/{id}")
	if err != nil {
		return false, "Deletion failed: " + err.Error()
	}
	if !resp.IsSuccess() {
		return false, "Deletion failed: " + remoteError(resp).Reason()
	}
	return true, "Deletion successful"
}

// ReasonOf returns the server's reason for a RemoteError anywhere in err's
// chain, else the error text.
func ReasonOf(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Reason()
	}
	return err.Error()
}

// read returns nil, nil when the server answers 404 or 410.
func read[T any](ctx context.Context, c *Client, resourceType, id string) (*T, error) {
	if id == "" {
		return nil, nil
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"type": resourceType, "id": id}).
		Get("/{type}/{id}")
	if err != nil {
		return nil, fmt.Errorf("fhir read %s/%s: %w", resourceType, id, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound, resp.StatusCode() == http.StatusGone:
		return nil, nil
	case !resp.IsSuccess():
		return nil, remoteError(resp)
	}

	v := new(T)
	if err := json.Unmarshal(resp.Body(), v); err != nil {
		return nil, fmt.Errorf("fhir read %s/%s: decode: %w", resourceType, id, err)
	}
	return v, nil
}

func create[T any](ctx context.Context, c *Client, resourceType string, body *T, setID func(*T, string)) (*T, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetBody(body).
		Post("/" + resourceType)
	if err != nil {
		return nil, fmt.Errorf("fhir create %s: %w", resourceType, err)
	}
	if !resp.IsSuccess() {
		return nil, remoteError(resp)
	}

	if len(resp.Body()) > 0 {
		v := new(T)
		if err := json.Unmarshal(resp.Body(), v); err != nil {
			return nil, fmt.Errorf("fhir create %s: decode: %w", resourceType, err)
		}
		return v, nil
	}

	// return=minimal servers only send a Location header.
	_, id, ok := ParseReference(resp.Header().Get("Location"))
	if !ok {
		return nil, fmt.Errorf("fhir create %s: response has neither body nor Location", resourceType)
	}
	setID(body, id)
	return body, nil
}

func update[T any](ctx context.Context, c *Client, resourceType, id string, body *T) (*T, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetPathParams(map[string]string{"type": resourceType, "id": id}).
		SetBody(body).
		Put("/{type}/{id}")
	if err != nil {
		return nil, fmt.Errorf("fhir update %s/%s: %w", resourceType, id, err)
	}
	if !resp.IsSuccess() {
		return nil, remoteError(resp)
	}
	if len(resp.Body()) == 0 {
		return body, nil
	}
	v := new(T)
	if err := json.Unmarshal(resp.Body(), v); err != nil {
		return nil, fmt.Errorf("fhir update %s/%s: decode: %w", resourceType, id, err)
	}
	return v, nil
}

// search follows "next" links until the last page or maxSearchPages.
func search[T any](ctx context.Context, c *Client, resourceType string, params url.Values) ([]*T, error) {
	req := c.http.R().SetContext(ctx).SetQueryParamsFromValues(params)
	resp, err := req.Get("/" + resourceType)

	var out []*T
	for page := 1; ; page++ {
		if err != nil {
			return nil, fmt.Errorf("fhir search %s: %w", resourceType, err)
		}
		if !resp.IsSuccess() {
			return nil, remoteError(resp)
		}

		var b Bundle
		if err := json.Unmarshal(resp.Body(), &b); err != nil {
			return nil, fmt.Errorf("fhir search %s: decode bundle: %w", resourceType, err)
		}
		matches, decodeErr := Matches[T](&b, resourceType)
		if decodeErr != nil {
			return nil, fmt.Errorf("fhir search %s: %w", resourceType, decodeErr)
		}
		out = append(out, matches...)

		next := b.NextURL()
		if next == "" {
			return out, nil
		}
		if page >= maxSearchPages {
			c.logger.Warn().Str("resource_type", resourceType).Int("pages", page).Msg("search truncated")
			return out, nil
		}
		resp, err = c.http.R().SetContext(ctx).Get(next)
	}
}

func remoteError(resp *resty.Response) *RemoteError {
	re := &RemoteError{
		Method: resp.Request.Method,
		Status: resp.StatusCode(),
	}
	if resp.Request.RawRequest != nil {
		re.Path = resp.Request.RawRequest.URL.Path
	}
	var oo OperationOutcome
	if err := json.Unmarshal(resp.Body(), &oo); err == nil && oo.ResourceType == "OperationOutcome" {
		re.Outcome = &oo
	}
	return re
}
