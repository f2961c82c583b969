// Package chart is the facade the summarization layer talks to. A Client
// reads one source; a Service routes calls to the right Client.
package chart

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"stealthcompany.com/chartprep/internal/apperrors"
	"stealthcompany.com/chartprep/internal/clinical"
	"stealthcompany.com/chartprep/internal/fhir"
	"stealthcompany.com/chartprep/internal/metrics"
	"stealthcompany.com/chartprep/internal/sources"
)

const (
	// ObservationWindow bounds how far back observations are requested.
	ObservationWindow = 180 * 24 * time.Hour
	ObservationLimit  = 20
	EncounterLimit    = 10

	// encounterScanLimit is how many encounters are read when looking for a
	// practitioner's patients.
	encounterScanLimit = 100
)

// Requester performs an authenticated GET and returns the body of a 2xx
// response. *transport.Executor satisfies it.
type Requester interface {
	Get(ctx context.Context, url, resourceType string) ([]byte, error)
}

// Client reads clinical data from a single source. Every method returns
// errors as-is; deciding what degrades is the Service's job.
type Client struct {
	def  sources.Definition
	exec Requester
	now  func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClock overrides the clock used for the observation window.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a client for def that sends requests through exec.
func NewClient(def sources.Definition, exec Requester, opts ...ClientOption) *Client {
	c := &Client{
		def:  def,
		exec: exec,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Definition returns the source this client reads.
func (c *Client) Definition() sources.Definition {
	return c.def
}

// SearchPractitioners lists up to count practitioners.
func (c *Client) SearchPractitioners(ctx context.Context, count int) ([]clinical.Practitioner, error) {
	if c.def.Mode() == sources.SearchAllowList {
		return probe(ctx, c, fhir.ResourcePractitioner, c.def.TestPractitionerIDs, count, c.readPractitioner)
	}
	return search(ctx, c, fhir.ResourcePractitioner, url.Values{"_count": {strconv.Itoa(count)}}, fhir.ParsePractitioner)
}

// SearchPatients lists up to count patients. Sandboxes that refuse unscoped
// searches are served from their known test ids, and when none of those
// resolve a sandbox returns synthetic placeholders.
func (c *Client) SearchPatients(ctx context.Context, count int) ([]clinical.Patient, error) {
	if c.def.Mode() == sources.SearchNative {
		return search(ctx, c, fhir.ResourcePatient, url.Values{"_count": {strconv.Itoa(count)}}, c.parsePatient)
	}

	patients, err := probe(ctx, c, fhir.ResourcePatient, c.def.TestPatientIDs, count, c.GetPatient)
	if err != nil {
		return nil, err
	}
	if len(patients) == 0 && c.def.Sandbox {
		n := min(sources.SyntheticPatientCount, count)
		log.Warn().
			Str("source", c.def.ID).
			Int("count", n).
			Msg("No sandbox test patients resolved, returning synthetic placeholders")
		metrics.RecordSyntheticFallback(c.def.ID)
		return sources.SyntheticPatients(c.def.ID, n), nil
	}
	return patients, nil
}

// PractitionerPatients lists up to count distinct patients that practitionerID
// has encounters with, in the order the encounters were returned.
func (c *Client) PractitionerPatients(ctx context.Context, practitionerID string, count int) ([]clinical.Patient, error) {
	params := url.Values{
		c.def.EncounterPractitionerParam(): {practitionerID},
		"_count":                           {strconv.Itoa(encounterScanLimit)},
	}
	searchURL := c.searchURL(fhir.ResourceEncounter, params)
	body, err := c.exec.Get(ctx, searchURL, fhir.ResourceEncounter)
	if err != nil {
		return nil, err
	}
	bundle, err := fhir.DecodeBundle(body)
	if err != nil {
		return nil, c.decodeError(fhir.ResourceEncounter, searchURL, fmt.Errorf("encounters for practitioner %s: %w", practitionerID, err))
	}

	var ids []string
	seen := make(map[string]struct{})
	for _, enc := range fhir.Entries[fhir.Encounter](bundle, fhir.ResourceEncounter) {
		if enc.Subject == nil {
			continue
		}
		id := fhir.ReferenceID(enc.Subject.Reference, fhir.ResourcePatient)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	return probe(ctx, c, fhir.ResourcePatient, ids, count, c.GetPatient)
}

// GetPatient reads one patient. A 404 or 410 becomes a NotFoundError; a
// body that is not a Patient becomes a FetchError.
func (c *Client) GetPatient(ctx context.Context, id string) (clinical.Patient, error) {
	raw, err := read[fhir.Patient](ctx, c, fhir.ResourcePatient, id)
	if err != nil {
		return clinical.Patient{}, err
	}
	patient, ok := c.parsePatient(raw)
	if !ok {
		return clinical.Patient{}, apperrors.NotFound(c.def.ID, fhir.ResourcePatient, id)
	}
	return patient, nil
}

// Conditions returns the patient's active conditions.
func (c *Client) Conditions(ctx context.Context, patientID string) ([]clinical.Condition, error) {
	params := url.Values{
		"patient":         {patientID},
		"clinical-status": {"active"},
	}
	return search(ctx, c, fhir.ResourceCondition, params, fhir.ParseCondition)
}

// Medications returns the patient's active medications from the resource
// type the source uses for them.
func (c *Client) Medications(ctx context.Context, patientID string) ([]clinical.Medication, error) {
	params := url.Values{
		"patient": {patientID},
		"status":  {"active"},
	}
	return search(ctx, c, c.def.MedicationResourceType(), params, fhir.ParseMedication)
}

// Observations returns the most recent observations within ObservationWindow.
func (c *Client) Observations(ctx context.Context, patientID string) ([]clinical.Observation, error) {
	since := c.now().Add(-ObservationWindow).Format(time.DateOnly)
	params := url.Values{
		"patient": {patientID},
		"date":    {"ge" + since},
		"_count":  {strconv.Itoa(ObservationLimit)},
		"_sort":   {"-date"},
	}
	if len(c.def.ObservationCategories) > 0 {
		params.Set("category", strings.Join(c.def.ObservationCategories, ","))
	}
	return search(ctx, c, fhir.ResourceObservation, params, fhir.ParseObservation)
}

// Allergies returns every allergy recorded for the patient.
func (c *Client) Allergies(ctx context.Context, patientID string) ([]clinical.Allergy, error) {
	return search(ctx, c, fhir.ResourceAllergyIntolerance, url.Values{"patient": {patientID}}, fhir.ParseAllergy)
}

// Encounters returns the patient's most recent encounters.
func (c *Client) Encounters(ctx context.Context, patientID string) ([]clinical.Encounter, error) {
	params := url.Values{
		"patient": {patientID},
		"_count":  {strconv.Itoa(EncounterLimit)},
		"_sort":   {"-date"},
	}
	return search(ctx, c, fhir.ResourceEncounter, params, fhir.ParseEncounter)
}

func (c *Client) parsePatient(p fhir.Patient) (clinical.Patient, bool) {
	return fhir.ParsePatient(p, c.def.MRN)
}

func (c *Client) readPractitioner(ctx context.Context, id string) (clinical.Practitioner, error) {
	raw, err := read[fhir.Practitioner](ctx, c, fhir.ResourcePractitioner, id)
	if err != nil {
		return clinical.Practitioner{}, err
	}
	p, ok := fhir.ParsePractitioner(raw)
	if !ok {
		return clinical.Practitioner{}, apperrors.NotFound(c.def.ID, fhir.ResourcePractitioner, id)
	}
	return p, nil
}

// decodeError reports a 2xx response whose body could not be decoded, such
// as a vendor maintenance page.
func (c *Client) decodeError(resourceType, rawURL string, cause error) error {
	return &apperrors.FetchError{
		Source:       c.def.ID,
		ResourceType: resourceType,
		URL:          rawURL,
		StatusCode:   http.StatusOK,
		Cause:        cause,
	}
}

func (c *Client) baseURL() string {
	return strings.TrimSuffix(c.def.BaseURL, "/")
}

func (c *Client) readURL(resourceType, id string) string {
	return c.baseURL() + "/" + resourceType + "/" + url.PathEscape(id)
}

func (c *Client) searchURL(resourceType string, params url.Values) string {
	for k, v := range c.def.ExtraParams {
		if !params.Has(k) {
			params.Set(k, v)
		}
	}
	return c.baseURL() + "/" + resourceType + "?" + params.Encode()
}

// search runs a searchset query and parses every entry of resourceType,
// dropping the ones parse rejects.
func search[R, T any](ctx context.Context, c *Client, resourceType string, params url.Values, parse func(R) (T, bool)) ([]T, error) {
	searchURL := c.searchURL(resourceType, params)
	body, err := c.exec.Get(ctx, searchURL, resourceType)
	if err != nil {
		return nil, err
	}
	bundle, err := fhir.DecodeBundle(body)
	if err != nil {
		return nil, c.decodeError(resourceType, searchURL, err)
	}

	raw := fhir.Entries[R](bundle, resourceType)
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		if v, ok := parse(r); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// read fetches resourceType/id. A 404 or 410 becomes a NotFoundError.
func read[R any](ctx context.Context, c *Client, resourceType, id string) (R, error) {
	var zero R
	readURL := c.readURL(resourceType, id)
	body, err := c.exec.Get(ctx, readURL, resourceType)
	if err != nil {
		if fe, ok := apperrors.AsFetch(err); ok && fe.Missing() {
			return zero, apperrors.NotFound(c.def.ID, resourceType, id)
		}
		return zero, err
	}
	raw, err := fhir.DecodeResource[R](body, resourceType)
	if err != nil {
		return zero, c.decodeError(resourceType, readURL, err)
	}
	return raw, nil
}

// probe reads ids one at a time until count have resolved. Ids that are
// missing or fail to fetch are skipped; authentication and configuration
// errors abort.
func probe[T any](ctx context.Context, c *Client, resourceType string, ids []string, count int, read func(context.Context, string) (T, error)) ([]T, error) {
	out := make([]T, 0, min(len(ids), max(count, 0)))
	for _, id := range ids {
		if len(out) >= count {
			break
		}
		v, err := read(ctx, id)
		if err != nil {
			if apperrors.IsAuthentication(err) || apperrors.IsConfiguration(err) {
				return nil, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Debug().
				Err(err).
				Str("source", c.def.ID).
				Str("resource_type", resourceType).
				Str("id", id).
				Msg("Skipping unresolvable resource")
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
