// Package sources describes the FHIR vendors the client can talk to and the
// per-vendor quirks the client has to respect.
package sources

import (
	"fmt"
	"net/url"
	"strings"

	"stealthcompany.com/chartprep/internal/apperrors"
	"stealthcompany.com/chartprep/internal/auth"
	"stealthcompany.com/chartprep/internal/clinical"
	"stealthcompany.com/chartprep/internal/fhir"
)

// Built-in source ids.
const (
	HAPI       = "hapi"
	HealthLake = "healthlake"
	Epic       = "epic"
	Cerner     = "cerner"
	Athena     = "athena"
)

// SearchMode is how unscoped patient and practitioner searches are served.
type SearchMode string

const (
	// SearchNative issues a plain search with _count.
	SearchNative SearchMode = "native"
	// SearchAllowList reads a fixed list of known test ids one by one, for
	// sandboxes that refuse unscoped searches.
	SearchAllowList SearchMode = "sandbox-allowlist"
)

// DefaultPractitionerParam is the Encounter search parameter that scopes
// encounters to a practitioner.
const DefaultPractitionerParam = "practitioner"

// Definition is everything the client needs to know about one source.
type Definition struct {
	ID          string `mapstructure:"id"`
	DisplayName string `mapstructure:"display_name"`
	Description string `mapstructure:"description"`
	BaseURL     string `mapstructure:"base_url"`

	// Sandbox marks non-production sources. Only sandboxes may fall back to
	// synthetic placeholder patients.
	Sandbox bool `mapstructure:"sandbox"`

	Auth auth.Config `mapstructure:"auth"`

	// MedicationResource is MedicationRequest or MedicationStatement.
	MedicationResource string              `mapstructure:"medication_resource"`
	MRN                fhir.IdentifierRule `mapstructure:"mrn"`

	SearchMode          SearchMode `mapstructure:"search_mode"`
	TestPatientIDs      []string   `mapstructure:"test_patient_ids"`
	TestPractitionerIDs []string   `mapstructure:"test_practitioner_ids"`

	PractitionerParam     string            `mapstructure:"practitioner_param"`
	ObservationCategories []string          `mapstructure:"observation_categories"`
	ExtraParams           map[string]string `mapstructure:"extra_params"`

	// RateLimit is requests per second; zero means unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`
}

// Info is the public description of the source.
func (d Definition) Info() clinical.SourceInfo {
	return clinical.SourceInfo{
		ID:          d.ID,
		DisplayName: d.DisplayName,
		Description: d.Description,
		Sandbox:     d.Sandbox,
	}
}

// MedicationResourceType defaults to MedicationRequest.
func (d Definition) MedicationResourceType() string {
	if d.MedicationResource == "" {
		return fhir.ResourceMedicationRequest
	}
	return d.MedicationResource
}

// EncounterPractitionerParam defaults to DefaultPractitionerParam.
func (d Definition) EncounterPractitionerParam() string {
	if d.PractitionerParam == "" {
		return DefaultPractitionerParam
	}
	return d.PractitionerParam
}

// Mode defaults to SearchNative.
func (d Definition) Mode() SearchMode {
	if d.SearchMode == "" {
		return SearchNative
	}
	return d.SearchMode
}

// Validate checks the fields every source needs regardless of strategy.
func (d Definition) Validate() error {
	if d.ID == "" {
		return apperrors.Configuration("", "source id is required", nil)
	}
	if d.BaseURL == "" {
		return apperrors.Configuration(d.ID, "base URL is not configured", nil)
	}
	u, err := url.Parse(d.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return apperrors.Configuration(d.ID, fmt.Sprintf("base URL %q is not an absolute URL", d.BaseURL), err)
	}

	switch d.MedicationResourceType() {
	case fhir.ResourceMedicationRequest, fhir.ResourceMedicationStatement:
	default:
		return apperrors.Configuration(d.ID, "unsupported medication resource "+d.MedicationResource, nil)
	}

	switch d.Mode() {
	case SearchNative, SearchAllowList:
	default:
		return apperrors.Configuration(d.ID, "unknown search mode "+string(d.SearchMode), nil)
	}
	return nil
}

// DeriveTokenURL guesses an OAuth2 token endpoint from an Epic-style base
// URL by replacing everything from "/api" on with "/oauth2/token".
func DeriveTokenURL(baseURL string) string {
	root, _, _ := strings.Cut(strings.TrimSuffix(baseURL, "/"), "/api")
	return root + "/oauth2/token"
}
