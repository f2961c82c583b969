package sources

import (
	"stealthcompany.com/chartprep/internal/auth"
	"stealthcompany.com/chartprep/internal/fhir"
)

// HealthLakeMRNSystem is the identifier system HealthLake's sample data
// uses for medical record numbers.
const HealthLakeMRNSystem = "urn:oid:1.2.36.146.595.217.0.1"

// Builtin returns the default source catalogue. Credentials are left empty
// and filled in from configuration.
func Builtin() []Definition {
	return []Definition{
		{
			ID:          HAPI,
			DisplayName: "HAPI FHIR (public R4)",
			Description: "Public HAPI FHIR R4 test server, no authentication",
			BaseURL:     "https://hapi.fhir.org/baseR4",
			Sandbox:     true,
			Auth:        auth.Config{Kind: auth.KindNone},
			SearchMode:  SearchNative,
		},
		{
			ID:                 HealthLake,
			DisplayName:        "AWS HealthLake",
			Description:        "AWS HealthLake FHIR datastore, SigV4 signed",
			Auth:               auth.Config{Kind: auth.KindSignedRequest, Region: "us-east-1", Service: auth.HealthLakeService},
			MedicationResource: fhir.ResourceMedicationStatement,
			MRN:                fhir.IdentifierRule{System: HealthLakeMRNSystem},
			SearchMode:         SearchNative,
		},
		{
			ID:          Epic,
			DisplayName: "Epic (sandbox)",
			Description: "Epic on FHIR sandbox, SMART Backend Services",
			BaseURL:     "https://fhir.epic.com/interconnect-fhir-oauth/api/FHIR/R4",
			Sandbox:     true,
			Auth: auth.Config{
				Kind:     auth.KindBearerToken,
				Grant:    auth.GrantJWTBearer,
				TokenURL: "https://fhir.epic.com/interconnect-fhir-oauth/oauth2/token",
			},
			MedicationResource: fhir.ResourceMedicationRequest,
			MRN:                fhir.IdentifierRule{Use: "official"},
			SearchMode:         SearchAllowList,
			TestPatientIDs: []string{
				"erXuFYUfucBZaryVksYEcMg3",
				"eq081-VQEgP8drUUqCWzHfw3",
				"eAB3mDIBBcyUKviyzrxsnAw3",
				"egqBHVfQlt4Bw3XGXoxVxHg3",
				"e63wRTbPfr1p8UW81d8Seiw3",
			},
			TestPractitionerIDs: []string{
				"eM5CWtq15N0WJeuCet5bJlQ3",
			},
			ObservationCategories: []string{"laboratory", "vital-signs"},
		},
		{
			ID:          Cerner,
			DisplayName: "Oracle Health (Cerner sandbox)",
			Description: "Oracle Health Millennium sandbox, client credentials",
			BaseURL:     "https://fhir-ehr-code.cerner.com/r4/ec2458f2-1e24-41c8-b71b-0e701af7583d",
			Sandbox:     true,
			Auth: auth.Config{
				Kind:     auth.KindBearerToken,
				Grant:    auth.GrantClientSecret,
				TokenURL: "https://authorization.cerner.com/tenants/ec2458f2-1e24-41c8-b71b-0e701af7583d/protocols/oauth2/profiles/smart-v1/token",
				Scopes: []string{
					"system/Patient.read",
					"system/Practitioner.read",
					"system/Condition.read",
					"system/MedicationRequest.read",
					"system/Observation.read",
					"system/AllergyIntolerance.read",
					"system/Encounter.read",
				},
				AllowUnauthenticatedFallback: true,
			},
			MedicationResource: fhir.ResourceMedicationRequest,
			SearchMode:         SearchAllowList,
			TestPatientIDs:     []string{"12724066", "12742400", "12724065", "12724067"},
			TestPractitionerIDs: []string{
				"593923",
			},
		},
		{
			ID:          Athena,
			DisplayName: "athenahealth (preview)",
			Description: "athenahealth preview environment, practice-scoped",
			BaseURL:     "https://api.preview.platform.athenahealth.com/fhir/r4",
			Sandbox:     true,
			Auth: auth.Config{
				Kind:           auth.KindBearerToken,
				Grant:          auth.GrantJWTBearer,
				TokenURL:       "https://api.preview.platform.athenahealth.com/oauth2/v1/token",
				Scopes:         []string{"system/Patient.read", "system/Encounter.read", "system/Condition.read"},
				NotBeforeClaim: true,
				ScopeClaim:     true,
			},
			MedicationResource: fhir.ResourceMedicationRequest,
			SearchMode:         SearchAllowList,
			TestPatientIDs:     []string{"a-195900.E-14545", "a-195900.E-14546"},
			ExtraParams:        map[string]string{"ah-practice": "Organization/a-1.Practice-195900"},
			RateLimit:          10,
		},
	}
}
