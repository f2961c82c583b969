package chart

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stealthcompany.com/chartprep/internal/apperrors"
	"stealthcompany.com/chartprep/internal/auth"
	"stealthcompany.com/chartprep/internal/clinical"
	"stealthcompany.com/chartprep/internal/fhir"
	"stealthcompany.com/chartprep/internal/fhirtest"
	"stealthcompany.com/chartprep/internal/sources"
	"stealthcompany.com/chartprep/internal/transport"
)

var fixedNow = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

type memoryRecorder struct {
	mu      sync.Mutex
	records []clinical.Degradation
}

func (m *memoryRecorder) RecordDegradation(_ context.Context, d clinical.Degradation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, d)
	return nil
}

func openSource(id, baseURL string) sources.Definition {
	return sources.Definition{
		ID:          id,
		DisplayName: id,
		BaseURL:     baseURL,
		Sandbox:     true,
		Auth:        auth.Config{Kind: auth.KindNone},
	}
}

func newService(t *testing.T, server *fhirtest.Server, defs []sources.Definition, opts ...Option) *Service {
	t.Helper()
	factory := NewClientFactory(nil, server.Client(), transport.WithRetryPolicy(transport.NoRetry()))
	opts = append([]Option{WithClientFactory(factory), WithServiceClock(func() time.Time { return fixedNow })}, opts...)
	svc, err := NewService(defs, opts...)
	require.NoError(t, err)
	return svc
}

func seedChart(server *fhirtest.Server, patientID string) {
	server.Add(
		fhirtest.Patient(patientID, "Jane", "Doe"),
		fhirtest.Coded("Condition", "c1", patientID, "44054006", "Diabetes mellitus type 2"),
		fhirtest.Coded("MedicationRequest", "m1", patientID, "860975", "Metformin 500 MG"),
		fhirtest.Coded("Observation", "o1", patientID, "4548-4", "Hemoglobin A1c"),
		fhirtest.Coded("AllergyIntolerance", "a1", patientID, "7980", "Penicillin G"),
		fhirtest.Encounter("e1", patientID, "dr1"),
	)
}

func TestBundleCollectsEveryCategory(t *testing.T) {
	server := fhirtest.NewServer(t)
	seedChart(server, "p1")
	svc := newService(t, server, []sources.Definition{openSource("hapi", server.URL)})

	b, err := svc.GetPatientBundle(context.Background(), "hapi", "p1")
	require.NoError(t, err)

	assert.Equal(t, "hapi", b.Source)
	assert.Equal(t, "Jane Doe", b.Patient.Name)
	assert.Len(t, b.Conditions, 1)
	assert.Len(t, b.Medications, 1)
	assert.Len(t, b.Observations, 1)
	assert.Len(t, b.Allergies, 1)
	assert.Len(t, b.Encounters, 1)
	assert.Empty(t, b.Warnings)
	assert.False(t, b.Degraded())
	assert.Equal(t, fixedNow, b.CollectedAt)
}

func TestBundleDegradesFailingCategory(t *testing.T) {
	server := fhirtest.NewServer(t)
	seedChart(server, "p1")
	server.FailSearch("Condition", http.StatusInternalServerError)

	recorder := &memoryRecorder{}
	svc := newService(t, server, []sources.Definition{openSource("hapi", server.URL)}, WithDegradationRecorder(recorder))

	b, err := svc.GetPatientBundle(context.Background(), "hapi", "p1")
	require.NoError(t, err)

	assert.NotNil(t, b.Conditions)
	assert.Empty(t, b.Conditions)
	assert.Len(t, b.Medications, 1)
	assert.Len(t, b.Encounters, 1)

	require.Len(t, b.Warnings, 1)
	assert.Equal(t, clinical.CategoryConditions, b.Warnings[0].Category)
	assert.Contains(t, b.Warnings[0].Message, "500")

	require.Len(t, recorder.records, 1)
	assert.Equal(t, "p1", recorder.records[0].PatientID)
	assert.Equal(t, clinical.CategoryConditions, recorder.records[0].Category)
}

func TestBundleWarningsFollowCategoryOrder(t *testing.T) {
	server := fhirtest.NewServer(t)
	seedChart(server, "p1")
	server.FailSearch("Encounter", http.StatusBadGateway)
	server.FailSearch("Condition", http.StatusBadGateway)
	server.FailSearch("AllergyIntolerance", http.StatusBadGateway)

	svc := newService(t, server, []sources.Definition{openSource("hapi", server.URL)})

	b, err := svc.GetPatientBundle(context.Background(), "hapi", "p1")
	require.NoError(t, err)

	require.Len(t, b.Warnings, 3)
	assert.Equal(t, clinical.CategoryConditions, b.Warnings[0].Category)
	assert.Equal(t, clinical.CategoryAllergies, b.Warnings[1].Category)
	assert.Equal(t, clinical.CategoryEncounters, b.Warnings[2].Category)
}

func TestBundleFailsFastOnMissingPatient(t *testing.T) {
	server := fhirtest.NewServer(t)
	svc := newService(t, server, []sources.Definition{openSource("hapi", server.URL)})

	_, err := svc.GetPatientBundle(context.Background(), "hapi", "ghost")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)

	assert.Empty(t, server.RequestsFor("Condition"))
	assert.Empty(t, server.RequestsFor("Encounter"))
}

func TestBundleDropsUncodedCondition(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.Add(
		fhirtest.Patient("p1", "Jane", "Doe"),
		fhirtest.Coded("Condition", "c1", "p1", "38341003", "Hypertension"),
		fhirtest.Coded("Condition", "c2", "p1", "", "free text only"),
	)
	svc := newService(t, server, []sources.Definition{openSource("hapi", server.URL)})

	b, err := svc.GetPatientBundle(context.Background(), "hapi", "p1")
	require.NoError(t, err)

	require.Len(t, b.Conditions, 1)
	assert.Equal(t, "38341003", b.Conditions[0].Code)
	assert.Empty(t, b.Warnings)
}

func TestSequentialBundleMatchesConcurrent(t *testing.T) {
	server := fhirtest.NewServer(t)
	seedChart(server, "p1")
	server.FailSearch("Observation", http.StatusServiceUnavailable)

	defs := []sources.Definition{openSource("hapi", server.URL)}
	concurrent, err := newService(t, server, defs).GetPatientBundle(context.Background(), "hapi", "p1")
	require.NoError(t, err)
	sequential, err := newService(t, server, defs, WithSequentialBundles()).GetPatientBundle(context.Background(), "hapi", "p1")
	require.NoError(t, err)

	assert.Equal(t, concurrent, sequential)
}

func TestPractitionerSearchDedupesPatients(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.Add(
		fhirtest.Patient("A", "Ann", "Able"),
		fhirtest.Patient("B", "Ben", "Baker"),
		fhirtest.Patient("C", "Cat", "Cole"),
		fhirtest.Encounter("e1", "A", "dr1"),
		fhirtest.Encounter("e2", "B", "dr1"),
		fhirtest.Encounter("e3", "A", "dr1"),
		fhirtest.Encounter("e4", "C", "dr1"),
		fhirtest.Encounter("e5", "C", "dr2"),
	)
	svc := newService(t, server, []sources.Definition{openSource("hapi", server.URL)})

	patients, err := svc.SearchPatients(context.Background(), "hapi", 10, "dr1")
	require.NoError(t, err)

	ids := make([]string, 0, len(patients))
	for _, p := range patients {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, ids)

	encounterQueries := server.RequestsFor("Encounter")
	require.Len(t, encounterQueries, 1)
	assert.Equal(t, "dr1", encounterQueries[0].Query.Get("practitioner"))
}

func TestPractitionerSearchTruncatesToCount(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.Add(
		fhirtest.Patient("A", "Ann", "Able"),
		fhirtest.Patient("B", "Ben", "Baker"),
		fhirtest.Patient("C", "Cat", "Cole"),
		fhirtest.Encounter("e1", "A", "dr1"),
		fhirtest.Encounter("e2", "B", "dr1"),
		fhirtest.Encounter("e3", "C", "dr1"),
	)
	svc := newService(t, server, []sources.Definition{openSource("hapi", server.URL)})

	patients, err := svc.SearchPatients(context.Background(), "hapi", 2, "dr1")
	require.NoError(t, err)
	require.Len(t, patients, 2)
	assert.Equal(t, "A", patients[0].ID)
	assert.Equal(t, "B", patients[1].ID)
	assert.Len(t, server.RequestsFor("Patient"), 2)
}

func TestPractitionerParamIsConfigurable(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.Add(fhirtest.Patient("A", "Ann", "Able"), fhirtest.Encounter("e1", "A", "dr1"))

	def := openSource("athena", server.URL)
	def.PractitionerParam = "participant"
	svc := newService(t, server, []sources.Definition{def})

	patients, err := svc.SearchPatients(context.Background(), "athena", 5, "dr1")
	require.NoError(t, err)
	require.Len(t, patients, 1)
	assert.Equal(t, "dr1", server.RequestsFor("Encounter")[0].Query.Get("participant"))
}

func TestSandboxAllowListFallsBackToSyntheticPatients(t *testing.T) {
	server := fhirtest.NewServer(t)

	def := openSource("epic", server.URL)
	def.SearchMode = sources.SearchAllowList
	def.TestPatientIDs = []string{"gone-1", "gone-2"}
	svc := newService(t, server, []sources.Definition{def})

	patients, err := svc.SearchPatients(context.Background(), "epic", 10, "")
	require.NoError(t, err)
	require.Len(t, patients, 3)
	assert.Equal(t, "epic-test-1", patients[0].ID)
	assert.Equal(t, "epic-test-2", patients[1].ID)
	assert.Equal(t, "epic-test-3", patients[2].ID)
}

func TestProductionAllowListNeverFabricatesPatients(t *testing.T) {
	server := fhirtest.NewServer(t)

	def := openSource("prod", server.URL)
	def.Sandbox = false
	def.SearchMode = sources.SearchAllowList
	def.TestPatientIDs = []string{"gone-1"}
	svc := newService(t, server, []sources.Definition{def})

	patients, err := svc.SearchPatients(context.Background(), "prod", 10, "")
	require.NoError(t, err)
	assert.Empty(t, patients)
}

func TestAllowListReturnsResolvedPatientsOnly(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.Add(fhirtest.Patient("t2", "Tess", "Two"), fhirtest.Patient("t3", "Tom", "Three"))

	def := openSource("cerner", server.URL)
	def.SearchMode = sources.SearchAllowList
	def.TestPatientIDs = []string{"t1", "t2", "t3"}
	svc := newService(t, server, []sources.Definition{def})

	patients, err := svc.SearchPatients(context.Background(), "cerner", 1, "")
	require.NoError(t, err)
	require.Len(t, patients, 1)
	assert.Equal(t, "t2", patients[0].ID)
}

func TestNativeSearchDegradesFetchErrors(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.FailSearch("Patient", http.StatusServiceUnavailable)
	server.FailSearch("Practitioner", http.StatusForbidden)
	svc := newService(t, server, []sources.Definition{openSource("hapi", server.URL)})

	patients, err := svc.SearchPatients(context.Background(), "hapi", 5, "")
	require.NoError(t, err)
	assert.NotNil(t, patients)
	assert.Empty(t, patients)

	practitioners, err := svc.SearchPractitioners(context.Background(), "hapi", 5)
	require.NoError(t, err)
	assert.Empty(t, practitioners)
}

func TestNativeSearchUsesCount(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.Add(
		fhirtest.Patient("p1", "A", "A"),
		fhirtest.Patient("p2", "B", "B"),
		fhirtest.Patient("p3", "C", "C"),
		fhirtest.Practitioner("dr1", "Gregory", "House"),
	)
	svc := newService(t, server, []sources.Definition{openSource("hapi", server.URL)})

	patients, err := svc.SearchPatients(context.Background(), "hapi", 2, "")
	require.NoError(t, err)
	assert.Len(t, patients, 2)
	assert.Equal(t, "2", server.RequestsFor("Patient")[0].Query.Get("_count"))

	practitioners, err := svc.SearchPractitioners(context.Background(), "hapi", 0)
	require.NoError(t, err)
	require.Len(t, practitioners, 1)
	assert.Equal(t, "Dr.", practitioners[0].Prefix)
	assert.Equal(t, "50", server.RequestsFor("Practitioner")[0].Query.Get("_count"))
}

func TestGetPatientErrors(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.Add(fhirtest.Patient("p1", "Jane", "Doe"))
	server.FailRead("Patient", "gone", http.StatusGone)
	server.FailRead("Patient", "broken", http.StatusInternalServerError)
	svc := newService(t, server, []sources.Definition{openSource("hapi", server.URL)})

	p, err := svc.GetPatient(context.Background(), "hapi", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", p.Name)

	_, err = svc.GetPatient(context.Background(), "hapi", "missing")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = svc.GetPatient(context.Background(), "hapi", "gone")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = svc.GetPatient(context.Background(), "hapi", "broken")
	fetchErr, ok := apperrors.AsFetch(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, fetchErr.StatusCode)
}

func TestMaintenancePageBecomesFetchError(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.ServeRaw("", http.StatusOK, "<html>maintenance</html>")
	svc := newService(t, server, []sources.Definition{openSource("hapi", server.URL)})
	ctx := context.Background()

	patients, err := svc.SearchPatients(ctx, "hapi", 5, "")
	require.NoError(t, err)
	assert.Empty(t, patients)

	patients, err = svc.SearchPatients(ctx, "hapi", 5, "dr1")
	require.NoError(t, err)
	assert.Empty(t, patients)

	practitioners, err := svc.SearchPractitioners(ctx, "hapi", 5)
	require.NoError(t, err)
	assert.Empty(t, practitioners)

	_, err = svc.GetPatient(ctx, "hapi", "p1")
	fetchErr, ok := apperrors.AsFetch(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusOK, fetchErr.StatusCode)
	assert.Equal(t, fhir.ResourcePatient, fetchErr.ResourceType)
	assert.False(t, apperrors.IsNotFound(err))
}

func TestUndecodableCategoryDegradesBundle(t *testing.T) {
	server := fhirtest.NewServer(t)
	seedChart(server, "p1")
	server.ServeRaw("Condition", http.StatusOK, "<html>maintenance</html>")
	svc := newService(t, server, []sources.Definition{openSource("hapi", server.URL)})

	b, err := svc.GetPatientBundle(context.Background(), "hapi", "p1")
	require.NoError(t, err)
	assert.Empty(t, b.Conditions)
	assert.Len(t, b.Medications, 1)
	require.Len(t, b.Warnings, 1)
	assert.Equal(t, clinical.CategoryConditions, b.Warnings[0].Category)
	assert.Contains(t, b.Warnings[0].Message, "status 200")
}

func TestMissingPractitionerIsNotFound(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.Add(fhirtest.Practitioner("dr1", "Gregory", "House"))
	server.FailRead("Practitioner", "gone", http.StatusGone)

	exec := transport.NewExecutor("epic", auth.None{}, transport.WithHTTPClient(server.Client()))
	c := NewClient(openSource("epic", server.URL), exec)

	_, err := c.readPractitioner(context.Background(), "ghost")
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)

	_, err = c.readPractitioner(context.Background(), "gone")
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)

	p, err := c.readPractitioner(context.Background(), "dr1")
	require.NoError(t, err)
	assert.Equal(t, "dr1", p.ID)
}

func TestRouting(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.Add(fhirtest.Patient("p1", "Jane", "Doe"))

	var built []string
	factory := NewClientFactory(nil, server.Client())
	counting := func(ctx context.Context, def sources.Definition) (*Client, error) {
		built = append(built, def.ID)
		return factory(ctx, def)
	}

	svc, err := NewService(
		[]sources.Definition{openSource("hapi", server.URL), openSource("mirror", server.URL)},
		WithClientFactory(counting),
		WithDefaultSource("mirror"),
	)
	require.NoError(t, err)

	infos := svc.ListSources()
	require.Len(t, infos, 2)
	assert.Equal(t, "hapi", infos[0].ID)
	assert.Equal(t, "mirror", svc.DefaultSource())

	for i := 0; i < 3; i++ {
		_, err := svc.GetPatient(context.Background(), "", "p1")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"mirror"}, built)

	_, err = svc.GetPatient(context.Background(), "nope", "p1")
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestNewServiceRejectsBadDefinitions(t *testing.T) {
	_, err := NewService([]sources.Definition{{ID: "a"}, {ID: "a"}})
	assert.True(t, apperrors.IsConfiguration(err))

	_, err = NewService([]sources.Definition{{ID: "a"}}, WithDefaultSource("b"))
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestMisconfiguredSourceSurfacesConfigurationError(t *testing.T) {
	def := sources.Definition{
		ID:      "epic",
		BaseURL: "https://fhir.example.org/api/FHIR/R4",
		Auth:    auth.Config{Kind: auth.KindBearerToken, TokenURL: "https://fhir.example.org/oauth2/token"},
	}
	svc, err := NewService([]sources.Definition{def})
	require.NoError(t, err)

	_, err = svc.SearchPatients(context.Background(), "epic", 5, "")
	assert.True(t, apperrors.IsConfiguration(err), "got %v", err)
}

func TestClientQueryParameters(t *testing.T) {
	server := fhirtest.NewServer(t)
	def := openSource("epic", server.URL)
	def.ObservationCategories = []string{"laboratory", "vital-signs"}
	def.ExtraParams = map[string]string{"ah-practice": "Organization/a-1.Practice-195900"}

	exec := transport.NewExecutor("epic", auth.None{}, transport.WithHTTPClient(server.Client()))
	c := NewClient(def, exec, WithClock(func() time.Time { return fixedNow }))
	ctx := context.Background()

	_, err := c.Conditions(ctx, "p1")
	require.NoError(t, err)
	_, err = c.Medications(ctx, "p1")
	require.NoError(t, err)
	_, err = c.Observations(ctx, "p1")
	require.NoError(t, err)
	_, err = c.Allergies(ctx, "p1")
	require.NoError(t, err)
	_, err = c.Encounters(ctx, "p1")
	require.NoError(t, err)

	cond := server.RequestsFor("Condition")[0].Query
	assert.Equal(t, "p1", cond.Get("patient"))
	assert.Equal(t, "active", cond.Get("clinical-status"))
	assert.Equal(t, "Organization/a-1.Practice-195900", cond.Get("ah-practice"))

	meds := server.RequestsFor("MedicationRequest")[0].Query
	assert.Equal(t, "active", meds.Get("status"))

	obs := server.RequestsFor("Observation")[0].Query
	assert.Equal(t, "ge2024-03-05", obs.Get("date"))
	assert.Equal(t, "20", obs.Get("_count"))
	assert.Equal(t, "-date", obs.Get("_sort"))
	assert.Equal(t, "laboratory,vital-signs", obs.Get("category"))

	allergies := server.RequestsFor("AllergyIntolerance")[0].Query
	assert.Equal(t, "p1", allergies.Get("patient"))
	assert.False(t, allergies.Has("_count"))

	enc := server.RequestsFor("Encounter")[0].Query
	assert.Equal(t, "10", enc.Get("_count"))
	assert.Equal(t, "-date", enc.Get("_sort"))
}

func TestMedicationResourceFollowsSource(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.Add(fhirtest.Coded("MedicationStatement", "ms1", "p1", "197361", "Amlodipine 5 MG"))

	def := openSource("healthlake", server.URL)
	def.MedicationResource = fhir.ResourceMedicationStatement
	exec := transport.NewExecutor("healthlake", auth.None{}, transport.WithHTTPClient(server.Client()))

	meds, err := NewClient(def, exec).Medications(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, meds, 1)
	assert.Equal(t, "Amlodipine 5 MG", meds[0].Display)
	assert.Empty(t, server.RequestsFor("MedicationRequest"))
}
