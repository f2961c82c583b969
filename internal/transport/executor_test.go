package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stealthcompany.com/chartprep/internal/apperrors"
	"stealthcompany.com/chartprep/internal/auth"
	"stealthcompany.com/chartprep/internal/fhirtest"
)

func fastRetry() RetryPolicy {
	p := DefaultRetryPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	return p
}

// stubTokens hands out tokens in order and counts invalidations.
type stubTokens struct {
	mu          sync.Mutex
	tokens      []string
	err         error
	invalidated int
}

func (s *stubTokens) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.tokens[0], nil
}

func (s *stubTokens) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
	if len(s.tokens) > 1 {
		s.tokens = s.tokens[1:]
	}
}

func TestNoneStrategySendsFHIRHeadersOnly(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.Add(fhirtest.Patient("p1", "Jane", "Doe"))

	exec := NewExecutor("hapi", auth.None{})
	body, err := exec.Get(context.Background(), server.URL+"/Patient/p1", "Patient")
	require.NoError(t, err)
	assert.Contains(t, string(body), `"id":"p1"`)

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Authorization)
	assert.Equal(t, "application/fhir+json", reqs[0].Headers.Get("Accept"))
}

func TestBearerStrategyAttachesToken(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.IssueToken("abc", 3600)
	server.RequireToken("abc")
	server.Add(fhirtest.Patient("p1", "Jane", "Doe"))

	manager := auth.NewTokenManager("cerner", server.TokenURL(),
		&auth.ClientSecretGrant{ClientID: "c", ClientSecret: "s"}, auth.NewTokenCache(), server.Client())
	exec := NewExecutor("cerner", &auth.BearerToken{Tokens: manager})

	for i := 0; i < 3; i++ {
		_, err := exec.Get(context.Background(), server.URL+"/Patient/p1", "Patient")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, server.TokenCalls())
	assert.Equal(t, "Bearer abc", server.RequestsFor("Patient")[0].Authorization)
}

func TestRejectedTokenIsRefreshedOnce(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.RequireToken("fresh")
	server.Add(fhirtest.Patient("p1", "Jane", "Doe"))

	tokens := &stubTokens{tokens: []string{"stale", "fresh"}}
	exec := NewExecutor("epic", &auth.BearerToken{Tokens: tokens}, WithRetryPolicy(NoRetry()))

	_, err := exec.Get(context.Background(), server.URL+"/Patient/p1", "Patient")
	require.NoError(t, err)
	assert.Equal(t, 1, tokens.invalidated)
	assert.Len(t, server.RequestsFor("Patient"), 2)
}

func TestPersistentUnauthorizedSurfacesStatus(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.RequireToken("never")

	tokens := &stubTokens{tokens: []string{"wrong"}}
	exec := NewExecutor("epic", &auth.BearerToken{Tokens: tokens}, WithRetryPolicy(NoRetry()))

	_, err := exec.Get(context.Background(), server.URL+"/Patient/p1", "Patient")
	fetchErr, ok := apperrors.AsFetch(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, fetchErr.StatusCode)
	assert.Equal(t, 1, tokens.invalidated)
}

func TestUnauthenticatedFallback(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.SetTokenResponse(http.StatusUnauthorized, `{"error":"invalid_client"}`)
	server.Add(fhirtest.Patient("p1", "Jane", "Doe"))

	manager := auth.NewTokenManager("cerner", server.TokenURL(),
		&auth.ClientSecretGrant{ClientID: "c", ClientSecret: "s"}, auth.NewTokenCache(), server.Client())

	strict := NewExecutor("cerner", &auth.BearerToken{Tokens: manager})
	_, err := strict.Get(context.Background(), server.URL+"/Patient/p1", "Patient")
	assert.True(t, apperrors.IsAuthentication(err), "got %v", err)
	assert.Empty(t, server.RequestsFor("Patient"))

	lenient := NewExecutor("cerner", &auth.BearerToken{Tokens: manager, AllowUnauthenticatedFallback: true})
	_, err = lenient.Get(context.Background(), server.URL+"/Patient/p1", "Patient")
	require.NoError(t, err)

	reqs := server.RequestsFor("Patient")
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Authorization)
}

func TestFallbackSkipsTokenEndpointWithinWindow(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.SetTokenResponse(http.StatusUnauthorized, `{"error":"invalid_client"}`)
	server.Add(fhirtest.Patient("p1", "Jane", "Doe"))

	manager := auth.NewTokenManager("cerner", server.TokenURL(),
		&auth.ClientSecretGrant{ClientID: "c", ClientSecret: "s"}, auth.NewTokenCache(), server.Client())
	exec := NewExecutor("cerner", &auth.BearerToken{Tokens: manager, AllowUnauthenticatedFallback: true})

	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	exec.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := exec.Get(context.Background(), server.URL+"/Patient/p1", "Patient")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, server.TokenCalls())
	assert.Len(t, server.RequestsFor("Patient"), 3)

	now = now.Add(FallbackWindow + time.Second)
	_, err := exec.Get(context.Background(), server.URL+"/Patient/p1", "Patient")
	require.NoError(t, err)
	assert.Equal(t, 2, server.TokenCalls())
}

func TestSignedStrategySignsRequests(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.Add(fhirtest.Patient("p1", "Jane", "Doe"))

	creds := credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", "")
	exec := NewExecutor("healthlake", auth.NewSignedRequest("healthlake", "us-east-1", auth.HealthLakeService, creds))

	_, err := exec.Get(context.Background(), server.URL+"/Patient/p1", "Patient")
	require.NoError(t, err)

	reqs := server.RequestsFor("Patient")
	require.Len(t, reqs, 1)
	assert.True(t, strings.HasPrefix(reqs[0].Authorization, "AWS4-HMAC-SHA256 "), reqs[0].Authorization)
	assert.Contains(t, reqs[0].Authorization, "/us-east-1/healthlake/aws4_request")
	assert.NotEmpty(t, reqs[0].Headers.Get("X-Amz-Date"))
}

func TestNon2xxBecomesFetchError(t *testing.T) {
	server := fhirtest.NewServer(t)

	exec := NewExecutor("hapi", auth.None{})
	_, err := exec.Get(context.Background(), server.URL+"/Patient/missing", "Patient")

	fetchErr, ok := apperrors.AsFetch(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	assert.Equal(t, "Patient", fetchErr.ResourceType)
	assert.Equal(t, server.URL+"/Patient/missing", fetchErr.URL)
	assert.True(t, fetchErr.Missing())
}

func TestDoReturnsRawResponse(t *testing.T) {
	server := fhirtest.NewServer(t)

	exec := NewExecutor("hapi", auth.None{})
	resp, err := exec.Do(context.Background(), Request{URL: server.URL + "/Patient/missing", ResourceType: "Patient"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "OperationOutcome")
}

func TestTransientStatusesAreRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"resourceType":"Bundle"}`))
	}))
	defer server.Close()

	exec := NewExecutor("hapi", auth.None{}, WithRetryPolicy(fastRetry()))
	body, err := exec.Get(context.Background(), server.URL+"/Patient", "Patient")
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceType":"Bundle"}`, string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	exec := NewExecutor("hapi", auth.None{}, WithRetryPolicy(fastRetry()))
	_, err := exec.Get(context.Background(), server.URL+"/Condition", "Condition")

	fetchErr, ok := apperrors.AsFetch(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, fetchErr.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	exec := NewExecutor("hapi", auth.None{}, WithRetryPolicy(fastRetry()))
	_, err := exec.Get(context.Background(), server.URL+"/Observation", "Observation")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimeoutAppliesPerAttempt(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	exec := NewExecutor("hapi", auth.None{}, WithTimeout(50*time.Millisecond), WithRetryPolicy(NoRetry()))
	start := time.Now()
	_, err := exec.Get(context.Background(), server.URL+"/Patient", "Patient")

	fetchErr, ok := apperrors.AsFetch(err)
	require.True(t, ok, "got %v", err)
	assert.Zero(t, fetchErr.StatusCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNetworkFailureIsFetchError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	exec := NewExecutor("hapi", auth.None{}, WithRetryPolicy(NoRetry()))
	_, err := exec.Get(context.Background(), url+"/Patient", "Patient")

	fetchErr, ok := apperrors.AsFetch(err)
	require.True(t, ok)
	assert.Zero(t, fetchErr.StatusCode)
	assert.Error(t, fetchErr.Cause)
}

func TestRateLimitedExecutorStillServes(t *testing.T) {
	server := fhirtest.NewServer(t)
	server.Add(fhirtest.Patient("p1", "Jane", "Doe"))

	exec := NewExecutor("athena", auth.None{}, WithRateLimit(1000, 2))
	for i := 0; i < 3; i++ {
		_, err := exec.Get(context.Background(), server.URL+"/Patient/p1", "Patient")
		require.NoError(t, err)
	}
}

func TestBackoffHonoursRetryAfter(t *testing.T) {
	p := DefaultRetryPolicy()
	header := http.Header{}
	header.Set("Retry-After", "2")
	assert.Equal(t, 2*time.Second, p.backoff(1, header))

	header.Set("Retry-After", "120")
	assert.Equal(t, p.MaxDelay, p.backoff(1, header))

	p.Jitter = 0
	assert.Equal(t, 250*time.Millisecond, p.backoff(1, nil))
	assert.Equal(t, 500*time.Millisecond, p.backoff(2, nil))
	assert.Equal(t, time.Second, p.backoff(3, nil))
}
