// Package transport executes FHIR HTTP requests for one source, applying
// its authentication strategy, a uniform timeout and bounded retries.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"stealthcompany.com/chartprep/internal/apperrors"
	"stealthcompany.com/chartprep/internal/auth"
	"stealthcompany.com/chartprep/internal/metrics"
)

const (
	// DefaultTimeout applies to every attempt regardless of strategy.
	DefaultTimeout = 30 * time.Second

	// FallbackWindow is how long a source that allows unauthenticated
	// access is read without a token after a token exchange fails.
	FallbackWindow = 5 * time.Minute

	fhirContentType = "application/fhir+json"
	maxResponseBody = 32 << 20
)

// Request is one logical call. ResourceType labels errors and metrics.
type Request struct {
	Method       string
	URL          string
	Body         []byte
	ResourceType string
}

// Response is the raw outcome of a request. Status interpretation is left
// to the caller.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Executor sends requests to one source.
type Executor struct {
	source     string
	strategy   auth.Strategy
	httpClient *http.Client
	timeout    time.Duration
	retry      RetryPolicy
	limiter    *rate.Limiter
	userAgent  string
	now        func() time.Time

	fallbackMu    sync.Mutex
	fallbackUntil time.Time
}

// Option configures an Executor
type Option func(*Executor)

// WithHTTPClient replaces the instrumented default client
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		e.httpClient = client
	}
}

// WithTimeout sets the per-attempt timeout
func WithTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithRetryPolicy sets the retry policy
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(e *Executor) {
		e.retry = policy
	}
}

// WithRateLimit caps the request rate to the source. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *Executor) {
		if rps <= 0 {
			e.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(userAgent string) Option {
	return func(e *Executor) {
		e.userAgent = userAgent
	}
}

// NewExecutor creates an executor for source using strategy
func NewExecutor(source string, strategy auth.Strategy, opts ...Option) *Executor {
	e := &Executor{
		source:     source,
		strategy:   strategy,
		httpClient: &http.Client{Transport: metrics.NewInstrumentedTransport(nil)},
		timeout:    DefaultTimeout,
		retry:      DefaultRetryPolicy(),
		userAgent:  "chartprep/1.0",
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.strategy == nil {
		e.strategy = auth.None{}
	}
	return e
}

// Source returns the id of the source this executor talks to
func (e *Executor) Source() string {
	return e.source
}

// Strategy returns the authentication strategy fixed at construction
func (e *Executor) Strategy() auth.Strategy {
	return e.strategy
}

// Get fetches url and returns the body of a 2xx response. Any other status
// becomes a FetchError carrying it.
func (e *Executor) Get(ctx context.Context, url, resourceType string) ([]byte, error) {
	resp, err := e.Do(ctx, Request{Method: http.MethodGet, URL: url, ResourceType: resourceType})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apperrors.FetchError{
			Source:       e.source,
			ResourceType: resourceType,
			URL:          url,
			StatusCode:   resp.StatusCode,
		}
	}
	return resp.Body, nil
}

// Do sends the request, retrying transient failures. Network failures
// become FetchError; authentication and configuration failures are
// returned as is. Non-2xx responses are returned, not errors.
func (e *Executor) Do(ctx context.Context, r Request) (*Response, error) {
	if r.Method == "" {
		r.Method = http.MethodGet
	}

	startTime := time.Now()
	tokenRefreshed := false
	attempts := e.retry.attempts()

	for attempt := 1; ; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				metrics.RecordFHIRRequest(e.source, r.ResourceType, startTime, 0)
				return nil, e.fetchError(r, fmt.Errorf("rate limiter: %w", err))
			}
		}

		resp, err := e.attempt(ctx, r)
		if err != nil {
			if apperrors.IsAuthentication(err) || apperrors.IsConfiguration(err) {
				metrics.RecordFHIRRequest(e.source, r.ResourceType, startTime, 0)
				return nil, err
			}
			if attempt >= attempts || ctx.Err() != nil {
				metrics.RecordFHIRRequest(e.source, r.ResourceType, startTime, 0)
				return nil, e.fetchError(r, err)
			}
			if waitErr := e.wait(ctx, r, attempt, nil, err); waitErr != nil {
				return nil, e.fetchError(r, waitErr)
			}
			continue
		}

		// A rejected bearer token is dropped and re-acquired once.
		if resp.StatusCode == http.StatusUnauthorized && !tokenRefreshed {
			if bearer, ok := e.strategy.(*auth.BearerToken); ok {
				tokenRefreshed = true
				bearer.Tokens.Invalidate()
				log.Warn().
					Str("source", e.source).
					Str("url", r.URL).
					Msg("Source rejected bearer token, refreshing")
				continue
			}
		}

		if e.retry.retryable(resp.StatusCode) && attempt < attempts {
			if waitErr := e.wait(ctx, r, attempt, resp.Header, fmt.Errorf("status %d", resp.StatusCode)); waitErr != nil {
				return nil, e.fetchError(r, waitErr)
			}
			continue
		}

		metrics.RecordFHIRRequest(e.source, r.ResourceType, startTime, resp.StatusCode)
		return resp, nil
	}
}

func (e *Executor) wait(ctx context.Context, r Request, attempt int, header http.Header, cause error) error {
	delay := e.retry.backoff(attempt, header)
	metrics.RecordRetry(e.source)
	log.Warn().
		Err(cause).
		Str("source", e.source).
		Str("url", r.URL).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("Retrying FHIR request")
	return sleepContext(ctx, delay)
}

// attempt performs one round trip under the per-attempt timeout.
func (e *Executor) attempt(ctx context.Context, r Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, r.Method, r.URL, body)
	if err != nil {
		return nil, apperrors.Configuration(e.source, "invalid request URL", err)
	}
	req.Header.Set("Accept", fhirContentType)
	if r.Body != nil {
		req.Header.Set("Content-Type", fhirContentType)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	if err := e.authenticate(attemptCtx, req, r.Body); err != nil {
		return nil, err
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Failed to close response body")
		}
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}

// authenticate applies the strategy to req.
func (e *Executor) authenticate(ctx context.Context, req *http.Request, body []byte) error {
	switch s := e.strategy.(type) {
	case auth.None:
		return nil

	case *auth.SignedRequest:
		return s.Sign(ctx, req, body)

	case *auth.BearerToken:
		if s.AllowUnauthenticatedFallback && e.inFallback() {
			return nil
		}
		token, err := s.Tokens.Token(ctx)
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+token)
			return nil
		}
		var authErr *apperrors.AuthenticationError
		if s.AllowUnauthenticatedFallback && errors.As(err, &authErr) {
			e.startFallback()
			log.Warn().
				Err(err).
				Str("source", e.source).
				Dur("window", FallbackWindow).
				Msg("Token unavailable, sending requests unauthenticated")
			return nil
		}
		return err

	default:
		return apperrors.Configuration(e.source, fmt.Sprintf("unsupported auth strategy %T", e.strategy), nil)
	}
}

func (e *Executor) inFallback() bool {
	e.fallbackMu.Lock()
	defer e.fallbackMu.Unlock()
	return e.now().Before(e.fallbackUntil)
}

func (e *Executor) startFallback() {
	e.fallbackMu.Lock()
	defer e.fallbackMu.Unlock()
	e.fallbackUntil = e.now().Add(FallbackWindow)
}

func (e *Executor) fetchError(r Request, cause error) error {
	return &apperrors.FetchError{
		Source:       e.source,
		ResourceType: r.ResourceType,
		URL:          r.URL,
		Cause:        cause,
	}
}
