package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"stealthcompany.com/chartprep/internal/apperrors"
	"stealthcompany.com/chartprep/internal/metrics"
)

// DefaultTokenLifetime applies when the token endpoint omits expires_in.
const DefaultTokenLifetime = time.Hour

// maxTokenResponse bounds how much of a token response is read.
const maxTokenResponse = 1 << 20

// TokenProvider hands out bearer tokens for one vendor.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	// Invalidate forgets the current token, e.g. after a 401.
	Invalidate()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// TokenManager exchanges a Grant for access tokens at a vendor's token
// endpoint, keeping them in a shared TokenCache.
type TokenManager struct {
	vendor     string
	tokenURL   string
	grant      Grant
	cache      *TokenCache
	httpClient *http.Client
}

// NewTokenManager creates a token manager for vendor
func NewTokenManager(vendor, tokenURL string, grant Grant, cache *TokenCache, httpClient *http.Client) *TokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenManager{
		vendor:     vendor,
		tokenURL:   tokenURL,
		grant:      grant,
		cache:      cache,
		httpClient: httpClient,
	}
}

// Token returns a cached token or performs a single exchange for a new one
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	return m.cache.GetOrRefresh(ctx, m.vendor, m.requestToken)
}

// Invalidate drops the cached token for this vendor
func (m *TokenManager) Invalidate() {
	m.cache.Invalidate(m.vendor)
}

func (m *TokenManager) requestToken(ctx context.Context) (Token, error) {
	now := m.cache.Now()

	form, err := m.grant.Form(now)
	if err != nil {
		metrics.RecordTokenRequest(m.vendor, "failure")
		return Token{}, apperrors.Configuration(m.vendor, "failed to build token request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		metrics.RecordTokenRequest(m.vendor, "failure")
		return Token{}, apperrors.Configuration(m.vendor, "invalid token endpoint", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		metrics.RecordTokenRequest(m.vendor, "failure")
		return Token{}, &apperrors.AuthenticationError{Source: m.vendor, Cause: fmt.Errorf("token request failed: %w", err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Failed to close token response body")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		metrics.RecordTokenRequest(m.vendor, "failure")
		return Token{}, &apperrors.AuthenticationError{Source: m.vendor, StatusCode: resp.StatusCode, Cause: fmt.Errorf("failed to read token response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		metrics.RecordTokenRequest(m.vendor, "failure")
		log.Warn().
			Str("vendor", m.vendor).
			Int("status", resp.StatusCode).
			Msg("Token endpoint rejected request")
		return Token{}, &apperrors.AuthenticationError{Source: m.vendor, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.RecordTokenRequest(m.vendor, "failure")
		return Token{}, &apperrors.AuthenticationError{Source: m.vendor, StatusCode: resp.StatusCode, Body: string(body), Cause: fmt.Errorf("failed to decode token response: %w", err)}
	}
	if parsed.AccessToken == "" {
		metrics.RecordTokenRequest(m.vendor, "failure")
		return Token{}, &apperrors.AuthenticationError{Source: m.vendor, StatusCode: resp.StatusCode, Body: "token response missing access_token"}
	}

	lifetime := DefaultTokenLifetime
	if parsed.ExpiresIn > 0 {
		lifetime = time.Duration(parsed.ExpiresIn) * time.Second
	}

	metrics.RecordTokenRequest(m.vendor, "success")
	log.Info().
		Str("vendor", m.vendor).
		Dur("lifetime", lifetime).
		Msg("Obtained access token")

	return Token{AccessToken: parsed.AccessToken, ExpiresAt: now.Add(lifetime)}, nil
}
