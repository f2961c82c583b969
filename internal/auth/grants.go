package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"stealthcompany.com/chartprep/internal/apperrors"
)

const (
	grantTypeClientCredentials = "client_credentials"
	clientAssertionTypeJWT     = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// AssertionLifetime is the validity window of a client assertion. Epic
	// and SMART Backend Services reject anything longer than five minutes.
	AssertionLifetime = 5 * time.Minute
)

// Grant builds the form body of a client_credentials token request.
type Grant interface {
	Form(now time.Time) (url.Values, error)
}

// ClientSecretGrant authenticates with a shared client secret.
type ClientSecretGrant struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func (g *ClientSecretGrant) Form(time.Time) (url.Values, error) {
	form := url.Values{}
	form.Set("grant_type", grantTypeClientCredentials)
	form.Set("client_id", g.ClientID)
	form.Set("client_secret", g.ClientSecret)
	if len(g.Scopes) > 0 {
		form.Set("scope", strings.Join(g.Scopes, " "))
	}
	return form, nil
}

// JWTBearerGrant authenticates with an RS384-signed client assertion.
type JWTBearerGrant struct {
	ClientID string
	// Audience is the token endpoint URL.
	Audience string
	KeyID    string
	Key      *rsa.PrivateKey
	Scopes   []string

	// NotBeforeClaim adds nbf = iat.
	NotBeforeClaim bool
	// ScopeClaim repeats the scopes inside the assertion.
	ScopeClaim bool
}

// Assertion signs a fresh client assertion valid from now.
func (g *JWTBearerGrant) Assertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": g.ClientID,
		"sub": g.ClientID,
		"aud": g.Audience,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(AssertionLifetime).Unix(),
	}
	if g.NotBeforeClaim {
		claims["nbf"] = now.Unix()
	}
	if g.ScopeClaim && len(g.Scopes) > 0 {
		claims["scope"] = strings.Join(g.Scopes, " ")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	if g.KeyID != "" {
		token.Header["kid"] = g.KeyID
	}

	signed, err := token.SignedString(g.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign client assertion: %w", err)
	}
	return signed, nil
}

func (g *JWTBearerGrant) Form(now time.Time) (url.Values, error) {
	assertion, err := g.Assertion(now)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", grantTypeClientCredentials)
	form.Set("client_assertion_type", clientAssertionTypeJWT)
	form.Set("client_assertion", assertion)
	if len(g.Scopes) > 0 {
		form.Set("scope", strings.Join(g.Scopes, " "))
	}
	return form, nil
}

// LoadSigningKey reads a PEM-encoded RSA private key. Every failure is a
// ConfigurationError for source.
func LoadSigningKey(source, path string) (*rsa.PrivateKey, error) {
	if path == "" {
		return nil, apperrors.Configuration(source, "private key path is not configured", nil)
	}

	pemBytes, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Configuration(source, fmt.Sprintf("private key file %s does not exist", path), err)
		}
		return nil, apperrors.Configuration(source, fmt.Sprintf("failed to read private key file %s", path), err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, apperrors.Configuration(source, fmt.Sprintf("failed to parse private key file %s", path), err)
	}
	return key, nil
}
