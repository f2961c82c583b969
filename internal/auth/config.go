package auth

import (
	"context"
	"net/http"

	"stealthcompany.com/chartprep/internal/apperrors"
)

// Kind selects a Strategy in configuration.
type Kind string

const (
	KindNone          Kind = "none"
	KindSignedRequest Kind = "signed-request"
	KindBearerToken   Kind = "bearer-token"
)

// GrantKind selects how a bearer token is obtained.
type GrantKind string

const (
	GrantJWTBearer    GrantKind = "jwt-bearer"
	GrantClientSecret GrantKind = "client-secret"
)

// Config is the per-source authentication configuration.
type Config struct {
	Kind Kind `mapstructure:"kind"`

	// signed-request
	Region          string `mapstructure:"region"`
	Service         string `mapstructure:"service"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`

	// bearer-token
	Grant                        GrantKind `mapstructure:"grant"`
	TokenURL                     string    `mapstructure:"token_url"`
	ClientID                     string    `mapstructure:"client_id"`
	ClientSecret                 string    `mapstructure:"client_secret"`
	PrivateKeyPath               string    `mapstructure:"private_key_path"`
	KeyID                        string    `mapstructure:"key_id"`
	Scopes                       []string  `mapstructure:"scopes"`
	NotBeforeClaim               bool      `mapstructure:"not_before_claim"`
	ScopeClaim                   bool      `mapstructure:"scope_claim"`
	AllowUnauthenticatedFallback bool      `mapstructure:"allow_unauthenticated_fallback"`
}

// BuildStrategy turns configuration into a ready Strategy. Missing
// credentials and unreadable keys surface as ConfigurationError.
func BuildStrategy(ctx context.Context, source string, cfg Config, cache *TokenCache, httpClient *http.Client) (Strategy, error) {
	switch cfg.Kind {
	case "", KindNone:
		return None{}, nil

	case KindSignedRequest:
		if cfg.Region == "" {
			return nil, apperrors.Configuration(source, "AWS region is required for signed requests", nil)
		}
		creds, err := LoadAWSCredentials(ctx, source, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		if err != nil {
			return nil, err
		}
		return NewSignedRequest(source, cfg.Region, cfg.Service, creds), nil

	case KindBearerToken:
		grant, err := buildGrant(source, cfg)
		if err != nil {
			return nil, err
		}
		if cache == nil {
			return nil, apperrors.Configuration(source, "token cache is required for bearer tokens", nil)
		}
		return &BearerToken{
			Tokens:                       NewTokenManager(source, cfg.TokenURL, grant, cache, httpClient),
			AllowUnauthenticatedFallback: cfg.AllowUnauthenticatedFallback,
		}, nil

	default:
		return nil, apperrors.Configuration(source, "unknown auth kind "+string(cfg.Kind), nil)
	}
}

func buildGrant(source string, cfg Config) (Grant, error) {
	if cfg.TokenURL == "" {
		return nil, apperrors.Configuration(source, "token URL is required", nil)
	}
	if cfg.ClientID == "" {
		return nil, apperrors.Configuration(source, "client ID is required", nil)
	}

	switch cfg.Grant {
	case GrantClientSecret:
		if cfg.ClientSecret == "" {
			return nil, apperrors.Configuration(source, "client secret is required", nil)
		}
		return &ClientSecretGrant{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
		}, nil

	case "", GrantJWTBearer:
		key, err := LoadSigningKey(source, cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		return &JWTBearerGrant{
			ClientID:       cfg.ClientID,
			Audience:       cfg.TokenURL,
			KeyID:          cfg.KeyID,
			Key:            key,
			Scopes:         cfg.Scopes,
			NotBeforeClaim: cfg.NotBeforeClaim,
			ScopeClaim:     cfg.ScopeClaim,
		}, nil

	default:
		return nil, apperrors.Configuration(source, "unknown grant "+string(cfg.Grant), nil)
	}
}
