// Package config loads chartprep settings from .env files, the environment
// and an optional config file.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"stealthcompany.com/chartprep/internal/sources"
)

// ConfigFileEnv names the environment variable holding an optional config
// file path.
const ConfigFileEnv = "CHARTPREP_CONFIG"

type Config struct {
	Env     string `mapstructure:"ENV"`
	AppName string `mapstructure:"APP_NAME"`

	LogLevel           string `mapstructure:"LOG_LEVEL"`
	ElasticsearchURL   string `mapstructure:"ELASTICSEARCH_URL"`
	ElasticsearchIndex string `mapstructure:"ELASTICSEARCH_INDEX"`

	EnableBusinessMetrics bool          `mapstructure:"ENABLE_BUSINESS_METRICS"`
	EnableSystemMetrics   bool          `mapstructure:"ENABLE_SYSTEM_METRICS"`
	SystemMetricsInterval time.Duration `mapstructure:"SYSTEM_METRICS_INTERVAL"`
	OpsPort               string        `mapstructure:"OPS_PORT"`

	DefaultSource     string        `mapstructure:"DEFAULT_SOURCE"`
	EnabledSources    []string      `mapstructure:"ENABLED_SOURCES"`
	RequestTimeout    time.Duration `mapstructure:"FHIR_TIMEOUT"`
	RetryMaxAttempts  int           `mapstructure:"FHIR_RETRY_MAX_ATTEMPTS"`
	SequentialBundles bool          `mapstructure:"BUNDLE_SEQUENTIAL"`

	CouchbaseURL      string `mapstructure:"COUCHBASE_URL"`
	CouchbaseUsername string `mapstructure:"COUCHBASE_USERNAME"`
	CouchbasePassword string `mapstructure:"COUCHBASE_PASSWORD"`
	CouchbaseBucket   string `mapstructure:"COUCHBASE_BUCKET"`

	HAPIBaseURL string `mapstructure:"HAPI_BASE_URL"`

	HealthLakeEndpoint string `mapstructure:"HEALTHLAKE_DATASTORE_ENDPOINT"`
	AWSRegion          string `mapstructure:"AWS_REGION"`
	AWSAccessKeyID     string `mapstructure:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `mapstructure:"AWS_SECRET_ACCESS_KEY"`
	AWSSessionToken    string `mapstructure:"AWS_SESSION_TOKEN"`

	EpicBaseURL        string `mapstructure:"EPIC_BASE_URL"`
	EpicTokenURL       string `mapstructure:"EPIC_TOKEN_URL"`
	EpicClientID       string `mapstructure:"EPIC_CLIENT_ID"`
	EpicPrivateKeyPath string `mapstructure:"EPIC_PRIVATE_KEY_PATH"`
	EpicKeyID          string `mapstructure:"EPIC_KEY_ID"`

	CernerBaseURL      string `mapstructure:"CERNER_BASE_URL"`
	CernerTokenURL     string `mapstructure:"CERNER_TOKEN_URL"`
	CernerClientID     string `mapstructure:"CERNER_CLIENT_ID"`
	CernerClientSecret string `mapstructure:"CERNER_CLIENT_SECRET"`

	AthenaBaseURL        string `mapstructure:"ATHENA_BASE_URL"`
	AthenaTokenURL       string `mapstructure:"ATHENA_TOKEN_URL"`
	AthenaClientID       string `mapstructure:"ATHENA_CLIENT_ID"`
	AthenaPrivateKeyPath string `mapstructure:"ATHENA_PRIVATE_KEY_PATH"`
	AthenaPracticeID     string `mapstructure:"ATHENA_PRACTICE_ID"`

	// Extra holds sources declared in the config file. An entry whose id
	// matches a built-in source replaces it.
	Extra []sources.Definition `mapstructure:"-"`
}

var defaults = map[string]any{
	"ENV":                     "development",
	"APP_NAME":                "chartprep",
	"LOG_LEVEL":               "info",
	"ELASTICSEARCH_INDEX":     "logs",
	"ENABLE_BUSINESS_METRICS": true,
	"ENABLE_SYSTEM_METRICS":   false,
	"SYSTEM_METRICS_INTERVAL": "15s",
	"OPS_PORT":                "9090",
	"DEFAULT_SOURCE":          sources.HAPI,
	"FHIR_TIMEOUT":            "30s",
	"FHIR_RETRY_MAX_ATTEMPTS": 3,
	"COUCHBASE_BUCKET":        "chartprep",
	"AWS_REGION":              "us-east-1",
}

// keys lists every setting so Unmarshal sees values that only exist in the
// environment.
var keys = []string{
	"ENV", "APP_NAME",
	"LOG_LEVEL", "ELASTICSEARCH_URL", "ELASTICSEARCH_INDEX",
	"ENABLE_BUSINESS_METRICS", "ENABLE_SYSTEM_METRICS", "SYSTEM_METRICS_INTERVAL", "OPS_PORT",
	"DEFAULT_SOURCE", "ENABLED_SOURCES", "FHIR_TIMEOUT", "FHIR_RETRY_MAX_ATTEMPTS", "BUNDLE_SEQUENTIAL",
	"COUCHBASE_URL", "COUCHBASE_USERNAME", "COUCHBASE_PASSWORD", "COUCHBASE_BUCKET",
	"HAPI_BASE_URL",
	"HEALTHLAKE_DATASTORE_ENDPOINT", "AWS_REGION", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN",
	"EPIC_BASE_URL", "EPIC_TOKEN_URL", "EPIC_CLIENT_ID", "EPIC_PRIVATE_KEY_PATH", "EPIC_KEY_ID",
	"CERNER_BASE_URL", "CERNER_TOKEN_URL", "CERNER_CLIENT_ID", "CERNER_CLIENT_SECRET",
	"ATHENA_BASE_URL", "ATHENA_TOKEN_URL", "ATHENA_CLIENT_ID", "ATHENA_PRIVATE_KEY_PATH", "ATHENA_PRACTICE_ID",
}

// Load reads ../.env and .env when present, then the environment, then the
// file named by CHARTPREP_CONFIG. Environment variables win over the file.
func Load() (*Config, error) {
	loadDotEnv()

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	if path := v.GetString(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := v.UnmarshalKey("sources", &cfg.Extra); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
	}
	cfg.EnabledSources = splitList(cfg.EnabledSources)

	return cfg, nil
}

func loadDotEnv() {
	if err := godotenv.Load("../.env"); err != nil {
		log.Debug().Msg("Not found .env file in parent directory, trying current directory")
		if err := godotenv.Load(".env"); err != nil {
			log.Debug().Msg("Not found .env file in current directory, assuming environment variables are set")
		}
	}
}

// splitList flattens entries that still hold comma separated values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks ranges and that the default source will be available.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is not a valid level: %w", c.LogLevel, err)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("FHIR_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("FHIR_RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.EnableSystemMetrics && c.SystemMetricsInterval <= 0 {
		return fmt.Errorf("SYSTEM_METRICS_INTERVAL must be positive when system metrics are enabled")
	}
	if c.CouchbaseURL != "" && c.CouchbaseBucket == "" {
		return fmt.Errorf("COUCHBASE_BUCKET is required when COUCHBASE_URL is set")
	}

	defs := c.Sources()
	if len(defs) == 0 {
		return fmt.Errorf("no FHIR source is configured")
	}
	if c.DefaultSource != "" && !slices.ContainsFunc(defs, func(d sources.Definition) bool { return d.ID == c.DefaultSource }) {
		return fmt.Errorf("DEFAULT_SOURCE %q is not an enabled source", c.DefaultSource)
	}
	return nil
}

// AuditEnabled reports whether degradations should be written to Couchbase.
func (c *Config) AuditEnabled() bool {
	return c.CouchbaseURL != ""
}

// Level returns the configured log level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
