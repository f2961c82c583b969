package config

import (
	"slices"

	"stealthcompany.com/chartprep/internal/auth"
	"stealthcompany.com/chartprep/internal/sources"
)

// Sources returns the definitions the service should register: the
// built-in catalogue with environment overrides applied, merged with the
// config file's sources. When ENABLED_SOURCES is set exactly those are
// returned, in that order; otherwise every source that has what it needs
// to authenticate.
func (c *Config) Sources() []sources.Definition {
	var defs []sources.Definition
	for _, d := range sources.Builtin() {
		defs = append(defs, c.override(d))
	}
	for _, extra := range c.Extra {
		if i := slices.IndexFunc(defs, func(d sources.Definition) bool { return d.ID == extra.ID }); i >= 0 {
			defs[i] = extra
			continue
		}
		defs = append(defs, extra)
	}

	if len(c.EnabledSources) > 0 {
		var out []sources.Definition
		for _, id := range c.EnabledSources {
			if i := slices.IndexFunc(defs, func(d sources.Definition) bool { return d.ID == id }); i >= 0 {
				out = append(out, defs[i])
			}
		}
		return out
	}

	var out []sources.Definition
	for _, d := range defs {
		if configured(d) {
			out = append(out, d)
		}
	}
	return out
}

func (c *Config) override(d sources.Definition) sources.Definition {
	switch d.ID {
	case sources.HAPI:
		d.BaseURL = orDefault(c.HAPIBaseURL, d.BaseURL)

	case sources.HealthLake:
		d.BaseURL = orDefault(c.HealthLakeEndpoint, d.BaseURL)
		d.Auth.Region = orDefault(c.AWSRegion, d.Auth.Region)
		d.Auth.AccessKeyID = c.AWSAccessKeyID
		d.Auth.SecretAccessKey = c.AWSSecretAccessKey
		d.Auth.SessionToken = c.AWSSessionToken

	case sources.Epic:
		d.BaseURL = orDefault(c.EpicBaseURL, d.BaseURL)
		switch {
		case c.EpicTokenURL != "":
			d.Auth.TokenURL = c.EpicTokenURL
		case c.EpicBaseURL != "":
			d.Auth.TokenURL = sources.DeriveTokenURL(c.EpicBaseURL)
		}
		d.Auth.ClientID = c.EpicClientID
		d.Auth.PrivateKeyPath = c.EpicPrivateKeyPath
		d.Auth.KeyID = c.EpicKeyID

	case sources.Cerner:
		d.BaseURL = orDefault(c.CernerBaseURL, d.BaseURL)
		d.Auth.TokenURL = orDefault(c.CernerTokenURL, d.Auth.TokenURL)
		d.Auth.ClientID = c.CernerClientID
		d.Auth.ClientSecret = c.CernerClientSecret

	case sources.Athena:
		d.BaseURL = orDefault(c.AthenaBaseURL, d.BaseURL)
		d.Auth.TokenURL = orDefault(c.AthenaTokenURL, d.Auth.TokenURL)
		d.Auth.ClientID = c.AthenaClientID
		d.Auth.PrivateKeyPath = c.AthenaPrivateKeyPath
		if c.AthenaPracticeID != "" {
			d.ExtraParams = map[string]string{"ah-practice": "Organization/a-1.Practice-" + c.AthenaPracticeID}
		}
	}
	return d
}

// configured reports whether d has the settings its strategy needs.
func configured(d sources.Definition) bool {
	if d.BaseURL == "" {
		return false
	}
	switch d.Auth.Kind {
	case auth.KindBearerToken:
		return d.Auth.ClientID != ""
	default:
		return true
	}
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
