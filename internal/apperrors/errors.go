// Package apperrors defines the failure taxonomy shared by the clinical
// client stack. Each kind is a distinct type so callers can branch with
// errors.As instead of matching strings.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ConfigurationError reports missing or invalid credentials, key material or
// source settings. It is fatal for the affected source.
type ConfigurationError struct {
	Source  string
	Message string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error for source %q: %s", e.Source, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// AuthenticationError reports a rejected or unusable token exchange. Body
// holds the raw token endpoint response for diagnostics.
type AuthenticationError struct {
	Source     string
	StatusCode int
	Body       string
	Cause      error
}

func (e *AuthenticationError) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("authentication failed for source %q: %v", e.Source, e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("authentication failed for source %q: token endpoint returned %d: %s", e.Source, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("authentication failed for source %q: %s", e.Source, e.Body)
	}
}

func (e *AuthenticationError) Unwrap() error { return e.Cause }

// NotFoundError reports that a requested resource does not exist at the source.
type NotFoundError struct {
	Source       string
	ResourceType string
	ID           string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found in source %q", e.ResourceType, e.ID, e.Source)
}

// FetchError reports a network failure, a non-2xx response or an
// undecodable body from a FHIR endpoint. StatusCode is zero when no response
// was received.
type FetchError struct {
	Source       string
	ResourceType string
	URL          string
	StatusCode   int
	Cause        error
}

func (e *FetchError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("fetch %s from %q failed: %v", e.URL, e.Source, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("fetch %s from %q failed with status %d: %v", e.URL, e.Source, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("fetch %s from %q failed with status %d", e.URL, e.Source, e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Missing reports whether the upstream said the resource does not exist.
func (e *FetchError) Missing() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// Configuration creates a ConfigurationError.
func Configuration(source, message string, cause error) error {
	return &ConfigurationError{Source: source, Message: message, Cause: cause}
}

// NotFound creates a NotFoundError.
func NotFound(source, resourceType, id string) error {
	return &NotFoundError{Source: source, ResourceType: resourceType, ID: id}
}

// IsConfiguration reports whether err is or wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsAuthentication reports whether err is or wraps an AuthenticationError.
func IsAuthentication(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// AsFetch unwraps err into a FetchError when it is one.
func AsFetch(err error) (*FetchError, bool) {
	var target *FetchError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
