package fhir

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Bundle represents a FHIR searchset bundle response
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink is a paging link such as "self" or "next"
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry keeps the resource raw until its type is known
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *struct {
		Mode string `json:"mode,omitempty"`
	} `json:"search,omitempty"`
}

type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// DecodeBundle parses a search response body into a Bundle
func DecodeBundle(body []byte) (*Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse FHIR bundle: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected Bundle, got %q", bundle.ResourceType)
	}
	return &bundle, nil
}

// Entries decodes every entry of the given resource type. Entries of other
// types (an OperationOutcome attached to a searchset, for instance) and
// entries that fail to decode are skipped.
func Entries[T any](bundle *Bundle, resourceType string) []T {
	if bundle == nil {
		return nil
	}

	out := make([]T, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}

		var header resourceHeader
		if err := json.Unmarshal(entry.Resource, &header); err != nil || header.ResourceType != resourceType {
			continue
		}

		var resource T
		if err := json.Unmarshal(entry.Resource, &resource); err != nil {
			log.Debug().
				Err(err).
				Str("resource_type", resourceType).
				Str("id", header.ID).
				Msg("Skipping undecodable bundle entry")
			continue
		}
		out = append(out, resource)
	}

	return out
}

// DecodeResource parses a single read response of the given type
func DecodeResource[T any](body []byte, resourceType string) (T, error) {
	var resource T

	var header resourceHeader
	if err := json.Unmarshal(body, &header); err != nil {
		return resource, fmt.Errorf("failed to parse %s: %w", resourceType, err)
	}
	if header.ResourceType != resourceType {
		return resource, fmt.Errorf("expected %s, got %q", resourceType, header.ResourceType)
	}

	if err := json.Unmarshal(body, &resource); err != nil {
		return resource, fmt.Errorf("failed to parse %s: %w", resourceType, err)
	}
	return resource, nil
}
