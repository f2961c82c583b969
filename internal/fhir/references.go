package fhir

import "strings"

// ReferenceID extracts the ID from a FHIR reference of the wanted type:
//
//	"Patient/123"                          -> "123"
//	"https://host/fhir/Patient/123"        -> "123"
//	"Patient/123/_history/2"               -> "123"
//	"urn:uuid:abc-123"                     -> "" (bundle-local, not resolvable)
//	"Group/456" with resourceType Patient  -> ""
func ReferenceID(reference, resourceType string) string {
	if reference == "" || strings.HasPrefix(reference, "urn:") {
		return ""
	}

	if i := strings.Index(reference, "/_history/"); i >= 0 {
		reference = reference[:i]
	}

	parts := strings.Split(reference, "/")
	if len(parts) < 2 {
		return ""
	}

	refType, refID := parts[len(parts)-2], parts[len(parts)-1]
	if refType != resourceType || refID == "" {
		return ""
	}
	return refID
}
