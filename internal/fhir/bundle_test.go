package fhir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchset = `{
	"resourceType":"Bundle","type":"searchset","total":3,
	"entry":[
		{"resource":{"resourceType":"Condition","id":"c1","code":{"coding":[{"code":"A"}]}}},
		{"resource":{"resourceType":"OperationOutcome","issue":[{"severity":"information"}]},"search":{"mode":"outcome"}},
		{"resource":{"resourceType":"Condition","id":"c2","code":"not-an-object"}},
		{"resource":{"resourceType":"Condition","id":"c3"}},
		{"fullUrl":"urn:uuid:empty"}
	]
}`

func TestEntriesFiltersByType(t *testing.T) {
	bundle, err := DecodeBundle([]byte(searchset))
	require.NoError(t, err)

	conditions := Entries[Condition](bundle, ResourceCondition)
	require.Len(t, conditions, 2)
	assert.Equal(t, "c1", conditions[0].ID)
	assert.Equal(t, "c3", conditions[1].ID)

	assert.Empty(t, Entries[Patient](bundle, ResourcePatient))
	assert.Nil(t, Entries[Patient](nil, ResourcePatient))
}

func TestDecodeBundleRejectsOtherResources(t *testing.T) {
	_, err := DecodeBundle([]byte(`{"resourceType":"OperationOutcome"}`))
	assert.Error(t, err)

	_, err = DecodeBundle([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeResource(t *testing.T) {
	p, err := DecodeResource[Patient]([]byte(`{"resourceType":"Patient","id":"p1"}`), ResourcePatient)
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)

	_, err = DecodeResource[Patient]([]byte(`{"resourceType":"OperationOutcome"}`), ResourcePatient)
	assert.Error(t, err)
}

func TestReferenceID(t *testing.T) {
	tests := []struct {
		ref, resourceType, want string
	}{
		{"Patient/123", "Patient", "123"},
		{"https://fhir.example.org/r4/Patient/abc", "Patient", "abc"},
		{"Patient/123/_history/4", "Patient", "123"},
		{"urn:uuid:abc-123", "Patient", ""},
		{"Group/456", "Patient", ""},
		{"123", "Patient", ""},
		{"", "Patient", ""},
		{"Patient/", "Patient", ""},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			assert.Equal(t, tt.want, ReferenceID(tt.ref, tt.resourceType))
		})
	}
}
