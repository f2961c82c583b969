package couchbase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stealthcompany.com/chartprep/internal/clinical"
)

type fakeUpserter struct {
	docs map[string]any
	err  error
}

func (f *fakeUpserter) UpsertDocument(_ context.Context, docID string, data any) error {
	if f.err != nil {
		return f.err
	}
	if f.docs == nil {
		f.docs = make(map[string]any)
	}
	f.docs[docID] = data
	return nil
}

func sampleDegradation() clinical.Degradation {
	return clinical.Degradation{
		Source:     "epic",
		Category:   clinical.CategoryObservations,
		PatientID:  "erXuFYUfucBZaryVksYEcMg3",
		Error:      "fetch failed with status 503",
		OccurredAt: time.Date(2024, 9, 1, 23, 30, 0, 0, time.UTC),
	}
}

func TestRecordDegradation(t *testing.T) {
	store := &fakeUpserter{}
	client := &Client{docs: store, newID: func() string { return "id-1" }}

	require.NoError(t, client.RecordDegradation(context.Background(), sampleDegradation()))

	doc, ok := store.docs["degradation::epic::20240901::observations::id-1"]
	require.True(t, ok, "stored keys: %v", store.docs)

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"docType": "degradation",
		"source": "epic",
		"category": "observations",
		"patient_id": "erXuFYUfucBZaryVksYEcMg3",
		"error": "fetch failed with status 503",
		"occurred_at": "2024-09-01T23:30:00Z"
	}`, string(raw))
}

func TestRecordDegradationWrapsStoreErrors(t *testing.T) {
	cause := errors.New("bucket unavailable")
	client := &Client{docs: &fakeUpserter{err: cause}, newID: func() string { return "x" }}

	err := client.RecordDegradation(context.Background(), sampleDegradation())
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}

func TestConnectionString(t *testing.T) {
	assert.Equal(t, "couchbase://db", connectionString("couchbase://db"))
	assert.Equal(t, "couchbases://db.cloud", connectionString("couchbases://db.cloud"))
	assert.Equal(t, "couchbase://localhost:8091", connectionString("http://localhost:8091"))
	assert.Equal(t, "couchbase://chartprep-db", connectionString("chartprep-db"))
}

func TestCloseWithoutConnection(t *testing.T) {
	assert.NoError(t, (&Client{}).Close())
}
