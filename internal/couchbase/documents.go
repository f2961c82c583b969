package couchbase

import (
	"context"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/rs/zerolog/log"
)

// DocumentManager writes documents to the bucket's default collection
type DocumentManager struct {
	bucket *gocb.Bucket
	expiry time.Duration
}

// NewDocumentManager creates a document manager. Documents expire after
// expiry; zero keeps them forever.
func NewDocumentManager(bucket *gocb.Bucket, expiry time.Duration) *DocumentManager {
	return &DocumentManager{
		bucket: bucket,
		expiry: expiry,
	}
}

// UpsertDocument stores or updates a document
func (dm *DocumentManager) UpsertDocument(ctx context.Context, docID string, data any) error {
	col := dm.bucket.DefaultCollection()

	start := time.Now()
	_, err := col.Upsert(docID, data, &gocb.UpsertOptions{
		Context: ctx,
		Expiry:  dm.expiry,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", docID, err)
	}

	log.Debug().
		Str("doc_id", docID).
		Dur("duration", time.Since(start)).
		Msg("Successfully upserted document")
	return nil
}
