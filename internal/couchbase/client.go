// Package couchbase stores an audit trail of degraded bundle categories so
// flaky sources can be spotted after the fact.
package couchbase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stealthcompany.com/chartprep/internal/clinical"
)

// DegradationTTL is how long audit records are kept.
const DegradationTTL = 30 * 24 * time.Hour

// DocTypeDegradation tags audit documents.
const DocTypeDegradation = "degradation"

type upserter interface {
	UpsertDocument(ctx context.Context, docID string, data any) error
}

// Client records degradations in Couchbase
type Client struct {
	connManager *ConnectionManager
	docs        upserter
	newID       func() string
}

// DegradationDocument is the stored form of a clinical.Degradation.
type DegradationDocument struct {
	DocType string `json:"docType"`
	clinical.Degradation
}

// NewClient connects to Couchbase and returns an audit client
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	connManager, err := NewConnectionManager(ctx, opts)
	if err != nil {
		return nil, err
	}

	return &Client{
		connManager: connManager,
		docs:        NewDocumentManager(connManager.GetBucket(), DegradationTTL),
		newID:       uuid.NewString,
	}, nil
}

// Close closes the Couchbase connection
func (c *Client) Close() error {
	if c.connManager == nil {
		return nil
	}
	return c.connManager.Close()
}

// RecordDegradation stores d under a fresh key.
func (c *Client) RecordDegradation(ctx context.Context, d clinical.Degradation) error {
	docID := degradationKey(d, c.newID())
	doc := DegradationDocument{
		DocType:     DocTypeDegradation,
		Degradation: d,
	}
	if err := c.docs.UpsertDocument(ctx, docID, doc); err != nil {
		return fmt.Errorf("failed to record degradation for %s: %w", d.Source, err)
	}
	return nil
}

// degradationKey groups records by source and day so they sort naturally.
func degradationKey(d clinical.Degradation, id string) string {
	return fmt.Sprintf("%s::%s::%s::%s::%s",
		DocTypeDegradation, d.Source, d.OccurredAt.UTC().Format("20060102"), d.Category, id)
}
