package couchbase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/rs/zerolog/log"
)

// Options locates the audit bucket.
type Options struct {
	URL      string
	Username string
	Password string
	Bucket   string
}

// ConnectionManager handles Couchbase cluster and bucket connections
type ConnectionManager struct {
	cluster *gocb.Cluster
	bucket  *gocb.Bucket
}

// connectionString accepts bare hosts and http:// URLs from local setups.
func connectionString(url string) string {
	switch {
	case strings.HasPrefix(url, "couchbase://"), strings.HasPrefix(url, "couchbases://"):
		return url
	case strings.HasPrefix(url, "http://"):
		return "couchbase://" + strings.TrimPrefix(url, "http://")
	default:
		return "couchbase://" + url
	}
}

// NewConnectionManager connects to the cluster and waits until the bucket
// accepts key-value operations.
func NewConnectionManager(ctx context.Context, opts Options) (*ConnectionManager, error) {
	cluster, err := gocb.Connect(connectionString(opts.URL), gocb.ClusterOptions{
		Authenticator: gocb.PasswordAuthenticator{
			Username: opts.Username,
			Password: opts.Password,
		},
		TimeoutsConfig: gocb.TimeoutsConfig{
			ConnectTimeout:    30 * time.Second,
			KVTimeout:         5 * time.Second,
			ManagementTimeout: 30 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Couchbase: %w", err)
	}

	bucket := cluster.Bucket(opts.Bucket)

	// Only key-value access is needed for audit writes
	err = bucket.WaitUntilReady(30*time.Second, &gocb.WaitUntilReadyOptions{
		Context:      ctx,
		ServiceTypes: []gocb.ServiceType{gocb.ServiceTypeKeyValue},
	})
	if err != nil {
		_ = cluster.Close(nil)
		return nil, fmt.Errorf("couchbase bucket %s not ready: %w", opts.Bucket, err)
	}

	log.Info().
		Str("couchbase_url", opts.URL).
		Str("bucket", opts.Bucket).
		Msg("Couchbase connection initialized successfully")

	return &ConnectionManager{
		cluster: cluster,
		bucket:  bucket,
	}, nil
}

// Close closes the Couchbase connection
func (cm *ConnectionManager) Close() error {
	return cm.cluster.Close(nil)
}

// GetBucket returns the bucket instance
func (cm *ConnectionManager) GetBucket() *gocb.Bucket {
	return cm.bucket
}
