// Package btart provides durable artifact storage for backtest sweeps using
// S3-compatible storage. Artifacts are namespaced by sweep identifier, then
// job identifier, and every upload records the content checksum alongside the
// object so collectors can verify reproducibility without downloading.
package btart

import (
	"context"
	"io"
	"strings"
	"time"
)

// ChecksumMetaKey is the user-metadata key carrying the artifact's sha256.
const ChecksumMetaKey = "sha256"

// Artifact represents a stored artifact with metadata.
type Artifact struct {
	Key          string            `json:"key"`    // storage key (e.g. "sweeps/s1/jobs/s1#seed=1/result.json")
	Bucket       string            `json:"bucket"` // bucket name
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata"`      // custom metadata, including ChecksumMetaKey
	URL          string            `json:"url,omitempty"` // presigned URL (when requested)
}

// Checksum returns the recorded sha256 of the artifact content, or "".
// S3 backends canonicalize user-metadata keys as HTTP headers ("sha256"
// comes back as "Sha256"), so the lookup ignores case.
func (a *Artifact) Checksum() string {
	if a == nil {
		return ""
	}
	for k, v := range a.Metadata {
		if strings.EqualFold(k, ChecksumMetaKey) {
			return v
		}
	}
	return ""
}

// Store defines the interface for artifact storage operations.
type Store interface {
	// Upload uploads data to the artifact store.
	Upload(ctx context.Context, key string, reader io.Reader, contentType string, metadata map[string]string) (*Artifact, error)

	// Download retrieves an artifact by key. Returns ErrNotFound if absent.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns artifact metadata without downloading the content.
	// Returns ErrNotFound if absent.
	Stat(ctx context.Context, key string) (*Artifact, error)

	// GetPresignedURL generates a presigned URL for downloading an artifact.
	GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// List lists all artifacts with the given prefix.
	List(ctx context.Context, prefix string) ([]*Artifact, error)

	// Delete removes an artifact by key.
	Delete(ctx context.Context, key string) error

	// EnsureBucket ensures the bucket exists, creating it if necessary.
	EnsureBucket(ctx context.Context) error
}

// SweepPrefix returns the storage prefix for all of a sweep's artifacts.
func SweepPrefix(sweepID string) string {
	return "sweeps/" + sweepID + "/"
}

// JobPrefix returns the storage prefix for one job's artifacts.
func JobPrefix(sweepID, jobID string) string {
	return SweepPrefix(sweepID) + "jobs/" + jobID + "/"
}

// JobKey returns the full storage key for one of a job's files.
func JobKey(sweepID, jobID, filename string) string {
	return JobPrefix(sweepID, jobID) + filename
}
