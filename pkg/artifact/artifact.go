// Package artifact stores named byte blobs produced inside a sandbox.
// Every artifact belongs to exactly one run and lives under the run's
// key prefix; deleting the run's prefix discards them all.
package artifact

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound = errors.New("artifact not found")
)

// Size ceilings enforced at capture time.
const (
	MaxFileBytes int64 = 8 << 20
	MaxRunBytes  int64 = 32 << 20
)

// Artifact is a stored blob plus its metadata.
type Artifact struct {
	Key          string            `json:"key"`
	Name         string            `json:"name"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	URL          string            `json:"url,omitempty"`
}

// Store is the blob storage behind artifacts.
type Store interface {
	Upload(ctx context.Context, key string, reader io.Reader, contentType string, metadata map[string]string) (*Artifact, error)
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	List(ctx context.Context, prefix string) ([]*Artifact, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	EnsureBucket(ctx context.Context) error
}

// RunPrefix is the key prefix holding one run's artifacts.
func RunPrefix(runID string) string {
	return "runs/" + runID + "/"
}

// RunKey is the full key for one named artifact of a run.
func RunKey(runID, name string) string {
	return RunPrefix(runID) + name
}
