// Package jobref maps media items to the external provider job currently
// working on them. References carry a TTL: a reference that outlives the
// provider's own retention window is useless, and its absence is itself a
// signal the reconciler acts on.
package jobref

import (
	"context"
	"time"
)

// Ref links a media item to its in-flight provider job.
type Ref struct {
	MediaID     string    `json:"media_id"`
	JobID       string    `json:"job_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Store persists job references with a bounded lifetime.
type Store interface {
	// Put stores the reference under the store's TTL, replacing any existing
	// reference for the same media item.
	Put(ctx context.Context, ref Ref) error

	// Get returns the reference for the media item. The second return is
	// false when no live reference exists; expiry is not an error.
	Get(ctx context.Context, mediaID string) (Ref, bool, error)

	// Delete removes the reference. Deleting a missing reference is a no-op.
	Delete(ctx context.Context, mediaID string) error
}
