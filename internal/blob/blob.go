// Package blob stores generated artifacts (source images, thumbnails) by key.
// Production deployments put an object store behind this interface; the
// in-process implementations cover tests and single-node development.
package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no object exists under the requested key.
var ErrNotFound = errors.New("blob: object not found")

// Object is a stored artifact.
type Object struct {
	Data        []byte
	ContentType string
}

// Store is a flat keyed object store.
type Store interface {
	// Put stores the object under the key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the object or ErrNotFound.
	Get(ctx context.Context, key string) (*Object, error)

	// SignedURL returns a time-limited URL for direct download of the object.
	SignedURL(key string, ttl time.Duration) (string, error)
}
