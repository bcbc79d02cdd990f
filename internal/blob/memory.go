package blob

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Used by tests and single-node
// development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	copied := make([]byte, len(data))
	copy(copied, data)

	s.mu.Lock()
	s.objects[key] = Object{Data: copied, ContentType: contentType}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Object, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	copied := make([]byte, len(obj.Data))
	copy(copied, obj.Data)
	return &Object{Data: copied, ContentType: obj.ContentType}, nil
}

func (s *MemoryStore) SignedURL(key string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("memory:///%s?expires=%d", url.PathEscape(key), time.Now().Add(ttl).Unix()), nil
}
