package jobref

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in memory with lazy expiry on read plus a
// background sweep. Used by tests and single-node development.
type MemoryStore struct {
	ttl time.Duration

	mu   sync.RWMutex
	refs map[string]memoryRef

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type memoryRef struct {
	ref       Ref
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory reference store with the given TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:         ttl,
		refs:        make(map[string]memoryRef),
		stopCleanup: make(chan struct{}),
	}
}

// Start begins the background expiry sweep.
func (s *MemoryStore) Start() error {
	s.cleanupTicker = time.NewTicker(30 * time.Second)
	go s.cleanupLoop()
	return nil
}

// Stop terminates the background sweep.
func (s *MemoryStore) Stop() error {
	if s.cleanupTicker != nil {
		s.cleanupTicker.Stop()
	}
	close(s.stopCleanup)
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.removeExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, entry := range s.refs {
		if now.After(entry.expiresAt) {
			delete(s.refs, id)
		}
	}
}

func (s *MemoryStore) Put(ctx context.Context, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[ref.MediaID] = memoryRef{ref: ref, expiresAt: time.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, mediaID string) (Ref, bool, error) {
	s.mu.RLock()
	entry, ok := s.refs[mediaID]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return Ref{}, false, nil
	}
	return entry.ref, true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, mediaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refs, mediaID)
	return nil
}
