package media

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in memory. Used by tests and single-node
// development.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewMemoryStore creates an empty in-memory media store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

func (s *MemoryStore) Create(ctx context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.State == "" {
		item.State = StateQueued
	}

	copied := *item
	s.items[item.ID] = &copied
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *item
	return &copied, nil
}

func (s *MemoryStore) UpdateState(ctx context.Context, id string, state State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, state, func(*Item) {})
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, StateProcessing, func(*Item) {})
}

func (s *MemoryStore) Complete(ctx context.Context, id, s3Key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, StateCompleted, func(item *Item) {
		item.S3Key = s3Key
		item.Error = ""
	})
}

func (s *MemoryStore) Fail(ctx context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return false, ErrNotFound
	}
	// Cancellation wins silently: a cancelled item never becomes failed.
	if item.Cancelled() || !CanTransition(item.State, StateFailed) {
		return false, nil
	}
	item.State = StateFailed
	item.Error = reason
	item.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) Retry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if item.Cancelled() {
		return ErrCancelled
	}
	// Terminal items stay terminal; a racing retry is a no-op.
	if item.State == StateCompleted || item.State == StateFailed {
		return nil
	}
	item.State = StateQueued
	item.Attempts++
	item.Error = ""
	item.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if item.Cancelled() {
		return false, nil
	}
	now := time.Now()
	item.CancelledAt = &now
	item.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) SetThumbnail(ctx context.Context, id, thumbKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	item.ThumbKey = thumbKey
	item.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*Item
	for _, item := range s.items {
		if item.Cancelled() {
			continue
		}
		if item.State != StateQueued && item.State != StateProcessing {
			continue
		}
		if !item.UpdatedAt.Before(olderThan) {
			continue
		}
		copied := *item
		stale = append(stale, &copied)
	}

	// Oldest first, so the most overdue items are repaired before the limit
	// cuts the batch.
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// transitionLocked applies a guarded forward transition. Callers hold mu.
func (s *MemoryStore) transitionLocked(id string, to State, apply func(*Item)) (bool, error) {
	item, ok := s.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if item.Cancelled() {
		return false, ErrCancelled
	}
	if !CanTransition(item.State, to) {
		return false, nil
	}
	item.State = to
	apply(item)
	item.UpdatedAt = time.Now()
	return true, nil
}
