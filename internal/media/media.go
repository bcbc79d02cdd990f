// Package media holds the durable work-item records that are the source of
// truth for generation state. The stream transport only moves messages; every
// decision about an item's fate reads and writes this store.
package media

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a media item. Transitions are monotonic:
// queued -> processing -> completed|failed. Cancellation is orthogonal and
// recorded as a timestamp so it wins over any in-flight transition.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

var (
	ErrNotFound  = errors.New("media: item not found")
	ErrCancelled = errors.New("media: item cancelled")
)

// stateRank orders states for the monotonic-transition guard.
var stateRank = map[State]int{
	StateQueued:     0,
	StateProcessing: 1,
	StateCompleted:  2,
	StateFailed:     2,
}

// CanTransition reports whether moving from one state to another is a legal
// forward transition. Retry is the single sanctioned exception and bypasses
// this guard.
func CanTransition(from, to State) bool {
	return stateRank[to] > stateRank[from]
}

// Item is one unit of media work.
type Item struct {
	ID          string
	UserID      string
	Prompt      string
	Seed        int64
	Width       int32
	Height      int32
	State       State
	Attempts    int32
	S3Key       string
	ThumbKey    string
	Error       string
	CancelledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Cancelled reports whether the item has been cancelled.
func (i *Item) Cancelled() bool {
	return i.CancelledAt != nil
}

// Store persists media items. Mutators that represent a state change return a
// changed flag: false means the write was a no-op because the item was already
// in the target state, which callers use to suppress duplicate downstream
// messages on recovery paths.
type Store interface {
	// Create inserts a new item in state queued, assigning ID and timestamps
	// when unset.
	Create(ctx context.Context, item *Item) error

	// Get returns the item or ErrNotFound.
	Get(ctx context.Context, id string) (*Item, error)

	// UpdateState applies a forward state transition. It returns false without
	// error when the item is already at or past the target state, and
	// ErrCancelled when the item is cancelled.
	UpdateState(ctx context.Context, id string, state State) (bool, error)

	// MarkProcessing moves a queued item to processing.
	MarkProcessing(ctx context.Context, id string) (bool, error)

	// Complete marks the item completed and records the output key. Completing
	// a cancelled item returns ErrCancelled; completing a completed item is a
	// no-op.
	Complete(ctx context.Context, id, s3Key string) (bool, error)

	// Fail marks the item terminally failed with a reason. Failing a cancelled
	// or already-terminal item is a no-op.
	Fail(ctx context.Context, id, reason string) (bool, error)

	// Retry returns a non-terminal item to queued and increments its attempt
	// counter. Retrying a cancelled item returns ErrCancelled; retrying a
	// terminal item is a no-op.
	Retry(ctx context.Context, id string) error

	// Cancel records the cancellation timestamp. Cancelling twice is a no-op.
	Cancel(ctx context.Context, id string) (bool, error)

	// SetThumbnail records the thumbnail key.
	SetThumbnail(ctx context.Context, id, thumbKey string) error

	// ListStale returns up to limit non-cancelled items in state queued or
	// processing whose last update is older than the given time.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*Item, error)
}
