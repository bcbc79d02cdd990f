// Package stream provides an append-only message log with consumer-group
// fan-out. Two brokers implement the same contract: a Redis Streams backed
// broker for production and an in-memory broker for tests and single-node
// development.
//
// The interfaces split along the connection-isolation rule: everything on
// Broker is non-blocking and safe to issue on the shared connection, while
// blocking claims and notification subscriptions each hold a dedicated
// connection obtained from NewBlockingConn or Subscribe. Keeping the blocking
// operations off the Broker type makes misuse a compile error rather than a
// stalled connection at runtime.
package stream

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned from a blocking claim that was interrupted by closing
// its connection. Consumers treat it as a shutdown signal, not a failure.
var ErrClosed = errors.New("stream: connection closed")

// Message is a single entry in a stream. The ID is assigned by the broker and
// is monotonic within the stream; callers must treat it as opaque. Fields are
// flat string pairs; numeric and boolean values are stringified by convention.
type Message struct {
	ID     string
	Fields map[string]string
}

// PendingSummary describes the delivered-but-unacknowledged messages of a
// consumer group.
type PendingSummary struct {
	Count       int64
	MinID       string
	MaxID       string
	PerConsumer map[string]int64
}

// Broker is the non-blocking surface of the message log. All methods return
// promptly and may safely share one underlying connection.
type Broker interface {
	// Append adds a message to the stream and returns its assigned ID. It
	// also publishes a wake-up on the stream's notification channel;
	// notification delivery is best effort and never fails the append.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// EnsureGroup creates the consumer group at the tail of the stream if it
	// does not already exist, so a fresh group sees only future messages.
	// "already exists" is success, including under a concurrent race, and the
	// result is memoized so repeated calls are free.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Claim reads up to count never-before-delivered messages for the group
	// without blocking. An empty result is not an error.
	Claim(ctx context.Context, stream, group, consumer string, count int64) ([]Message, error)

	// Ack removes messages from the group's pending set. Acking an unknown
	// or already-acked ID is a no-op.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Pending reports the group's pending set without side effects.
	Pending(ctx context.Context, stream, group string) (*PendingSummary, error)

	// NewBlockingConn opens a dedicated connection for blocking claims.
	NewBlockingConn() (BlockingConn, error)

	// Subscribe opens a dedicated connection listening on the notification
	// channels of the given streams.
	Subscribe(ctx context.Context, streams ...string) (Subscription, error)
}

// BlockingConn is a dedicated connection for claim calls that may block.
// Nothing else may be issued on it while a claim is in flight.
type BlockingConn interface {
	// Claim reads up to count undelivered messages, waiting up to block for
	// one to arrive when the stream is idle. block <= 0 means do not wait.
	// Returns ErrClosed if the connection was closed mid-claim.
	Claim(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// Close force-closes the connection, interrupting an in-flight claim.
	// This is the only way to cancel a blocking claim.
	Close() error
}

// Subscription delivers stream names as notifications arrive. Notifications
// are best effort and non-durable: one published while no subscriber is
// connected is gone. Consumers pair subscriptions with a periodic drain.
type Subscription interface {
	// C yields the name of the stream each notification refers to. The
	// channel is closed when the subscription is closed.
	C() <-chan string

	Close() error
}

// NotifyChannel returns the notification channel name for a stream.
func NotifyChannel(stream string) string {
	return "notify:" + stream
}
