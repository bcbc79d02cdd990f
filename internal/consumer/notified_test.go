package consumer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mediaforge/dispatch/internal/stream"
)

// deafBroker drops all notifications, simulating pub/sub message loss. Only
// the fallback timer can trigger drains.
type deafBroker struct {
	stream.Broker
}

func (b *deafBroker) Subscribe(ctx context.Context, streams ...string) (stream.Subscription, error) {
	return &deafSubscription{ch: make(chan string)}, nil
}

type deafSubscription struct {
	ch chan string
}

func (s *deafSubscription) C() <-chan string { return s.ch }
func (s *deafSubscription) Close() error     { close(s.ch); return nil }

func TestNotifiedConsumerDrainsOnNotification(t *testing.T) {
	ctx := context.Background()
	broker := stream.NewMemory()
	rec := &recorder{}

	c := NewNotified(broker, []Binding{{Stream: "jobs", Group: "workers", Handler: rec}},
		WithFallbackInterval(time.Hour), // notifications only
	)
	require.NoError(t, c.Start(ctx))
	defer func() { require.NoError(t, c.Stop(ctx)) }()

	_, err := broker.Append(ctx, "jobs", map[string]string{"n": "1"})
	require.NoError(t, err)

	waitFor(t, func() bool { return rec.count() == 1 }, "expected the notification to trigger a drain")
}

func TestNotifiedConsumerDrainIsComplete(t *testing.T) {
	// A burst of appends may collapse into few notifications; a single drain
	// must still consume every message because it loops to empty.
	ctx := context.Background()
	broker := stream.NewMemory()
	rec := &recorder{}

	c := NewNotified(broker, []Binding{{Stream: "jobs", Group: "workers", Handler: rec}},
		WithFallbackInterval(time.Hour),
		WithNotifiedClaimCount(4),
	)
	require.NoError(t, c.Start(ctx))
	defer func() { require.NoError(t, c.Stop(ctx)) }()

	const n = 50
	for i := 0; i < n; i++ {
		_, err := broker.Append(ctx, "jobs", map[string]string{"n": fmt.Sprintf("%d", i)})
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return rec.count() == n }, "expected the drain to consume the whole burst")

	waitFor(t, func() bool {
		summary, err := broker.Pending(ctx, "jobs", "workers")
		require.NoError(t, err)
		return summary.Count == 0
	}, "expected empty pending set after draining")
}

func TestNotifiedConsumerFallbackCoversLostNotifications(t *testing.T) {
	ctx := context.Background()
	mem := stream.NewMemory()
	broker := &deafBroker{Broker: mem}
	rec := &recorder{}

	c := NewNotified(broker, []Binding{{Stream: "jobs", Group: "workers", Handler: rec}},
		WithFallbackInterval(50*time.Millisecond),
	)
	require.NoError(t, c.Start(ctx))
	defer func() { require.NoError(t, c.Stop(ctx)) }()

	_, err := mem.Append(ctx, "jobs", map[string]string{"n": "1"})
	require.NoError(t, err)

	waitFor(t, func() bool { return rec.count() == 1 }, "expected the fallback drain to pick up the message")
}

func TestNotifiedConsumerDrainsBacklogOnStart(t *testing.T) {
	ctx := context.Background()
	broker := stream.NewMemory()
	rec := &recorder{}

	// Create the group, then append while no consumer is running. Those
	// messages never get a notification delivered to anyone.
	require.NoError(t, broker.EnsureGroup(ctx, "jobs", "workers"))
	for i := 0; i < 3; i++ {
		_, err := broker.Append(ctx, "jobs", map[string]string{"n": fmt.Sprintf("%d", i)})
		require.NoError(t, err)
	}

	c := NewNotified(broker, []Binding{{Stream: "jobs", Group: "workers", Handler: rec}},
		WithFallbackInterval(time.Hour),
	)
	require.NoError(t, c.Start(ctx))
	defer func() { require.NoError(t, c.Stop(ctx)) }()

	waitFor(t, func() bool { return rec.count() == 3 }, "expected the startup drain to consume the backlog")
}

func TestNotifiedConsumerMultipleStreams(t *testing.T) {
	ctx := context.Background()
	broker := stream.NewMemory()
	recA := &recorder{}
	recB := &recorder{}

	c := NewNotified(broker, []Binding{
		{Stream: "alpha", Group: "workers", Handler: recA},
		{Stream: "beta", Group: "workers", Handler: recB},
	}, WithFallbackInterval(time.Hour))
	require.NoError(t, c.Start(ctx))
	defer func() { require.NoError(t, c.Stop(ctx)) }()

	_, err := broker.Append(ctx, "alpha", map[string]string{"n": "a"})
	require.NoError(t, err)
	_, err = broker.Append(ctx, "beta", map[string]string{"n": "b"})
	require.NoError(t, err)
	_, err = broker.Append(ctx, "beta", map[string]string{"n": "b2"})
	require.NoError(t, err)

	waitFor(t, func() bool { return recA.count() == 1 && recB.count() == 2 },
		"expected each stream drained by its own binding")
}

func TestNotifiedConsumerStartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	broker := stream.NewMemory()

	c := NewNotified(broker, []Binding{{Stream: "jobs", Group: "workers", Handler: &recorder{}}})

	require.NoError(t, c.Stop(ctx))

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	require.Equal(t, StateRunning, c.State())

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))
	require.Equal(t, StateStopped, c.State())
}
