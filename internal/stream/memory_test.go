package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryAppendClaimAck(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.EnsureGroup(ctx, "jobs", "workers"))

	id, err := m.Append(ctx, "jobs", map[string]string{"mediaId": "m1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := m.Claim(ctx, "jobs", "workers", "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].ID)
	require.Equal(t, "m1", msgs[0].Fields["mediaId"])

	// Claimed but unacked: pending, and not redelivered.
	p, err := m.Pending(ctx, "jobs", "workers")
	require.NoError(t, err)
	require.Equal(t, int64(1), p.Count)

	msgs, err = m.Claim(ctx, "jobs", "workers", "c1", 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	require.NoError(t, m.Ack(ctx, "jobs", "workers", id))
	p, err = m.Pending(ctx, "jobs", "workers")
	require.NoError(t, err)
	require.Equal(t, int64(0), p.Count)

	// Acking again is a no-op.
	require.NoError(t, m.Ack(ctx, "jobs", "workers", id, "99-0"))
}

func TestMemoryGroupStartsAtTail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Append(ctx, "jobs", map[string]string{"n": "backlog"})
	require.NoError(t, err)

	require.NoError(t, m.EnsureGroup(ctx, "jobs", "workers"))

	msgs, err := m.Claim(ctx, "jobs", "workers", "c1", 10)
	require.NoError(t, err)
	require.Empty(t, msgs, "a fresh group must not see the backlog")

	id, err := m.Append(ctx, "jobs", map[string]string{"n": "new"})
	require.NoError(t, err)

	msgs, err = m.Claim(ctx, "jobs", "workers", "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].ID)
}

func TestMemoryEnsureGroupConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.EnsureGroup(ctx, "jobs", "workers"))
		}()
	}
	wg.Wait()

	id, err := m.Append(ctx, "jobs", map[string]string{"n": "1"})
	require.NoError(t, err)

	msgs, err := m.Claim(ctx, "jobs", "workers", "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].ID)
}

func TestMemoryAtMostOnceDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.EnsureGroup(ctx, "jobs", "workers"))

	const n = 200
	for i := 0; i < n; i++ {
		_, err := m.Append(ctx, "jobs", map[string]string{"n": "x"})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for _, consumer := range []string{"c1", "c2"} {
		wg.Add(1)
		go func(consumer string) {
			defer wg.Done()
			for {
				msgs, err := m.Claim(ctx, "jobs", "workers", consumer, 7)
				require.NoError(t, err)
				if len(msgs) == 0 {
					return
				}
				mu.Lock()
				for _, msg := range msgs {
					seen[msg.ID]++
				}
				mu.Unlock()
			}
		}(consumer)
	}
	wg.Wait()

	require.Len(t, seen, n, "every message delivered")
	for id, count := range seen {
		require.Equal(t, 1, count, "message %s delivered more than once", id)
	}
}

func TestMemoryBlockingClaim(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.EnsureGroup(ctx, "jobs", "workers"))

	t.Run("wakes on append", func(t *testing.T) {
		conn, err := m.NewBlockingConn()
		require.NoError(t, err)
		defer conn.Close()

		got := make(chan []Message, 1)
		go func() {
			msgs, err := conn.Claim(ctx, "jobs", "workers", "c1", 10, 5*time.Second)
			require.NoError(t, err)
			got <- msgs
		}()

		time.Sleep(50 * time.Millisecond)
		id, err := m.Append(ctx, "jobs", map[string]string{"n": "1"})
		require.NoError(t, err)

		select {
		case msgs := <-got:
			require.Len(t, msgs, 1)
			require.Equal(t, id, msgs[0].ID)
		case <-time.After(2 * time.Second):
			t.Fatal("blocking claim did not wake on append")
		}
	})

	t.Run("times out empty", func(t *testing.T) {
		conn, err := m.NewBlockingConn()
		require.NoError(t, err)
		defer conn.Close()

		start := time.Now()
		msgs, err := conn.Claim(ctx, "jobs", "workers", "c1", 10, 100*time.Millisecond)
		require.NoError(t, err)
		require.Empty(t, msgs)
		require.Less(t, time.Since(start), time.Second)
	})

	t.Run("close interrupts in-flight claim", func(t *testing.T) {
		conn, err := m.NewBlockingConn()
		require.NoError(t, err)

		errCh := make(chan error, 1)
		go func() {
			_, err := conn.Claim(ctx, "jobs", "workers", "c1", 10, 30*time.Second)
			errCh <- err
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, conn.Close())

		select {
		case err := <-errCh:
			require.ErrorIs(t, err, ErrClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("close did not interrupt the blocking claim")
		}

		// Closed connection stays closed.
		_, err = conn.Claim(ctx, "jobs", "workers", "c1", 10, 0)
		require.ErrorIs(t, err, ErrClosed)
	})
}

func TestMemoryPendingSummary(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.EnsureGroup(ctx, "jobs", "workers"))

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Append(ctx, "jobs", map[string]string{"n": "x"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	msgs, err := m.Claim(ctx, "jobs", "workers", "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	msgs, err = m.Claim(ctx, "jobs", "workers", "c2", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	p, err := m.Pending(ctx, "jobs", "workers")
	require.NoError(t, err)
	require.Equal(t, int64(3), p.Count)
	require.Equal(t, ids[0], p.MinID)
	require.Equal(t, ids[2], p.MaxID)
	require.Equal(t, int64(2), p.PerConsumer["c1"])
	require.Equal(t, int64(1), p.PerConsumer["c2"])
}

func TestMemoryPendingUnknownStreamOrGroup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// Both cases error, like NOGROUP from a real broker.
	_, err := m.Pending(ctx, "missing", "workers")
	require.Error(t, err)

	require.NoError(t, m.EnsureGroup(ctx, "jobs", "workers"))
	_, err = m.Pending(ctx, "jobs", "missing")
	require.Error(t, err)
}

func TestMemorySubscription(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.EnsureGroup(ctx, "jobs", "workers"))

	sub, err := m.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	_, err = m.Append(ctx, "jobs", map[string]string{"n": "1"})
	require.NoError(t, err)

	select {
	case name := <-sub.C():
		require.Equal(t, "jobs", name)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	require.NoError(t, sub.Close())
	_, open := <-sub.C()
	require.False(t, open, "channel should be closed after Close")

	// Appending after close must not panic.
	_, err = m.Append(ctx, "jobs", map[string]string{"n": "2"})
	require.NoError(t, err)

	// Close is idempotent.
	require.NoError(t, sub.Close())
}
