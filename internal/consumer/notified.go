package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mediaforge/dispatch/internal/stream"
	"github.com/mediaforge/dispatch/internal/telemetry"
)

// Binding ties one stream and group to a handler within a notification-driven
// consumer.
type Binding struct {
	Stream  string
	Group   string
	Handler Handler
}

// NotifiedConsumer sleeps until a notification arrives for one of its
// streams, then drains that stream non-blockingly until empty. A continuous
// blocking poll issues an order of magnitude more claim calls than actual
// messages on an idle stream; this strategy only looks when told to, with a
// periodic fallback drain because notifications are best effort and
// non-durable.
type NotifiedConsumer struct {
	broker   stream.Broker
	name     string
	bindings []Binding
	byStream map[string]*bindingState

	fallback time.Duration
	grace    time.Duration
	count    int64

	mu     sync.Mutex
	state  State
	sub    stream.Subscription
	conn   stream.BlockingConn
	cancel context.CancelFunc
	wg     sync.WaitGroup // in-flight drains
}

type bindingState struct {
	Binding
	// draining coalesces notifications per stream: a drain in progress will
	// see everything appended so far because it loops to empty.
	draining atomic.Bool
}

// NotifiedOption configures a NotifiedConsumer.
type NotifiedOption func(*NotifiedConsumer)

// WithFallbackInterval sets the period of the safety-net drain.
func WithFallbackInterval(d time.Duration) NotifiedOption {
	return func(c *NotifiedConsumer) { c.fallback = d }
}

// WithNotifiedGraceTimeout bounds how long Stop waits for in-flight drains.
func WithNotifiedGraceTimeout(d time.Duration) NotifiedOption {
	return func(c *NotifiedConsumer) { c.grace = d }
}

// WithNotifiedClaimCount sets the maximum messages claimed per call.
func WithNotifiedClaimCount(n int64) NotifiedOption {
	return func(c *NotifiedConsumer) { c.count = n }
}

// WithNotifiedConsumerName overrides the generated consumer name.
func WithNotifiedConsumerName(name string) NotifiedOption {
	return func(c *NotifiedConsumer) { c.name = name }
}

// NewNotified creates a notification-driven consumer over one or more stream
// bindings.
func NewNotified(broker stream.Broker, bindings []Binding, opts ...NotifiedOption) *NotifiedConsumer {
	c := &NotifiedConsumer{
		broker:   broker,
		name:     "notified-" + uuid.NewString()[:8],
		bindings: bindings,
		byStream: make(map[string]*bindingState, len(bindings)),
		fallback: DefaultFallbackInterval,
		grace:    DefaultGraceTimeout,
		count:    DefaultClaimCount,
	}
	for _, opt := range opts {
		opt(c)
	}
	for i := range c.bindings {
		b := c.bindings[i]
		c.byStream[b.Stream] = &bindingState{Binding: b}
	}
	return c
}

// State returns the current lifecycle state.
func (c *NotifiedConsumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start ensures all groups, drains any backlog left over from downtime, then
// subscribes and schedules the dispatch and fallback loops.
func (c *NotifiedConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStarting
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		return err
	}

	conn, err := c.broker.NewBlockingConn()
	if err != nil {
		return fail(fmt.Errorf("open drain connection: %w", err))
	}

	streams := make([]string, 0, len(c.bindings))
	for _, b := range c.bindings {
		if err := c.broker.EnsureGroup(ctx, b.Stream, b.Group); err != nil {
			_ = conn.Close()
			return fail(err)
		}
		streams = append(streams, b.Stream)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Backlog drain before subscribing: messages that arrived while we were
	// offline have no notification coming.
	for _, bs := range c.byStream {
		c.drainLoop(ctx, bs)
	}

	sub, err := c.broker.Subscribe(ctx, streams...)
	if err != nil {
		_ = conn.Close()
		return fail(fmt.Errorf("subscribe: %w", err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.sub = sub
	c.cancel = cancel
	c.state = StateRunning
	c.mu.Unlock()

	log.Info().
		Strs("streams", streams).
		Str("consumer", c.name).
		Dur("fallback", c.fallback).
		Msg("Notification-driven consumer started")

	go c.dispatch(loopCtx, sub)
	go c.fallbackLoop(loopCtx)
	return nil
}

// Stop unsubscribes, closes the drain connection, and waits for in-flight
// drains up to the grace timeout before proceeding regardless.
func (c *NotifiedConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped || c.state == StateStopping {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	sub := c.sub
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	if err := sub.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing subscription failed")
	}
	if err := conn.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing drain connection failed")
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.grace):
		log.Warn().
			Dur("grace", c.grace).
			Msg("In-flight drains did not finish within grace timeout, proceeding with shutdown")
	}

	c.mu.Lock()
	c.state = StateStopped
	c.sub = nil
	c.conn = nil
	c.mu.Unlock()

	log.Info().Str("consumer", c.name).Msg("Notification-driven consumer stopped")
	return nil
}

func (c *NotifiedConsumer) dispatch(ctx context.Context, sub stream.Subscription) {
	for {
		select {
		case name, ok := <-sub.C():
			if !ok {
				return
			}
			c.maybeDrain(ctx, name, false)
		case <-ctx.Done():
			return
		}
	}
}

func (c *NotifiedConsumer) fallbackLoop(ctx context.Context) {
	ticker := time.NewTicker(c.fallback)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for name := range c.byStream {
				c.maybeDrain(ctx, name, true)
			}
		case <-ctx.Done():
			return
		}
	}
}

// maybeDrain starts a drain for the stream unless one is already in
// progress. Coalescing is per stream, so drains for different streams run
// independently.
func (c *NotifiedConsumer) maybeDrain(ctx context.Context, streamName string, fallback bool) {
	bs, ok := c.byStream[streamName]
	if !ok {
		return
	}

	m := telemetry.GetMetrics()
	if !bs.draining.CompareAndSwap(false, true) {
		if !fallback {
			m.NotificationsCoalesced.Add(ctx, 1)
		}
		return
	}

	m.DrainsStarted.Add(ctx, 1)
	if fallback {
		m.FallbackDrains.Add(ctx, 1)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer bs.draining.Store(false)
		c.drainLoop(ctx, bs)
	}()
}

// drainLoop claims non-blockingly until the stream reports no more
// undelivered messages.
func (c *NotifiedConsumer) drainLoop(ctx context.Context, bs *bindingState) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	m := telemetry.GetMetrics()
	for {
		msgs, err := conn.Claim(ctx, bs.Stream, bs.Group, c.name, c.count, 0)
		m.ClaimCalls.Add(ctx, 1)
		if err != nil {
			if c.State() == StateStopping || errors.Is(err, stream.ErrClosed) || ctx.Err() != nil {
				return
			}
			// Leave the rest for the next notification or fallback drain.
			log.Warn().
				Err(err).
				Str("stream", bs.Stream).
				Str("group", bs.Group).
				Msg("Drain claim failed")
			return
		}
		if len(msgs) == 0 {
			return
		}
		m.MessagesClaimed.Add(ctx, int64(len(msgs)))
		for _, msg := range msgs {
			handleAndAck(ctx, c.broker, bs.Stream, bs.Group, msg, bs.Handler)
		}
	}
}
