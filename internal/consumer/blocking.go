package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mediaforge/dispatch/internal/stream"
	"github.com/mediaforge/dispatch/internal/telemetry"
)

// BlockingConsumer continuously polls one stream with short blocking claims
// on a dedicated connection. The short block interval keeps Stop bounded
// while avoiding a tight non-blocking poll loop.
type BlockingConsumer struct {
	broker  stream.Broker
	stream  string
	group   string
	name    string
	handler Handler

	block    time.Duration
	grace    time.Duration
	count    int64
	setup    func(ctx context.Context) error
	teardown func(ctx context.Context) error

	mu     sync.Mutex
	state  State
	conn   stream.BlockingConn
	cancel context.CancelFunc
	done   chan struct{}
}

// BlockingOption configures a BlockingConsumer.
type BlockingOption func(*BlockingConsumer)

// WithBlockInterval sets how long each claim call waits for a message.
func WithBlockInterval(d time.Duration) BlockingOption {
	return func(c *BlockingConsumer) { c.block = d }
}

// WithGraceTimeout bounds how long Stop waits for the consume loop to exit.
func WithGraceTimeout(d time.Duration) BlockingOption {
	return func(c *BlockingConsumer) { c.grace = d }
}

// WithClaimCount sets the maximum messages claimed per call.
func WithClaimCount(n int64) BlockingOption {
	return func(c *BlockingConsumer) { c.count = n }
}

// WithConsumerName overrides the generated consumer name.
func WithConsumerName(name string) BlockingOption {
	return func(c *BlockingConsumer) { c.name = name }
}

// WithSetupHook runs after the group is ensured and before the loop starts.
func WithSetupHook(fn func(ctx context.Context) error) BlockingOption {
	return func(c *BlockingConsumer) { c.setup = fn }
}

// WithTeardownHook runs during Stop after the loop has exited.
func WithTeardownHook(fn func(ctx context.Context) error) BlockingOption {
	return func(c *BlockingConsumer) { c.teardown = fn }
}

// NewBlocking creates a blocking consumer for one stream and group.
func NewBlocking(broker stream.Broker, streamName, group string, handler Handler, opts ...BlockingOption) *BlockingConsumer {
	c := &BlockingConsumer{
		broker:  broker,
		stream:  streamName,
		group:   group,
		name:    group + "-" + uuid.NewString()[:8],
		handler: handler,
		block:   DefaultBlockInterval,
		grace:   DefaultGraceTimeout,
		count:   DefaultClaimCount,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *BlockingConsumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start opens the dedicated connection, ensures the group, and schedules the
// consume loop. It is a no-op when the consumer is not stopped.
func (c *BlockingConsumer) Start(ctx context.Context) error {
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
		return fail(fmt.Errorf("open blocking connection: %w", err))
	}

	if err := c.broker.EnsureGroup(ctx, c.stream, c.group); err != nil {
		_ = conn.Close()
		return fail(err)
	}
	if c.setup != nil {
		if err := c.setup(ctx); err != nil {
			_ = conn.Close()
			return fail(fmt.Errorf("setup hook: %w", err))
		}
	}

	// The loop outlives the Start context; Stop is the cancellation path.
	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateRunning
	c.mu.Unlock()

	log.Info().
		Str("stream", c.stream).
		Str("group", c.group).
		Str("consumer", c.name).
		Dur("block", c.block).
		Msg("Blocking consumer started")

	go c.run(loopCtx, conn)
	return nil
}

// Stop interrupts the consume loop by force-closing its connection, waits up
// to the grace timeout for it to exit, and proceeds regardless. It is a
// no-op when the consumer is already stopped or stopping.
func (c *BlockingConsumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped || c.state == StateStopping {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	conn := c.conn
	done := c.done
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	// Closing the connection is the only way to interrupt an in-flight
	// blocking claim.
	if err := conn.Close(); err != nil {
		log.Warn().Err(err).Str("stream", c.stream).Msg("Closing consumer connection failed")
	}

	select {
	case <-done:
	case <-time.After(c.grace):
		log.Warn().
			Str("stream", c.stream).
			Str("group", c.group).
			Dur("grace", c.grace).
			Msg("Consume loop did not exit within grace timeout, proceeding with shutdown")
	}

	if c.teardown != nil {
		if err := c.teardown(ctx); err != nil {
			log.Warn().Err(err).Str("stream", c.stream).Msg("Teardown hook failed")
		}
	}

	c.mu.Lock()
	c.state = StateStopped
	c.conn = nil
	c.mu.Unlock()

	log.Info().Str("stream", c.stream).Str("group", c.group).Msg("Blocking consumer stopped")
	return nil
}

// run owns its connection for the life of the loop. Stop may clear the
// struct field after the grace timeout while a slow handler is still in
// flight, so the loop must never read it.
func (c *BlockingConsumer) run(ctx context.Context, conn stream.BlockingConn) {
	defer close(c.done)

	m := telemetry.GetMetrics()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	for {
		msgs, err := conn.Claim(ctx, c.stream, c.group, c.name, c.count, c.block)
		m.ClaimCalls.Add(ctx, 1)
		if err != nil {
			if c.State() == StateStopping || errors.Is(err, stream.ErrClosed) || ctx.Err() != nil {
				return
			}
			m.ConsumerTransportRetries.Add(ctx, 1)
			wait := bo.NextBackOff()
			log.Warn().
				Err(err).
				Str("stream", c.stream).
				Str("group", c.group).
				Dur("backoff", wait).
				Msg("Claim failed, backing off")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		bo.Reset()

		if len(msgs) > 0 {
			m.MessagesClaimed.Add(ctx, int64(len(msgs)))
		}
		for _, msg := range msgs {
			handleAndAck(ctx, c.broker, c.stream, c.group, msg, c.handler)
		}
	}
}
