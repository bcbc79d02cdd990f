// Package consumer implements the two consumption strategies over the stream
// transport: a blocking-poll consumer that holds a dedicated connection, and a
// notification-driven consumer that sleeps until woken and then drains.
package consumer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mediaforge/dispatch/internal/stream"
	"github.com/mediaforge/dispatch/internal/telemetry"
)

// Handler processes one message. Returning an error marks the message as a
// poison message: it is logged and acknowledged anyway, never redelivered.
// Work that needs stronger guarantees is tracked by the reconciler, not by
// stream redelivery.
type Handler interface {
	Handle(ctx context.Context, msg stream.Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg stream.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg stream.Message) error {
	return f(ctx, msg)
}

// State is the lifecycle state of a consumer.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	// DefaultBlockInterval bounds shutdown latency: Stop waits out at most
	// one block interval plus handler time.
	DefaultBlockInterval = 2 * time.Second

	// DefaultFallbackInterval is how often a notification-driven consumer
	// drains regardless of notifications, covering lost wake-ups.
	DefaultFallbackInterval = 60 * time.Second

	DefaultGraceTimeout = 5 * time.Second
	DefaultClaimCount   = 16
)

// handleAndAck applies the per-message contract shared by both strategies:
// run the handler, then acknowledge no matter what. A handler error turns the
// message into a single dropped unit of work instead of an infinite
// redelivery loop.
func handleAndAck(ctx context.Context, broker stream.Broker, streamName, group string, msg stream.Message, h Handler) {
	m := telemetry.GetMetrics()

	start := time.Now()
	err := h.Handle(ctx, msg)
	m.HandleDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		m.HandlerErrors.Add(ctx, 1)
		log.Error().
			Err(err).
			Str("stream", streamName).
			Str("group", group).
			Str("message_id", msg.ID).
			Msg("Handler failed, acknowledging and dropping message")
	}

	// The ack must go through even when shutdown has cancelled ctx, or the
	// message would be redelivered after a restart despite being handled.
	ackCtx := context.WithoutCancel(ctx)
	if err := broker.Ack(ackCtx, streamName, group, msg.ID); err != nil {
		log.Warn().
			Err(err).
			Str("stream", streamName).
			Str("message_id", msg.ID).
			Msg("Ack failed")
		return
	}
	m.MessagesAcked.Add(ackCtx, 1)
}
