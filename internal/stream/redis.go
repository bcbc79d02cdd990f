package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis implements Broker on a Redis Streams compatible store. The struct
// holds one client for the shared non-blocking connection; blocking claims
// and subscriptions dial their own connections from the same options.
type Redis struct {
	client *redis.Client
	opts   *redis.Options

	mu     sync.Mutex
	groups map[string]struct{} // "stream/group" pairs already ensured
}

// NewRedis creates a Redis-backed broker from client options. The caller owns
// the options; they are reused to dial dedicated connections.
func NewRedis(opts *redis.Options) *Redis {
	return &Redis{
		client: redis.NewClient(opts),
		opts:   opts,
		groups: make(map[string]struct{}),
	}
}

// Ping verifies connectivity on the shared connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the shared connection. Dedicated connections handed out by
// NewBlockingConn and Subscribe are closed by their owners.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}

	// Wake-up only; the append already succeeded and idle consumers will
	// find the message on their next fallback drain if this is lost.
	if err := r.client.Publish(ctx, NotifyChannel(stream), id).Err(); err != nil {
		log.Warn().Err(err).Str("stream", stream).Msg("Notification publish failed")
	}

	return id, nil
}

func (r *Redis) EnsureGroup(ctx context.Context, stream, group string) error {
	key := stream + "/" + group

	r.mu.Lock()
	_, done := r.groups[key]
	r.mu.Unlock()
	if done {
		return nil
	}

	err := r.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s %s: %w", stream, group, err)
	}

	r.mu.Lock()
	r.groups[key] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *Redis) Claim(ctx context.Context, stream, group, consumer string, count int64) ([]Message, error) {
	return readGroup(ctx, r.client, stream, group, consumer, count, -1)
}

func (r *Redis) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	// XACK of an unknown ID returns a zero count, which is the idempotent
	// no-op the contract asks for.
	if err := r.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", stream, group, err)
	}
	return nil
}

func (r *Redis) Pending(ctx context.Context, stream, group string) (*PendingSummary, error) {
	p, err := r.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s %s: %w", stream, group, err)
	}
	return &PendingSummary{
		Count:       p.Count,
		MinID:       p.Lower,
		MaxID:       p.Higher,
		PerConsumer: p.Consumers,
	}, nil
}

func (r *Redis) NewBlockingConn() (BlockingConn, error) {
	return &redisBlockingConn{client: redis.NewClient(r.opts)}, nil
}

func (r *Redis) Subscribe(ctx context.Context, streams ...string) (Subscription, error) {
	channels := make([]string, len(streams))
	for i, s := range streams {
		channels[i] = NotifyChannel(s)
	}

	// go-redis gives the PubSub its own connection, satisfying the
	// dedicated-connection rule for subscriptions.
	pubsub := r.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan string, 64),
	}
	go sub.pump()
	return sub, nil
}

type redisBlockingConn struct {
	client *redis.Client
}

func (c *redisBlockingConn) Claim(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	// go-redis sends BLOCK whenever Block >= 0, and BLOCK 0 means wait
	// forever, so the non-blocking case must pass -1 to omit it.
	redisBlock := time.Duration(-1)
	if block > 0 {
		redisBlock = block
	}
	return readGroup(ctx, c.client, stream, group, consumer, count, redisBlock)
}

func (c *redisBlockingConn) Close() error {
	return c.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan string
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		name := strings.TrimPrefix(msg.Channel, "notify:")
		select {
		case s.ch <- name:
		default:
			// Subscriber is mid-drain and will loop to empty anyway.
		}
	}
}

func (s *redisSubscription) C() <-chan string {
	return s.ch
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

func readGroup(ctx context.Context, client *redis.Client, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("xreadgroup %s %s: %w", stream, group, err)
	}

	var msgs []Message
	for _, xs := range streams {
		for _, xm := range xs.Messages {
			msgs = append(msgs, Message{ID: xm.ID, Fields: stringFields(xm.Values)})
		}
	}
	return msgs, nil
}

func stringFields(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			fields[k] = s
		case []byte:
			fields[k] = string(s)
		default:
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}
