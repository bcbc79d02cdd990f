package stream

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory implements Broker in process with the same semantics as the Redis
// broker: append-only streams, groups positioned at the tail on creation,
// at-most-one active delivery per group, idempotent acks, and best-effort
// notifications. Used by tests and single-node development.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
	subs    map[string][]*memSubscription // notify channel -> subscribers
}

type memStream struct {
	seq     int64
	entries []memEntry
	groups  map[string]*memGroup
	// notify is closed and replaced on every append; blocking claims wait
	// on the channel they snapshot before checking for messages.
	notify chan struct{}
}

type memEntry struct {
	seq int64
	msg Message
}

type memGroup struct {
	cursor  int // index of the next undelivered entry
	pending map[string]memPending
}

type memPending struct {
	seq      int64
	consumer string
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string]*memStream),
		subs:    make(map[string][]*memSubscription),
	}
}

func (m *Memory) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	m.mu.Lock()
	s := m.stream(stream)
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.entries = append(s.entries, memEntry{seq: s.seq, msg: Message{ID: id, Fields: copied}})

	// Wake blocking claims.
	close(s.notify)
	s.notify = make(chan struct{})

	// Best-effort notification fan-out: a full subscriber buffer drops the
	// notification, exactly like a lost pub/sub message.
	for _, sub := range m.subs[NotifyChannel(stream)] {
		select {
		case sub.ch <- stream:
		default:
		}
	}
	m.mu.Unlock()

	return id, nil
}

func (m *Memory) EnsureGroup(ctx context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{
			cursor:  len(s.entries), // tail: only future messages
			pending: make(map[string]memPending),
		}
	}
	return nil
}

func (m *Memory) Claim(ctx context.Context, stream, group, consumer string, count int64) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimLocked(stream, group, consumer, count)
}

func (m *Memory) Ack(ctx context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *Memory) Pending(ctx context.Context, stream, group string) (*PendingSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Missing stream and missing group both error, matching NOGROUP from the
	// redis broker.
	s, ok := m.streams[stream]
	if !ok {
		return nil, fmt.Errorf("no such group %q on stream %q", group, stream)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("no such group %q on stream %q", group, stream)
	}

	summary := &PendingSummary{PerConsumer: make(map[string]int64)}
	var minSeq, maxSeq int64
	for id, p := range g.pending {
		summary.Count++
		summary.PerConsumer[p.consumer]++
		if minSeq == 0 || p.seq < minSeq {
			minSeq = p.seq
			summary.MinID = id
		}
		if p.seq > maxSeq {
			maxSeq = p.seq
			summary.MaxID = id
		}
	}
	return summary, nil
}

func (m *Memory) NewBlockingConn() (BlockingConn, error) {
	return &memConn{broker: m, closed: make(chan struct{})}, nil
}

func (m *Memory) Subscribe(ctx context.Context, streams ...string) (Subscription, error) {
	sub := &memSubscription{
		broker:   m,
		ch:       make(chan string, 64),
		channels: make([]string, len(streams)),
	}
	m.mu.Lock()
	for i, s := range streams {
		ch := NotifyChannel(s)
		sub.channels[i] = ch
		m.subs[ch] = append(m.subs[ch], sub)
	}
	m.mu.Unlock()
	return sub, nil
}

// stream returns the named stream, creating it on first use. Callers hold mu.
func (m *Memory) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{
			groups: make(map[string]*memGroup),
			notify: make(chan struct{}),
		}
		m.streams[name] = s
	}
	return s
}

func (m *Memory) claimLocked(stream, group, consumer string, count int64) ([]Message, error) {
	s, ok := m.streams[stream]
	if !ok {
		return nil, fmt.Errorf("no such group %q on stream %q", group, stream)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("no such group %q on stream %q", group, stream)
	}

	var msgs []Message
	for g.cursor < len(s.entries) && int64(len(msgs)) < count {
		e := s.entries[g.cursor]
		g.cursor++
		g.pending[e.msg.ID] = memPending{seq: e.seq, consumer: consumer}
		msgs = append(msgs, e.msg)
	}
	return msgs, nil
}

type memConn struct {
	broker *Memory

	mu     sync.Mutex
	closed chan struct{}
	done   bool
}

func (c *memConn) Claim(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	deadline := time.Now().Add(block)
	for {
		c.mu.Lock()
		done := c.done
		closed := c.closed
		c.mu.Unlock()
		if done {
			return nil, ErrClosed
		}

		// Snapshot the notify channel before checking for messages so an
		// append between the check and the wait still wakes us.
		c.broker.mu.Lock()
		s, ok := c.broker.streams[stream]
		var notify chan struct{}
		if ok {
			notify = s.notify
		}
		msgs, err := c.broker.claimLocked(stream, group, consumer, count)
		c.broker.mu.Unlock()

		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if block <= 0 {
			return nil, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-closed:
			timer.Stop()
			return nil, ErrClosed
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		c.done = true
		close(c.closed)
	}
	return nil
}

type memSubscription struct {
	broker   *Memory
	ch       chan string
	channels []string

	once sync.Once
}

func (s *memSubscription) C() <-chan string {
	return s.ch
}

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		for _, ch := range s.channels {
			subs := s.broker.subs[ch]
			for i, sub := range subs {
				if sub == s {
					s.broker.subs[ch] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		// Appends send under the broker lock, so closing here cannot race
		// a send.
		close(s.ch)
		s.broker.mu.Unlock()
	})
	return nil
}
