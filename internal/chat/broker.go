package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message is one publication received on a channel.
type Message struct {
	Channel string
	Body    json.RawMessage
}

// Receiver is called for every message on a subscribed channel.
type Receiver func(Message)

// Broker fans out channel publications to subscribers. A subscriber is
// identified by a comparable key so it can hold one subscription per channel.
type Broker interface {
	Publish(ctx context.Context, channel string, body any) error
	Subscribe(ctx context.Context, channel string, key any, fn Receiver) error
	Unsubscribe(ctx context.Context, channel string, key any) error
	Close() error
}

// subscribers is the local subscription table shared by both brokers.
type subscribers struct {
	mu   sync.Mutex
	subs map[string]map[any]Receiver
}

// add reports whether channel had no local subscribers before.
func (s *subscribers) add(channel string, key any, fn Receiver) (first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[string]map[any]Receiver)
	}
	m := s.subs[channel]
	if m == nil {
		m = make(map[any]Receiver)
		s.subs[channel] = m
		first = true
	}
	m[key] = fn
	return first
}

// remove reports whether channel has no local subscribers left.
func (s *subscribers) remove(channel string, key any) (last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.subs[channel]
	if !ok {
		return false
	}
	if _, ok := m[key]; !ok {
		return false
	}
	delete(m, key)
	if len(m) == 0 {
		delete(s.subs, channel)
		return true
	}
	return false
}

func (s *subscribers) channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := make([]string, 0, len(s.subs))
	for ch := range s.subs {
		chans = append(chans, ch)
	}
	return chans
}

func (s *subscribers) clear() {
	s.mu.Lock()
	s.subs = nil
	s.mu.Unlock()
}

func (s *subscribers) dispatch(msg Message) {
	s.mu.Lock()
	fns := make([]Receiver, 0, len(s.subs[msg.Channel]))
	for _, fn := range s.subs[msg.Channel] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// MemoryBroker delivers publications within the process.
type MemoryBroker struct {
	subs subscribers
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("chat: encode message for %s: %w", channel, err)
	}
	b.subs.dispatch(Message{Channel: channel, Body: raw})
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channel string, key any, fn Receiver) error {
	b.subs.add(channel, key, fn)
	return nil
}

func (b *MemoryBroker) Unsubscribe(_ context.Context, channel string, key any) error {
	b.subs.remove(channel, key)
	return nil
}

func (b *MemoryBroker) Close() error {
	b.subs.clear()
	return nil
}

// RedisBroker multiplexes every local subscription over a single Redis
// PubSub connection. A Redis channel is subscribed when its first local
// subscriber arrives and unsubscribed when the last one leaves.
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger
	subs   subscribers

	mu     sync.Mutex
	ps     *redis.PubSub
	done   chan struct{}
	closed bool
}

// NewRedisBroker connects to the Redis server at addr.
func NewRedisBroker(ctx context.Context, addr string, logger *zap.Logger) (*RedisBroker, error) {
	if addr == "" {
		return nil, fmt.Errorf("chat: redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("chat: connect to redis %s: %w", addr, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{client: client, logger: logger.With(zap.String("redis", addr))}, nil
}

// Publish sends body to Redis. Local subscribers receive it back through
// the PubSub connection like every other subscriber.
func (b *RedisBroker) Publish(ctx context.Context, channel string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("chat: encode message for %s: %w", channel, err)
	}
	b.logger.Debug("publish", zap.String("channel", channel), zap.ByteString("body", raw))
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("chat: publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string, key any, fn Receiver) error {
	if !b.subs.add(channel, key, fn) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.subs.remove(channel, key)
		return redis.ErrClosed
	}
	if b.ps == nil {
		b.ps = b.client.Subscribe(ctx, channel)
		b.done = make(chan struct{})
		go b.listen(b.ps, b.done)
		b.logger.Debug("subscription listener started")
		return nil
	}
	if err := b.ps.Subscribe(ctx, channel); err != nil {
		b.subs.remove(channel, key)
		return fmt.Errorf("chat: subscribe %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) Unsubscribe(ctx context.Context, channel string, key any) error {
	if !b.subs.remove(channel, key) {
		return nil
	}
	b.mu.Lock()
	ps := b.ps
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	if err := ps.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("chat: unsubscribe %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) listen(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	for m := range ps.Channel() {
		if !json.Valid([]byte(m.Payload)) {
			b.logger.Warn("dropping non-JSON message", zap.String("channel", m.Channel))
			continue
		}
		b.subs.dispatch(Message{Channel: m.Channel, Body: json.RawMessage(m.Payload)})
	}
}

// Close unsubscribes from every channel and closes the Redis connections.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps, done := b.ps, b.done
	b.mu.Unlock()

	b.logger.Debug("closing", zap.Strings("channels", b.subs.channels()))
	b.subs.clear()
	if ps != nil {
		if err := ps.Close(); err != nil {
			b.logger.Warn("close pubsub", zap.Error(err))
		}
		<-done
	}
	return b.client.Close()
}
