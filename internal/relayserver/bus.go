package relayserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// BusMessage carries a merged update between relay instances. A message
// with Request set asks instances holding Room to publish their snapshot.
type BusMessage struct {
	Origin  string `json:"origin"`
	Room    string `json:"room"`
	Update  []byte `json:"update,omitempty"`
	Request bool   `json:"request,omitempty"`
}

// Bus fans updates out to other relay instances serving the same rooms.
type Bus interface {
	Publish(ctx context.Context, msg BusMessage) error
	// Run delivers every message, including this instance's own, until ctx
	// is done.
	Run(ctx context.Context, handle func(BusMessage)) error
	Close() error
}

// MemoryBus connects relay instances inside one process.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[int]func(BusMessage)
	next     int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: map[int]func(BusMessage){}}
}

func (b *MemoryBus) Publish(_ context.Context, msg BusMessage) error {
	b.mu.RLock()
	handlers := make([]func(BusMessage), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (b *MemoryBus) Run(ctx context.Context, handle func(BusMessage)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handle
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBus) Close() error {
	return nil
}

const redisBusPrefix = "onyx:room:"

// RedisBus publishes on one pub/sub channel per room.
type RedisBus struct {
	client *redis.Client
	prefix string
}

func NewRedisBus(dsn string) (*RedisBus, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("parse redis bus url: %w", err)
	}
	return NewRedisBusWithClient(redis.NewClient(opts)), nil
}

func NewRedisBusWithClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, prefix: redisBusPrefix}
}

func (b *RedisBus) Publish(ctx context.Context, msg BusMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.prefix+msg.Room, payload).Err()
}

func (b *RedisBus) Run(ctx context.Context, handle func(BusMessage)) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe redis bus: %w", err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg BusMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				continue
			}
			if msg.Room == "" {
				msg.Room = strings.TrimPrefix(m.Channel, b.prefix)
			}
			handle(msg)
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
