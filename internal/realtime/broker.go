package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Broker carries published envelopes to subscribers. The memory broker
// serves single-replica deployments; Redis Streams back multi-replica ones.
type Broker interface {
	// Publish hands one envelope to the transport. Ordering within a
	// sequence_stream is the publisher's responsibility: envelopes arrive
	// here in sequence order and must not be reordered.
	Publish(ctx context.Context, env Envelope) error
	// Subscribe returns a firehose of all published envelopes plus a
	// cancel func. Subscribers filter by room keys themselves.
	Subscribe(ctx context.Context) (<-chan Envelope, func(), error)
	Close() error
}

// MemoryBroker is an in-process fan-out bus. Non-blocking: envelopes are
// dropped for subscribers that fall behind their buffer.
type MemoryBroker struct {
	mu          sync.RWMutex
	subscribers map[string]chan Envelope
	bufferSize  int
	closed      bool
}

// NewMemoryBroker creates a bus with the given per-subscriber buffer.
func NewMemoryBroker(bufferSize int) *MemoryBroker {
	if bufferSize < 1 {
		bufferSize = 256
	}
	return &MemoryBroker{
		subscribers: make(map[string]chan Envelope),
		bufferSize:  bufferSize,
	}
}

func (b *MemoryBroker) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- env:
		default:
			// Drop for slow subscriber rather than block the publisher.
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context) (<-chan Envelope, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, fmt.Errorf("broker closed")
	}
	id := uuid.NewString()
	ch := make(chan Envelope, b.bufferSize)
	b.subscribers[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			close(sub)
			delete(b.subscribers, id)
		}
	}
	return ch, cancel, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	return nil
}

const (
	redisAggregateStream = "llmctl:events"
	redisStreamPrefix    = "llmctl:events:"
	redisMaxLen          = 16384
)

// RedisBroker publishes envelopes to Redis Streams: one stream per
// sequence_stream for catch-up readers, plus an aggregate stream that
// websocket hubs on other replicas tail.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to addr and verifies the connection.
func NewRedisBroker(ctx context.Context, addr string) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisBroker{client: client}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	pipe := b.client.Pipeline()
	for _, key := range []string{redisStreamPrefix + env.SequenceStream, redisAggregateStream} {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: redisMaxLen,
			Approx: true,
			Values: map[string]any{"envelope": string(data)},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", env.SequenceStream, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan Envelope, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Envelope, 256)

	go func() {
		defer close(ch)
		lastID := "$"
		for {
			res, err := b.client.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{redisAggregateStream, lastID},
				Block:   5 * time.Second,
				Count:   128,
			}).Result()
			if subCtx.Err() != nil {
				return
			}
			if err != nil {
				if err == redis.Nil {
					continue
				}
				continue
			}
			for _, stream := range res {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					raw, ok := msg.Values["envelope"].(string)
					if !ok {
						continue
					}
					var env Envelope
					if jerr := json.Unmarshal([]byte(raw), &env); jerr != nil {
						continue
					}
					select {
					case ch <- env:
					case <-subCtx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, cancel, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
