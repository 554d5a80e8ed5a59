// Package redis implements the pubsub fabric on Redis pub/sub. Redis
// guarantees per-channel delivery order to each subscriber connection, which
// satisfies the fabric's ordering contract.
package redis

import (
	"context"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/beamlink/beam/internal/logger"
	"github.com/beamlink/beam/pkg/protocol"
	"github.com/beamlink/beam/pkg/pubsub"
)

// RedisPubSub is the distributed fabric.
type RedisPubSub struct {
	client *goredis.Client

	mu     sync.Mutex
	subs   []*goredis.PubSub
	closed bool
}

// NewRedisPubSub wraps an existing client, typically shared with the
// redis storage backend.
func NewRedisPubSub(client *goredis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

func (p *RedisPubSub) Publish(ctx context.Context, channel string, payload map[string]any) error {
	data, err := protocol.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish on %s: %w", channel, err)
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish on %s: %w", channel, err)
	}
	return nil
}

func (p *RedisPubSub) Subscribe(ctx context.Context, channel string, handler pubsub.Handler) (func(), error) {
	sub := p.client.Subscribe(ctx, channel)
	// Force the subscription to be established before returning so callers
	// never miss messages published immediately after Subscribe.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = sub.Close()
		return nil, fmt.Errorf("pubsub is closed")
	}
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	go func() {
		for msg := range sub.Channel() {
			payload, err := protocol.Unmarshal([]byte(msg.Payload))
			if err != nil {
				logger.Warn("pubsub message decode failed",
					logger.KeyChannel, channel, logger.KeyError, err.Error())
				continue
			}
			handler(channel, payload)
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				logger.Warn("pubsub unsubscribe failed",
					logger.KeyChannel, channel, logger.KeyError, err.Error())
			}
		})
	}
	return unsubscribe, nil
}

func (p *RedisPubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, sub := range p.subs {
		_ = sub.Close()
	}
	p.subs = nil
	return nil
}
