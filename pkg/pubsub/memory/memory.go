// Package memory implements the pubsub fabric in-process.
//
// Each subscriber owns a buffered queue drained by a dedicated goroutine, so
// delivery to one slow subscriber never reorders or blocks another. Messages
// round-trip through the protocol codec to keep encoding behavior identical
// to the Redis backend.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/beamlink/beam/internal/logger"
	"github.com/beamlink/beam/pkg/protocol"
	"github.com/beamlink/beam/pkg/pubsub"
)

const subscriberQueueSize = 256

type subscriber struct {
	handler pubsub.Handler
	queue   chan queued
	done    chan struct{}
}

type queued struct {
	channel string
	data    []byte
}

// MemoryPubSub is the in-process fabric used for standalone deployments and
// for multi-engine tests within one process.
type MemoryPubSub struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	closed bool
}

// NewMemoryPubSub creates an empty fabric.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string][]*subscriber)}
}

func (p *MemoryPubSub) Publish(ctx context.Context, channel string, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := protocol.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish on %s: %w", channel, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("pubsub is closed")
	}

	for _, sub := range p.subs[channel] {
		select {
		case sub.queue <- queued{channel: channel, data: data}:
		default:
			// Queue full: drop rather than stall the publisher. The ack/retry
			// machinery above absorbs the loss.
			logger.Warn("pubsub subscriber queue full, dropping message",
				logger.KeyChannel, channel)
		}
	}
	return nil
}

func (p *MemoryPubSub) Subscribe(ctx context.Context, channel string, handler pubsub.Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscriber{
		handler: handler,
		queue:   make(chan queued, subscriberQueueSize),
		done:    make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pubsub is closed")
	}
	p.subs[channel] = append(p.subs[channel], sub)
	p.mu.Unlock()

	go sub.run()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			p.remove(channel, sub)
			close(sub.done)
		})
	}
	return unsubscribe, nil
}

func (sub *subscriber) run() {
	for {
		select {
		case <-sub.done:
			return
		case msg := <-sub.queue:
			payload, err := protocol.Unmarshal(msg.data)
			if err != nil {
				logger.Warn("pubsub message decode failed",
					logger.KeyChannel, msg.channel, logger.KeyError, err.Error())
				continue
			}
			sub.handler(msg.channel, payload)
		}
	}
}

func (p *MemoryPubSub) remove(channel string, target *subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := p.subs[channel]
	for i, sub := range subs {
		if sub == target {
			p.subs[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (p *MemoryPubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, subs := range p.subs {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	p.subs = make(map[string][]*subscriber)
	return nil
}
