// Package pubsub provides the channel-named broadcast fabric the cluster
// coordinates over: at-least-once local delivery with per-channel subscriber
// ordering. Payloads cross the fabric through the byte-safe protocol codec so
// binary chunk buffers survive transit between nodes.
package pubsub

import "context"

// Enumerated channels.
const (
	ChannelSessionCreated = "session:created"
	ChannelSessionEnded   = "session:ended"
	ChannelShareCreated   = "share:created"
	ChannelMessageRoute   = "message:route"
	ChannelRoutingRequest = "routing:request"
)

// Handler consumes one decoded message on a channel. Handlers for a given
// subscription are invoked sequentially in publication order; a slow handler
// delays only its own subscription.
type Handler func(channel string, payload map[string]any)

// PubSub is the fabric contract. Both backends guarantee per-channel,
// per-subscriber FIFO delivery.
type PubSub interface {
	// Publish encodes payload and broadcasts it on channel.
	Publish(ctx context.Context, channel string, payload map[string]any) error

	// Subscribe registers a handler for channel and returns an unsubscribe
	// function. Unsubscribe is idempotent.
	Subscribe(ctx context.Context, channel string, handler Handler) (func(), error)

	Close() error
}
