package broadcast

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("broadcast channel closed")

// Handler receives one raw message. Handlers of one subscription are called
// sequentially in arrival order.
type Handler func(msg []byte)

// Channel is a publish/subscribe transport with exact topic matching and
// at-least-once delivery. Messages are unordered across publishers and a
// subscribed publisher receives its own messages.
type Channel interface {
	// Publish sends msg to every current subscriber of topic.
	Publish(ctx context.Context, topic string, msg []byte) error

	// Subscribe registers handler for topic until the subscription is closed.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close terminates the channel and all of its subscriptions.
	Close() error
}

// Subscription is an active registration on a topic.
type Subscription interface {
	Topic() string
	Close() error
}
