// Package eventbus is a publish/subscribe abstraction over a durable log.
//
// Delivery is at least once. Each consumer group receives every message
// published after it subscribed; within a group a message is handled by one
// member. Order is preserved only between messages sharing a partition key.
package eventbus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when publishing or subscribing on a closed bus
var ErrClosed = errors.New("eventbus: closed")

// Message is a single delivery
type Message struct {
	ID          string
	Topic       string
	Key         string
	Value       []byte
	Headers     map[string]string
	PublishedAt time.Time
	// Attempt counts handler invocations for this delivery, starting at 1.
	Attempt int
}

// Handler processes one message. A nil return acknowledges it; an error leaves
// it unacknowledged and eligible for redelivery. Handlers must be idempotent.
type Handler func(ctx context.Context, msg Message) error

// Publisher publishes payloads to a topic. Messages sharing key keep their order.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Bus is a publisher that also supports consumer-group subscriptions
type Bus interface {
	Publisher
	// Subscribe starts delivering topic to h as a member of group. It returns
	// once the subscription is registered; delivery stops when ctx is done or
	// the bus is closed.
	Subscribe(ctx context.Context, topic, group string, h Handler, opts ...SubscribeOption) error
	Close() error
}

// SubscribeOption tunes a single subscription
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	ephemeral bool
}

// Ephemeral subscribes to live traffic only. The subscriber starts at the end
// of the log, reads every partition and commits nothing, so no consumer group
// outlives it. Use it to fan out state where history is stale.
func Ephemeral() SubscribeOption {
	return func(o *subscribeOptions) { o.ephemeral = true }
}

func applySubscribeOptions(opts []SubscribeOption) subscribeOptions {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
