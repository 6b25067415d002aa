// Package router consumes domain events, turns them into notifications and
// pushes the results to live connections.
package router

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/locolive/relay/internal/domain"
	"github.com/locolive/relay/internal/eventbus"
	"github.com/locolive/relay/internal/mail"
	"github.com/locolive/relay/internal/metrics"
	"github.com/locolive/relay/internal/realtime"
)

// DefaultGroup is the consumer group shared by all router instances
const DefaultGroup = "notification-group"

// Outcomes of a processed event, used in logs and metrics
const (
	OutcomePersisted    = "persisted"
	OutcomeDuplicate    = "duplicate"
	OutcomeSkippedSelf  = "skipped_self"
	OutcomeForwarded    = "forwarded"
	OutcomeOffline      = "offline"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeDropped      = "dropped"
)

// Deliverer pushes payloads to live connections
type Deliverer interface {
	Deliver(ctx context.Context, dest realtime.Destination, payload any) (int, error)
}

// OfflinePusher notifies the devices of a recipient with no live connection
type OfflinePusher interface {
	NotifyOffline(ctx context.Context, n *domain.Notification) (int, error)
}

type Router struct {
	store   domain.NotificationStore
	gateway Deliverer
	mailer  mail.Mailer
	pusher  OfflinePusher
	metrics metrics.Recorder
	retry   eventbus.RetryConfig
	logger  *zap.Logger
}

type Option func(*Router)

func WithOfflinePusher(p OfflinePusher) Option {
	return func(r *Router) { r.pusher = p }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(r *Router) { r.metrics = m }
}

func WithRetryConfig(cfg eventbus.RetryConfig) Option {
	return func(r *Router) { r.retry = cfg }
}

func New(store domain.NotificationStore, gateway Deliverer, mailer mail.Mailer, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		store:   store,
		gateway: gateway,
		mailer:  mailer,
		metrics: metrics.Nop{},
		retry:   eventbus.DefaultRetryConfig(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers the router on every domain event topic of bus. Failed
// messages are retried and then dead-lettered on the same bus.
func (r *Router) Subscribe(ctx context.Context, bus eventbus.Bus, group string) error {
	if group == "" {
		group = DefaultGroup
	}

	cfg := r.retry
	onDeadLetter, onDrop := cfg.OnDeadLetter, cfg.OnDrop
	cfg.OnDeadLetter = func(dl *eventbus.DeadLetter) {
		r.metrics.DeadLettered(dl.OriginalTopic)
		r.metrics.EventConsumed(dl.OriginalTopic, OutcomeDeadLettered)
		if onDeadLetter != nil {
			onDeadLetter(dl)
		}
	}
	cfg.OnDrop = func(msg eventbus.Message, err error) {
		r.metrics.EventConsumed(msg.Topic, OutcomeDropped)
		if onDrop != nil {
			onDrop(msg, err)
		}
	}

	handler := eventbus.WithRetry(r.Handle, bus, cfg, r.logger)
	for _, topic := range domain.EventTopics {
		if err := bus.Subscribe(ctx, topic, group, handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		r.logger.Info("Subscribed to topic", zap.String("topic", topic), zap.String("group", group))
	}
	return nil
}

// Handle processes one message. Malformed events come back as permanent
// errors; storage and mail failures are returned as they are so the caller
// can retry them.
func (r *Router) Handle(ctx context.Context, msg eventbus.Message) error {
	ev, err := domain.DecodeEvent(msg.Topic, msg.Value)
	if err != nil {
		r.logger.Warn("Rejecting malformed event",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return eventbus.Permanent(err)
	}

	switch e := ev.(type) {
	case *domain.PostCreated:
		return r.notify(ctx, msg, postCreatedNotification(e))

	case *domain.Interaction:
		if e.SenderID == e.RecipientID {
			r.record(msg, string(e.Kind), OutcomeSkippedSelf)
			return nil
		}
		return r.notify(ctx, msg, interactionNotification(e, msg.ID))

	case *domain.PasswordResetRequested:
		if err := r.mailer.SendPasswordReset(ctx, e.Email, e.Username, e.ResetToken); err != nil {
			return fmt.Errorf("password reset for %s: %w", e.Email, err)
		}
		r.record(msg, "PASSWORD_RESET", OutcomeForwarded)
		return nil

	case *domain.ChatMessageSent:
		r.forward(ctx, msg, "CHAT_MESSAGE", realtime.ChatFor(e.ReceiverID), e)
		return nil
	}

	return eventbus.Permanent(&domain.EventProcessingError{Kind: domain.EventUnknownType, Topic: msg.Topic})
}

// notify persists n and forwards it once. A redelivered event finds its row
// already stored and is not forwarded again.
func (r *Router) notify(ctx context.Context, msg eventbus.Message, n *domain.Notification) error {
	stored, created, err := r.store.Append(ctx, n)
	if err != nil {
		return err
	}
	if !created {
		r.record(msg, string(n.Type), OutcomeDuplicate)
		return nil
	}
	r.record(msg, string(n.Type), OutcomePersisted)

	if r.forward(ctx, msg, string(n.Type), realtime.NotificationsFor(stored.RecipientID), stored) {
		return nil
	}
	r.pushOffline(ctx, stored)
	return nil
}

// forward delivers payload and reports whether any live connection got it
func (r *Router) forward(ctx context.Context, msg eventbus.Message, eventType string, dest realtime.Destination, payload any) bool {
	n, err := r.gateway.Deliver(ctx, dest, payload)
	switch {
	case errors.Is(err, domain.ErrRecipientOffline):
		r.record(msg, eventType, OutcomeOffline)
		return false
	case err != nil:
		r.logger.Error("Failed to forward event",
			zap.String("topic", msg.Topic),
			zap.String("destination", string(dest)),
			zap.Error(err),
		)
		return false
	}
	r.logger.Debug("Forwarded to live connections", zap.String("destination", string(dest)), zap.Int("connections", n))
	r.record(msg, eventType, OutcomeForwarded)
	return true
}

func (r *Router) pushOffline(ctx context.Context, n *domain.Notification) {
	if r.pusher == nil {
		return
	}
	sent, err := r.pusher.NotifyOffline(ctx, n)
	if err != nil {
		r.logger.Warn("Offline push failed",
			zap.String("recipient_id", n.RecipientID),
			zap.Int64("notification_id", n.ID),
			zap.Error(err),
		)
		return
	}
	r.metrics.Push("device", pushResult(sent))
}

func (r *Router) record(msg eventbus.Message, eventType, outcome string) {
	r.metrics.EventConsumed(msg.Topic, outcome)
	r.logger.Info("Event processed",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.String("event_type", eventType),
		zap.String("outcome", outcome),
	)
}

func pushResult(sent int) string {
	if sent == 0 {
		return "no_devices"
	}
	return "delivered"
}
