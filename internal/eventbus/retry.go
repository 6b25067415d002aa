package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeadLetterSuffix is appended to a topic name to form its dead-letter topic
const DeadLetterSuffix = ".dlq"

// DeadLetterTopic returns the dead-letter topic for topic
func DeadLetterTopic(topic string) string {
	return topic + DeadLetterSuffix
}

// PermanentError marks a failure that no retry can fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// RetryConfig controls WithRetry
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// JitterFactor of 0.1 means ±10%
	JitterFactor float64

	// DeadLetter publishes exhausted and permanent failures to <topic>.dlq.
	// When false they are logged and dropped.
	DeadLetter bool
	// Source names the service in dead-letter records
	Source string

	// OnDeadLetter is called after a message was moved to the dead-letter topic
	OnDeadLetter func(dl *DeadLetter)
	// OnDrop is called when a failed message is discarded without dead-lettering
	OnDrop func(msg Message, err error)
}

// DefaultRetryConfig uses exponential backoff of 1s, 2s, 4s capped at 30s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.1,
		DeadLetter:      true,
		Source:          "relay",
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	return c
}

// interval returns the backoff before retry number attempt+1
func (c RetryConfig) interval(attempt int) time.Duration {
	interval := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt))

	if c.JitterFactor > 0 {
		jitter := interval * c.JitterFactor
		interval += (rand.Float64()*2 - 1) * jitter
	}
	if interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}
	if interval < 0 {
		interval = float64(c.InitialInterval)
	}
	return time.Duration(interval)
}

// DeadLetter is the record written to a dead-letter topic
type DeadLetter struct {
	ID             string            `json:"id"`
	MessageID      string            `json:"message_id,omitempty"`
	OriginalTopic  string            `json:"original_topic"`
	OriginalKey    string            `json:"original_key"`
	Payload        []byte            `json:"payload"`
	Headers        map[string]string `json:"headers,omitempty"`
	Error          string            `json:"error"`
	Permanent      bool              `json:"permanent"`
	Attempts       int               `json:"attempts"`
	FirstAttemptAt time.Time         `json:"first_attempt_at"`
	LastAttemptAt  time.Time         `json:"last_attempt_at"`
	MovedAt        time.Time         `json:"moved_at"`
	Source         string            `json:"source"`
}

// DecodeDeadLetter parses a record read from a dead-letter topic
func DecodeDeadLetter(payload []byte) (*DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(payload, &dl); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter: %w", err)
	}
	return &dl, nil
}

// WithRetry wraps h so transient failures are retried with backoff and
// failures that will not succeed are moved to the dead-letter topic on pub.
// The wrapped handler only returns an error when the message could neither be
// handled nor dead-lettered, leaving it to the bus for redelivery.
func WithRetry(h Handler, pub Publisher, cfg RetryConfig, logger *zap.Logger) Handler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(ctx context.Context, msg Message) error {
		first := time.Now()
		var (
			err      error
			attempts int
		)

		for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
			attempts = attempt + 1
			msg.Attempt = attempts

			err = h(ctx, msg)
			if err == nil {
				return nil
			}
			if IsPermanent(err) || attempt == cfg.MaxRetries {
				break
			}

			wait := cfg.interval(attempt)
			logger.Warn("Handler failed, retrying",
				zap.String("topic", msg.Topic),
				zap.String("key", msg.Key),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)

			select {
			case <-ctx.Done():
				return fmt.Errorf("retry of %s aborted: %w", msg.Topic, ctx.Err())
			case <-time.After(wait):
			}
		}

		permanent := IsPermanent(err)

		if !cfg.DeadLetter {
			logger.Error("Message dropped",
				zap.String("topic", msg.Topic),
				zap.String("key", msg.Key),
				zap.Int("attempts", attempts),
				zap.Bool("permanent", permanent),
				zap.Error(err),
			)
			if cfg.OnDrop != nil {
				cfg.OnDrop(msg, err)
			}
			return nil
		}

		dl := &DeadLetter{
			ID:             uuid.NewString(),
			MessageID:      msg.ID,
			OriginalTopic:  msg.Topic,
			OriginalKey:    msg.Key,
			Payload:        msg.Value,
			Headers:        msg.Headers,
			Error:          err.Error(),
			Permanent:      permanent,
			Attempts:       attempts,
			FirstAttemptAt: first,
			LastAttemptAt:  time.Now(),
			MovedAt:        time.Now(),
			Source:         cfg.Source,
		}

		payload, mErr := json.Marshal(dl)
		if mErr != nil {
			return fmt.Errorf("failed to encode dead letter: %w", mErr)
		}
		if pErr := pub.Publish(ctx, DeadLetterTopic(msg.Topic), msg.Key, payload); pErr != nil {
			logger.Error("Failed to publish dead letter",
				zap.String("topic", msg.Topic),
				zap.Error(pErr),
			)
			return fmt.Errorf("failed to dead-letter message from %s: %w", msg.Topic, pErr)
		}

		logger.Error("Message moved to dead-letter topic",
			zap.String("topic", msg.Topic),
			zap.String("dlq_topic", DeadLetterTopic(msg.Topic)),
			zap.String("key", msg.Key),
			zap.Int("attempts", attempts),
			zap.Bool("permanent", permanent),
			zap.Error(err),
		)
		if cfg.OnDeadLetter != nil {
			cfg.OnDeadLetter(dl)
		}
		return nil
	}
}
