// Package presence tracks how many live connections each user has and
// announces when a user comes online or goes offline.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/locolive/relay/internal/domain"
	"github.com/locolive/relay/internal/eventbus"
)

// Counter stores per-user connection counts shared by every gateway instance
type Counter interface {
	// Incr adds one connection and returns the new count.
	Incr(ctx context.Context, userID string) (int64, error)
	// Decr removes one connection and returns the new count, or -1 when the
	// user had no connection recorded. A count of zero removes the entry.
	Decr(ctx context.Context, userID string) (int64, error)
	Count(ctx context.Context, userID string) (int64, error)
	Users(ctx context.Context) ([]string, error)
}

// Tracker applies connect and disconnect signals to a Counter and publishes
// a PresenceUpdate whenever a user crosses between zero and one connection.
type Tracker struct {
	counter Counter
	pub     eventbus.Publisher
	logger  *zap.Logger
}

// NewTracker creates a tracker. pub may be nil to disable broadcasts.
func NewTracker(counter Counter, pub eventbus.Publisher, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{counter: counter, pub: pub, logger: logger}
}

// Connect records one more live connection for userID
func (t *Tracker) Connect(ctx context.Context, userID string) (int64, error) {
	count, err := t.counter.Incr(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("presence connect %s: %w", userID, err)
	}
	if count == 1 {
		t.broadcast(ctx, userID, true)
	}
	return count, nil
}

// Disconnect records one fewer live connection for userID
func (t *Tracker) Disconnect(ctx context.Context, userID string) (int64, error) {
	count, err := t.counter.Decr(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("presence disconnect %s: %w", userID, err)
	}
	switch {
	case count < 0:
		t.logger.Warn("Disconnect without matching connect", zap.String("user_id", userID))
		return 0, nil
	case count == 0:
		t.broadcast(ctx, userID, false)
	}
	return count, nil
}

// IsOnline reports whether userID has at least one live connection
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	count, err := t.counter.Count(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("presence lookup %s: %w", userID, err)
	}
	return count > 0, nil
}

// OnlineUsers lists every user with a live connection, sorted
func (t *Tracker) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := t.counter.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

// broadcast failures are logged; the count itself is already committed.
func (t *Tracker) broadcast(ctx context.Context, userID string, online bool) {
	if t.pub == nil {
		return
	}

	payload, err := json.Marshal(domain.PresenceUpdate{UserID: userID, Online: online})
	if err != nil {
		t.logger.Error("Failed to encode presence update", zap.Error(err))
		return
	}

	if err := t.pub.Publish(ctx, domain.TopicPresenceChanges, userID, payload); err != nil {
		t.logger.Warn("Failed to publish presence update",
			zap.String("user_id", userID),
			zap.Bool("online", online),
			zap.Error(err),
		)
		return
	}

	t.logger.Debug("Presence changed",
		zap.String("user_id", userID),
		zap.Bool("online", online),
	)
}
