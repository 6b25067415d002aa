package domain

import (
	"context"
	"time"
)

// NotificationType is the kind of a persisted notification
type NotificationType string

const (
	NotificationPostCreated   NotificationType = "POST_CREATED"
	NotificationLike          NotificationType = "LIKE"
	NotificationComment       NotificationType = "COMMENT"
	NotificationFriendRequest NotificationType = "FRIEND_REQUEST"
)

// SystemSender is the sender id of notifications not caused by another user
const SystemSender = "SYSTEM"

type Notification struct {
	ID          int64            `json:"id"`
	RecipientID string           `json:"recipientId"`
	SenderID    string           `json:"senderId"`
	Type        NotificationType `json:"type"`
	Message     string           `json:"message"`
	ResourceID  *string          `json:"resourceId"`
	IsRead      bool             `json:"isRead"`
	CreatedAt   time.Time        `json:"createdAt"`
	DedupKey    string           `json:"-"`
}

// NotificationStore is the append-only record of notifications per recipient
type NotificationStore interface {
	// Append stores n and returns the stored form. When a row with the same
	// dedup key already exists that row is returned and created is false.
	Append(ctx context.Context, n *Notification) (stored *Notification, created bool, err error)
	ListForRecipient(ctx context.Context, recipientID string, limit, offset int) ([]*Notification, error)
	// MarkRead is idempotent; unknown ids are ignored.
	MarkRead(ctx context.Context, recipientID string, id int64) error
	CountUnread(ctx context.Context, recipientID string) (int, error)
}

// DeviceTokenStore keeps push tokens for offline delivery
type DeviceTokenStore interface {
	// SaveDeviceToken binds token to userID, moving it away from any previous owner.
	SaveDeviceToken(ctx context.Context, userID, token string) error
	DeviceTokens(ctx context.Context, userID string) ([]string, error)
	DeleteDeviceToken(ctx context.Context, token string) error
}
