// Package fcm pushes notifications to the registered devices of users who have
// no live WebSocket connection.
package fcm

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/locolive/relay/internal/domain"
)

// Sender is the part of *messaging.Client used here
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type Client struct {
	sender Sender
	tokens domain.DeviceTokenStore
	logger *zap.Logger
}

// NewClient connects to Firebase Cloud Messaging. Without a credentials file
// the SDK falls back to GOOGLE_APPLICATION_CREDENTIALS or default credentials.
func NewClient(ctx context.Context, credentialsFile string, tokens domain.DeviceTokenStore, logger *zap.Logger) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	} else {
		logger.Warn("No Firebase credentials file provided. FCM will utilize environment variable GOOGLE_APPLICATION_CREDENTIALS or default credentials.")
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	return NewClientWithSender(msgClient, tokens, logger), nil
}

func NewClientWithSender(sender Sender, tokens domain.DeviceTokenStore, logger *zap.Logger) *Client {
	return &Client{sender: sender, tokens: tokens, logger: logger}
}

// Send pushes one message to one device token
func (c *Client) Send(ctx context.Context, token string, title, body string, data map[string]string) error {
	if token == "" {
		return nil
	}

	message := &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
	}

	if _, err := c.sender.Send(ctx, message); err != nil {
		return err
	}
	return nil
}

// NotifyOffline pushes n to every device of its recipient. Tokens that FCM
// reports as unregistered are removed. It returns the number of devices reached.
func (c *Client) NotifyOffline(ctx context.Context, n *domain.Notification) (int, error) {
	tokens, err := c.tokens.DeviceTokens(ctx, n.RecipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		return 0, nil
	}

	data := map[string]string{
		"notificationId": strconv.FormatInt(n.ID, 10),
		"type":           string(n.Type),
		"senderId":       n.SenderID,
	}
	if n.ResourceID != nil {
		data["resourceId"] = *n.ResourceID
	}

	var (
		sent int
		errs []error
	)
	for _, token := range tokens {
		err := c.Send(ctx, token, Title(n.Type), n.Message, data)
		switch {
		case err == nil:
			sent++
		case messaging.IsUnregistered(err):
			c.logger.Info("Removing unregistered device token", zap.String("user_id", n.RecipientID))
			if dErr := c.tokens.DeleteDeviceToken(ctx, token); dErr != nil {
				c.logger.Error("Failed to remove device token", zap.Error(dErr))
			}
		default:
			c.logger.Error("Failed to send FCM message", zap.String("user_id", n.RecipientID), zap.Error(err))
			errs = append(errs, err)
		}
	}

	if sent == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return sent, nil
}

// Title is the push title for a notification type
func Title(t domain.NotificationType) string {
	switch t {
	case domain.NotificationLike:
		return "New like"
	case domain.NotificationComment:
		return "New comment"
	case domain.NotificationFriendRequest:
		return "New friend request"
	case domain.NotificationPostCreated:
		return "Your post is live"
	default:
		return "New notification"
	}
}
