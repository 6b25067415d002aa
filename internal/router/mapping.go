package router

import (
	"github.com/locolive/relay/internal/domain"
)

func postCreatedNotification(e *domain.PostCreated) *domain.Notification {
	postID := e.PostID
	return &domain.Notification{
		RecipientID: e.AuthorID,
		SenderID:    domain.SystemSender,
		Type:        domain.NotificationPostCreated,
		Message:     "Your post is live: " + e.ContentSnippet,
		ResourceID:  &postID,
		DedupKey:    e.DedupKey(),
	}
}

func interactionNotification(e *domain.Interaction, messageID string) *domain.Notification {
	n := &domain.Notification{
		RecipientID: e.RecipientID,
		SenderID:    e.SenderID,
		Type:        notificationType(e.Kind),
		Message:     e.Message,
		DedupKey:    e.DedupKeyFor(messageID),
	}
	if res := e.Resource(); res != "" {
		n.ResourceID = &res
	}
	if n.Message == "" {
		n.Message = defaultMessage(e.Kind)
	}
	return n
}

func notificationType(k domain.InteractionKind) domain.NotificationType {
	switch k {
	case domain.InteractionLike:
		return domain.NotificationLike
	case domain.InteractionComment:
		return domain.NotificationComment
	case domain.InteractionFriendRequest:
		return domain.NotificationFriendRequest
	}
	return domain.NotificationPostCreated
}

func defaultMessage(k domain.InteractionKind) string {
	switch k {
	case domain.InteractionLike:
		return "Someone liked your post"
	case domain.InteractionComment:
		return "Someone commented on your post"
	case domain.InteractionFriendRequest:
		return "You have a new friend request"
	}
	return "You have a new notification"
}
