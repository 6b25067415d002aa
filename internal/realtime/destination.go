package realtime

import "strings"

// Destination names a push channel. User channels carry the user id as their
// last path segment; the presence channel goes to every connection.
type Destination string

const (
	notificationsPrefix = "notifications/"
	chatPrefix          = "chat/"

	// PresenceDestination fans out to every live connection, anonymous ones included
	PresenceDestination Destination = "presence"
)

// NotificationsFor is the notification channel of userID
func NotificationsFor(userID string) Destination {
	return Destination(notificationsPrefix + userID)
}

// ChatFor is the chat channel of userID
func ChatFor(userID string) Destination {
	return Destination(chatPrefix + userID)
}

// UserID returns the user a destination belongs to. Broadcast destinations return false.
func (d Destination) UserID() (string, bool) {
	s := string(d)
	for _, prefix := range []string{notificationsPrefix, chatPrefix} {
		if strings.HasPrefix(s, prefix) {
			id := strings.TrimPrefix(s, prefix)
			return id, id != ""
		}
	}
	return "", false
}

// Channel is the destination without its user segment, for metrics labels
func (d Destination) Channel() string {
	if i := strings.IndexByte(string(d), '/'); i >= 0 {
		return string(d)[:i]
	}
	return string(d)
}

// Frame is the JSON envelope written to the socket for every push
type Frame struct {
	Destination Destination `json:"destination"`
	Payload     any         `json:"payload"`
}
