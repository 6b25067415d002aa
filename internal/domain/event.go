package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Event topics. Each producing service publishes JSON payloads keyed by the
// user the event is about, so ordering holds per user.
const (
	TopicPostCreated     = "post-created"
	TopicInteraction     = "interaction"
	TopicPasswordReset   = "password-reset"
	TopicChatMessages    = "chat-messages"
	TopicPresenceChanges = "presence-changes"
)

// EventTopics lists the topics carrying domain events
var EventTopics = []string{TopicPostCreated, TopicInteraction, TopicPasswordReset, TopicChatMessages}

// Event is the closed set of domain events. Only types in this package implement it.
type Event interface {
	Topic() string
	// Key is the partition key; events sharing a key are delivered in publish order.
	Key() string
	// DedupKey identifies the logical occurrence across redeliveries.
	DedupKey() string
	isEvent()
}

// InteractionKind is the type field of an interaction event
type InteractionKind string

const (
	InteractionLike          InteractionKind = "LIKE"
	InteractionComment       InteractionKind = "COMMENT"
	InteractionFriendRequest InteractionKind = "FRIEND_REQUEST"
)

type PostCreated struct {
	EventID        string    `json:"eventId,omitempty"`
	PostID         string    `json:"postId" validate:"required"`
	AuthorID       string    `json:"authorId" validate:"required"`
	ContentSnippet string    `json:"contentSnippet"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Interaction covers likes, comments and friend requests
type Interaction struct {
	EventID     string          `json:"eventId,omitempty"`
	Kind        InteractionKind `json:"type" validate:"required,oneof=LIKE COMMENT FRIEND_REQUEST"`
	RecipientID string          `json:"recipientId" validate:"required"`
	SenderID    string          `json:"senderId" validate:"required"`
	ResourceID  string          `json:"resourceId,omitempty"`
	Message     string          `json:"message"`
	Timestamp   time.Time       `json:"timestamp"`

	// PostID is accepted from older feed producers and folded into ResourceID.
	PostID string `json:"postId,omitempty"`
}

type PasswordResetRequested struct {
	EventID    string `json:"eventId,omitempty"`
	Email      string `json:"email" validate:"required,email"`
	Username   string `json:"username"`
	ResetToken string `json:"resetToken" validate:"required"`
}

type ChatMessageSent struct {
	ID         string    `json:"id" validate:"required"`
	SenderID   string    `json:"senderId" validate:"required"`
	ReceiverID string    `json:"receiverId" validate:"required"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (PostCreated) Topic() string            { return TopicPostCreated }
func (e PostCreated) Key() string            { return e.AuthorID }
func (PostCreated) isEvent()                 {}
func (Interaction) Topic() string            { return TopicInteraction }
func (e Interaction) Key() string            { return e.RecipientID }
func (Interaction) isEvent()                 {}
func (PasswordResetRequested) Topic() string { return TopicPasswordReset }
func (e PasswordResetRequested) Key() string { return e.Email }
func (PasswordResetRequested) isEvent()      {}
func (ChatMessageSent) Topic() string        { return TopicChatMessages }
func (e ChatMessageSent) Key() string        { return e.ReceiverID }
func (ChatMessageSent) isEvent()             {}

func (e PostCreated) DedupKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	return hashKey(TopicPostCreated, e.PostID)
}

func (e Interaction) DedupKey() string {
	return e.DedupKeyFor("")
}

// DedupKeyFor is DedupKey for an event delivered as bus message messageID.
// An event with neither an eventId nor a timestamp cannot be told apart from
// a repeat of the same action, so the message id stands in for its time.
func (e Interaction) DedupKeyFor(messageID string) string {
	if e.EventID != "" {
		return e.EventID
	}
	occurred := messageID
	if !e.Timestamp.IsZero() || messageID == "" {
		occurred = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return hashKey(TopicInteraction, string(e.Kind), e.RecipientID, e.SenderID, e.Resource(),
		e.Message, occurred)
}

func (e PasswordResetRequested) DedupKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	return hashKey(TopicPasswordReset, e.Email, e.ResetToken)
}

func (e ChatMessageSent) DedupKey() string {
	return hashKey(TopicChatMessages, e.ID)
}

// Resource returns the referenced resource id, honouring the legacy postId field
func (e Interaction) Resource() string {
	if e.ResourceID != "" {
		return e.ResourceID
	}
	return e.PostID
}

// PresenceUpdate is broadcast on the presence channel
type PresenceUpdate struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeEvent parses a payload received on topic into its event variant
func DecodeEvent(topic string, payload []byte) (Event, error) {
	var ev Event
	switch topic {
	case TopicPostCreated:
		ev = &PostCreated{}
	case TopicInteraction:
		ev = &Interaction{}
	case TopicPasswordReset:
		ev = &PasswordResetRequested{}
	case TopicChatMessages:
		ev = &ChatMessageSent{}
	default:
		return nil, &EventProcessingError{Kind: EventUnknownType, Topic: topic}
	}

	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, &EventProcessingError{Kind: EventUnparseable, Topic: topic, Err: err}
	}

	if err := validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			kind := EventMissingField
			if fe.Tag() == "oneof" {
				kind = EventUnknownType
			} else if fe.Tag() != "required" {
				kind = EventUnparseable
			}
			return nil, &EventProcessingError{Kind: kind, Topic: topic, Field: fe.Field(), Err: err}
		}
		return nil, &EventProcessingError{Kind: EventUnparseable, Topic: topic, Err: err}
	}

	return ev, nil
}

// EncodeEvent returns the topic, partition key and JSON payload for publishing ev
func EncodeEvent(ev Event) (topic, key string, payload []byte, err error) {
	payload, err = json.Marshal(ev)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to encode %s event: %w", ev.Topic(), err)
	}
	return ev.Topic(), ev.Key(), payload, nil
}

func hashKey(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
