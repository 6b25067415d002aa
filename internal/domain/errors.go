package domain

import (
	"errors"
	"fmt"
)

// AuthErrorKind classifies token verification failures
type AuthErrorKind string

const (
	AuthMalformed        AuthErrorKind = "malformed"
	AuthInvalidSignature AuthErrorKind = "invalid_signature"
	AuthExpired          AuthErrorKind = "expired"
)

var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpiredToken     = errors.New("token has expired")

	// ErrRecipientOffline is an outcome, not a failure: the push had no live connection.
	ErrRecipientOffline = errors.New("recipient offline")
)

// AuthError is returned by token verification
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func NewAuthError(kind AuthErrorKind, cause error) *AuthError {
	return &AuthError{Kind: kind, Err: cause}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("auth: %s", e.Kind)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels regardless of the wrapped cause
func (e *AuthError) Is(target error) bool {
	switch target {
	case ErrMalformedToken:
		return e.Kind == AuthMalformed
	case ErrInvalidSignature:
		return e.Kind == AuthInvalidSignature
	case ErrExpiredToken:
		return e.Kind == AuthExpired
	}
	return false
}

// EventErrorKind classifies why a domain event could not be processed
type EventErrorKind string

const (
	EventUnparseable  EventErrorKind = "unparseable"
	EventMissingField EventErrorKind = "missing_field"
	EventUnknownType  EventErrorKind = "unknown_type"
)

// EventProcessingError terminates processing of a single message. It is never retried.
type EventProcessingError struct {
	Kind  EventErrorKind
	Topic string
	Field string
	Err   error
}

func (e *EventProcessingError) Error() string {
	msg := fmt.Sprintf("event %s on topic %q", e.Kind, e.Topic)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s)", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EventProcessingError) Unwrap() error {
	return e.Err
}

// StorageError wraps a failure of the notification store
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsEventProcessingError reports whether err carries an EventProcessingError
func IsEventProcessingError(err error) bool {
	var epe *EventProcessingError
	return errors.As(err, &epe)
}
