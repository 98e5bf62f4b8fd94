package conversation

import (
	"errors"
	"fmt"

	"github.com/cloud-shuttle/parley/internal/llm"
)

var (
	// ErrStorageCorrupt means a persisted session could not be parsed
	ErrStorageCorrupt = errors.New("stored conversation is corrupt")

	// ErrChatUnavailable matches every ChatUnavailableError
	ErrChatUnavailable = errors.New("chat unavailable")

	// ErrSessionMismatch means persisted data belongs to a different session
	ErrSessionMismatch = errors.New("stored conversation belongs to another session")

	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrEmptyUtterance  = errors.New("empty utterance")
	ErrInvalidRole     = errors.New("invalid turn role")
)

// ChatUnavailableError is returned by Session.Process when the model call
// ultimately fails. Cause holds the retry or provider error.
type ChatUnavailableError struct {
	SessionID string
	Cause     error
}

func (e *ChatUnavailableError) Error() string {
	return fmt.Sprintf("chat unavailable for session %s: %v", e.SessionID, e.Cause)
}

func (e *ChatUnavailableError) Unwrap() error { return e.Cause }

func (e *ChatUnavailableError) Is(target error) bool {
	return target == ErrChatUnavailable
}

// UserMessage returns the apology shown to an end user for err
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrEmptyUtterance):
		return "I didn't catch that. Could you please repeat?"
	case llm.KindOf(err) == llm.KindRateLimited:
		return "I'm currently handling too many requests. Please try again in a moment."
	case errors.Is(err, ErrChatUnavailable):
		return "I'm experiencing technical difficulties. Please try again later."
	}
	return "I'm having trouble processing your request right now. Please try again later."
}
