package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrShareExists rejects create-share with an already taken id.
	ErrShareExists = errors.New("share session already exists")

	// ErrShareNotFound rejects operations on an unknown or inactive share.
	ErrShareNotFound = errors.New("share session not found")

	// ErrShareFull rejects a third participant.
	ErrShareFull = errors.New("share session is full")

	// ErrAlreadyInShare rejects admission for a client that is still a
	// member of another active share.
	ErrAlreadyInShare = errors.New("client already participates in another share")

	// ErrSessionNotFound rejects operations for an unregistered client.
	ErrSessionNotFound = errors.New("client session not found")
)

// RateLimitedError reports a rejected request together with the instant the
// current window resets, so clients can back off precisely.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.ResetAt.Format(time.RFC3339))
}
