package gcal

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired is returned on a 401: the access token is no longer
	// accepted and must be refreshed.
	ErrAuthExpired = errors.New("gcal: access token rejected")

	// ErrAuthRevoked is returned when a refresh fails permanently; the user
	// has to re-consent.
	ErrAuthRevoked = errors.New("gcal: refresh token revoked")

	// ErrNotFound is returned on a 404 for a specific event or channel.
	ErrNotFound = errors.New("gcal: resource not found")

	// ErrGone is returned on a 410: the sync token has expired and a full
	// window re-list is required.
	ErrGone = errors.New("gcal: sync token expired")
)

// TransientError wraps network failures, 429s and 5xx responses; callers may
// retry with backoff.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gcal: transient provider error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gcal: transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
