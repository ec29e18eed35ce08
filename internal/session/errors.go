package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the session or participant does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyStarted is returned when joining a session that is no longer waiting.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrAlreadyClosed is returned when acting on a closed session.
	ErrAlreadyClosed = errors.New("session already closed")

	// ErrNameTaken is returned when the display name is in use in the session.
	ErrNameTaken = errors.New("display name already taken")

	// ErrNetwork is returned for transport failures and timeouts.
	ErrNetwork = errors.New("network error")

	// ErrUnauthorized is returned for creator-only access by someone else.
	ErrUnauthorized = errors.New("not the session creator")

	// ErrRejected is returned when the server refuses a request for any
	// other reason.
	ErrRejected = errors.New("request rejected")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == 404 {
		return ErrNotFound
	}
	return ErrRejected
}
