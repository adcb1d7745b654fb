package interfaces

import "errors"

// Shared error values components use across interface boundaries.
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrNotificationNotFound = errors.New("notification not found")
)
