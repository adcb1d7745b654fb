package types

import "errors"

var (
	ErrInvalidSessionCode = errors.New("invalid session code")
	ErrInvalidUserID      = errors.New("invalid user id")
	ErrInvalidRole        = errors.New("invalid role: must be 'student' or 'instructor'")
	ErrInvalidMessageType = errors.New("invalid message type")
)
