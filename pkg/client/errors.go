package client

import "errors"

var (
	ErrAlreadyConnected    = errors.New("client already connected")
	ErrNotConnected        = errors.New("client not connected")
	ErrReconnectExhausted  = errors.New("reconnect attempts exhausted")
	ErrMissingServerURL    = errors.New("server URL is required")
	ErrMissingUserID       = errors.New("user ID is required")
	ErrInvalidSessionCode  = errors.New("invalid session code")
	ErrIntentionallyClosed = errors.New("connection closed by client")
)
