package session

import "errors"

var (
	ErrInvalidTitle     = errors.New("session title must be 1-200 characters")
	ErrInvalidCreatedBy = errors.New("created_by must be a valid user id")
	ErrNoUnits          = errors.New("session requires at least one curriculum unit")
	ErrCodeExhausted    = errors.New("could not allocate a unique session code")
)
