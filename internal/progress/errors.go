package progress

import "errors"

var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrAlreadyResolved     = errors.New("notification already resolved")
)
