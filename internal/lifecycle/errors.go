package lifecycle

import (
	"errors"
	"fmt"

	"lockstep/pkg/types"
)

var (
	ErrNoMoreSteps       = errors.New("no more steps in active unit")
	ErrNoActiveUnit      = errors.New("session has no active curriculum unit")
	ErrUnitAlreadyActive = errors.New("target unit is already active")
	ErrUnknownUnit       = errors.New("unknown curriculum unit")
)

// InvalidTransitionError reports a lifecycle command that is not legal from
// the session's current status. The session state is left unchanged and the
// rejection is never broadcast.
type InvalidTransitionError struct {
	From types.SessionStatus
	Op   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s not legal from %s", e.Op, e.From)
}
