package lifecycle

import (
	"sync"
	"time"

	"lockstep/pkg/types"
)

// Machine owns the server-authoritative lifecycle state of one session.
// All transitions are check-then-set under the machine's lock, so concurrent
// commands against the same session cannot interleave into an invalid state.
// Every accepted transition returns the envelopes to fan out to participants.
type Machine struct {
	mu      sync.Mutex
	session *types.Session
	now     func() time.Time
}

// NewMachine wraps a newly created session. The session starts in CREATED
// unless the caller already assigned a status.
func NewMachine(s *types.Session) *Machine {
	if s.Status == "" {
		s.Status = types.StatusCreated
	}
	return &Machine{session: s, now: time.Now}
}

// Status returns the raw lifecycle status.
func (m *Machine) Status() types.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Status
}

// ViewStatus returns the status as read surfaces should report it: ended
// sessions are exposed as REVIEW_MODE to late-joining or reconnecting viewers.
func (m *Machine) ViewStatus() types.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return viewStatus(m.session.Status)
}

func viewStatus(s types.SessionStatus) types.SessionStatus {
	if s == types.StatusEnded {
		return types.StatusReviewMode
	}
	return s
}

// Snapshot returns a copy of the session safe to serialize without holding
// the machine's lock. Unit slices are copied; steps are immutable and shared.
func (m *Machine) Snapshot() *types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() *types.Session {
	s := *m.session
	s.Status = viewStatus(s.Status)
	s.Units = make([]*types.CurriculumUnit, len(m.session.Units))
	for i, u := range m.session.Units {
		cu := *u
		s.Units[i] = &cu
	}
	return &s
}

// Start moves CREATED -> ACTIVE, records startedAt and activates the first
// curriculum unit with its step pointer at zero.
func (m *Machine) Start() ([]types.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.Status != types.StatusCreated {
		return nil, &InvalidTransitionError{From: m.session.Status, Op: "start"}
	}
	if len(m.session.Units) == 0 {
		return nil, ErrNoActiveUnit
	}

	now := m.now()
	m.session.Status = types.StatusActive
	m.session.StartedAt = &now
	first := m.session.Units[0]
	first.IsActive = true
	first.StepIndex = 0

	return m.statusAndStepLocked()
}

// Pause moves ACTIVE -> PAUSED.
func (m *Machine) Pause() ([]types.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.Status != types.StatusActive {
		return nil, &InvalidTransitionError{From: m.session.Status, Op: "pause"}
	}
	m.session.Status = types.StatusPaused
	return m.statusLocked()
}

// Resume moves PAUSED -> ACTIVE.
func (m *Machine) Resume() ([]types.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.Status != types.StatusPaused {
		return nil, &InvalidTransitionError{From: m.session.Status, Op: "resume"}
	}
	m.session.Status = types.StatusActive
	return m.statusLocked()
}

// NextStep advances the step pointer of the active unit. Legal only while
// ACTIVE; fails with ErrNoMoreSteps at the last step, leaving state unchanged.
func (m *Machine) NextStep() ([]types.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.Status != types.StatusActive {
		return nil, &InvalidTransitionError{From: m.session.Status, Op: "next_step"}
	}
	unit := m.activeUnitLocked()
	if unit == nil {
		return nil, ErrNoActiveUnit
	}
	if unit.StepIndex >= len(unit.Steps)-1 {
		return nil, ErrNoMoreSteps
	}
	unit.StepIndex++
	return m.stepLocked(unit)
}

// SwitchUnit completes the active unit and activates the target one with a
// reset step pointer. Legal only while ACTIVE and the target is not already
// the active unit.
func (m *Machine) SwitchUnit(unitID int64) ([]types.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.Status != types.StatusActive {
		return nil, &InvalidTransitionError{From: m.session.Status, Op: "switch_lecture"}
	}

	var target *types.CurriculumUnit
	for _, u := range m.session.Units {
		if u.ID == unitID {
			target = u
			break
		}
	}
	if target == nil {
		return nil, ErrUnknownUnit
	}
	if target.IsActive {
		return nil, ErrUnitAlreadyActive
	}

	if current := m.activeUnitLocked(); current != nil {
		now := m.now()
		current.IsActive = false
		current.CompletedAt = &now
	}
	target.IsActive = true
	target.StepIndex = 0

	return m.stepLocked(target)
}

// End moves ACTIVE or PAUSED -> ENDED, records endedAt and deactivates the
// active unit. Ended sessions accept no further lifecycle commands and are
// exposed as read-only REVIEW_MODE.
func (m *Machine) End() ([]types.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.Status != types.StatusActive && m.session.Status != types.StatusPaused {
		return nil, &InvalidTransitionError{From: m.session.Status, Op: "end"}
	}

	now := m.now()
	m.session.Status = types.StatusEnded
	m.session.EndedAt = &now
	if unit := m.activeUnitLocked(); unit != nil {
		unit.IsActive = false
	}
	return m.statusLocked()
}

// ResyncEnvelopes returns the full-state envelopes sent to a joining or
// reconnecting client: current status plus, if a unit is active, the current
// step position. Reconnection recovers via this snapshot, not message replay.
func (m *Machine) ResyncEnvelopes() []types.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	envs, _ := m.statusLocked()
	if unit := m.activeUnitLocked(); unit != nil {
		if step, err := m.stepLocked(unit); err == nil {
			envs = append(envs, step...)
		}
	}
	return envs
}

func (m *Machine) activeUnitLocked() *types.CurriculumUnit {
	for _, u := range m.session.Units {
		if u.IsActive {
			return u
		}
	}
	return nil
}

func (m *Machine) statusLocked() ([]types.Envelope, error) {
	env, err := types.NewEnvelope(types.MessageTypeSessionStatusChanged, types.SessionStatusChangedData{
		Status: viewStatus(m.session.Status).Display(),
	})
	if err != nil {
		return nil, err
	}
	return []types.Envelope{env}, nil
}

func (m *Machine) stepLocked(unit *types.CurriculumUnit) ([]types.Envelope, error) {
	env, err := types.NewEnvelope(types.MessageTypeStepChanged, types.StepChangedData{
		CurrentStep: unit.StepIndex,
		TotalSteps:  len(unit.Steps),
	})
	if err != nil {
		return nil, err
	}
	return []types.Envelope{env}, nil
}

func (m *Machine) statusAndStepLocked() ([]types.Envelope, error) {
	envs, err := m.statusLocked()
	if err != nil {
		return nil, err
	}
	unit := m.activeUnitLocked()
	step, err := m.stepLocked(unit)
	if err != nil {
		return nil, err
	}
	return append(envs, step...), nil
}
