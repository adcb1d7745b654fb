package session

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"lockstep/internal/lifecycle"
	"lockstep/pkg/interfaces"
	"lockstep/pkg/types"
)

// Manager implements interfaces.SessionManager. Sessions live in memory and
// are written through to the archive store when one is configured; the
// in-memory lifecycle machine is the single source of truth while the
// session is live.
type Manager struct {
	store interfaces.ArchiveStore

	mu       sync.RWMutex
	machines map[string]*lifecycle.Machine

	nextID int64
	rng    *rand.Rand
	rngMu  sync.Mutex
}

// NewManager creates a session manager. store may be nil to disable archiving.
func NewManager(store interfaces.ArchiveStore) *Manager {
	return &Manager{
		store:    store,
		machines: make(map[string]*lifecycle.Machine),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateSession allocates a code, builds the session in CREATED status and
// registers its lifecycle machine.
func (m *Manager) CreateSession(ctx context.Context, title, createdBy string, units []*types.CurriculumUnit) (*types.Session, error) {
	if title == "" || len(title) > 200 {
		return nil, ErrInvalidTitle
	}
	if !types.IsValidUserID(createdBy) {
		return nil, ErrInvalidCreatedBy
	}
	if len(units) == 0 {
		return nil, ErrNoUnits
	}

	session := &types.Session{
		ID:        atomic.AddInt64(&m.nextID, 1),
		Title:     title,
		CreatedBy: createdBy,
		Status:    types.StatusCreated,
		Units:     units,
		CreatedAt: time.Now(),
	}

	// Code allocation and registration share one critical section so two
	// concurrent creates cannot race to the same code.
	m.mu.Lock()
	code, err := m.allocateCodeLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	session.Code = code

	if m.store != nil {
		id, err := m.store.SaveSession(ctx, session)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("failed to archive session: %w", err)
		}
		session.ID = id
	}

	machine := lifecycle.NewMachine(session)
	m.machines[code] = machine
	m.mu.Unlock()

	log.Printf("Created session: code=%s title=%s units=%d", code, title, len(units))
	return machine.Snapshot(), nil
}

// Snapshot returns a copy of the session for read surfaces. Ended sessions
// report REVIEW_MODE.
func (m *Manager) Snapshot(code string) (*types.Session, error) {
	machine, err := m.machine(code)
	if err != nil {
		return nil, err
	}
	return machine.Snapshot(), nil
}

// ListSessions returns snapshots of all known sessions.
func (m *Manager) ListSessions() []*types.Session {
	m.mu.RLock()
	machines := make([]*lifecycle.Machine, 0, len(m.machines))
	for _, machine := range m.machines {
		machines = append(machines, machine)
	}
	m.mu.RUnlock()

	sessions := make([]*types.Session, 0, len(machines))
	for _, machine := range machines {
		sessions = append(sessions, machine.Snapshot())
	}
	return sessions
}

// Start begins the session: CREATED -> ACTIVE with the first unit selected.
func (m *Manager) Start(ctx context.Context, code string) ([]types.Envelope, error) {
	return m.command(ctx, code, "start", (*lifecycle.Machine).Start)
}

// Pause suspends an active session.
func (m *Manager) Pause(ctx context.Context, code string) ([]types.Envelope, error) {
	return m.command(ctx, code, "pause", (*lifecycle.Machine).Pause)
}

// Resume reactivates a paused session.
func (m *Manager) Resume(ctx context.Context, code string) ([]types.Envelope, error) {
	return m.command(ctx, code, "resume", (*lifecycle.Machine).Resume)
}

// NextStep advances the active unit's step pointer.
func (m *Manager) NextStep(ctx context.Context, code string) ([]types.Envelope, error) {
	return m.command(ctx, code, "next_step", (*lifecycle.Machine).NextStep)
}

// SwitchUnit activates another curriculum unit of the session.
func (m *Manager) SwitchUnit(ctx context.Context, code string, unitID int64) ([]types.Envelope, error) {
	return m.command(ctx, code, "switch_lecture", func(machine *lifecycle.Machine) ([]types.Envelope, error) {
		return machine.SwitchUnit(unitID)
	})
}

// End terminates the session and archives the final state. The session stays
// registered so reconnecting viewers see it in REVIEW_MODE.
func (m *Manager) End(ctx context.Context, code string) ([]types.Envelope, error) {
	return m.command(ctx, code, "end", (*lifecycle.Machine).End)
}

// Resync returns the full-state envelopes for a joining client.
func (m *Manager) Resync(code string) ([]types.Envelope, error) {
	machine, err := m.machine(code)
	if err != nil {
		return nil, err
	}
	return machine.ResyncEnvelopes(), nil
}

// ValidateAccess checks that a connection may attach to the session. Ended
// sessions remain joinable read-only (review mode).
func (m *Manager) ValidateAccess(code, role string) error {
	if !types.IsValidRole(role) {
		return types.ErrInvalidRole
	}
	if _, err := m.machine(code); err != nil {
		return err
	}
	return nil
}

func (m *Manager) command(ctx context.Context, code, op string, apply func(*lifecycle.Machine) ([]types.Envelope, error)) ([]types.Envelope, error) {
	machine, err := m.machine(code)
	if err != nil {
		return nil, err
	}

	envs, err := apply(machine)
	if err != nil {
		return nil, err
	}

	// Archive write-through is best-effort: the in-memory machine already
	// accepted the transition and remains authoritative.
	if m.store != nil {
		if err := m.store.UpdateSession(ctx, machine.Snapshot()); err != nil {
			log.Printf("Failed to archive session transition: code=%s op=%s err=%v", code, op, err)
		}
	}

	log.Printf("Session transition: code=%s op=%s status=%s", code, op, machine.Status())
	return envs, nil
}

func (m *Manager) machine(code string) (*lifecycle.Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	machine, ok := m.machines[code]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return machine, nil
}

// allocateCodeLocked picks an unused session code. Caller holds m.mu.
func (m *Manager) allocateCodeLocked() (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		code := m.generateCode()
		if _, exists := m.machines[code]; !exists {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}

func (m *Manager) generateCode() string {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()

	buf := make([]byte, types.SessionCodeLength)
	for i := range buf {
		buf[i] = types.SessionCodeAlphabet[m.rng.Intn(len(types.SessionCodeAlphabet))]
	}
	return string(buf)
}
