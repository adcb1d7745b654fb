package progress

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lockstep/pkg/interfaces"
	"lockstep/pkg/types"
)

// Tracker maintains the participant table for all live sessions: current
// step, monotonically growing completed-step sets, help-request flags and
// liveness stamps. Each participant's state is guarded by its own lock, so
// concurrent deliveries for different participants never contend.
type Tracker struct {
	store    interfaces.ArchiveStore
	helpGate *dedupGate
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]map[string]*participantState // sessionCode -> userID

	notifsMu sync.Mutex
	notifs   map[string]*types.Notification // notificationID -> record
}

type participantState struct {
	mu        sync.Mutex
	p         types.Participant
	completed map[int64]struct{}
}

// Update is the aggregate outcome of a completion event, consumed by the
// instructor-facing fan-out.
type Update struct {
	Participant  types.Participant
	Percentage   float64
	CompletedAll bool
	Changed      bool
}

// NewTracker creates a tracker. store may be nil to disable persistence.
func NewTracker(store interfaces.ArchiveStore, dedupWindow time.Duration) *Tracker {
	now := time.Now
	return &Tracker{
		store:    store,
		helpGate: newDedupGate(dedupWindow, now),
		now:      now,
		sessions: make(map[string]map[string]*participantState),
		notifs:   make(map[string]*types.Notification),
	}
}

// SetClock overrides the time source. Test hook only.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
	t.helpGate.now = now
}

// Join registers a participant, or reactivates them on reconnect. Completed
// steps survive reconnects; they never shrink within a session.
func (t *Tracker) Join(sessionCode, userID, deviceID, username string) types.Participant {
	state := t.stateOrCreate(sessionCode, userID)

	state.mu.Lock()
	defer state.mu.Unlock()

	now := t.now()
	if state.p.JoinedAt.IsZero() {
		state.p.JoinedAt = now
	}
	state.p.SessionCode = sessionCode
	state.p.UserID = userID
	if deviceID != "" {
		state.p.DeviceID = deviceID
	}
	if username != "" {
		state.p.Username = username
	}
	if state.p.Status != types.ParticipantHelpNeeded {
		state.p.Status = types.ParticipantActive
	}
	state.p.LastHeartbeatAt = now

	return t.snapshotLocked(state)
}

// Leave marks a participant inactive. The record is kept so completed steps
// survive a rejoin; it is only removed when the session ends.
func (t *Tracker) Leave(sessionCode, userID string) (types.Participant, bool) {
	state, ok := t.state(sessionCode, userID)
	if !ok {
		return types.Participant{}, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	state.p.Status = types.ParticipantInactive
	return t.snapshotLocked(state), true
}

// Heartbeat stamps liveness for a participant.
func (t *Tracker) Heartbeat(sessionCode, userID string) {
	state, ok := t.state(sessionCode, userID)
	if !ok {
		return
	}
	state.mu.Lock()
	state.p.LastHeartbeatAt = t.now()
	state.mu.Unlock()
}

// CompleteStep records a completed step. Set semantics absorb duplicate
// deliveries: completing the same step twice yields the same set as once.
// stepIndex is the step's position in the active unit (-1 if unknown);
// totalSteps sizes the percentage and the all-complete check.
func (t *Tracker) CompleteStep(ctx context.Context, sessionCode, userID string, stepID int64, stepIndex, totalSteps int) (Update, error) {
	state, ok := t.state(sessionCode, userID)
	if !ok {
		return Update{}, ErrParticipantNotFound
	}

	state.mu.Lock()
	_, dup := state.completed[stepID]
	if !dup {
		state.completed[stepID] = struct{}{}
		if stepIndex >= 0 && stepIndex == state.p.CurrentStepIndex {
			state.p.CurrentStepIndex = stepIndex + 1
		}
	}
	completedCount := len(state.completed)
	snapshot := t.snapshotLocked(state)
	state.mu.Unlock()

	update := Update{
		Participant:  snapshot,
		Changed:      !dup,
		CompletedAll: totalSteps > 0 && completedCount >= totalSteps,
	}
	if totalSteps > 0 {
		update.Percentage = float64(completedCount) / float64(totalSteps) * 100
	}

	if !dup {
		t.persistParticipant(ctx, snapshot)
	}
	return update, nil
}

// RequestHelp flags a participant as needing help and records a notification.
// Repeated requests from the same participant inside the dedup window are
// silently dropped. Help requests never auto-expire.
func (t *Tracker) RequestHelp(ctx context.Context, sessionCode, userID, message, screenshotURL string, subtaskID *int64) (*types.Notification, bool) {
	state, ok := t.state(sessionCode, userID)
	if !ok {
		return nil, false
	}

	if !t.helpGate.Allow(sessionCode + "/" + userID) {
		return nil, false
	}

	state.mu.Lock()
	state.p.Status = types.ParticipantHelpNeeded
	username := state.p.Username
	state.mu.Unlock()

	notification := &types.Notification{
		ID:            uuid.New().String(),
		SessionCode:   sessionCode,
		ParticipantID: userID,
		Username:      username,
		Message:       message,
		ScreenshotURL: screenshotURL,
		SubtaskID:     subtaskID,
		CreatedAt:     t.now(),
	}

	t.notifsMu.Lock()
	t.notifs[notification.ID] = notification
	t.notifsMu.Unlock()

	if t.store != nil {
		if err := t.store.SaveNotification(ctx, notification); err != nil {
			log.Printf("Failed to archive notification: id=%s err=%v", notification.ID, err)
		}
	}
	return notification, true
}

// Resolve marks a notification resolved, exactly once. If the participant has
// no other open notification their status returns to active.
func (t *Tracker) Resolve(ctx context.Context, notificationID string) (*types.Notification, error) {
	t.notifsMu.Lock()
	notification, ok := t.notifs[notificationID]
	if !ok {
		t.notifsMu.Unlock()
		return nil, interfaces.ErrNotificationNotFound
	}
	if notification.Resolved {
		t.notifsMu.Unlock()
		return nil, ErrAlreadyResolved
	}
	now := t.now()
	notification.Resolved = true
	notification.ResolvedAt = &now

	stillOpen := false
	for _, other := range t.notifs {
		if !other.Resolved &&
			other.SessionCode == notification.SessionCode &&
			other.ParticipantID == notification.ParticipantID {
			stillOpen = true
			break
		}
	}
	t.notifsMu.Unlock()

	if !stillOpen {
		if state, ok := t.state(notification.SessionCode, notification.ParticipantID); ok {
			state.mu.Lock()
			if state.p.Status == types.ParticipantHelpNeeded {
				state.p.Status = types.ParticipantActive
			}
			state.mu.Unlock()
		}
	}

	if t.store != nil {
		if err := t.store.MarkNotificationResolved(ctx, notificationID, now); err != nil {
			log.Printf("Failed to archive notification resolution: id=%s err=%v", notificationID, err)
		}
	}
	return notification, nil
}

// Participants returns snapshots of all participants in a session.
func (t *Tracker) Participants(sessionCode string) []types.Participant {
	t.mu.RLock()
	states := make([]*participantState, 0, len(t.sessions[sessionCode]))
	for _, state := range t.sessions[sessionCode] {
		states = append(states, state)
	}
	t.mu.RUnlock()

	participants := make([]types.Participant, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		participants = append(participants, t.snapshotLocked(state))
		state.mu.Unlock()
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].UserID < participants[j].UserID
	})
	return participants
}

// EndSession archives final participant snapshots and removes the session's
// participant table. Notifications are kept: the log is append-only.
func (t *Tracker) EndSession(ctx context.Context, sessionCode string) {
	for _, p := range t.Participants(sessionCode) {
		t.persistParticipant(ctx, p)
		t.helpGate.Forget(sessionCode + "/" + p.UserID)
	}

	t.mu.Lock()
	delete(t.sessions, sessionCode)
	t.mu.Unlock()
}

func (t *Tracker) stateOrCreate(sessionCode, userID string) *participantState {
	t.mu.Lock()
	defer t.mu.Unlock()

	table, ok := t.sessions[sessionCode]
	if !ok {
		table = make(map[string]*participantState)
		t.sessions[sessionCode] = table
	}
	state, ok := table[userID]
	if !ok {
		state = &participantState{completed: make(map[int64]struct{})}
		table[userID] = state
	}
	return state
}

func (t *Tracker) state(sessionCode, userID string) (*participantState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.sessions[sessionCode][userID]
	return state, ok
}

// snapshotLocked copies the participant with its completed set rendered as a
// sorted slice. Caller must hold state.mu.
func (t *Tracker) snapshotLocked(state *participantState) types.Participant {
	p := state.p
	p.CompletedSteps = make([]int64, 0, len(state.completed))
	for id := range state.completed {
		p.CompletedSteps = append(p.CompletedSteps, id)
	}
	sort.Slice(p.CompletedSteps, func(i, j int) bool { return p.CompletedSteps[i] < p.CompletedSteps[j] })
	return p
}

func (t *Tracker) persistParticipant(ctx context.Context, p types.Participant) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveParticipant(ctx, &p); err != nil {
		log.Printf("Failed to archive participant: session=%s user=%s err=%v", p.SessionCode, p.UserID, err)
	}
}
