package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"lockstep/internal/lifecycle"
	"lockstep/internal/progress"
	"lockstep/internal/websocket"
	"lockstep/pkg/interfaces"
	"lockstep/pkg/types"
)

// Hub is the single coordination point between connections, session
// lifecycle and participant progress. All inbound traffic funnels through
// one run goroutine, so lifecycle commands and the fan-out they trigger
// are applied in arrival order without additional locking.
type Hub struct {
	inboundChannel chan *inbound
	closedChannel  chan *websocket.Connection
	shutdownCh     chan struct{}

	registry *websocket.Registry
	sessions interfaces.SessionManager
	tracker  *progress.Tracker

	running bool
	mu      sync.RWMutex
}

type inbound struct {
	conn *websocket.Connection
	env  types.Envelope
}

// NewHub creates a hub wired to the given registry, session manager and
// progress tracker.
func NewHub(registry *websocket.Registry, sessions interfaces.SessionManager, tracker *progress.Tracker) *Hub {
	return &Hub{
		inboundChannel: make(chan *inbound, 1000),
		closedChannel:  make(chan *websocket.Connection, 100),
		shutdownCh:     make(chan struct{}),
		registry:       registry,
		sessions:       sessions,
		tracker:        tracker,
	}
}

// Start launches the hub run loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	log.Println("Starting hub...")
	go h.run(ctx)
	return nil
}

// Stop shuts the hub down. Safe to call more than once.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	select {
	case <-h.shutdownCh:
	default:
		close(h.shutdownCh)
	}
	return nil
}

// Dispatch queues an inbound envelope for processing. Non-blocking so a
// burst from one connection cannot stall the read loops of others.
func (h *Hub) Dispatch(conn *websocket.Connection, env types.Envelope) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	select {
	case h.inboundChannel <- &inbound{conn: conn, env: env}:
		return nil
	default:
		return ErrChannelFull
	}
}

// ConnectionClosed queues a disconnect notification.
func (h *Hub) ConnectionClosed(conn *websocket.Connection) {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	select {
	case h.closedChannel <- conn:
	default:
		log.Printf("Dropped disconnect event: user=%s", conn.GetUserID())
	}
}

func (h *Hub) run(ctx context.Context) {
	defer log.Println("Hub processing stopped")

	for {
		select {
		case msg := <-h.inboundChannel:
			h.handleInbound(ctx, msg.conn, msg.env)
		case conn := <-h.closedChannel:
			h.handleDisconnect(conn)
		case <-h.shutdownCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) handleInbound(ctx context.Context, conn *websocket.Connection, env types.Envelope) {
	switch env.Type {
	case types.MessageTypeJoin:
		h.handleJoin(conn, env)
	case types.MessageTypeHeartbeat:
		h.tracker.Heartbeat(conn.GetSessionCode(), conn.GetUserID())
	case types.MessageTypeNextStep:
		h.handleCommand(ctx, conn, env.Type, func(code string) ([]types.Envelope, error) {
			return h.sessions.NextStep(ctx, code)
		})
	case types.MessageTypePauseSession:
		h.handleCommand(ctx, conn, env.Type, func(code string) ([]types.Envelope, error) {
			return h.sessions.Pause(ctx, code)
		})
	case types.MessageTypeResumeSession:
		h.handleCommand(ctx, conn, env.Type, func(code string) ([]types.Envelope, error) {
			return h.sessions.Resume(ctx, code)
		})
	case types.MessageTypeEndSession:
		h.handleCommand(ctx, conn, env.Type, func(code string) ([]types.Envelope, error) {
			envs, err := h.sessions.End(ctx, code)
			if err == nil {
				h.tracker.EndSession(ctx, code)
			}
			return envs, err
		})
	case types.MessageTypeSwitchLecture:
		var data types.SwitchLectureData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			h.sendError(conn, "malformed switch_lecture payload")
			return
		}
		h.handleCommand(ctx, conn, env.Type, func(code string) ([]types.Envelope, error) {
			return h.sessions.SwitchUnit(ctx, code, data.LectureID)
		})
	case types.MessageTypeStepComplete:
		h.handleStepComplete(ctx, conn, env)
	case types.MessageTypeRequestHelp:
		h.handleRequestHelp(ctx, conn, env)
	default:
		h.sendError(conn, "unknown message type: "+env.Type)
	}
}

// handleJoin registers the participant, resyncs the joiner with the full
// session state and announces the join to everyone else. The snapshot
// replaces any events missed while disconnected; nothing is replayed.
func (h *Hub) handleJoin(conn *websocket.Connection, env types.Envelope) {
	code := conn.GetSessionCode()
	userID := conn.GetUserID()

	deviceID := conn.GetDeviceID()
	username := conn.GetUsername()
	if len(env.Data) > 0 {
		var data types.JoinData
		if err := json.Unmarshal(env.Data, &data); err == nil {
			if data.DeviceID != "" {
				deviceID = data.DeviceID
			}
			if data.Name != "" {
				username = data.Name
			}
		}
	}

	participant := h.tracker.Join(code, userID, deviceID, username)

	resync, err := h.sessions.Resync(code)
	if err != nil {
		log.Printf("Resync failed: session=%s user=%s err=%v", code, userID, err)
		h.sendError(conn, "session state unavailable")
		return
	}
	for _, e := range resync {
		if err := conn.WriteEnvelope(e); err != nil {
			log.Printf("Resync write failed: user=%s err=%v", userID, err)
			return
		}
	}

	joined, err := types.NewEnvelope(types.MessageTypeParticipantJoined, types.ParticipantJoinedData{
		Username: participant.Username,
	})
	if err != nil {
		return
	}
	h.broadcastExcept(code, joined, userID)

	log.Printf("Participant joined: session=%s user=%s role=%s", code, userID, conn.GetRole())
}

// handleCommand applies a lifecycle command and fans out the resulting
// envelopes. Rejected commands produce an error envelope for the sender
// only; nothing is broadcast.
func (h *Hub) handleCommand(ctx context.Context, conn *websocket.Connection, msgType string, apply func(code string) ([]types.Envelope, error)) {
	if conn.GetRole() != types.RoleInstructor {
		h.sendError(conn, "not permitted: "+msgType)
		return
	}

	code := conn.GetSessionCode()
	envs, err := apply(code)
	if err != nil {
		h.sendError(conn, commandErrorMessage(err))
		return
	}
	for _, env := range envs {
		h.Broadcast(code, env)
	}
}

func (h *Hub) handleStepComplete(ctx context.Context, conn *websocket.Connection, env types.Envelope) {
	var data types.StepCompleteData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		h.sendError(conn, "malformed step_complete payload")
		return
	}

	code := conn.GetSessionCode()
	session, err := h.sessions.Snapshot(code)
	if err != nil {
		h.sendError(conn, "session state unavailable")
		return
	}
	unit := session.ActiveUnit()
	if unit == nil {
		h.sendError(conn, "no active lecture")
		return
	}

	stepIndex := -1
	for i, step := range unit.Steps {
		if step.ID == data.SubtaskID {
			stepIndex = i
			break
		}
	}
	if stepIndex == -1 {
		h.sendError(conn, "unknown subtask")
		return
	}

	update, err := h.tracker.CompleteStep(ctx, code, conn.GetUserID(), data.SubtaskID, stepIndex, len(unit.Steps))
	if err != nil {
		h.sendError(conn, "progress update failed")
		return
	}
	if !update.Changed {
		return
	}

	p := update.Participant
	progressEnv, err := types.NewEnvelope(types.MessageTypeProgressUpdated, types.ProgressUpdatedData{
		UserID:             p.UserID,
		Username:           p.Username,
		CurrentSubtask:     p.CurrentStepIndex,
		ProgressPercentage: update.Percentage,
		CompletedSubtasks:  p.CompletedSteps,
	})
	if err != nil {
		return
	}
	h.BroadcastToInstructors(code, progressEnv)

	if update.CompletedAll {
		completionEnv, err := types.NewEnvelope(types.MessageTypeStudentCompletion, types.StudentCompletionData{
			ParticipantID:     p.UserID,
			DeviceID:          p.DeviceID,
			StudentName:       p.Username,
			CompletedSubtasks: p.CompletedSteps,
			TotalCompleted:    len(p.CompletedSteps),
			Timestamp:         time.Now().UTC(),
		})
		if err != nil {
			return
		}
		h.BroadcastToInstructors(code, completionEnv)
	}
}

func (h *Hub) handleRequestHelp(ctx context.Context, conn *websocket.Connection, env types.Envelope) {
	var data types.RequestHelpData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			h.sendError(conn, "malformed request_help payload")
			return
		}
	}

	code := conn.GetSessionCode()
	notification, ok := h.tracker.RequestHelp(ctx, code, conn.GetUserID(), data.Message, "", data.SubtaskID)
	if !ok {
		// Duplicate within the dedup window; drop silently.
		return
	}

	helpEnv, err := types.NewEnvelope(types.MessageTypeHelpRequested, types.HelpRequestedData{
		UserID:        notification.ParticipantID,
		Username:      notification.Username,
		Message:       notification.Message,
		Timestamp:     notification.CreatedAt,
		ScreenshotURL: notification.ScreenshotURL,
	})
	if err != nil {
		return
	}
	h.BroadcastToInstructors(code, helpEnv)
}

// handleDisconnect marks the participant inactive and announces the
// departure. The participant record survives so a reconnect restores
// completed progress.
func (h *Hub) handleDisconnect(conn *websocket.Connection) {
	code := conn.GetSessionCode()
	userID := conn.GetUserID()

	// A reconnect registers the replacement before the displaced
	// connection reports its close; the user is still here, so skip
	// the teardown for the stale instance.
	if current, ok := h.registry.GetUserConnection(userID); ok && current != conn {
		return
	}

	participant, ok := h.tracker.Leave(code, userID)
	if !ok {
		return
	}

	left, err := types.NewEnvelope(types.MessageTypeParticipantLeft, types.ParticipantLeftData{
		Username: participant.Username,
	})
	if err != nil {
		return
	}
	h.broadcastExcept(code, left, userID)

	log.Printf("Participant left: session=%s user=%s", code, userID)
}

// Broadcast sends an envelope to every connection in a session. Write
// failures are logged and skipped; a slow client never blocks the rest.
func (h *Hub) Broadcast(sessionCode string, env types.Envelope) {
	for _, conn := range h.registry.GetSessionConnections(sessionCode) {
		if err := conn.WriteEnvelope(env); err != nil {
			log.Printf("Broadcast write failed: session=%s user=%s err=%v", sessionCode, conn.GetUserID(), err)
		}
	}
}

// BroadcastToInstructors sends an envelope to instructor connections only.
func (h *Hub) BroadcastToInstructors(sessionCode string, env types.Envelope) {
	for _, conn := range h.registry.GetSessionInstructors(sessionCode) {
		if err := conn.WriteEnvelope(env); err != nil {
			log.Printf("Instructor write failed: session=%s user=%s err=%v", sessionCode, conn.GetUserID(), err)
		}
	}
}

func (h *Hub) broadcastExcept(sessionCode string, env types.Envelope, excludeUserID string) {
	for _, conn := range h.registry.GetSessionConnections(sessionCode) {
		if conn.GetUserID() == excludeUserID {
			continue
		}
		if err := conn.WriteEnvelope(env); err != nil {
			log.Printf("Broadcast write failed: session=%s user=%s err=%v", sessionCode, conn.GetUserID(), err)
		}
	}
}

func (h *Hub) sendError(conn *websocket.Connection, message string) {
	env, err := types.NewEnvelope(types.MessageTypeError, types.ErrorData{Message: message})
	if err != nil {
		return
	}
	if err := conn.WriteEnvelope(env); err != nil {
		log.Printf("Failed to send error: user=%s err=%v", conn.GetUserID(), err)
	}
}

// commandErrorMessage maps command rejections to client-facing text without
// leaking internals.
func commandErrorMessage(err error) string {
	var invalid *lifecycle.InvalidTransitionError
	switch {
	case errors.As(err, &invalid):
		return err.Error()
	case errors.Is(err, lifecycle.ErrNoMoreSteps):
		return "already at the last step"
	case errors.Is(err, lifecycle.ErrNoActiveUnit):
		return "no active lecture"
	case errors.Is(err, lifecycle.ErrUnknownUnit):
		return "unknown lecture"
	case errors.Is(err, lifecycle.ErrUnitAlreadyActive):
		return "lecture already active"
	case errors.Is(err, interfaces.ErrSessionNotFound):
		return "session not found"
	default:
		return "command failed"
	}
}
