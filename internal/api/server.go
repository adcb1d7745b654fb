package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"lockstep/internal/auth"
	"lockstep/internal/lifecycle"
	"lockstep/internal/progress"
	"lockstep/pkg/interfaces"
	"lockstep/pkg/types"
)

// Broadcaster fans envelopes out to live session connections. Implemented
// by the hub; the interface keeps this package decoupled from it.
type Broadcaster interface {
	Broadcast(sessionCode string, env types.Envelope)
	BroadcastToInstructors(sessionCode string, env types.Envelope)
}

// Stats reports connection counts for the health endpoint.
type Stats interface {
	GetStats() map[string]int
}

// Server is the REST control plane. It owns no state: every handler
// delegates to the session manager or progress tracker and fans the
// resulting envelopes out through the broadcaster, so REST and WebSocket
// commands converge on the same code paths.
type Server struct {
	sessions    interfaces.SessionManager
	tracker     *progress.Tracker
	broadcaster Broadcaster
	stats       Stats
	validator   *auth.Validator
	router      chi.Router
}

// NewServer builds the router. A nil validator leaves the API open; a nil
// stats source reports no connection counts.
func NewServer(sessions interfaces.SessionManager, tracker *progress.Tracker, broadcaster Broadcaster, stats Stats, validator *auth.Validator) *Server {
	s := &Server{
		sessions:    sessions,
		tracker:     tracker,
		broadcaster: broadcaster,
		stats:       stats,
		validator:   validator,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(jsonContentType)

	r.Get("/health", s.healthCheck)

	r.Group(func(r chi.Router) {
		if s.validator != nil {
			r.Use(s.validator.Middleware)
		}

		r.Route("/api/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)

			r.Route("/{code}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.endSession)
				r.Post("/start", s.startSession)
				r.Post("/pause", s.pauseSession)
				r.Post("/resume", s.resumeSession)
				r.Post("/next-step", s.nextStep)
				r.Post("/switch-lecture", s.switchLecture)
				r.Get("/participants", s.listParticipants)
				r.Post("/screenshots", s.pushScreenshot)
			})
		})

		r.Post("/api/notifications/{id}/resolve", s.resolveNotification)
	})

	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type CreateSessionRequest struct {
	Title     string                  `json:"title"`
	CreatedBy string                  `json:"created_by"`
	Lectures  []*types.CurriculumUnit `json:"lectures"`
}

type SwitchLectureRequest struct {
	LectureID int64 `json:"lecture_id"`
}

type ScreenshotRequest struct {
	ParticipantID string `json:"participant_id"`
	ImageURL      string `json:"image_url"`
}

type SessionResponse struct {
	Session *types.Session `json:"session"`
	Status  string         `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/sessions
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = auth.Subject(r.Context())
	}

	session, err := s.sessions.CreateSession(r.Context(), req.Title, req.CreatedBy, req.Lectures)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, SessionResponse{Session: session, Status: session.Status.Display()})
}

// GET /api/sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.ListSessions()
	out := make([]SessionResponse, len(sessions))
	for i, session := range sessions {
		out[i] = SessionResponse{Session: session, Status: session.Status.Display()}
	}
	s.writeJSON(w, map[string]interface{}{"sessions": out})
}

// GET /api/sessions/{code}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Snapshot(chi.URLParam(r, "code"))
	if err != nil {
		s.sendSessionError(w, err)
		return
	}
	s.writeJSON(w, SessionResponse{Session: session, Status: session.Status.Display()})
}

// POST /api/sessions/{code}/start
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	s.applyCommand(w, r, s.sessions.Start)
}

// POST /api/sessions/{code}/pause
func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	s.applyCommand(w, r, s.sessions.Pause)
}

// POST /api/sessions/{code}/resume
func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.applyCommand(w, r, s.sessions.Resume)
}

// POST /api/sessions/{code}/next-step
func (s *Server) nextStep(w http.ResponseWriter, r *http.Request) {
	s.applyCommand(w, r, s.sessions.NextStep)
}

// POST /api/sessions/{code}/switch-lecture
func (s *Server) switchLecture(w http.ResponseWriter, r *http.Request) {
	var req SwitchLectureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	code := chi.URLParam(r, "code")
	envs, err := s.sessions.SwitchUnit(r.Context(), code, req.LectureID)
	if err != nil {
		s.sendCommandError(w, err)
		return
	}
	s.fanOut(code, envs)
	s.respondWithSession(w, code)
}

// DELETE /api/sessions/{code}
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	envs, err := s.sessions.End(r.Context(), code)
	if err != nil {
		s.sendCommandError(w, err)
		return
	}
	s.tracker.EndSession(r.Context(), code)
	s.fanOut(code, envs)
	s.writeJSON(w, map[string]string{"message": "Session ended"})
}

// GET /api/sessions/{code}/participants
func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, err := s.sessions.Snapshot(code); err != nil {
		s.sendSessionError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"participants": s.tracker.Participants(code)})
}

// POST /api/sessions/{code}/screenshots notifies instructor dashboards that
// a fresh capture for a participant is available at image_url. The server
// relays the reference; it never stores image bytes.
func (s *Server) pushScreenshot(w http.ResponseWriter, r *http.Request) {
	var req ScreenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ParticipantID == "" || req.ImageURL == "" {
		s.sendError(w, "participant_id and image_url are required", http.StatusBadRequest)
		return
	}

	code := chi.URLParam(r, "code")
	if _, err := s.sessions.Snapshot(code); err != nil {
		s.sendSessionError(w, err)
		return
	}

	var participant *types.Participant
	for _, p := range s.tracker.Participants(code) {
		if p.UserID == req.ParticipantID {
			p := p
			participant = &p
			break
		}
	}
	if participant == nil {
		s.sendError(w, "Participant not found", http.StatusNotFound)
		return
	}

	env, err := types.NewEnvelope(types.MessageTypeScreenshotUpdated, types.ScreenshotUpdatedData{
		ParticipantID:   participant.UserID,
		ParticipantName: participant.Username,
		ImageURL:        req.ImageURL,
		CapturedAt:      time.Now().UTC(),
		DeviceID:        participant.DeviceID,
	})
	if err != nil {
		s.sendError(w, "Failed to build notification", http.StatusInternalServerError)
		return
	}
	s.broadcaster.BroadcastToInstructors(code, env)

	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]string{"message": "Screenshot published"})
}

// POST /api/notifications/{id}/resolve
func (s *Server) resolveNotification(w http.ResponseWriter, r *http.Request) {
	notification, err := s.tracker.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrNotificationNotFound):
			s.sendError(w, "Notification not found", http.StatusNotFound)
		case errors.Is(err, progress.ErrAlreadyResolved):
			s.sendError(w, "Notification already resolved", http.StatusConflict)
		default:
			s.sendError(w, "Failed to resolve notification", http.StatusInternalServerError)
		}
		return
	}
	s.writeJSON(w, notification)
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	connections := map[string]int{}
	if s.stats != nil {
		connections = s.stats.GetStats()
	}
	s.writeJSON(w, map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().UTC(),
		"connections": connections,
	})
}

// applyCommand runs a lifecycle command, fans out its envelopes and returns
// the fresh session snapshot.
func (s *Server) applyCommand(w http.ResponseWriter, r *http.Request, command func(ctx context.Context, code string) ([]types.Envelope, error)) {
	code := chi.URLParam(r, "code")
	envs, err := command(r.Context(), code)
	if err != nil {
		s.sendCommandError(w, err)
		return
	}
	s.fanOut(code, envs)
	s.respondWithSession(w, code)
}

func (s *Server) fanOut(code string, envs []types.Envelope) {
	for _, env := range envs {
		s.broadcaster.Broadcast(code, env)
	}
}

func (s *Server) respondWithSession(w http.ResponseWriter, code string) {
	session, err := s.sessions.Snapshot(code)
	if err != nil {
		s.sendSessionError(w, err)
		return
	}
	s.writeJSON(w, SessionResponse{Session: session, Status: session.Status.Display()})
}

func (s *Server) sendSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		s.sendError(w, "Session not found", http.StatusNotFound)
		return
	}
	s.sendError(w, "Failed to load session", http.StatusInternalServerError)
}

func (s *Server) sendCommandError(w http.ResponseWriter, err error) {
	var invalid *lifecycle.InvalidTransitionError
	switch {
	case errors.Is(err, interfaces.ErrSessionNotFound):
		s.sendError(w, "Session not found", http.StatusNotFound)
	case errors.As(err, &invalid):
		s.sendError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, lifecycle.ErrNoMoreSteps),
		errors.Is(err, lifecycle.ErrNoActiveUnit),
		errors.Is(err, lifecycle.ErrUnknownUnit),
		errors.Is(err, lifecycle.ErrUnitAlreadyActive):
		s.sendError(w, err.Error(), http.StatusConflict)
	default:
		s.sendError(w, "Command failed", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
