package websocket

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"lockstep/internal/auth"
	"lockstep/pkg/interfaces"
	"lockstep/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Devices connect from app contexts without a meaningful Origin.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// MessageSink receives decoded inbound envelopes from live connections.
// Implemented by the hub; the interface keeps this package free of
// routing logic and breaks the import cycle between handler and hub.
type MessageSink interface {
	Dispatch(conn *Connection, env types.Envelope) error
	ConnectionClosed(conn *Connection)
}

// Options carries the tunable timeouts for connection handling.
type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		BufferSize:   100,
	}
}

// Handler validates, upgrades and supervises WebSocket connections.
type Handler struct {
	registry  *Registry
	sessions  interfaces.SessionManager
	sink      MessageSink
	validator *auth.Validator
	opts      Options
}

// NewHandler creates a handler. A nil validator disables token checks.
func NewHandler(registry *Registry, sessions interfaces.SessionManager, sink MessageSink, validator *auth.Validator, opts Options) *Handler {
	if opts.PingInterval <= 0 {
		opts = DefaultOptions()
	}
	return &Handler{
		registry:  registry,
		sessions:  sessions,
		sink:      sink,
		validator: validator,
		opts:      opts,
	}
}

// HandleWebSocket validates the request, upgrades it and starts the read
// loop. Validation happens before the upgrade so rejections are plain HTTP
// errors the client can surface.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionCode := chi.URLParam(r, "code")
	query := r.URL.Query()
	userID := query.Get("user_id")
	role := query.Get("role")
	username := query.Get("username")
	deviceID := query.Get("device_id")

	if !types.IsValidSessionCode(sessionCode) {
		http.Error(w, "Invalid session code", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(userID) {
		http.Error(w, "Invalid user_id", http.StatusBadRequest)
		return
	}
	if !types.IsValidRole(role) {
		http.Error(w, "Invalid role: must be 'student' or 'instructor'", http.StatusBadRequest)
		return
	}
	if username == "" {
		username = userID
	}

	if h.validator != nil {
		subject, err := h.validator.Validate(query.Get("token"))
		if err != nil {
			http.Error(w, "Invalid or missing token", http.StatusUnauthorized)
			return
		}
		if subject != "" {
			userID = subject
		}
	}

	if err := h.sessions.ValidateAccess(sessionCode, role); err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
		} else {
			http.Error(w, "Session validation failed", http.StatusInternalServerError)
		}
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn, h.opts.BufferSize, h.opts.WriteTimeout)
	wsConn.SetCredentials(userID, role, sessionCode, username, deviceID)

	if err := h.registry.RegisterConnection(wsConn); err != nil {
		log.Printf("Failed to register connection: %v", err)
		_ = wsConn.Close()
		return
	}

	go h.handleConnection(wsConn)
}

// handleConnection runs the read loop with ping/pong heartbeat supervision.
// One goroutine per connection for reads; a ticker goroutine tied to the
// connection context sends pings.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		h.sink.ConnectionClosed(conn)
		_ = conn.Close()
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(h.opts.WriteTimeout)
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
					return
				}
			case <-conn.Context().Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: user=%s err=%v", conn.GetUserID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendProtocolError(conn, "malformed message")
			continue
		}
		if !types.IsInboundMessageType(env.Type) {
			h.sendProtocolError(conn, "unknown message type: "+env.Type)
			continue
		}

		if err := h.sink.Dispatch(conn, env); err != nil {
			log.Printf("Dispatch failed: user=%s type=%s err=%v", conn.GetUserID(), env.Type, err)
		}
	}
}

func (h *Handler) sendProtocolError(conn *Connection, message string) {
	env, err := types.NewEnvelope(types.MessageTypeError, types.ErrorData{Message: message})
	if err != nil {
		return
	}
	if err := conn.WriteEnvelope(env); err != nil {
		log.Printf("Failed to send error message: %v", err)
	}
}
