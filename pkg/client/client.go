package client

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lockstep/pkg/types"
)

// Status is the observable connection state of a Client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// ConnectionInfo is a point-in-time snapshot of the connection state,
// delivered to subscribers on every change.
type ConnectionInfo struct {
	Status            Status
	ReconnectAttempts int
	LastError         error
}

// Conn is the minimal wire surface the client needs. Satisfied by
// *websocket.Conn; tests substitute an in-memory implementation.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Close() error
}

// DialFunc opens a connection to the given WebSocket URL.
type DialFunc func(ctx context.Context, rawURL string) (Conn, error)

func gorillaDial(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config holds the client identity and reconnection tuning.
type Config struct {
	ServerURL string // base URL, e.g. ws://host:8080
	UserID    string
	Username  string
	DeviceID  string
	Role      string
	Token     string

	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Dial overrides the transport. Nil uses the default dialer.
	Dial DialFunc
}

// Client maintains one session connection with automatic reconnection.
// Reconnects use a flat delay up to a fixed attempt cap; past the cap the
// client enters StatusError and stays there until Connect is called again.
// Messages sent while disconnected are dropped, not queued; the join
// snapshot restores the state a device missed while away.
type Client struct {
	cfg  Config
	dial DialFunc

	mu          sync.Mutex
	info        ConnectionInfo
	conn        Conn
	runCancel   context.CancelFunc
	running     bool
	intentional bool

	messages chan types.Envelope

	subsMu sync.Mutex
	subs   map[int]func(ConnectionInfo)
	nextID int
}

// NewClient creates a client. Zero durations and counts take the defaults:
// 30s heartbeat, 3s reconnect delay, 5 attempts.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, ErrMissingServerURL
	}
	if cfg.UserID == "" {
		return nil, ErrMissingUserID
	}
	if cfg.Role == "" {
		cfg.Role = types.RoleStudent
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}

	dial := cfg.Dial
	if dial == nil {
		dial = gorillaDial
	}

	return &Client{
		cfg:      cfg,
		dial:     dial,
		info:     ConnectionInfo{Status: StatusDisconnected},
		messages: make(chan types.Envelope, 64),
		subs:     make(map[int]func(ConnectionInfo)),
	}, nil
}

// Connect starts the connection loop for a session. Non-blocking; progress
// is observable through Subscribe and Messages.
func (c *Client) Connect(ctx context.Context, sessionCode string) error {
	if !types.IsValidSessionCode(sessionCode) {
		return ErrInvalidSessionCode
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.running = true
	c.intentional = false
	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	c.mu.Unlock()

	c.setInfo(ConnectionInfo{Status: StatusConnecting})

	go c.run(runCtx, sessionCode)
	return nil
}

// Disconnect closes the connection intentionally. No reconnect follows.
// Safe to call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.intentional = true
	if c.runCancel != nil {
		c.runCancel()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

// Messages returns the channel of inbound envelopes. Closed never; drained
// by the device binding.
func (c *Client) Messages() <-chan types.Envelope {
	return c.messages
}

// Info returns the current connection snapshot.
func (c *Client) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Subscribe registers a connection-state listener and returns its
// unsubscribe function. The listener fires on every state change.
func (c *Client) Subscribe(fn func(ConnectionInfo)) func() {
	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

// Send writes an envelope if connected. While disconnected the envelope is
// dropped with a log line; the caller is not expected to retry because the
// next join snapshot supersedes anything missed.
func (c *Client) Send(env types.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.info.Status == StatusConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		log.Printf("Dropping %s: not connected", env.Type)
		return nil
	}
	return conn.WriteJSON(env)
}

// SendStepComplete reports a finished subtask.
func (c *Client) SendStepComplete(subtaskID int64) error {
	env, err := types.NewEnvelope(types.MessageTypeStepComplete, types.StepCompleteData{SubtaskID: subtaskID})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// SendHelpRequest asks the instructor for help.
func (c *Client) SendHelpRequest(message string, subtaskID *int64) error {
	env, err := types.NewEnvelope(types.MessageTypeRequestHelp, types.RequestHelpData{Message: message, SubtaskID: subtaskID})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// SendHeartbeat sends one liveness ping. Normally driven by the internal
// ticker; exposed for manual nudges after app resume.
func (c *Client) SendHeartbeat() error {
	env, err := types.NewEnvelope(types.MessageTypeHeartbeat, types.HeartbeatData{Timestamp: time.Now().Unix()})
	if err != nil {
		return err
	}
	return c.Send(env)
}

// run is the connect/read/reconnect loop.
func (c *Client) run(ctx context.Context, sessionCode string) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.conn = nil
		c.mu.Unlock()
	}()

	attempts := 0

	for {
		if ctx.Err() != nil {
			c.setInfo(ConnectionInfo{Status: StatusDisconnected})
			return
		}

		conn, err := c.dial(ctx, c.sessionURL(sessionCode))
		if err == nil {
			attempts = 0
			err = c.serveConnection(ctx, conn)
		}

		if c.isIntentional() || ctx.Err() != nil {
			c.setInfo(ConnectionInfo{Status: StatusDisconnected})
			return
		}

		attempts++
		if attempts >= c.cfg.MaxReconnectAttempts {
			c.setInfo(ConnectionInfo{
				Status:            StatusError,
				ReconnectAttempts: attempts,
				LastError:         ErrReconnectExhausted,
			})
			return
		}

		c.setInfo(ConnectionInfo{
			Status:            StatusReconnecting,
			ReconnectAttempts: attempts,
			LastError:         err,
		})

		select {
		case <-time.After(c.cfg.ReconnectDelay):
		case <-ctx.Done():
			c.setInfo(ConnectionInfo{Status: StatusDisconnected})
			return
		}
	}
}

// serveConnection runs one live connection: join, heartbeat ticker, read
// loop. Returns the terminal read error.
func (c *Client) serveConnection(ctx context.Context, conn Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	join, err := types.NewEnvelope(types.MessageTypeJoin, types.JoinData{
		DeviceID: c.cfg.DeviceID,
		Name:     c.cfg.Username,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(join); err != nil {
		return err
	}

	c.setInfo(ConnectionInfo{Status: StatusConnected})

	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.SendHeartbeat(); err != nil {
					return
				}
			case <-connCtx.Done():
				return
			}
		}
	}()

	for {
		var env types.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		select {
		case c.messages <- env:
		default:
			log.Printf("Dropping %s: message buffer full", env.Type)
		}
	}
}

func (c *Client) sessionURL(sessionCode string) string {
	values := url.Values{}
	values.Set("user_id", c.cfg.UserID)
	values.Set("role", c.cfg.Role)
	if c.cfg.Username != "" {
		values.Set("username", c.cfg.Username)
	}
	if c.cfg.DeviceID != "" {
		values.Set("device_id", c.cfg.DeviceID)
	}
	if c.cfg.Token != "" {
		values.Set("token", c.cfg.Token)
	}
	return fmt.Sprintf("%s/ws/sessions/%s/?%s", c.cfg.ServerURL, sessionCode, values.Encode())
}

func (c *Client) isIntentional() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intentional
}

func (c *Client) setInfo(info ConnectionInfo) {
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()

	c.subsMu.Lock()
	subs := make([]func(ConnectionInfo), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range subs {
		fn(info)
	}
}
