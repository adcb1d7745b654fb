package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	gws "github.com/gorilla/websocket"

	"lockstep/internal/auth"
	"lockstep/pkg/interfaces"
	"lockstep/pkg/types"
)

const handlerTestCode = "ABC234"

// stubSessions accepts access to one known session code.
type stubSessions struct {
	knownCode string
	accessErr error
}

func (s *stubSessions) CreateSession(ctx context.Context, title, createdBy string, units []*types.CurriculumUnit) (*types.Session, error) {
	return nil, interfaces.ErrSessionNotFound
}
func (s *stubSessions) Snapshot(code string) (*types.Session, error) {
	return nil, interfaces.ErrSessionNotFound
}
func (s *stubSessions) ListSessions() []*types.Session { return nil }
func (s *stubSessions) Start(ctx context.Context, code string) ([]types.Envelope, error) {
	return nil, interfaces.ErrSessionNotFound
}
func (s *stubSessions) Pause(ctx context.Context, code string) ([]types.Envelope, error) {
	return nil, interfaces.ErrSessionNotFound
}
func (s *stubSessions) Resume(ctx context.Context, code string) ([]types.Envelope, error) {
	return nil, interfaces.ErrSessionNotFound
}
func (s *stubSessions) NextStep(ctx context.Context, code string) ([]types.Envelope, error) {
	return nil, interfaces.ErrSessionNotFound
}
func (s *stubSessions) SwitchUnit(ctx context.Context, code string, unitID int64) ([]types.Envelope, error) {
	return nil, interfaces.ErrSessionNotFound
}
func (s *stubSessions) End(ctx context.Context, code string) ([]types.Envelope, error) {
	return nil, interfaces.ErrSessionNotFound
}
func (s *stubSessions) Resync(code string) ([]types.Envelope, error) { return nil, nil }
func (s *stubSessions) ValidateAccess(code, role string) error {
	if s.accessErr != nil {
		return s.accessErr
	}
	if code != s.knownCode {
		return interfaces.ErrSessionNotFound
	}
	return nil
}

var _ interfaces.SessionManager = (*stubSessions)(nil)

// recordingSink captures dispatched envelopes and close notifications.
type recordingSink struct {
	mu         sync.Mutex
	dispatched []types.Envelope
	closed     int
}

func (s *recordingSink) Dispatch(conn *Connection, env types.Envelope) error {
	s.mu.Lock()
	s.dispatched = append(s.dispatched, env)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) ConnectionClosed(conn *Connection) {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
}

func (s *recordingSink) dispatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dispatched)
}

func (s *recordingSink) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type handlerFixture struct {
	server   *httptest.Server
	registry *Registry
	sink     *recordingSink
	sessions *stubSessions
}

func newHandlerFixture(t *testing.T, validator *auth.Validator) *handlerFixture {
	t.Helper()

	registry := NewRegistry()
	sink := &recordingSink{}
	sessions := &stubSessions{knownCode: handlerTestCode}
	handler := NewHandler(registry, sessions, sink, validator, Options{
		PingInterval: 50 * time.Millisecond,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		BufferSize:   16,
	})

	router := chi.NewRouter()
	router.HandleFunc("/ws/sessions/{code}", handler.HandleWebSocket)
	router.HandleFunc("/ws/sessions/{code}/", handler.HandleWebSocket)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &handlerFixture{server: server, registry: registry, sink: sink, sessions: sessions}
}

func (f *handlerFixture) wsURL(code, query string) string {
	base := "ws" + strings.TrimPrefix(f.server.URL, "http")
	return base + "/ws/sessions/" + code + "?" + query
}

func (f *handlerFixture) dial(t *testing.T, code, query string) *gws.Conn {
	t.Helper()
	conn, resp, err := gws.DefaultDialer.Dial(f.wsURL(code, query), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial failed with status %d: %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *handlerFixture) dialExpectStatus(t *testing.T, code, query string, want int) {
	t.Helper()
	conn, resp, err := gws.DefaultDialer.Dial(f.wsURL(code, query), nil)
	if err == nil {
		_ = conn.Close()
		t.Fatalf("Expected rejection with status %d, connection succeeded", want)
	}
	if resp == nil || resp.StatusCode != want {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Expected status %d, got %d", want, status)
	}
}

func waitForCount(t *testing.T, fetch func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fetch() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for count %d, at %d", want, fetch())
}

func TestHandlerRejectsInvalidRequests(t *testing.T) {
	f := newHandlerFixture(t, nil)

	f.dialExpectStatus(t, "bad!", "user_id=student1&role=student", http.StatusBadRequest)
	f.dialExpectStatus(t, handlerTestCode, "role=student", http.StatusBadRequest)
	f.dialExpectStatus(t, handlerTestCode, "user_id=student1&role=observer", http.StatusBadRequest)
	f.dialExpectStatus(t, "ZZZZZZ", "user_id=student1&role=student", http.StatusNotFound)
}

func TestHandlerRejectsOnValidationFailure(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.sessions.accessErr = errors.New("backend unavailable")

	f.dialExpectStatus(t, handlerTestCode, "user_id=student1&role=student", http.StatusInternalServerError)
}

func TestHandlerRegistersConnection(t *testing.T) {
	f := newHandlerFixture(t, nil)

	f.dial(t, handlerTestCode, "user_id=student1&role=student&username=Alice&device_id=device-1")
	waitForCount(t, func() int { return f.registry.GetStats()["total_connections"] }, 1)

	conn, ok := f.registry.GetUserConnection("student1")
	if !ok {
		t.Fatal("Expected registered connection")
	}
	if conn.GetUsername() != "Alice" || conn.GetDeviceID() != "device-1" {
		t.Errorf("Credentials not applied: %s / %s", conn.GetUsername(), conn.GetDeviceID())
	}
}

func TestHandlerDispatchesInboundMessages(t *testing.T) {
	f := newHandlerFixture(t, nil)
	client := f.dial(t, handlerTestCode, "user_id=student1&role=student")

	if err := client.WriteJSON(types.Envelope{Type: types.MessageTypeHeartbeat}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	waitForCount(t, f.sink.dispatchCount, 1)

	f.sink.mu.Lock()
	got := f.sink.dispatched[0].Type
	f.sink.mu.Unlock()
	if got != types.MessageTypeHeartbeat {
		t.Errorf("Expected heartbeat, got %s", got)
	}
}

func TestHandlerRejectsUnknownMessageType(t *testing.T) {
	f := newHandlerFixture(t, nil)
	client := f.dial(t, handlerTestCode, "user_id=student1&role=student")

	if err := client.WriteJSON(types.Envelope{Type: "step_changed"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env types.Envelope
	if err := client.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if env.Type != types.MessageTypeError {
		t.Errorf("Expected error envelope, got %s", env.Type)
	}
	if f.sink.dispatchCount() != 0 {
		t.Errorf("Outbound-only types must not reach the sink")
	}
}

func TestHandlerNotifiesSinkOnDisconnect(t *testing.T) {
	f := newHandlerFixture(t, nil)
	client := f.dial(t, handlerTestCode, "user_id=student1&role=student")
	waitForCount(t, func() int { return f.registry.GetStats()["total_connections"] }, 1)

	_ = client.Close()
	waitForCount(t, f.sink.closedCount, 1)
	waitForCount(t, func() int { return f.registry.GetStats()["total_connections"] }, 0)
}

func TestHandlerTokenValidation(t *testing.T) {
	validator := auth.NewValidator("test-secret")
	f := newHandlerFixture(t, validator)

	f.dialExpectStatus(t, handlerTestCode, "user_id=student1&role=student", http.StatusUnauthorized)

	token, err := validator.Sign("device-student1")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	f.dial(t, handlerTestCode, "user_id=student1&role=student&token="+token)
	waitForCount(t, func() int { return f.registry.GetStats()["total_connections"] }, 1)

	// The token subject overrides the query user_id.
	if _, ok := f.registry.GetUserConnection("device-student1"); !ok {
		t.Error("Expected connection registered under the token subject")
	}
}
