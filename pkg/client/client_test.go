package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"lockstep/pkg/types"
)

const testSessionCode = "ABC234"

// fakeConn is an in-memory Conn. Envelopes written by the client land in
// sent; envelopes queued on inbound are returned by ReadJSON.
type fakeConn struct {
	inbound chan types.Envelope
	sent    chan types.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan types.Envelope, 16),
		sent:    make(chan types.Envelope, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	env, ok := v.(types.Envelope)
	if !ok {
		return errors.New("unexpected write type")
	}
	f.sent <- env
	return nil
}

func (f *fakeConn) ReadJSON(v interface{}) error {
	select {
	case env := <-f.inbound:
		*(v.(*types.Envelope)) = env
		return nil
	case <-f.closed:
		return errors.New("connection closed")
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// fakeDialer hands out queued connections, then fails every further dial.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) dial(ctx context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("dial refused")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestClient(t *testing.T, dialer *fakeDialer) (*Client, <-chan ConnectionInfo) {
	t.Helper()
	c, err := NewClient(Config{
		ServerURL:            "ws://localhost:8080",
		UserID:               "student1",
		Username:             "Alice",
		DeviceID:             "device-1",
		HeartbeatInterval:    time.Hour,
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 2,
		Dial:                 dialer.dial,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	updates := make(chan ConnectionInfo, 32)
	unsubscribe := c.Subscribe(func(info ConnectionInfo) {
		select {
		case updates <- info:
		default:
		}
	})
	t.Cleanup(unsubscribe)
	t.Cleanup(c.Disconnect)
	return c, updates
}

func waitForStatus(t *testing.T, updates <-chan ConnectionInfo, want Status) ConnectionInfo {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case info := <-updates:
			if info.Status == want {
				return info
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for status %s", want)
		}
	}
}

func waitForSent(t *testing.T, conn *fakeConn) types.Envelope {
	t.Helper()
	select {
	case env := <-conn.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a client write")
		return types.Envelope{}
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{UserID: "u1"}); err != ErrMissingServerURL {
		t.Errorf("Expected ErrMissingServerURL, got %v", err)
	}
	if _, err := NewClient(Config{ServerURL: "ws://x"}); err != ErrMissingUserID {
		t.Errorf("Expected ErrMissingUserID, got %v", err)
	}
}

func TestConnectValidatesSessionCode(t *testing.T) {
	c, _ := newTestClient(t, &fakeDialer{})
	if err := c.Connect(context.Background(), "bad code"); err != ErrInvalidSessionCode {
		t.Errorf("Expected ErrInvalidSessionCode, got %v", err)
	}
}

func TestConnectSendsJoin(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	c, updates := newTestClient(t, dialer)

	if err := c.Connect(context.Background(), testSessionCode); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	join := waitForSent(t, conn)
	if join.Type != types.MessageTypeJoin {
		t.Fatalf("Expected join first, got %s", join.Type)
	}
	var data types.JoinData
	if err := json.Unmarshal(join.Data, &data); err != nil {
		t.Fatalf("Bad join payload: %v", err)
	}
	if data.DeviceID != "device-1" || data.Name != "Alice" {
		t.Errorf("Unexpected join identity: %+v", data)
	}

	waitForStatus(t, updates, StatusConnected)

	if err := c.Connect(context.Background(), testSessionCode); err != ErrAlreadyConnected {
		t.Errorf("Expected ErrAlreadyConnected, got %v", err)
	}
}

func TestMessagesDelivered(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	c, updates := newTestClient(t, dialer)

	if err := c.Connect(context.Background(), testSessionCode); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForStatus(t, updates, StatusConnected)

	env, _ := types.NewEnvelope(types.MessageTypeStepChanged, types.StepChangedData{CurrentStep: 1, TotalSteps: 3})
	conn.inbound <- env

	select {
	case got := <-c.Messages():
		if got.Type != types.MessageTypeStepChanged {
			t.Errorf("Expected step_changed, got %s", got.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a message")
	}
}

func TestReconnectAfterReadFailure(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	c, updates := newTestClient(t, dialer)

	if err := c.Connect(context.Background(), testSessionCode); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForSent(t, first) // join
	waitForStatus(t, updates, StatusConnected)

	_ = first.Close()

	info := waitForStatus(t, updates, StatusReconnecting)
	if info.ReconnectAttempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", info.ReconnectAttempts)
	}

	// The replacement connection gets a fresh join: state resync,
	// not replay.
	join := waitForSent(t, second)
	if join.Type != types.MessageTypeJoin {
		t.Errorf("Expected join on reconnect, got %s", join.Type)
	}
	waitForStatus(t, updates, StatusConnected)
}

func TestReconnectExhaustion(t *testing.T) {
	dialer := &fakeDialer{} // every dial refused
	c, updates := newTestClient(t, dialer)

	if err := c.Connect(context.Background(), testSessionCode); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	info := waitForStatus(t, updates, StatusError)
	if info.ReconnectAttempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", info.ReconnectAttempts)
	}
	if !errors.Is(info.LastError, ErrReconnectExhausted) {
		t.Errorf("Expected ErrReconnectExhausted, got %v", info.LastError)
	}

	// Once the loop has stopped, Connect may be called again.
	waitFor(t, func() bool {
		return c.Connect(context.Background(), testSessionCode) == nil
	})
}

func TestIntentionalDisconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn, newFakeConn()}}
	c, updates := newTestClient(t, dialer)

	if err := c.Connect(context.Background(), testSessionCode); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForStatus(t, updates, StatusConnected)

	c.Disconnect()
	waitForStatus(t, updates, StatusDisconnected)

	// No reconnect after an intentional close.
	time.Sleep(50 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("Expected 1 dial, got %d", got)
	}

	c.Disconnect() // idempotent
}

func TestSendWhileDisconnectedDrops(t *testing.T) {
	c, _ := newTestClient(t, &fakeDialer{})

	// Dropped, not queued and not an error.
	if err := c.SendStepComplete(10); err != nil {
		t.Errorf("Expected drop without error, got %v", err)
	}
	if err := c.SendHeartbeat(); err != nil {
		t.Errorf("Expected drop without error, got %v", err)
	}
}

func TestSendStepCompleteWrites(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	c, updates := newTestClient(t, dialer)

	if err := c.Connect(context.Background(), testSessionCode); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForSent(t, conn) // join
	waitForStatus(t, updates, StatusConnected)

	if err := c.SendStepComplete(42); err != nil {
		t.Fatalf("SendStepComplete failed: %v", err)
	}
	env := waitForSent(t, conn)
	if env.Type != types.MessageTypeStepComplete {
		t.Fatalf("Expected step_complete, got %s", env.Type)
	}
	var data types.StepCompleteData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("Bad payload: %v", err)
	}
	if data.SubtaskID != 42 {
		t.Errorf("Expected subtask 42, got %d", data.SubtaskID)
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	c, _ := newTestClient(t, &fakeDialer{})

	var mu sync.Mutex
	count := 0
	unsubscribe := c.Subscribe(func(ConnectionInfo) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	_ = c.Connect(context.Background(), testSessionCode)
	c.Disconnect()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count > 0
	})

	unsubscribe()
	mu.Lock()
	settled := count
	mu.Unlock()

	_ = c.Connect(context.Background(), testSessionCode)
	c.Disconnect()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	final := count
	mu.Unlock()
	if final != settled {
		t.Errorf("Expected no notifications after unsubscribe, got %d new", final-settled)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition never became true")
}
