package device

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"lockstep/pkg/client"
	"lockstep/pkg/tracker"
	"lockstep/pkg/types"
)

// Resources is whatever the host app must release when the session is
// effectively over: overlays, accessibility hooks, capture pipelines.
type Resources interface {
	Teardown()
}

// Device binds a session client to the on-device tracking machine. It
// follows step_changed messages from the server, feeds completions back,
// and tears down host resources when the connection is lost for good.
type Device struct {
	client   *client.Client
	machine  *tracker.Machine
	watchdog *client.Watchdog

	resources Resources

	mu          sync.Mutex
	steps       []types.Step
	stepIndex   int
	sessionOver bool

	unsubscribe []func()
	stopOnce    sync.Once
	stopCh      chan struct{}
}

// NewDevice wires the pieces together. disconnectTimeout bounds how long a
// dead connection may linger before host resources are torn down.
func NewDevice(c *client.Client, m *tracker.Machine, disconnectTimeout time.Duration, resources Resources) *Device {
	if disconnectTimeout <= 0 {
		disconnectTimeout = 30 * time.Second
	}

	d := &Device{
		client:    c,
		machine:   m,
		resources: resources,
		stepIndex: -1,
		stopCh:    make(chan struct{}),
	}
	d.watchdog = client.NewWatchdog(disconnectTimeout, d.onWatchdogExpired)
	return d
}

// SetSteps installs the step list for the active lecture. Indexes in
// step_changed messages refer into this slice.
func (d *Device) SetSteps(steps []types.Step) {
	d.mu.Lock()
	d.steps = steps
	d.stepIndex = -1
	d.mu.Unlock()
}

// Start connects to the session and begins processing server messages and
// tracking transitions.
func (d *Device) Start(ctx context.Context, sessionCode string) error {
	unsubInfo := d.client.Subscribe(d.onConnectionChange)
	unsubTracker := d.machine.Subscribe(d.onTrackingTransition)
	d.unsubscribe = append(d.unsubscribe, unsubInfo, unsubTracker)

	if err := d.client.Connect(ctx, sessionCode); err != nil {
		d.detach()
		return err
	}

	go d.messageLoop()
	return nil
}

// RequestHelp forwards a help request for the current step.
func (d *Device) RequestHelp(message string) error {
	d.mu.Lock()
	var subtaskID *int64
	if d.stepIndex >= 0 && d.stepIndex < len(d.steps) {
		id := d.steps[d.stepIndex].ID
		subtaskID = &id
	}
	d.mu.Unlock()

	return d.client.SendHelpRequest(message, subtaskID)
}

// Stop disconnects and releases everything except host resources, which
// remain owned by the caller unless the watchdog already fired.
func (d *Device) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.detach()
		d.watchdog.Cancel()
		d.machine.Stop()
		d.client.Disconnect()
	})
}

func (d *Device) detach() {
	for _, unsub := range d.unsubscribe {
		unsub()
	}
	d.unsubscribe = nil
}

func (d *Device) messageLoop() {
	for {
		select {
		case env := <-d.client.Messages():
			d.handleMessage(env)
		case <-d.stopCh:
			return
		}
	}
}

func (d *Device) handleMessage(env types.Envelope) {
	switch env.Type {
	case types.MessageTypeStepChanged:
		var data types.StepChangedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			log.Printf("Malformed step_changed: %v", err)
			return
		}
		d.applyStep(data.CurrentStep)

	case types.MessageTypeSessionStatusChanged:
		var data types.SessionStatusChangedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			log.Printf("Malformed session_status_changed: %v", err)
			return
		}
		d.applyStatus(data.Status)

	case types.MessageTypeError:
		var data types.ErrorData
		if err := json.Unmarshal(env.Data, &data); err == nil {
			log.Printf("Server error: %s", data.Message)
		}
	}
}

// applyStep points the tracking machine at the server's current step.
func (d *Device) applyStep(index int) {
	d.mu.Lock()
	if d.sessionOver || index < 0 || index >= len(d.steps) {
		d.mu.Unlock()
		return
	}
	d.stepIndex = index
	step := d.steps[index]
	d.mu.Unlock()

	d.machine.SetStep(&step)
}

// applyStatus pauses, resumes or finishes tracking to follow the session
// lifecycle.
func (d *Device) applyStatus(status string) {
	switch status {
	case string(types.StatusPaused):
		d.machine.Stop()

	case string(types.StatusActive), types.StatusActive.Display():
		d.mu.Lock()
		index := d.stepIndex
		over := d.sessionOver
		d.mu.Unlock()
		if !over && index >= 0 {
			d.applyStep(index)
		}

	case string(types.StatusEnded), string(types.StatusReviewMode):
		d.mu.Lock()
		d.sessionOver = true
		d.mu.Unlock()
		d.machine.SetStep(nil)
	}
}

// onTrackingTransition reports completions back to the server.
func (d *Device) onTrackingTransition(t tracker.Transition) {
	if t.To != tracker.StateCompleted {
		return
	}

	d.mu.Lock()
	if d.stepIndex < 0 || d.stepIndex >= len(d.steps) {
		d.mu.Unlock()
		return
	}
	stepID := d.steps[d.stepIndex].ID
	d.mu.Unlock()

	if err := d.client.SendStepComplete(stepID); err != nil {
		log.Printf("Failed to send step completion: %v", err)
	}
}

// onConnectionChange arms the teardown watchdog while the connection is
// down and cancels it on recovery. Reconnecting within the window leaves
// host resources untouched.
func (d *Device) onConnectionChange(info client.ConnectionInfo) {
	switch info.Status {
	case client.StatusConnected:
		d.watchdog.Cancel()
	case client.StatusReconnecting, client.StatusError:
		d.watchdog.Arm()
	}
}

func (d *Device) onWatchdogExpired() {
	log.Println("Disconnect watchdog expired, releasing resources")
	if d.resources != nil {
		d.resources.Teardown()
	}
	d.client.Disconnect()
}
