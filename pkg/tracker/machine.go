package tracker

import (
	"strings"
	"sync"
	"time"

	"lockstep/pkg/types"
)

// State is the per-step tracking state on a student device.
type State string

const (
	StateWaiting   State = "WAITING"
	StateChecking  State = "CHECKING"
	StateMatched   State = "MATCHED"
	StateCompleted State = "COMPLETED"
	StateError     State = "ERROR"
)

// ErrorKind classifies why tracking entered StateError.
type ErrorKind string

const (
	ErrorNone         ErrorKind = ""
	ErrorWrongApp     ErrorKind = "WRONG_APP"
	ErrorFrozenScreen ErrorKind = "FROZEN_SCREEN"
	ErrorWrongClick   ErrorKind = "WRONG_CLICK"
)

// EventType names the accessibility event classes the machine accepts.
// Anything else is ignored without touching the state.
type EventType string

const (
	EventClick        EventType = "click"
	EventLongClick    EventType = "long_click"
	EventScroll       EventType = "scroll"
	EventTextChange   EventType = "text_change"
	EventFocus        EventType = "focus"
	EventWindowChange EventType = "window_change"
)

// UIEvent is one observed user interaction.
type UIEvent struct {
	Type               EventType
	Package            string
	ViewID             string
	Text               string
	ContentDescription string
	Bounds             string
}

// Transition is delivered to subscribers on every state change.
type Transition struct {
	From  State
	To    State
	Error ErrorKind
}

// Config tunes the machine timers. Zero values take the defaults: 3s idle
// threshold, 2s error display.
type Config struct {
	// IdleThreshold is how long without an accepted event before the
	// screen is considered frozen.
	IdleThreshold time.Duration
	// ErrorResetDelay is how long an error state is displayed before
	// tracking resets to WAITING.
	ErrorResetDelay time.Duration
}

// Machine evaluates UI events against the current step's target and drives
// the WAITING/CHECKING/MATCHED/COMPLETED/ERROR display state. Errors are
// transient: after ErrorResetDelay the machine returns to WAITING on its
// own. COMPLETED is terminal until the next SetStep.
type Machine struct {
	cfg Config

	mu         sync.Mutex
	state      State
	errKind    ErrorKind
	step       *types.Step
	idleTimer  *time.Timer
	errorTimer *time.Timer

	subsMu sync.Mutex
	subs   map[int]func(Transition)
	nextID int
}

// NewMachine creates a stopped machine. Tracking begins with SetStep.
func NewMachine(cfg Config) *Machine {
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 3 * time.Second
	}
	if cfg.ErrorResetDelay <= 0 {
		cfg.ErrorResetDelay = 2 * time.Second
	}
	return &Machine{
		cfg:   cfg,
		state: StateWaiting,
		subs:  make(map[int]func(Transition)),
	}
}

// SetStep resets tracking for a new step. A nil step stops tracking.
func (m *Machine) SetStep(step *types.Step) {
	m.mu.Lock()
	m.step = step
	m.stopTimersLocked()
	transition := m.transitionLocked(StateWaiting, ErrorNone)
	if step != nil {
		m.armIdleTimerLocked()
	}
	m.mu.Unlock()

	m.notify(transition)
}

// State returns the current display state and error kind.
func (m *Machine) State() (State, ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.errKind
}

// Subscribe registers a transition listener and returns its unsubscribe
// function.
func (m *Machine) Subscribe(fn func(Transition)) func() {
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// Stop cancels all pending timers. The machine can be reused with SetStep.
func (m *Machine) Stop() {
	m.mu.Lock()
	m.stopTimersLocked()
	m.mu.Unlock()
}

// HandleEvent evaluates one UI event against the current step target.
func (m *Machine) HandleEvent(ev UIEvent) {
	if !acceptedEvent(ev.Type) {
		return
	}

	m.mu.Lock()
	if m.step == nil || m.state == StateCompleted || m.state == StateError {
		m.mu.Unlock()
		return
	}

	var transitions []*Transition
	transitions = append(transitions, m.transitionLocked(StateChecking, ErrorNone))
	m.armIdleTimerLocked()

	target := m.step.Target

	// Wrong app preempts element matching entirely.
	if target.Package != "" && ev.Package != "" && ev.Package != target.Package {
		transitions = append(transitions, m.enterErrorLocked(ErrorWrongApp))
		m.mu.Unlock()
		m.notifyAll(transitions)
		return
	}

	matched, decided := matchTarget(target, ev)
	switch {
	case matched:
		m.stopTimersLocked()
		transitions = append(transitions, m.transitionLocked(StateMatched, ErrorNone))
		transitions = append(transitions, m.transitionLocked(StateCompleted, ErrorNone))
	case decided && isTap(ev.Type):
		// A concrete tap on the wrong element is an error, not a miss.
		transitions = append(transitions, m.enterErrorLocked(ErrorWrongClick))
	default:
		transitions = append(transitions, m.transitionLocked(StateWaiting, ErrorNone))
	}
	m.mu.Unlock()

	m.notifyAll(transitions)
}

// enterErrorLocked moves to ERROR and schedules the automatic reset.
func (m *Machine) enterErrorLocked(kind ErrorKind) *Transition {
	transition := m.transitionLocked(StateError, kind)
	if m.errorTimer != nil {
		m.errorTimer.Stop()
	}
	m.errorTimer = time.AfterFunc(m.cfg.ErrorResetDelay, m.resetFromError)
	return transition
}

// resetFromError returns to WAITING after the error display delay.
func (m *Machine) resetFromError() {
	m.mu.Lock()
	if m.state != StateError {
		m.mu.Unlock()
		return
	}
	transition := m.transitionLocked(StateWaiting, ErrorNone)
	if m.step != nil {
		m.armIdleTimerLocked()
	}
	m.mu.Unlock()

	m.notify(transition)
}

// idleExpired flags a frozen screen when no accepted event arrived within
// the idle threshold.
func (m *Machine) idleExpired() {
	m.mu.Lock()
	if m.step == nil || (m.state != StateWaiting && m.state != StateChecking) {
		m.mu.Unlock()
		return
	}
	transition := m.enterErrorLocked(ErrorFrozenScreen)
	m.mu.Unlock()

	m.notify(transition)
}

func (m *Machine) armIdleTimerLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.cfg.IdleThreshold, m.idleExpired)
}

func (m *Machine) stopTimersLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	if m.errorTimer != nil {
		m.errorTimer.Stop()
		m.errorTimer = nil
	}
}

// transitionLocked records a state change. Returns nil when the state is
// unchanged so callers can skip the notification.
func (m *Machine) transitionLocked(to State, kind ErrorKind) *Transition {
	if m.state == to && m.errKind == kind {
		return nil
	}
	t := &Transition{From: m.state, To: to, Error: kind}
	m.state = to
	m.errKind = kind
	return t
}

func (m *Machine) notify(t *Transition) {
	if t == nil {
		return
	}
	m.subsMu.Lock()
	subs := make([]func(Transition), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range subs {
		fn(*t)
	}
}

func (m *Machine) notifyAll(transitions []*Transition) {
	for _, t := range transitions {
		m.notify(t)
	}
}

func acceptedEvent(t EventType) bool {
	switch t {
	case EventClick, EventLongClick, EventScroll, EventTextChange, EventFocus, EventWindowChange:
		return true
	default:
		return false
	}
}

func isTap(t EventType) bool {
	return t == EventClick || t == EventLongClick
}

// matchTarget compares an event against the first non-empty target field,
// in precedence order: view ID, text, content description, bounds, then
// package. The decided flag reports whether an element field was set at
// all; a package-only target never produces a wrong-click error.
func matchTarget(target types.TargetAction, ev UIEvent) (matched, decided bool) {
	switch {
	case target.ViewID != "":
		return matchViewID(target.ViewID, ev.ViewID), true
	case target.Text != "":
		return containsFold(ev.Text, target.Text), true
	case target.ContentDescription != "":
		return containsFold(ev.ContentDescription, target.ContentDescription), true
	case target.Bounds != "":
		return target.Bounds == ev.Bounds, true
	case target.Package != "":
		// Package-only targets complete as soon as the user is in the
		// right app. Mismatches were already handled as wrong-app.
		return ev.Package == target.Package, false
	default:
		return false, false
	}
}

// matchViewID compares resource IDs by the part after the last '/', so
// "com.app:id/button_next" matches a target of "button_next".
func matchViewID(target, actual string) bool {
	if actual == "" {
		return false
	}
	return idSuffix(target) == idSuffix(actual)
}

func idSuffix(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func containsFold(haystack, needle string) bool {
	if haystack == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
