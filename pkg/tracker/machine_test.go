package tracker

import (
	"sync"
	"testing"
	"time"

	"lockstep/pkg/types"
)

// longTimers keeps the machine's background timers out of the way for tests
// that only exercise event matching.
var longTimers = Config{IdleThreshold: time.Hour, ErrorResetDelay: time.Hour}

func newTrackedMachine(t *testing.T, cfg Config, step *types.Step) (*Machine, *transitionLog) {
	t.Helper()
	m := NewMachine(cfg)
	t.Cleanup(m.Stop)

	log := &transitionLog{}
	unsubscribe := m.Subscribe(log.record)
	t.Cleanup(unsubscribe)

	m.SetStep(step)
	return m, log
}

type transitionLog struct {
	mu          sync.Mutex
	transitions []Transition
}

func (l *transitionLog) record(t Transition) {
	l.mu.Lock()
	l.transitions = append(l.transitions, t)
	l.mu.Unlock()
}

func (l *transitionLog) last() (Transition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.transitions) == 0 {
		return Transition{}, false
	}
	return l.transitions[len(l.transitions)-1], true
}

func (l *transitionLog) waitForState(t *testing.T, want State) Transition {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if last, ok := l.last(); ok && last.To == want {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for state %s", want)
	return Transition{}
}

func stepWithTarget(target types.TargetAction) *types.Step {
	return &types.Step{ID: 1, Title: "Tap the button", Target: target}
}

func assertState(t *testing.T, m *Machine, wantState State, wantKind ErrorKind) {
	t.Helper()
	state, kind := m.State()
	if state != wantState || kind != wantKind {
		t.Fatalf("Expected %s/%s, got %s/%s", wantState, wantKind, state, kind)
	}
}

func TestViewIDMatchCompletes(t *testing.T) {
	m, log := newTrackedMachine(t, longTimers, stepWithTarget(types.TargetAction{ViewID: "button_next"}))

	m.HandleEvent(UIEvent{Type: EventClick, ViewID: "com.example.app:id/button_next"})

	assertState(t, m, StateCompleted, ErrorNone)
	if last, _ := log.last(); last.From != StateMatched || last.To != StateCompleted {
		t.Errorf("Expected MATCHED->COMPLETED last, got %+v", last)
	}
}

func TestTextMatchIsCaseInsensitiveContains(t *testing.T) {
	m, _ := newTrackedMachine(t, longTimers, stepWithTarget(types.TargetAction{Text: "settings"}))

	m.HandleEvent(UIEvent{Type: EventClick, Text: "Open Settings Menu"})

	assertState(t, m, StateCompleted, ErrorNone)
}

func TestContentDescriptionMatch(t *testing.T) {
	m, _ := newTrackedMachine(t, longTimers, stepWithTarget(types.TargetAction{ContentDescription: "navigate up"}))

	m.HandleEvent(UIEvent{Type: EventClick, ContentDescription: "Navigate up"})

	assertState(t, m, StateCompleted, ErrorNone)
}

func TestBoundsMatchIsExact(t *testing.T) {
	step := stepWithTarget(types.TargetAction{Bounds: "[0,0][100,50]"})
	m, _ := newTrackedMachine(t, longTimers, step)

	m.HandleEvent(UIEvent{Type: EventScroll, Bounds: "[0,0][100,51]"})
	assertState(t, m, StateWaiting, ErrorNone)

	m.HandleEvent(UIEvent{Type: EventClick, Bounds: "[0,0][100,50]"})
	assertState(t, m, StateCompleted, ErrorNone)
}

func TestViewIDTakesPrecedenceOverText(t *testing.T) {
	step := stepWithTarget(types.TargetAction{ViewID: "button_next", Text: "Next"})
	m, _ := newTrackedMachine(t, longTimers, step)

	// Text matches but the view ID does not: precedence says no match,
	// and a concrete tap miss is a wrong click.
	m.HandleEvent(UIEvent{Type: EventClick, ViewID: "id/button_back", Text: "Next"})
	assertState(t, m, StateError, ErrorWrongClick)
}

func TestWrongAppPreemptsMatching(t *testing.T) {
	step := stepWithTarget(types.TargetAction{Package: "com.example.app", ViewID: "button_next"})
	m, _ := newTrackedMachine(t, longTimers, step)

	// The element would match, but the event came from another app.
	m.HandleEvent(UIEvent{Type: EventClick, Package: "com.other.app", ViewID: "id/button_next"})

	assertState(t, m, StateError, ErrorWrongApp)
}

func TestWrongClickOnlyForTaps(t *testing.T) {
	step := stepWithTarget(types.TargetAction{ViewID: "button_next"})

	m, _ := newTrackedMachine(t, longTimers, step)
	m.HandleEvent(UIEvent{Type: EventScroll, ViewID: "id/other"})
	assertState(t, m, StateWaiting, ErrorNone)

	m.HandleEvent(UIEvent{Type: EventLongClick, ViewID: "id/other"})
	assertState(t, m, StateError, ErrorWrongClick)
}

func TestPackageOnlyTargetCompletesOnRightApp(t *testing.T) {
	step := stepWithTarget(types.TargetAction{Package: "com.example.app"})
	m, log := newTrackedMachine(t, longTimers, step)

	// No element fields set: landing in the target app is the match.
	m.HandleEvent(UIEvent{Type: EventWindowChange, Package: "com.example.app"})

	assertState(t, m, StateCompleted, ErrorNone)
	if last, _ := log.last(); last.From != StateMatched || last.To != StateCompleted {
		t.Errorf("Expected MATCHED->COMPLETED last, got %+v", last)
	}
}

func TestPackageOnlyTargetNeverWrongClick(t *testing.T) {
	step := stepWithTarget(types.TargetAction{Package: "com.example.app"})
	m, _ := newTrackedMachine(t, longTimers, step)

	// A tap carrying no package info is undecided, not an error.
	m.HandleEvent(UIEvent{Type: EventClick, ViewID: "id/anything"})
	assertState(t, m, StateWaiting, ErrorNone)
}

func TestIgnoredEventTypes(t *testing.T) {
	m, log := newTrackedMachine(t, longTimers, stepWithTarget(types.TargetAction{ViewID: "button_next"}))
	before := len(log.transitions)

	m.HandleEvent(UIEvent{Type: "hover", ViewID: "id/button_next"})
	m.HandleEvent(UIEvent{Type: "", ViewID: "id/button_next"})

	assertState(t, m, StateWaiting, ErrorNone)
	log.mu.Lock()
	after := len(log.transitions)
	log.mu.Unlock()
	if after != before {
		t.Errorf("Expected no transitions for ignored events")
	}
}

func TestCompletedIsTerminalUntilNextStep(t *testing.T) {
	m, _ := newTrackedMachine(t, longTimers, stepWithTarget(types.TargetAction{ViewID: "button_next"}))

	m.HandleEvent(UIEvent{Type: EventClick, ViewID: "id/button_next"})
	assertState(t, m, StateCompleted, ErrorNone)

	m.HandleEvent(UIEvent{Type: EventClick, ViewID: "id/other"})
	assertState(t, m, StateCompleted, ErrorNone)

	m.SetStep(stepWithTarget(types.TargetAction{ViewID: "button_done"}))
	assertState(t, m, StateWaiting, ErrorNone)
}

func TestNilStepStopsTracking(t *testing.T) {
	m, _ := newTrackedMachine(t, longTimers, nil)

	m.HandleEvent(UIEvent{Type: EventClick, ViewID: "id/button_next"})
	assertState(t, m, StateWaiting, ErrorNone)
}

func TestFrozenScreenAfterIdleThreshold(t *testing.T) {
	cfg := Config{IdleThreshold: 30 * time.Millisecond, ErrorResetDelay: time.Hour}
	m, log := newTrackedMachine(t, cfg, stepWithTarget(types.TargetAction{ViewID: "button_next"}))

	transition := log.waitForState(t, StateError)
	if transition.Error != ErrorFrozenScreen {
		t.Errorf("Expected FROZEN_SCREEN, got %s", transition.Error)
	}
	assertState(t, m, StateError, ErrorFrozenScreen)
}

func TestAcceptedEventResetsIdleTimer(t *testing.T) {
	cfg := Config{IdleThreshold: 80 * time.Millisecond, ErrorResetDelay: time.Hour}
	m, _ := newTrackedMachine(t, cfg, stepWithTarget(types.TargetAction{ViewID: "button_next"}))

	// Keep nudging the machine inside the threshold: never frozen.
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		m.HandleEvent(UIEvent{Type: EventScroll})
	}
	state, kind := m.State()
	if kind == ErrorFrozenScreen {
		t.Errorf("Expected no frozen screen while events flow, got %s/%s", state, kind)
	}
}

func TestErrorAutoResets(t *testing.T) {
	cfg := Config{IdleThreshold: time.Hour, ErrorResetDelay: 30 * time.Millisecond}
	m, log := newTrackedMachine(t, cfg, stepWithTarget(types.TargetAction{ViewID: "button_next"}))

	m.HandleEvent(UIEvent{Type: EventClick, ViewID: "id/other"})
	assertState(t, m, StateError, ErrorWrongClick)

	// Events during the error display are ignored.
	m.HandleEvent(UIEvent{Type: EventClick, ViewID: "id/button_next"})
	assertState(t, m, StateError, ErrorWrongClick)

	log.waitForState(t, StateWaiting)
	assertState(t, m, StateWaiting, ErrorNone)

	// After the reset the step can still be completed.
	m.HandleEvent(UIEvent{Type: EventClick, ViewID: "id/button_next"})
	assertState(t, m, StateCompleted, ErrorNone)
}

func TestStopCancelsTimers(t *testing.T) {
	cfg := Config{IdleThreshold: 20 * time.Millisecond, ErrorResetDelay: time.Hour}
	m, _ := newTrackedMachine(t, cfg, stepWithTarget(types.TargetAction{ViewID: "button_next"}))

	m.Stop()
	time.Sleep(60 * time.Millisecond)
	assertState(t, m, StateWaiting, ErrorNone)
}
