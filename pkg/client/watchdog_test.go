package client

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchdogFires(t *testing.T) {
	var fired atomic.Int32
	w := NewWatchdog(20*time.Millisecond, func() { fired.Add(1) })

	w.Arm()
	waitFor(t, func() bool { return fired.Load() == 1 })

	// Single-shot: no second firing without re-arming.
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("Expected 1 firing, got %d", got)
	}
}

func TestWatchdogCancel(t *testing.T) {
	var fired atomic.Int32
	w := NewWatchdog(20*time.Millisecond, func() { fired.Add(1) })

	w.Arm()
	w.Cancel()

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("Expected no firing after cancel, got %d", got)
	}

	// Cancel when idle is a no-op.
	w.Cancel()
}

func TestWatchdogRearmRestartsCountdown(t *testing.T) {
	var fired atomic.Int32
	w := NewWatchdog(60*time.Millisecond, func() { fired.Add(1) })

	w.Arm()
	time.Sleep(40 * time.Millisecond)
	w.Arm() // restart: the first countdown must not fire

	time.Sleep(40 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("Expected no firing yet, got %d", got)
	}

	waitFor(t, func() bool { return fired.Load() == 1 })
}

func TestWatchdogRearmAfterExpiry(t *testing.T) {
	var fired atomic.Int32
	w := NewWatchdog(10*time.Millisecond, func() { fired.Add(1) })

	w.Arm()
	waitFor(t, func() bool { return fired.Load() == 1 })

	w.Arm()
	waitFor(t, func() bool { return fired.Load() == 2 })
}
