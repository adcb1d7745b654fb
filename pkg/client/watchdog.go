package client

import (
	"sync"
	"time"
)

// Watchdog fires a callback once after a fixed delay unless cancelled.
// Arming an already-armed watchdog restarts the delay; the last writer
// wins, so only one expiry can ever be pending.
type Watchdog struct {
	timeout  time.Duration
	onExpire func()

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatchdog creates a watchdog that invokes onExpire after timeout.
func NewWatchdog(timeout time.Duration, onExpire func()) *Watchdog {
	return &Watchdog{
		timeout:  timeout,
		onExpire: onExpire,
	}
}

// Arm starts or restarts the countdown.
func (w *Watchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.timeout, w.onExpire)
}

// Cancel stops any pending countdown. No-op when not armed.
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
