package harness

import (
	"sync"
	"time"
)

type guardState int

const (
	guardArmed guardState = iota
	guardCanceled
	guardFired
)

// Guard is a one-shot countdown tied to a single invocation. The timer
// callback and the caller share only the Guard, so whether it fired is
// decided in one place.
type Guard struct {
	mu    sync.Mutex
	state guardState
	timer *time.Timer
}

// Arm starts a countdown that calls onExpire after timeout. It returns nil
// when timeout is not positive; a nil Guard never fires.
func Arm(timeout time.Duration, onExpire func()) *Guard {
	if timeout <= 0 {
		return nil
	}

	g := &Guard{}
	g.timer = time.AfterFunc(timeout, func() {
		g.mu.Lock()
		if g.state != guardArmed {
			g.mu.Unlock()
			return
		}
		g.state = guardFired
		g.mu.Unlock()

		onExpire()
	})

	return g
}

// Cancel disarms the Guard and reports whether this call did so.
// Canceling a fired or already canceled Guard is a no-op.
func (g *Guard) Cancel() bool {
	if g == nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != guardArmed {
		return false
	}

	g.state = guardCanceled
	g.timer.Stop()

	return true
}

// Fired reports whether the countdown expired before Cancel.
func (g *Guard) Fired() bool {
	if g == nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.state == guardFired
}
