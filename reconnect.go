package feedmux

import (
	"math"
	"sync"
	"time"
)

// ReconnectPolicy decides how long to wait before the next connection
// attempt after an unintentional close. attempt starts at 1 and resets to 0
// once the server assigns a fresh identity.
type ReconnectPolicy interface {
	NextDelay(attempt int) time.Duration
}

// FixedDelay waits the same amount of time between every attempt. It is the
// default policy, at DefaultReconnectDelay.
type FixedDelay time.Duration

func (d FixedDelay) NextDelay(int) time.Duration {
	return time.Duration(d)
}

// ExponentialBackoff grows the delay exponentially with the attempt count,
// capped at Max. Base scales the curve; a zero Base means one second.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) NextDelay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}

	factor := (math.Pow(2.0, float64(attempt)) - 1) / 2
	delay := time.Duration(factor * float64(base))

	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// retryTimer holds at most one pending reconnection attempt. A schedule
// request while one is pending is a no-op; stop deterministically cancels a
// pending attempt so no stray reconnect fires after an intentional
// shutdown.
type retryTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

func newRetryTimer() *retryTimer {
	return &retryTimer{}
}

// schedule arms the timer; fn runs after d unless stop is called first.
// Returns false when an attempt is already pending.
func (t *retryTimer) schedule(d time.Duration, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending {
		return false
	}

	t.pending = true
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		t.pending = false
		t.mu.Unlock()
		fn()
	})
	return true
}

// stop cancels a pending attempt, if any.
func (t *retryTimer) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = false
}

func (t *retryTimer) isPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}
