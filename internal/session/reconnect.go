package session

import (
	"sync"
	"time"
)

// Timer is the subset of *time.Timer the reconnector needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. It must not call f synchronously.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Reconnector owns the single pending reconnect timer.
//
// Every Schedule and Cancel bumps an epoch. A fired timer hands its epoch
// to the callback, and the callback must Claim it before reconnecting, so a
// retry that fired concurrently with a logout or terminal close can never
// restart the session.
type Reconnector struct {
	mu        sync.Mutex
	afterFunc AfterFunc
	base      time.Duration
	max       time.Duration
	attempt   int
	next      time.Duration
	timer     Timer
	epoch     uint64
}

// NewReconnector builds a policy with a flat delay of base. When max is
// greater than base the delay doubles per attempt up to max.
func NewReconnector(base, max time.Duration, afterFunc AfterFunc) *Reconnector {
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	r := &Reconnector{afterFunc: afterFunc}
	r.setPolicy(base, max)
	r.next = r.base
	return r
}

// SetPolicy changes the delays. The next scheduled retry uses the new base.
func (r *Reconnector) SetPolicy(base, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setPolicy(base, max)
	r.next = r.base
}

func (r *Reconnector) setPolicy(base, max time.Duration) {
	if base <= 0 {
		base = 5 * time.Second
	}
	r.base = base
	r.max = max
}

// Schedule supersedes any pending retry and arranges for fn to run after
// the current delay. It returns the delay used.
func (r *Reconnector) Schedule(fn func(token uint64)) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.epoch++
	token := r.epoch
	delay := r.next
	r.attempt++
	if r.max > r.base {
		r.next = min(r.next*2, r.max)
	}

	r.timer = r.afterFunc(delay, func() {
		r.mu.Lock()
		if r.epoch == token {
			r.timer = nil
		}
		r.mu.Unlock()
		fn(token)
	})
	return delay
}

// Claim reports whether token is still the live retry and consumes it.
func (r *Reconnector) Claim(token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != token {
		return false
	}
	r.epoch++
	return true
}

// Cancel drops a pending retry. It reports whether one was pending.
func (r *Reconnector) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel()
}

func (r *Reconnector) cancel() bool {
	r.epoch++
	if r.timer == nil {
		return false
	}
	r.timer.Stop()
	r.timer = nil
	return true
}

// Reset cancels any pending retry and returns to {0, base}.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel()
	r.attempt = 0
	r.next = r.base
}

func (r *Reconnector) State() ReconnectState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReconnectState{
		Attempt:   r.attempt,
		NextDelay: r.next,
		Pending:   r.timer != nil,
	}
}
