package relay

import (
	"errors"
	"log"
	"math"
	"sync"
	"time"
)

var ErrMaxRetriesExceeded = errors.New("max reconnect attempts reached")

// RetryPolicy holds the reconnect constants for relay processes.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   5 * time.Second,
		Factor:      1.3,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns min(base * factor^(attempt-1), max) for a 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Timer is a cancelable one-shot timer.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it through StdAfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func StdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type retryState struct {
	attempts  int
	nextDelay time.Duration
	timer     Timer
	token     uint64
}

// RetryState is a snapshot of one path's reconnect state.
type RetryState struct {
	Attempts  int           `json:"attempts"`
	NextDelay time.Duration `json:"next_delay"`
	Pending   bool          `json:"pending"`
}

// Backoff schedules respawns of failed relay paths with exponential delay.
// Every scheduled timer carries a token; a timer whose token no longer
// matches the path's state does nothing when it fires.
type Backoff struct {
	mu        sync.Mutex
	policy    RetryPolicy
	afterFunc AfterFunc
	states    map[string]*retryState
	abandoned map[string]time.Time
	seq       uint64
}

func NewBackoff(policy RetryPolicy, afterFunc AfterFunc) *Backoff {
	if afterFunc == nil {
		afterFunc = StdAfterFunc
	}
	return &Backoff{
		policy:    policy,
		afterFunc: afterFunc,
		states:    make(map[string]*retryState),
		abandoned: make(map[string]time.Time),
	}
}

// OnAbnormalExit records a failed run of path and schedules respawn.
// Once the attempt count passes MaxAttempts the path is abandoned and
// ErrMaxRetriesExceeded is returned; nothing is scheduled.
func (b *Backoff) OnAbnormalExit(path string, respawn func()) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[path]
	if !ok {
		st = &retryState{}
		b.states[path] = st
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.attempts++

	if st.attempts > b.policy.MaxAttempts {
		delete(b.states, path)
		b.abandoned[path] = time.Now()
		log.Printf("[relay] [%s] Max reconnect attempts (%d) reached. Giving up on this stream.", path, b.policy.MaxAttempts)
		return 0, ErrMaxRetriesExceeded
	}

	delay := b.policy.Delay(st.attempts)
	b.seq++
	token := b.seq
	st.token = token
	st.nextDelay = delay
	st.timer = b.afterFunc(delay, func() { b.fire(path, token, respawn) })

	log.Printf("[relay] [%s] Restarting FFmpeg in %v (attempt %d/%d)", path, delay.Round(time.Second), st.attempts, b.policy.MaxAttempts)
	return delay, nil
}

func (b *Backoff) fire(path string, token uint64, respawn func()) {
	b.mu.Lock()
	st, ok := b.states[path]
	if !ok || st.token != token {
		b.mu.Unlock()
		return
	}
	st.timer = nil
	attempt := st.attempts
	b.mu.Unlock()

	log.Printf("[relay] [%s] Attempting reconnection #%d", path, attempt+1)
	respawn()
}

// Cancel revokes any pending timer and forgets the path, including an
// abandoned mark. Called on explicit removal and after a successful run.
func (b *Backoff) Cancel(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.abandoned, path)
	st, ok := b.states[path]
	if !ok {
		return false
	}
	if st.timer != nil {
		st.timer.Stop()
		log.Printf("[relay] [%s] Cleared pending FFmpeg retry timer.", path)
	}
	delete(b.states, path)
	return true
}

func (b *Backoff) State(path string) (RetryState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[path]
	if !ok {
		return RetryState{}, false
	}
	return RetryState{Attempts: st.attempts, NextDelay: st.nextDelay, Pending: st.timer != nil}, true
}

func (b *Backoff) Abandoned(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.abandoned[path]
	return ok
}

// AbandonedPaths lists every path that ran out of attempts.
func (b *Backoff) AbandonedPaths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.abandoned))
	for p := range b.abandoned {
		out = append(out, p)
	}
	return out
}
