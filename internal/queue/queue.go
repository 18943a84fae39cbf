// Package queue implements per-client admission control.
//
// Requests from one client identity are dispatched FIFO with a minimum delay
// between consecutive dispatch starts. Clients whose Referer matches the
// exempt allowlist bypass the queue entirely and dispatch immediately, with
// no ordering guarantee relative to anything else.
//
// Scheduling happens in a single reservation step under the queue lock:
// each arrival is assigned its dispatch time up front and then sleeps until
// that time on its own. A request that fails or is cancelled after
// reservation therefore never delays the requests behind it beyond the slot
// it already held.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Defaults. Both are configuration, not invariants — see Options.
const (
	DefaultInterval   = 6 * time.Second
	DefaultMaxPending = 60

	// slotIdleTTL is how long an idle client slot survives before the
	// background sweep removes it.
	slotIdleTTL = 10 * time.Minute

	sweepInterval = time.Minute
)

// TooManyRequestsError is returned when a client's pending count exceeds the
// ceiling. Carries the observed queue size and the ceiling for the 429 body.
type TooManyRequestsError struct {
	QueueSize    int
	MaxQueueSize int
}

func (e *TooManyRequestsError) Error() string {
	return fmt.Sprintf("queue full: %d pending requests (max %d)", e.QueueSize, e.MaxQueueSize)
}

// Options tunes the queue. Zero values use the defaults.
type Options struct {
	// Interval is the minimum delay between dispatch starts for one
	// non-exempt client identity.
	Interval time.Duration

	// MaxPending is the per-client pending ceiling; admissions beyond it
	// fail fast with TooManyRequestsError.
	MaxPending int

	// ExemptReferrers lists Referer values that bypass the queue.
	ExemptReferrers []string
}

// slot is the per-client-identity queue state. All fields are guarded by the
// owning Queue's mutex; the struct itself holds no lock.
type slot struct {
	pending int
	nextAt  time.Time
	lastUse time.Time
}

// Queue is the process-wide admission gate. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	slots map[string]*slot

	interval   time.Duration
	maxPending int
	exempt     map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Queue and starts the idle-slot sweep. The sweep stops when
// ctx is cancelled or Close is called.
func New(ctx context.Context, opts Options) *Queue {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}

	exempt := make(map[string]struct{}, len(opts.ExemptReferrers))
	for _, r := range opts.ExemptReferrers {
		if r != "" {
			exempt[r] = struct{}{}
		}
	}

	q := &Queue{
		slots:      make(map[string]*slot),
		interval:   interval,
		maxPending: maxPending,
		exempt:     exempt,
		done:       make(chan struct{}),
	}
	go q.sweep(ctx)
	return q
}

// Interval returns the configured minimum inter-dispatch delay.
func (q *Queue) Interval() time.Duration { return q.interval }

// Exempt reports whether the referrer bypasses the queue.
func (q *Queue) Exempt(referrer string) bool {
	_, ok := q.exempt[referrer]
	return ok
}

// Admit blocks until it is the caller's turn to dispatch, or until ctx is
// done. Exempt referrers return immediately. Returns TooManyRequestsError
// when the client's pending count is at the ceiling.
func (q *Queue) Admit(ctx context.Context, key, referrer string) error {
	if q.Exempt(referrer) {
		return nil
	}

	wait, cancelReservation, err := q.reserve(key)
	if err != nil {
		return err
	}

	if wait <= 0 {
		q.admitted(key)
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		q.admitted(key)
		return nil
	case <-ctx.Done():
		cancelReservation()
		return ctx.Err()
	case <-q.done:
		cancelReservation()
		return fmt.Errorf("queue: shutting down")
	}
}

// reserve assigns the caller a dispatch time in one step under the lock and
// returns how long to wait for it. The returned cancel func gives the
// pending slot back if the caller abandons the wait; the reserved dispatch
// time itself is not reclaimed, leaving a gap rather than reordering later
// arrivals.
func (q *Queue) reserve(key string) (wait time.Duration, cancel func(), err error) {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.slots[key]
	if s == nil {
		s = &slot{nextAt: now}
		q.slots[key] = s
	}

	if s.pending >= q.maxPending {
		return 0, nil, &TooManyRequestsError{
			QueueSize:    s.pending,
			MaxQueueSize: q.maxPending,
		}
	}

	scheduled := s.nextAt
	if scheduled.Before(now) {
		scheduled = now
	}
	s.nextAt = scheduled.Add(q.interval)
	s.pending++
	s.lastUse = now

	return scheduled.Sub(now), func() { q.release(key) }, nil
}

// admitted removes the caller from the pending count once it dispatches.
func (q *Queue) admitted(key string) { q.release(key) }

func (q *Queue) release(key string) {
	q.mu.Lock()
	if s := q.slots[key]; s != nil && s.pending > 0 {
		s.pending--
		s.lastUse = time.Now()
	}
	q.mu.Unlock()
}

// Pending returns the number of requests currently queued for key.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s := q.slots[key]; s != nil {
		return s.pending
	}
	return 0
}

// Len returns the number of tracked client slots.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}

// Close stops the sweep goroutine and unblocks all waiters with an error.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// sweep removes slots that have been idle past slotIdleTTL.
func (q *Queue) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-slotIdleTTL)
			q.mu.Lock()
			for key, s := range q.slots {
				if s.pending == 0 && s.lastUse.Before(cutoff) && s.nextAt.Before(time.Now()) {
					delete(q.slots, key)
				}
			}
			q.mu.Unlock()
		case <-ctx.Done():
			return
		case <-q.done:
			return
		}
	}
}
