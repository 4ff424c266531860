package shaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultDebounceDelay = 300 * time.Millisecond
	DefaultThrottleWait  = time.Second
)

var (
	// SupersededErr resolves a debounced caller whose queued call was
	// replaced by a later one under the same key.
	SupersededErr = errors.New("debounced call superseded")

	// CancelledErr resolves waiters abandoned via Cancel or CancelAll.
	CancelledErr = errors.New("shaped call cancelled")
)

// ThrottledError reports a call skipped inside an active throttle window,
// carrying how many calls that window has skipped so far.
type ThrottledError struct {
	Key     string
	Skipped int
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("call %q throttled (%d skipped in window)", e.Key, e.Skipped)
}

// CallFunc is the deferred work a shaped call eventually executes.
type CallFunc func(ctx context.Context) (any, error)

type outcome struct {
	value any
	err   error
}

type debounceEntry struct {
	timer  *time.Timer
	waiter chan outcome
}

type throttleEntry struct {
	windowStart time.Time
	skipped     int
}

// Shaper coalesces or rate-limits repeated calls sharing a key. Debounce
// collapses a burst into one execution of the last requested call; throttle
// allows one execution per window and skips the rest. At most one debounced
// and one throttled invocation is pending per key.
type Shaper struct {
	debounceDelay time.Duration
	throttleWait  time.Duration
	nowFunc       func() time.Time
	logger        zerolog.Logger

	lock      sync.Mutex
	debounced map[string]*debounceEntry
	throttled map[string]*throttleEntry
}

type Option func(*Shaper)

// WithDebounceDelay sets the quiet period before a debounced call runs.
func WithDebounceDelay(d time.Duration) Option {
	return func(s *Shaper) {
		s.debounceDelay = d
	}
}

// WithThrottleWait sets the throttle window length.
func WithThrottleWait(d time.Duration) Option {
	return func(s *Shaper) {
		s.throttleWait = d
	}
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) Option {
	return func(s *Shaper) {
		s.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Shaper) {
		s.logger = logger
	}
}

func New(options ...Option) *Shaper {
	s := &Shaper{
		debounceDelay: DefaultDebounceDelay,
		throttleWait:  DefaultThrottleWait,
		nowFunc:       time.Now,
		logger:        zerolog.Nop(),
		debounced:     make(map[string]*debounceEntry),
		throttled:     make(map[string]*throttleEntry),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Debounce schedules fn under key after the quiet period. A later call under
// the same key replaces this one, resolving the earlier caller with
// SupersededErr. The winning caller blocks until fn runs (or ctx ends).
func (s *Shaper) Debounce(ctx context.Context, key string, fn CallFunc) (any, error) {
	waiter := make(chan outcome, 1)

	s.lock.Lock()
	if prev, ok := s.debounced[key]; ok {
		prev.timer.Stop()
		prev.waiter <- outcome{err: SupersededErr}
	}

	entry := &debounceEntry{waiter: waiter}
	entry.timer = time.AfterFunc(s.debounceDelay, func() {
		s.lock.Lock()
		if s.debounced[key] != entry {
			// Superseded or cancelled after the timer fired; the replacing
			// call already resolved this waiter.
			s.lock.Unlock()
			return
		}
		delete(s.debounced, key)
		s.lock.Unlock()

		value, err := fn(ctx)
		waiter <- outcome{value: value, err: err}
	})
	s.debounced[key] = entry
	s.lock.Unlock()

	select {
	case out := <-waiter:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Throttle executes fn immediately when no window is active for key and
// opens one. Calls landing inside the window are skipped with a
// *ThrottledError; they are never queued.
func (s *Shaper) Throttle(ctx context.Context, key string, fn CallFunc) (any, error) {
	s.lock.Lock()
	now := s.nowFunc()
	entry, ok := s.throttled[key]
	if ok && now.Sub(entry.windowStart) < s.throttleWait {
		entry.skipped++
		skipped := entry.skipped
		s.lock.Unlock()
		return nil, &ThrottledError{Key: key, Skipped: skipped}
	}
	s.throttled[key] = &throttleEntry{windowStart: now}
	s.lock.Unlock()

	return fn(ctx)
}

// Cancel abandons pending shaped work for key. Safe when nothing is pending.
func (s *Shaper) Cancel(key string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if entry, ok := s.debounced[key]; ok {
		entry.timer.Stop()
		entry.waiter <- outcome{err: CancelledErr}
		delete(s.debounced, key)
	}
	delete(s.throttled, key)
}

// CancelAll abandons every pending debounced call and closes every throttle
// window.
func (s *Shaper) CancelAll() {
	s.lock.Lock()
	defer s.lock.Unlock()

	for key, entry := range s.debounced {
		entry.timer.Stop()
		entry.waiter <- outcome{err: CancelledErr}
		delete(s.debounced, key)
	}
	s.throttled = make(map[string]*throttleEntry)
}

// PendingDebounces returns the number of keys with a scheduled debounce.
func (s *Shaper) PendingDebounces() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.debounced)
}
