// Package ratelimit provides per-identity sliding window rate limiting.
// State lives in process memory for the process lifetime; every check
// prunes the window to the trailing hour so no window grows unbounded.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/avsupgw/internal/observability"
)

// Window durations for the two thresholds.
const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Result represents the outcome of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool

	// Reason is the denial message when not allowed.
	Reason string

	// MinuteCount and HourCount are the window populations after the
	// check, the admitted request included.
	MinuteCount int
	HourCount   int

	// RetryAfter is the duration to wait before retrying when denied.
	RetryAfter time.Duration
}

// windowState holds the request timestamps for one identity.
type windowState struct {
	mu       sync.Mutex
	requests []time.Time
}

// Limiter is a dual sliding window rate limiter keyed by identity.
type Limiter struct {
	perMinute int
	perHour   int
	windows   sync.Map
	logger    observability.Logger
	metrics   *Metrics
	now       func() time.Time

	stopMu  sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// Option is a functional option for the limiter.
type Option func(*Limiter)

// WithLogger sets the logger for the limiter.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics for the limiter.
func WithMetrics(metrics *Metrics) Option {
	return func(l *Limiter) {
		l.metrics = metrics
	}
}

// WithClock sets the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter with the given per-minute and per-hour thresholds.
func New(perMinute, perHour int, opts ...Option) *Limiter {
	l := &Limiter{
		perMinute: perMinute,
		perHour:   perHour,
		logger:    observability.NopLogger(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics("gateway")
	}
	return l
}

// Allow checks and records one request for the identity. The window is
// pruned to the trailing hour first; the request is denied when the
// trailing-minute count or the trailing-hour count has reached its
// threshold, and recorded otherwise.
func (l *Limiter) Allow(identity string) *Result {
	now := l.now()
	ws := l.getOrCreateWindowState(identity)

	ws.mu.Lock()
	defer ws.mu.Unlock()

	pruneBefore(ws, now.Add(-hourWindow))

	minuteStart := now.Add(-minuteWindow)
	minuteCount := 0
	for _, t := range ws.requests {
		if t.After(minuteStart) {
			minuteCount++
		}
	}
	hourCount := len(ws.requests)

	if minuteCount >= l.perMinute {
		l.metrics.RecordDecision("denied_minute")
		return &Result{
			Reason:      fmt.Sprintf("Rate limit exceeded: %d requests per minute", l.perMinute),
			MinuteCount: minuteCount,
			HourCount:   hourCount,
			RetryAfter:  retryAfter(ws, now, minuteWindow, minuteCount-l.perMinute+1),
		}
	}

	if hourCount >= l.perHour {
		l.metrics.RecordDecision("denied_hour")
		return &Result{
			Reason:      fmt.Sprintf("Rate limit exceeded: %d requests per hour", l.perHour),
			MinuteCount: minuteCount,
			HourCount:   hourCount,
			RetryAfter:  retryAfter(ws, now, hourWindow, hourCount-l.perHour+1),
		}
	}

	ws.requests = append(ws.requests, now)
	l.metrics.RecordDecision("allowed")
	return &Result{
		Allowed:     true,
		MinuteCount: minuteCount + 1,
		HourCount:   hourCount + 1,
	}
}

// getOrCreateWindowState retrieves or creates the window for an identity.
// LoadOrStore keeps concurrent first-seen callers safe.
func (l *Limiter) getOrCreateWindowState(identity string) *windowState {
	value, _ := l.windows.LoadOrStore(identity, &windowState{})
	return value.(*windowState)
}

// pruneBefore removes requests at or before the cutoff. Caller holds ws.mu.
func pruneBefore(ws *windowState, cutoff time.Time) {
	valid := ws.requests[:0]
	for _, t := range ws.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ws.requests = valid
}

// retryAfter estimates when enough entries will have left the window for
// one more request to fit. Caller holds ws.mu.
func retryAfter(ws *windowState, now time.Time, window time.Duration, excess int) time.Duration {
	windowStart := now.Add(-window)
	seen := 0
	for _, t := range ws.requests {
		if t.After(windowStart) {
			seen++
			if seen == excess {
				d := t.Add(window).Sub(now)
				if d < 0 {
					return 0
				}
				return d
			}
		}
	}
	return window
}

// Reset drops the window for an identity.
func (l *Limiter) Reset(identity string) {
	l.windows.Delete(identity)
}

// Cleanup removes windows whose every entry is older than the hour
// window, reclaiming memory for identities that went quiet.
func (l *Limiter) Cleanup() {
	cutoff := l.now().Add(-hourWindow)

	l.windows.Range(func(key, value interface{}) bool {
		ws := value.(*windowState)
		ws.mu.Lock()
		stale := true
		for _, t := range ws.requests {
			if t.After(cutoff) {
				stale = false
				break
			}
		}
		ws.mu.Unlock()

		if stale {
			l.windows.Delete(key)
		}
		return true
	})
}

// StartCleanup runs Cleanup on the given interval until Stop is called.
func (l *Limiter) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()
	if !l.stopped {
		l.stopped = true
		close(l.stopCh)
	}
}
