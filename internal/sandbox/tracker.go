// Package sandbox executes module code under per-module resource limits
// and isolates module faults from the rest of the scan.
package sandbox

import (
	"sync"
	"time"

	"github.com/netrecon/sweeper/internal/errs"
)

// ResourceLimits parameterize one module's sandbox.
type ResourceLimits struct {
	MaxExecution   time.Duration // wall-clock cap; zero means unlimited
	MaxEvents      int           // events per invocation; zero means unlimited
	MaxErrors      int           // soft failure count
	MaxHTTPReqs    int           // HTTP calls via the engine facility
	RatePerSecond  float64       // token-bucket cap on external requests
	MaxMemoryMB    int           // best-effort
}

// DefaultLimits returns the limits applied when no override exists.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxExecution: 5 * time.Minute,
		MaxEvents:    10000,
		MaxErrors:    50,
		MaxHTTPReqs:  1000,
	}
}

// Usage is a point-in-time snapshot of tracked consumption.
type Usage struct {
	Elapsed   time.Duration
	Events    int
	Errors    int
	HTTPReqs  int
}

// ResourceTracker counts a module invocation's consumption against its
// limits. Each increment reports whether the limit is now exceeded; the
// module is expected to call CheckLimits at its own checkpoints.
type ResourceTracker struct {
	limits ResourceLimits
	start  time.Time

	mu       sync.Mutex
	events   int
	errors   int
	httpReqs int

	tokens     float64
	lastRefill time.Time
}

// NewTracker starts the monotonic clock for one invocation.
func NewTracker(limits ResourceLimits) *ResourceTracker {
	now := time.Now()
	return &ResourceTracker{
		limits:     limits,
		start:      now,
		tokens:     limits.RatePerSecond,
		lastRefill: now,
	}
}

// Elapsed returns wall-clock time since the tracker started.
func (t *ResourceTracker) Elapsed() time.Duration {
	return time.Since(t.start)
}

// CountEvent increments the event counter; true means the limit is exceeded.
func (t *ResourceTracker) CountEvent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events++
	return t.limits.MaxEvents > 0 && t.events > t.limits.MaxEvents
}

// CountError increments the error counter; true means the limit is exceeded.
func (t *ResourceTracker) CountError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors++
	return t.limits.MaxErrors > 0 && t.errors > t.limits.MaxErrors
}

// CountHTTPRequest increments the HTTP counter; true means the limit is
// exceeded.
func (t *ResourceTracker) CountHTTPRequest() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.httpReqs++
	return t.limits.MaxHTTPReqs > 0 && t.httpReqs > t.limits.MaxHTTPReqs
}

// AllowRequest consumes a rate-limit token if one is available. An
// unconfigured rate limit always allows.
func (t *ResourceTracker) AllowRequest() bool {
	if t.limits.RatePerSecond <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.tokens += now.Sub(t.lastRefill).Seconds() * t.limits.RatePerSecond
	if t.tokens > t.limits.RatePerSecond {
		t.tokens = t.limits.RatePerSecond
	}
	t.lastRefill = now

	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}

// CheckLimits reports the first limit violation, or nil.
func (t *ResourceTracker) CheckLimits() error {
	if t.limits.MaxExecution > 0 && t.Elapsed() >= t.limits.MaxExecution {
		return errs.Newf(errs.KindTimeout, "check_limits", "execution time %.2fs exceeds %.2fs",
			t.Elapsed().Seconds(), t.limits.MaxExecution.Seconds())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limits.MaxEvents > 0 && t.events > t.limits.MaxEvents {
		return errs.Newf(errs.KindResourceExceeded, "check_limits", "event count %d exceeds %d", t.events, t.limits.MaxEvents)
	}
	if t.limits.MaxErrors > 0 && t.errors > t.limits.MaxErrors {
		return errs.Newf(errs.KindResourceExceeded, "check_limits", "error count %d exceeds %d", t.errors, t.limits.MaxErrors)
	}
	if t.limits.MaxHTTPReqs > 0 && t.httpReqs > t.limits.MaxHTTPReqs {
		return errs.Newf(errs.KindResourceExceeded, "check_limits", "http request count %d exceeds %d", t.httpReqs, t.limits.MaxHTTPReqs)
	}
	return nil
}

// Snapshot returns the current usage counters.
func (t *ResourceTracker) Snapshot() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Usage{
		Elapsed:  time.Since(t.start),
		Events:   t.events,
		Errors:   t.errors,
		HTTPReqs: t.httpReqs,
	}
}
