package sandbox

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netrecon/sweeper/internal/errs"
)

func TestExecuteCompleted(t *testing.T) {
	sb := New("dns", DefaultLimits())

	result := sb.Execute(func(tracker *ResourceTracker) (int, error) {
		tracker.CountEvent()
		tracker.CountEvent()
		return 2, nil
	})

	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 2, result.EventsProduced)
	assert.NoError(t, result.Err)
	assert.Equal(t, 2, result.Usage.Events)
	assert.Equal(t, StateCompleted, sb.State())
}

func TestExecuteFailure(t *testing.T) {
	sb := New("dns", DefaultLimits())

	result := sb.Execute(func(tracker *ResourceTracker) (int, error) {
		return 0, errors.New("upstream unreachable")
	})

	assert.Equal(t, StateFailed, result.State)
	assert.Error(t, result.Err)
}

func TestExecutePanicMapsToFailed(t *testing.T) {
	sb := New("dns", DefaultLimits())

	result := sb.Execute(func(tracker *ResourceTracker) (int, error) {
		panic("module bug")
	})

	assert.Equal(t, StateFailed, result.State)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "panicked")
}

func TestEventLimitExceeded(t *testing.T) {
	sb := New("noisy", ResourceLimits{MaxEvents: 3})

	result := sb.Execute(func(tracker *ResourceTracker) (int, error) {
		for i := 0; i < 5; i++ {
			tracker.CountEvent()
		}
		return 5, nil
	})

	assert.Equal(t, StateFailed, result.State)
	assert.True(t, errs.IsKind(result.Err, errs.KindResourceExceeded))
}

func TestExecuteWithTimeout(t *testing.T) {
	sb := New("sleeper", ResourceLimits{MaxExecution: 50 * time.Millisecond})

	result := sb.ExecuteWithTimeout(func(tracker *ResourceTracker) (int, error) {
		time.Sleep(1 * time.Second)
		return 0, nil
	})

	// I6: TIMED_OUT implies elapsed >= limit.
	assert.Equal(t, StateTimedOut, result.State)
	assert.GreaterOrEqual(t, result.Duration, 50*time.Millisecond)
	assert.True(t, sb.Detached())
}

func TestExecuteWithTimeoutFastPath(t *testing.T) {
	sb := New("quick", ResourceLimits{MaxExecution: time.Second})

	result := sb.ExecuteWithTimeout(func(tracker *ResourceTracker) (int, error) {
		return 1, nil
	})

	assert.Equal(t, StateCompleted, result.State)
	assert.False(t, sb.Detached())
}

func TestCompletedImpliesNoViolation(t *testing.T) {
	// I6: COMPLETED implies CheckLimits found nothing.
	sb := New("clean", ResourceLimits{MaxEvents: 10, MaxErrors: 5})

	var tracked *ResourceTracker
	result := sb.Execute(func(tracker *ResourceTracker) (int, error) {
		tracked = tracker
		tracker.CountEvent()
		return 1, nil
	})

	assert.Equal(t, StateCompleted, result.State)
	assert.NoError(t, tracked.CheckLimits())
}

func TestOnCompleteCallback(t *testing.T) {
	sb := New("dns", DefaultLimits())

	var got []Result
	sb.OnComplete(func(r Result) { got = append(got, r) })
	sb.OnComplete(func(r Result) { panic("callback bug") })

	result := sb.Execute(func(tracker *ResourceTracker) (int, error) { return 0, nil })

	assert.Equal(t, StateCompleted, result.State)
	require.Len(t, got, 1)
	assert.Equal(t, StateCompleted, got[0].State)
}

func TestTrackerRateLimit(t *testing.T) {
	tracker := NewTracker(ResourceLimits{RatePerSecond: 2})

	assert.True(t, tracker.AllowRequest())
	assert.True(t, tracker.AllowRequest())
	assert.False(t, tracker.AllowRequest())

	// Unconfigured rate always allows.
	open := NewTracker(ResourceLimits{})
	for i := 0; i < 100; i++ {
		assert.True(t, open.AllowRequest())
	}
}

func TestTrackerCheckLimitsFirstViolation(t *testing.T) {
	tracker := NewTracker(ResourceLimits{MaxErrors: 1, MaxHTTPReqs: 1})
	tracker.CountError()
	assert.NoError(t, tracker.CheckLimits())

	exceeded := tracker.CountError()
	assert.True(t, exceeded)
	err := tracker.CheckLimits()
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindResourceExceeded))
}

func TestManagerReusesSandboxes(t *testing.T) {
	mgr := NewManager(DefaultLimits())

	a := mgr.Sandbox("dns")
	b := mgr.Sandbox("dns")
	assert.Same(t, a, b)
	assert.NotSame(t, a, mgr.Sandbox("whois"))
}

func TestManagerOverridesAndSummary(t *testing.T) {
	mgr := NewManager(DefaultLimits())
	mgr.SetLimits("strict", ResourceLimits{MaxEvents: 1})

	sb := mgr.Sandbox("strict")
	result := sb.Execute(func(tracker *ResourceTracker) (int, error) {
		tracker.CountEvent()
		tracker.CountEvent()
		return 2, nil
	})
	mgr.Record(result)

	ok := mgr.Sandbox("fine").Execute(func(tracker *ResourceTracker) (int, error) { return 0, nil })
	mgr.Record(ok)

	assert.Len(t, mgr.Results(), 2)
	assert.Equal(t, []string{"strict"}, mgr.FailedModules())
}
