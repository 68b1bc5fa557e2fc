package sandbox

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the lifecycle of one sandbox execution.
type State string

const (
	StateIdle      State = "IDLE"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateTimedOut  State = "TIMED_OUT"
	StateKilled    State = "KILLED"
)

// Func is the module work executed inside a sandbox. The tracker is passed
// so the module can count consumption and check limits cooperatively.
type Func func(tracker *ResourceTracker) (eventsProduced int, err error)

// Result summarizes one sandboxed execution.
type Result struct {
	Module         string
	State          State
	EventsProduced int
	Errors         int
	Duration       time.Duration
	Err            error
	Usage          Usage
}

// CompleteFunc observes a finished execution. Panics in the callback are
// trapped and never fail the sandbox.
type CompleteFunc func(Result)

// Sandbox wraps one module's executions with resource limits.
type Sandbox struct {
	module string
	limits ResourceLimits

	mu         sync.Mutex
	state      State
	onComplete []CompleteFunc
	detached   bool
}

// New builds a sandbox for a module.
func New(module string, limits ResourceLimits) *Sandbox {
	return &Sandbox{module: module, limits: limits, state: StateIdle}
}

// Module returns the module name the sandbox guards.
func (s *Sandbox) Module() string { return s.module }

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Detached reports whether a timed-out worker is still running in the
// background. Emissions from a detached worker must be refused.
func (s *Sandbox) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// OnComplete registers a post-execution callback.
func (s *Sandbox) OnComplete(cb CompleteFunc) {
	if cb == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, cb)
}

// Execute runs fn inline under a fresh tracker. Panics map to FAILED.
func (s *Sandbox) Execute(fn Func) Result {
	s.setState(StateRunning)
	tracker := NewTracker(s.limits)

	result := s.run(fn, tracker)
	s.finish(result)
	return result
}

// ExecuteWithTimeout runs fn on a separate goroutine joined with the
// wall-clock limit. A worker still running at the deadline is detached:
// termination is best-effort and its later emissions are discarded.
func (s *Sandbox) ExecuteWithTimeout(fn Func) Result {
	if s.limits.MaxExecution <= 0 {
		return s.Execute(fn)
	}

	s.setState(StateRunning)
	tracker := NewTracker(s.limits)
	done := make(chan Result, 1)

	go func() {
		done <- s.run(fn, tracker)
	}()

	select {
	case result := <-done:
		s.finish(result)
		return result
	case <-time.After(s.limits.MaxExecution):
		s.mu.Lock()
		s.detached = true
		s.mu.Unlock()

		result := Result{
			Module:   s.module,
			State:    StateTimedOut,
			Duration: tracker.Elapsed(),
			Err:      fmt.Errorf("module %s exceeded %.2fs wall clock", s.module, s.limits.MaxExecution.Seconds()),
			Usage:    tracker.Snapshot(),
		}
		s.finish(result)
		log.Warn().
			Str("module", s.module).
			Dur("limit", s.limits.MaxExecution).
			Msg("Module timed out; worker detached")
		return result
	}
}

// run executes fn, trapping panics as failures.
func (s *Sandbox) run(fn Func, tracker *ResourceTracker) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Module:   s.module,
				State:    StateFailed,
				Duration: tracker.Elapsed(),
				Err:      fmt.Errorf("module %s panicked: %v", s.module, r),
				Usage:    tracker.Snapshot(),
			}
		}
	}()

	events, err := fn(tracker)
	usage := tracker.Snapshot()

	result = Result{
		Module:         s.module,
		EventsProduced: events,
		Errors:         usage.Errors,
		Duration:       tracker.Elapsed(),
		Usage:          usage,
	}

	if err != nil {
		result.State = StateFailed
		result.Err = err
		return result
	}
	if limitErr := tracker.CheckLimits(); limitErr != nil {
		result.State = StateFailed
		result.Err = limitErr
		return result
	}
	result.State = StateCompleted
	return result
}

func (s *Sandbox) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// finish stores the terminal state and fires completion callbacks.
func (s *Sandbox) finish(result Result) {
	s.mu.Lock()
	s.state = result.State
	callbacks := make([]CompleteFunc, len(s.onComplete))
	copy(callbacks, s.onComplete)
	s.mu.Unlock()

	for _, cb := range callbacks {
		s.safeCallback(cb, result)
	}
}

func (s *Sandbox) safeCallback(cb CompleteFunc, result Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Str("module", s.module).
				Interface("panic", r).
				Msg("Sandbox completion callback panicked")
		}
	}()
	cb(result)
}

// Manager maintains one sandbox per module and collects results.
type Manager struct {
	defaults ResourceLimits

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
	overrides map[string]ResourceLimits
	results   []Result
}

// NewManager builds a manager with default limits for unlisted modules.
func NewManager(defaults ResourceLimits) *Manager {
	return &Manager{
		defaults:  defaults,
		sandboxes: make(map[string]*Sandbox),
		overrides: make(map[string]ResourceLimits),
	}
}

// SetLimits overrides the limits for one module. Takes effect on the next
// sandbox creation for that module.
func (m *Manager) SetLimits(module string, limits ResourceLimits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[module] = limits
}

// Limits returns the effective limits for a module.
func (m *Manager) Limits(module string) ResourceLimits {
	m.mu.Lock()
	defer m.mu.Unlock()
	if override, ok := m.overrides[module]; ok {
		return override
	}
	return m.defaults
}

// Sandbox returns the sandbox for a module, creating it on first use. Two
// requests for the same module yield the same instance.
func (m *Manager) Sandbox(module string) *Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sb, ok := m.sandboxes[module]; ok {
		return sb
	}
	limits := m.defaults
	if override, ok := m.overrides[module]; ok {
		limits = override
	}
	sb := New(module, limits)
	m.sandboxes[module] = sb
	return sb
}

// Record stores an execution result for later summary.
func (m *Manager) Record(result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
}

// Results returns a copy of every recorded result.
func (m *Manager) Results() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result(nil), m.results...)
}

// FailedModules returns the distinct modules with a non-completed result.
func (m *Manager) FailedModules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	for _, r := range m.results {
		if r.State != StateCompleted {
			seen[r.Module] = true
		}
	}
	failed := make([]string, 0, len(seen))
	for name := range seen {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	return failed
}
