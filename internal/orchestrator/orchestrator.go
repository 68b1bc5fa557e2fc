// Package orchestrator owns the scan lifecycle: the fixed phase sequence,
// per-phase module bookkeeping, and completion detection.
package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netrecon/sweeper/internal/errs"
)

// Phase is one coarse-grained step of the scan lifecycle.
type Phase string

const (
	PhaseInit        Phase = "INIT"
	PhaseDiscovery   Phase = "DISCOVERY"
	PhaseEnumeration Phase = "ENUMERATION"
	PhaseAnalysis    Phase = "ANALYSIS"
	PhaseEnrichment  Phase = "ENRICHMENT"
	PhaseCorrelation Phase = "CORRELATION"
	PhaseReporting   Phase = "REPORTING"
	PhaseComplete    Phase = "COMPLETE"
	PhaseFailed      Phase = "FAILED"
)

// phaseOrder is the monotonic sequence; FAILED is reachable from anywhere.
var phaseOrder = []Phase{
	PhaseInit, PhaseDiscovery, PhaseEnumeration, PhaseAnalysis,
	PhaseEnrichment, PhaseCorrelation, PhaseReporting, PhaseComplete,
}

// Registration binds a module to a phase with a priority and optional
// prerequisite modules.
type Registration struct {
	Module        string
	Phase         Phase
	Priority      int
	Prerequisites []string
}

// PhaseChangeFunc observes phase transitions. Errors are trapped.
type PhaseChangeFunc func(from, to Phase)

// CompletionFunc observes terminal transitions.
type CompletionFunc func(final Phase, failReason string)

// Counters aggregates per-phase module accounting.
type Counters struct {
	Started   int
	Completed int
	Failed    int
	Events    int
}

// Orchestrator drives one scan through the phase machine. All mutation
// serializes on the internal lock.
type Orchestrator struct {
	mu sync.Mutex

	phase      Phase
	started    time.Time
	phaseStart time.Time
	durations  map[Phase]time.Duration
	failReason string

	registrations map[string]Registration
	running       map[string]bool
	completed     map[string]bool
	failed        map[string]bool
	counters      map[Phase]*Counters

	onPhaseChange []PhaseChangeFunc
	onCompletion  []CompletionFunc
}

// New returns an orchestrator in INIT.
func New() *Orchestrator {
	return &Orchestrator{
		phase:         PhaseInit,
		durations:     make(map[Phase]time.Duration),
		registrations: make(map[string]Registration),
		running:       make(map[string]bool),
		completed:     make(map[string]bool),
		failed:        make(map[string]bool),
		counters:      make(map[Phase]*Counters),
	}
}

// Register binds a module to a phase before the scan starts.
func (o *Orchestrator) Register(reg Registration) error {
	if reg.Module == "" {
		return errs.Newf(errs.KindValidation, "register", "module name is required")
	}
	if reg.Phase == "" {
		reg.Phase = PhaseDiscovery
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhaseInit {
		return errs.Newf(errs.KindValidation, "register", "cannot register %q after scan start", reg.Module)
	}
	o.registrations[reg.Module] = reg
	return nil
}

// OnPhaseChange registers a phase transition callback.
func (o *Orchestrator) OnPhaseChange(cb PhaseChangeFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onPhaseChange = append(o.onPhaseChange, cb)
}

// OnCompletion registers a terminal transition callback.
func (o *Orchestrator) OnCompletion(cb CompletionFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onCompletion = append(o.onCompletion, cb)
}

// Start snapshots the start time and moves INIT -> DISCOVERY.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.phase != PhaseInit {
		o.mu.Unlock()
		return errs.Newf(errs.KindValidation, "start", "scan already started (phase %s)", o.phase)
	}
	o.started = time.Now()
	o.phaseStart = o.started
	o.mu.Unlock()

	o.AdvancePhase()
	return nil
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// IsComplete reports whether the scan is in a terminal phase.
func (o *Orchestrator) IsComplete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase == PhaseComplete || o.phase == PhaseFailed
}

// AdvancePhase records the current phase duration and moves to the next
// phase in sequence. Idempotent after COMPLETE or FAILED.
func (o *Orchestrator) AdvancePhase() {
	o.mu.Lock()
	if o.phase == PhaseComplete || o.phase == PhaseFailed {
		o.mu.Unlock()
		return
	}

	from := o.phase
	o.durations[from] = time.Since(o.phaseStart)
	o.phaseStart = time.Now()

	next := PhaseComplete
	for i, p := range phaseOrder {
		if p == from && i+1 < len(phaseOrder) {
			next = phaseOrder[i+1]
			break
		}
	}
	o.phase = next
	callbacks := append([]PhaseChangeFunc(nil), o.onPhaseChange...)
	o.mu.Unlock()

	log.Info().Str("from", string(from)).Str("to", string(next)).Msg("Scan phase advanced")
	for _, cb := range callbacks {
		o.safePhaseCallback(cb, from, next)
	}

	if next == PhaseComplete {
		o.fireCompletion(PhaseComplete, "")
	}
}

// ModuleStarted records a module entering execution.
func (o *Orchestrator) ModuleStarted(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[name] = true
	o.phaseCounters().Started++
}

// ModuleCompleted records a successful module run and its event output.
func (o *Orchestrator) ModuleCompleted(name string, eventsProduced int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, name)
	o.completed[name] = true
	c := o.phaseCounters()
	c.Completed++
	c.Events += eventsProduced
}

// ModuleFailed records a failed module run. Module failure is not fatal.
func (o *Orchestrator) ModuleFailed(name string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, name)
	o.failed[name] = true
	o.phaseCounters().Failed++
	log.Warn().Err(err).Str("module", name).Msg("Module failed")
}

// CanRunModule reports whether every prerequisite of the module completed.
func (o *Orchestrator) CanRunModule(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	reg, ok := o.registrations[name]
	if !ok {
		return false
	}
	for _, prereq := range reg.Prerequisites {
		if !o.completed[prereq] {
			return false
		}
	}
	return true
}

// PhaseModules returns the modules registered for a phase, in descending
// priority order (name as tie-break).
func (o *Orchestrator) PhaseModules(phase Phase) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	regs := make([]Registration, 0)
	for _, reg := range o.registrations {
		if reg.Phase == phase {
			regs = append(regs, reg)
		}
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Priority == regs[j].Priority {
			return regs[i].Module < regs[j].Module
		}
		return regs[i].Priority > regs[j].Priority
	})

	names := make([]string, len(regs))
	for i, reg := range regs {
		names[i] = reg.Module
	}
	return names
}

// AllModulesSettled reports whether every registered module completed or
// failed. Empty registration settles immediately.
func (o *Orchestrator) AllModulesSettled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for name := range o.registrations {
		if !o.completed[name] && !o.failed[name] {
			return false
		}
	}
	return true
}

// PhaseAllFailed reports whether every module of the phase failed without
// producing anything.
func (o *Orchestrator) PhaseAllFailed(phase Phase) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	total := 0
	for _, reg := range o.registrations {
		if reg.Phase == phase {
			total++
			if !o.failed[reg.Module] {
				return false
			}
		}
	}
	if total == 0 {
		return false
	}
	c := o.counters[phase]
	return c == nil || c.Events == 0
}

// Complete moves the scan to COMPLETE from whatever phase it is in.
func (o *Orchestrator) Complete() {
	o.terminal(PhaseComplete, "")
}

// Fail moves the scan to FAILED with a reason.
func (o *Orchestrator) Fail(reason string) {
	o.terminal(PhaseFailed, reason)
}

func (o *Orchestrator) terminal(phase Phase, reason string) {
	o.mu.Lock()
	if o.phase == PhaseComplete || o.phase == PhaseFailed {
		o.mu.Unlock()
		return
	}
	o.durations[o.phase] = time.Since(o.phaseStart)
	o.phase = phase
	o.failReason = reason
	o.mu.Unlock()

	o.fireCompletion(phase, reason)
}

func (o *Orchestrator) fireCompletion(phase Phase, reason string) {
	o.mu.Lock()
	callbacks := append([]CompletionFunc(nil), o.onCompletion...)
	o.mu.Unlock()

	for _, cb := range callbacks {
		o.safeCompletionCallback(cb, phase, reason)
	}
}

func (o *Orchestrator) safePhaseCallback(cb PhaseChangeFunc, from, to Phase) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("Phase change callback panicked")
		}
	}()
	cb(from, to)
}

func (o *Orchestrator) safeCompletionCallback(cb CompletionFunc, phase Phase, reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("Completion callback panicked")
		}
	}()
	cb(phase, reason)
}

// phaseCounters returns the counter struct for the current phase. Caller
// must hold the lock.
func (o *Orchestrator) phaseCounters() *Counters {
	c, ok := o.counters[o.phase]
	if !ok {
		c = &Counters{}
		o.counters[o.phase] = c
	}
	return c
}

// PhaseCounters returns a copy of the counters for a phase.
func (o *Orchestrator) PhaseCounters(phase Phase) Counters {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.counters[phase]; ok {
		return *c
	}
	return Counters{}
}

// PhaseDuration returns how long a finished phase took.
func (o *Orchestrator) PhaseDuration(phase Phase) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.durations[phase]
}

// FailReason returns the reason recorded by Fail.
func (o *Orchestrator) FailReason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failReason
}

// Completed reports whether the named module finished successfully.
func (o *Orchestrator) Completed(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completed[name]
}

// Failed reports whether the named module failed.
func (o *Orchestrator) Failed(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failed[name]
}
