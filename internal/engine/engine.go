// Package engine owns the scan lifecycle: it admits the seed target,
// resolves module order, runs modules against the bus under sandbox
// limits, persists every surviving event, and hands finished scans to
// the correlation engine.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/netrecon/sweeper/internal/bus"
	"github.com/netrecon/sweeper/internal/config"
	"github.com/netrecon/sweeper/internal/correlation"
	"github.com/netrecon/sweeper/internal/errs"
	"github.com/netrecon/sweeper/internal/event"
	"github.com/netrecon/sweeper/internal/logging"
	"github.com/netrecon/sweeper/internal/metrics"
	"github.com/netrecon/sweeper/internal/module"
	"github.com/netrecon/sweeper/internal/orchestrator"
	"github.com/netrecon/sweeper/internal/pipeline"
	"github.com/netrecon/sweeper/internal/policy"
	"github.com/netrecon/sweeper/internal/resolver"
	"github.com/netrecon/sweeper/internal/sandbox"
	"github.com/netrecon/sweeper/internal/storage"
)

// Engine creates and tracks scans.
type Engine struct {
	cfg      config.Config
	registry *module.Registry
	store    *storage.Store
	log      zerolog.Logger

	mu    sync.Mutex
	scans map[string]*Scan
}

// New builds an engine over a module registry and an open store.
func New(cfg config.Config, registry *module.Registry, store *storage.Store) *Engine {
	return &Engine{
		cfg:      cfg,
		registry: registry,
		store:    store,
		log:      logging.With("engine"),
		scans:    make(map[string]*Scan),
	}
}

// Store exposes the engine's event store.
func (e *Engine) Store() *storage.Store { return e.store }

// ScanOptions shape one scan run.
type ScanOptions struct {
	Name    string
	Target  string
	Modules []string // empty means every registered module
	Policy  policy.Policy
	Options map[string]map[string]string // per-module option values
}

// Scan is one in-flight or finished scan.
type Scan struct {
	ID     string
	Name   string
	target *event.Target

	engine    *Engine
	cfg       config.ScanConfig
	bus       *bus.Bus
	pipe      *pipeline.Pipeline
	chain     *pipeline.FilterChain
	policy    *policy.Engine
	orch      *orchestrator.Orchestrator
	sandboxes *sandbox.Manager
	metrics   *metrics.Collector
	streamer  *correlation.Streamer
	options   map[string]map[string]string
	log       zerolog.Logger

	moduleNames []string

	mu       sync.Mutex
	status   storage.ScanStatus
	stopping bool
	trackers map[string]*sandbox.ResourceTracker
	modules  map[string]module.Module
	failed   map[string]bool
	started  time.Time
}

// NewScan validates the target against the policy and prepares a scan.
func (e *Engine) NewScan(opts ScanOptions) (*Scan, error) {
	target, err := event.NewTarget(opts.Target, event.DetectTargetType(opts.Target))
	if err != nil {
		return nil, err
	}

	pol := policy.NewEngine(opts.Policy)
	if decision := pol.AdmitTarget(target); !decision.Allowed {
		return nil, errs.Newf(errs.KindValidation, "new_scan", "target rejected: %s", decision.Reason)
	}

	limits := sandbox.ResourceLimits{
		MaxExecution:  e.cfg.Scan.ModuleTimeout,
		MaxEvents:     e.cfg.Scan.ModuleMaxEvents,
		MaxErrors:     e.cfg.Scan.ModuleMaxErrors,
		MaxHTTPReqs:   e.cfg.Scan.ModuleMaxRequests,
		RatePerSecond: 0,
	}

	s := &Scan{
		ID:        uuid.New().String(),
		Name:      opts.Name,
		target:    target,
		engine:    e,
		cfg:       e.cfg.Scan,
		bus:       bus.New(bus.Config{QueueSize: e.cfg.Scan.QueueSize}),
		pipe:      pipeline.New(),
		chain:     pipeline.NewFilterChain(pipeline.ChainAllPass),
		policy:    pol,
		orch:      orchestrator.New(),
		sandboxes: sandbox.NewManager(limits),
		metrics:   metrics.NewCollector(),
		streamer:  correlation.NewStreamer(),
		options:   opts.Options,
		status:    storage.StatusStarting,
		trackers:  make(map[string]*sandbox.ResourceTracker),
		modules:   make(map[string]module.Module),
		failed:    make(map[string]bool),
	}
	if s.Name == "" {
		s.Name = opts.Target
	}
	s.log = logging.With("scan").With().Str("scanID", s.ID).Logger()

	// Every published event passes the filter chain before fan-out.
	s.bus.SetGate(s.chain.Allow)

	if err := e.store.CreateScan(s.ID, s.Name, opts.Target); err != nil {
		return nil, err
	}

	s.moduleNames = opts.Modules
	if len(s.moduleNames) == 0 {
		s.moduleNames = e.registry.Names()
	}
	filtered := s.moduleNames[:0]
	for _, name := range s.moduleNames {
		if decision := pol.AdmitModule(name); decision.Allowed {
			filtered = append(filtered, name)
		} else {
			s.log.Info().Str("module", name).Str("reason", decision.Reason).Msg("Module excluded by policy")
		}
	}
	s.moduleNames = filtered
	if len(s.moduleNames) == 0 {
		return nil, errs.Newf(errs.KindValidation, "new_scan", "no modules admitted by policy")
	}

	e.mu.Lock()
	e.scans[s.ID] = s
	e.mu.Unlock()
	return s, nil
}

// Scan returns a tracked scan by id.
func (e *Engine) Scan(id string) (*Scan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.scans[id]
	return s, ok
}

// Status returns the scan's current status.
func (s *Scan) Status() storage.ScanStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Pipeline exposes the scan's event pipeline for stage configuration
// before Run.
func (s *Scan) Pipeline() *pipeline.Pipeline { return s.pipe }

// FilterChain exposes the scan's publish gate for filter configuration
// before Run.
func (s *Scan) FilterChain() *pipeline.FilterChain { return s.chain }

// Streamer exposes the scan's live correlator for rule registration
// before Run.
func (s *Scan) Streamer() *correlation.Streamer { return s.streamer }

// Metrics exposes the scan's metrics collector.
func (s *Scan) Metrics() *metrics.Collector { return s.metrics }

// RequestAbort asks a running scan to stop at the next checkpoint.
func (s *Scan) RequestAbort() {
	s.mu.Lock()
	if s.status == storage.StatusRunning || s.status == storage.StatusStarted || s.status == storage.StatusStarting {
		s.stopping = true
		s.status = storage.StatusAbortRequested
	}
	s.mu.Unlock()
	_ = s.engine.store.SetScanStatus(s.ID, storage.StatusAbortRequested)
}

func (s *Scan) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Scan) setStatus(status storage.ScanStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	if err := s.engine.store.SetScanStatus(s.ID, status); err != nil {
		s.log.Error().Err(err).Str("status", string(status)).Msg("Failed to persist scan status")
	}
}

// Run executes the scan to a terminal status. It blocks until every
// module settles, the context is canceled, or an abort is requested.
func (s *Scan) Run(ctx context.Context) error {
	result := s.run(ctx)
	switch {
	case result != nil:
		s.orch.Fail(result.Error())
		s.setStatus(storage.StatusErrorFailed)
		return result
	case s.stopRequested():
		s.setStatus(storage.StatusAborted)
		return nil
	default:
		s.setStatus(storage.StatusFinished)
		return nil
	}
}

func (s *Scan) run(ctx context.Context) error {
	descriptors, err := s.engine.registry.Describe(s.moduleNames)
	if err != nil {
		return err
	}

	res := resolver.New(descriptors)
	result := res.Resolve()
	if result.Status == resolver.StatusCircular {
		return errs.Newf(errs.KindCircularDependency, "run_scan",
			"module dependency cycle: %s", formatCycles(result.Cycles))
	}
	for _, missing := range result.MissingProviders {
		s.log.Warn().
			Str("module", missing.Module).
			Str("eventType", missing.EventType).
			Msg("No provider for required event type")
	}

	// Layer i gets priority len(order)-i so earlier layers sort first.
	for i, layer := range result.Layers {
		for _, name := range layer {
			if err := s.orch.Register(orchestrator.Registration{
				Module:        name,
				Phase:         orchestrator.PhaseDiscovery,
				Priority:      len(result.LoadOrder) - i,
				Prerequisites: res.GetDependencies(name),
			}); err != nil {
				return err
			}
		}
	}

	if err := s.orch.Start(); err != nil {
		return err
	}
	s.setStatus(storage.StatusStarted)
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	busCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.setupModules(busCtx, result); err != nil {
		return err
	}
	s.bus.Start(busCtx)
	defer s.bus.Stop()

	s.setStatus(storage.StatusRunning)

	root, err := event.NewRoot(s.target.Value)
	if err != nil {
		return err
	}
	if err := s.engine.store.StoreEvent(s.ID, root); err != nil {
		return err
	}
	if err := s.bus.Publish(root); err != nil {
		return err
	}

	s.waitQuiet(ctx)
	s.settleModules()
	s.closeModules()

	if s.orch.PhaseAllFailed(orchestrator.PhaseDiscovery) && !s.producedEvents() {
		return errs.Newf(errs.KindInternal, "run_scan",
			"every discovery module failed before producing events")
	}

	// Walk the remaining phases so the lifecycle reaches COMPLETE.
	for !s.orch.IsComplete() {
		if s.orch.Phase() == orchestrator.PhaseReporting {
			s.report()
		}
		s.orch.AdvancePhase()
	}
	return nil
}

// setupModules instantiates each admitted module, runs Setup inside its
// sandbox, and subscribes it to the bus. Setups within a resolver layer
// run concurrently, bounded by the worker count. A module whose Setup
// fails is disabled for the rest of the scan; the scan only fails when
// no module is left to run.
func (s *Scan) setupModules(ctx context.Context, result resolver.Result) error {
	descriptorsByName := make(map[string]module.Descriptor)
	descriptors, err := s.engine.registry.Describe(result.LoadOrder)
	if err != nil {
		return err
	}
	for _, d := range descriptors {
		descriptorsByName[d.Name] = d
	}

	started := 0
	for _, layer := range result.Layers {
		g, _ := errgroup.WithContext(ctx)
		if s.cfg.Workers > 0 {
			g.SetLimit(s.cfg.Workers)
		}
		var mu sync.Mutex
		prepared := make(map[string]module.Module)

		for _, name := range layer {
			name := name
			g.Go(func() error {
				mod, err := s.engine.registry.New(name)
				if err != nil {
					s.failModule(name, err)
					return nil
				}
				sb := s.sandboxes.Sandbox(name)
				res := sb.Execute(func(_ *sandbox.ResourceTracker) (int, error) {
					return 0, mod.Setup(&handle{scan: s, module: name})
				})
				s.sandboxes.Record(res)
				if res.Err != nil {
					s.failModule(name, fmt.Errorf("module %s setup: %w", name, res.Err))
					return nil
				}
				mu.Lock()
				prepared[name] = mod
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		for _, name := range layer {
			mod, ok := prepared[name]
			if !ok {
				continue
			}
			desc := descriptorsByName[name]
			if err := s.subscribeModule(mod, desc); err != nil {
				return err
			}
			started++
		}
	}

	if started == 0 {
		return errs.Newf(errs.KindConfig, "setup_modules", "no module could start")
	}
	return nil
}

func (s *Scan) subscribeModule(mod module.Module, desc module.Descriptor) error {
	name := desc.Name
	tracker := sandbox.NewTracker(s.sandboxes.Limits(name))

	s.mu.Lock()
	s.trackers[name] = tracker
	s.modules[name] = mod
	s.mu.Unlock()

	consumes := append([]string{}, desc.Consumes...)
	consumes = append(consumes, desc.OptionalConsumes...)
	if len(consumes) == 0 {
		consumes = []string{event.RootType}
	}

	handler := func(ev *event.Event) error {
		if s.stopRequested() {
			return nil
		}
		s.metrics.RecordConsumed(name)

		start := time.Now()
		err := mod.HandleEvent(ev)
		s.metrics.ObserveHandle(name, time.Since(start))
		if err != nil {
			s.metrics.RecordError(name)
			if tracker.CountError() {
				s.failModule(name, errs.Newf(errs.KindResourceExceeded, "handle_event",
					"module %s exceeded its error budget", name))
			}
			return err
		}
		if err := tracker.CheckLimits(); err != nil {
			s.failModule(name, err)
		}
		return nil
	}

	s.orch.ModuleStarted(name)
	return s.bus.Subscribe(name, consumes, handler)
}

// failModule marks a module failed and refuses its further emissions.
func (s *Scan) failModule(name string, err error) {
	s.mu.Lock()
	already := s.failed[name]
	s.failed[name] = true
	s.mu.Unlock()
	if already {
		return
	}

	s.log.Warn().Err(err).Str("module", name).Msg("Module disabled for the rest of the scan")
	s.bus.Refuse(name)
	s.orch.ModuleFailed(name, err)
}

// waitQuiet polls bus statistics until no new events move for several
// consecutive intervals, an abort arrives, or the context ends. Runtime
// and event budgets are enforced upstream at event admission, so an
// exhausted scan quiesces on its own.
func (s *Scan) waitQuiet(ctx context.Context) {
	const (
		interval  = 25 * time.Millisecond
		idleCount = 4
	)
	var last bus.Stats
	idle := 0
	for {
		if s.stopRequested() || ctx.Err() != nil {
			return
		}
		time.Sleep(interval)
		stats := s.bus.Stats()
		if stats == last {
			idle++
			if idle >= idleCount {
				return
			}
		} else {
			idle = 0
			last = stats
		}
	}
}

// producedEvents reports whether any module emitted at least one event,
// failed or not.
func (s *Scan) producedEvents() bool {
	for _, m := range s.metrics.Snapshot() {
		if m.EventsEmitted > 0 {
			return true
		}
	}
	return false
}

// settleModules reports completion counts to the orchestrator for every
// module that did not fail.
func (s *Scan) settleModules() {
	s.mu.Lock()
	failed := make(map[string]bool, len(s.failed))
	for name := range s.failed {
		failed[name] = true
	}
	names := make([]string, 0, len(s.modules))
	for name := range s.modules {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if failed[name] {
			continue
		}
		m := s.metrics.Module(name)
		s.orch.ModuleCompleted(name, int(m.EventsEmitted))
	}
}

func (s *Scan) closeModules() {
	s.mu.Lock()
	mods := make(map[string]module.Module, len(s.modules))
	for name, mod := range s.modules {
		mods[name] = mod
	}
	s.mu.Unlock()

	for name, mod := range mods {
		if err := mod.Close(); err != nil {
			s.log.Warn().Err(err).Str("module", name).Msg("Module close failed")
		}
	}
}

func (s *Scan) report() {
	stats := s.bus.Stats()
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	s.log.Info().
		Dur("elapsed", time.Since(started)).
		Int64("published", stats.Published).
		Int64("delivered", stats.Delivered).
		Int64("gated", stats.Gated).
		Int64("refused", stats.Refused).
		Int("modules", len(s.moduleNames)).
		Strs("failedSandboxes", s.sandboxes.FailedModules()).
		Msg("Scan finished")
	for _, m := range s.metrics.Snapshot() {
		s.log.Debug().
			Str("module", m.Module).
			Int64("consumed", m.EventsConsumed).
			Int64("emitted", m.EventsEmitted).
			Int64("errors", m.Errors).
			Dur("meanHandle", m.MeanHandleTime()).
			Msg("Module totals")
	}
}

// Correlate runs the batch rule correlator over this scan. The scan must
// already be terminal.
func (s *Scan) Correlate(rules []*correlation.Rule) ([]correlation.Finding, error) {
	c := correlation.NewCorrelator(s.engine.store, event.NewTypeRegistry())
	return c.Run(s.ID, rules)
}

func formatCycles(cycles [][]string) string {
	parts := make([]string, 0, len(cycles))
	for _, cycle := range cycles {
		parts = append(parts, strings.Join(cycle, " -> "))
	}
	return strings.Join(parts, "; ")
}
