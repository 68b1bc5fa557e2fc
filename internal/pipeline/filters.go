package pipeline

import (
	"regexp"
	"sync"

	"github.com/netrecon/sweeper/internal/event"
)

// FilterVerdict is the outcome of one filter for one event.
type FilterVerdict string

const (
	FilterPass  FilterVerdict = "PASS"
	FilterBlock FilterVerdict = "BLOCK"
	FilterSkip  FilterVerdict = "SKIP"
)

// ChainMode selects how filter verdicts combine.
type ChainMode string

const (
	// ChainAllPass blocks the event if any filter blocks; skips count as pass.
	ChainAllPass ChainMode = "all_pass"
	// ChainAnyPass requires at least one explicit pass.
	ChainAnyPass ChainMode = "any_pass"
)

// Filter examines an event before the pipeline sees it.
type Filter interface {
	Name() string
	Enabled() bool
	Evaluate(ev *event.Event) FilterVerdict
}

// FilterChain is an ordered list of filters applied pre-pipeline.
type FilterChain struct {
	mu      sync.Mutex
	mode    ChainMode
	filters []Filter
	blocked int64
	passed  int64
}

// NewFilterChain constructs a chain in the given mode.
func NewFilterChain(mode ChainMode, filters ...Filter) *FilterChain {
	if mode == "" {
		mode = ChainAllPass
	}
	return &FilterChain{mode: mode, filters: filters}
}

// Add appends a filter.
func (c *FilterChain) Add(f Filter) {
	if f == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, f)
}

// Allow evaluates every enabled filter and combines verdicts per the chain
// mode. An empty chain passes everything.
func (c *FilterChain) Allow(ev *event.Event) bool {
	c.mu.Lock()
	filters := make([]Filter, len(c.filters))
	copy(filters, c.filters)
	mode := c.mode
	c.mu.Unlock()

	allowed := c.evaluate(filters, mode, ev)

	c.mu.Lock()
	if allowed {
		c.passed++
	} else {
		c.blocked++
	}
	c.mu.Unlock()
	return allowed
}

func (c *FilterChain) evaluate(filters []Filter, mode ChainMode, ev *event.Event) bool {
	anyPassed := false

	for _, f := range filters {
		if !f.Enabled() {
			continue
		}
		switch f.Evaluate(ev) {
		case FilterBlock:
			if mode == ChainAllPass {
				return false
			}
		case FilterPass:
			anyPassed = true
		}
	}

	if mode == ChainAnyPass {
		return anyPassed
	}
	return true
}

// Counts returns how many events passed and were blocked.
func (c *FilterChain) Counts() (passed, blocked int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passed, c.blocked
}

// baseFilter carries the shared name/enabled plumbing.
type baseFilter struct {
	name     string
	disabled bool
}

func (b baseFilter) Name() string  { return b.name }
func (b baseFilter) Enabled() bool { return !b.disabled }

// TypeFilter passes events whose type is in the allow set.
type TypeFilter struct {
	baseFilter
	Types map[string]bool
}

// NewTypeFilter builds a TypeFilter over the given types.
func NewTypeFilter(name string, types ...string) *TypeFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return &TypeFilter{baseFilter: baseFilter{name: name}, Types: set}
}

func (f *TypeFilter) Evaluate(ev *event.Event) FilterVerdict {
	if f.Types[ev.Type] {
		return FilterPass
	}
	return FilterBlock
}

// PatternMode selects allow- or deny-list behavior for PatternFilter.
type PatternMode string

const (
	PatternAllow PatternMode = "ALLOW"
	PatternDeny  PatternMode = "DENY"
)

// PatternFilter matches event data against a compiled regex.
type PatternFilter struct {
	baseFilter
	pattern *regexp.Regexp
	mode    PatternMode
}

// NewPatternFilter compiles the expression; invalid patterns are an error.
func NewPatternFilter(name, expr string, mode PatternMode) (*PatternFilter, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	if mode == "" {
		mode = PatternAllow
	}
	return &PatternFilter{baseFilter: baseFilter{name: name}, pattern: re, mode: mode}, nil
}

func (f *PatternFilter) Evaluate(ev *event.Event) FilterVerdict {
	matched := f.pattern.MatchString(ev.Data)
	if f.mode == PatternDeny {
		if matched {
			return FilterBlock
		}
		return FilterPass
	}
	if matched {
		return FilterPass
	}
	return FilterBlock
}

// RiskFilter passes events whose risk lies within [Min, Max].
type RiskFilter struct {
	baseFilter
	Min int
	Max int
}

// NewRiskFilter builds a RiskFilter with the given bounds.
func NewRiskFilter(name string, min, max int) *RiskFilter {
	return &RiskFilter{baseFilter: baseFilter{name: name}, Min: min, Max: max}
}

func (f *RiskFilter) Evaluate(ev *event.Event) FilterVerdict {
	if ev.Risk >= f.Min && ev.Risk <= f.Max {
		return FilterPass
	}
	return FilterBlock
}

// ModuleFilter passes events produced by an allowed module.
type ModuleFilter struct {
	baseFilter
	Modules map[string]bool
}

// NewModuleFilter builds a ModuleFilter over the given module names.
func NewModuleFilter(name string, modules ...string) *ModuleFilter {
	set := make(map[string]bool, len(modules))
	for _, m := range modules {
		set[m] = true
	}
	return &ModuleFilter{baseFilter: baseFilter{name: name}, Modules: set}
}

func (f *ModuleFilter) Evaluate(ev *event.Event) FilterVerdict {
	if f.Modules[ev.Module] {
		return FilterPass
	}
	return FilterBlock
}

// PredicateFilter wraps an arbitrary predicate. A nil predicate skips.
type PredicateFilter struct {
	baseFilter
	Predicate func(ev *event.Event) FilterVerdict
}

// NewPredicateFilter builds a PredicateFilter.
func NewPredicateFilter(name string, predicate func(ev *event.Event) FilterVerdict) *PredicateFilter {
	return &PredicateFilter{baseFilter: baseFilter{name: name}, Predicate: predicate}
}

func (f *PredicateFilter) Evaluate(ev *event.Event) FilterVerdict {
	if f.Predicate == nil {
		return FilterSkip
	}
	return f.Predicate(ev)
}

// Disable turns a filter off; disabled filters are skipped by the chain.
func (b *baseFilter) Disable() { b.disabled = true }

// Enable turns a filter back on.
func (b *baseFilter) Enable() { b.disabled = false }
