// Package resolver builds the producer/consumer dependency graph over
// module descriptors and derives a deterministic, layered load order.
package resolver

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/netrecon/sweeper/internal/event"
	"github.com/netrecon/sweeper/internal/module"
)

// Status reports the outcome of a resolution pass.
type Status string

const (
	StatusResolved        Status = "RESOLVED"
	StatusMissingProvider Status = "MISSING_PROVIDER"
	StatusCircular        Status = "CIRCULAR"
)

// MissingProvider records a consume declaration nothing produces.
type MissingProvider struct {
	Module    string
	EventType string
}

// Result is the full output of a resolution pass.
type Result struct {
	Status           Status
	LoadOrder        []string
	Layers           [][]string
	Cycles           [][]string
	MissingProviders []MissingProvider
}

// Resolver indexes module descriptors by the event types they produce and
// consume, and answers graph queries over the resulting DAG.
type Resolver struct {
	descriptors map[string]module.Descriptor
	producers   map[string][]string // event type -> producing modules
	consumers   map[string][]string // event type -> consuming modules
	edges       map[string]map[string]bool // producer -> consumers
	reverse     map[string]map[string]bool // consumer -> producers
	missing     []MissingProvider
}

// New builds the graph for a set of module descriptors.
func New(descriptors []module.Descriptor) *Resolver {
	r := &Resolver{
		descriptors: make(map[string]module.Descriptor, len(descriptors)),
		producers:   make(map[string][]string),
		consumers:   make(map[string][]string),
		edges:       make(map[string]map[string]bool),
		reverse:     make(map[string]map[string]bool),
	}

	for _, d := range descriptors {
		r.descriptors[d.Name] = d
		r.edges[d.Name] = make(map[string]bool)
		r.reverse[d.Name] = make(map[string]bool)
		for _, produced := range d.Produces {
			r.producers[produced] = append(r.producers[produced], d.Name)
		}
	}

	for _, d := range descriptors {
		for _, consumed := range d.Consumes {
			if consumed == module.ConsumeAll {
				continue
			}
			r.consumers[consumed] = append(r.consumers[consumed], d.Name)
			producers := r.producers[consumed]
			if len(producers) == 0 {
				// The engine itself produces the root event.
				if consumed != event.RootType {
					r.missing = append(r.missing, MissingProvider{Module: d.Name, EventType: consumed})
				}
				continue
			}
			for _, p := range producers {
				if p == d.Name {
					continue // self-loops dropped
				}
				r.edges[p][d.Name] = true
				r.reverse[d.Name][p] = true
			}
		}
		// Optional consumes contribute ordering edges but never report
		// missing providers.
		for _, consumed := range d.OptionalConsumes {
			r.consumers[consumed] = append(r.consumers[consumed], d.Name)
			for _, p := range r.producers[consumed] {
				if p == d.Name {
					continue
				}
				r.edges[p][d.Name] = true
				r.reverse[d.Name][p] = true
			}
		}
	}

	for t := range r.producers {
		sort.Strings(r.producers[t])
	}
	for t := range r.consumers {
		sort.Strings(r.consumers[t])
	}

	return r
}

// Resolve detects cycles and, absent any, produces the layered load order.
func (r *Resolver) Resolve() Result {
	result := Result{MissingProviders: append([]MissingProvider(nil), r.missing...)}

	cycles := r.findCycles()
	if len(cycles) > 0 {
		result.Status = StatusCircular
		result.Cycles = cycles
		log.Warn().Int("cycles", len(cycles)).Msg("Module dependency graph is circular")
		return result
	}

	result.Layers = r.kahnLayers()
	for _, layer := range result.Layers {
		result.LoadOrder = append(result.LoadOrder, layer...)
	}

	if len(result.MissingProviders) > 0 {
		result.Status = StatusMissingProvider
		for _, mp := range result.MissingProviders {
			log.Warn().
				Str("module", mp.Module).
				Str("eventType", mp.EventType).
				Msg("No provider for consumed event type")
		}
	} else {
		result.Status = StatusResolved
	}

	return result
}

// findCycles runs a three-color DFS and collects every cycle discovered.
func (r *Resolver) findCycles() [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(r.descriptors))
	var cycles [][]string
	var stack []string

	var visit func(node string)
	visit = func(node string) {
		color[node] = gray
		stack = append(stack, node)

		for _, next := range sortedKeys(r.edges[node]) {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// Back edge: slice out the cycle from the stack.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle := append([]string(nil), stack[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[node] = black
	}

	for _, name := range r.moduleNames() {
		if color[name] == white {
			visit(name)
		}
	}

	return cycles
}

// kahnLayers topologically sorts the graph, grouping modules whose
// dependencies are all satisfied into parallel-safe layers. Standalone
// modules (no edges either way) land in the first layer.
func (r *Resolver) kahnLayers() [][]string {
	indegree := make(map[string]int, len(r.descriptors))
	for name := range r.descriptors {
		indegree[name] = len(r.reverse[name])
	}

	var layers [][]string
	remaining := len(indegree)
	ready := make([]string, 0)
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	for remaining > 0 && len(ready) > 0 {
		layers = append(layers, ready)
		remaining -= len(ready)

		next := make([]string, 0)
		for _, done := range ready {
			for _, dependent := range sortedKeys(r.edges[done]) {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		ready = next
	}

	return layers
}

// GetProducers returns the modules producing an event type.
func (r *Resolver) GetProducers(eventType string) []string {
	return append([]string(nil), r.producers[eventType]...)
}

// GetConsumers returns the modules consuming an event type.
func (r *Resolver) GetConsumers(eventType string) []string {
	return append([]string(nil), r.consumers[eventType]...)
}

// GetDependencies returns the modules a module directly depends on.
func (r *Resolver) GetDependencies(name string) []string {
	return sortedKeys(r.reverse[name])
}

// GetDependents returns the modules directly depending on a module.
func (r *Resolver) GetDependents(name string) []string {
	return sortedKeys(r.edges[name])
}

// GetImpact returns every module transitively downstream of the given one.
func (r *Resolver) GetImpact(name string) []string {
	seen := make(map[string]bool)
	queue := sortedKeys(r.edges[name])
	var impact []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true
		impact = append(impact, current)
		queue = append(queue, sortedKeys(r.edges[current])...)
	}

	sort.Strings(impact)
	return impact
}

// GetCriticalPath returns the longest dependency chain ending at the module.
func (r *Resolver) GetCriticalPath(name string) []string {
	memo := make(map[string][]string)

	var longest func(node string) []string
	longest = func(node string) []string {
		if cached, ok := memo[node]; ok {
			return cached
		}
		// Sentinel guards against revisiting while computing; the graph is
		// acyclic when this is called after a clean Resolve, but a caller
		// may query a circular graph directly.
		memo[node] = nil

		var best []string
		for _, dep := range sortedKeys(r.reverse[node]) {
			path := longest(dep)
			if len(path) > len(best) {
				best = path
			}
		}
		result := append(append([]string(nil), best...), node)
		memo[node] = result
		return result
	}

	if _, ok := r.descriptors[name]; !ok {
		return nil
	}
	return longest(name)
}

func (r *Resolver) moduleNames() []string {
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
