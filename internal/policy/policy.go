// Package policy enforces scan admission control: which targets, modules,
// and event types a scan may touch, plus depth and budget ceilings.
package policy

import (
	"fmt"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"

	"github.com/netrecon/sweeper/internal/errs"
	"github.com/netrecon/sweeper/internal/event"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Policy is the enforceable scan policy. Wildcards (per go-wildcard
// syntax, e.g. "sfp_*") are accepted in the module and target lists.
type Policy struct {
	Name string `json:"name" yaml:"name"`

	// AllowedTargetTypes restricts seed types; empty means any.
	AllowedTargetTypes []string `json:"allowedTargetTypes" yaml:"allowedTargetTypes"`
	// DeniedTargets blocks matching seed values outright.
	DeniedTargets []string `json:"deniedTargets" yaml:"deniedTargets"`

	// AllowedModules admits matching modules; empty means any.
	AllowedModules []string `json:"allowedModules" yaml:"allowedModules"`
	// DeniedModules rejects matching modules; wins over the allow list.
	DeniedModules []string `json:"deniedModules" yaml:"deniedModules"`

	// AllowedEventTypes restricts emissions; empty means any.
	AllowedEventTypes []string `json:"allowedEventTypes" yaml:"allowedEventTypes"`

	// MaxDepth caps provenance depth from the root; zero means unlimited.
	MaxDepth int `json:"maxDepth" yaml:"maxDepth"`
	// MaxEvents caps total published events; zero means unlimited.
	MaxEvents int `json:"maxEvents" yaml:"maxEvents"`
	// MaxRuntime caps total scan wall clock; zero means unlimited.
	MaxRuntime time.Duration `json:"maxRuntime" yaml:"maxRuntime"`
}

// Engine applies a Policy to a running scan by tracking consumed budget.
type Engine struct {
	policy Policy

	mu          sync.Mutex
	events      int
	started     time.Time
	depthByHash map[string]int
}

// NewEngine builds an engine for a policy. The runtime clock starts now.
func NewEngine(policy Policy) *Engine {
	return &Engine{
		policy:      policy,
		started:     time.Now(),
		depthByHash: map[string]int{event.RootHash: 0},
	}
}

// Policy returns the enforced policy.
func (e *Engine) Policy() Policy { return e.policy }

// AdmitTarget checks a scan seed against the policy.
func (e *Engine) AdmitTarget(target *event.Target) Decision {
	if target == nil {
		return deny("no target")
	}
	for _, pattern := range e.policy.DeniedTargets {
		if wildcard.Match(pattern, target.Value) {
			return deny(fmt.Sprintf("target %q matches denied pattern %q", target.Value, pattern))
		}
	}
	if len(e.policy.AllowedTargetTypes) > 0 {
		for _, tt := range e.policy.AllowedTargetTypes {
			if tt == string(target.Type) {
				return allow()
			}
		}
		return deny(fmt.Sprintf("target type %q not in allowed set", target.Type))
	}
	return allow()
}

// AdmitModule checks a module name against the allow/deny lists.
func (e *Engine) AdmitModule(name string) Decision {
	for _, pattern := range e.policy.DeniedModules {
		if wildcard.Match(pattern, name) {
			return deny(fmt.Sprintf("module %q matches denied pattern %q", name, pattern))
		}
	}
	if len(e.policy.AllowedModules) > 0 {
		for _, pattern := range e.policy.AllowedModules {
			if wildcard.Match(pattern, name) {
				return allow()
			}
		}
		return deny(fmt.Sprintf("module %q not in allowed set", name))
	}
	return allow()
}

// AdmitEvent checks an event emission against type, depth, and budget
// limits, consuming budget when admitted.
func (e *Engine) AdmitEvent(ev *event.Event) Decision {
	if ev == nil {
		return deny("nil event")
	}

	if len(e.policy.AllowedEventTypes) > 0 && !ev.IsRoot() {
		found := false
		for _, t := range e.policy.AllowedEventTypes {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return deny(fmt.Sprintf("event type %q not in allowed set", ev.Type))
		}
	}

	if e.policy.MaxRuntime > 0 && time.Since(e.started) > e.policy.MaxRuntime {
		return deny("scan runtime budget exhausted")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	depth := 0
	if !ev.IsRoot() {
		parentDepth, ok := e.depthByHash[ev.SourceHash]
		if !ok {
			// Parent unseen by the policy engine; treat as direct child of
			// root rather than rejecting.
			parentDepth = 0
		}
		depth = parentDepth + 1
	}
	if e.policy.MaxDepth > 0 && depth > e.policy.MaxDepth {
		return deny(fmt.Sprintf("event depth %d exceeds max %d", depth, e.policy.MaxDepth))
	}

	if e.policy.MaxEvents > 0 && e.events >= e.policy.MaxEvents {
		return deny(fmt.Sprintf("event budget %d exhausted", e.policy.MaxEvents))
	}

	e.events++
	e.depthByHash[ev.Hash] = depth
	return allow()
}

// EventsAdmitted returns the number of events admitted so far.
func (e *Engine) EventsAdmitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

// ToMap flattens the policy for persistence or transport.
func (p Policy) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"name":               p.Name,
		"allowedTargetTypes": append([]string(nil), p.AllowedTargetTypes...),
		"deniedTargets":      append([]string(nil), p.DeniedTargets...),
		"allowedModules":     append([]string(nil), p.AllowedModules...),
		"deniedModules":      append([]string(nil), p.DeniedModules...),
		"allowedEventTypes":  append([]string(nil), p.AllowedEventTypes...),
		"maxDepth":           p.MaxDepth,
		"maxEvents":          p.MaxEvents,
		"maxRuntimeSeconds":  p.MaxRuntime.Seconds(),
	}
}

// FromMap rebuilds a policy from its ToMap form.
func FromMap(m map[string]interface{}) (Policy, error) {
	p := Policy{}
	if m == nil {
		return p, errs.Newf(errs.KindValidation, "policy_from_map", "nil policy map")
	}

	var err error
	if p.Name, err = stringField(m, "name"); err != nil {
		return p, err
	}
	if p.AllowedTargetTypes, err = stringSlice(m, "allowedTargetTypes"); err != nil {
		return p, err
	}
	if p.DeniedTargets, err = stringSlice(m, "deniedTargets"); err != nil {
		return p, err
	}
	if p.AllowedModules, err = stringSlice(m, "allowedModules"); err != nil {
		return p, err
	}
	if p.DeniedModules, err = stringSlice(m, "deniedModules"); err != nil {
		return p, err
	}
	if p.AllowedEventTypes, err = stringSlice(m, "allowedEventTypes"); err != nil {
		return p, err
	}
	if p.MaxDepth, err = intField(m, "maxDepth"); err != nil {
		return p, err
	}
	if p.MaxEvents, err = intField(m, "maxEvents"); err != nil {
		return p, err
	}

	if raw, ok := m["maxRuntimeSeconds"]; ok {
		switch v := raw.(type) {
		case float64:
			p.MaxRuntime = time.Duration(v * float64(time.Second))
		case int:
			p.MaxRuntime = time.Duration(v) * time.Second
		default:
			return p, errs.Newf(errs.KindValidation, "policy_from_map", "maxRuntimeSeconds has type %T", raw)
		}
	}

	log.Debug().Str("policy", p.Name).Msg("Policy loaded from map")
	return p, nil
}

func stringField(m map[string]interface{}, key string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", errs.Newf(errs.KindValidation, "policy_from_map", "%s has type %T, want string", key, raw)
	}
	return s, nil
}

func stringSlice(m map[string]interface{}, key string) ([]string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		if len(v) == 0 {
			return nil, nil
		}
		return append([]string(nil), v...), nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errs.Newf(errs.KindValidation, "policy_from_map", "%s contains %T, want string", key, item)
			}
			out = append(out, s)
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	default:
		return nil, errs.Newf(errs.KindValidation, "policy_from_map", "%s has type %T, want list", key, raw)
	}
}

func intField(m map[string]interface{}, key string) (int, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, errs.Newf(errs.KindValidation, "policy_from_map", "%s has type %T, want int", key, raw)
	}
}
