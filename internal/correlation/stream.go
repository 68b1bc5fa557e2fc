package correlation

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netrecon/sweeper/internal/event"
)

// Condition operators for streaming rules.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpContains = "contains"
	OpMatches  = "matches"
	OpGt       = "gt"
	OpLt       = "lt"
	OpIn       = "in"
	OpNotIn    = "not_in"
	OpExists   = "exists"
)

// Combination modes for a rule's condition list.
const (
	ModeAll = "ALL"
	ModeAny = "ANY"
)

// Condition tests one event field.
type Condition struct {
	Field string
	Op    string
	Value any
}

// StreamRule accumulates matching live events and fires when the count
// reaches the threshold.
type StreamRule struct {
	Name           string
	Description    string
	Priority       int
	Enabled        bool
	Mode           string
	Conditions     []Condition
	ThresholdCount int
	WindowSeconds  float64
	GroupBy        string
}

// Match is delivered to callbacks when a streaming rule fires.
type Match struct {
	RuleName string
	Events   []*event.Event
	Metadata map[string]any
}

// MatchFunc receives fired matches. Panics and errors are isolated.
type MatchFunc func(Match)

type accumulator struct {
	events []*event.Event
	times  []time.Time
}

// Streamer is the online correlator. Observe is safe for concurrent use.
type Streamer struct {
	mu        sync.Mutex
	rules     []*StreamRule
	buckets   map[string]*accumulator
	callbacks []MatchFunc
	now       func() time.Time
}

// NewStreamer builds an empty streaming correlator.
func NewStreamer() *Streamer {
	return &Streamer{
		buckets: make(map[string]*accumulator),
		now:     time.Now,
	}
}

// AddRule registers a streaming rule. Threshold defaults to 1 and mode
// to ALL.
func (s *Streamer) AddRule(rule *StreamRule) error {
	if rule.Name == "" {
		return fmt.Errorf("streaming rule requires a name")
	}
	if rule.Mode == "" {
		rule.Mode = ModeAll
	}
	if rule.Mode != ModeAll && rule.Mode != ModeAny {
		return fmt.Errorf("streaming rule %s: invalid mode %q", rule.Name, rule.Mode)
	}
	if rule.ThresholdCount <= 0 {
		rule.ThresholdCount = 1
	}
	for _, cond := range rule.Conditions {
		switch cond.Op {
		case OpEq, OpNe, OpContains, OpMatches, OpGt, OpLt, OpIn, OpNotIn, OpExists:
		default:
			return fmt.Errorf("streaming rule %s: invalid operator %q", rule.Name, cond.Op)
		}
		if cond.Op == OpMatches {
			pattern, ok := cond.Value.(string)
			if !ok {
				return fmt.Errorf("streaming rule %s: matches requires a string pattern", rule.Name)
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("streaming rule %s: bad pattern %q: %v", rule.Name, pattern, err)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule)
	sort.SliceStable(s.rules, func(i, j int) bool {
		return s.rules[i].Priority > s.rules[j].Priority
	})
	return nil
}

// OnMatch registers a callback invoked for every fired match.
func (s *Streamer) OnMatch(fn MatchFunc) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Observe tests one live event against every enabled rule in priority
// order, firing matches as thresholds are reached.
func (s *Streamer) Observe(ev *event.Event) {
	if ev == nil {
		return
	}

	s.mu.Lock()
	var fired []Match
	for _, rule := range s.rules {
		if !rule.Enabled {
			continue
		}
		if !ruleMatches(rule, ev) {
			continue
		}

		key := rule.Name
		var groupKey string
		if rule.GroupBy != "" {
			groupKey = eventField(ev, rule.GroupBy)
			key += "|" + groupKey
		}
		acc := s.buckets[key]
		if acc == nil {
			acc = &accumulator{}
			s.buckets[key] = acc
		}

		now := s.now()
		if rule.WindowSeconds > 0 {
			cutoff := now.Add(-time.Duration(rule.WindowSeconds * float64(time.Second)))
			acc.prune(cutoff)
		}
		acc.events = append(acc.events, ev)
		acc.times = append(acc.times, now)

		if len(acc.events) >= rule.ThresholdCount {
			matched := make([]*event.Event, len(acc.events))
			copy(matched, acc.events)
			meta := map[string]any{"count": len(matched)}
			if rule.GroupBy != "" {
				meta["group_key"] = groupKey
			}
			fired = append(fired, Match{RuleName: rule.Name, Events: matched, Metadata: meta})
			s.buckets[key] = &accumulator{}
		}
	}
	callbacks := make([]MatchFunc, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	for _, match := range fired {
		for _, fn := range callbacks {
			s.dispatch(fn, match)
		}
	}
}

func (s *Streamer) dispatch(fn MatchFunc, match Match) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("rule", match.RuleName).
				Interface("panic", r).
				Msg("Correlation callback panicked")
		}
	}()
	fn(match)
}

func (acc *accumulator) prune(cutoff time.Time) {
	keep := 0
	for i, ts := range acc.times {
		if !ts.Before(cutoff) {
			keep = i
			acc.events = acc.events[keep:]
			acc.times = acc.times[keep:]
			return
		}
	}
	acc.events = nil
	acc.times = nil
}

func ruleMatches(rule *StreamRule, ev *event.Event) bool {
	if len(rule.Conditions) == 0 {
		return true
	}
	for _, cond := range rule.Conditions {
		ok := condMatches(cond, ev)
		if rule.Mode == ModeAll && !ok {
			return false
		}
		if rule.Mode == ModeAny && ok {
			return true
		}
	}
	return rule.Mode == ModeAll
}

func condMatches(cond Condition, ev *event.Event) bool {
	value := eventField(ev, cond.Field)
	switch cond.Op {
	case OpExists:
		return value != ""
	case OpEq:
		return value == toString(cond.Value)
	case OpNe:
		return value != toString(cond.Value)
	case OpContains:
		return strings.Contains(value, toString(cond.Value))
	case OpMatches:
		pattern, ok := cond.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	case OpGt, OpLt:
		lhs, err1 := strconv.ParseFloat(value, 64)
		rhs, err2 := toFloat(cond.Value)
		if err1 != nil || err2 != nil {
			return false
		}
		if cond.Op == OpGt {
			return lhs > rhs
		}
		return lhs < rhs
	case OpIn, OpNotIn:
		found := false
		for _, item := range toStrings(cond.Value) {
			if value == item {
				found = true
				break
			}
		}
		if cond.Op == OpIn {
			return found
		}
		return !found
	}
	return false
}

// eventField reads a streaming-rule field off a live event.
func eventField(ev *event.Event, field string) string {
	switch field {
	case "type":
		return ev.Type
	case "data":
		return ev.Data
	case "module":
		return ev.Module
	case "hash":
		return ev.Hash
	case "source_event_hash":
		return ev.SourceHash
	case "confidence":
		return strconv.Itoa(ev.Confidence)
	case "visibility":
		return strconv.Itoa(ev.Visibility)
	case "risk":
		return strconv.Itoa(ev.Risk)
	}
	return ev.Meta(field)
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("not numeric: %v", v)
}

func toStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		return []string{list}
	}
	return nil
}
