package pipeline

import (
	"fmt"
	"strings"

	"github.com/netrecon/sweeper/internal/event"
)

// RoutesMetaKey is the metadata key router stages append destinations to.
const RoutesMetaKey = "_routes"

// ValidatorStage drops events outside an allowed type set or above a data
// size cap. A nil allowed set admits every type; a zero max admits any size.
type ValidatorStage struct {
	StageName    string
	AllowedTypes map[string]bool
	MaxDataBytes int
}

func (v *ValidatorStage) Name() string {
	if v.StageName != "" {
		return v.StageName
	}
	return "validator"
}

func (v *ValidatorStage) Process(ev *event.Event) StageResult {
	if v.AllowedTypes != nil && !v.AllowedTypes[ev.Type] {
		return Drop(fmt.Sprintf("Type '%s' not allowed", ev.Type))
	}
	if v.MaxDataBytes > 0 && len(ev.Data) > v.MaxDataBytes {
		return Drop(fmt.Sprintf("Data exceeds %d bytes", v.MaxDataBytes))
	}
	return Continue()
}

// TransformStage replaces event data with the output of a pure function.
type TransformStage struct {
	StageName string
	Transform func(data string) string
}

func (t *TransformStage) Name() string {
	if t.StageName != "" {
		return t.StageName
	}
	return "transform"
}

func (t *TransformStage) Process(ev *event.Event) StageResult {
	if t.Transform == nil {
		return Continue()
	}
	ev.Data = t.Transform(ev.Data)
	return Continue()
}

// TaggerStage adds tags when a pattern is a substring of the event type or
// data.
type TaggerStage struct {
	StageName string
	Patterns  map[string]string // pattern -> tag
}

func (t *TaggerStage) Name() string {
	if t.StageName != "" {
		return t.StageName
	}
	return "tagger"
}

func (t *TaggerStage) Process(ev *event.Event) StageResult {
	for pattern, tag := range t.Patterns {
		if strings.Contains(ev.Type, pattern) || strings.Contains(ev.Data, pattern) {
			ev.AddTag(tag)
		}
	}
	return Continue()
}

// Route pairs a predicate with a destination label.
type Route struct {
	Destination string
	Match       func(ev *event.Event) bool
}

// RouterStage appends matching destinations into the event's _routes
// metadata, comma separated.
type RouterStage struct {
	StageName string
	Routes    []Route
}

func (r *RouterStage) Name() string {
	if r.StageName != "" {
		return r.StageName
	}
	return "router"
}

func (r *RouterStage) Process(ev *event.Event) StageResult {
	for _, route := range r.Routes {
		if route.Match == nil || !route.Match(ev) {
			continue
		}
		existing := ev.Meta(RoutesMetaKey)
		if existing == "" {
			ev.SetMeta(RoutesMetaKey, route.Destination)
		} else {
			ev.SetMeta(RoutesMetaKey, existing+","+route.Destination)
		}
	}
	return Continue()
}

// FuncStage wraps an arbitrary user-supplied stage function.
type FuncStage struct {
	StageName string
	Fn        func(ev *event.Event) StageResult
}

func (f *FuncStage) Name() string {
	if f.StageName != "" {
		return f.StageName
	}
	return "function"
}

func (f *FuncStage) Process(ev *event.Event) StageResult {
	if f.Fn == nil {
		return Continue()
	}
	return f.Fn(ev)
}
