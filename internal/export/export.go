// Package export serializes event sequences into interchange formats.
package export

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/netrecon/sweeper/internal/errs"
	"github.com/netrecon/sweeper/internal/event"
)

// Options narrows and shapes an export run. Zero values disable each
// filter.
type Options struct {
	IncludeMetadata bool
	IncludeRaw      bool
	MinRisk         int
	MaxResults      int
	EventTypes      []string
	Modules         []string
	Pretty          bool
	TimestampFormat string
}

// DefaultOptions includes raw events and renders RFC 3339 timestamps.
func DefaultOptions() Options {
	return Options{
		IncludeRaw:      true,
		TimestampFormat: time.RFC3339,
	}
}

func (o Options) timestamp(ev *event.Event) string {
	format := o.TimestampFormat
	if format == "" {
		format = time.RFC3339
	}
	return ev.GeneratedTime().UTC().Format(format)
}

// filter applies the option filters in order, preserving input order.
func (o Options) filter(events []*event.Event) []*event.Event {
	typeSet := toSet(o.EventTypes)
	moduleSet := toSet(o.Modules)

	out := make([]*event.Event, 0, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if !o.IncludeRaw && event.IsRaw(ev.Type) {
			continue
		}
		if ev.Risk < o.MinRisk {
			continue
		}
		if typeSet != nil && !typeSet[ev.Type] {
			continue
		}
		if moduleSet != nil && !moduleSet[ev.Module] {
			continue
		}
		out = append(out, ev)
		if o.MaxResults > 0 && len(out) >= o.MaxResults {
			break
		}
	}
	return out
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// Exporter converts events into one serialized representation.
type Exporter interface {
	FormatName() string
	FileExtension() string
	ContentType() string
	Export(events []*event.Event, opts Options) (string, error)
}

// Registry holds exporters by format name.
type Registry struct {
	mu        sync.RWMutex
	exporters map[string]Exporter
}

// NewRegistry returns a registry preloaded with the built-in exporters.
func NewRegistry() *Registry {
	r := &Registry{exporters: make(map[string]Exporter)}
	r.Register(&JSONExporter{})
	r.Register(&CSVExporter{})
	r.Register(&SummaryExporter{})
	r.Register(&STIXExporter{})
	return r
}

// Register adds or replaces an exporter under its format name.
func (r *Registry) Register(e Exporter) {
	r.mu.Lock()
	r.exporters[strings.ToLower(e.FormatName())] = e
	r.mu.Unlock()
}

// Get returns the exporter registered under the format name.
func (r *Registry) Get(format string) (Exporter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.exporters[strings.ToLower(format)]
	if !ok {
		return nil, errs.Newf(errs.KindUnknownFormat, "export", "no exporter registered for format %q", format)
	}
	return e, nil
}

// Formats lists the registered format names, sorted.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.exporters))
	for name := range r.exporters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Export serializes events with the named exporter.
func (r *Registry) Export(format string, events []*event.Event, opts Options) (string, error) {
	e, err := r.Get(format)
	if err != nil {
		return "", err
	}
	return e.Export(events, opts)
}
