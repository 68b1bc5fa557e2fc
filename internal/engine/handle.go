package engine

import (
	"errors"

	"github.com/netrecon/sweeper/internal/errs"
	"github.com/netrecon/sweeper/internal/event"
	"github.com/netrecon/sweeper/internal/pipeline"
	"github.com/netrecon/sweeper/internal/sandbox"
)

// handle is the per-module view of a scan. It is the only way a module
// touches the engine.
type handle struct {
	scan   *Scan
	module string
}

// Emit admits, pipelines, persists, and publishes one discovered event.
// A policy denial or pipeline drop consumes the event silently; only
// hard failures return an error.
func (h *handle) Emit(ev *event.Event) error {
	if ev == nil {
		return errs.Newf(errs.KindValidation, "emit", "nil event")
	}
	s := h.scan

	if tracker := h.tracker(); tracker != nil && tracker.CountEvent() {
		err := errs.Newf(errs.KindResourceExceeded, "emit",
			"module %s exceeded its event budget", h.module)
		s.failModule(h.module, err)
		return err
	}

	if decision := s.policy.AdmitEvent(ev); !decision.Allowed {
		s.log.Debug().
			Str("module", h.module).
			Str("type", ev.Type).
			Str("reason", decision.Reason).
			Msg("Event denied by policy")
		return nil
	}

	result := s.pipe.Execute(ev)
	switch result.Verdict {
	case pipeline.VerdictDrop:
		s.log.Debug().
			Str("module", h.module).
			Str("type", ev.Type).
			Str("stage", result.Stage).
			Str("reason", result.DropReason).
			Msg("Event dropped by pipeline")
		return nil
	case pipeline.VerdictError:
		// A stage error is logged and counted; the event itself carries on.
		// Only a DROP verdict discards.
		s.metrics.RecordError(h.module)
		s.log.Warn().
			Err(errors.Join(result.Errors...)).
			Str("module", h.module).
			Str("type", ev.Type).
			Msg("Pipeline stage errors, event continues")
	}

	if err := s.engine.store.StoreEvent(s.ID, ev); err != nil {
		return err
	}
	s.streamer.Observe(ev)
	s.metrics.RecordEmitted(h.module, ev.Type)
	return s.bus.Publish(ev)
}

// CheckForStop reports whether the module should wind down.
func (h *handle) CheckForStop() bool {
	return h.scan.stopRequested()
}

// Target returns the scan seed.
func (h *handle) Target() *event.Target {
	return h.scan.target
}

// Option returns a configured option value for the module.
func (h *handle) Option(module, key string) (string, bool) {
	if h.scan.options == nil {
		return "", false
	}
	opts, ok := h.scan.options[module]
	if !ok {
		return "", false
	}
	v, ok := opts[key]
	return v, ok
}

func (h *handle) tracker() *sandbox.ResourceTracker {
	h.scan.mu.Lock()
	defer h.scan.mu.Unlock()
	return h.scan.trackers[h.module]
}
