// Package pipeline implements the per-event stage chain and the
// pre-pipeline filter chain that gate events on their way to the bus.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netrecon/sweeper/internal/event"
)

// Verdict is the outcome of one stage for one event.
type Verdict string

const (
	VerdictContinue Verdict = "CONTINUE"
	VerdictDrop     Verdict = "DROP"
	VerdictError    Verdict = "ERROR"
)

// StageResult carries a verdict plus the drop reason or stage error.
type StageResult struct {
	Verdict Verdict
	Reason  string
	Err     error
}

// Continue passes the event to the next stage.
func Continue() StageResult { return StageResult{Verdict: VerdictContinue} }

// Drop discards the event with a reason.
func Drop(reason string) StageResult { return StageResult{Verdict: VerdictDrop, Reason: reason} }

// Failed records a stage error; the event continues.
func Failed(err error) StageResult { return StageResult{Verdict: VerdictError, Err: err} }

// Stage processes one event.
type Stage interface {
	Name() string
	Process(ev *event.Event) StageResult
}

// StageStats are the per-stage counters.
type StageStats struct {
	Processed  int64         `json:"processed"`
	Passed     int64         `json:"passed"`
	Dropped    int64         `json:"dropped"`
	Errors     int64         `json:"errors"`
	Cumulative time.Duration `json:"cumulative"`
}

// MeanLatency returns cumulative time divided by processed count.
func (s StageStats) MeanLatency() time.Duration {
	if s.Processed == 0 {
		return 0
	}
	return time.Duration(int64(s.Cumulative) / s.Processed)
}

// ErrorHandler observes stage errors without affecting event flow.
type ErrorHandler func(stage string, ev *event.Event, err error)

// Result is the pipeline outcome for one event.
type Result struct {
	Verdict    Verdict
	Stage      string // stage that dropped the event, if any
	DropReason string
	Errors     []error
}

// Pipeline is a linear ordered list of stages. Stage mutation and stat
// reads are locked; per-event execution copies the stage list under the
// lock, then runs unlocked.
type Pipeline struct {
	mu            sync.Mutex
	stages        []Stage
	stats         map[string]*StageStats
	total         StageStats
	errorHandlers []ErrorHandler
}

// New constructs an empty pipeline.
func New(stages ...Stage) *Pipeline {
	p := &Pipeline{stats: make(map[string]*StageStats)}
	for _, s := range stages {
		p.AddStage(s)
	}
	return p
}

// AddStage appends a stage to the chain.
func (p *Pipeline) AddStage(s Stage) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, s)
	if _, ok := p.stats[s.Name()]; !ok {
		p.stats[s.Name()] = &StageStats{}
	}
}

// RemoveStage deletes the first stage with the given name.
func (p *Pipeline) RemoveStage(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.stages {
		if s.Name() == name {
			p.stages = append(p.stages[:i], p.stages[i+1:]...)
			return true
		}
	}
	return false
}

// OnError registers a handler invoked for every stage error.
func (p *Pipeline) OnError(h ErrorHandler) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorHandlers = append(p.errorHandlers, h)
}

// Execute runs the event through every stage in order.
func (p *Pipeline) Execute(ev *event.Event) Result {
	p.mu.Lock()
	stages := make([]Stage, len(p.stages))
	copy(stages, p.stages)
	handlers := make([]ErrorHandler, len(p.errorHandlers))
	copy(handlers, p.errorHandlers)
	p.mu.Unlock()

	result := Result{Verdict: VerdictContinue}

	for _, stage := range stages {
		sr, elapsed := p.runStage(stage, ev)
		p.record(stage.Name(), sr, elapsed)

		switch sr.Verdict {
		case VerdictDrop:
			result.Verdict = VerdictDrop
			result.Stage = stage.Name()
			result.DropReason = sr.Reason
			log.Debug().
				Str("stage", stage.Name()).
				Str("eventType", ev.Type).
				Str("reason", sr.Reason).
				Msg("Pipeline dropped event")
			return result
		case VerdictError:
			result.Errors = append(result.Errors, sr.Err)
			for _, h := range handlers {
				p.safeHandle(h, stage.Name(), ev, sr.Err)
			}
		}
	}

	if len(result.Errors) > 0 {
		result.Verdict = VerdictError
	}
	return result
}

// runStage executes a stage, trapping panics as stage errors.
func (p *Pipeline) runStage(stage Stage, ev *event.Event) (sr StageResult, elapsed time.Duration) {
	start := time.Now()
	defer func() {
		elapsed = time.Since(start)
		if r := recover(); r != nil {
			sr = Failed(fmt.Errorf("stage %s panicked: %v", stage.Name(), r))
		}
	}()
	sr = stage.Process(ev)
	return
}

func (p *Pipeline) safeHandle(h ErrorHandler, stage string, ev *event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("stage", stage).Interface("panic", r).Msg("Pipeline error handler panicked")
		}
	}()
	h(stage, ev, err)
}

func (p *Pipeline) record(name string, sr StageResult, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.stats[name]
	if !ok {
		st = &StageStats{}
		p.stats[name] = st
	}
	st.Processed++
	st.Cumulative += elapsed
	p.total.Processed++
	p.total.Cumulative += elapsed

	switch sr.Verdict {
	case VerdictContinue:
		st.Passed++
		p.total.Passed++
	case VerdictDrop:
		st.Dropped++
		p.total.Dropped++
	case VerdictError:
		st.Errors++
		p.total.Errors++
	}
}

// StageStats returns a copy of one stage's counters.
func (p *Pipeline) StageStats(name string) (StageStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stats[name]
	if !ok {
		return StageStats{}, false
	}
	return *st, true
}

// Stats returns a copy of the aggregate counters.
func (p *Pipeline) Stats() StageStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stages)
}
