// Package bus routes published events to every subscribed module plus the
// engine's sinks. Each consumer sees events from a single producer in
// producer order, delivered on its own goroutine.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/netrecon/sweeper/internal/errs"
	"github.com/netrecon/sweeper/internal/event"
)

// ConsumeAll subscribes a consumer to every event type.
const ConsumeAll = "*"

// OverflowPolicy decides what happens when a consumer queue is full.
type OverflowPolicy string

const (
	// OverflowBlock stalls the publisher until the queue drains. Default.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDrop discards the event for the saturated consumer only.
	OverflowDrop OverflowPolicy = "drop"
)

// Handler consumes one event. It is never invoked concurrently for the
// same subscriber.
type Handler func(ev *event.Event) error

// Gate optionally vets an event before fan-out; returning false discards
// it. The engine installs the filter chain and pipeline here.
type Gate func(ev *event.Event) bool

// Config tunes the bus.
type Config struct {
	QueueSize int
	Overflow  OverflowPolicy
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 1024, Overflow: OverflowBlock}
}

type subscriber struct {
	name    string
	types   map[string]bool
	all     bool
	queue   chan *event.Event
	handler Handler

	errors int64
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	Published int64
	Delivered int64
	Dropped   int64
	Gated     int64
	Refused   int64
}

// Bus broadcasts events to interested subscribers.
type Bus struct {
	cfg  Config
	gate Gate

	mu          sync.Mutex
	subscribers []*subscriber
	refused     map[string]bool
	started     bool
	stats       Stats

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a bus.
func New(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowBlock
	}
	return &Bus{cfg: cfg, refused: make(map[string]bool)}
}

// SetGate installs the pre-fan-out gate. Must be called before Start.
func (b *Bus) SetGate(gate Gate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = gate
}

// Subscribe registers a consumer at startup. No dynamic resubscription is
// permitted once the bus is started.
func (b *Bus) Subscribe(name string, eventTypes []string, handler Handler) error {
	if name == "" || handler == nil {
		return errs.Newf(errs.KindValidation, "subscribe", "subscriber name and handler are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errs.Newf(errs.KindValidation, "subscribe", "bus already started; no dynamic resubscription")
	}

	sub := &subscriber{
		name:    name,
		types:   make(map[string]bool, len(eventTypes)),
		queue:   make(chan *event.Event, b.cfg.QueueSize),
		handler: handler,
	}
	for _, t := range eventTypes {
		if t == ConsumeAll {
			sub.all = true
			continue
		}
		sub.types[t] = true
	}
	b.subscribers = append(b.subscribers, sub)
	return nil
}

// Start launches one delivery goroutine per subscriber.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	subs := b.subscribers
	b.mu.Unlock()

	for _, sub := range subs {
		b.wg.Add(1)
		go b.deliver(ctx, sub)
	}
}

func (b *Bus) deliver(ctx context.Context, sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued before exiting.
			for {
				select {
				case ev := <-sub.queue:
					b.handle(sub, ev)
				default:
					return
				}
			}
		case ev := <-sub.queue:
			b.handle(sub, ev)
		}
	}
}

// handle invokes the subscriber, trapping panics so one consumer cannot
// stall the rest of the fan-out.
func (b *Bus) handle(sub *subscriber, ev *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.countError(sub, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := sub.handler(ev); err != nil {
		b.countError(sub, err)
	}
	b.mu.Lock()
	b.stats.Delivered++
	b.mu.Unlock()
}

func (b *Bus) countError(sub *subscriber, err error) {
	b.mu.Lock()
	sub.errors++
	b.mu.Unlock()
	log.Debug().Err(err).Str("subscriber", sub.name).Msg("Subscriber failed to handle event")
}

// Refuse marks a module as detached: its future emissions are discarded.
func (b *Bus) Refuse(module string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refused[module] = true
}

// Publish enqueues an event for every interested subscriber. With the
// block policy the call stalls on a saturated queue; with drop it skips
// the saturated consumer only.
func (b *Bus) Publish(ev *event.Event) error {
	if ev == nil {
		return errs.Newf(errs.KindValidation, "publish", "nil event")
	}

	b.mu.Lock()
	if b.refused[ev.Module] {
		b.stats.Refused++
		b.mu.Unlock()
		log.Debug().Str("module", ev.Module).Msg("Discarding emission from detached module")
		return nil
	}
	gate := b.gate
	subs := make([]*subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	if gate != nil && !gate(ev) {
		b.mu.Lock()
		b.stats.Gated++
		b.mu.Unlock()
		return nil
	}

	ev.MarkPublished()
	b.mu.Lock()
	b.stats.Published++
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.all && !sub.types[ev.Type] {
			continue
		}
		if b.cfg.Overflow == OverflowDrop {
			select {
			case sub.queue <- ev:
			default:
				b.mu.Lock()
				b.stats.Dropped++
				b.mu.Unlock()
				log.Warn().
					Str("subscriber", sub.name).
					Str("eventType", ev.Type).
					Msg("Consumer queue full; event dropped")
			}
			continue
		}
		sub.queue <- ev
	}
	return nil
}

// Stop cancels delivery and waits for in-flight handlers to finish.
func (b *Bus) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// SubscriberErrors returns the error count for one subscriber.
func (b *Bus) SubscriberErrors(name string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		if sub.name == name {
			return sub.errors
		}
	}
	return 0
}
