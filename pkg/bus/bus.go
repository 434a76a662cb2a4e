package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/probelabs/visor/internal/runlog"
)

// Subscriber receives events from the Bus. Filter lets a subscriber
// register for a subset of kinds or act as a catch-all (return true for
// every kind).
type Subscriber interface {
	Name() string
	Filter(kind Kind) bool
	OnEvent(ctx context.Context, env Envelope) error
}

// defaultDeliverTimeout bounds how long the bus waits for a single
// subscriber to process one event before logging a timeout and moving
// on. A stuck subscriber never blocks the emitter.
const defaultDeliverTimeout = 3 * time.Second

// subscriberState pairs a Subscriber with its own buffered channel and
// single consumer goroutine, so each subscriber sees events in
// publication order no matter how many publishers race.
type subscriberState struct {
	sub  Subscriber
	ch   chan Envelope
	done chan struct{}
}

// Bus is the in-process publish/subscribe channel carrying run
// lifecycle events to frontends and other observers.
type Bus struct {
	mu             sync.RWMutex
	subs           map[string]*subscriberState
	logger         *runlog.Logger
	runID          string
	deliverTimeout time.Duration
	bufferSize     int
	closed         atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger attaches a logger used for dropped-event and timeout
// diagnostics.
func WithLogger(l *runlog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithDeliverTimeout overrides the per-event subscriber timeout.
func WithDeliverTimeout(d time.Duration) Option {
	return func(b *Bus) { b.deliverTimeout = d }
}

// WithBufferSize overrides the per-subscriber channel buffer size.
func WithBufferSize(n int) Option {
	return func(b *Bus) { b.bufferSize = n }
}

// New creates a Bus for one run.
func New(runID string, opts ...Option) *Bus {
	b := &Bus{
		subs:           make(map[string]*subscriberState),
		logger:         runlog.Default(),
		runID:          runID,
		deliverTimeout: defaultDeliverTimeout,
		bufferSize:     256,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds a subscriber and starts its consumer goroutine.
func (b *Bus) Register(sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[sub.Name()]; exists {
		return fmt.Errorf("subscriber %q already registered", sub.Name())
	}

	state := &subscriberState{
		sub:  sub,
		ch:   make(chan Envelope, b.bufferSize),
		done: make(chan struct{}),
	}
	b.subs[sub.Name()] = state
	go b.consume(state)
	return nil
}

// Unregister stops and removes a subscriber; events already buffered
// for it are delivered before Unregister returns.
func (b *Bus) Unregister(name string) {
	b.mu.Lock()
	state, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()
	if ok {
		close(state.ch)
		<-state.done
	}
}

// Publish emits an event to every subscriber whose Filter matches kind.
// Delivery to each subscriber's channel is non-blocking: a full channel
// means that subscriber is falling behind, which is logged and the event
// is dropped for that subscriber only, so a slow subscriber can never
// block the emitter.
func (b *Bus) Publish(kind Kind, payload any) Envelope {
	env := Envelope{
		ID:      uuid.NewString(),
		Ts:      time.Now().UTC(),
		RunID:   b.runID,
		Kind:    kind,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, state := range b.subs {
		if !state.sub.Filter(kind) {
			continue
		}
		select {
		case state.ch <- env:
		default:
			if b.logger != nil {
				b.logger.Warn("dropping event for slow subscriber",
					"subscriber", state.sub.Name(), "kind", string(kind))
			}
		}
	}
	return env
}

// consume is the single per-subscriber goroutine that preserves
// publication-order delivery.
func (b *Bus) consume(state *subscriberState) {
	defer close(state.done)
	for env := range state.ch {
		b.deliverOne(state, env)
	}
}

func (b *Bus) deliverOne(state *subscriberState, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("subscriber panic recovered",
					"subscriber", state.sub.Name(), "kind", string(env.Kind), "panic", r)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), b.deliverTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- state.sub.OnEvent(ctx, env)
	}()

	select {
	case <-ctx.Done():
		if b.logger != nil {
			b.logger.Warn("subscriber delivery timed out",
				"subscriber", state.sub.Name(), "kind", string(env.Kind))
		}
	case err := <-errCh:
		if err != nil && b.logger != nil {
			b.logger.Error("subscriber returned error",
				"subscriber", state.sub.Name(), "kind", string(env.Kind), "error", err)
		}
	}
}

// Shutdown publishes a Shutdown event and stops every subscriber once
// its queued events have drained.
func (b *Bus) Shutdown() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.Publish(KindShutdown, nil)

	b.mu.Lock()
	states := make([]*subscriberState, 0, len(b.subs))
	for _, s := range b.subs {
		states = append(states, s)
	}
	b.subs = make(map[string]*subscriberState)
	b.mu.Unlock()

	for _, state := range states {
		close(state.ch)
		<-state.done
	}
}
