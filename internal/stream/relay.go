package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Relay hands events from one producer to one subscriber in order.
//
// Emit blocks while the subscriber is attached and the buffer is full. After
// Detach, emits are dropped so the producer never stalls on a dead client.
type Relay struct {
	events chan Event
	gone   chan struct{}

	detachOnce sync.Once
	closeOnce  sync.Once
	dropped    int
	mu         sync.Mutex
}

// NewRelay creates a relay with the given buffer size.
func NewRelay(buffer int) *Relay {
	if buffer < 0 {
		buffer = 0
	}
	return &Relay{
		events: make(chan Event, buffer),
		gone:   make(chan struct{}),
	}
}

// Emit delivers ev to the subscriber or drops it if the subscriber is gone.
// Must not be called after Close.
func (r *Relay) Emit(ev Event) {
	select {
	case <-r.gone:
		r.drop()
		return
	default:
	}

	select {
	case r.events <- ev:
	case <-r.gone:
		r.drop()
	}
}

func (r *Relay) drop() {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

// Dropped returns how many events were discarded after Detach.
func (r *Relay) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close ends the stream. Called by the producer once.
func (r *Relay) Close() {
	r.closeOnce.Do(func() { close(r.events) })
}

// Events is the subscriber side. The channel closes after Close.
func (r *Relay) Events() <-chan Event {
	return r.events
}

// Detach marks the subscriber as gone.
func (r *Relay) Detach() {
	r.detachOnce.Do(func() { close(r.gone) })
}

// Writer encodes events onto a transport.
type Writer interface {
	WriteEvent(ctx context.Context, ev Event) error
	WriteDone(ctx context.Context) error
}

// Pinger is implemented by writers that support keepalive frames.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Pump copies events from r to w until the relay closes, then writes the done
// marker. On a write failure or ctx cancellation the relay is detached and
// the producer carries on without a subscriber.
func Pump(ctx context.Context, r *Relay, w Writer, keepalive time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var tick <-chan time.Time
	pinger, canPing := w.(Pinger)
	if canPing && keepalive > 0 {
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			r.Detach()
			return ctx.Err()

		case <-tick:
			if err := pinger.Ping(ctx); err != nil {
				logger.Debug("Stream keepalive failed, detaching", "error", err)
				r.Detach()
				return err
			}

		case ev, ok := <-r.Events():
			if !ok {
				return w.WriteDone(ctx)
			}
			if err := w.WriteEvent(ctx, ev); err != nil {
				logger.Debug("Stream write failed, detaching", "error", err, "event", ev.Type)
				r.Detach()
				return err
			}
		}
	}
}
