// Package hub fans console lines and panel events out to live observers.
//
// A new observer first receives a bootstrap event with the buffered lines and
// then every later event exactly once, in publication order. The snapshot and
// the registration happen under the same lock that guards append + fan-out,
// so no line is lost or duplicated across the boundary.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/CZERTAINLY/mcpanel/internal/logbuf"
	"github.com/CZERTAINLY/mcpanel/internal/model"
	"github.com/google/uuid"
)

// DefaultMaxPending is the number of queued events after which an observer
// is considered lagging and evicted.
const DefaultMaxPending = 4096

var (
	ErrLagging      = errors.New("observer is lagging behind")
	ErrUnsubscribed = errors.New("observer unsubscribed")
)

type Hub struct {
	mu         sync.Mutex
	buf        *logbuf.Buffer
	observers  map[uuid.UUID]*Observer
	maxPending int
}

type Option func(*Hub)

func WithMaxPending(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxPending = n
		}
	}
}

func New(buf *logbuf.Buffer, opts ...Option) *Hub {
	h := &Hub{
		buf:        buf,
		observers:  make(map[uuid.UUID]*Observer),
		maxPending: DefaultMaxPending,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Line appends line to the log buffer and publishes it as a log event.
func (h *Hub) Line(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Append(line)
	h.fanout(model.LogEvent(line))
}

// Publish delivers ev to every observer without buffering it.
func (h *Hub) Publish(ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fanout(ev)
}

// Snapshot returns the buffered lines.
func (h *Hub) Snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.Snapshot()
}

// Subscribe registers a new observer. Its first event is the bootstrap
// snapshot.
func (h *Hub) Subscribe() *Observer {
	o := &Observer{
		ID:     uuid.New(),
		notify: make(chan struct{}, 1),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	o.push(model.BootstrapEvent(h.buf.Snapshot()))
	h.observers[o.ID] = o
	slog.Debug("observer subscribed", "id", o.ID, "observers", len(h.observers))
	return o
}

// Unsubscribe removes o. It is safe to call more than once.
func (h *Hub) Unsubscribe(o *Observer) {
	if o == nil {
		return
	}
	h.mu.Lock()
	_, ok := h.observers[o.ID]
	delete(h.observers, o.ID)
	n := len(h.observers)
	h.mu.Unlock()

	o.close(ErrUnsubscribed)
	if ok {
		slog.Debug("observer unsubscribed", "id", o.ID, "observers", n)
	}
}

// Len returns the number of registered observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// fanout must be called with h.mu held.
func (h *Hub) fanout(ev model.Event) {
	for id, o := range h.observers {
		if o.push(ev) <= h.maxPending {
			continue
		}
		delete(h.observers, id)
		o.close(ErrLagging)
		slog.Warn("observer evicted", "id", id, "reason", ErrLagging.Error())
	}
}

// Observer is one subscriber. Events are consumed with Next.
type Observer struct {
	ID uuid.UUID

	mu      sync.Mutex
	pending []model.Event
	err     error
	notify  chan struct{}
}

// push queues ev and returns the queue length.
func (o *Observer) push(ev model.Event) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return 0
	}
	o.pending = append(o.pending, ev)
	o.wake()
	return len(o.pending)
}

func (o *Observer) close(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return
	}
	o.err = err
	o.pending = nil
	o.wake()
}

func (o *Observer) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the observer is closed or ctx is
// done. After eviction it returns ErrLagging, after Unsubscribe
// ErrUnsubscribed.
func (o *Observer) Next(ctx context.Context) (model.Event, error) {
	for {
		o.mu.Lock()
		if o.err != nil {
			err := o.err
			o.mu.Unlock()
			return model.Event{}, err
		}
		if len(o.pending) > 0 {
			ev := o.pending[0]
			o.pending[0] = model.Event{}
			o.pending = o.pending[1:]
			o.mu.Unlock()
			return ev, nil
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		case <-o.notify:
		}
	}
}
