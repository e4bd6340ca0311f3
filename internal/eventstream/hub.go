// Package eventstream fans pipeline events out to any number of readers:
// the CLI presenter, WebSocket clients and pollers.
package eventstream

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tiroq/neuralscribe/internal/diaglog"
	"github.com/tiroq/neuralscribe/internal/pipeline"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Hub is a pipeline.Publisher that never blocks the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan pipeline.Event
	nextID uint64
	last   *pipeline.Event
	buffer int

	dropped atomic.Uint64

	logger *zap.Logger
	diag   *diaglog.Logger
}

var _ pipeline.Publisher = (*Hub)(nil)

// NewHub creates a hub. buffer <= 0 means DefaultBuffer.
func NewHub(buffer int, logger *zap.Logger, diag *diaglog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if diag == nil {
		diag = diaglog.NewNoOp()
	}
	return &Hub{
		subs:   make(map[uint64]chan pipeline.Event),
		buffer: buffer,
		logger: logger,
		diag:   diag,
	}
}

// Subscribe returns a channel of future events and a cancel func that
// closes it. cancel is safe to call more than once.
func (h *Hub) Subscribe() (<-chan pipeline.Event, func()) {
	return h.subscribe(false)
}

// SubscribeReplay is Subscribe with the last published event, if any,
// already queued. No event is both replayed and delivered.
func (h *Hub) SubscribeReplay() (<-chan pipeline.Event, func()) {
	return h.subscribe(true)
}

func (h *Hub) subscribe(replay bool) (<-chan pipeline.Event, func()) {
	ch := make(chan pipeline.Event, h.buffer)

	h.mu.Lock()
	if replay && h.last != nil {
		ch <- *h.last
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room for it. Subscribers
// whose buffer is full miss progress events. A terminal event is never
// missed: the oldest queued events are evicted to make room for it.
func (h *Hub) Publish(e pipeline.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev := e
	h.last = &ev

	for id, ch := range h.subs {
		select {
		case ch <- e:
			continue
		default:
		}
		if e.Terminal() {
			h.evictAndSend(id, ch, e)
			continue
		}
		h.drop(id, e)
	}
}

// evictAndSend makes room in ch for e. Callers hold h.mu, so only the
// subscriber can be reading ch concurrently and each pass frees a slot.
func (h *Hub) evictAndSend(id uint64, ch chan pipeline.Event, e pipeline.Event) {
	for {
		select {
		case ch <- e:
			return
		default:
		}
		select {
		case old := <-ch:
			h.drop(id, old)
		default:
		}
	}
}

func (h *Hub) drop(id uint64, e pipeline.Event) {
	n := h.dropped.Add(1)
	h.logger.Debug("subscriber full, event dropped",
		zap.Uint64("subscriber", id),
		zap.String("kind", string(e.Kind)),
		zap.Uint64("dropped_total", n))
	h.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentStream,
		Event:     diaglog.EventSubscriberDrop,
		RunID:     e.RunID,
		Payload:   map[string]interface{}{"subscriber": id, "kind": string(e.Kind)},
	})
}

// Last returns the most recently published event.
func (h *Hub) Last() (pipeline.Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return pipeline.Event{}, false
	}
	return *h.last, true
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
