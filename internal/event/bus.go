// Package event fans watchdog events out to every interested sink.
package event

import (
	"context"
	"sync"

	"github.com/HerbHall/routerwatch/internal/watchdog"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ watchdog.Notifier = (*Bus)(nil)

// Handler receives one event.
type Handler func(ctx context.Context, ev watchdog.Event)

// Bus is an in-memory event bus. Synchronous handlers run in the
// publisher's goroutine in subscription order; async handlers each get a
// goroutine, tracked so Wait can drain them on shutdown.
type Bus struct {
	mu       sync.RWMutex
	handlers map[watchdog.Kind][]handlerEntry
	allSubs  []handlerEntry
	nextID   uint64
	inflight sync.WaitGroup
	logger   *zap.Logger
}

type handlerEntry struct {
	id      uint64
	async   bool
	handler Handler
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[watchdog.Kind][]handlerEntry),
		logger:   logger,
	}
}

// Notify implements watchdog.Notifier by publishing ev.
func (b *Bus) Notify(ctx context.Context, ev watchdog.Event) {
	b.Publish(ctx, ev)
}

// Publish dispatches ev to the handlers of its kind, then to the handlers
// subscribed to every kind.
func (b *Bus) Publish(ctx context.Context, ev watchdog.Event) {
	b.mu.RLock()
	entries := make([]handlerEntry, 0, len(b.handlers[ev.Kind])+len(b.allSubs))
	entries = append(entries, b.handlers[ev.Kind]...)
	entries = append(entries, b.allSubs...)
	b.mu.RUnlock()

	for _, h := range entries {
		if h.async {
			b.inflight.Add(1)
			go func(h Handler) {
				defer b.inflight.Done()
				b.safeCall(ctx, h, ev)
			}(h.handler)
			continue
		}
		b.safeCall(ctx, h.handler, ev)
	}
}

// Subscribe registers a synchronous handler for one kind.
func (b *Bus) Subscribe(kind watchdog.Kind, handler Handler) (unsubscribe func()) {
	return b.add(&kind, false, handler)
}

// SubscribeAll registers a synchronous handler for every kind.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	return b.add(nil, false, handler)
}

// SubscribeAllAsync registers a handler for every kind that runs in its own
// goroutine, for sinks that may block on the network.
func (b *Bus) SubscribeAllAsync(handler Handler) (unsubscribe func()) {
	return b.add(nil, true, handler)
}

// Wait blocks until every in-flight async handler has returned or ctx ends.
func (b *Bus) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) add(kind *watchdog.Kind, async bool, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	entry := handlerEntry{id: id, async: async, handler: handler}
	if kind == nil {
		b.allSubs = append(b.allSubs, entry)
	} else {
		b.handlers[*kind] = append(b.handlers[*kind], entry)
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if kind == nil {
			b.allSubs = remove(b.allSubs, id)
			return
		}
		b.handlers[*kind] = remove(b.handlers[*kind], id)
	}
}

func remove(entries []handlerEntry, id uint64) []handlerEntry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

func (b *Bus) safeCall(ctx context.Context, handler Handler, ev watchdog.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.Stringer("kind", ev.Kind),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, ev)
}
