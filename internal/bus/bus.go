// ABOUTME: Event bus interface and the in-process implementation
// ABOUTME: Dispatches messages synchronously to per-type and catch-all handlers

package bus

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Emit after the bus has been closed.
var ErrClosed = errors.New("bus closed")

// AllTypes subscribes a handler to every message type.
const AllTypes = "*"

// Handler receives bus messages. Handlers run on the emitter's goroutine and
// must not block; long work belongs on a separate goroutine.
type Handler func(Message)

// Bus carries events between flowlink components and the host application.
type Bus interface {
	// Emit delivers msg to every handler registered for its type.
	Emit(msg Message) error
	// On registers h for msgType and returns a func that removes it.
	On(msgType string, h Handler) (unsubscribe func())
	Close() error
}

type subscription struct {
	id uint64
	fn Handler
}

// MemoryBus is an in-process Bus. Handlers are invoked in registration order,
// so messages emitted from one goroutine are observed in emission order.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   uint64
	closed   bool
	logger   *slog.Logger
}

// NewMemoryBus creates an empty in-process bus. Pass nil logger for default.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		handlers: make(map[string][]subscription),
		logger:   logger.With("component", "bus"),
	}
}

// Emit dispatches msg to the handlers for its type, then to catch-all handlers.
func (b *MemoryBus) Emit(msg Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	// Snapshot so handlers may subscribe or unsubscribe while running.
	typed := b.handlers[msg.Type]
	all := b.handlers[AllTypes]
	targets := make([]Handler, 0, len(typed)+len(all))
	for _, s := range typed {
		targets = append(targets, s.fn)
	}
	for _, s := range all {
		targets = append(targets, s.fn)
	}
	b.mu.RUnlock()

	b.logger.Debug("emit", "type", msg.Type, "handlers", len(targets))
	for _, fn := range targets {
		fn(msg)
	}
	return nil
}

// On registers h for msgType. Use AllTypes to observe every message.
func (b *MemoryBus) On(msgType string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[msgType] = append(b.handlers[msgType], subscription{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(msgType, id) })
	}
}

func (b *MemoryBus) remove(msgType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[msgType]
	for i, s := range subs {
		if s.id == id {
			// Copy rather than splice so snapshots held by Emit stay intact.
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.handlers, msgType)
			} else {
				b.handlers[msgType] = next
			}
			return
		}
	}
}

// Close drops all handlers. Safe to call multiple times.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string][]subscription)
	return nil
}
