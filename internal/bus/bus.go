package bus

import (
	"log/slog"
	"sync"

	"github.com/muxworks/muxd/pkg/protocol"
)

// Handler receives one event. Handlers must not block: the gateway hands
// events to a per-connection send queue and returns immediately.
type Handler func(protocol.Event)

// Publisher abstracts event broadcast + subscription so services do not
// depend on the concrete Bus.
type Publisher interface {
	Subscribe(id string, h Handler)
	Unsubscribe(id string)
	Publish(ev protocol.Event)
}

// Bus fans events out to all subscribers. Workspace filtering happens at
// the subscriber: every attached client sees the multiplexed feed and
// drops workspaces it is not watching.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string]Handler)}
}

func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.subs[id]; dup {
		slog.Warn("bus.subscribe_replaced", "id", id)
	}
	b.subs[id] = h
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers ev to every subscriber registered at call time.
func (b *Bus) Publish(ev protocol.Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Nop discards all events; used by tests and headless one-shot commands.
type Nop struct{}

func (Nop) Subscribe(string, Handler) {}
func (Nop) Unsubscribe(string)        {}
func (Nop) Publish(protocol.Event)    {}
