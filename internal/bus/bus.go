// internal/bus/bus.go
// Package bus implements the in-process, typed fan-out event channel that
// decouples the agent router from the (out-of-scope) peer relay layer. It is
// a synchronous-dispatch, asynchronous-delivery design: Emit never runs a
// handler on the publisher's goroutine, and a panic in one handler cannot
// starve its siblings or the publisher.
package bus

import (
	"sync"

	"github.com/jayk/pan-node/internal/logging"
	"go.uber.org/zap"
)

// Event names emitted by the router for the peer relay to consume.
const (
	OutboundAgentBroadcast = "outbound:agent_broadcast"
	OutboundAgentDirect    = "outbound:agent_direct"
	OutboundAgentPing      = "outbound:agent_ping"
)

// Handler receives the payload of one Emit call.
type Handler func(payload any)

// Bus is a registry of (event, handler) pairs. The zero value is not usable;
// construct with New.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]Handler
}

// New returns a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]Handler)}
}

// Subscribe registers h for event. Handlers for one event run in
// registration order; no order is guaranteed across distinct events.
func (b *Bus) Subscribe(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[event] = append(b.subs[event], h)
}

// Emit schedules every handler registered for event to run on the next
// scheduling tick, in registration order, each insulated from the others'
// panics. Emit never blocks waiting for handlers to complete.
func (b *Bus) Emit(event string, payload any) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.subs[event]...)
	b.mu.Unlock()

	if len(handlers) == 0 {
		return
	}
	go func() {
		for _, h := range handlers {
			callSafely(h, payload)
		}
	}()
}

func callSafely(h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			logging.Logger().Error("bus: handler panicked", zap.Any("recovered", r))
		}
	}()
	h(payload)
}
