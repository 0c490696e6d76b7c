// internal/router/router.go
// Package router implements the Agent Router: the dispatch point that
// turns an authenticated, validated inbound frame into local delivery,
// local fan-out, or a bus emission for the peer relay layer.
package router

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jayk/pan-node/internal/bus"
	"github.com/jayk/pan-node/internal/metrics"
	"github.com/jayk/pan-node/internal/wire"
)

var tracer = otel.Tracer("pan-node/router")

// Recipient is the subset of AgentConnection the router and control
// handlers need to deliver a frame, a control reply, or an error back to a
// connection.
type Recipient interface {
	ConnID() string
	Send(frame *wire.Frame) error
	SendControl(msgType string, payload any, inResponseTo string) error
	SendError(errorType, message string) error
}

// GroupManager is the subset of group.Manager the router needs for
// broadcast fan-out.
type GroupManager interface {
	GetRecipients(groupID, msgType string) []string
}

// ConnLookup resolves a conn_id to a live local Recipient.
type ConnLookup interface {
	Lookup(connID string) (Recipient, bool)
}

// Bus is the subset of bus.Bus the router needs to hand traffic to the
// (out-of-scope) peer relay layer.
type Bus interface {
	Emit(event string, payload any)
}

// ControlHandler processes control-type frames; implemented by
// internal/control.Handlers.
type ControlHandler interface {
	Process(ctx context.Context, sender Recipient, frame *wire.Frame)
}

// OutboundBroadcast is the payload of a bus.OutboundAgentBroadcast emission.
type OutboundBroadcast struct {
	From    wire.Identity
	Message *wire.Frame
}

// OutboundDirect is the payload of a bus.OutboundAgentDirect emission.
type OutboundDirect struct {
	From    wire.Identity
	Message *wire.Frame
}

// Router dispatches validated, authenticated inbound frames.
type Router struct {
	localNodeID string
	groups      GroupManager
	conns       ConnLookup
	bus         Bus
}

// New constructs a Router bound to the given local node identity and
// collaborators.
func New(localNodeID string, groups GroupManager, conns ConnLookup, eventBus Bus) *Router {
	return &Router{localNodeID: localNodeID, groups: groups, conns: conns, bus: eventBus}
}

// Dispatch routes frame according to its type. control is nil-able only in
// tests that never exercise control frames.
func (r *Router) Dispatch(ctx context.Context, sender Recipient, frame *wire.Frame, control ControlHandler) {
	ctx, span := tracer.Start(ctx, "router.dispatch", trace.WithAttributes(
		attribute.String("pan.frame_type", frame.Type),
		attribute.String("pan.msg_type", frame.MsgType),
	))
	defer span.End()

	switch frame.Type {
	case wire.TypeControl:
		if control != nil {
			control.Process(ctx, sender, frame)
		}
	case wire.TypeBroadcast:
		r.dispatchBroadcast(sender, frame)
	case wire.TypeDirect:
		r.dispatchDirect(sender, frame)
	default:
		_ = sender.SendError("invalid_message", "unrecognised frame type")
	}
}

// dispatchBroadcast sends a copy of frame to every local recipient of
// (group, msg_type) except the sender, then emits the traffic on the bus so
// the peer relay can forward it to other nodes.
func (r *Router) dispatchBroadcast(sender Recipient, frame *wire.Frame) {
	for _, connID := range r.groups.GetRecipients(frame.Group, frame.MsgType) {
		if connID == sender.ConnID() {
			continue
		}
		if recipient, ok := r.conns.Lookup(connID); ok {
			if recipient.Send(frame.Clone()) == nil {
				metrics.FramesDeliveredTotal.Inc()
			}
		}
	}
	r.bus.Emit(bus.OutboundAgentBroadcast, OutboundBroadcast{From: frame.From, Message: frame})
}

// dispatchDirect delivers a to.node_id == local node frame to the local
// conn_id (replying with target_not_found if absent), or emits it on the bus
// for peer relay when addressed elsewhere.
func (r *Router) dispatchDirect(sender Recipient, frame *wire.Frame) {
	if frame.To == nil {
		_ = sender.SendError("invalid_message", "direct frame missing to")
		return
	}

	if frame.To.NodeID != r.localNodeID {
		r.bus.Emit(bus.OutboundAgentDirect, OutboundDirect{From: frame.From, Message: frame})
		return
	}

	recipient, ok := r.conns.Lookup(frame.To.ConnID)
	if !ok {
		_ = sender.SendError("target_not_found", "recipient not connected")
		return
	}

	delivered := frame.Clone()
	delivered.MsgID = ""
	delivered.InResponseTo = frame.MsgID
	if recipient.Send(delivered) == nil {
		metrics.FramesDeliveredTotal.Inc()
	}
}
