// internal/control/control.go
// Package control implements the Control Handlers: the
// join_group/leave_group/ping_request/disconnect control-frame operations.
package control

import (
	"context"
	"encoding/json"

	"github.com/jayk/pan-node/internal/bus"
	"github.com/jayk/pan-node/internal/router"
	"github.com/jayk/pan-node/internal/util"
	"github.com/jayk/pan-node/internal/wire"
)

const maxPingMsgLen = 64

// GroupManager is the subset of group.Manager Handlers needs.
type GroupManager interface {
	JoinGroup(connID, groupID string, msgTypes []string) error
	LeaveGroup(connID, groupID string)
}

// Recipient is the connection shape Handlers needs to reply and identify
// the sender; it is router.Recipient so that *connection.AgentConnection
// satisfies both without adapter types.
type Recipient = router.Recipient

// Bus hands ping traffic to the peer relay layer.
type Bus interface {
	Emit(event string, payload any)
}

// Cleanup releases a connection's local state and closes it; the Agent
// Server supplies the concrete implementation (unsubscribe + unregister +
// socket close).
type Cleanup interface {
	Cleanup(connID string)
}

// Handlers implements router.ControlHandler.
type Handlers struct {
	groups  GroupManager
	bus     Bus
	cleanup Cleanup
}

// New constructs a control Handlers.
func New(groups GroupManager, eventBus Bus, cleanup Cleanup) *Handlers {
	return &Handlers{groups: groups, bus: eventBus, cleanup: cleanup}
}

// Process dispatches by frame.MsgType.
func (h *Handlers) Process(_ context.Context, sender Recipient, frame *wire.Frame) {
	switch frame.MsgType {
	case "join_group":
		h.joinGroup(sender, frame)
	case "leave_group":
		h.leaveGroup(sender, frame)
	case "ping_request":
		h.pingRequest(sender, frame)
	case "disconnect":
		h.disconnect(sender)
	default:
		_ = sender.SendControl("error", errorPayload("invalid_message", "unknown control msg_type"), frame.MsgID)
	}
}

type joinGroupPayload struct {
	Group    string   `json:"group"`
	MsgTypes []string `json:"msg_types"`
}

type joinGroupReply struct {
	Status string `json:"status"`
	Group  string `json:"group"`
	Error  string `json:"error,omitempty"`
}

func (h *Handlers) joinGroup(sender Recipient, frame *wire.Frame) {
	var p joinGroupPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || !isValidGroupForm(p.Group) {
		_ = sender.SendControl("join_group_reply", joinGroupReply{Status: "failed", Group: p.Group, Error: "malformed join_group payload"}, frame.MsgID)
		return
	}

	if err := h.groups.JoinGroup(sender.ConnID(), p.Group, p.MsgTypes); err != nil {
		_ = sender.SendControl("join_group_reply", joinGroupReply{Status: "failed", Group: p.Group, Error: err.Error()}, frame.MsgID)
		return
	}
	_ = sender.SendControl("join_group_reply", joinGroupReply{Status: "ok", Group: p.Group}, frame.MsgID)
}

type leaveGroupPayload struct {
	Group string `json:"group"`
}

type leaveGroupReply struct {
	Status string `json:"status"`
	Group  string `json:"group"`
}

func (h *Handlers) leaveGroup(sender Recipient, frame *wire.Frame) {
	var p leaveGroupPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		_ = sender.SendControl("leave_group_reply", leaveGroupReply{Status: "failed"}, frame.MsgID)
		return
	}
	h.groups.LeaveGroup(sender.ConnID(), p.Group)
	_ = sender.SendControl("leave_group_reply", leaveGroupReply{Status: "ok", Group: p.Group}, frame.MsgID)
}

type pingRequestPayload struct {
	DestNodeID string `json:"dest_node_id"`
	Msg        string `json:"msg"`
	TTL        int    `json:"ttl"`
}

type pingResponsePayload struct {
	Msg     string `json:"msg"`
	Reached bool   `json:"reached"`
	TTL     int    `json:"ttl"`
	Error   string `json:"error,omitempty"`
}

// OutboundPing is the payload of a bus.OutboundAgentPing emission.
type OutboundPing struct {
	From    wire.Identity
	Message *wire.Frame
}

func (h *Handlers) pingRequest(sender Recipient, frame *wire.Frame) {
	var p pingRequestPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		_ = sender.SendControl("ping_response", pingResponsePayload{Error: "malformed ping_request"}, frame.MsgID)
		return
	}
	if !util.IsUUID(p.DestNodeID) || p.TTL < 0 || p.TTL > 255 || len(p.Msg) > maxPingMsgLen {
		_ = sender.SendControl("ping_response", pingResponsePayload{Msg: p.Msg, TTL: p.TTL, Error: "invalid ping_request fields"}, frame.MsgID)
		return
	}
	h.bus.Emit(bus.OutboundAgentPing, OutboundPing{From: frame.From, Message: frame})
}

func (h *Handlers) disconnect(sender Recipient) {
	h.cleanup.Cleanup(sender.ConnID())
}

// isValidGroupForm accepts either the plain 36-char UUID group form or the
// extended "<node_id>:<uuid>" 73-char form.
func isValidGroupForm(g string) bool {
	return len(g) == 36 || len(g) == 73
}

func errorPayload(errorType, message string) map[string]string {
	return map[string]string{"error_type": errorType, "message": message}
}
