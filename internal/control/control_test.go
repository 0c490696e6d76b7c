package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/jayk/pan-node/internal/wire"
)

type fakeGroups struct {
	joinErr  error
	joined   []string
	leftConn string
	leftGrp  string
}

func (g *fakeGroups) JoinGroup(connID, groupID string, msgTypes []string) error {
	if g.joinErr != nil {
		return g.joinErr
	}
	g.joined = append(g.joined, connID+"|"+groupID)
	return nil
}

func (g *fakeGroups) LeaveGroup(connID, groupID string) {
	g.leftConn = connID
	g.leftGrp = groupID
}

type fakeBus struct {
	mu     sync.Mutex
	events []string
}

func (b *fakeBus) Emit(event string, _ any) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

type fakeCleanup struct{ calledWith string }

func (c *fakeCleanup) Cleanup(connID string) { c.calledWith = connID }

type fakeRecipient struct {
	id      string
	mu      sync.Mutex
	replies []struct {
		msgType string
		payload any
	}
}

func (r *fakeRecipient) ConnID() string { return r.id }

func (r *fakeRecipient) SendControl(msgType string, payload any, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, struct {
		msgType string
		payload any
	}{msgType, payload})
	return nil
}

func (r *fakeRecipient) Send(frame *wire.Frame) error { return nil }

func (r *fakeRecipient) SendError(errorType, message string) error {
	return r.SendControl("error", errorPayload(errorType, message), "")
}

func TestJoinGroup_Success(t *testing.T) {
	groups := &fakeGroups{}
	h := New(groups, &fakeBus{}, &fakeCleanup{})
	sender := &fakeRecipient{id: "c1"}

	payload, _ := json.Marshal(joinGroupPayload{Group: "123456789012345678901234567890123456", MsgTypes: []string{"a"}})
	frame := &wire.Frame{Type: wire.TypeControl, MsgType: "join_group", Payload: payload}
	h.Process(context.Background(), sender, frame)

	if len(sender.replies) != 1 || sender.replies[0].msgType != "join_group_reply" {
		t.Fatalf("replies = %+v", sender.replies)
	}
	reply := sender.replies[0].payload.(joinGroupReply)
	if reply.Status != "ok" {
		t.Fatalf("status = %q, want ok", reply.Status)
	}
}

func TestJoinGroup_CapFailureReported(t *testing.T) {
	groups := &fakeGroups{joinErr: errors.New("cap exceeded")}
	h := New(groups, &fakeBus{}, &fakeCleanup{})
	sender := &fakeRecipient{id: "c1"}

	payload, _ := json.Marshal(joinGroupPayload{Group: "123456789012345678901234567890123456", MsgTypes: []string{"a"}})
	frame := &wire.Frame{Type: wire.TypeControl, MsgType: "join_group", Payload: payload}
	h.Process(context.Background(), sender, frame)

	reply := sender.replies[0].payload.(joinGroupReply)
	if reply.Status != "failed" {
		t.Fatalf("status = %q, want failed", reply.Status)
	}
}

func TestLeaveGroup(t *testing.T) {
	groups := &fakeGroups{}
	h := New(groups, &fakeBus{}, &fakeCleanup{})
	sender := &fakeRecipient{id: "c1"}

	payload, _ := json.Marshal(leaveGroupPayload{Group: "g1"})
	frame := &wire.Frame{Type: wire.TypeControl, MsgType: "leave_group", Payload: payload}
	h.Process(context.Background(), sender, frame)

	if groups.leftConn != "c1" || groups.leftGrp != "g1" {
		t.Fatalf("leftConn=%q leftGrp=%q", groups.leftConn, groups.leftGrp)
	}
}

func TestPingRequest_ValidEmitsOnBus(t *testing.T) {
	eventBus := &fakeBus{}
	h := New(&fakeGroups{}, eventBus, &fakeCleanup{})
	sender := &fakeRecipient{id: "c1"}

	payload, _ := json.Marshal(pingRequestPayload{DestNodeID: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", Msg: "hi", TTL: 5})
	frame := &wire.Frame{Type: wire.TypeControl, MsgType: "ping_request", Payload: payload}
	h.Process(context.Background(), sender, frame)

	if len(eventBus.events) != 1 || eventBus.events[0] != "outbound:agent_ping" {
		t.Fatalf("events = %v", eventBus.events)
	}
}

func TestPingRequest_InvalidDestRejected(t *testing.T) {
	eventBus := &fakeBus{}
	h := New(&fakeGroups{}, eventBus, &fakeCleanup{})
	sender := &fakeRecipient{id: "c1"}

	payload, _ := json.Marshal(pingRequestPayload{DestNodeID: "not-a-uuid", Msg: "hi", TTL: 5})
	frame := &wire.Frame{Type: wire.TypeControl, MsgType: "ping_request", Payload: payload}
	h.Process(context.Background(), sender, frame)

	if len(eventBus.events) != 0 {
		t.Fatal("expected no bus emission for invalid ping_request")
	}
	reply := sender.replies[0].payload.(pingResponsePayload)
	if reply.Error == "" {
		t.Fatal("expected error in ping_response")
	}
}

func TestDisconnect_CallsCleanup(t *testing.T) {
	cleanup := &fakeCleanup{}
	h := New(&fakeGroups{}, &fakeBus{}, cleanup)
	sender := &fakeRecipient{id: "c1"}

	h.Process(context.Background(), sender, &wire.Frame{Type: wire.TypeControl, MsgType: "disconnect"})

	if cleanup.calledWith != "c1" {
		t.Fatalf("cleanup called with %q, want c1", cleanup.calledWith)
	}
}
