// internal/agentserver/server.go
// Package agentserver implements the Agent Server: the central
// per-connection state machine — framing, size and schema validation, spam
// control, authenticated session establishment with resume support, and
// dispatch to the Agent Router.
//
// A physical socket is tracked under a "handle" from the moment it connects.
// The handle starts out as an opaque pending identifier; on successful
// fresh authentication it becomes the newly minted conn_id, and on a
// successful resume the caller's handle is folded into the pre-existing
// logical connection's handle. ProcessFrame returns the handle the caller
// should use for the socket's next frame, since either transition can
// change it.
package agentserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jayk/pan-node/internal/authmgr"
	"github.com/jayk/pan-node/internal/connection"
	"github.com/jayk/pan-node/internal/control"
	"github.com/jayk/pan-node/internal/group"
	"github.com/jayk/pan-node/internal/logging"
	"github.com/jayk/pan-node/internal/metrics"
	"github.com/jayk/pan-node/internal/registry"
	"github.com/jayk/pan-node/internal/router"
	"github.com/jayk/pan-node/internal/spam"
	"github.com/jayk/pan-node/internal/util"
	"github.com/jayk/pan-node/internal/wire"
	"go.uber.org/zap"
)

// Config controls the Agent Server's timing and thresholds.
type Config struct {
	LocalNodeID                    string
	ConnectTimeout                 time.Duration // default 3s
	PendingSweepInterval           time.Duration // default 1s
	ResumeGraceWindow              time.Duration // default 2m
	MaxSchemaErrorsBeforeDisconnect int           // default 5
	SchemaErrorResetWindow         time.Duration // default 300s
	SpamGuard                      spam.Config
	AllowUntrustedAgents           bool
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 3 * time.Second
	}
	if c.PendingSweepInterval <= 0 {
		c.PendingSweepInterval = time.Second
	}
	if c.ResumeGraceWindow <= 0 {
		c.ResumeGraceWindow = 2 * time.Minute
	}
	if c.MaxSchemaErrorsBeforeDisconnect <= 0 {
		c.MaxSchemaErrorsBeforeDisconnect = 5
	}
	if c.SchemaErrorResetWindow <= 0 {
		c.SchemaErrorResetWindow = 300 * time.Second
	}
	return c
}

// connState is the server-side bookkeeping for one physical socket,
// spanning its pending and (if it gets there) authenticated lifetime.
type connState struct {
	handle      string
	socket      connection.Socket
	connectedAt time.Time
	spamGuard   *spam.Guard

	schemaErrors      int
	lastSchemaErrorAt time.Time

	authenticated bool
	conn          *connection.AgentConnection
	resumeTimer   *time.Timer
}

// Server is the Agent Server. Construct with New and register new sockets
// with Accept; feed inbound bytes to ProcessFrame.
type Server struct {
	cfg     Config
	authMgr *authmgr.Manager
	agents  *registry.AgentRegistry[*connection.AgentConnection]
	groups  *group.Manager
	route   *router.Router
	control *control.Handlers

	mu    sync.Mutex
	conns map[string]*connState // keyed by handle (pending id or conn_id)

	stopSweep chan struct{}
}

// New allocates a Server with its collaborators. control is intentionally
// separate from the other dependencies: a *control.Handlers needs this same
// *Server as its Cleanup implementation, so the composition root calls New
// first, builds control.New(groups, bus, server), then calls
// server.SetControl before accepting any connections.
func New(cfg Config, authMgr *authmgr.Manager, agents *registry.AgentRegistry[*connection.AgentConnection], groups *group.Manager, route *router.Router) *Server {
	s := &Server{
		cfg:       cfg.withDefaults(),
		authMgr:   authMgr,
		agents:    agents,
		groups:    groups,
		route:     route,
		conns:     make(map[string]*connState),
		stopSweep: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// SetControl wires the control-frame handler. Must be called before any
// ProcessFrame call can observe a control frame.
func (s *Server) SetControl(ctrl *control.Handlers) {
	s.control = ctrl
}

// SetRoute wires the Agent Router. Separate from New because router.New
// takes this same *Server as its ConnLookup, so the composition root must
// allocate the Server first, build the Router around it, then call SetRoute
// before accepting any connections.
func (s *Server) SetRoute(route *router.Router) {
	s.route = route
}

// Stop halts the maintenance sweep goroutine.
func (s *Server) Stop() {
	close(s.stopSweep)
}

// Accept registers a freshly opened, not-yet-authenticated socket and
// returns the handle the transport layer should use for subsequent
// ProcessFrame calls on this socket.
func (s *Server) Accept(socket connection.Socket) string {
	handle := util.NewUUID()
	cs := &connState{
		handle:      handle,
		socket:      socket,
		connectedAt: time.Now(),
		spamGuard:   spam.New(s.cfg.SpamGuard),
	}
	s.mu.Lock()
	s.conns[handle] = cs
	s.mu.Unlock()
	metrics.PendingConnections.Inc()
	return handle
}

// ProcessFrame runs one inbound frame through the pipeline, in order, and
// returns the handle to use next (it changes on auth success) and whether
// the socket was closed.
func (s *Server) ProcessFrame(ctx context.Context, handle string, raw []byte) (nextHandle string, closed bool) {
	s.mu.Lock()
	cs, ok := s.conns[handle]
	s.mu.Unlock()
	if !ok {
		return handle, true
	}

	// 1. Spam check.
	spamResult := cs.spamGuard.Check()
	if !spamResult.Allowed {
		metrics.SpamViolationsTotal.Inc()
		_ = s.writeControl(cs, "speed_limit_exceeded", map[string]any{"limit": spamResult.Limit, "window": spamResult.Window}, "")
		if spamResult.ShouldClose {
			metrics.SpamDisconnectsTotal.Inc()
			return s.closeConn(cs, handle)
		}
		return handle, false
	}

	// 2. Size check.
	if len(raw) > wire.MaxFrameBytes {
		_ = s.writeControl(cs, "bad_packet", map[string]string{"error": "frame exceeds maximum size"}, "")
		return handle, false
	}

	// 3. Parse.
	frame, err := wire.Decode(raw)
	if err != nil {
		metrics.FramesReceivedTotal.WithLabelValues("parse_error").Inc()
		_ = s.writeControl(cs, "message_failure", map[string]string{"error": "malformed frame"}, "")
		return s.closeConn(cs, handle)
	}

	// 4. Schema validate.
	if !wire.Validate(frame, false) {
		metrics.FramesReceivedTotal.WithLabelValues("schema_invalid").Inc()
		if overflow := s.recordSchemaError(cs); overflow {
			_ = s.writeControl(cs, "too_many_bad_messages", nil, frame.MsgID)
			return s.closeConn(cs, handle)
		}
		_ = s.writeControl(cs, "invalid_message", map[string]string{"error": "frame failed schema validation"}, frame.MsgID)
		return handle, false
	}
	metrics.FramesReceivedTotal.WithLabelValues("ok").Inc()

	// 5. Unauthenticated: only an auth control frame is acceptable.
	if !cs.authenticated {
		return s.handleUnauthenticated(ctx, cs, handle, frame)
	}

	// 6. Authenticated: enforce the from-spoofing invariant, rewrite from,
	// and dispatch.
	if frame.From.NodeID != s.cfg.LocalNodeID || frame.From.ConnID != cs.conn.ConnID() {
		return s.closeConn(cs, handle) // protocol violation: no reply
	}
	frame.From = wire.Identity{NodeID: s.cfg.LocalNodeID, ConnID: cs.conn.ConnID()}
	s.route.Dispatch(ctx, cs.conn, frame, s.control)
	return handle, false
}

func (s *Server) recordSchemaError(cs *connState) (overflow bool) {
	now := time.Now()
	if cs.schemaErrors > 0 && !cs.lastSchemaErrorAt.IsZero() && now.Sub(cs.lastSchemaErrorAt) > s.cfg.SchemaErrorResetWindow {
		cs.schemaErrors = 0
	}
	cs.schemaErrors++
	cs.lastSchemaErrorAt = now
	return cs.schemaErrors > s.cfg.MaxSchemaErrorsBeforeDisconnect
}

type authPayload struct {
	Token     string             `json:"agent_jwt"`
	Tokens    []string           `json:"tokens"`
	AuthType  string             `json:"auth_type"`
	Reconnect *reconnectSubfield `json:"reconnect"`
}

type reconnectSubfield struct {
	ConnID  string `json:"conn_id"`
	AuthKey string `json:"auth_key"`
}

type authOkPayload struct {
	NodeID   string `json:"node_id"`
	ConnID   string `json:"conn_id"`
	AuthKey  string `json:"auth_key"`
	AuthType string `json:"auth_type"`
}

type authFailedPayload struct {
	Message string `json:"message"`
}

func (s *Server) handleUnauthenticated(ctx context.Context, cs *connState, handle string, frame *wire.Frame) (string, bool) {
	if frame.Type != wire.TypeControl || frame.MsgType != "auth" {
		_ = s.writeControl(cs, "auth.failed", authFailedPayload{Message: "Authorization required"}, frame.MsgID)
		return s.closeConn(cs, handle)
	}

	var payload authPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = s.writeControl(cs, "auth.failed", authFailedPayload{Message: "malformed auth payload"}, frame.MsgID)
		return s.closeConn(cs, handle)
	}

	reqPayload := authmgr.Payload{Token: payload.Token, Tokens: payload.Tokens, AuthType: payload.AuthType}
	if payload.AuthType == "reconnect" && payload.Reconnect != nil {
		reqPayload.Reconnect = &authmgr.ReconnectInfo{ConnID: payload.Reconnect.ConnID, AuthKey: payload.Reconnect.AuthKey}
	}

	done := make(chan authmgr.Result, 1)
	s.authMgr.SubmitAuthRequest(ctx, reqPayload, func(r authmgr.Result) { done <- r })
	result := <-done

	if !result.Success {
		_ = s.writeControl(cs, "auth.failed", authFailedPayload{Message: result.Error}, frame.MsgID)
		return s.closeConn(cs, handle)
	}

	if payload.AuthType == "reconnect" && payload.Reconnect != nil {
		return s.finishResume(cs, handle, frame, payload.Reconnect)
	}
	return s.finishFreshAuth(cs, handle, frame, result)
}

func (s *Server) finishFreshAuth(cs *connState, handle string, frame *wire.Frame, result authmgr.Result) (string, bool) {
	connID := util.NewUUID()
	name, _ := result.Info["agent_name"].(string)
	conn := connection.New(connID, s.cfg.LocalNodeID, name, cs.socket)
	authKey := s.agents.Register(conn)
	conn.SetAuthKey(authKey)

	cs.authenticated = true
	cs.conn = conn

	s.mu.Lock()
	delete(s.conns, handle)
	s.conns[connID] = cs
	s.mu.Unlock()

	metrics.PendingConnections.Dec()
	metrics.AgentConnections.Inc()

	_ = conn.SendControl("auth.ok", authOkPayload{NodeID: s.cfg.LocalNodeID, ConnID: connID, AuthKey: authKey, AuthType: "login"}, frame.MsgID)
	return connID, false
}

func (s *Server) finishResume(cs *connState, handle string, frame *wire.Frame, reconnect *reconnectSubfield) (string, bool) {
	existing, ok := s.agents.Resume(reconnect.ConnID, reconnect.AuthKey)
	if !ok {
		_ = s.writeControl(cs, "auth.failed", authFailedPayload{Message: "Invalid resume credentials"}, frame.MsgID)
		return s.closeConn(cs, handle)
	}

	s.mu.Lock()
	existingState, ok := s.conns[existing.ConnID()]
	if ok && existingState.resumeTimer != nil {
		existingState.resumeTimer.Stop()
		existingState.resumeTimer = nil
	}
	delete(s.conns, handle)
	s.mu.Unlock()

	existing.Reconnect(cs.socket)
	if ok {
		existingState.socket = cs.socket
	}

	metrics.PendingConnections.Dec()
	_ = existing.SendControl("auth.ok", authOkPayload{
		NodeID: s.cfg.LocalNodeID, ConnID: existing.ConnID(), AuthKey: existing.AuthKey(), AuthType: "reconnect",
	}, frame.MsgID)
	return existing.ConnID(), false
}

// Lookup implements router.ConnLookup.
func (s *Server) Lookup(connID string) (router.Recipient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.conns[connID]
	if !ok || !cs.authenticated {
		return nil, false
	}
	return cs.conn, true
}

// Cleanup implements control.Cleanup: unsubscribe from all groups,
// unregister, close the socket.
func (s *Server) Cleanup(connID string) {
	s.mu.Lock()
	cs, ok := s.conns[connID]
	if ok {
		delete(s.conns, connID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.groups.RemoveFromAll(connID)
	s.agents.Unregister(connID)
	if cs.conn != nil {
		_ = cs.conn.Close()
	}
	metrics.AgentConnections.Dec()
}

// closeConn starts the resume grace timer for an authenticated connection
// (so the caller can reconnect within the window), or drops a pending
// connection outright, and always closes the socket.
func (s *Server) closeConn(cs *connState, handle string) (string, bool) {
	_ = cs.socket.Close()

	if !cs.authenticated {
		s.mu.Lock()
		delete(s.conns, handle)
		s.mu.Unlock()
		metrics.PendingConnections.Dec()
		return handle, true
	}

	connID := cs.conn.ConnID()
	cs.resumeTimer = time.AfterFunc(s.cfg.ResumeGraceWindow, func() {
		s.Cleanup(connID)
	})
	return handle, true
}

func (s *Server) writeControl(cs *connState, msgType string, payload any, inResponseTo string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := &wire.Frame{
		MsgID:        wire.NewMsgID(),
		Type:         wire.TypeControl,
		MsgType:      msgType,
		Payload:      raw,
		InResponseTo: inResponseTo,
	}
	return cs.socket.WriteJSON(frame)
}

// sweepLoop closes pending connections that have exceeded ConnectTimeout.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.PendingSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case now := <-ticker.C:
			s.sweepOnce(now)
		}
	}
}

func (s *Server) sweepOnce(now time.Time) {
	s.mu.Lock()
	var stale []*connState
	for _, cs := range s.conns {
		if !cs.authenticated && now.Sub(cs.connectedAt) > s.cfg.ConnectTimeout {
			stale = append(stale, cs)
		}
	}
	s.mu.Unlock()

	for _, cs := range stale {
		logging.Logger().Debug("agentserver: closing pending connection past connect_timeout", zap.String("handle", cs.handle))
		s.closeConn(cs, cs.handle)
	}
}
