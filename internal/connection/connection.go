// internal/connection/connection.go
// Package connection implements AgentConnection: a socket wrapper with
// outbound framing helpers, a sliding error-count window, and
// hot-swappable underlying transport for resume-after-disconnect.
package connection

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jayk/pan-node/internal/wire"
)

// Socket abstracts the underlying transport (gorilla/websocket.Conn in
// production, an in-memory fake in tests).
type Socket interface {
	WriteJSON(v any) error
	Close() error
}

const (
	errorWindow       = 60 * time.Second
	maxErrorsInWindow = 200
)

// AgentConnection is the authoritative per-connection state the Agent
// Server and Agent Router operate on.
type AgentConnection struct {
	connID string
	nodeID string
	name   string

	socketMu sync.Mutex
	socket   Socket

	errMu   sync.Mutex
	errLog  []time.Time

	authKey string
}

// New constructs an AgentConnection bound to socket.
func New(connID, nodeID, name string, socket Socket) *AgentConnection {
	return &AgentConnection{connID: connID, nodeID: nodeID, name: name, socket: socket}
}

// ConnID implements registry.Identifiable.
func (c *AgentConnection) ConnID() string { return c.connID }

// NodeID returns the local node_id this connection authenticated against.
func (c *AgentConnection) NodeID() string { return c.nodeID }

// Name returns the display name assigned at auth time (agent_name).
func (c *AgentConnection) Name() string { return c.name }

// SetAuthKey records the resume capability issued by the Agent Registry.
func (c *AgentConnection) SetAuthKey(key string) { c.authKey = key }

// AuthKey returns the resume capability, for inclusion in auth.ok replies.
func (c *AgentConnection) AuthKey() string { return c.authKey }

// Send writes frame to the socket, minting a msg_id if one isn't already
// set.
func (c *AgentConnection) Send(frame *wire.Frame) error {
	if frame.MsgID == "" {
		frame.MsgID = wire.NewMsgID()
	}
	c.socketMu.Lock()
	defer c.socketMu.Unlock()
	return c.socket.WriteJSON(frame)
}

// SendControl wraps payload as a control frame, optionally tagging it as a
// reply to inResponseTo.
func (c *AgentConnection) SendControl(msgType string, payload any, inResponseTo string) error {
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
	c.socketMu.Lock()
	defer c.socketMu.Unlock()
	return c.socket.WriteJSON(frame)
}

// ErrorPayload is the body of a plain `error` control frame.
type ErrorPayload struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message,omitempty"`
}

// SendError emits a plain `error` frame via the sendError helper convention.
func (c *AgentConnection) SendError(errorType, message string) error {
	return c.SendControl("error", ErrorPayload{ErrorType: errorType, Message: message}, "")
}

// RecordError appends an error timestamp, evicts entries older than the 60s
// window, and reports whether the window has now overflowed past 200
// entries — the caller is responsible for sending too_many_bad_messages and
// closing when overflow is true.
func (c *AgentConnection) RecordError(now time.Time) (overflow bool) {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	c.errLog = append(c.errLog, now)
	cutoff := now.Add(-errorWindow)
	kept := c.errLog[:0]
	for _, t := range c.errLog {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.errLog = kept

	return len(c.errLog) > maxErrorsInWindow
}

// ResetErrors clears the error window (used on the error_reset_window
// timeout).
func (c *AgentConnection) ResetErrors() {
	c.errMu.Lock()
	c.errLog = nil
	c.errMu.Unlock()
}

// LastErrorAt returns the timestamp of the most recent recorded error, or
// the zero Time if none has been recorded.
func (c *AgentConnection) LastErrorAt() time.Time {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if len(c.errLog) == 0 {
		return time.Time{}
	}
	return c.errLog[len(c.errLog)-1]
}

// Reconnect hot-swaps the underlying socket, atomically with respect to
// concurrent Send/SendControl/SendError calls.
func (c *AgentConnection) Reconnect(newSocket Socket) {
	c.socketMu.Lock()
	c.socket = newSocket
	c.socketMu.Unlock()
}

// Close closes the current socket.
func (c *AgentConnection) Close() error {
	c.socketMu.Lock()
	defer c.socketMu.Unlock()
	return c.socket.Close()
}
