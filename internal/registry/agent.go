// internal/registry/agent.go
// Package registry implements the Agent Registry and Peer Registry (spec
// §4.7, §4.8): the authoritative conn_id/node_id -> connection maps that
// back resume-after-disconnect and the peer anti-impersonation invariant.
package registry

import (
	"crypto/subtle"
	"sync"

	"github.com/jayk/pan-node/internal/util"
)

// Identifiable is the minimal shape the Agent Registry needs from a
// connection object: its own conn_id. internal/connection.AgentConnection
// implements this.
type Identifiable interface {
	ConnID() string
}

// AgentRegistry tracks authenticated agent connections and the resume
// capability (auth_key) issued to each. C is generic so the registry can be
// unit-tested without pulling in the transport-layer connection type.
type AgentRegistry[C Identifiable] struct {
	mu       sync.RWMutex
	conns    map[string]C
	authKeys map[string]string
}

// NewAgentRegistry constructs an empty registry.
func NewAgentRegistry[C Identifiable]() *AgentRegistry[C] {
	return &AgentRegistry[C]{
		conns:    make(map[string]C),
		authKeys: make(map[string]string),
	}
}

// Register issues a fresh auth_key for conn and records both maps. The
// auth_key is the sole resume capability; it is returned to the caller so it
// can be sent to the agent in auth.ok.
func (r *AgentRegistry[C]) Register(conn C) string {
	authKey := util.NewUUID()
	id := conn.ConnID()

	r.mu.Lock()
	r.conns[id] = conn
	r.authKeys[id] = authKey
	r.mu.Unlock()

	return authKey
}

// Resume returns the connection for connID if it is still registered and
// authKey matches in constant time. It returns ok=false on any mismatch,
// including an unknown connID, without distinguishing the two to avoid
// leaking which conn_ids are live.
func (r *AgentRegistry[C]) Resume(connID, authKey string) (conn C, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, known := r.authKeys[connID]
	match := subtle.ConstantTimeCompare([]byte(stored), []byte(authKey)) == 1
	if !known || !match {
		var zero C
		return zero, false
	}
	return r.conns[connID], true
}

// Unregister drops both maps for connID. Safe to call on an unknown connID.
func (r *AgentRegistry[C]) Unregister(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	delete(r.authKeys, connID)
	r.mu.Unlock()
}

// Count returns the number of registered connections.
func (r *AgentRegistry[C]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
