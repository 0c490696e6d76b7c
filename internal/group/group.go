// internal/group/group.go
// Package group implements the Group Manager: a two-level subscription
// index mapping (group_id, msg_type) to subscribed conn_ids, and its
// inverse, kept symmetric and eagerly pruned.
package group

import (
	"errors"
	"sync"

	"github.com/jayk/pan-node/internal/metrics"
)

// maxMsgTypesPerGroup is the cap on distinct msg_types a single connection
// may subscribe to within one group.
const maxMsgTypesPerGroup = 100

// ErrEmptyMsgTypes is returned when JoinGroup is called with no msg_types.
var ErrEmptyMsgTypes = errors.New("group: msg_types must be non-empty")

// ErrCapExceeded is returned when a join would push a (conn, group) pair
// past maxMsgTypesPerGroup. The cap is never silently exceeded: this
// implementation rejects atomically — a join either fully succeeds or
// changes nothing.
var ErrCapExceeded = errors.New("group: msg-type cap exceeded for this (conn, group) pair")

// Manager is the subscription index. Zero value is not usable; use New.
type Manager struct {
	mu sync.Mutex

	// groups[group_id][msg_type] = set of conn_id
	groups map[string]map[string]map[string]struct{}
	// agentSubs[conn_id][group_id] = set of msg_type — inverse of groups,
	// kept symmetric with it under the same lock.
	agentSubs map[string]map[string]map[string]struct{}

	totalTriples int
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{
		groups:    make(map[string]map[string]map[string]struct{}),
		agentSubs: make(map[string]map[string]map[string]struct{}),
	}
}

// JoinGroup subscribes connID to groupID for each of msgTypes. Already-held
// (conn, group, msg_type) triples are idempotent no-ops. If adding the new
// msg_types would exceed the 100-msg-type cap for this (conn, group) pair,
// nothing is changed and ErrCapExceeded is returned.
func (m *Manager) JoinGroup(connID, groupID string, msgTypes []string) error {
	if len(msgTypes) == 0 {
		return ErrEmptyMsgTypes
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.agentSubs[connID][groupID]
	projected := len(existing)
	var toAdd []string
	for _, mt := range msgTypes {
		if _, already := existing[mt]; already {
			continue
		}
		projected++
		toAdd = append(toAdd, mt)
	}
	if projected > maxMsgTypesPerGroup {
		return ErrCapExceeded
	}
	if len(toAdd) == 0 {
		return nil
	}

	if m.agentSubs[connID] == nil {
		m.agentSubs[connID] = make(map[string]map[string]struct{})
	}
	if m.agentSubs[connID][groupID] == nil {
		m.agentSubs[connID][groupID] = make(map[string]struct{})
	}
	if m.groups[groupID] == nil {
		m.groups[groupID] = make(map[string]map[string]struct{})
	}

	for _, mt := range toAdd {
		m.agentSubs[connID][groupID][mt] = struct{}{}
		if m.groups[groupID][mt] == nil {
			m.groups[groupID][mt] = make(map[string]struct{})
		}
		m.groups[groupID][mt][connID] = struct{}{}
	}
	m.totalTriples += len(toAdd)
	metrics.GroupSubscriptions.Set(float64(m.totalTriples))
	return nil
}

// LeaveGroup removes connID from every msg_type it held in groupID, pruning
// empty sets and maps on both sides of the index.
func (m *Manager) LeaveGroup(connID, groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveGroupLocked(connID, groupID)
}

func (m *Manager) leaveGroupLocked(connID, groupID string) {
	msgTypes, ok := m.agentSubs[connID][groupID]
	if !ok {
		return
	}

	for mt := range msgTypes {
		set, ok := m.groups[groupID][mt]
		if !ok {
			continue
		}
		delete(set, connID)
		if len(set) == 0 {
			delete(m.groups[groupID], mt)
		}
		m.totalTriples--
	}
	if len(m.groups[groupID]) == 0 {
		delete(m.groups, groupID)
	}

	delete(m.agentSubs[connID], groupID)
	if len(m.agentSubs[connID]) == 0 {
		delete(m.agentSubs, connID)
	}
	metrics.GroupSubscriptions.Set(float64(m.totalTriples))
}

// GetRecipients returns the conn_ids subscribed to (groupID, msgType). A nil
// or empty slice means no local recipients.
func (m *Manager) GetRecipients(groupID, msgType string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.groups[groupID][msgType]
	if !ok || len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}

// RemoveFromAll unsubscribes connID from every group it belongs to. The set
// of group_ids is snapshotted before iterating because leaveGroupLocked
// mutates agentSubs[connID] as we go.
func (m *Manager) RemoveFromAll(connID string) {
	m.mu.Lock()
	groupIDs := make([]string, 0, len(m.agentSubs[connID]))
	for gid := range m.agentSubs[connID] {
		groupIDs = append(groupIDs, gid)
	}
	for _, gid := range groupIDs {
		m.leaveGroupLocked(connID, gid)
	}
	m.mu.Unlock()
}
