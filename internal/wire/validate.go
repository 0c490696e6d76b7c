// internal/wire/validate.go
// Structural and schema validation of inbound frames. Every validator here
// returns a single boolean and must never panic on malformed input — callers
// treat "not valid" identically whether the frame was merely wrong-shaped or
// actively hostile.
package wire

import "github.com/jayk/pan-node/internal/util"

// IsValidBase checks the invariant fields common to every frame variant.
// isAgent selects the ttl range: agent/special frames allow only 0..1,
// peer/client frames allow the full 0..255.
func IsValidBase(f *Frame, isAgent bool) (valid bool) {
	defer func() {
		if recover() != nil {
			valid = false
		}
	}()

	if f == nil {
		return false
	}
	if !util.IsUUID(f.MsgID) {
		return false
	}
	if !util.IsUUID(f.From.NodeID) {
		return false
	}
	if f.From.ConnID == "" {
		return false
	}
	if len(f.MsgType) == 0 || len(f.MsgType) > 64 || !msgTypePattern.MatchString(f.MsgType) {
		return false
	}
	if f.Payload == nil || string(f.Payload) == "null" {
		return false
	}
	if !isJSONObject(f.Payload) {
		return false
	}
	maxTTL := 255
	if isAgent {
		maxTTL = 1
	}
	if f.TTL < 0 || f.TTL > maxTTL {
		return false
	}
	switch f.Type {
	case TypeDirect, TypeBroadcast, TypeControl, TypePeerControl, TypeAgentControl:
	default:
		return false
	}
	return true
}

// IsValidDirect additionally requires a well-formed `to` identity.
func IsValidDirect(f *Frame) bool {
	if f.To == nil {
		return false
	}
	if !util.IsUUID(f.To.NodeID) {
		return false
	}
	return f.To.ConnID != ""
}

// IsValidBroadcast additionally requires a group of the plain (36) or
// node-scoped extended (73) length. Both forms are opaque beyond length.
func IsValidBroadcast(f *Frame) bool {
	return len(f.Group) == 36 || len(f.Group) == 73
}

// Validate runs the base check plus whatever variant check f.Type implies.
// control / agent_control / peer_control require no extra fields.
func Validate(f *Frame, isAgent bool) bool {
	if !IsValidBase(f, isAgent) {
		return false
	}
	switch f.Type {
	case TypeDirect:
		return IsValidDirect(f)
	case TypeBroadcast:
		return IsValidBroadcast(f)
	default:
		return true
	}
}

// isJSONObject reports whether raw is a JSON object ("{...}"), cheaply, by
// inspecting the first non-whitespace byte rather than fully decoding twice.
func isJSONObject(raw []byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
