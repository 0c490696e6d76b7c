// internal/peerserver/peerserver.go
// Package peerserver implements the Peer Server: the one-shot handshake
// that admits an inbound overlay peer connection. Unlike the Agent Server,
// a peer socket gets exactly one chance — the first frame must be a valid
// peer_control/hello carrying a trusted token, or the connection is failed
// and closed. Once admitted, the resulting PeerConnection is hung off the
// Peer Router (out of scope for this module).
package peerserver

import (
	"encoding/json"

	"github.com/jayk/pan-node/internal/logging"
	"github.com/jayk/pan-node/internal/metrics"
	"github.com/jayk/pan-node/internal/registry"
	"github.com/jayk/pan-node/internal/trust"
	"github.com/jayk/pan-node/internal/wire"
	"go.uber.org/zap"
)

const requiredPeerPurpose = "peer-connect"

// Socket is the minimal transport handle a peer connection needs.
type Socket interface {
	WriteJSON(v any) error
	Close() error
}

// PeerConnection is the admitted peer, identified by its overlay node_id and
// the issuer that vouched for it. Ownership passes to the Peer Router after
// a successful handshake; peerserver itself never sends anything over it
// beyond the handshake reply.
type PeerConnection struct {
	NodeID string
	Issuer string
	Socket Socket
}

// Config controls Peer Server construction.
type Config struct {
	LocalNodeID string
}

// Server runs the single-frame peer handshake.
type Server struct {
	cfg   Config
	trust *trust.Validator
	peers *registry.PeerRegistry[*PeerConnection]
}

// New constructs a Server. trustValidator must be scoped to the "peer"
// domain — a separate instance from the Agent Server's.
func New(cfg Config, trustValidator *trust.Validator, peers *registry.PeerRegistry[*PeerConnection]) *Server {
	return &Server{cfg: cfg, trust: trustValidator, peers: peers}
}

type helloPayload struct {
	Token  string   `json:"token"`
	Tokens []string `json:"tokens"`
}

type authFailedPayload struct {
	Message string `json:"message"`
}

// HandleHandshake consumes exactly one inbound frame from socket and either
// admits the peer (returning the registered PeerConnection) or fails and
// closes the socket. The caller must not reuse socket past this call —
// on success, the returned PeerConnection now owns it.
func (s *Server) HandleHandshake(socket Socket, raw []byte) (*PeerConnection, bool) {
	frame, err := wire.Decode(raw)
	if err != nil {
		metrics.PeerHandshakeFailuresTotal.Inc()
		s.fail(socket, "malformed handshake frame")
		return nil, false
	}

	if !wire.Validate(frame, false) {
		metrics.PeerHandshakeFailuresTotal.Inc()
		s.fail(socket, "handshake frame failed schema validation")
		return nil, false
	}

	if frame.Type != wire.TypePeerControl || frame.MsgType != "hello" {
		metrics.PeerHandshakeFailuresTotal.Inc()
		s.fail(socket, "first frame must be peer_control/hello")
		return nil, false
	}

	var payload helloPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.Token == "" {
		metrics.PeerHandshakeFailuresTotal.Inc()
		s.fail(socket, "missing handshake token")
		return nil, false
	}

	result, err := s.trust.IsTokenTrusted(payload.Token, payload.Tokens, []string{requiredPeerPurpose})
	if err != nil || !result.Trusted {
		metrics.PeerHandshakeFailuresTotal.Inc()
		s.fail(socket, "token not trusted for peer-connect")
		return nil, false
	}

	nodeID := frame.From.NodeID
	peer := &PeerConnection{NodeID: nodeID, Issuer: result.Issuer, Socket: socket}
	if !s.peers.Register(nodeID, result.Issuer, peer) {
		// Issuer-identity invariant: a node_id already vouched for by a
		// different issuer cannot be re-claimed.
		metrics.PeerHandshakeFailuresTotal.Inc()
		s.fail(socket, "node_id already claimed by a different issuer")
		return nil, false
	}

	metrics.PeerConnections.Inc()
	logging.Logger().Info("peerserver: peer admitted", zap.String("peer_node_id", nodeID), zap.String("issuer", result.Issuer))
	_ = s.writeControl(socket, "hello.ok", map[string]string{"node_id": s.cfg.LocalNodeID})
	return peer, true
}

func (s *Server) fail(socket Socket, message string) {
	_ = s.writeControl(socket, "auth.failed", authFailedPayload{Message: message})
	_ = socket.Close()
}

func (s *Server) writeControl(socket Socket, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame := &wire.Frame{
		MsgID:   wire.NewMsgID(),
		Type:    wire.TypePeerControl,
		MsgType: msgType,
		Payload: raw,
	}
	return socket.WriteJSON(frame)
}
