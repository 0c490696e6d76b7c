package peerserver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jayk/pan-node/internal/registry"
	"github.com/jayk/pan-node/internal/trust"
	"github.com/jayk/pan-node/internal/wire"
	"github.com/jayk/pan-node/pkg/auth"
)

type fakeSocket struct {
	mu     sync.Mutex
	writes []*wire.Frame
	closed bool
}

func (f *fakeSocket) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if frame, ok := v.(*wire.Frame); ok {
		f.writes = append(f.writes, frame)
	}
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) last() *wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

func newTrustValidator(t *testing.T, trustedIssuers map[string][]string) *trust.Validator {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "trusted_peers.json")
	data, err := json.Marshal(struct {
		TrustedIssuers map[string][]string `json:"trusted_issuers"`
	}{TrustedIssuers: trustedIssuers})
	if err != nil {
		t.Fatalf("marshal trust file: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write trust file: %v", err)
	}
	v, err := trust.New(trust.Config{Domain: "peer", FilePath: path, Required: true})
	if err != nil {
		t.Fatalf("trust.New: %v", err)
	}
	return v
}

func signToken(issuer, subject string) string {
	signer := auth.NewSigner([]byte("secret"), issuer, time.Hour)
	claims := signer.Claims(subject, nil)
	tok, _ := signer.Sign(claims)
	return tok
}

func helloFrame(fromNodeID, token string, tokens []string) []byte {
	payload, _ := json.Marshal(helloPayload{Token: token, Tokens: tokens})
	frame := wire.Frame{
		MsgID:   "11111111-1111-1111-1111-111111111111",
		From:    wire.Identity{NodeID: fromNodeID, ConnID: "peer-socket"},
		Type:    wire.TypePeerControl,
		MsgType: "hello",
		Payload: payload,
	}
	raw, _ := json.Marshal(frame)
	return raw
}

const peerNodeID = "bbbbbbbb-0000-0000-0000-000000000002"

func TestHandshake_TrustedTokenAdmitsPeer(t *testing.T) {
	v := newTrustValidator(t, map[string][]string{"urn:issuer-root": {"peer-connect"}})
	peers := registry.NewPeerRegistry[*PeerConnection]()
	s := New(Config{LocalNodeID: "local-node"}, v, peers)
	sock := &fakeSocket{}

	token := signToken("urn:issuer-root", peerNodeID)
	conn, ok := s.HandleHandshake(sock, helloFrame(peerNodeID, token, nil))
	if !ok || conn == nil {
		t.Fatal("expected handshake to admit the peer")
	}
	if conn.NodeID != peerNodeID || conn.Issuer != "urn:issuer-root" {
		t.Fatalf("conn = %+v", conn)
	}
	if _, found := peers.Get(peerNodeID); !found {
		t.Fatal("expected peer to be registered")
	}
	reply := sock.last()
	if reply == nil || reply.MsgType != "hello.ok" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestHandshake_UntrustedIssuerFails(t *testing.T) {
	v := newTrustValidator(t, map[string][]string{"urn:other": {"peer-connect"}})
	peers := registry.NewPeerRegistry[*PeerConnection]()
	s := New(Config{LocalNodeID: "local-node"}, v, peers)
	sock := &fakeSocket{}

	token := signToken("urn:issuer-root", peerNodeID)
	conn, ok := s.HandleHandshake(sock, helloFrame(peerNodeID, token, nil))
	if ok || conn != nil {
		t.Fatal("expected handshake to be rejected")
	}
	reply := sock.last()
	if reply == nil || reply.MsgType != "auth.failed" {
		t.Fatalf("reply = %+v", reply)
	}
	if !sock.closed {
		t.Fatal("expected socket to be closed on rejection")
	}
}

func TestHandshake_MissingTokenFails(t *testing.T) {
	v := newTrustValidator(t, map[string][]string{"urn:issuer-root": {"peer-connect"}})
	peers := registry.NewPeerRegistry[*PeerConnection]()
	s := New(Config{LocalNodeID: "local-node"}, v, peers)
	sock := &fakeSocket{}

	conn, ok := s.HandleHandshake(sock, helloFrame(peerNodeID, "", nil))
	if ok || conn != nil {
		t.Fatal("expected handshake without a token to fail")
	}
}

func TestHandshake_WrongFirstFrameTypeFails(t *testing.T) {
	v := newTrustValidator(t, map[string][]string{"urn:issuer-root": {"peer-connect"}})
	peers := registry.NewPeerRegistry[*PeerConnection]()
	s := New(Config{LocalNodeID: "local-node"}, v, peers)
	sock := &fakeSocket{}

	payload, _ := json.Marshal(map[string]string{"foo": "bar"})
	frame := wire.Frame{
		MsgID:   "11111111-1111-1111-1111-111111111111",
		From:    wire.Identity{NodeID: peerNodeID, ConnID: "peer-socket"},
		Type:    wire.TypeControl,
		MsgType: "hello",
		Payload: payload,
	}
	raw, _ := json.Marshal(frame)

	conn, ok := s.HandleHandshake(sock, raw)
	if ok || conn != nil {
		t.Fatal("expected non peer_control/hello first frame to fail")
	}
}

func TestHandshake_DifferentIssuerClaimingSameNodeIDRejected(t *testing.T) {
	v := newTrustValidator(t, map[string][]string{
		"urn:issuer-a": {"peer-connect"},
		"urn:issuer-b": {"peer-connect"},
	})
	peers := registry.NewPeerRegistry[*PeerConnection]()
	s := New(Config{LocalNodeID: "local-node"}, v, peers)

	firstSock := &fakeSocket{}
	firstToken := signToken("urn:issuer-a", peerNodeID)
	_, ok := s.HandleHandshake(firstSock, helloFrame(peerNodeID, firstToken, nil))
	if !ok {
		t.Fatal("expected first handshake to succeed")
	}

	secondSock := &fakeSocket{}
	secondToken := signToken("urn:issuer-b", peerNodeID)
	conn, ok := s.HandleHandshake(secondSock, helloFrame(peerNodeID, secondToken, nil))
	if ok || conn != nil {
		t.Fatal("expected impersonating issuer to be rejected")
	}
	reply := secondSock.last()
	if reply == nil || reply.MsgType != "auth.failed" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestHandshake_MalformedFrameFails(t *testing.T) {
	v := newTrustValidator(t, map[string][]string{"urn:issuer-root": {"peer-connect"}})
	peers := registry.NewPeerRegistry[*PeerConnection]()
	s := New(Config{LocalNodeID: "local-node"}, v, peers)
	sock := &fakeSocket{}

	conn, ok := s.HandleHandshake(sock, []byte("not json"))
	if ok || conn != nil {
		t.Fatal("expected malformed frame to fail")
	}
	if !sock.closed {
		t.Fatal("expected socket closed")
	}
}
