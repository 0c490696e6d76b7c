package registry

import "testing"

func TestPeerRegistry_RegisterAndGet(t *testing.T) {
	r := NewPeerRegistry[string]()
	if ok := r.Register("node-a", "urn:issuer-1", "peer-conn-a"); !ok {
		t.Fatal("expected registration to succeed")
	}
	peer, ok := r.Get("node-a")
	if !ok || peer != "peer-conn-a" {
		t.Fatalf("Get = %q, %v", peer, ok)
	}
}

func TestPeerRegistry_SameIssuerReplaces(t *testing.T) {
	r := NewPeerRegistry[string]()
	r.Register("node-a", "urn:issuer-1", "peer-conn-a")
	if ok := r.Register("node-a", "urn:issuer-1", "peer-conn-a-v2"); !ok {
		t.Fatal("expected re-registration by same issuer to succeed")
	}
	peer, _ := r.Get("node-a")
	if peer != "peer-conn-a-v2" {
		t.Fatalf("peer = %q, want replaced value", peer)
	}
}

func TestPeerRegistry_DifferentIssuerRejected(t *testing.T) {
	r := NewPeerRegistry[string]()
	r.Register("node-a", "urn:issuer-1", "peer-conn-a")
	if ok := r.Register("node-a", "urn:issuer-2", "peer-conn-impersonator"); ok {
		t.Fatal("expected registration from different issuer to be rejected")
	}
	peer, _ := r.Get("node-a")
	if peer != "peer-conn-a" {
		t.Fatalf("peer = %q, should be unchanged original", peer)
	}
}

func TestPeerRegistry_CountAndRemove(t *testing.T) {
	r := NewPeerRegistry[string]()
	r.Register("node-a", "urn:issuer-1", "a")
	r.Register("node-b", "urn:issuer-2", "b")
	if n := r.Count(); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	r.Remove("node-a")
	if n := r.Count(); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	if _, ok := r.Get("node-a"); ok {
		t.Fatal("expected node-a to be gone")
	}
}
