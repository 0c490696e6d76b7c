// internal/identity/identity.go
// Package identity computes and guards the single stable node_id a process
// uses for its lifetime. It is the composition root's first subsystem: every
// other component (trust, auth, router) reads the node_id but only the
// holder of the single Setter capability handed out by Service.Setter may
// write it.
package identity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jayk/pan-node/internal/logging"
	"github.com/jayk/pan-node/internal/util"
	"go.uber.org/zap"
)

// ErrSetterAlreadyIssued is returned by Service.Setter on the second call.
// Only the first caller of Setter holds the write capability.
var ErrSetterAlreadyIssued = errors.New("identity: setter capability already issued")

// ErrMalformedID is returned by Setter.Set for non-UUID input.
var ErrMalformedID = errors.New("identity: not a well-formed UUID")

// Config controls how the node_id is derived at startup.
type Config struct {
	PersistPath     string // file holding the persisted node_id; "" disables persistence
	NodeIdentifier  string // textual seed for deterministic UUIDv5 derivation; "" => random
	CrashOnCorrupt  bool   // fatal (vs. regenerate) when PersistPath exists but is unparsable
}

// Service exposes the current node_id and gates writes to it.
type Service struct {
	cfg Config

	mu           sync.RWMutex
	nodeID       string
	setterIssued bool
}

// Setter is the write capability for a Service's node_id. A Service hands
// out at most one Setter; its holder may call Set each time the node_id has
// to change.
type Setter struct {
	svc *Service
}

// New initialises identity from, in order: the persisted file, a configured
// textual identifier (UUIDv5 derivation), or a fresh random UUIDv4.
func New(cfg Config) (*Service, error) {
	s := &Service{cfg: cfg}

	if cfg.PersistPath != "" {
		if id, ok := readPersisted(cfg.PersistPath); ok {
			s.nodeID = id
			return s, nil
		} else if fileExists(cfg.PersistPath) {
			// File exists but failed to parse as a UUID.
			if cfg.CrashOnCorrupt {
				logging.Logger().Fatal("identity: corrupt persisted node_id", zap.String("path", cfg.PersistPath))
			}
			logging.Logger().Warn("identity: corrupt persisted node_id, regenerating", zap.String("path", cfg.PersistPath))
		}
	}

	switch {
	case cfg.NodeIdentifier != "":
		s.nodeID = util.NewUUIDv5(cfg.NodeIdentifier)
	default:
		s.nodeID = util.NewUUID()
	}

	if cfg.PersistPath != "" {
		if err := persist(cfg.PersistPath, s.nodeID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// GetNodeID returns the current node_id. Safe for concurrent use.
func (s *Service) GetNodeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeID
}

// Setter returns the write capability for this Service. It can be obtained
// exactly once; every call after the first returns ErrSetterAlreadyIssued.
func (s *Service) Setter() (*Setter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setterIssued {
		return nil, ErrSetterAlreadyIssued
	}
	s.setterIssued = true
	return &Setter{svc: s}, nil
}

// Set replaces the node_id with newID, persisting it if a PersistPath is
// configured. newID must be a well-formed UUID.
func (t *Setter) Set(newID string) error {
	if !util.IsUUID(newID) {
		return ErrMalformedID
	}
	t.svc.mu.Lock()
	t.svc.nodeID = newID
	path := t.svc.cfg.PersistPath
	t.svc.mu.Unlock()

	if path != "" {
		return persist(path, newID)
	}
	return nil
}

func readPersisted(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(string(data))
	if !util.IsUUID(id) {
		return "", false
	}
	return id, true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// persist writes id to path atomically (write-then-rename).
func persist(path, id string) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, ".node_id-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
