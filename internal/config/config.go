// internal/config/config.go
// Package config declares the PAN node's configuration document and the
// loader seam the composition root depends on. Actual JSON5 parsing is an
// out-of-scope external collaborator: Loader is the interface a real
// deployment implements against its own JSON5 library; JSONLoader below is
// a minimal JSON (not JSON5) default sufficient to run the node and
// exercise it in tests.
package config

import (
	"encoding/json"
	"os"
	"time"
)

// TrustFileConfig points at one domain's trusted_issuers document.
type TrustFileConfig struct {
	FilePath  string        `json:"file_path"`
	ReloadTTL time.Duration `json:"reload_ttl"`
	Required  bool          `json:"required"`

	// SharedSecret, when set, upgrades this domain's token validation from
	// structural decode to HMAC-SHA256 signature verification.
	SharedSecret string `json:"shared_secret,omitempty"`
}

// Config is the full PAN node document, read from the path named by
// PAN_CONFIG (default "config.json5"), or from the path given by the
// --config flag.
type Config struct {
	NodeIdentifier string `json:"node_identifier"`
	PersistPath    string `json:"persist_path"`
	CrashOnCorrupt bool   `json:"crash_on_corrupt"`

	AgentListenAddr string `json:"agent_listen_addr"`
	PeerListenAddr  string `json:"peer_listen_addr"`

	AgentTrust TrustFileConfig `json:"agent_trust"`
	PeerTrust  TrustFileConfig `json:"peer_trust"`

	AllowUntrustedAgents bool `json:"allow_untrusted_agents"`

	AuthOrder     []string `json:"auth_order"`
	AuthMaxTries  int      `json:"auth_max_tries"`
	AuthTimeoutMS int      `json:"auth_timeout_ms"`

	SpamWindowSeconds       float64       `json:"spam_window_seconds"`
	SpamMessageLimit        int           `json:"spam_message_limit"`
	SpamDisconnectThreshold int           `json:"spam_disconnect_threshold"`
	ResumeGrace             time.Duration `json:"resume_grace_window"`

	MetricsListenAddr string `json:"metrics_listen_addr"`
}

// Default returns the configuration used when no file is present — enough to
// boot a single node for local testing.
func Default() Config {
	return Config{
		PersistPath:          "persisted_node_id.txt",
		AgentListenAddr:      ":5295",
		PeerListenAddr:       ":5874",
		AgentTrust:           TrustFileConfig{FilePath: "trusted_agents.json", ReloadTTL: 30 * time.Second},
		PeerTrust:            TrustFileConfig{FilePath: "trusted_peers.json", ReloadTTL: 30 * time.Second, Required: true},
		AllowUntrustedAgents: false,
		AuthOrder:            []string{"local"},
		AuthMaxTries:         1,
		AuthTimeoutMS:        3000,
		SpamWindowSeconds:       10,
		SpamMessageLimit:        50,
		SpamDisconnectThreshold: 5,
		ResumeGrace:             2 * time.Minute,
		MetricsListenAddr:    ":9295",
	}
}

// Loader produces a Config from a path. A real deployment supplies a
// JSON5-capable implementation; JSONLoader below is the plain-JSON fallback
// this module ships.
type Loader interface {
	Load(path string) (Config, error)
}

// JSONLoader reads path as plain JSON over the Default() base, so a
// partial document only needs to mention the fields it overrides.
type JSONLoader struct{}

// Load implements Loader. A missing file is not an error: it yields
// Default() unchanged, since PAN_CONFIG has a default path that need not
// exist for local/dev runs.
func (JSONLoader) Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
