// internal/trust/validator.go
// Validator is the per-domain (agent or peer) trust evaluator: it decodes a
// bearer token (structurally via pkg/auth.DecodeUnverified, or with real
// HMAC-SHA256 signature verification via pkg/auth.Verifier when a
// SharedSecret is configured) and checks the resulting chain of tokens
// against a reloadable, cacheable trusted-issuer config.
package trust

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/jayk/pan-node/internal/logging"
	"github.com/jayk/pan-node/internal/metrics"
	"github.com/jayk/pan-node/pkg/auth"
	"go.uber.org/zap"
)

// ErrConfigUnavailable is returned at construction when Required is true and
// the trusted-issuer file cannot be read — this is the one fatal-at-startup
// condition trust.Validator can raise.
var ErrConfigUnavailable = errors.New("trust: trusted issuer config unavailable")

// Config controls one Validator instance.
type Config struct {
	Domain    string        // "agent" or "peer"; used for metrics and cache namespacing
	FilePath  string        // trusted_agents.json / trusted_peers.json
	ReloadTTL time.Duration // default 30s
	Required  bool          // if true, a missing/unreadable file is fatal at construction
	Cache     Cache         // optional distributed cache tier; defaults to NewInMemCache()

	// SharedSecret, when non-empty, upgrades ValidateToken from structural
	// decode to real HMAC-SHA256 signature verification via auth.Verifier.
	// The verifier is built with no issuer pinned: issuer trust is already
	// this Validator's own job (the trusted-issuer config), so the verifier
	// only has to vouch for the signature and the exp claim.
	SharedSecret []byte
}

// Validator evaluates bearer tokens against a trust-chain policy for one
// domain. Create one instance per domain (agent trust, peer trust) so the
// two can carry disjoint policies.
type Validator struct {
	cfg Config

	verifier *auth.Verifier // nil unless Config.SharedSecret is set

	mu       sync.Mutex
	current  IssuerConfig
	loadedAt time.Time
}

// New constructs a Validator, performing the initial load synchronously so a
// Required-but-missing file fails fast at startup rather than on first use.
func New(cfg Config) (*Validator, error) {
	if cfg.ReloadTTL <= 0 {
		cfg.ReloadTTL = 30 * time.Second
	}
	if cfg.Cache == nil {
		cfg.Cache = NewInMemCache()
	}
	v := &Validator{cfg: cfg}
	if len(cfg.SharedSecret) > 0 {
		v.verifier = auth.NewVerifier(cfg.SharedSecret, "")
	}

	cfgDoc, err := loadFile(cfg.FilePath)
	if err != nil {
		if cfg.Required {
			return nil, fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
		}
		logging.Logger().Warn("trust: initial load failed, starting with empty config",
			zap.String("domain", cfg.Domain), zap.Error(err))
		cfgDoc = IssuerConfig{}
	}
	v.current = cfgDoc
	v.loadedAt = time.Now()
	cfg.Cache.Store(cfgDoc, v.loadedAt)
	return v, nil
}

// DecodedToken is the structural result of ValidateToken.
type DecodedToken = jwt.MapClaims

// ValidateToken performs the per-token validation step (decode, signature if
// configured, expiry check). It never consults the trust config — that's
// IsTokenTrusted's job. With no SharedSecret configured it falls back to
// structural decode only, matching a deployment that delegates signature
// verification to an external collaborator.
func (v *Validator) ValidateToken(token string) (DecodedToken, error) {
	if v.verifier != nil {
		claims, err := v.verifier.ParseAndVerify(token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) {
				return claims, auth.ErrTokenExpired
			}
			return nil, auth.ErrMalformedToken
		}
		return claims, nil
	}
	return auth.DecodeUnverified(token)
}

// TrustResult is the outcome of a full chain evaluation.
type TrustResult struct {
	Trusted  bool
	Issuer   string
	Decoded  DecodedToken
	Chain    []DecodedToken
	Purposes []string
	Reason   string
}

// IsTokenTrusted decodes token and extraTokens as a vouching chain — each
// entry's "iss" claim must be named by the next entry's "sub", so every
// later token vouches for the issuer of the one before it — and requires the
// chain's root (final) issuer to be listed in the trust config with every
// purpose in requiredPurposes.
func (v *Validator) IsTokenTrusted(token string, extraTokens []string, requiredPurposes []string) (TrustResult, error) {
	primary, err := v.ValidateToken(token)
	if err != nil {
		return TrustResult{Trusted: false, Reason: "malformed token"}, err
	}

	chain := []DecodedToken{primary}
	prev := primary
	for _, extra := range extraTokens {
		next, err := v.ValidateToken(extra)
		if err != nil {
			return TrustResult{Trusted: false, Chain: chain, Reason: "malformed chain token"}, err
		}
		prevIss, _ := prev["iss"].(string)
		nextSub, _ := next["sub"].(string)
		if prevIss == "" || prevIss != nextSub {
			return TrustResult{Trusted: false, Chain: chain, Reason: "broken trust chain"}, nil
		}
		chain = append(chain, next)
		prev = next
	}

	root := chain[len(chain)-1]
	issuer, _ := root["iss"].(string)
	if issuer == "" {
		return TrustResult{Trusted: false, Chain: chain, Reason: "access denied: missing issuer"}, nil
	}

	cfg := v.snapshot()
	if !cfg.Allows(issuer, requiredPurposes) {
		return TrustResult{Trusted: false, Issuer: issuer, Chain: chain, Reason: "access denied: issuer not trusted for purpose"}, nil
	}

	return TrustResult{
		Trusted:  true,
		Issuer:   issuer,
		Decoded:  primary,
		Chain:    chain,
		Purposes: requiredPurposes,
	}, nil
}

// snapshot returns the current config, reloading from file (with a
// keep-previous-on-failure policy) when the cache entry is older than
// ReloadTTL.
func (v *Validator) snapshot() IssuerConfig {
	v.mu.Lock()
	defer v.mu.Unlock()

	if time.Since(v.loadedAt) < v.cfg.ReloadTTL {
		return v.current
	}

	// A shared cache tier may already have a fresher copy than our own file
	// read would produce (another node reloaded first); prefer it.
	if shared, loadedAt, ok := v.cfg.Cache.Load(); ok && loadedAt.After(v.loadedAt) {
		v.current = shared
		v.loadedAt = loadedAt
		return v.current
	}

	fresh, err := v.reloadWithRetry()
	if err != nil {
		metrics.TrustReloadsTotal.WithLabelValues(v.cfg.Domain, "failed_keep_previous").Inc()
		logging.Logger().Warn("trust: reload failed, keeping previous config",
			zap.String("domain", v.cfg.Domain), zap.Error(err))
		// Re-arm the TTL so every call doesn't retry a persistently-broken file.
		v.loadedAt = time.Now()
		return v.current
	}

	v.current = fresh
	v.loadedAt = time.Now()
	v.cfg.Cache.Store(fresh, v.loadedAt)
	metrics.TrustReloadsTotal.WithLabelValues(v.cfg.Domain, "ok").Inc()
	return v.current
}

// reloadWithRetry re-reads the trust file, retrying a couple of times with
// jittered backoff to ride out transient filesystem hiccups (NFS mounts,
// concurrent atomic-rename writers) before giving up for this cycle.
func (v *Validator) reloadWithRetry() (IssuerConfig, error) {
	var cfg IssuerConfig
	op := func() error {
		c, err := loadFile(v.cfg.FilePath)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return cfg, nil
}
