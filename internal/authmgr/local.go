// internal/authmgr/local.go
// LocalMethod is the "local" auth method: it validates the submitted
// bearer token against a Trust Validator, optionally relaxing the check to
// "structurally valid" when allow_untrusted_agents is set.
package authmgr

import (
	"context"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/jayk/pan-node/internal/trust"
)

// requiredAgentPurpose is the purpose a trusted token must carry to
// authenticate an agent connection.
const requiredAgentPurpose = "agent-connect"

// TrustChecker is the subset of trust.Validator the local method depends on.
type TrustChecker interface {
	ValidateToken(token string) (jwt.MapClaims, error)
	IsTokenTrusted(token string, extraTokens []string, requiredPurposes []string) (trust.TrustResult, error)
}

// LocalMethodConfig configures a LocalMethod instance.
type LocalMethodConfig struct {
	Validator            TrustChecker
	AllowUntrustedAgents bool
}

// LocalMethod implements Method using a Trust Validator.
type LocalMethod struct {
	cfg LocalMethodConfig
}

// NewLocalMethod constructs a LocalMethod.
func NewLocalMethod(cfg LocalMethodConfig) *LocalMethod {
	return &LocalMethod{cfg: cfg}
}

func (m *LocalMethod) Name() string { return "local" }

// Attempt validates payload.Token. A missing token always fails — the token
// is mandatory (spec's adopted resolution to Open Question (b)).
func (m *LocalMethod) Attempt(_ context.Context, payload Payload) (Result, error) {
	if payload.Token == "" {
		return Result{Success: false, Error: "token required"}, nil
	}

	if m.cfg.AllowUntrustedAgents {
		decoded, err := m.cfg.Validator.ValidateToken(payload.Token)
		if err != nil {
			return Result{Success: false, Error: "invalid token"}, nil
		}
		return Result{
			Success: true,
			Info:    map[string]any{"agent_name": agentName(decoded)},
			Token:   payload.Token,
		}, nil
	}

	trusted, err := m.cfg.Validator.IsTokenTrusted(payload.Token, payload.Tokens, []string{requiredAgentPurpose})
	if err != nil {
		return Result{Success: false, Error: "invalid token"}, nil
	}
	if !trusted.Trusted {
		reason := trusted.Reason
		if reason == "" {
			reason = "access denied"
		}
		return Result{Success: false, Error: reason}, nil
	}
	return Result{
		Success: true,
		Info:    map[string]any{"agent_name": agentName(trusted.Decoded)},
		Token:   payload.Token,
	}, nil
}

// agentName extracts the display name: decoded.identifier if present,
// otherwise the token issuer.
func agentName(decoded jwt.MapClaims) string {
	if id, ok := decoded["identifier"].(string); ok && id != "" {
		return id
	}
	if iss, ok := decoded["iss"].(string); ok {
		return iss
	}
	return ""
}
