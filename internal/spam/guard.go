// internal/spam/guard.go
// Package spam implements the per-socket token-bucket rate limiter. The
// bucket itself is golang.org/x/time/rate.Limiter, whose built-in burst
// clamp already gives us "a long-idle connection cannot accumulate more
// than message_limit tokens"; this package layers the soft/hard
// violation-threshold bookkeeping on top.
package spam

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config parameterises one Guard. Zero-valued fields fall back to spec
// defaults in New.
type Config struct {
	WindowSeconds       float64 // default 10
	MessageLimit        int     // default 50
	DisconnectThreshold int     // default 5
	MaxRefillSeconds    float64 // default = WindowSeconds
}

func (c Config) withDefaults() Config {
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = 10
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = 50
	}
	if c.DisconnectThreshold <= 0 {
		c.DisconnectThreshold = 5
	}
	if c.MaxRefillSeconds <= 0 {
		c.MaxRefillSeconds = c.WindowSeconds
	}
	return c
}

// Result is the outcome of checking one inbound frame against the bucket.
type Result struct {
	Allowed    bool // false means the frame must be dropped
	Violation  bool // true on this specific check's violation (drop or not)
	ShouldClose bool // true once violations has reached DisconnectThreshold
	Violations int
	Limit      int
	Window     float64
}

// Guard is one token bucket plus violation counter, owned by a single socket.
type Guard struct {
	cfg     Config
	mu      sync.Mutex
	limiter *rate.Limiter
	violations int
}

// New returns a Guard configured per cfg (defaults applied for zero fields).
func New(cfg Config) *Guard {
	cfg = cfg.withDefaults()

	// Effective burst clamps refill to MaxRefillSeconds worth of tokens even
	// when that is less than the full window.
	burst := cfg.MessageLimit
	if cfg.MaxRefillSeconds < cfg.WindowSeconds {
		burst = int(float64(cfg.MessageLimit) * (cfg.MaxRefillSeconds / cfg.WindowSeconds))
		if burst < 1 {
			burst = 1
		}
	}

	perSecond := float64(cfg.MessageLimit) / cfg.WindowSeconds
	return &Guard{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Check consumes one token for an inbound frame. On empty bucket it counts a
// violation and reports whether the disconnect threshold has now been
// reached. The spam check deliberately runs before any parsing so a flooder
// pays the cheapest possible cost per rejected frame.
func (g *Guard) Check() Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.limiter.Allow() {
		return Result{Allowed: true, Limit: g.cfg.MessageLimit, Window: g.cfg.WindowSeconds}
	}

	g.violations++
	return Result{
		Allowed:     false,
		Violation:   true,
		ShouldClose: g.violations >= g.cfg.DisconnectThreshold,
		Violations:  g.violations,
		Limit:       g.cfg.MessageLimit,
		Window:      g.cfg.WindowSeconds,
	}
}

// Violations returns the current violation count (for tests/metrics).
func (g *Guard) Violations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.violations
}
