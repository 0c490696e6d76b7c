// internal/authmgr/authmgr.go
// Package authmgr implements the Auth Manager: an ordered, retrying, timed
// dispatcher over pluggable auth methods. Submitting a request races each
// configured method against a per-attempt timeout and advances to the next
// method in order on failure or timeout, until a method succeeds or
// max_tries attempts have been made.
//
// The race is expressed structurally with a per-attempt buffered channel
// and context.WithTimeout: a late result from a timed-out attempt is
// written to a channel nobody is reading from and is simply dropped by the
// garbage collector, so "late resolutions are ignored" falls out of the
// structure rather than needing a pending-requests map as a guard.
package authmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jayk/pan-node/internal/logging"
	"github.com/jayk/pan-node/internal/metrics"
	"github.com/jayk/pan-node/internal/util"
	"go.uber.org/zap"
)

// Payload is the auth request submitted by the agent server on an inbound
// `auth` control frame.
type Payload struct {
	Token     string
	Tokens    []string // extra trust-chain vouching tokens
	AuthType  string   // "login" or "reconnect"
	Reconnect *ReconnectInfo
}

// ReconnectInfo carries the resume credentials from an `auth_type=reconnect`
// payload.
type ReconnectInfo struct {
	ConnID  string
	AuthKey string
}

// Result is what an auth method, or the manager as a whole, resolves with.
type Result struct {
	Success bool
	Info    map[string]any
	Token   string
	Error   string
}

// Method is a single pluggable auth mechanism, named "local",
// "special-agent", etc by cfg.Order.
type Method interface {
	Name() string
	Attempt(ctx context.Context, payload Payload) (Result, error)
}

// Config controls try-order, attempt limit and per-attempt timeout.
type Config struct {
	Order     []string // method names, tried in this order
	MaxTries  int      // default 1
	TimeoutMS int      // default 3000
}

func (c Config) withDefaults() Config {
	if c.MaxTries <= 0 {
		c.MaxTries = 1
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 3000
	}
	return c
}

// Manager dispatches submitted auth requests across the configured methods.
type Manager struct {
	cfg     Config
	methods map[string]Method

	mu      sync.Mutex
	pending map[string]struct{}
}

// New constructs a Manager. methods need not cover every name in
// cfg.Order — an order entry with no registered method simply fails that
// attempt and advances, which lets operators reference a not-yet-deployed
// method name without crashing the node.
func New(cfg Config, methods ...Method) *Manager {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		methods: make(map[string]Method, len(methods)),
		pending: make(map[string]struct{}),
	}
	for _, method := range methods {
		m.methods[method.Name()] = method
	}
	return m
}

// SubmitAuthRequest runs the configured method order for payload and invokes
// callback exactly once with the final result. The request is removed from
// the pending set before callback runs, so a synchronous reentrant submit
// from inside callback never observes stale bookkeeping.
func (m *Manager) SubmitAuthRequest(ctx context.Context, payload Payload, callback func(Result)) {
	reqID := util.MustNew()

	m.mu.Lock()
	m.pending[reqID] = struct{}{}
	m.mu.Unlock()

	go m.run(ctx, reqID, payload, callback)
}

func (m *Manager) run(ctx context.Context, reqID string, payload Payload, callback func(Result)) {
	tries := 0
	var lastErr string

	for _, methodName := range m.cfg.Order {
		if tries >= m.cfg.MaxTries {
			break
		}
		tries++

		result := m.attemptOne(ctx, methodName, payload)
		if result.Success {
			metrics.AuthAttemptsTotal.WithLabelValues(methodName, "success").Inc()
			m.finish(reqID, result, callback)
			return
		}
		metrics.AuthAttemptsTotal.WithLabelValues(methodName, "failed").Inc()
		lastErr = result.Error
		logging.Logger().Debug("authmgr: attempt failed",
			zap.String("method", methodName), zap.Int("try", tries), zap.String("error", result.Error))
	}

	if lastErr == "" {
		lastErr = "no auth method configured"
	}
	m.finish(reqID, Result{Success: false, Error: lastErr}, callback)
}

// attemptOne races one method's Attempt against the per-attempt timeout.
func (m *Manager) attemptOne(ctx context.Context, methodName string, payload Payload) Result {
	method, ok := m.methods[methodName]
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown auth method %q", methodName)}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	resultCh := make(chan Result, 1)
	go func() {
		res, err := method.Attempt(attemptCtx, payload)
		if err != nil {
			res = Result{Success: false, Error: err.Error()}
		}
		resultCh <- res
	}()

	select {
	case res := <-resultCh:
		return res
	case <-attemptCtx.Done():
		return Result{Success: false, Error: "auth attempt timed out"}
	}
}

func (m *Manager) finish(reqID string, result Result, callback func(Result)) {
	m.mu.Lock()
	delete(m.pending, reqID)
	m.mu.Unlock()
	callback(result)
}

// Pending reports the number of in-flight auth requests; exposed for tests
// and diagnostics.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
