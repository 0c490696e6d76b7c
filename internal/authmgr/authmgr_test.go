package authmgr

import (
	"context"
	"sync"
	"testing"
	"time"
)

type stubMethod struct {
	name  string
	delay time.Duration
	res   Result
}

func (s stubMethod) Name() string { return s.name }

func (s stubMethod) Attempt(ctx context.Context, _ Payload) (Result, error) {
	select {
	case <-time.After(s.delay):
		return s.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func waitCallback(t *testing.T) (func(Result), func() Result) {
	t.Helper()
	var (
		mu  sync.Mutex
		got *Result
	)
	done := make(chan struct{})
	cb := func(r Result) {
		mu.Lock()
		got = &r
		mu.Unlock()
		close(done)
	}
	wait := func() Result {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("callback never invoked")
		}
		mu.Lock()
		defer mu.Unlock()
		return *got
	}
	return cb, wait
}

func TestManager_FirstMethodSucceeds(t *testing.T) {
	m := New(Config{Order: []string{"local"}, MaxTries: 1, TimeoutMS: 1000},
		stubMethod{name: "local", res: Result{Success: true, Info: map[string]any{"agent_name": "a"}}})

	cb, wait := waitCallback(t)
	m.SubmitAuthRequest(context.Background(), Payload{Token: "t"}, cb)
	result := wait()
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestManager_AdvancesToNextMethodOnFailure(t *testing.T) {
	m := New(Config{Order: []string{"local", "special-agent"}, MaxTries: 2, TimeoutMS: 1000},
		stubMethod{name: "local", res: Result{Success: false, Error: "nope"}},
		stubMethod{name: "special-agent", res: Result{Success: true}},
	)

	cb, wait := waitCallback(t)
	m.SubmitAuthRequest(context.Background(), Payload{Token: "t"}, cb)
	result := wait()
	if !result.Success {
		t.Fatalf("expected eventual success, got %+v", result)
	}
}

func TestManager_ExhaustedMethodsFail(t *testing.T) {
	m := New(Config{Order: []string{"local"}, MaxTries: 1, TimeoutMS: 1000},
		stubMethod{name: "local", res: Result{Success: false, Error: "denied"}},
	)

	cb, wait := waitCallback(t)
	m.SubmitAuthRequest(context.Background(), Payload{Token: "t"}, cb)
	result := wait()
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error != "denied" {
		t.Fatalf("error = %q, want denied", result.Error)
	}
}

func TestManager_MaxTriesOneAllowsExactlyOneAttempt(t *testing.T) {
	attempts := 0
	var mu sync.Mutex

	m := New(Config{Order: []string{"local", "local"}, MaxTries: 1, TimeoutMS: 1000}, countingMethod{
		base: stubMethod{name: "local", res: Result{Success: false, Error: "no"}},
		onAttempt: func() {
			mu.Lock()
			attempts++
			mu.Unlock()
		},
	})

	cb, wait := waitCallback(t)
	m.SubmitAuthRequest(context.Background(), Payload{Token: "t"}, cb)
	wait()

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Fatalf("attempts = %d, want exactly 1", attempts)
	}
}

type countingMethod struct {
	base      stubMethod
	onAttempt func()
}

func (c countingMethod) Name() string { return c.base.name }

func (c countingMethod) Attempt(ctx context.Context, p Payload) (Result, error) {
	c.onAttempt()
	return c.base.Attempt(ctx, p)
}

func TestManager_TimeoutAdvancesMethod(t *testing.T) {
	m := New(Config{Order: []string{"slow", "fast"}, MaxTries: 2, TimeoutMS: 10},
		stubMethod{name: "slow", delay: time.Second, res: Result{Success: true}},
		stubMethod{name: "fast", res: Result{Success: true}},
	)

	cb, wait := waitCallback(t)
	start := time.Now()
	m.SubmitAuthRequest(context.Background(), Payload{Token: "t"}, cb)
	result := wait()
	if !result.Success {
		t.Fatalf("expected success via fast method, got %+v", result)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("took too long (%v), timeout didn't advance promptly", elapsed)
	}
}

func TestManager_MissingTokenFails(t *testing.T) {
	validator := &fakeTrustChecker{trusted: true}
	m := New(Config{Order: []string{"local"}, MaxTries: 1, TimeoutMS: 1000},
		NewLocalMethod(LocalMethodConfig{Validator: validator}))

	cb, wait := waitCallback(t)
	m.SubmitAuthRequest(context.Background(), Payload{}, cb)
	result := wait()
	if result.Success {
		t.Fatal("expected failure for missing token")
	}
}

func TestManager_PendingClearedAfterCompletion(t *testing.T) {
	m := New(Config{Order: []string{"local"}, MaxTries: 1, TimeoutMS: 1000},
		stubMethod{name: "local", res: Result{Success: true}})

	cb, wait := waitCallback(t)
	m.SubmitAuthRequest(context.Background(), Payload{Token: "t"}, cb)
	wait()

	time.Sleep(10 * time.Millisecond)
	if n := m.Pending(); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}
