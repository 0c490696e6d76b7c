// internal/util/backoff.go
// Retry helper for transient listener bring-up failures (an address not yet
// released by a prior process instance). Wraps cenkalti/backoff/v4's exponential-with-jitter
// algorithm rather than hand-rolling one, matching the retry style the
// teacher uses around its gRPC export stream.
package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds an exponential backoff retry loop.
type RetryConfig struct {
	InitialInterval time.Duration // 0 keeps the backoff library's default (500ms)
	MaxInterval     time.Duration // 0 keeps the backoff library's default (60s)
	MaxElapsedTime  time.Duration // 0 means 30s
}

func (c RetryConfig) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		eb.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		eb.MaxInterval = c.MaxInterval
	}
	if c.MaxElapsedTime > 0 {
		eb.MaxElapsedTime = c.MaxElapsedTime
	} else {
		eb.MaxElapsedTime = 30 * time.Second
	}
	return eb
}

// Retry runs op until it succeeds, the backoff policy gives up, or ctx is
// cancelled, whichever comes first.
func Retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(cfg.newBackOff(), ctx))
}
