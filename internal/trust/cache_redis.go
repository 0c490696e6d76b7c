// internal/trust/cache_redis.go
// Redis-backed Cache for multi-node deployments: one namespaced key holding
// the serialised IssuerConfig together with its load timestamp, written with
// the expiration passed to NewRedisCache (default 5 minutes) so a crashed
// node's stale entry doesn't linger forever. Errors are logged and
// swallowed on write (the local in-memory copy remains authoritative for
// that node); read errors simply report ok=false so the caller falls back
// to a file reload.
package trust

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jayk/pan-node/internal/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "pan:trust:"

type redisCache struct {
	cli    *redis.Client
	domain string
	ttl    time.Duration
}

// NewRedisCache returns a Cache sharing trust config across nodes via Redis.
// domain namespaces the key (e.g. "agent" vs "peer" trust), so two Validators
// in the same process/cluster never collide.
func NewRedisCache(cli *redis.Client, domain string, ttl time.Duration) Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &redisCache{cli: cli, domain: domain, ttl: ttl}
}

type redisPayload struct {
	Config   IssuerConfig `json:"config"`
	LoadedAt time.Time    `json:"loaded_at"`
}

func (c *redisCache) Store(cfg IssuerConfig, loadedAt time.Time) {
	data, err := json.Marshal(redisPayload{Config: cfg, LoadedAt: loadedAt})
	if err != nil {
		logging.Logger().Warn("trust: redis cache marshal", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.cli.Set(ctx, redisKeyPrefix+c.domain, data, c.ttl).Err(); err != nil {
		logging.Logger().Warn("trust: redis cache store", zap.Error(err))
	}
}

func (c *redisCache) Load() (IssuerConfig, time.Time, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := c.cli.Get(ctx, redisKeyPrefix+c.domain).Bytes()
	if err != nil {
		return nil, time.Time{}, false
	}
	var p redisPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		logging.Logger().Warn("trust: redis cache unmarshal", zap.Error(err))
		return nil, time.Time{}, false
	}
	return p.Config, p.LoadedAt, true
}
