// Package dedup implements a best-effort idempotency guard for trigger
// deliveries: a bounded local window backed by an optional shared Redis check.
// It only suppresses redundant work; per-task locks still provide exclusion.
package dedup

import (
	"context"
	"strconv"
	"time"

	ikeys "github.com/UniQw/mediarelay/internal/keys"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Config configures a Guard.
type Config struct {
	// Size bounds the local window. Defaults to 4096.
	Size int
	// TTL is how long a key is remembered. Defaults to 10 minutes.
	TTL time.Duration
	// Redis enables the shared check when non-nil.
	Redis redis.UniversalClient
}

// Guard remembers delivery keys for a TTL window.
type Guard struct {
	local *expirable.LRU[string, struct{}]
	rdb   redis.UniversalClient
	ttl   time.Duration
}

// New creates a Guard.
func New(cfg Config) *Guard {
	if cfg.Size <= 0 {
		cfg.Size = 4096
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &Guard{
		local: expirable.NewLRU[string, struct{}](cfg.Size, nil, cfg.TTL),
		rdb:   cfg.Redis,
		ttl:   cfg.TTL,
	}
}

// Key derives the dedup key of one delivery.
func Key(jobType, messageID string) string {
	return strconv.FormatUint(xxhash.Sum64String(jobType+"\x00"+messageID), 16)
}

// Seen reports whether key was marked inside the window. A shared hit is
// copied into the local window.
func (g *Guard) Seen(ctx context.Context, key string) (bool, error) {
	if g.local.Contains(key) {
		return true, nil
	}
	if g.rdb == nil {
		return false, nil
	}
	n, err := g.rdb.Exists(ctx, ikeys.Dedup(key)).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		g.local.Add(key, struct{}{})
		return true, nil
	}
	return false, nil
}

// Mark records key for the window.
func (g *Guard) Mark(ctx context.Context, key string) error {
	g.local.Add(key, struct{}{})
	if g.rdb == nil {
		return nil
	}
	return g.rdb.SetNX(ctx, ikeys.Dedup(key), 1, g.ttl).Err()
}
