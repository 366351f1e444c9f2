package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper 基于 Redis SETNX 的一次性执行锁
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewDeduper creates a deduper; logger may be nil.
func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

func dedupKey(scope, key string) string {
	return fmt.Sprintf("dedup:%s:%s", scope, key)
}

// AcquireOnce returns true the first time scope+key is seen within the TTL
// and false for duplicates. When Redis is unavailable it returns an error and
// callers decide whether to proceed.
func (d *Deduper) AcquireOnce(ctx context.Context, scope, key string) (bool, error) {
	k := dedupKey(scope, key)

	ok, err := d.rdb.SetNX(ctx, k, 1, d.ttl).Result()
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("Redis dedup check failed",
				zap.String("scope", scope),
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return false, err
	}

	if !ok && d.logger != nil {
		d.logger.Debug("Skipped duplicated event",
			zap.String("scope", scope),
			zap.String("dedup_key", k),
		)
	}
	return ok, nil
}

// Release drops a previously acquired key so the work can be retried.
func (d *Deduper) Release(ctx context.Context, scope, key string) error {
	return d.rdb.Del(ctx, dedupKey(scope, key)).Err()
}
