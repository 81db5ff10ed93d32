package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts hits in fixed windows shared by every server instance.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	rules  Rules
	now    func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, prefix string, rules Rules) *RedisLimiter {
	if prefix == "" {
		prefix = "matchtalk:rate"
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, rules: rules, now: time.Now}
}

func (l *RedisLimiter) Check(ctx context.Context, userID, bucket string) (Decision, error) {
	rule, ok := l.rules[bucket]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	key := fmt.Sprintf("%s:%s:%s", l.prefix, bucket, userID)
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rule.Window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", bucket, err)
	}

	count := incr.Val()
	wait := ttl.Val()
	if wait < 0 {
		wait = rule.Window
	}
	d := Decision{
		Allowed:   count <= int64(rule.Limit),
		Remaining: rule.Limit - int(count),
		ResetAt:   l.now().Add(wait),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}
