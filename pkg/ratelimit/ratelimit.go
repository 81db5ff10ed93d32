// Package ratelimit answers checkRate(user, bucket) for the HTTP surface.
package ratelimit

import (
	"context"
	"time"
)

const (
	BucketSend   = "message_send"
	BucketTyping = "typing"
)

// Rule allows Limit hits per Window for each user in a bucket.
type Rule struct {
	Limit  int
	Window time.Duration
}

type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long a rejected caller should wait, never negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

type Limiter interface {
	Check(ctx context.Context, userID, bucket string) (Decision, error)
}

// Rules maps bucket name to its rule. Buckets without a rule are unlimited.
type Rules map[string]Rule

func DefaultRules() Rules {
	return Rules{
		BucketSend:   {Limit: 30, Window: time.Minute},
		BucketTyping: {Limit: 20, Window: 10 * time.Second},
	}
}

// Unlimited allows every request.
type Unlimited struct{}

func (Unlimited) Check(context.Context, string, string) (Decision, error) {
	return Decision{Allowed: true, Remaining: -1}, nil
}
