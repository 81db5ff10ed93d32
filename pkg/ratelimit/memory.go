package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is a per-process token bucket limiter. A Rule of N per
// window becomes a bucket of N tokens refilled at N/window.
type MemoryLimiter struct {
	mu       sync.Mutex
	rules    Rules
	visitors map[string]*visitor
	now      func() time.Time
}

func NewMemoryLimiter(rules Rules) *MemoryLimiter {
	return &MemoryLimiter{
		rules:    rules,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Check(_ context.Context, userID, bucket string) (Decision, error) {
	rule, ok := l.rules[bucket]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	lim := l.limiter(bucket+":"+userID, rule, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Allowed: false, ResetAt: now.Add(rule.Window)}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, Remaining: 0, ResetAt: now.Add(delay)}, nil
	}

	remaining := int(lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	perToken := rule.Window / time.Duration(rule.Limit)
	return Decision{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   now.Add(perToken * time.Duration(rule.Limit-remaining)),
	}, nil
}

func (l *MemoryLimiter) limiter(key string, rule Rule, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	every := rate.Every(rule.Window / time.Duration(rule.Limit))
	v := &visitor{limiter: rate.NewLimiter(every, rule.Limit), lastSeen: now}
	l.visitors[key] = v
	return v.limiter
}

// Sweep forgets users not seen for idle. Returns how many were removed.
func (l *MemoryLimiter) Sweep(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, k)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every minute until ctx is done.
func (l *MemoryLimiter) RunSweeper(ctx context.Context, idle time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(idle)
		}
	}
}
