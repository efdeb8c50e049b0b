package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateScope names a trader action that has its own request budget.
type RateScope string

const (
	ScopeClaim        RateScope = "claim"
	ScopeNotification RateScope = "notification"
)

// TraderRateLimits is the per-window budget of each scope. A missing or
// non-positive entry leaves the scope unlimited.
type TraderRateLimits map[RateScope]int

// RateDecision is the verdict for one request.
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// TraderRateLimiter keeps one counter per trader, scope and window in Redis,
// so every replica spends the same budget. Windows are aligned to the clock:
// a counter key carries its window index and simply expires afterwards.
type TraderRateLimiter struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
	limits TraderRateLimits
	now    func() time.Time
}

func NewTraderRateLimiter(client redis.UniversalClient, prefix string, window time.Duration, limits TraderRateLimits) *TraderRateLimiter {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "settlement:rate_limit"
	}
	if window < time.Second {
		window = time.Minute
	}
	return &TraderRateLimiter{client: client, prefix: trimmed, window: window, limits: limits, now: time.Now}
}

// Allow spends one request of the trader's budget in scope.
func (l *TraderRateLimiter) Allow(ctx context.Context, scope RateScope, traderID uuid.UUID) (RateDecision, error) {
	if l == nil || l.client == nil {
		return RateDecision{Allowed: true}, nil
	}
	limit := l.limits[scope]
	if limit <= 0 || traderID == uuid.Nil {
		return RateDecision{Allowed: true}, nil
	}

	index, resetsIn := windowAt(l.now(), l.window)
	key := fmt.Sprintf("%s:%s:%s:%d", l.prefix, scope, traderID, index)

	var hits *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hits = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, resetsIn+time.Second)
		return nil
	})
	if err != nil {
		return RateDecision{}, fmt.Errorf("count %s requests: %w", scope, err)
	}
	return decide(hits.Val(), limit, resetsIn), nil
}

// windowAt returns the index of the window containing now and the time left
// until it closes.
func windowAt(now time.Time, window time.Duration) (int64, time.Duration) {
	size := window.Milliseconds()
	ms := now.UnixMilli()
	index := ms / size
	return index, time.Duration((index+1)*size-ms) * time.Millisecond
}

func decide(hits int64, limit int, resetsIn time.Duration) RateDecision {
	d := RateDecision{Limit: limit, Allowed: hits <= int64(limit)}
	if d.Allowed {
		d.Remaining = limit - int(hits)
		return d
	}
	d.RetryAfter = resetsIn
	return d
}

// RetryAfterSeconds rounds the wait up to whole seconds, never below one.
func (d RateDecision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
