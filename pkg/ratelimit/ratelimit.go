// Package ratelimit implements sliding-window admission for run
// creation. The count is read with a bounded cap so the check stays
// O(limit) regardless of a principal's history size.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/wardenhq/warden/pkg/werr"
)

// Counter reports how many runs a principal created since a cutoff,
// scanning at most cap rows. runstore implements this.
type Counter interface {
	CountCreatedSince(ctx context.Context, createdBy string, since time.Time, cap int) (int, error)
}

type Limiter struct {
	counter Counter
	window  time.Duration
	limit   int
}

func New(counter Counter, window time.Duration, limit int) *Limiter {
	return &Limiter{counter: counter, window: window, limit: limit}
}

// Allow admits or rejects a new run for the principal. Rejection is a
// rate_limit error; a counter failure is surfaced as-is.
func (l *Limiter) Allow(ctx context.Context, principal string) error {
	if l.limit <= 0 {
		return werr.Newf(werr.CodeRateLimit, "run creation disabled (limit %d)", l.limit)
	}

	since := time.Now().Add(-l.window)
	n, err := l.counter.CountCreatedSince(ctx, principal, since, l.limit+1)
	if err != nil {
		return fmt.Errorf("rate limit count: %w", err)
	}
	if n >= l.limit {
		return werr.Newf(werr.CodeRateLimit,
			"rate limit exceeded: %d runs in the last %s (limit %d)", n, l.window, l.limit)
	}
	return nil
}
