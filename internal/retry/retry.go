// Package retry runs provider calls with a bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/mrled/hedgesite/internal/deployerr"
)

// Policy bounds how often and how long an operation is retried.
type Policy struct {
	Attempts  int           // total attempts, including the first
	BaseDelay time.Duration // delay before the second attempt, doubled thereafter
	MaxDelay  time.Duration
	Logger    *slog.Logger
}

// DefaultPolicy allows three attempts: 200ms then 400ms apart.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Do calls fn until it succeeds, returns a non-transient error, or the
// attempts are exhausted. Only errors accepted by deployerr.IsTransient are
// retried. The last error is returned as is.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || attempt >= attempts || !deployerr.IsTransient(err) {
			return err
		}
		if p.Logger != nil {
			p.Logger.Warn("transient error, retrying",
				"op", op,
				"attempt", attempt,
				"max_attempts", attempts,
				"delay", delay,
				"error", err)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
