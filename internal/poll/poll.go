// Package poll waits for asynchronous provider operations with a bounded,
// cancellable loop.
package poll

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned when the condition is not met before the deadline.
var ErrTimeout = errors.New("poll timed out")

// Options control a poll loop.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Until calls check immediately and then every Interval until it reports
// done, returns an error, or Timeout elapses. Cancelling ctx stops the loop at
// the next interval boundary and returns ctx.Err(); it does not affect the
// remote operation being observed.
func Until(ctx context.Context, opts Options, check func(ctx context.Context) (bool, error)) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline:
			return errors.Wrapf(ErrTimeout, "after %s", opts.Timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
