// internal/wait/poller.go
package wait

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Condition reports whether the awaited state has been reached. Returning an
// error aborts the wait immediately; convergence loops never retry through
// control-plane failures.
type Condition func(ctx context.Context) (done bool, err error)

// Sleeper blocks for d or until the context is cancelled. Injectable so tests
// can run poll loops without real delays.
type Sleeper func(ctx context.Context, d time.Duration) error

// Poller re-checks a condition on a fixed interval until it holds. The default
// has no deadline: a slow-converging control plane is waited out rather than
// falsely aborted, and only operator cancellation stops the loop.
type Poller struct {
	interval time.Duration
	deadline time.Duration
	sleep    Sleeper
	logger   *zap.Logger
}

// Option configures a Poller
type Option func(*Poller)

// WithInterval sets the delay between condition checks
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.interval = d
	}
}

// WithDeadline bounds the total wait; zero means wait forever
func WithDeadline(d time.Duration) Option {
	return func(p *Poller) {
		p.deadline = d
	}
}

// WithSleeper replaces the blocking sleep between checks
func WithSleeper(s Sleeper) Option {
	return func(p *Poller) {
		p.sleep = s
	}
}

// WithLogger adds logging to each poll iteration
func WithLogger(logger *zap.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// New creates a Poller with the 15s interval the convergence loops use
func New(opts ...Option) *Poller {
	p := &Poller{
		interval: 15 * time.Second,
		sleep:    sleepContext,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Until blocks until cond reports done, cond fails, or the context (or the
// optional deadline) expires. what names the awaited state for errors and logs.
func (p *Poller) Until(ctx context.Context, what string, cond Condition) error {
	if p.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.deadline)
		defer cancel()
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for %s: %w", what, err)
		}

		done, err := cond(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		if done {
			if attempt > 1 {
				p.logger.Debug("condition met",
					zap.String("condition", what),
					zap.Int("attempts", attempt))
			}
			return nil
		}

		p.logger.Info("still waiting",
			zap.String("condition", what),
			zap.Int("attempt", attempt),
			zap.Duration("interval", p.interval))

		if err := p.sleep(ctx, p.interval); err != nil {
			return fmt.Errorf("waiting for %s: %w", what, err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
