// internal/wait/poller_test.go
package wait

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instantSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func TestPoller(t *testing.T) {
	t.Run("returns immediately when condition already holds", func(t *testing.T) {
		checks := 0
		p := New(WithSleeper(func(context.Context, time.Duration) error {
			t.Fatal("should not sleep when first check succeeds")
			return nil
		}))

		err := p.Until(context.Background(), "already converged", func(context.Context) (bool, error) {
			checks++
			return true, nil
		})

		require.NoError(t, err)
		assert.Equal(t, 1, checks, "a converged state must terminate the loop on the first observation")
	})

	t.Run("re-checks until condition holds", func(t *testing.T) {
		checks := 0
		p := New(WithSleeper(instantSleep))

		err := p.Until(context.Background(), "slow convergence", func(context.Context) (bool, error) {
			checks++
			return checks >= 4, nil
		})

		require.NoError(t, err)
		assert.Equal(t, 4, checks)
	})

	t.Run("condition error aborts without retrying", func(t *testing.T) {
		boom := errors.New("remote site unreachable")
		checks := 0
		p := New(WithSleeper(instantSleep))

		err := p.Until(context.Background(), "protection domain active", func(context.Context) (bool, error) {
			checks++
			return false, boom
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, checks, "control-plane errors must not be retried")
		assert.Contains(t, err.Error(), "protection domain active")
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := New(WithSleeper(instantSleep))

		checks := 0
		err := p.Until(ctx, "never converges", func(context.Context) (bool, error) {
			checks++
			if checks == 3 {
				cancel()
			}
			return false, nil
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("deadline bounds the wait", func(t *testing.T) {
		p := New(
			WithInterval(time.Millisecond),
			WithDeadline(20*time.Millisecond),
		)

		err := p.Until(context.Background(), "bounded wait", func(context.Context) (bool, error) {
			return false, nil
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("zero deadline waits indefinitely", func(t *testing.T) {
		// Bounded by iteration count instead of wall clock: cancel from inside.
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		checks := 0
		p := New(WithSleeper(instantSleep))
		err := p.Until(ctx, "unbounded", func(context.Context) (bool, error) {
			checks++
			if checks == 50 {
				cancel()
			}
			return false, nil
		})

		require.Error(t, err)
		assert.Equal(t, 50, checks, "no implicit attempt ceiling")
	})
}
