package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maayk/klauncher-hytale/internal/cdperr"
)

func fastOpts() Options {
	return Options{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	}
}

func TestDo(t *testing.T) {
	t.Parallel()

	t.Run("succeeds first try", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(context.Background(), fastOpts(), func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries transport errors until success", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(context.Background(), fastOpts(), func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("read: connection reset by peer")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("non-retryable fails immediately", func(t *testing.T) {
		t.Parallel()
		calls := 0
		want := cdperr.E("download.verify", cdperr.HashMismatch)
		err := Do(context.Background(), fastOpts(), func(context.Context) error {
			calls++
			return want
		})
		assert.Equal(t, 1, calls)
		assert.True(t, cdperr.IsKind(err, cdperr.HashMismatch))
	})

	t.Run("exhaustion returns last error", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(context.Background(), fastOpts(), func(context.Context) error {
			calls++
			return errors.New("dial: i/o timeout")
		})
		assert.Equal(t, 3, calls)
		assert.ErrorContains(t, err, "timeout")
	})

	t.Run("custom predicate", func(t *testing.T) {
		t.Parallel()
		opts := fastOpts()
		opts.Retryable = func(err error) bool { return errors.Is(err, errAgain) }
		calls := 0
		err := Do(context.Background(), opts, func(context.Context) error {
			calls++
			if calls == 1 {
				return errAgain
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("cancellation stops the loop", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		opts := Options{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}
		calls := 0
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		err := Do(ctx, opts, func(context.Context) error {
			calls++
			return errors.New("network down")
		})
		assert.Error(t, err)
		assert.Less(t, calls, 3)
	})

	t.Run("OnRetry observes attempts", func(t *testing.T) {
		t.Parallel()
		var attempts []int
		opts := fastOpts()
		opts.OnRetry = func(n int, err error) { attempts = append(attempts, n) }
		_ = Do(context.Background(), opts, func(context.Context) error {
			return errors.New("timeout")
		})
		assert.Equal(t, []int{1, 2}, attempts)
	})
}

var errAgain = errors.New("try again")

func TestDelay(t *testing.T) {
	t.Parallel()

	opts := Options{BaseDelay: time.Second, MaxDelay: 10 * time.Second}.withDefaults()

	assert.Equal(t, time.Second, opts.Delay(1))
	assert.Equal(t, 2*time.Second, opts.Delay(2))
	assert.Equal(t, 4*time.Second, opts.Delay(3))
	assert.Equal(t, 8*time.Second, opts.Delay(4))
	assert.Equal(t, 10*time.Second, opts.Delay(5))
	assert.Equal(t, 10*time.Second, opts.Delay(20)) // must not overflow
}
