package cdperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE(t *testing.T) {
	t.Parallel()

	t.Run("assembles fields from variadic args", func(t *testing.T) {
		t.Parallel()
		cause := errors.New("boom")
		e := E("download.fetch", HTTPStatus, 503, "server unavailable", cause,
			map[string]string{"url": "https://cdn.example/0/1.pwr"})

		assert.Equal(t, HTTPStatus, e.Kind)
		assert.Equal(t, Op("download.fetch"), e.Op)
		assert.Equal(t, 503, e.Code)
		assert.Equal(t, "server unavailable", e.Msg)
		assert.Equal(t, cause, e.Err)
		assert.Equal(t, "https://cdn.example/0/1.pwr", e.Context["url"])
	})

	t.Run("message includes op, status, and cause", func(t *testing.T) {
		t.Parallel()
		e := E("cache.get", CacheCorrupt, errors.New("size mismatch"))
		assert.Contains(t, e.Error(), "cache.get")
		assert.Contains(t, e.Error(), "cache_corrupt")
		assert.Contains(t, e.Error(), "size mismatch")
	})
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	t.Run("direct", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, HashMismatch, KindOf(E("x", HashMismatch)))
	})

	t.Run("wrapped", func(t *testing.T) {
		t.Parallel()
		err := fmt.Errorf("outer: %w", E("x", IncompleteDownload))
		assert.Equal(t, IncompleteDownload, KindOf(err))
	})

	t.Run("context cancellation maps to Cancelled", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, Cancelled, KindOf(context.Canceled))
		assert.Equal(t, Cancelled, KindOf(fmt.Errorf("fetch: %w", context.DeadlineExceeded)))
	})

	t.Run("nil and plain errors", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, Unknown, KindOf(nil))
		assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	})
}

func TestIsKind(t *testing.T) {
	t.Parallel()

	inner := E("tool.run", PatchApplyFailed, errors.New("exit status 1"))
	outer := E("patch.apply", Unknown, error(inner))

	assert.True(t, IsKind(outer, PatchApplyFailed))
	assert.False(t, IsKind(outer, HashMismatch))
	require.True(t, errors.Is(outer, &Error{Kind: Unknown}))
}

func TestIsTransport(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"refused", errors.New("dial tcp 127.0.0.1:1: connect: Connection Refused"), true},
		{"dns", errors.New("lookup cdn.example: no such host"), true},
		{"timeout", errors.New("request Timeout exceeded"), true},
		{"pipe", errors.New("write: broken pipe"), true},
		{"declared kind", E("d", NetworkTransport, errors.New("whatever")), true},
		{"incomplete download is retryable", E("d", IncompleteDownload), true},
		{"hash mismatch is not", E("d", HashMismatch), false},
		{"plain", errors.New("no space left on device"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsTransport(tc.err))
		})
	}
}
