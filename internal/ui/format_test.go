package ui

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maayk/klauncher-hytale/internal/event"
	"github.com/Maayk/klauncher-hytale/internal/stats"
)

func TestFormatRate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0 B/s", FormatRate(0))
	assert.Equal(t, "512 B/s", FormatRate(512))
	assert.Equal(t, "1.00 KB/s", FormatRate(1024))
	assert.Equal(t, "10.0 MB/s", FormatRate(10*1024*1024))
}

func TestFormatETA(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "--", FormatETA(0))
	assert.Equal(t, "42s", FormatETA(42*time.Second))
	assert.Equal(t, "2m 05s", FormatETA(125*time.Second))
	assert.Equal(t, "1h 01m 05s", FormatETA(3665*time.Second))
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"64KB", 64 << 10},
		{"64k", 64 << 10},
		{"2MB", 2 << 20},
		{"1.5MB", 3 << 19},
		{"1G", 1 << 30},
	}
	for _, tc := range cases {
		got, err := ParseSize(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseSize("")
	assert.Error(t, err)
	_, err = ParseSize("lots")
	assert.Error(t, err)
	_, err = ParseSize("-5MB")
	assert.Error(t, err)
}

func TestPlainPresenter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewPlain(&buf)
	sink := p.Sink()

	sink(event.Event{Stage: event.Checking, Message: "checking installed version"})
	sink(event.Event{Stage: event.Downloading, Downloaded: 10, Total: 100, Percent: 10})
	sink(event.Event{Stage: event.Complete, Message: "build 7 up to date"})

	out := buf.String()
	assert.Contains(t, out, "checking: checking installed version")
	assert.Contains(t, out, "complete: build 7 up to date")

	summary := p.Summary(stats.Snapshot{Completed: 2, Bytes: 2048})
	assert.Contains(t, summary, "2.0 KB")
}

func TestQuietPresenter(t *testing.T) {
	t.Parallel()

	p := NewQuiet()
	assert.Nil(t, p.Sink())
	assert.Equal(t, "1 completed, 0 failed", p.Summary(stats.Snapshot{Completed: 1}))
}
