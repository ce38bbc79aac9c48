package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Maayk/klauncher-hytale/internal/event"
	"github.com/Maayk/klauncher-hytale/internal/stats"
)

// Presenter consumes the progress event stream.
type Presenter interface {
	Sink() event.Sink
	// Summary renders a final line once the operation finished.
	Summary(snap stats.Snapshot) string
}

// NewPlain returns a presenter printing stage transitions and
// throttled progress lines to w.
func NewPlain(w io.Writer) Presenter {
	return &plainPresenter{w: w}
}

// NewQuiet returns a presenter that swallows everything except a
// terse summary.
func NewQuiet() Presenter {
	return quietPresenter{}
}

type plainPresenter struct {
	w io.Writer

	mu        sync.Mutex
	lastStage event.Stage
	lastLine  time.Time
}

func (p *plainPresenter) Sink() event.Sink {
	return func(e event.Event) {
		p.mu.Lock()
		defer p.mu.Unlock()

		if e.Stage != p.lastStage {
			p.lastStage = e.Stage
			if e.Message != "" {
				fmt.Fprintf(p.w, "%s: %s\n", e.Stage, e.Message)
			} else {
				fmt.Fprintf(p.w, "%s\n", e.Stage)
			}
			p.lastLine = time.Time{}
			return
		}

		// Progress lines for a running stage, at most one per second.
		if e.Stage == event.Downloading && time.Since(p.lastLine) >= time.Second && e.Total > 0 {
			fmt.Fprintf(p.w, "  %3.0f%%  %s/%s  %s  eta %s\n",
				e.Percent,
				stats.FormatBytes(e.Downloaded), stats.FormatBytes(e.Total),
				FormatRate(e.SpeedBps),
				FormatETA(e.ETA),
			)
			p.lastLine = time.Now()
		}
	}
}

func (p *plainPresenter) Summary(snap stats.Snapshot) string {
	return fmt.Sprintf("downloaded %s in %s (%d files, %d cache hits, %d failed)",
		stats.FormatBytes(snap.Bytes),
		snap.Elapsed.Round(time.Second),
		snap.Completed, snap.CacheHits, snap.Failed)
}

type quietPresenter struct{}

func (quietPresenter) Sink() event.Sink { return nil }

func (quietPresenter) Summary(snap stats.Snapshot) string {
	return fmt.Sprintf("%d completed, %d failed", snap.Completed, snap.Failed)
}
