package download

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Maayk/klauncher-hytale/internal/cache"
	"github.com/Maayk/klauncher-hytale/internal/event"
	"github.com/Maayk/klauncher-hytale/internal/hashutil"
	"github.com/Maayk/klauncher-hytale/internal/platform"
	"github.com/Maayk/klauncher-hytale/internal/stats"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	MaxParallel int // bound for DownloadFiles fan-out, default 3, max 10
}

// Service layers caching, in-flight dedup, and parallel fan-out over
// the Engine. One Service owns one Engine which owns the bandwidth
// limiter; nothing refers back up the chain.
type Service struct {
	engine *Engine
	cache  *cache.Store
	log    zerolog.Logger
	opts   ServiceOptions

	group     singleflight.Group
	collector *stats.Collector
}

// sharedResult is what the winning fetch publishes to deduped callers.
type sharedResult struct {
	path string
	size int64
	hash *hashutil.FileHash
}

// NewService creates a Service over engine and cache.
func NewService(engine *Engine, cacheStore *cache.Store, opts ServiceOptions, log zerolog.Logger) *Service {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 3
	}
	if opts.MaxParallel > 10 {
		opts.MaxParallel = 10
	}
	return &Service{
		engine:    engine,
		cache:     cacheStore,
		log:       log,
		opts:      opts,
		collector: stats.NewCollector(),
	}
}

// SetMaxParallel reconfigures the fan-out bound live.
func (s *Service) SetMaxParallel(n int) {
	if n >= 1 && n <= 10 {
		s.opts.MaxParallel = n
	}
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() stats.Snapshot { return s.collector.Snapshot() }

// Collector exposes the live collector for presenters.
func (s *Service) Collector() *stats.Collector { return s.collector }

// Download fetches one task, serving it from the cache when the
// expected hash is known and cached. Concurrent callers for the same
// URL share a single network fetch; every caller's DestPath receives
// the file.
func (s *Service) Download(ctx context.Context, task Task, sink event.Sink) (Result, error) {
	start := time.Now()

	if task.ExpectedHash != nil {
		if path, ok := s.cache.Get(task.URL); ok {
			s.collector.CacheHit()
			if err := s.deliver(path, task.DestPath); err != nil {
				return Result{}, err
			}
			got, err := hashutil.HashFile(task.DestPath)
			if err != nil {
				return Result{}, fmt.Errorf("hash cached copy: %w", err)
			}
			s.log.Debug().Str("url", task.URL).Msg("served from cache")
			return Result{
				Success:   true,
				Path:      task.DestPath,
				Size:      got.Size,
				Hash:      &got,
				Duration:  time.Since(start),
				FromCache: true,
			}, nil
		}
		s.collector.CacheMiss()
	}

	v, err, _ := s.group.Do(task.URL, func() (any, error) {
		return s.fetchShared(ctx, task, sink)
	})
	if err != nil {
		return Result{}, err
	}

	shared := v.(sharedResult)
	if err := s.deliver(shared.path, task.DestPath); err != nil {
		return Result{}, err
	}

	return Result{
		Success:  true,
		Path:     task.DestPath,
		Size:     shared.size,
		Hash:     shared.hash,
		Duration: time.Since(start),
	}, nil
}

// fetchShared is the single network fetch for a URL. Hashed downloads
// land at the cache blob location and are recorded in the index;
// hashless ones go straight to the caller's destination.
func (s *Service) fetchShared(ctx context.Context, task Task, sink event.Sink) (sharedResult, error) {
	fetchTask := task
	if task.ExpectedHash != nil {
		fetchTask.DestPath = s.cache.BlobPath(task.URL)
	}

	s.collector.DownloadStarted()
	result, err := s.engine.Fetch(ctx, fetchTask, s.countingSink(sink))
	if err != nil {
		s.collector.DownloadFailed()
		return sharedResult{}, err
	}
	s.collector.DownloadCompleted()

	shared := sharedResult{path: result.Path, size: result.Size, hash: result.Hash}

	if task.ExpectedHash != nil {
		full := result.Hash
		if full == nil || full.MD5 == "" || full.SHA1 == "" || full.SHA256 == "" {
			h, herr := hashutil.HashFile(result.Path)
			if herr != nil {
				return sharedResult{}, fmt.Errorf("hash downloaded file: %w", herr)
			}
			full = &h
		}
		shared.hash = full
		if err := s.cache.Put(task.URL, result.Path, *full); err != nil {
			// Cache bookkeeping failures never fail the download.
			s.log.Warn().Err(err).Str("url", task.URL).Msg("cache put failed")
		}
	}

	return shared, nil
}

// countingSink tees byte-level progress into the stats collector.
func (s *Service) countingSink(sink event.Sink) event.Sink {
	var lastDownloaded int64
	return func(e event.Event) {
		if e.Stage == event.Downloading && e.Downloaded > lastDownloaded {
			s.collector.AddBytes(e.Downloaded - lastDownloaded)
			lastDownloaded = e.Downloaded
		}
		if sink != nil {
			sink(e)
		}
	}
}

// deliver places src at dest, skipping the copy when they are the same
// file.
func (s *Service) deliver(src, dest string) error {
	if src == dest {
		return nil
	}
	if _, err := platform.CopyFile(src, dest); err != nil {
		return fmt.Errorf("deliver %s: %w", dest, err)
	}
	return nil
}

// DownloadFiles fetches tasks with bounded parallelism, higher
// priorities first. Results are returned in the order of the sorted
// task list; the first error cancels outstanding work but completed
// results are preserved.
func (s *Service) DownloadFiles(ctx context.Context, tasks []Task, sink event.Sink) ([]Result, error) {
	ordered := make([]Task, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	results := make([]Result, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxParallel)

	var done int64
	total := int64(len(ordered))

	for i, task := range ordered {
		g.Go(func() error {
			result, err := s.Download(gctx, task, sink)
			if err != nil {
				return fmt.Errorf("%s: %w", task.URL, err)
			}
			results[i] = result

			completed := atomic.AddInt64(&done, 1)
			event.Emit(sink, event.Event{
				Stage:   event.Downloading,
				Percent: float64(completed) / float64(total) * 100,
				Message: fmt.Sprintf("%d/%d files", completed, total),
			})
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

// DownloadMissing verifies each task's destination against its
// expected hash and downloads only the files that fail verification.
func (s *Service) DownloadMissing(ctx context.Context, tasks []Task, sink event.Sink) (MissingReport, error) {
	report := MissingReport{Failed: make(map[string]error)}

	var missing []Task
	for _, task := range tasks {
		if task.ExpectedHash == nil {
			missing = append(missing, task)
			continue
		}
		ok, err := hashutil.VerifyFile(task.DestPath, *task.ExpectedHash)
		if err != nil {
			return report, fmt.Errorf("verify %s: %w", task.DestPath, err)
		}
		if ok {
			report.Skipped = append(report.Skipped, task.DestPath)
			continue
		}
		missing = append(missing, task)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxParallel)
	resultCh := make(chan struct {
		path string
		err  error
	}, len(missing))

	for _, task := range missing {
		g.Go(func() error {
			_, err := s.Download(gctx, task, sink)
			resultCh <- struct {
				path string
				err  error
			}{task.DestPath, err}
			return nil
		})
	}
	_ = g.Wait()
	close(resultCh)

	for r := range resultCh {
		if r.err != nil {
			report.Failed[r.path] = r.err
		} else {
			report.Downloaded = append(report.Downloaded, r.path)
		}
	}
	return report, nil
}

// VerifyFiles checks every path against its expected hash and reports
// per-path validity.
func (s *Service) VerifyFiles(tasks []Task) (map[string]bool, error) {
	out := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.ExpectedHash == nil {
			out[task.DestPath] = false
			continue
		}
		ok, err := hashutil.VerifyFile(task.DestPath, *task.ExpectedHash)
		if err != nil {
			return out, fmt.Errorf("verify %s: %w", task.DestPath, err)
		}
		out[task.DestPath] = ok
	}
	return out, nil
}
