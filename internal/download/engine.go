package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/Maayk/klauncher-hytale/internal/cdperr"
	"github.com/Maayk/klauncher-hytale/internal/event"
	"github.com/Maayk/klauncher-hytale/internal/hashutil"
	"github.com/Maayk/klauncher-hytale/internal/ratelimit"
	"github.com/Maayk/klauncher-hytale/internal/retry"
)

const (
	partSuffix = ".part"
	metaSuffix = ".part.meta"

	// copyChunk is the read buffer; the limiter is charged per chunk.
	copyChunk = 128 << 10

	// progressInterval caps progress emission at ~10 Hz.
	progressInterval = 100 * time.Millisecond
)

// partMeta binds a partial file to the URL it was fetched from, so a
// stale .part from a different resource is never resumed.
type partMeta struct {
	URLHash string `json:"url_hash"`
}

func urlFingerprint(url string) string {
	return strconv.FormatUint(xxhash.Sum64String(url), 16)
}

// Engine performs single-URL resumable fetches.
type Engine struct {
	client  *http.Client
	limiter *ratelimit.Limiter
	log     zerolog.Logger
	retry   retry.Options
}

// NewEngine creates an Engine sharing the given bandwidth limiter.
func NewEngine(limiter *ratelimit.Limiter, log zerolog.Logger) *Engine {
	return &Engine{
		client:  newHTTPClient(),
		limiter: limiter,
		log:     log,
		retry: retry.Options{
			MaxAttempts: 4,
			BaseDelay:   time.Second,
			MaxDelay:    15 * time.Second,
			Retryable:   retryableFetch,
		},
	}
}

// retryableFetch retries transport faults, incomplete bodies, and 5xx
// responses. 4xx statuses and hash mismatches are final.
func retryableFetch(err error) bool {
	var ce *cdperr.Error
	if errors.As(err, &ce) && ce.Kind == cdperr.HTTPStatus {
		return ce.Code >= 500
	}
	return cdperr.IsTransport(err)
}

// Fetch downloads task.URL to task.DestPath. The whole fetch,
// including resume detection, sits inside the retry harness; the
// post-download hash verification does not — a mismatch is surfaced
// immediately.
func (e *Engine) Fetch(ctx context.Context, task Task, sink event.Sink) (Result, error) {
	const op = cdperr.Op("download.engine.fetch")
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(task.DestPath), 0o755); err != nil {
		return Result{}, fmt.Errorf("create destination dir: %w", err)
	}

	var size int64
	err := retry.Do(ctx, withRetryLog(e.retry, e.log, task.URL), func(ctx context.Context) error {
		var attemptErr error
		size, attemptErr = e.fetchOnce(ctx, task, sink)
		return attemptErr
	})
	if err != nil {
		if cdperr.KindOf(err) == cdperr.Cancelled && task.DiscardPartOnCancel {
			e.discardPart(task.DestPath)
		}
		return Result{}, err
	}

	result := Result{
		Success:  true,
		Path:     task.DestPath,
		Size:     size,
		Duration: time.Since(start),
	}

	if task.ExpectedHash != nil {
		event.Emit(sink, event.Event{Stage: event.Verifying, CurrentFile: task.DestPath, Percent: 100})
		got, herr := hashutil.HashFile(task.DestPath)
		if herr != nil {
			return Result{}, fmt.Errorf("verify %s: %w", task.DestPath, herr)
		}
		if !got.Matches(*task.ExpectedHash) {
			_ = os.Remove(task.DestPath)
			return Result{}, cdperr.E(op, cdperr.HashMismatch,
				"downloaded file does not match expected hash",
				map[string]string{"url": task.URL, "path": task.DestPath})
		}
		result.Hash = &got
	}

	return result, nil
}

func withRetryLog(opts retry.Options, log zerolog.Logger, url string) retry.Options {
	opts.OnRetry = func(attempt int, err error) {
		log.Warn().Err(err).Int("attempt", attempt).Str("url", url).Msg("download retrying")
	}
	return opts
}

// fetchOnce performs one fetch attempt, resuming a matching .part when
// allowed. Returns the final file size on success.
func (e *Engine) fetchOnce(ctx context.Context, task Task, sink event.Sink) (int64, error) {
	offset := e.resumeOffset(task)

	size, err := e.stream(ctx, task, offset, sink)
	if err == nil {
		return size, nil
	}

	// 416: our partial is longer than the resource (or otherwise
	// unusable). Drop it and restart from scratch within the same
	// attempt; the status is never surfaced.
	var ce *cdperr.Error
	if errors.As(err, &ce) && ce.Kind == cdperr.HTTPStatus && ce.Code == http.StatusRequestedRangeNotSatisfiable {
		e.log.Debug().Str("url", task.URL).Msg("range not satisfiable, restarting without resume")
		e.discardPart(task.DestPath)
		return e.stream(ctx, task, 0, sink)
	}
	return 0, err
}

// resumeOffset decides where to resume from: the .part size when the
// task allows resuming and the sidecar fingerprint matches the URL.
func (e *Engine) resumeOffset(task Task) int64 {
	partPath := task.DestPath + partSuffix
	if !task.Resume {
		e.discardPart(task.DestPath)
		return 0
	}

	info, err := os.Stat(partPath)
	if err != nil || info.Size() == 0 {
		return 0
	}

	metaData, err := os.ReadFile(task.DestPath + metaSuffix)
	if err != nil {
		e.discardPart(task.DestPath)
		return 0
	}
	var meta partMeta
	if json.Unmarshal(metaData, &meta) != nil || meta.URLHash != urlFingerprint(task.URL) {
		e.log.Debug().Str("url", task.URL).Msg("partial file belongs to a different resource, discarding")
		e.discardPart(task.DestPath)
		return 0
	}
	return info.Size()
}

// stream issues the request at offset and pumps the body to the .part
// file, then renames it into place.
func (e *Engine) stream(ctx context.Context, task Task, offset int64, sink event.Sink) (int64, error) {
	const op = cdperr.Op("download.engine.stream")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, cdperr.E(op, cdperr.Cancelled, ctx.Err())
		}
		return 0, cdperr.E(op, cdperr.NetworkTransport, err, map[string]string{"url": task.URL})
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// resuming as requested
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// Server ignored the range; start over.
			e.discardPart(task.DestPath)
			offset = 0
		}
	default:
		return 0, cdperr.E(op, cdperr.HTTPStatus, resp.StatusCode,
			fmt.Sprintf("unexpected status %s", resp.Status),
			map[string]string{"url": task.URL})
	}

	partPath := task.DestPath + partSuffix
	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	part, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open partial file: %w", err)
	}

	if err := e.writeMeta(task); err != nil {
		part.Close()
		return 0, err
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	received, err := e.pump(ctx, resp.Body, part, task, offset, total, sink)
	closeErr := part.Close()
	if err != nil {
		return 0, err
	}
	if closeErr != nil {
		return 0, fmt.Errorf("close partial file: %w", closeErr)
	}

	if resp.ContentLength >= 0 && received < resp.ContentLength {
		return 0, cdperr.E(op, cdperr.IncompleteDownload,
			fmt.Sprintf("received %d of %d advertised bytes", received, resp.ContentLength),
			map[string]string{"url": task.URL})
	}

	if err := os.Rename(partPath, task.DestPath); err != nil {
		return 0, fmt.Errorf("finalize download: %w", err)
	}
	_ = os.Remove(task.DestPath + metaSuffix)

	return offset + received, nil
}

// pump copies body to part, charging the bandwidth limiter before each
// write and emitting throttled progress.
func (e *Engine) pump(ctx context.Context, body io.Reader, part io.Writer, task Task, offset, total int64, sink event.Sink) (int64, error) {
	const op = cdperr.Op("download.engine.pump")

	buf := make([]byte, copyChunk)
	downloaded := offset
	var received int64

	lastEmit := time.Time{}
	lastEmitBytes := downloaded

	for {
		if err := ctx.Err(); err != nil {
			return received, cdperr.E(op, cdperr.Cancelled, err)
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if err := e.limiter.Acquire(ctx, n); err != nil {
				return received, cdperr.E(op, cdperr.Cancelled, err)
			}
			if _, err := part.Write(buf[:n]); err != nil {
				return received, fmt.Errorf("write partial file: %w", err)
			}
			downloaded += int64(n)
			received += int64(n)

			if now := time.Now(); now.Sub(lastEmit) >= progressInterval {
				speed := float64(0)
				if !lastEmit.IsZero() {
					speed = float64(downloaded-lastEmitBytes) / now.Sub(lastEmit).Seconds()
				}
				event.Emit(sink, progressEvent(task, downloaded, total, speed))
				lastEmit = now
				lastEmitBytes = downloaded
			}
		}
		if readErr == io.EOF {
			event.Emit(sink, progressEvent(task, downloaded, total, 0))
			return received, nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return received, cdperr.E(op, cdperr.Cancelled, ctx.Err())
			}
			return received, cdperr.E(op, cdperr.NetworkTransport, readErr,
				map[string]string{"url": task.URL})
		}
	}
}

func progressEvent(task Task, downloaded, total int64, speed float64) event.Event {
	ev := event.Event{
		Stage:       event.Downloading,
		CurrentFile: task.DestPath,
		Downloaded:  downloaded,
		Total:       total,
		SpeedBps:    speed,
	}
	if total > 0 {
		ev.Percent = float64(downloaded) / float64(total) * 100
		if speed > 0 {
			ev.ETA = time.Duration(float64(total-downloaded)/speed) * time.Second
		}
	}
	return ev
}

func (e *Engine) writeMeta(task Task) error {
	data, err := json.Marshal(partMeta{URLHash: urlFingerprint(task.URL)})
	if err != nil {
		return err
	}
	return os.WriteFile(task.DestPath+metaSuffix, data, 0o644)
}

func (e *Engine) discardPart(destPath string) {
	_ = os.Remove(destPath + partSuffix)
	_ = os.Remove(destPath + metaSuffix)
}
