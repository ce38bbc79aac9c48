// Package stats tracks download activity using lock-free atomic
// counters plus a small ring buffer for rolling throughput.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks download statistics. Counter methods are safe for
// concurrent use by any number of workers.
type Collector struct {
	active      atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	bytes       atomic.Int64
	bytesTotal  atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	startTime   time.Time

	// Ring buffer — written only by Tick(), not by the counter methods.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per second
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	Active      int64
	Completed   int64
	Failed      int64
	Bytes       int64
	BytesTotal  int64
	CacheHits   int64
	CacheMisses int64
	Elapsed     time.Duration
}

func (c *Collector) DownloadStarted()      { c.active.Add(1) }
func (c *Collector) DownloadCompleted()    { c.active.Add(-1); c.completed.Add(1) }
func (c *Collector) DownloadFailed()       { c.active.Add(-1); c.failed.Add(1) }
func (c *Collector) AddBytes(n int64)      { c.bytes.Add(n) }
func (c *Collector) AddBytesTotal(n int64) { c.bytesTotal.Add(n) }
func (c *Collector) CacheHit()             { c.cacheHits.Add(1) }
func (c *Collector) CacheMiss()            { c.cacheMisses.Add(1) }

// Snapshot reads all counters. Each counter is loaded atomically on
// its own, so a snapshot taken during updates may mix old and new values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Active:      c.active.Load(),
		Completed:   c.completed.Load(),
		Failed:      c.failed.Load(),
		Bytes:       c.bytes.Load(),
		BytesTotal:  c.bytesTotal.Load(),
		CacheHits:   c.cacheHits.Load(),
		CacheMisses: c.cacheMisses.Load(),
		Elapsed:     c.Elapsed(),
	}
}

// Tick snapshots the byte delta into the ring buffer. RollingSpeed
// treats successive samples as one second apart.
func (c *Collector) Tick() {
	current := c.bytes.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of
// samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := seconds
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining time based on rolling speed and remaining
// bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytes.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"active=%d completed=%d failed=%d bytes=%d cache_hits=%d cache_misses=%d",
		s.Active, s.Completed, s.Failed, s.Bytes, s.CacheHits, s.CacheMisses,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
