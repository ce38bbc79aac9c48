// Package download implements the resumable HTTP download engine and
// the service layer that adds caching, in-flight dedup, and parallel
// fan-out on top of it.
package download

import (
	"time"

	"github.com/Maayk/klauncher-hytale/internal/hashutil"
)

// Priority orders tasks within a fan-out. It is advisory only.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Task describes a single download.
type Task struct {
	URL          string
	DestPath     string
	ExpectedHash *hashutil.FileHash
	Priority     Priority
	// Resume controls whether an existing .part file is continued.
	// Neither Service nor Engine changes it: the zero value discards
	// any partial file and starts over.
	Resume bool
	// DiscardPartOnCancel removes the partial file when the download
	// is cancelled instead of preserving it for a future resume.
	DiscardPartOnCancel bool
}

// Result is the outcome of a completed download.
type Result struct {
	Success   bool
	Path      string
	Size      int64
	Hash      *hashutil.FileHash
	Duration  time.Duration
	FromCache bool
}

// MissingReport summarises a DownloadMissing sweep.
type MissingReport struct {
	Downloaded []string
	Skipped    []string
	Failed     map[string]error
}
