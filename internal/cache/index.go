// Package cache implements the content-addressed download cache: blobs
// keyed by URL, validated by cryptographic hash, with a JSON index
// manifest persisted alongside them.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Maayk/klauncher-hytale/internal/hashutil"
)

const indexFile = "index.json"

// accessBonus is the recency credit one access is worth when scoring
// entries for eviction.
const accessBonus = 60_000 // ms

// Entry is one cached blob.
type Entry struct {
	Key          string            `json:"key"`  // source URL
	Path         string            `json:"path"` // absolute blob location
	Hash         hashutil.FileHash `json:"hash"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	AccessCount  uint64            `json:"access_count"`
}

// score orders entries for eviction: freshness in milliseconds with
// each access worth one minute of recency. Lowest score evicts first.
func (e Entry) score() int64 {
	return e.LastAccessed.UnixMilli() + int64(e.AccessCount)*accessBonus
}

// index is the in-memory manifest. Callers hold the store lock.
type index struct {
	entries map[string]Entry
}

func newIndex() *index {
	return &index{entries: make(map[string]Entry)}
}

// loadIndex reads the manifest from dir. A missing or corrupt manifest
// yields an empty index; corruption is the caller's to log.
func loadIndex(dir string) (*index, error) {
	idx := newIndex()
	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return idx, err
	}

	var records []Entry
	if err := json.Unmarshal(data, &records); err != nil {
		return idx, err
	}
	for _, e := range records {
		idx.entries[e.Key] = e
	}
	return idx, nil
}

// save writes the manifest whole, atomically.
func (idx *index) save(dir string) error {
	records := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		records = append(records, e)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(dir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// totalSize sums the recorded size of every entry.
func (idx *index) totalSize() int64 {
	var total int64
	for _, e := range idx.entries {
		total += e.Hash.Size
	}
	return total
}

// byScore returns entries ordered for eviction, lowest score first.
func (idx *index) byScore() []Entry {
	out := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score() < out[j].score() })
	return out
}
