package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Maayk/klauncher-hytale/internal/hashutil"
)

// Options configures a Store.
type Options struct {
	Dir      string
	MaxBytes int64         // cache size budget; <= 0 means 10 GiB
	MaxAge   time.Duration // entries older than this are pruned on open; <= 0 means 30 days
}

const (
	defaultMaxBytes = 10 << 30
	defaultMaxAge   = 30 * 24 * time.Hour
)

// Store is the content-addressed cache. All operations are serialized
// through a single mutex; the index is persisted whole after each
// mutation.
type Store struct {
	dir      string
	maxBytes int64
	maxAge   time.Duration
	log      zerolog.Logger

	mu  sync.Mutex
	idx *index
}

// Open loads (or creates) the cache at opts.Dir, prunes entries past
// their age limit, and verifies integrity of what remains.
func Open(opts Options, log zerolog.Logger) (*Store, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	idx, err := loadIndex(opts.Dir)
	if err != nil {
		log.Warn().Err(err).Msg("cache index unreadable, starting empty")
		idx = newIndex()
	}

	s := &Store{
		dir:      opts.Dir,
		maxBytes: opts.MaxBytes,
		maxAge:   opts.MaxAge,
		log:      log,
		idx:      idx,
	}

	s.mu.Lock()
	s.pruneExpiredLocked()
	s.verifyIntegrityLocked()
	_ = s.idx.save(s.dir)
	s.mu.Unlock()

	return s, nil
}

// BlobPath returns where the blob for url would be stored inside the
// cache directory.
func (s *Store) BlobPath(url string) string {
	return filepath.Join(s.dir, hashutil.ContentKey(url)+".blob")
}

// Get returns the cached path for url after re-validating size and
// SHA-256. On mismatch the entry is evicted and ok is false. A hit
// bumps the access bookkeeping and persists the index.
func (s *Store) Get(url string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.idx.entries[url]
	if !ok {
		return "", false
	}

	if !s.validate(e) {
		s.log.Warn().Str("url", url).Msg("cache entry failed validation, evicting")
		s.removeLocked(url, true)
		_ = s.idx.save(s.dir)
		return "", false
	}

	e.LastAccessed = time.Now()
	e.AccessCount++
	s.idx.entries[url] = e
	_ = s.idx.save(s.dir)
	return e.Path, true
}

// Contains reports whether url has a (not re-validated) entry.
func (s *Store) Contains(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.idx.entries[url]
	return ok
}

// Put records srcPath as the cached blob for url. The file must match
// hash; space is made by evicting low-score entries first. When
// srcPath already lies inside the cache directory the file is indexed
// in place, otherwise it is indexed at its install location without
// copying.
func (s *Store) Put(url, srcPath string, hash hashutil.FileHash) error {
	ok, err := hashutil.VerifyFile(srcPath, hash)
	if err != nil {
		return fmt.Errorf("cache put %s: %w", url, err)
	}
	if !ok {
		return fmt.Errorf("cache put %s: file does not match recorded hash", url)
	}

	abs, err := filepath.Abs(srcPath)
	if err != nil {
		return fmt.Errorf("cache put %s: %w", url, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictForLocked(hash.Size)

	now := time.Now()
	s.idx.entries[url] = Entry{
		Key:          url,
		Path:         abs,
		Hash:         hash,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  1,
	}
	return s.idx.save(s.dir)
}

// Remove drops the entry for url, deleting the referenced blob when it
// lives inside the cache directory.
func (s *Store) Remove(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(url, true)
	return s.idx.save(s.dir)
}

// Clear removes every entry and its cache-owned blob.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for url := range s.idx.entries {
		s.removeLocked(url, true)
	}
	return s.idx.save(s.dir)
}

// VerifyIntegrity re-validates every entry and evicts corrupt ones,
// returning how many were evicted.
func (s *Store) VerifyIntegrity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := s.verifyIntegrityLocked()
	_ = s.idx.save(s.dir)
	return evicted
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idx.entries)
}

// TotalSize returns the summed recorded size of all entries.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.totalSize()
}

// Entries returns a snapshot of all entries, eviction order first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.byScore()
}

// validate checks that the blob still exists with the recorded size
// and SHA-256.
func (s *Store) validate(e Entry) bool {
	info, err := os.Stat(e.Path)
	if err != nil || info.Size() != e.Hash.Size {
		return false
	}
	got, err := hashutil.HashFile(e.Path, hashutil.SHA256)
	if err != nil {
		return false
	}
	return got.SHA256 == e.Hash.SHA256
}

// evictForLocked evicts lowest-score entries until additional bytes
// fit inside the budget.
func (s *Store) evictForLocked(additional int64) {
	budget := s.maxBytes - additional
	if budget < 0 {
		budget = 0
	}
	if s.idx.totalSize() <= budget {
		return
	}
	for _, e := range s.idx.byScore() {
		if s.idx.totalSize() <= budget {
			break
		}
		s.log.Debug().Str("url", e.Key).Int64("size", e.Hash.Size).Msg("evicting for space")
		s.removeLocked(e.Key, true)
	}
}

// pruneExpiredLocked drops entries older than the age limit.
func (s *Store) pruneExpiredLocked() {
	cutoff := time.Now().Add(-s.maxAge)
	for url, e := range s.idx.entries {
		if e.CreatedAt.Before(cutoff) {
			s.log.Debug().Str("url", url).Msg("pruning expired cache entry")
			s.removeLocked(url, true)
		}
	}
}

func (s *Store) verifyIntegrityLocked() int {
	var evicted int
	for url, e := range s.idx.entries {
		if !s.validate(e) {
			s.log.Warn().Str("url", url).Msg("cache integrity check failed, evicting")
			s.removeLocked(url, true)
			evicted++
		}
	}
	return evicted
}

// removeLocked drops the index entry and, when deleteFile is set and
// the blob is cache-owned, the file itself. Files indexed at their
// install location are never deleted.
func (s *Store) removeLocked(url string, deleteFile bool) {
	e, ok := s.idx.entries[url]
	if !ok {
		return
	}
	delete(s.idx.entries, url)
	if deleteFile && s.owns(e.Path) {
		_ = os.Remove(e.Path)
	}
}

// owns reports whether path lies inside the cache directory.
func (s *Store) owns(path string) bool {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && !startsWithDotDot(rel)
}

func startsWithDotDot(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
