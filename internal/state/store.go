package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Maayk/klauncher-hytale/internal/cdperr"
)

// Store persists Settings and the per-channel BuildRecord map. All
// access goes through the store's lock; writes are atomic per file
// (tmp + rename). Disk permission failures on write are logged and
// tolerated: the in-memory state stays authoritative.
type Store struct {
	settingsPath string
	versionPath  string
	log          zerolog.Logger

	mu       sync.Mutex
	settings Settings
	records  buildRecords
}

// Open loads state from settingsPath and versionPath. A missing
// settings file yields defaults in memory and a best-effort save; a
// missing version file yields no records and is not written. Corrupt or
// unmigratable documents fall back to defaults and log.
func Open(settingsPath, versionPath string, log zerolog.Logger) *Store {
	s := &Store{
		settingsPath: settingsPath,
		versionPath:  versionPath,
		log:          log,
		settings:     DefaultSettings(),
		records:      buildRecords{},
	}

	if data, err := os.ReadFile(settingsPath); err == nil {
		parsed, perr := parseSettings(data)
		if perr != nil {
			log.Warn().Err(perr).Str("path", settingsPath).
				Msg("settings unusable, falling back to defaults")
		} else {
			s.settings = parsed
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if werr := s.saveSettingsLocked(); werr != nil {
			log.Debug().Err(werr).Msg("initial settings save failed")
		}
	} else {
		log.Warn().Err(err).Str("path", settingsPath).Msg("settings unreadable")
	}

	if data, err := os.ReadFile(versionPath); err == nil {
		parsed, perr := parseBuildRecords(data)
		if perr != nil {
			log.Warn().Err(perr).Str("path", versionPath).
				Msg("version records unusable, starting empty")
		} else {
			s.records = parsed
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", versionPath).Msg("version records unreadable")
	}

	return s
}

// Settings returns a copy of the current settings.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings validates and persists new settings.
func (s *Store) UpdateSettings(next Settings) error {
	if err := next.Validate(); err != nil {
		return cdperr.E("state.settings.update", cdperr.ConfigCorrupt, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = next
	return s.saveSettingsLocked()
}

// BuildRecord returns the record for channel. A channel without a
// record reports build 0.
func (s *Store) BuildRecord(channel string) BuildRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[channel]; ok {
		return r
	}
	return BuildRecord{Channel: channel}
}

// SetBuild records a successful install or patch for channel.
func (s *Store) SetBuild(channel string, build uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	record, ok := s.records[channel]
	if !ok || !record.Installed() {
		record = BuildRecord{Channel: channel, Build: build, InstalledAt: now}
	} else {
		record.Build = build
		record.PatchedAt = &now
	}
	s.records[channel] = record
	return s.saveRecordsLocked()
}

// ClearBuild demotes channel to build 0 (no installation).
func (s *Store) ClearBuild(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, channel)
	return s.saveRecordsLocked()
}

// Channels lists channels that have a record, in no particular order.
func (s *Store) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for ch := range s.records {
		out = append(out, ch)
	}
	return out
}

func (s *Store) saveSettingsLocked() error {
	return s.writeJSON(s.settingsPath, s.settings)
}

func (s *Store) saveRecordsLocked() error {
	return s.writeJSON(s.versionPath, s.records)
}

// writeJSON writes v atomically. Permission errors are downgraded to a
// log line so a read-only disk never blocks the launcher.
func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	if err := atomicWrite(path, data); err != nil {
		if errors.Is(err, os.ErrPermission) {
			s.log.Warn().Err(err).Str("path", path).
				Msg("state write denied, keeping in-memory state")
			return nil
		}
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
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
