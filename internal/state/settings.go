// Package state persists launcher settings and per-channel installed
// build records as schema-versioned JSON with forward-only migrations.
package state

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/Maayk/klauncher-hytale/internal/cdperr"
)

// SettingsVersion is the latest settings schema version.
const SettingsVersion = 2

// Languages the launcher ships translations for.
var supportedLanguages = map[string]bool{
	"pt-BR": true,
	"en-US": true,
	"es-ES": true,
}

// WindowBounds records the last window geometry.
type WindowBounds struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Settings is the v2 settings schema.
type Settings struct {
	Version              int          `json:"version"`
	GameDir              string       `json:"game_dir"`
	GameChannel          string       `json:"game_channel"`
	UseCustomJava        bool         `json:"use_custom_java"`
	CustomJavaPath       string       `json:"custom_java_path"`
	Language             string       `json:"language"`
	WindowBounds         WindowBounds `json:"window_bounds"`
	ModsEnabled          bool         `json:"mods_enabled"`
	MaxDownloadSpeedBps  int64        `json:"max_download_speed_bps,omitempty"`
	MaxParallelDownloads int          `json:"max_parallel_downloads,omitempty"`
	AnalyticsEnabled     bool         `json:"analytics_enabled"`
	AutoUpdateEnabled    bool         `json:"auto_update_enabled"`
	HideLauncher         bool         `json:"hide_launcher"`
	PlayerUUID           string       `json:"player_uuid,omitempty"`
	PlayerName           string       `json:"player_name"`
	SetupURL             string       `json:"setup_url,omitempty"`
}

// DefaultSettings returns the in-memory fallback used when no settings
// file exists or validation fails on optional fields.
func DefaultSettings() Settings {
	return Settings{
		Version:              SettingsVersion,
		GameChannel:          "latest",
		Language:             "en-US",
		WindowBounds:         WindowBounds{Width: 1280, Height: 720},
		MaxParallelDownloads: 3,
		AnalyticsEnabled:     true,
		AutoUpdateEnabled:    true,
		PlayerUUID:           uuid.NewString(),
		PlayerName:           "Player",
	}
}

// Validate checks s against the v2 schema.
func (s Settings) Validate() error {
	if s.Version != SettingsVersion {
		return fmt.Errorf("settings version %d, want %d", s.Version, SettingsVersion)
	}
	if !supportedLanguages[s.Language] {
		return fmt.Errorf("unsupported language %q", s.Language)
	}
	if s.WindowBounds.Width < 800 || s.WindowBounds.Height < 600 {
		return fmt.Errorf("window bounds %dx%d below 800x600 minimum",
			s.WindowBounds.Width, s.WindowBounds.Height)
	}
	if s.MaxDownloadSpeedBps < 0 {
		return fmt.Errorf("max_download_speed_bps must be >= 0")
	}
	if s.MaxParallelDownloads != 0 && (s.MaxParallelDownloads < 1 || s.MaxParallelDownloads > 10) {
		return fmt.Errorf("max_parallel_downloads %d outside [1,10]", s.MaxParallelDownloads)
	}
	if s.PlayerName == "" || len(s.PlayerName) > 16 {
		return fmt.Errorf("player_name must be 1..16 characters")
	}
	return nil
}

// migration rewrites a raw settings document from version k to k+1.
// Migrations are pure: they only touch the map they are given.
type migration func(raw map[string]any) map[string]any

// settingsMigrations[k] migrates version k -> k+1.
var settingsMigrations = map[int]migration{
	1: migrateSettingsV1V2,
}

// migrateSettingsV1V2 renames the v1 "channel" key, folds the separate
// window_width/window_height fields into window_bounds, and seeds the
// download tuning fields introduced in v2.
func migrateSettingsV1V2(raw map[string]any) map[string]any {
	if ch, ok := raw["channel"]; ok {
		raw["game_channel"] = ch
		delete(raw, "channel")
	}
	w, wok := toInt(raw["window_width"])
	h, hok := toInt(raw["window_height"])
	if wok || hok {
		if !wok || w < 800 {
			w = 1280
		}
		if !hok || h < 600 {
			h = 720
		}
		raw["window_bounds"] = map[string]any{"width": w, "height": h}
		delete(raw, "window_width")
		delete(raw, "window_height")
	}
	if _, ok := raw["window_bounds"]; !ok {
		raw["window_bounds"] = map[string]any{"width": 1280, "height": 720}
	}
	if _, ok := raw["max_parallel_downloads"]; !ok {
		raw["max_parallel_downloads"] = 3
	}
	raw["version"] = 2
	return raw
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// parseSettings decodes, migrates, and validates a settings document.
func parseSettings(data []byte) (Settings, error) {
	const op = cdperr.Op("state.settings.parse")

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Settings{}, cdperr.E(op, cdperr.ConfigCorrupt, err)
	}

	version, _ := toInt(raw["version"])
	if version == 0 {
		version = 1
	}
	if version > SettingsVersion {
		return Settings{}, cdperr.E(op, cdperr.ConfigCorrupt,
			fmt.Sprintf("settings version %d is newer than supported %d", version, SettingsVersion))
	}

	for v := version; v < SettingsVersion; v++ {
		m, ok := settingsMigrations[v]
		if !ok {
			return Settings{}, cdperr.E(op, cdperr.MigrationFailed,
				fmt.Sprintf("no migration from settings version %d", v))
		}
		raw = m(raw)
	}

	remarshalled, err := json.Marshal(raw)
	if err != nil {
		return Settings{}, cdperr.E(op, cdperr.MigrationFailed, err)
	}
	var s Settings
	if err := json.Unmarshal(remarshalled, &s); err != nil {
		return Settings{}, cdperr.E(op, cdperr.ConfigCorrupt, err)
	}

	if err := s.Validate(); err != nil {
		return s, cdperr.E(op, cdperr.ConfigCorrupt, err)
	}
	return s, nil
}
