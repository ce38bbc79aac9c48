// Package config reads the launcher's shipped config.json (release and
// channel records) and the operator's optional defaults file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Maayk/klauncher-hytale/internal/cdperr"
)

// DefaultPatchBaseURL is the CDN root the version probe walks when the
// config does not override it.
const DefaultPatchBaseURL = "https://game-patches.sanasol.ws"

// DefaultPatchToolURL is where the differential patch tool is fetched
// from when missing under tools/.
const DefaultPatchToolURL = "https://game-patches.sanasol.ws/tools/hpatch.zip"

// ReleaseInfo describes one published artifact.
type ReleaseInfo struct {
	Version   string `json:"version"`
	URL       string `json:"url"`
	Notes     string `json:"notes"`
	Mandatory bool   `json:"mandatory"`
}

// Config is the shipped config.json document.
type Config struct {
	Launcher ReleaseInfo            `json:"launcher"`
	Hytale   map[string]ReleaseInfo `json:"hytale"`

	PatchBaseURL string `json:"patch_base_url,omitempty"`
	PatchToolURL string `json:"patch_tool_url,omitempty"`

	// dir is where the config file was read from, for resolving
	// relative archive paths.
	dir string
}

// Load reads config.json from path. A missing file yields an empty
// config: every channel then installs straight from the CDN.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{Hytale: map[string]ReleaseInfo{}}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, cdperr.E("config.load", cdperr.ConfigCorrupt, err,
			map[string]string{"path": path})
	}
	if cfg.Hytale == nil {
		cfg.Hytale = map[string]ReleaseInfo{}
	}
	cfg.dir = filepath.Dir(path)
	return &cfg, nil
}

// BaseURL returns the CDN root for the version probe.
func (c *Config) BaseURL() string {
	if c.PatchBaseURL != "" {
		return c.PatchBaseURL
	}
	return DefaultPatchBaseURL
}

// ToolURL returns the patch tool download location.
func (c *Config) ToolURL() string {
	if c.PatchToolURL != "" {
		return c.PatchToolURL
	}
	return DefaultPatchToolURL
}

// OverrideKind classifies a channel's local-archive override source.
type OverrideKind int

const (
	OverrideNone OverrideKind = iota
	OverrideHTTP              // download the archive first
	OverrideFile              // archive already on disk
)

// ChannelOverride resolves the local-archive override for channel:
// an explicit HTTP(S) URL wins, then an explicit file path (absolute,
// file://, or relative to the config file). The caller layers the
// newest <app>/cdn/*.zip fallback on top.
func (c *Config) ChannelOverride(channel string) (OverrideKind, string) {
	info, ok := c.Hytale[channel]
	if !ok || info.URL == "" {
		return OverrideNone, ""
	}

	u := info.URL
	switch {
	case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
		return OverrideHTTP, u
	case strings.HasPrefix(u, "file://"):
		return OverrideFile, strings.TrimPrefix(u, "file://")
	case filepath.IsAbs(u):
		return OverrideFile, u
	default:
		return OverrideFile, filepath.Join(c.dir, u)
	}
}
