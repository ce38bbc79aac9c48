package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Defaults holds optional persistent flag defaults from the operator's
// config.toml. Every field is a pointer so "unset" stays distinct from
// a zero value.
type Defaults struct {
	Workers *int    `toml:"workers"`
	BWLimit *string `toml:"bwlimit"`
	Verbose *bool   `toml:"verbose"`
	Channel *string `toml:"channel"`
}

// DefaultsPath returns the resolved path of the defaults file.
func DefaultsPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "klauncher", "config.toml")
}

// LoadDefaults reads the defaults file. A missing file yields a zero
// Defaults with no error; the file is always optional.
func LoadDefaults(path string) (Defaults, error) {
	if path == "" {
		path = DefaultsPath()
	}
	if path == "" {
		return Defaults{}, nil
	}

	var d Defaults
	_, err := toml.DecodeFile(path, &d)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults{}, nil
		}
		return Defaults{}, err
	}
	return d, nil
}
