package paths

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverLayout(t *testing.T) {
	t.Parallel()

	r := NewResolver(filepath.Join("/", "opt", "hytale"))

	assert.Equal(t, filepath.Join("/", "opt", "hytale"), r.Root())
	assert.Equal(t,
		filepath.Join("/", "opt", "hytale", "install", "release", "package", "game", "latest"),
		r.GameDir("latest"))
	assert.Equal(t,
		filepath.Join("/", "opt", "hytale", "install", "release", "package", "jre", "latest"),
		r.JREDir())
	assert.Equal(t, filepath.Join("/", "opt", "hytale", "cache"), r.CacheDir())
	assert.Equal(t, filepath.Join("/", "opt", "hytale", "tools"), r.ToolsDir())
	assert.Equal(t, filepath.Join("/", "opt", "hytale", "temp"), r.TempDir())
	assert.Equal(t, filepath.Join("/", "opt", "hytale", "UserData"), r.UserDataDir())
	assert.Equal(t, filepath.Join("/", "opt", "hytale", "user-settings.json"), r.SettingsFile())
	assert.Equal(t, filepath.Join("/", "opt", "hytale", "gameVersion.json"), r.VersionFile())
}

func TestChannelIsolation(t *testing.T) {
	t.Parallel()

	r := NewResolver("/root")
	assert.NotEqual(t, r.GameDir("latest"), r.GameDir("beta"))
	assert.NotEqual(t, r.ClientExecutable("latest"), r.ClientExecutable("beta"))
}

func TestClientExecutableUnderGameDir(t *testing.T) {
	t.Parallel()

	r := NewResolver("/root")
	exe := r.ClientExecutable("beta")
	assert.True(t, filepath.Dir(exe) == r.GameDir("beta"))
}

func TestLocalOverrideArchive(t *testing.T) {
	t.Parallel()

	t.Run("no cdn dir", func(t *testing.T) {
		t.Parallel()
		assert.Empty(t, LocalOverrideArchive(t.TempDir()))
	})

	t.Run("empty cdn dir", func(t *testing.T) {
		t.Parallel()
		app := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(app, "cdn"), 0o755))
		assert.Empty(t, LocalOverrideArchive(app))
	})

	t.Run("picks newest zip", func(t *testing.T) {
		t.Parallel()
		app := t.TempDir()
		cdn := filepath.Join(app, "cdn")
		require.NoError(t, os.MkdirAll(cdn, 0o755))

		old := filepath.Join(cdn, "game-old.zip")
		newer := filepath.Join(cdn, "game-new.zip")
		require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
		require.NoError(t, os.WriteFile(newer, []byte("new"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(cdn, "notes.txt"), []byte("x"), 0o644))

		past := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(old, past, past))

		assert.Equal(t, newer, LocalOverrideArchive(app))
	})

	t.Run("case-insensitive extension", func(t *testing.T) {
		t.Parallel()
		app := t.TempDir()
		cdn := filepath.Join(app, "cdn")
		require.NoError(t, os.MkdirAll(cdn, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(cdn, "GAME.ZIP"), []byte("x"), 0o644))
		assert.NotEmpty(t, LocalOverrideArchive(app))
	})
}
