package patch

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range entries {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "a.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func tarArchive(t *testing.T, name string, compress func(*bytes.Buffer) (*bytes.Buffer, error), entries map[string]string) string {
	t.Helper()
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	for entry, body := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: entry, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	compressed, err := compress(&raw)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, compressed.Bytes(), 0o644))
	return path
}

func TestExtractZip(t *testing.T) {
	t.Parallel()

	src := zipArchive(t, map[string]string{
		"Client":          "binary",
		"assets/data.txt": "data",
	})
	dest := t.TempDir()
	require.NoError(t, extractArchive(src, dest))

	got, err := os.ReadFile(filepath.Join(dest, "Client"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(got))
	got, err = os.ReadFile(filepath.Join(dest, "assets", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestExtractTarGz(t *testing.T) {
	t.Parallel()

	src := tarArchive(t, "tool.tar.gz", func(raw *bytes.Buffer) (*bytes.Buffer, error) {
		var out bytes.Buffer
		gw := gzip.NewWriter(&out)
		if _, err := gw.Write(raw.Bytes()); err != nil {
			return nil, err
		}
		return &out, gw.Close()
	}, map[string]string{"hpatch": "#!tool"})

	dest := t.TempDir()
	require.NoError(t, extractArchive(src, dest))

	got, err := os.ReadFile(filepath.Join(dest, "hpatch"))
	require.NoError(t, err)
	assert.Equal(t, "#!tool", string(got))
}

func TestExtractTarZst(t *testing.T) {
	t.Parallel()

	src := tarArchive(t, "tool.tar.zst", func(raw *bytes.Buffer) (*bytes.Buffer, error) {
		var out bytes.Buffer
		zw, err := zstd.NewWriter(&out)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(raw.Bytes()); err != nil {
			return nil, err
		}
		return &out, zw.Close()
	}, map[string]string{"bin/hpatch": "ztool"})

	dest := t.TempDir()
	require.NoError(t, extractArchive(src, dest))

	got, err := os.ReadFile(filepath.Join(dest, "bin", "hpatch"))
	require.NoError(t, err)
	assert.Equal(t, "ztool", string(got))
}

func TestExtractRejectsTraversal(t *testing.T) {
	t.Parallel()

	src := zipArchive(t, map[string]string{"../escape.txt": "nope"})
	err := extractArchive(src, t.TempDir())
	assert.Error(t, err)
}

func TestExtractUnknownFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "blob.rar")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	assert.Error(t, extractArchive(path, t.TempDir()))
}

func TestLimitedBuffer(t *testing.T) {
	t.Parallel()

	b := &limitedBuffer{limit: 8}
	n, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n, "writer must report full consumption")
	assert.Equal(t, "01234567", b.buf.String())

	n, err = b.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "01234567", b.buf.String())
}
