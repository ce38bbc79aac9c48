package patch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/Maayk/klauncher-hytale/internal/cdperr"
	"github.com/Maayk/klauncher-hytale/internal/download"
)

// toolOutputLimit caps how much tool output is buffered for
// diagnostics.
const toolOutputLimit = 10 << 20 // 10 MiB

// toolRunner applies a differential patch to a game directory.
// The production implementation shells out to the external tool;
// tests substitute their own.
type toolRunner interface {
	Apply(ctx context.Context, patchFile, gameDir, stagingDir string) error
}

// execToolRunner invokes the external patch tool binary, provisioning
// it on first use.
type execToolRunner struct {
	toolsDir string
	toolURL  string
	svc      *download.Service
	log      zerolog.Logger
}

func toolBinaryName() string {
	if runtime.GOOS == "windows" {
		return "hpatch.exe"
	}
	return "hpatch"
}

func (r *execToolRunner) binaryPath() string {
	return filepath.Join(r.toolsDir, toolBinaryName())
}

// ensure downloads and unpacks the tool when the binary is absent.
// This is a one-time side effect per installation.
func (r *execToolRunner) ensure(ctx context.Context) error {
	bin := r.binaryPath()
	if _, err := os.Stat(bin); err == nil {
		return nil
	}

	r.log.Info().Str("url", r.toolURL).Msg("provisioning patch tool")
	if err := os.MkdirAll(r.toolsDir, 0o755); err != nil {
		return fmt.Errorf("create tools dir: %w", err)
	}

	archive := filepath.Join(r.toolsDir, filepath.Base(r.toolURL))
	if _, err := r.svc.Download(ctx, download.Task{
		URL:      r.toolURL,
		DestPath: archive,
		Resume:   true,
	}, nil); err != nil {
		return fmt.Errorf("download patch tool: %w", err)
	}
	defer os.Remove(archive)

	if err := extractArchive(archive, r.toolsDir); err != nil {
		return fmt.Errorf("extract patch tool: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(bin, 0o755); err != nil {
			return fmt.Errorf("mark tool executable: %w", err)
		}
	}
	return nil
}

// limitedBuffer keeps at most limit bytes, discarding the excess.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

// Apply runs `tool apply --staging-dir=<staging> <patch> <gamedir>`
// and waits for exit. Cancellation terminates the child and waits for
// it to go away.
func (r *execToolRunner) Apply(ctx context.Context, patchFile, gameDir, stagingDir string) error {
	const op = cdperr.Op("patch.tool.apply")

	if err := r.ensure(ctx); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, r.binaryPath(),
		"apply", "--staging-dir="+stagingDir, patchFile, gameDir)

	stdout := &limitedBuffer{limit: toolOutputLimit}
	stderr := &limitedBuffer{limit: toolOutputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.log.Debug().Str("patch", patchFile).Str("game_dir", gameDir).Msg("invoking patch tool")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return cdperr.E(op, cdperr.Cancelled, ctx.Err())
		}
		return cdperr.E(op, cdperr.PatchApplyFailed, err, map[string]string{
			"patch":  patchFile,
			"stderr": stderr.buf.String(),
		})
	}
	return nil
}
