package binpatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Maayk/klauncher-hytale/internal/hashutil"
	"github.com/Maayk/klauncher-hytale/internal/platform"
)

const (
	backupSuffix    = ".bak"
	execFlagSuffix  = ".patched_custom"
	archiveFlagName = "patched_server.json"
)

// Report summarises a patch run.
type Report struct {
	Replacements  int
	FilesModified int
}

// flagFile is the persisted "already patched" sidecar.
type flagFile struct {
	PatchedAt   time.Time `json:"patched_at"`
	Target      string    `json:"target"`
	RulesDigest string    `json:"rules_digest"`
}

// Patcher applies replacement rules to executables and archives.
type Patcher struct {
	log zerolog.Logger
}

// New creates a Patcher.
func New(log zerolog.Logger) *Patcher {
	return &Patcher{log: log}
}

// Patch rewrites path according to rules. A sidecar flag file makes
// the operation idempotent: when it already records this rule set the
// call succeeds with zero replacements. A backup of the unpatched file
// is kept next to it; reruns with a different rule set restore from
// the backup first so rules always apply to a clean base.
func (p *Patcher) Patch(path string, rules []Rule, enc Encoding) (Report, error) {
	for _, r := range rules {
		if err := r.Validate(enc); err != nil {
			return Report{}, err
		}
	}

	digest := rulesDigest(rules, enc)
	flagPath := flagPathFor(path)

	if done, err := alreadyPatched(flagPath, digest); err != nil {
		return Report{}, err
	} else if done {
		p.log.Debug().Str("path", path).Msg("already patched, skipping")
		return Report{}, nil
	}

	if err := p.ensureCleanBase(path); err != nil {
		return Report{}, err
	}

	var report Report
	var err error
	if isArchive(path) {
		report, err = patchArchive(path, rules, enc)
	} else {
		report, err = patchWholeFile(path, rules, enc)
	}
	if err != nil {
		return Report{}, err
	}

	if err := writeFlag(flagPath, flagFile{
		PatchedAt:   time.Now().UTC(),
		Target:      replacementTarget(rules),
		RulesDigest: digest,
	}); err != nil {
		return Report{}, fmt.Errorf("write flag file: %w", err)
	}

	p.log.Info().Str("path", path).Int("replacements", report.Replacements).Msg("binary patched")
	return report, nil
}

// ensureCleanBase restores path from its backup when one exists, and
// creates the backup otherwise.
func (p *Patcher) ensureCleanBase(path string) error {
	backup := path + backupSuffix
	if _, err := os.Stat(backup); err == nil {
		if _, err := platform.CopyFile(backup, path); err != nil {
			return fmt.Errorf("restore backup: %w", err)
		}
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if _, err := platform.CopyFile(path, backup); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

func patchWholeFile(path string, rules []Rule, enc Encoding) (Report, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("read %s: %w", path, err)
	}

	var total int
	for _, r := range rules {
		n, err := r.Apply(buf, enc)
		if err != nil {
			return Report{}, err
		}
		total += n
	}

	if total == 0 {
		return Report{}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return Report{}, err
	}
	if err := os.WriteFile(path, buf, info.Mode().Perm()); err != nil {
		return Report{}, fmt.Errorf("write %s: %w", path, err)
	}
	return Report{Replacements: total, FilesModified: 1}, nil
}

// flagPathFor picks the sidecar location: next to the file for
// executables, a shared per-directory flag for archive targets.
func flagPathFor(path string) string {
	if isArchive(path) {
		return filepath.Join(filepath.Dir(path), archiveFlagName)
	}
	return path + execFlagSuffix
}

func isArchive(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".jar":
		return true
	}
	return false
}

func alreadyPatched(flagPath, digest string) (bool, error) {
	data, err := os.ReadFile(flagPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	var f flagFile
	if err := json.Unmarshal(data, &f); err != nil {
		// A corrupt flag means we simply re-patch.
		return false, nil
	}
	return f.RulesDigest == digest, nil
}

func writeFlag(flagPath string, f flagFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := flagPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, flagPath)
}

// replacementTarget records what the rules rewrite to, for the flag
// file's target field.
func replacementTarget(rules []Rule) string {
	var parts []string
	for _, r := range rules {
		parts = append(parts, r.New)
	}
	return strings.Join(parts, ",")
}

func rulesDigest(rules []Rule, enc Encoding) string {
	parts := []string{string(enc)}
	for _, r := range rules {
		parts = append(parts, fmt.Sprintf("%d:%s:%s", r.Kind, r.Old, r.New))
	}
	return hashutil.RulesDigest(parts...)
}
