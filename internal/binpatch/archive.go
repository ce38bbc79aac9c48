package binpatch

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// patchableEntry reports archive members whose contents may embed the
// strings the rules target.
func patchableEntry(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".class", ".properties", ".json", ".xml", ".yml":
		return true
	}
	return false
}

// patchArchive rewrites matching entries of a zip/jar in memory and
// writes the archive back out atomically.
func patchArchive(archivePath string, rules []Rule, enc Encoding) (Report, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return Report{}, fmt.Errorf("open archive %s: %w", archivePath, err)
	}

	var out bytes.Buffer
	writer := zip.NewWriter(&out)

	var report Report
	for _, entry := range reader.File {
		if err := rewriteEntry(writer, entry, rules, enc, &report); err != nil {
			reader.Close()
			return Report{}, err
		}
	}

	if err := writer.Close(); err != nil {
		reader.Close()
		return Report{}, fmt.Errorf("finalize archive: %w", err)
	}
	reader.Close()

	if report.FilesModified == 0 {
		return Report{}, nil
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return Report{}, err
	}
	tmp := archivePath + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), info.Mode().Perm()); err != nil {
		return Report{}, fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, archivePath); err != nil {
		_ = os.Remove(tmp)
		return Report{}, fmt.Errorf("replace archive: %w", err)
	}
	return report, nil
}

func rewriteEntry(writer *zip.Writer, entry *zip.File, rules []Rule, enc Encoding, report *Report) error {
	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", entry.Name, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("read entry %s: %w", entry.Name, err)
	}

	if patchableEntry(entry.Name) {
		var changed int
		for _, r := range rules {
			n, err := r.Apply(data, enc)
			if err != nil {
				return err
			}
			changed += n
		}
		if changed > 0 {
			report.Replacements += changed
			report.FilesModified++
		}
	}

	header := entry.FileHeader
	w, err := writer.CreateHeader(&header)
	if err != nil {
		return fmt.Errorf("write entry %s: %w", entry.Name, err)
	}
	_, err = w.Write(data)
	return err
}
