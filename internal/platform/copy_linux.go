//go:build linux

package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// CopyFile copies src to dst, trying copy_file_range first and falling
// through to buffered read/write on unsupported or cross-device errors.
func CopyFile(src, dst string) (CopyResult, error) {
	result, err := copyFileRange(src, dst)
	if err == nil {
		return result, nil
	}
	if !isFallbackErr(err) {
		return result, err
	}
	return copyReadWrite(src, dst)
}

func copyFileRange(src, dst string) (CopyResult, error) {
	in, err := os.Open(src)
	if err != nil {
		return CopyResult{}, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return CopyResult{}, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return CopyResult{}, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return CopyResult{}, err
	}
	defer out.Close()

	remaining := info.Size()
	var total int64
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(in.Fd()), nil, int(out.Fd()), nil, int(remaining), 0)
		if err != nil {
			_ = os.Remove(dst)
			return CopyResult{BytesWritten: total, Method: CopyFileRange}, err
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
		total += int64(n)
	}
	return CopyResult{BytesWritten: total, Method: CopyFileRange}, nil
}

// isFallbackErr reports errors that mean "try a simpler copy", not
// "the copy failed".
func isFallbackErr(err error) bool {
	return errors.Is(err, unix.EXDEV) ||
		errors.Is(err, unix.ENOSYS) ||
		errors.Is(err, unix.EOPNOTSUPP) ||
		errors.Is(err, unix.EINVAL)
}
