//go:build !linux

package platform

// CopyFile uses the portable read/write copy on non-Linux platforms.
func CopyFile(src, dst string) (CopyResult, error) {
	return copyReadWrite(src, dst)
}
