// Package hashutil computes file digests for download verification and
// cache addressing.
package hashutil

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Algo selects a digest algorithm.
type Algo string

const (
	MD5    Algo = "md5"
	SHA1   Algo = "sha1"
	SHA256 Algo = "sha256"
)

// chunkSize is the read buffer used for streaming hashing.
const chunkSize = 8 << 20 // 8 MiB

// FileHash records the size and digests of a file. Hex fields are empty
// when the corresponding algorithm was not requested.
type FileHash struct {
	Size   int64  `json:"size"`
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256"`
}

// Matches reports whether h satisfies expected: a non-zero expected
// size must agree, and every digest present in expected must agree.
// A zero expected size and empty expected digests are ignored.
func (h FileHash) Matches(expected FileHash) bool {
	if expected.Size != 0 && h.Size != expected.Size {
		return false
	}
	if expected.MD5 != "" && h.MD5 != expected.MD5 {
		return false
	}
	if expected.SHA1 != "" && h.SHA1 != expected.SHA1 {
		return false
	}
	if expected.SHA256 != "" && h.SHA256 != expected.SHA256 {
		return false
	}
	return true
}

// HashFile streams the file at path once and fills the requested
// digests. With no algos it computes all three.
func HashFile(path string, algos ...Algo) (FileHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileHash{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return HashReader(f, algos...)
}

// HashReader consumes r to EOF and returns the requested digests plus
// the byte count.
func HashReader(r io.Reader, algos ...Algo) (FileHash, error) {
	if len(algos) == 0 {
		algos = []Algo{MD5, SHA1, SHA256}
	}

	hashers := make(map[Algo]hash.Hash, len(algos))
	writers := make([]io.Writer, 0, len(algos))
	for _, a := range algos {
		var h hash.Hash
		switch a {
		case MD5:
			h = md5.New()
		case SHA1:
			h = sha1.New()
		case SHA256:
			h = sha256.New()
		default:
			return FileHash{}, fmt.Errorf("unknown hash algorithm %q", a)
		}
		hashers[a] = h
		writers = append(writers, h)
	}

	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(io.MultiWriter(writers...), r, buf)
	if err != nil {
		return FileHash{}, fmt.Errorf("hash: %w", err)
	}

	out := FileHash{Size: n}
	if h, ok := hashers[MD5]; ok {
		out.MD5 = hex.EncodeToString(h.Sum(nil))
	}
	if h, ok := hashers[SHA1]; ok {
		out.SHA1 = hex.EncodeToString(h.Sum(nil))
	}
	if h, ok := hashers[SHA256]; ok {
		out.SHA256 = hex.EncodeToString(h.Sum(nil))
	}
	return out, nil
}

// VerifyFile reports whether the file at path matches expected. A
// missing file is a plain false, not an error.
func VerifyFile(path string, expected FileHash) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if expected.Size != 0 && info.Size() != expected.Size {
		return false, nil
	}

	algos := make([]Algo, 0, 3)
	if expected.MD5 != "" {
		algos = append(algos, MD5)
	}
	if expected.SHA1 != "" {
		algos = append(algos, SHA1)
	}
	if expected.SHA256 != "" {
		algos = append(algos, SHA256)
	}
	if len(algos) == 0 {
		return true, nil
	}

	got, err := HashFile(path, algos...)
	if err != nil {
		return false, err
	}
	return got.Matches(expected), nil
}

// ContentKey derives a short stable hex key from s, used for cache blob
// filenames.
func ContentKey(s string) string {
	h := blake3.New()
	h.Write([]byte(s))
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:16])
}

// RulesDigest hashes an ordered list of strings into a stable hex
// digest, recorded in binary-patch flag files.
func RulesDigest(parts ...string) string {
	h := blake3.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:16])
}
