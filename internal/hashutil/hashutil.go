// Package hashutil computes stable content digests of files on disk.
package hashutil

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// MD5File returns the hex-encoded MD5 digest of the file at path.
func MD5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MD5Reader returns the hex-encoded MD5 digest of everything read from r.
func MD5Reader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SidecarPath returns the "-hash" sidecar file path for the live file at
// path: the on-disk half of the local artifact set alongside "path" itself.
func SidecarPath(path string) string {
	return path + "-hash"
}

// ReadSidecar reads path's last-recorded digest, if any.
func ReadSidecar(path string) (string, bool) {
	b, err := os.ReadFile(SidecarPath(path))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(b)), true
}

// WriteSidecar records digest as path's current digest.
func WriteSidecar(path, digest string) error {
	return os.WriteFile(SidecarPath(path), []byte(digest), 0644)
}
