package modelbundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// resolveBundlePath joins rel onto dir and rejects anything that would
// escape the bundle directory.
func resolveBundlePath(dir, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path %q not allowed", rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes bundle dir", rel)
	}
	return filepath.Join(dir, clean), nil
}

// verifyChecksum hashes the file at path and compares it with want
// (hex sha256, case-insensitive). An empty want skips the check.
func verifyChecksum(path, want string) error {
	want = strings.TrimSpace(want)
	if want == "" {
		return nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer fh.Close()

	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, want) {
		return fmt.Errorf("sha256 mismatch for %s: expected %s got %s", filepath.Base(path), want, sum)
	}
	return nil
}
