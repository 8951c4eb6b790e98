// Package sha256 provides SHA-256 content hashing for finalized assets.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Hasher hashes bytes and files with SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashFile streams the file at path through SHA-256 and returns the hex
// digest and the number of bytes read.
func (h *Hasher) HashFile(path string) (string, int64, error) {
	file, err := os.Open(path) //nolint:gosec
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	digest := sha256.New()
	n, err := io.Copy(digest, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(digest.Sum(nil)), n, nil
}
