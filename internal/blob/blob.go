// Package blob stores uploaded files under names derived from their content.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashReader streams r through SHA-256 and returns the hex digest.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Store keeps one file per content hash in a flat directory.
type Store struct {
	dir string
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// Path returns where the blob for hash and extension lives.
func (s *Store) Path(hash, ext string) string {
	return filepath.Join(s.dir, hash+normalizeExt(ext))
}

// Put writes data under its hash and returns the hash. Writing the same
// content twice is a no-op.
func (s *Store) Put(data []byte, ext string) (string, error) {
	hash := HashBytes(data)
	dst := s.Path(hash, ext)
	if _, err := os.Stat(dst); err == nil {
		return hash, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("store blob: %w", err)
	}
	return hash, nil
}

// Open opens the blob for reading.
func (s *Store) Open(hash, ext string) (*os.File, error) {
	f, err := os.Open(s.Path(hash, ext))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", hash, err)
	}
	return f, nil
}

// Exists reports whether a blob is present.
func (s *Store) Exists(hash, ext string) bool {
	_, err := os.Stat(s.Path(hash, ext))
	return err == nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if strings.ContainsAny(ext, `/\`) {
		return ""
	}
	return ext
}
