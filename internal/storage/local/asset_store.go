// Package local lays out downloaded assets and thumbnails on the local
// filesystem.
package local

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Config captures the parameters for the local asset store.
type Config struct {
	// BaseDir is the downloads root under which every asset lives.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// AssetStore resolves deterministic asset paths under a root directory.
type AssetStore struct {
	baseDir string
}

// New creates a new local filesystem-backed asset store.
func New(cfg Config) (*AssetStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &AssetStore{baseDir: cfg.BaseDir}, nil
}

// AssetRel returns the stored, root-relative asset path for an item.
func AssetRel(ownerID, itemID string) string {
	return path.Join(ownerID+"_videos", itemID+".mp4")
}

// ThumbnailRel returns the stored, root-relative thumbnail path for an item.
func ThumbnailRel(ownerID, itemID string) string {
	return path.Join(ownerID+"_videos", itemID+"_thumb.jpg")
}

// BaseDir returns the downloads root.
func (s *AssetStore) BaseDir() string {
	return s.baseDir
}

// Path resolves a root-relative path, rejecting anything that escapes the
// root.
func (s *AssetStore) Path(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("path is required")
	}
	cleanBaseDir := filepath.Clean(s.baseDir)
	fullPath := filepath.Clean(filepath.Join(cleanBaseDir, filepath.FromSlash(rel)))
	if !strings.HasPrefix(fullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

// Exists reports whether a non-empty regular file is present at rel.
func (s *AssetStore) Exists(rel string) (bool, error) {
	info, err := s.stat(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular() && info.Size() > 0, nil
}

// ModTime returns the modification time of the file at rel.
func (s *AssetStore) ModTime(rel string) (time.Time, error) {
	info, err := s.stat(rel)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Prepare creates the parent directories of rel and returns its full path.
func (s *AssetStore) Prepare(rel string) (string, error) {
	full, err := s.Path(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	return full, nil
}

// Remove deletes the file at rel. A missing file is not an error.
func (s *AssetStore) Remove(rel string) error {
	full, err := s.Path(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", rel, err)
	}
	return nil
}

func (s *AssetStore) stat(rel string) (os.FileInfo, error) {
	full, err := s.Path(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	return info, nil
}
