// Package filestore owns the on-disk layout for downloaded models: final
// paths per (app, model name), temporary files for in-flight transfers, and
// the move/delete primitives the orchestrator and engine compose.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store lays out model files under a single root directory:
//
//	<root>/apps/<appID>/models/<name>   final model files
//	<root>/tmp/                         in-flight temporary files
type Store struct {
	root string
}

// New creates a Store rooted at dir, expanding a leading '~' and creating
// the temp directory eagerly so the first download cannot race mkdir.
func New(dir string) (*Store, error) {
	base, err := ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string { return s.root }

// AppDir returns the directory holding all state for one app.
func (s *Store) AppDir(appID string) string {
	return filepath.Join(s.root, "apps", sanitize(appID))
}

// PathFor returns the final path for a model file. The same name always maps
// to the same path, so a replacement download overwrites in place.
func (s *Store) PathFor(appID, name string) string {
	return filepath.Join(s.AppDir(appID), "models", sanitize(name))
}

// TempFile creates a fresh temporary file for an in-flight transfer.
func (s *Store) TempFile(pattern string) (*os.File, error) {
	return os.CreateTemp(filepath.Join(s.root, "tmp"), sanitize(pattern)+".*.part")
}

// MoveIntoPlace atomically moves a fully written temp file to its final
// path, creating parent directories. Falls back to copy+rename when rename
// crosses filesystems.
func (s *Store) MoveIntoPlace(tempPath, finalPath string) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err == nil {
		return nil
	}
	// Rename failed (likely EXDEV); stage a copy next to the target so the
	// final rename stays atomic.
	staged := finalPath + ".staging"
	if err := copyFile(tempPath, staged); err != nil {
		_ = os.Remove(staged)
		return err
	}
	if err := os.Rename(staged, finalPath); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("finalize move: %w", err)
	}
	return os.Remove(tempPath)
}

// Exists reports whether path exists.
func (s *Store) Exists(path string) bool { return PathExists(path) }

// SizeOf returns the byte length of the file at path.
func (s *Store) SizeOf(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Delete removes the file at path. Deleting an absent file is not an error.
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ClearAll removes every file stored for an app. Test/reset use.
func (s *Store) ClearAll(appID string) error {
	return os.RemoveAll(s.AppDir(appID))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync: %w", err)
	}
	return out.Close()
}

// sanitize keeps model and app names path-safe. Anything outside a small
// allowed set becomes '_' so names can never escape the layout.
func sanitize(name string) string {
	if name == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	// Refuse dot-only names; they alias the directory itself.
	if strings.Trim(out, ".") == "" {
		return strings.ReplaceAll(out, ".", "_")
	}
	return out
}

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/modelcached/data
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
