// Package storage keeps inputs, temp files and artifacts inside configured
// directories and publishes finished artifacts.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned for paths that resolve outside a sandbox.
var ErrPathTraversal = errors.New("path escapes sandbox")

// Sandbox confines file operations to a base directory.
type Sandbox struct {
	baseDir string
}

// NewSandbox creates a Sandbox rooted at baseDir, creating the directory
// if needed.
func NewSandbox(baseDir string) (*Sandbox, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}
	return &Sandbox{baseDir: absPath}, nil
}

// BaseDir returns the absolute sandbox root.
func (s *Sandbox) BaseDir() string {
	return s.baseDir
}

// ResolvePath resolves a relative path within the sandbox. Absolute paths
// and paths that climb out of the root fail with ErrPathTraversal.
func (s *Sandbox) ResolvePath(relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", fmt.Errorf("%w: %s (absolute paths not allowed)", ErrPathTraversal, relativePath)
	}

	absPath, err := filepath.Abs(filepath.Join(s.baseDir, filepath.Clean(relativePath)))
	if err != nil {
		return "", fmt.Errorf("getting absolute path: %w", err)
	}
	if !s.Contains(absPath) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, relativePath)
	}
	return absPath, nil
}

// Contains reports whether absPath lies within the sandbox.
func (s *Sandbox) Contains(absPath string) bool {
	clean := filepath.Clean(absPath)
	return clean == s.baseDir || strings.HasPrefix(clean, s.baseDir+string(filepath.Separator))
}

// Rel returns absPath relative to the sandbox root.
func (s *Sandbox) Rel(absPath string) (string, error) {
	if !s.Contains(absPath) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, absPath)
	}
	return filepath.Rel(s.baseDir, filepath.Clean(absPath))
}

// MkdirAll creates a directory and its parents within the sandbox.
func (s *Sandbox) MkdirAll(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return nil
}

// Open opens a file within the sandbox for reading.
func (s *Sandbox) Open(relativePath string) (*os.File, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Remove removes a file or empty directory within the sandbox.
func (s *Sandbox) Remove(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing path: %w", err)
	}
	return nil
}

// RemoveAll removes a path and its contents. The root itself is refused.
func (s *Sandbox) RemoveAll(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	if path == s.baseDir {
		return fmt.Errorf("cannot remove sandbox base directory")
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing path: %w", err)
	}
	return nil
}

// AtomicWriteReader streams r into relativePath through a hidden temp file
// and a rename, so readers never observe a partial file. At most limit
// bytes are accepted when limit is positive.
func (s *Sandbox) AtomicWriteReader(relativePath string, r io.Reader, limit int64) (int64, error) {
	targetPath, err := s.ResolvePath(relativePath)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("creating parent directory: %w", err)
	}

	tempPath := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(targetPath), randomHex(8)))
	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("creating temporary file: %w", err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(tempFile, src)
	closeErr := tempFile.Close()

	switch {
	case err != nil:
		os.Remove(tempPath)
		return n, fmt.Errorf("writing temporary file: %w", err)
	case closeErr != nil:
		os.Remove(tempPath)
		return n, fmt.Errorf("closing temporary file: %w", closeErr)
	case limit > 0 && n > limit:
		os.Remove(tempPath)
		return n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		return n, fmt.Errorf("renaming to target: %w", err)
	}
	return n, nil
}

// ErrTooLarge is returned when a stream exceeds its size cap.
var ErrTooLarge = errors.New("content too large")

// CreateTemp creates a temp file under dir within the sandbox. The caller
// closes and removes it.
func (s *Sandbox) CreateTemp(dir, pattern string) (*os.File, error) {
	absDir, err := s.ResolvePath(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	file, err := os.CreateTemp(absDir, pattern)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return file, nil
}

// MkdirTemp creates a private temp directory under dir within the sandbox
// and returns its absolute path.
func (s *Sandbox) MkdirTemp(dir, pattern string) (string, error) {
	absDir, err := s.ResolvePath(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(absDir, 0o750); err != nil {
		return "", fmt.Errorf("creating temp directory: %w", err)
	}
	path, err := os.MkdirTemp(absDir, pattern)
	if err != nil {
		return "", fmt.Errorf("creating temp directory: %w", err)
	}
	return path, nil
}

// List returns the entries of a directory within the sandbox.
func (s *Sandbox) List(relativePath string) ([]os.DirEntry, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	return entries, nil
}

// Walk walks the tree under relativePath. fn receives sandbox-relative paths.
func (s *Sandbox) Walk(relativePath string, fn filepath.WalkFunc) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	return filepath.Walk(path, func(walkPath string, info os.FileInfo, err error) error {
		relPath, relErr := filepath.Rel(s.baseDir, walkPath)
		if relErr != nil {
			relPath = walkPath
		}
		return fn(relPath, info, err)
	})
}

// Stat returns file info for a path within the sandbox.
func (s *Sandbox) Stat(relativePath string) (os.FileInfo, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("getting file info: %w", err)
	}
	return info, nil
}

// SubSandbox creates a Sandbox rooted at a subdirectory of this one.
func (s *Sandbox) SubSandbox(relativePath string) (*Sandbox, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}
	return NewSandbox(path)
}

// AtomicPublish moves a file from an absolute path outside the sandbox to
// destRelativePath. A rename is tried first; across filesystems the file is
// copied to a hidden temp file and renamed into place.
func (s *Sandbox) AtomicPublish(srcAbsPath, destRelativePath string) error {
	targetPath, err := s.ResolvePath(destRelativePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	if err := os.Rename(srcAbsPath, targetPath); err == nil {
		return nil
	}

	src, err := os.Open(srcAbsPath)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	if _, err := s.AtomicWriteReader(destRelativePath, src, 0); err != nil {
		return err
	}
	src.Close()
	if err := os.Remove(srcAbsPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing source file: %w", err)
	}
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n/2+1)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", os.Getpid())
	}
	return hex.EncodeToString(b)[:n]
}
