// Package local implements the filesystem cache backend.
//
// Artifacts are plain files under a root directory, laid out exactly
// like their cache keys (v<revision>/<name>:<tag>:<platform>.tar.gz).
// Writes stream to a process-tagged temporary file which is then moved
// into place with an atomic rename, so concurrent readers observe
// either nothing or a complete artifact and concurrent writers of the
// same key converge to whichever rename finishes last.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	defaultPriority = 10
	defaultDirPerm  = 0o755
)

// Backend stores artifacts on the local filesystem.
type Backend struct {
	root     string
	priority int
	dirPerm  os.FileMode
}

// Option configures a Backend.
type Option func(*Backend)

// WithPriority overrides the backend's position in the lookup order.
func WithPriority(p int) Option {
	return func(b *Backend) {
		b.priority = p
	}
}

// WithDirPerm sets the permissions used when creating cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(b *Backend) {
		b.dirPerm = mode
	}
}

// New creates a filesystem backend rooted at dir.
func New(dir string, opts ...Option) (*Backend, error) {
	if dir == "" {
		return nil, errors.New("local: cache root is empty")
	}
	b := &Backend{
		root:     dir,
		priority: defaultPriority,
		dirPerm:  defaultDirPerm,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name implements cache.Backend.
func (b *Backend) Name() string { return "local" }

// Priority implements cache.Backend.
func (b *Backend) Priority() int { return b.priority }

// Root returns the backend's root directory.
func (b *Backend) Root() string { return b.root }

// Get reports whether the artifact exists under the cache root and
// returns its absolute pathname when it does. A missing artifact is a
// miss, never an error.
func (b *Backend) Get(_ context.Context, filename string) (string, bool, error) {
	path := b.path(filename)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, err
	}
	return abs, true, nil
}

// Put streams the artifact to <final>.tmp-<pid> and atomically renames
// it into place, creating parent directories first.
func (b *Backend) Put(_ context.Context, filename string, r io.Reader) error {
	final := b.path(filename)
	if err := os.MkdirAll(filepath.Dir(final), b.dirPerm); err != nil {
		return fmt.Errorf("local: create cache directory: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d", final, os.Getpid())
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("local: create temporary file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("local: write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("local: close temporary file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("local: move artifact into place: %w", err)
	}
	return nil
}

func (b *Backend) path(filename string) string {
	return filepath.Join(b.root, filepath.FromSlash(filename))
}
