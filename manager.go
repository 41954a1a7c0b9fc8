package bdcache

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/pkgforge/bdcache/build"
	"github.com/pkgforge/bdcache/cache"
	"github.com/pkgforge/bdcache/install"
	"github.com/pkgforge/bdcache/invalidate"
	"github.com/pkgforge/bdcache/relocate"
	"github.com/pkgforge/bdcache/require"
)

// ErrNotCached is returned by Acquire when a freshly built artifact
// could not be stored in any cache backend, leaving nothing to serve
// the caller from.
var ErrNotCached = errors.New("bdcache: artifact could not be stored in any cache backend")

// DependencyResolver installs missing system-level build dependencies
// for a package. It reports true when anything was installed, in which
// case one rebuild is worth attempting.
type DependencyResolver interface {
	Resolve(ctx context.Context, packageName string) (bool, error)
}

// Manager implements the get-or-build flow over the artifact cache.
type Manager struct {
	cache       *cache.Cache
	builder     *build.Orchestrator
	buildPrefix string

	policy      invalidate.Policy
	transformer *relocate.Transformer
	installer   *install.Installer
	resolver    DependencyResolver
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy selects the cache invalidation policy. Exactly one policy
// is active per deployment; the default trusts modification times.
func WithPolicy(p invalidate.Policy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithTransformer overrides the relocation transform, typically to set
// platform layout options.
func WithTransformer(t *relocate.Transformer) Option {
	return func(m *Manager) {
		m.transformer = t
	}
}

// WithInstaller overrides the installer.
func WithInstaller(i *install.Installer) Option {
	return func(m *Manager) {
		m.installer = i
	}
}

// WithResolver enables the missing-system-dependency retry: when a
// build fails, the resolver runs once and the build is retried if it
// installed anything.
func WithResolver(r DependencyResolver) Option {
	return func(m *Manager) {
		m.resolver = r
	}
}

// WithLogger sets the logger for the manager's own progress messages.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a Manager. buildPrefix is the install prefix the build
// tool bakes into raw archives, typically the running environment's
// prefix.
func New(c *cache.Cache, builder *build.Orchestrator, buildPrefix string, opts ...Option) *Manager {
	m := &Manager{
		cache:       c,
		builder:     builder,
		buildPrefix: buildPrefix,
		policy:      invalidate.Mtime{},
		transformer: relocate.New(),
		installer:   install.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m.logger
}

// Acquire returns the local pathname of a cached, relocated binary
// distribution archive for the requirement, building and caching one
// if needed or if the cached artifact is stale.
func (m *Manager) Acquire(ctx context.Context, req require.Requirement) (string, error) {
	if path, ok := m.cache.Get(ctx, req); ok {
		stale, err := m.policy.Stale(req, path)
		if err != nil {
			return "", err
		}
		if !stale {
			return path, nil
		}
		m.log().Info("invalidating cached artifact (source has changed)",
			"requirement", req.String())
	} else {
		m.log().Debug("artifact not cached yet, building it now",
			"requirement", req.String())
	}

	raw, err := m.buildRaw(ctx, req)
	if err != nil {
		return "", err
	}

	archive, err := m.transformToArchive(raw)
	if err != nil {
		return "", err
	}
	defer os.Remove(archive)

	f, err := os.Open(archive)
	if err != nil {
		return "", fmt.Errorf("bdcache: open transformed archive: %w", err)
	}
	m.cache.Put(ctx, req, f)
	f.Close()

	path, ok := m.cache.Get(ctx, req)
	if !ok {
		return "", ErrNotCached
	}
	if err := m.policy.Record(req, path); err != nil {
		return "", err
	}
	return path, nil
}

// Install acquires the artifact and extracts it into the target
// prefix, rewriting interpreter hashbangs to interpreter.
func (m *Manager) Install(ctx context.Context, req require.Requirement, prefix, interpreter string, opts ...install.CallOption) error {
	path, err := m.Acquire(ctx, req)
	if err != nil {
		return err
	}
	archive, err := OpenArchive(path)
	if err != nil {
		return err
	}
	defer archive.Close()
	return m.installer.Install(archive, prefix, interpreter, opts...)
}

// buildRaw runs the build, retrying once after successful system
// dependency resolution. The retry lives here rather than in the
// orchestrator: installing system packages is a caller-level decision,
// not a build postcondition.
func (m *Manager) buildRaw(ctx context.Context, req require.Requirement) (string, error) {
	raw, err := m.builder.Build(ctx, req)
	if err == nil || m.resolver == nil || !errors.Is(err, build.ErrBuildFailed) {
		return raw, err
	}

	m.log().Warn("build failed, checking for missing system dependencies",
		"requirement", req.String())
	installed, resolveErr := m.resolver.Resolve(ctx, req.Name)
	if resolveErr != nil {
		m.log().Error("system dependency resolution failed", "error", resolveErr)
		return "", err
	}
	if !installed {
		return "", err
	}
	return m.builder.Build(ctx, req)
}

// transformToArchive relocates the raw build archive and repacks it as
// a gzipped tar in a temporary file. Nothing reaches a cache backend
// until the transform has fully succeeded.
func (m *Manager) transformToArchive(raw string) (string, error) {
	stream, err := m.transformer.Transform(raw, m.buildPrefix)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	tmp, err := os.CreateTemp("", "bdcache-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("bdcache: create temporary archive: %w", err)
	}

	if err := repack(stream, tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("bdcache: close temporary archive: %w", err)
	}
	return tmp.Name(), nil
}

// repack writes the relocated entries as a gzipped tar.
func repack(stream *relocate.Stream, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for {
		entry, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:     entry.Path,
			Mode:     int64(entry.Mode.Perm()),
			Size:     entry.Size,
			Typeflag: tar.TypeReg,
			ModTime:  time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("bdcache: write archive entry: %w", err)
		}
		if _, err := io.Copy(tw, entry.Content); err != nil {
			return fmt.Errorf("bdcache: write archive entry %s: %w", entry.Path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("bdcache: finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("bdcache: finalize archive: %w", err)
	}
	return nil
}
