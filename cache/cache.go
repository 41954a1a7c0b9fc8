// Package cache merges an ordered list of storage backends into a
// single logical artifact cache.
//
// Backends are consulted in priority order (lower first). A backend
// that reports ErrDisabled is dropped silently: it is missing
// configuration or a reachable service and that is an expected,
// benign condition. A backend that fails with any other error is
// logged and dropped for the remainder of the process, so a broken
// remote store can never break local operation. Backend failures
// never escape Get or Put.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/pkgforge/bdcache/require"
)

// FormatRevision is bumped whenever the cached artifact layout changes
// in a backward incompatible way. It prefixes every cache key so old
// entries are simply never looked up again.
const FormatRevision = 1

// DefaultPlatform tags cache keys when no platform is configured.
const DefaultPlatform = "py3"

// Backend is a single artifact storage provider.
//
// Implementations report cached artifacts as local pathnames; a remote
// backend is expected to download into the local tier on a hit.
type Backend interface {
	// Name identifies the backend in log messages.
	Name() string

	// Priority orders backends within a Cache; lower values are
	// checked first.
	Priority() int

	// Get returns the absolute local pathname of the cached artifact
	// for filename, or ok=false when the artifact is not cached.
	// Returning an error wrapping ErrDisabled marks the backend as
	// unconfigured rather than broken.
	Get(ctx context.Context, filename string) (path string, ok bool, err error)

	// Put stores the artifact read from r under filename.
	Put(ctx context.Context, filename string, r io.Reader) error
}

// Cache fans artifact reads and writes out over a prioritized list of
// backends. It is not safe for concurrent use: the concurrency model
// of the system is multiple independent processes sharing the backing
// stores, not goroutines sharing a Cache.
type Cache struct {
	backends []Backend
	platform string
	logger   *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for backend diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithPlatform sets the platform tag embedded in cache keys, tying
// cached artifacts to the interpreter environment they were built for.
func WithPlatform(tag string) Option {
	return func(c *Cache) {
		c.platform = tag
	}
}

// New creates a cache over the given backends, sorted by priority.
func New(backends []Backend, opts ...Option) *Cache {
	c := &Cache{
		backends: make([]Backend, len(backends)),
		platform: DefaultPlatform,
	}
	copy(c.backends, backends)
	sort.SliceStable(c.backends, func(i, j int) bool {
		return c.backends[i].Priority() < c.backends[j].Priority()
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Cache) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.logger
}

// Get looks the requirement up in every live backend in priority order
// and returns the local pathname of the first hit. All-miss and
// all-failed both report ok=false; Get never fails.
func (c *Cache) Get(ctx context.Context, req require.Requirement) (string, bool) {
	filename := c.Filename(req)
	for _, b := range c.snapshot() {
		path, ok, err := b.Get(ctx, filename)
		if err != nil {
			c.drop(b, "get", err)
			continue
		}
		if ok {
			c.log().Debug("cache hit", "backend", b.Name(), "key", filename, "path", path)
			return path, true
		}
		c.log().Debug("cache miss", "backend", b.Name(), "key", filename)
	}
	return "", false
}

// Put stores the artifact in every live backend, rewinding r before
// each attempt. A failing backend is dropped and the remaining
// backends still receive the artifact, so a partial write-through set
// keeps benefiting subsequent reads.
func (c *Cache) Put(ctx context.Context, req require.Requirement, r io.ReadSeeker) {
	filename := c.Filename(req)
	for _, b := range c.snapshot() {
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			c.log().Error("rewind artifact stream", "error", err)
			return
		}
		if err := b.Put(ctx, filename, r); err != nil {
			c.drop(b, "put", err)
			continue
		}
		c.log().Debug("cached artifact", "backend", b.Name(), "key", filename)
	}
}

// Filename derives the cache key for a requirement:
//
//	v<revision>/<name>:<versionOrHash>:<platform>.tar.gz
//
// The version is replaced by a hash of version and URL when the
// requirement carries a distinguishing URL, so different sources
// claiming the same version cannot collide. Filesystem-local URLs are
// ignored because they typically point at temporary directories whose
// pathnames change on every invocation; hashing those would invalidate
// the key on every run.
func (c *Cache) Filename(req require.Requirement) string {
	tag := req.Version
	if url := req.URL; url != "" && !strings.HasPrefix(url, "file://") {
		sum := sha1.Sum([]byte(req.Version + url))
		tag = hex.EncodeToString(sum[:])
	}
	return fmt.Sprintf("v%d/%s:%s:%s.tar.gz", FormatRevision, req.Name, tag, c.platform)
}

// Backends returns the names of the still-live backends, in the order
// they are consulted.
func (c *Cache) Backends() []string {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return names
}

// snapshot copies the live backend list so drop can mutate it while a
// Get or Put iterates.
func (c *Cache) snapshot() []Backend {
	live := make([]Backend, len(c.backends))
	copy(live, c.backends)
	return live
}

// drop removes a backend for the remainder of the process. Disabled
// backends are an expected condition and only logged at debug level;
// anything else is an error worth surfacing.
func (c *Cache) drop(b Backend, op string, err error) {
	if IsDisabled(err) {
		c.log().Debug("disabling cache backend (requires configuration)",
			"backend", b.Name(), "op", op, "reason", err)
	} else {
		c.log().Error("disabling cache backend after failure",
			"backend", b.Name(), "op", op, "error", err)
	}
	for i, live := range c.backends {
		if live == b {
			c.backends = append(c.backends[:i], c.backends[i+1:]...)
			break
		}
	}
}
