// Package install extracts relocated archive entries into a target
// install prefix.
//
// The target prefix may be laid out differently from the prefix the
// artifact was built under (a Debian-style system install versus a
// virtual environment), so the layout-compatibility substitutions run
// again here, this time against the target. Executable scripts get
// their interpreter hashbang rewritten to the target environment's
// interpreter; everything else is written byte for byte with the
// entry's canonical mode restored.
package install

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/pkgforge/bdcache/relocate"
)

// ManifestName is the per-package file listing everything the
// installer wrote, so the package can later be removed cleanly.
const ManifestName = "installed-files.txt"

// interpreterPattern recognizes hashbang executables that belong to
// the interpreter family and should be rewritten. `#!/bin/sh` and
// friends are left alone.
var interpreterPattern = regexp.MustCompile(`^python(\d+(\.\d+)*)?$`)

// sitePackagesPattern captures the lib directory owning a
// site-packages segment, for the Debian-layout decision.
var sitePackagesPattern = regexp.MustCompile(`^(.+?)/site-packages`)

// EntrySource yields relocated entries; *relocate.Stream and the
// cached-archive reader both satisfy it.
type EntrySource interface {
	Next() (*relocate.Entry, error)
}

// Installer writes relocated entries under install prefixes.
type Installer struct {
	virtualenvCompat bool
	debianLayout     bool
	searchPath       []string
	logger           *slog.Logger
}

// Option configures an Installer.
type Option func(*Installer)

// WithVirtualenvCompat controls the include/ -> include/site/
// workaround: a virtual environment's include directory is a symlink
// into the system headers and must not be written through. Enabled by
// default.
func WithVirtualenvCompat(enabled bool) Option {
	return func(i *Installer) {
		i.virtualenvCompat = enabled
	}
}

// WithDebianLayout enables the site-packages -> dist-packages
// substitution for targets whose module search path expects the
// Debian deviation. searchPath is the target interpreter's module
// search path, used to decide whether the substitution applies.
func WithDebianLayout(searchPath []string) Option {
	return func(i *Installer) {
		i.debianLayout = true
		i.searchPath = searchPath
	}
}

// WithLogger sets the logger used for install diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Installer) {
		i.logger = logger
	}
}

// New creates an Installer.
func New(opts ...Option) *Installer {
	i := &Installer{virtualenvCompat: true}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Installer) log() *slog.Logger {
	if i.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return i.logger
}

// CallOption configures a single Install call.
type CallOption func(*callConfig)

type callConfig struct {
	trackInstalled bool
}

// WithTracking makes Install record every written pathname and leave a
// manifest in the package's metadata directory.
func WithTracking() CallOption {
	return func(c *callConfig) {
		c.trackInstalled = true
	}
}

// Install writes every entry from src under prefix, rewriting
// interpreter hashbangs to interpreter. A write or permission failure
// aborts the install and surfaces to the caller.
func (i *Installer) Install(src EntrySource, prefix, interpreter string, opts ...CallOption) error {
	cfg := callConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	prefix = filepath.Clean(prefix)
	var installed []string

	for {
		entry, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("install: %w", err)
		}

		target := filepath.Join(prefix, filepath.FromSlash(i.rewritePath(entry.Path, prefix)))
		if err := i.writeEntry(entry, target, interpreter); err != nil {
			return err
		}
		if cfg.trackInstalled {
			installed = append(installed, target)
		}
	}

	if cfg.trackInstalled {
		return i.writeManifest(installed)
	}
	return nil
}

// rewritePath applies the target-side layout substitutions.
func (i *Installer) rewritePath(p, prefix string) string {
	if i.virtualenvCompat && strings.HasPrefix(p, "include/") {
		// C headers must go through the site subdirectory, not the
		// include symlink itself.
		p = "include/site/" + strings.TrimPrefix(p, "include/")
	}
	if i.debianLayout && strings.Contains(p, "/site-packages/") {
		if m := sitePackagesPattern.FindStringSubmatch(p); m != nil {
			site := filepath.Join(prefix, filepath.FromSlash(m[0]))
			dist := filepath.Join(prefix, filepath.FromSlash(m[1]), "dist-packages")
			if i.onSearchPath(dist) && !i.onSearchPath(site) {
				p = strings.Replace(p, "/site-packages/", "/dist-packages/", 1)
			}
		}
	}
	return p
}

func (i *Installer) onSearchPath(dir string) bool {
	for _, p := range i.searchPath {
		if filepath.Clean(p) == dir {
			return true
		}
	}
	return false
}

// writeEntry writes one entry, rewriting its hashbang when the
// content names an interpreter-family executable.
func (i *Installer) writeEntry(entry *relocate.Entry, target, interpreter string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("install: create directory: %w", err)
	}

	content, err := io.ReadAll(entry.Content)
	if err != nil {
		return fmt.Errorf("install: read entry %s: %w", entry.Path, err)
	}
	if bytes.HasPrefix(content, []byte("#!/")) {
		content = i.rewriteHashbang(content, interpreter)
	}

	if err := os.WriteFile(target, content, entry.Mode); err != nil {
		return fmt.Errorf("install: write %s: %w", target, err)
	}
	// WriteFile only applies the mode to newly created files; restore
	// it explicitly so reinstalls converge too.
	if err := os.Chmod(target, entry.Mode); err != nil {
		return fmt.Errorf("install: chmod %s: %w", target, err)
	}
	return nil
}

// rewriteHashbang replaces the first line of a script with
// `#!<interpreter>` when the hashbang names an interpreter-family
// executable. A leading `env ` indirection is stripped before the
// name check.
func (i *Installer) rewriteHashbang(content []byte, interpreter string) []byte {
	line, rest, _ := bytes.Cut(content, []byte("\n"))

	executable := path.Base(string(bytes.TrimPrefix(line, []byte("#!"))))
	executable = strings.TrimPrefix(executable, "env ")
	if !interpreterPattern.MatchString(executable) {
		return content
	}

	i.log().Debug("rewriting hashbang", "from", string(line), "to", "#!"+interpreter)
	rewritten := append([]byte("#!"+interpreter), '\n')
	return append(rewritten, rest...)
}

// writeManifest records the installed pathnames in the package's
// metadata directory. The metadata directory is located by finding the
// single `*.egg-info/PKG-INFO` among the installed files; when that
// cannot be determined reliably the manifest is skipped with a warning
// instead of guessing.
func (i *Installer) writeManifest(installed []string) error {
	var metadataDirs []string
	for _, p := range installed {
		dir := filepath.Dir(p)
		if strings.HasSuffix(dir, ".egg-info") && filepath.Base(p) == "PKG-INFO" {
			metadataDirs = append(metadataDirs, dir)
		}
	}
	if len(metadataDirs) != 1 {
		i.log().Warn("not tracking installed files (could not reliably determine the metadata directory)",
			"candidates", len(metadataDirs))
		return nil
	}

	metadataDir := metadataDirs[0]
	var sb strings.Builder
	for _, p := range installed {
		rel, err := filepath.Rel(metadataDir, p)
		if err != nil {
			return fmt.Errorf("install: relativize manifest entry: %w", err)
		}
		sb.WriteString(rel)
		sb.WriteByte('\n')
	}

	manifest := filepath.Join(metadataDir, ManifestName)
	if err := atomic.WriteFile(manifest, strings.NewReader(sb.String())); err != nil {
		return fmt.Errorf("install: write manifest: %w", err)
	}
	i.log().Debug("tracked installed files", "manifest", manifest, "count", len(installed))
	return nil
}
