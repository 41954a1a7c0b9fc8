// Package relocate rewrites a raw build archive into a relocatable
// form.
//
// Build tools emit tar archives whose pathnames are relative to the
// filesystem root in one notation or another (`./opt/env/lib/...`,
// sometimes `opt/env/lib/...`). The transform normalizes each pathname
// to a true absolute path, re-expresses it relative to the prefix the
// build ran under, canonicalizes permission bits that some upstream
// archives get wrong, and applies the layout rewrites needed to move
// artifacts between platform conventions. The result installs under
// any prefix.
//
// Entries that cannot be relocated (outside the build prefix) and
// device files are dropped with a warning rather than failing the
// whole transform.
package relocate

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Canonical modes assigned to every transformed entry. Entries with
// owner-execute become executable for everyone; everything else is
// plain read. Some upstream source archives ship without the world
// readable bit and this corrects for that.
const (
	ModeExecutable fs.FileMode = 0o755
	ModeRegular    fs.FileMode = 0o644
)

// Entry is one relocated file from a build archive. Path is always
// slash-separated and relative to the eventual install prefix. Content
// is only valid until the next call to Stream.Next.
type Entry struct {
	Path    string
	Mode    fs.FileMode
	Size    int64
	Content io.Reader
}

// Transformer rewrites raw build archives.
type Transformer struct {
	stripLocal   bool
	debianLayout bool
	logger       *slog.Logger
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithStripLocal controls collapsing a leading `local/` path segment,
// so archives built under /usr/local install cleanly under /usr.
// Enabled by default.
func WithStripLocal(strip bool) Option {
	return func(t *Transformer) {
		t.stripLocal = strip
	}
}

// WithDebianLayout rewrites `/dist-packages/` to `/site-packages/` in
// transformed pathnames, neutralizing the Debian deviation from the
// upstream install layout so cached artifacts stay portable.
func WithDebianLayout(debian bool) Option {
	return func(t *Transformer) {
		t.debianLayout = debian
	}
}

// WithLogger sets the logger used for dropped-entry warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transformer) {
		t.logger = logger
	}
}

// New creates a Transformer.
func New(opts ...Option) *Transformer {
	t := &Transformer{stripLocal: true}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transformer) log() *slog.Logger {
	if t.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return t.logger
}

// Transform opens the raw archive at archivePath and returns a lazy
// stream of entries relocated against buildPrefix, the install prefix
// the build ran under. Gzip compression is detected from the file
// header, so both plain and gzipped tars work.
//
// The stream is single-pass and non-restartable: each entry's content
// must be consumed before the next call to Next.
func (t *Transformer) Transform(archivePath, buildPrefix string) (*Stream, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("relocate: open archive: %w", err)
	}

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("relocate: open gzip stream: %w", err)
		}
		r = gz
	}

	return &Stream{
		t:      t,
		prefix: path.Clean(buildPrefix),
		file:   f,
		tr:     tar.NewReader(r),
	}, nil
}

// Stream yields relocated entries one at a time.
type Stream struct {
	t      *Transformer
	prefix string
	file   *os.File
	tr     *tar.Reader
}

// Next returns the next relocatable entry, or io.EOF when the archive
// is exhausted. Directory entries are skipped; unrelocatable and
// device entries are dropped with a warning.
func (s *Stream) Next() (*Entry, error) {
	for {
		hdr, err := s.tr.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("relocate: read archive: %w", err)
		}

		// Normalize `./opt/...` and bare `opt/...` alike to a true
		// absolute pathname.
		absolute := path.Clean(path.Join("/", hdr.Name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeChar, tar.TypeBlock:
			s.t.log().Warn("ignoring device file in build archive", "path", absolute)
			continue
		}

		relative, ok := relativeTo(absolute, s.prefix)
		if !ok {
			s.t.log().Warn("dropping entry outside the build prefix",
				"path", hdr.Name, "prefix", s.prefix)
			continue
		}

		mode := ModeRegular
		if hdr.FileInfo().Mode()&0o100 != 0 {
			mode = ModeExecutable
		}

		relative = s.t.rewriteLayout(relative)
		s.t.log().Debug("transformed archive entry", "from", hdr.Name, "to", relative)

		return &Entry{
			Path:    relative,
			Mode:    mode,
			Size:    hdr.Size,
			Content: s.tr,
		}, nil
	}
}

// Close releases the underlying archive file.
func (s *Stream) Close() error {
	return s.file.Close()
}

// rewriteLayout applies the optional layout-compatibility rewrites.
// These run last, on the already prefix-relative pathname.
func (t *Transformer) rewriteLayout(p string) string {
	if t.stripLocal {
		p = strings.TrimPrefix(p, "local/")
	}
	if t.debianLayout {
		p = strings.ReplaceAll(p, "/dist-packages/", "/site-packages/")
	}
	return p
}

// relativeTo re-expresses an absolute slash path relative to prefix.
// ok is false when the path does not live under the prefix and
// therefore cannot be relocated.
func relativeTo(absolute, prefix string) (string, bool) {
	if prefix == "/" {
		return strings.TrimPrefix(absolute, "/"), true
	}
	if absolute == prefix {
		return ".", true
	}
	if rest, found := strings.CutPrefix(absolute, prefix+"/"); found {
		return rest, true
	}
	return "", false
}
