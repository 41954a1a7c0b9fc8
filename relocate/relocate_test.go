package relocate

import (
	"archive/tar"
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name     string
	mode     int64
	typeflag byte
	content  string
}

// writeArchive builds a tar (optionally gzipped) fixture on disk.
func writeArchive(t *testing.T, gzipped bool, entries []tarEntry) string {
	t.Helper()

	var buf bytes.Buffer
	var w io.Writer = &buf
	var gz *gzip.Writer
	if gzipped {
		gz = gzip.NewWriter(&buf)
		w = gz
	}
	tw := tar.NewWriter(w)
	for _, e := range entries {
		flag := e.typeflag
		if flag == 0 {
			flag = tar.TypeReg
		}
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     e.mode,
			Typeflag: flag,
			Size:     int64(len(e.content)),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if flag == tar.TypeReg {
			_, err := tw.Write([]byte(e.content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	if gz != nil {
		require.NoError(t, gz.Close())
	}

	path := filepath.Join(t.TempDir(), "raw.tar")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// collect drains a stream, returning entries with their content read.
type collected struct {
	path    string
	mode    os.FileMode
	content string
}

func collect(t *testing.T, s *Stream) []collected {
	t.Helper()
	defer s.Close()

	var out []collected
	for {
		e, err := s.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		data, err := io.ReadAll(e.Content)
		require.NoError(t, err)
		out = append(out, collected{path: e.Path, mode: e.Mode, content: string(data)})
	}
}

func TestTransformRelativizesPaths(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, false, []tarEntry{
		{name: "./opt/build/lib/site-packages/foo.py", mode: 0o664, content: "print('foo')"},
	})

	s, err := New().Transform(archive, "/opt/build")
	require.NoError(t, err)
	got := collect(t, s)

	require.Len(t, got, 1)
	assert.Equal(t, "lib/site-packages/foo.py", got[0].path)
	assert.Equal(t, "print('foo')", got[0].content)
}

func TestTransformBareRootRelativeNotation(t *testing.T) {
	t.Parallel()

	// Some build tools emit pathnames without the leading `./`.
	archive := writeArchive(t, false, []tarEntry{
		{name: "opt/build/lib/site-packages/foo.py", mode: 0o644, content: "x"},
	})

	s, err := New().Transform(archive, "/opt/build")
	require.NoError(t, err)
	got := collect(t, s)

	require.Len(t, got, 1)
	assert.Equal(t, "lib/site-packages/foo.py", got[0].path)
}

func TestTransformGzippedArchive(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, true, []tarEntry{
		{name: "./opt/build/lib/foo.py", mode: 0o644, content: "gz"},
	})

	s, err := New().Transform(archive, "/opt/build")
	require.NoError(t, err)
	got := collect(t, s)

	require.Len(t, got, 1)
	assert.Equal(t, "lib/foo.py", got[0].path)
	assert.Equal(t, "gz", got[0].content)
}

func TestTransformDropsForeignPrefix(t *testing.T) {
	t.Parallel()

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	archive := writeArchive(t, false, []tarEntry{
		{name: "./usr/lib/elsewhere.py", mode: 0o644, content: "x"},
		{name: "./opt/build/lib/kept.py", mode: 0o644, content: "y"},
	})

	s, err := New(WithLogger(logger)).Transform(archive, "/opt/build")
	require.NoError(t, err)
	got := collect(t, s)

	// The foreign entry is dropped with a warning, not an error.
	require.Len(t, got, 1)
	assert.Equal(t, "lib/kept.py", got[0].path)
	assert.Contains(t, logBuf.String(), "outside the build prefix")
}

func TestTransformDropsDeviceFiles(t *testing.T) {
	t.Parallel()

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	archive := writeArchive(t, false, []tarEntry{
		{name: "./opt/build/dev/null", mode: 0o666, typeflag: tar.TypeChar},
		{name: "./opt/build/lib/kept.py", mode: 0o644, content: "y"},
	})

	s, err := New(WithLogger(logger)).Transform(archive, "/opt/build")
	require.NoError(t, err)
	got := collect(t, s)

	require.Len(t, got, 1)
	assert.Contains(t, logBuf.String(), "device file")
}

func TestTransformSkipsDirectories(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, false, []tarEntry{
		{name: "./opt/build/lib/", mode: 0o755, typeflag: tar.TypeDir},
		{name: "./opt/build/lib/kept.py", mode: 0o644, content: "y"},
	})

	s, err := New().Transform(archive, "/opt/build")
	require.NoError(t, err)
	got := collect(t, s)
	require.Len(t, got, 1)
	assert.Equal(t, "lib/kept.py", got[0].path)
}

func TestTransformCanonicalizesModes(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, false, []tarEntry{
		{name: "./opt/build/bin/tool", mode: 0o700, content: "#!/bin/sh"},
		{name: "./opt/build/lib/data.py", mode: 0o600, content: "x"},
	})

	s, err := New().Transform(archive, "/opt/build")
	require.NoError(t, err)
	got := collect(t, s)

	require.Len(t, got, 2)
	assert.Equal(t, ModeExecutable, got[0].mode)
	assert.Equal(t, ModeRegular, got[1].mode)
}

func TestTransformStripsLocalSegment(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, false, []tarEntry{
		{name: "./usr/local/lib/site-packages/foo.py", mode: 0o644, content: "x"},
	})

	s, err := New().Transform(archive, "/usr")
	require.NoError(t, err)
	got := collect(t, s)

	require.Len(t, got, 1)
	assert.Equal(t, "lib/site-packages/foo.py", got[0].path)
}

func TestTransformDebianLayoutRewrite(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, false, []tarEntry{
		{name: "./opt/build/lib/python3.9/dist-packages/foo.py", mode: 0o644, content: "x"},
	})

	s, err := New(WithDebianLayout(true)).Transform(archive, "/opt/build")
	require.NoError(t, err)
	got := collect(t, s)

	require.Len(t, got, 1)
	assert.Equal(t, "lib/python3.9/site-packages/foo.py", got[0].path)
}

func TestTransformMissingArchive(t *testing.T) {
	t.Parallel()

	_, err := New().Transform(filepath.Join(t.TempDir(), "nope.tar"), "/opt/build")
	assert.Error(t, err)
}
