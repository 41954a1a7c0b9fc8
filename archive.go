package bdcache

import (
	"archive/tar"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/pkgforge/bdcache/relocate"
)

// Archive reads a cached, already-relocated artifact back as a stream
// of entries. It satisfies install.EntrySource.
type Archive struct {
	file *os.File
	gz   *gzip.Reader
	tr   *tar.Reader
}

// OpenArchive opens a cached artifact for extraction.
func OpenArchive(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bdcache: open cached artifact: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("bdcache: read cached artifact: %w", err)
	}
	return &Archive{file: f, gz: gz, tr: tar.NewReader(gz)}, nil
}

// Next returns the next entry, or io.EOF at the end of the archive.
// The entry's content is only valid until the following call.
func (a *Archive) Next() (*relocate.Entry, error) {
	for {
		hdr, err := a.tr.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("bdcache: read cached artifact: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		return &relocate.Entry{
			Path:    hdr.Name,
			Mode:    hdr.FileInfo().Mode().Perm(),
			Size:    hdr.Size,
			Content: a.tr,
		}, nil
	}
}

// Close releases the underlying file.
func (a *Archive) Close() error {
	gzErr := a.gz.Close()
	fileErr := a.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}
