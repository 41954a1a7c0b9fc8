// Package require defines the requirement value that drives the build
// cache: the identity of a package plus the on-disk source material it
// was resolved from.
//
// A Requirement is produced by an external resolution step and is
// read-only to the rest of the system. The fingerprint helpers
// (LastModified, Checksum) summarize the related source archives and
// feed the cache-invalidation policies.
package require

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// Requirement identifies a single package to build and install.
type Requirement struct {
	// Name is the canonical package name.
	Name string

	// Version is the version the resolver selected.
	Version string

	// SourceDirectory holds the unpacked source tree containing the
	// build descriptor.
	SourceDirectory string

	// RelatedArchives are the pathnames of the source archive(s) this
	// requirement was unpacked from. Used only for cache invalidation.
	RelatedArchives []string

	// URL optionally distinguishes the source the requirement was
	// resolved from. Two sources claiming the same version but served
	// from different URLs must not share a cache entry.
	URL string
}

func (r Requirement) String() string {
	return fmt.Sprintf("%s (%s)", r.Name, r.Version)
}

// LastModified returns the most recent modification time across the
// requirement's related source archives.
//
// When no related archives are known the current time is returned: in
// the balance between invalidating cached artifacts too rarely and too
// often, this errs toward the latter.
func (r Requirement) LastModified() (time.Time, error) {
	if len(r.RelatedArchives) == 0 {
		return time.Now(), nil
	}
	var latest time.Time
	for _, archive := range r.RelatedArchives {
		info, err := os.Stat(archive)
		if err != nil {
			return time.Time{}, fmt.Errorf("stat related archive: %w", err)
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, nil
}

// Checksum returns the hex SHA1 digest of the concatenated related
// source archives, sorted by pathname so the result is deterministic.
// With no related archives this is the digest of the empty string.
func (r Requirement) Checksum() (string, error) {
	archives := make([]string, len(r.RelatedArchives))
	copy(archives, r.RelatedArchives)
	sort.Strings(archives)

	h := sha1.New()
	for _, archive := range archives {
		f, err := os.Open(archive)
		if err != nil {
			return "", fmt.Errorf("open related archive: %w", err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("read related archive %s: %w", archive, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
