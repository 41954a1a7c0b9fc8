// Package invalidate decides whether a cached artifact is stale with
// respect to the source archives it was built from.
//
// Two mutually exclusive policies exist. Mtime trusts filesystem
// modification times and needs no bookkeeping. Checksum records a
// fingerprint sidecar next to the artifact at store time and compares
// it on every lookup; it survives tools that preserve mtimes while
// changing content, at the cost of rehashing the source archives.
package invalidate

import (
	"fmt"
	"os"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/pkgforge/bdcache/require"
)

// SidecarSuffix is appended to an artifact pathname to locate its
// checksum sidecar.
const SidecarSuffix = ".txt"

// Policy decides whether a cached artifact must be rebuilt.
//
// Record is invoked after an artifact has been stored; Stale is
// invoked on every cache hit. Both are deterministic given the same
// on-disk state.
type Policy interface {
	Stale(req require.Requirement, artifact string) (bool, error)
	Record(req require.Requirement, artifact string) error
}

// Mtime invalidates a cached artifact when any related source archive
// was modified after the artifact itself.
type Mtime struct{}

// Stale implements Policy.
func (Mtime) Stale(req require.Requirement, artifact string) (bool, error) {
	info, err := os.Stat(artifact)
	if err != nil {
		return false, fmt.Errorf("invalidate: stat artifact: %w", err)
	}
	modified, err := req.LastModified()
	if err != nil {
		return false, fmt.Errorf("invalidate: %w", err)
	}
	return modified.After(info.ModTime()), nil
}

// Record implements Policy. Mtime needs no persisted state.
func (Mtime) Record(require.Requirement, string) error { return nil }

// Checksum invalidates a cached artifact when the SHA1 fingerprint of
// the related source archives no longer matches the fingerprint
// recorded when the artifact was stored.
type Checksum struct{}

// Stale implements Policy. A missing sidecar means no fingerprint was
// ever recorded, which is treated as "not stale" rather than an error:
// there is simply no information to invalidate on.
func (Checksum) Stale(req require.Requirement, artifact string) (bool, error) {
	recorded, err := os.ReadFile(artifact + SidecarSuffix)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("invalidate: read checksum sidecar: %w", err)
	}
	current, err := req.Checksum()
	if err != nil {
		return false, fmt.Errorf("invalidate: %w", err)
	}
	want := strings.TrimSpace(string(recorded))
	return want != "" && want != current, nil
}

// Record implements Policy by writing the sidecar atomically, so a
// concurrent process reading it sees either the old fingerprint or the
// new one, never a torn write.
func (Checksum) Record(req require.Requirement, artifact string) error {
	sum, err := req.Checksum()
	if err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	if err := atomic.WriteFile(artifact+SidecarSuffix, strings.NewReader(sum+"\n")); err != nil {
		return fmt.Errorf("invalidate: write checksum sidecar: %w", err)
	}
	return nil
}
