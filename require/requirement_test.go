package require

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumDeterministic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := filepath.Join(dir, "pkg-1.0.tar.gz")
	b := filepath.Join(dir, "pkg-1.0.zip")
	require.NoError(t, os.WriteFile(a, []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("beta"), 0o644))

	r1 := Requirement{Name: "pkg", Version: "1.0", RelatedArchives: []string{a, b}}
	r2 := Requirement{Name: "pkg", Version: "1.0", RelatedArchives: []string{b, a}}

	sum1, err := r1.Checksum()
	require.NoError(t, err)
	sum2, err := r2.Checksum()
	require.NoError(t, err)

	// Archive order must not matter.
	assert.Equal(t, sum1, sum2)

	h := sha1.New()
	h.Write([]byte("alpha"))
	h.Write([]byte("beta"))
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), sum1)
}

func TestChecksumEmpty(t *testing.T) {
	t.Parallel()

	sum, err := Requirement{Name: "pkg", Version: "1.0"}.Checksum()
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sha1.New().Sum(nil)), sum)
}

func TestLastModifiedPicksNewest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	older := filepath.Join(dir, "pkg-1.0.tar.gz")
	newer := filepath.Join(dir, "pkg-1.0.tar.bz2")
	require.NoError(t, os.WriteFile(older, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("y"), 0o644))

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))
	require.NoError(t, os.Chtimes(newer, future, future))

	got, err := Requirement{RelatedArchives: []string{older, newer}}.LastModified()
	require.NoError(t, err)
	assert.WithinDuration(t, future, got, time.Second)
}

func TestLastModifiedNoArchives(t *testing.T) {
	t.Parallel()

	got, err := Requirement{}.LastModified()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got, time.Minute)
}

func TestLastModifiedMissingArchive(t *testing.T) {
	t.Parallel()

	_, err := Requirement{RelatedArchives: []string{filepath.Join(t.TempDir(), "gone")}}.LastModified()
	assert.Error(t, err)
}
