package oci

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Tags are limited to [a-zA-Z0-9_][a-zA-Z0-9._-]{0,127} by the OCI
// distribution spec.
const maxTagLen = 128

// Tag converts a cache key into a valid OCI tag.
//
// Cache keys contain `/` and `:` which are not legal in tags. Illegal
// runes map to `-`; whenever the key had to be altered (or truncated)
// a short digest of the original key is appended so distinct keys can
// never collapse to the same tag.
func Tag(key string) string {
	var sb strings.Builder
	changed := false
	for i, r := range key {
		switch {
		case validTagRune(r, i == 0):
			sb.WriteRune(r)
		case i == 0:
			// `-` is not a legal first character.
			sb.WriteByte('_')
			changed = true
		default:
			sb.WriteByte('-')
			changed = true
		}
	}
	tag := sb.String()
	if tag == "" {
		tag = "artifact"
		changed = true
	}
	if !changed && len(tag) <= maxTagLen {
		return tag
	}

	sum := sha256.Sum256([]byte(key))
	suffix := "-" + hex.EncodeToString(sum[:])[:12]
	if len(tag) > maxTagLen-len(suffix) {
		tag = tag[:maxTagLen-len(suffix)]
	}
	return tag + suffix
}

func validTagRune(r rune, first bool) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		return true
	case r == '.' || r == '-':
		return !first
	default:
		return false
	}
}
