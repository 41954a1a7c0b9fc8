package cache

import "errors"

// ErrDisabled is returned by a Backend whose prerequisites are not
// met: missing configuration or an unreachable optional service. The
// Cache treats it as benign and silently stops consulting the backend,
// as opposed to a generic error which is logged before the backend is
// dropped.
var ErrDisabled = errors.New("cache: backend disabled")

// IsDisabled reports whether err marks a backend as disabled rather
// than broken.
func IsDisabled(err error) bool {
	return errors.Is(err, ErrDisabled)
}
