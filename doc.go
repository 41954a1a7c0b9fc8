// Package bdcache caches the expensive output of building a package
// from source into an installable binary distribution archive, keyed
// by package identity and source fingerprint.
//
// The Manager ties the pieces together: a prioritized, failure
// isolating artifact cache (package cache, with filesystem and OCI
// registry backends), a build orchestrator driving an external build
// tool (package build), a path relocation transform that makes raw
// build archives portable across install prefixes (package relocate),
// an installer that rewrites interpreter hashbangs (package install),
// and a pluggable cache invalidation policy (package invalidate).
//
// All operations are synchronous. Concurrency is handled at the
// process level: the local backend's write-then-rename protocol lets
// any number of independent processes share one cache directory
// without locks.
package bdcache
