// Package oci implements the remote cache backend on top of an OCI
// registry.
//
// Each cached artifact is stored as a single-layer OCI artifact whose
// manifest is tagged with a sanitized form of the cache key. The
// backend is strictly optional: when no repository is configured it
// reports cache.ErrDisabled and the cache silently stops consulting
// it. On a hit the artifact is downloaded into the local cache root,
// warming the local tier, so later lookups never touch the network.
//
// When an upload fails the backend flips itself into read-only mode
// for the remainder of the process instead of disabling entirely: it
// keeps serving downloads but stops attempting further uploads. Unlike
// the local backend, the registry gives no atomicity guarantee for
// concurrent writers; a reader may observe a partially uploaded
// object. This is an accepted limitation.
package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/pkgforge/bdcache/cache"
)

const (
	defaultPriority  = 20
	defaultUserAgent = "bdcache/1.0"

	// ArtifactType marks manifests produced by this backend.
	ArtifactType = "application/vnd.pkgforge.bdcache.artifact.v1"

	// MediaTypeArchive is the media type of the artifact layer: a
	// gzip-compressed tar archive of relocated entries.
	MediaTypeArchive = "application/vnd.pkgforge.bdcache.archive.v1.tar+gzip"
)

// CredentialFunc supplies registry credentials for a host.
type CredentialFunc func(ctx context.Context, hostport string) (auth.Credential, error)

// registryClient is the subset of the ORAS repository API the backend
// needs. *remote.Repository satisfies it; tests substitute a fake.
type registryClient interface {
	FetchReference(ctx context.Context, ref string) (ocispec.Descriptor, io.ReadCloser, error)
	Fetch(ctx context.Context, desc ocispec.Descriptor) (io.ReadCloser, error)
	Push(ctx context.Context, desc ocispec.Descriptor, content io.Reader) error
	PushReference(ctx context.Context, desc ocispec.Descriptor, content io.Reader, ref string) error
}

// Backend stores artifacts in an OCI registry repository.
//
// Not safe for concurrent use; the system's concurrency model is
// multiple independent processes, not shared in-process state.
type Backend struct {
	repository string
	localRoot  string
	prefix     string
	plainHTTP  bool
	readOnly   bool
	priority   int
	userAgent  string
	credential CredentialFunc
	logger     *slog.Logger

	// client is created lazily on first use and cached for the
	// lifetime of the backend.
	client registryClient
}

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix prepends a path segment to every cache key, allowing
// several deployments to share one repository.
func WithPrefix(prefix string) Option {
	return func(b *Backend) {
		b.prefix = prefix
	}
}

// WithPlainHTTP uses HTTP instead of HTTPS, for local registries.
func WithPlainHTTP(plain bool) Option {
	return func(b *Backend) {
		b.plainHTTP = plain
	}
}

// WithReadOnly disables uploads from the start, for deployments whose
// registry credentials only permit pulls.
func WithReadOnly(readOnly bool) Option {
	return func(b *Backend) {
		b.readOnly = readOnly
	}
}

// WithPriority overrides the backend's position in the lookup order.
func WithPriority(p int) Option {
	return func(b *Backend) {
		b.priority = p
	}
}

// WithCredential sets the credential source for registry auth.
func WithCredential(fn CredentialFunc) Option {
	return func(b *Backend) {
		b.credential = fn
	}
}

// WithLogger sets the logger used for upload diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// New creates a registry backend that warms the local cache rooted at
// localRoot. An empty repository is not an error: the backend simply
// reports cache.ErrDisabled on first use, which keeps an unconfigured
// remote tier from ever getting in the way of local operation.
func New(repository, localRoot string, opts ...Option) (*Backend, error) {
	if localRoot == "" {
		return nil, errors.New("oci: local cache root is empty")
	}
	b := &Backend{
		repository: repository,
		localRoot:  localRoot,
		priority:   defaultPriority,
		userAgent:  defaultUserAgent,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name implements cache.Backend.
func (b *Backend) Name() string { return "oci" }

// Priority implements cache.Backend.
func (b *Backend) Priority() int { return b.priority }

// ReadOnly reports whether uploads are currently suppressed.
func (b *Backend) ReadOnly() bool { return b.readOnly }

func (b *Backend) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return b.logger
}

// ensureClient lazily constructs the ORAS repository client, cached
// for the backend's lifetime.
func (b *Backend) ensureClient() (registryClient, error) {
	if b.client != nil {
		return b.client, nil
	}
	if b.repository == "" {
		return nil, fmt.Errorf("%w: no registry repository configured", cache.ErrDisabled)
	}
	repo, err := remote.NewRepository(b.repository)
	if err != nil {
		return nil, fmt.Errorf("oci: parse repository %q: %w", b.repository, err)
	}
	repo.PlainHTTP = b.plainHTTP
	repo.Client = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if b.credential == nil {
				return auth.EmptyCredential, nil
			}
			return b.credential(ctx, hostport)
		},
		Header: map[string][]string{
			"User-Agent": {b.userAgent},
		},
	}
	b.client = repo
	return b.client, nil
}

// Get looks the cache key up in the registry and, on a hit, downloads
// the artifact to the equivalent path under the local cache root.
func (b *Backend) Get(ctx context.Context, filename string) (string, bool, error) {
	client, err := b.ensureClient()
	if err != nil {
		return "", false, err
	}

	tag := Tag(b.key(filename))
	desc, rc, err := client.FetchReference(ctx, tag)
	if errors.Is(err, errdef.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("oci: resolve %q: %w", tag, err)
	}
	defer rc.Close()

	var manifest ocispec.Manifest
	if err := json.NewDecoder(io.LimitReader(rc, desc.Size)).Decode(&manifest); err != nil {
		return "", false, fmt.Errorf("oci: decode manifest for %q: %w", tag, err)
	}
	layer, err := archiveLayer(&manifest)
	if err != nil {
		return "", false, fmt.Errorf("oci: %q: %w", tag, err)
	}

	path, err := b.download(ctx, client, filename, layer)
	if err != nil {
		return "", false, err
	}
	b.log().Debug("downloaded artifact from registry", "tag", tag, "path", path)
	return path, true, nil
}

// download fetches the artifact layer and writes it under the local
// cache root using the same temp-then-rename protocol as the local
// backend, so a concurrent local reader never sees a partial file.
func (b *Backend) download(ctx context.Context, client registryClient, filename string, layer ocispec.Descriptor) (string, error) {
	rc, err := client.Fetch(ctx, layer)
	if err != nil {
		return "", fmt.Errorf("oci: fetch artifact layer: %w", err)
	}
	defer rc.Close()

	local := filepath.Join(b.localRoot, filepath.FromSlash(filename))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", fmt.Errorf("oci: create local cache directory: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp-%d", local, os.Getpid())
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("oci: create temporary file: %w", err)
	}
	if _, err := io.Copy(f, io.LimitReader(rc, layer.Size)); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("oci: download artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("oci: close temporary file: %w", err)
	}
	if err := os.Rename(tmp, local); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("oci: move artifact into place: %w", err)
	}
	return filepath.Abs(local)
}

// Put uploads the artifact to the registry. In read-only mode it does
// nothing. An upload failure flips the backend into read-only mode for
// the remainder of the process rather than reporting an error, so the
// backend keeps serving downloads.
func (b *Backend) Put(ctx context.Context, filename string, r io.Reader) error {
	if b.readOnly {
		b.log().Debug("skipping registry upload (read only mode)", "key", filename)
		return nil
	}
	client, err := b.ensureClient()
	if err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("oci: read artifact: %w", err)
	}
	tag := Tag(b.key(filename))
	if err := b.upload(ctx, client, tag, filename, data); err != nil {
		b.log().Warn("registry upload failed, falling back to read only mode",
			"tag", tag, "error", err)
		b.readOnly = true
	}
	return nil
}

// upload pushes the empty config blob, the artifact layer and a tagged
// manifest linking them.
func (b *Backend) upload(ctx context.Context, client registryClient, tag, filename string, data []byte) error {
	config := []byte("{}")
	configDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeEmptyJSON,
		Digest:    digest.FromBytes(config),
		Size:      int64(len(config)),
	}
	if err := client.Push(ctx, configDesc, bytes.NewReader(config)); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return fmt.Errorf("push config: %w", err)
	}

	layerDesc := ocispec.Descriptor{
		MediaType: MediaTypeArchive,
		Digest:    digest.FromBytes(data),
		Size:      int64(len(data)),
		Annotations: map[string]string{
			ocispec.AnnotationTitle: filename,
		},
	}
	if err := client.Push(ctx, layerDesc, bytes.NewReader(data)); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return fmt.Errorf("push artifact layer: %w", err)
	}

	manifest := ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: ArtifactType,
		Config:       configDesc,
		Layers:       []ocispec.Descriptor{layerDesc},
		Annotations: map[string]string{
			ocispec.AnnotationCreated: time.Now().UTC().Format(time.RFC3339),
		},
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	manifestDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.FromBytes(manifestJSON),
		Size:      int64(len(manifestJSON)),
	}
	if err := client.PushReference(ctx, manifestDesc, bytes.NewReader(manifestJSON), tag); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return fmt.Errorf("push manifest: %w", err)
	}
	return nil
}

// key prepends the configured prefix to a cache filename.
func (b *Backend) key(filename string) string {
	if b.prefix == "" {
		return filename
	}
	return b.prefix + "/" + filename
}

// archiveLayer finds the artifact layer in a manifest.
func archiveLayer(manifest *ocispec.Manifest) (ocispec.Descriptor, error) {
	for _, layer := range manifest.Layers {
		if layer.MediaType == MediaTypeArchive {
			return layer, nil
		}
	}
	return ocispec.Descriptor{}, errors.New("manifest has no archive layer")
}
