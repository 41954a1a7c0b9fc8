// Package build turns an unpacked source tree into a raw binary
// distribution archive by driving an external build tool.
//
// The Orchestrator enforces the build postconditions: the source tree
// must carry a build descriptor, the build must exit cleanly, and it
// must produce exactly one artifact file. A failing primary strategy
// is retried once with a fallback strategy; anything beyond that (such
// as installing missing system dependencies and rebuilding) is the
// caller's decision.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkgforge/bdcache/require"
)

// Defaults for source trees built from Python source distributions.
const (
	DefaultDescriptor = "setup.py"
	DefaultOutputDir  = "dist"
)

// Orchestrator drives a Builder and validates its results.
type Orchestrator struct {
	builder    Builder
	descriptor string
	outputDir  string
	primary    Strategy
	fallback   Strategy
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDescriptor overrides the build descriptor filename checked in
// the source directory.
func WithDescriptor(name string) Option {
	return func(o *Orchestrator) {
		o.descriptor = name
	}
}

// WithOutputDir overrides the directory (relative to the source tree)
// the build tool writes its artifact into.
func WithOutputDir(dir string) Option {
	return func(o *Orchestrator) {
		o.outputDir = dir
	}
}

// WithStrategies overrides the primary and fallback build strategies.
func WithStrategies(primary, fallback Strategy) Option {
	return func(o *Orchestrator) {
		o.primary = primary
		o.fallback = fallback
	}
}

// WithLogger sets the logger used for build progress.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator creates an orchestrator around the given Builder.
func NewOrchestrator(builder Builder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		builder:    builder,
		descriptor: DefaultDescriptor,
		outputDir:  DefaultOutputDir,
		primary:    StrategyDumb,
		fallback:   StrategyGztar,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) log() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.logger
}

// Build produces a raw binary distribution archive for the requirement
// and returns its pathname.
//
// The primary strategy runs first; on ErrBuildFailed or
// ErrNoBuildOutput the fallback strategy is attempted once. Errors
// carry the build tool's combined output via *Error.
func (o *Orchestrator) Build(ctx context.Context, req require.Requirement) (string, error) {
	descriptor := filepath.Join(req.SourceDirectory, o.descriptor)
	if _, err := os.Stat(descriptor); err != nil {
		return "", fmt.Errorf("%w: %s in %s", ErrInvalidSource, req, req.SourceDirectory)
	}

	path, err := o.attempt(ctx, req, o.primary)
	if err == nil {
		return path, nil
	}
	if !errors.Is(err, ErrBuildFailed) && !errors.Is(err, ErrNoBuildOutput) {
		return "", err
	}

	o.log().Warn("build failed, falling back to alternative strategy",
		"requirement", req.String(), "strategy", o.fallback.Name, "error", err)
	return o.attempt(ctx, req, o.fallback)
}

// attempt runs one strategy and enforces the exactly-one-output
// postcondition.
func (o *Orchestrator) attempt(ctx context.Context, req require.Requirement, strategy Strategy) (string, error) {
	outputDir := filepath.Join(req.SourceDirectory, o.outputDir)

	// Leftovers from an earlier build would violate the single-output
	// check below.
	if err := os.RemoveAll(outputDir); err != nil {
		return "", fmt.Errorf("build: clean output directory: %w", err)
	}

	o.log().Info("building binary distribution",
		"requirement", req.String(), "strategy", strategy.Name)

	output, err := o.builder.Build(ctx, req.SourceDirectory, strategy)
	if err != nil {
		return "", &Error{
			Err:    fmt.Errorf("%w: %s (strategy %s)", ErrBuildFailed, req, strategy.Name),
			Output: output,
		}
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return "", &Error{
			Err:    fmt.Errorf("%w: %s did not create %s", ErrNoBuildOutput, req, o.outputDir),
			Output: output,
		}
	}
	if len(entries) != 1 {
		return "", &Error{
			Err:    fmt.Errorf("%w: %s produced %d files in %s, expected exactly one", ErrNoBuildOutput, req, len(entries), o.outputDir),
			Output: output,
		}
	}
	return filepath.Join(outputDir, entries[0].Name()), nil
}
