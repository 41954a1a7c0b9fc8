package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	rq "github.com/stretchr/testify/require"

	"github.com/pkgforge/bdcache/require"
)

// scriptedBuilder fakes one build attempt per configured step.
type scriptedBuilder struct {
	steps []func(sourceDir string, strategy Strategy) (string, error)
	calls []Strategy
}

func (s *scriptedBuilder) Build(_ context.Context, sourceDir string, strategy Strategy) (string, error) {
	s.calls = append(s.calls, strategy)
	step := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	return step(sourceDir, strategy)
}

func sourceTree(t *testing.T) require.Requirement {
	t.Helper()
	dir := t.TempDir()
	rq.NoError(t, os.WriteFile(filepath.Join(dir, "setup.py"), []byte("# build descriptor"), 0o644))
	return require.Requirement{Name: "example", Version: "1.0", SourceDirectory: dir}
}

// produce writes a single artifact into the dist directory.
func produce(t *testing.T, name string) func(string, Strategy) (string, error) {
	return func(sourceDir string, _ Strategy) (string, error) {
		dist := filepath.Join(sourceDir, "dist")
		rq.NoError(t, os.MkdirAll(dist, 0o755))
		rq.NoError(t, os.WriteFile(filepath.Join(dist, name), []byte("artifact"), 0o644))
		return "build ok", nil
	}
}

func TestBuildSuccess(t *testing.T) {
	t.Parallel()

	builder := &scriptedBuilder{steps: []func(string, Strategy) (string, error){
		produce(t, "example-1.0.linux-x86_64.tar"),
	}}
	o := NewOrchestrator(builder)
	req := sourceTree(t)

	path, err := o.Build(context.Background(), req)
	rq.NoError(t, err)
	assert.Equal(t, filepath.Join(req.SourceDirectory, "dist", "example-1.0.linux-x86_64.tar"), path)
	rq.Len(t, builder.calls, 1)
	assert.Equal(t, StrategyDumb.Name, builder.calls[0].Name)
}

func TestBuildInvalidSource(t *testing.T) {
	t.Parallel()

	builder := &scriptedBuilder{}
	o := NewOrchestrator(builder)
	req := require.Requirement{Name: "example", Version: "1.0", SourceDirectory: t.TempDir()}

	_, err := o.Build(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidSource)
	// The builder must never run against an unrecognized source tree.
	assert.Empty(t, builder.calls)
}

func TestBuildFallbackAfterFailure(t *testing.T) {
	t.Parallel()

	builder := &scriptedBuilder{steps: []func(string, Strategy) (string, error){
		func(string, Strategy) (string, error) { return "primary blew up", ErrBuildFailed },
		produce(t, "example-1.0.linux-x86_64.tar.gz"),
	}}
	o := NewOrchestrator(builder)

	path, err := o.Build(context.Background(), sourceTree(t))
	rq.NoError(t, err)
	assert.NotEmpty(t, path)

	rq.Len(t, builder.calls, 2)
	assert.Equal(t, StrategyDumb.Name, builder.calls[0].Name)
	assert.Equal(t, StrategyGztar.Name, builder.calls[1].Name)
}

func TestBuildBothStrategiesFail(t *testing.T) {
	t.Parallel()

	builder := &scriptedBuilder{steps: []func(string, Strategy) (string, error){
		func(string, Strategy) (string, error) { return "gcc: fatal error: libfoo.h not found", ErrBuildFailed },
	}}
	o := NewOrchestrator(builder)

	_, err := o.Build(context.Background(), sourceTree(t))
	rq.Error(t, err)
	assert.ErrorIs(t, err, ErrBuildFailed)
	rq.Len(t, builder.calls, 2)

	// The captured build output rides along on the error.
	var buildErr *Error
	rq.True(t, errors.As(err, &buildErr))
	assert.Contains(t, buildErr.Output, "libfoo.h not found")
	assert.Contains(t, buildErr.Error(), "libfoo.h not found")
}

func TestBuildNoOutput(t *testing.T) {
	t.Parallel()

	builder := &scriptedBuilder{steps: []func(string, Strategy) (string, error){
		func(string, Strategy) (string, error) { return "looked fine", nil },
	}}
	o := NewOrchestrator(builder)

	_, err := o.Build(context.Background(), sourceTree(t))
	assert.ErrorIs(t, err, ErrNoBuildOutput)
	// No-output triggers the fallback too.
	assert.Len(t, builder.calls, 2)
}

func TestBuildMultipleOutputs(t *testing.T) {
	t.Parallel()

	many := func(sourceDir string, _ Strategy) (string, error) {
		dist := filepath.Join(sourceDir, "dist")
		rq.NoError(t, os.MkdirAll(dist, 0o755))
		rq.NoError(t, os.WriteFile(filepath.Join(dist, "a.tar"), nil, 0o644))
		rq.NoError(t, os.WriteFile(filepath.Join(dist, "b.tar"), nil, 0o644))
		return "", nil
	}
	builder := &scriptedBuilder{steps: []func(string, Strategy) (string, error){many}}
	o := NewOrchestrator(builder)

	_, err := o.Build(context.Background(), sourceTree(t))
	assert.ErrorIs(t, err, ErrNoBuildOutput)
}

func TestBuildCleansStaleOutput(t *testing.T) {
	t.Parallel()

	req := sourceTree(t)
	stale := filepath.Join(req.SourceDirectory, "dist")
	rq.NoError(t, os.MkdirAll(stale, 0o755))
	rq.NoError(t, os.WriteFile(filepath.Join(stale, "old.tar"), nil, 0o644))

	builder := &scriptedBuilder{steps: []func(string, Strategy) (string, error){
		produce(t, "fresh.tar"),
	}}
	o := NewOrchestrator(builder)

	path, err := o.Build(context.Background(), req)
	rq.NoError(t, err)
	assert.Equal(t, "fresh.tar", filepath.Base(path))
}
