package build

import (
	"context"
	"os/exec"
)

// Strategy names one way of asking the build tool for a binary
// distribution.
type Strategy struct {
	// Name identifies the strategy in logs.
	Name string

	// Args are passed to the build descriptor after the interpreter.
	Args []string
}

// The primary strategy produces a plain tar whose pathnames are
// relative to the build prefix. A handful of packages implement only
// the generic fallback, which produces a gzipped tar instead; both
// shapes are handled by the relocation transform.
var (
	StrategyDumb  = Strategy{Name: "bdist_dumb", Args: []string{"bdist_dumb", "--format=tar"}}
	StrategyGztar = Strategy{Name: "bdist", Args: []string{"bdist", "--formats=gztar"}}
)

// Builder runs a single build attempt against an unpacked source tree.
//
// Implementations return the combined stdout/stderr of the build tool
// regardless of success, so the orchestrator can attach it to errors.
type Builder interface {
	Build(ctx context.Context, sourceDir string, strategy Strategy) (output string, err error)
}

// CommandBuilder is the default Builder: it invokes the configured
// interpreter on the build descriptor as a subprocess.
type CommandBuilder struct {
	// Interpreter is the executable to run, e.g. the pathname of the
	// target environment's python.
	Interpreter string

	// Descriptor is the build script name, relative to the source
	// directory. Defaults to "setup.py" when empty.
	Descriptor string
}

// Build implements Builder. The subprocess runs in the source
// directory with stdout and stderr combined into the returned output.
func (b *CommandBuilder) Build(ctx context.Context, sourceDir string, strategy Strategy) (string, error) {
	descriptor := b.Descriptor
	if descriptor == "" {
		descriptor = DefaultDescriptor
	}
	args := append([]string{descriptor}, strategy.Args...)
	cmd := exec.CommandContext(ctx, b.Interpreter, args...)
	cmd.Dir = sourceDir

	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), ErrBuildFailed
	}
	return string(out), nil
}
