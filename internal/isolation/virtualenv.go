package isolation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/mmr-tortoise/daliugebuild/internal/environ"
	"github.com/mmr-tortoise/daliugebuild/internal/model"
	"github.com/mmr-tortoise/daliugebuild/internal/shell"
)

// ErrNotEnterable is returned by Enter when the environment's bin directory
// does not exist.
var ErrNotEnterable = errors.New("environment bin directory does not exist")

// versionScript prints the interpreter version as MAJOR.MINOR.PATCH on
// stdout. `python --version` is not used because Python 2 prints it on
// stderr.
const versionScript = "import sys; print('%d.%d.%d' % tuple(sys.version_info[:3]))"

// VirtualenvOptions configures a VirtualenvManager.
type VirtualenvOptions struct {
	// Tool is "virtualenv" (run the virtualenv program) or "venv"
	// (run `<Python> -m venv`).
	Tool string

	// Python is the interpreter used for "venv" and for the version check.
	Python string

	// MinPython is an optional semver constraint, e.g. ">= 2.7".
	MinPython string
}

// VirtualenvManager provisions a Python virtual environment on the host.
type VirtualenvManager struct {
	exec shell.Executor
	opts VirtualenvOptions
}

// NewVirtualenvManager creates a VirtualenvManager. Empty options fall back
// to the virtualenv tool and the "python" interpreter.
func NewVirtualenvManager(exec shell.Executor, opts VirtualenvOptions) *VirtualenvManager {
	if opts.Tool == "" {
		opts.Tool = "virtualenv"
	}
	if opts.Python == "" {
		opts.Python = "python"
	}
	return &VirtualenvManager{exec: exec, opts: opts}
}

// Kind implements Manager.
func (m *VirtualenvManager) Kind() model.IsolationKind {
	return model.IsolationVirtualenv
}

// Create implements Manager. An existing environment directory is reused:
// both virtualenv and venv upgrade it in place.
func (m *VirtualenvManager) Create(ctx context.Context, spec Spec) error {
	if m.opts.MinPython != "" {
		if err := m.checkPython(ctx, spec.Env); err != nil {
			return err
		}
	}

	cmd := shell.Command{
		Name:   m.opts.Tool,
		Args:   []string{spec.EnvPath},
		Dir:    spec.Root,
		Env:    spec.Env,
		Stdout: spec.Stdout,
		Stderr: spec.Stderr,
	}
	if m.opts.Tool == "venv" {
		cmd.Name = m.opts.Python
		cmd.Args = []string{"-m", "venv", spec.EnvPath}
	}

	return m.exec.Run(ctx, cmd)
}

// Enter implements Manager. It returns the bin directory.
func (m *VirtualenvManager) Enter(_ context.Context, spec Spec) (string, error) {
	bin := BinDir(spec.EnvPath)
	info, err := os.Stat(bin)
	if err != nil || !info.IsDir() {
		return bin, fmt.Errorf("%s: %w", bin, ErrNotEnterable)
	}
	return bin, nil
}

// Activate implements Manager. It computes what sourcing bin/activate would
// do to the environment and additionally puts the environment's lib
// directory on LD_LIBRARY_PATH, so compiled extensions installed into the
// environment resolve their shared libraries.
func (m *VirtualenvManager) Activate(_ context.Context, spec Spec) (Session, error) {
	script := filepath.Join(BinDir(spec.EnvPath), "activate")
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("no activation script: %w", err)
	}
	return NewHostSession(m.exec, Activated(spec.Env, spec.EnvPath), spec.Env), nil
}

// Activated returns env as it looks inside the virtual environment at
// envPath.
func Activated(env environ.Env, envPath string) environ.Env {
	return env.
		Without("PYTHONHOME").
		With("VIRTUAL_ENV", envPath).
		PrependPath("PATH", BinDir(envPath)).
		PrependPath("LD_LIBRARY_PATH", filepath.Join(envPath, "lib"))
}

// BinDir returns the bin directory of the environment at envPath.
func BinDir(envPath string) string {
	return filepath.Join(envPath, "bin")
}

// checkPython verifies the interpreter satisfies MinPython.
func (m *VirtualenvManager) checkPython(ctx context.Context, env environ.Env) error {
	constraint, err := semver.NewConstraint(m.opts.MinPython)
	if err != nil {
		return fmt.Errorf("invalid python version constraint %q: %w", m.opts.MinPython, err)
	}

	out, err := m.exec.Output(ctx, shell.Command{
		Name: m.opts.Python,
		Args: []string{"-c", versionScript},
		Env:  env,
	})
	if err != nil {
		return fmt.Errorf("failed to determine python version: %w", err)
	}

	version, err := semver.NewVersion(strings.TrimSpace(string(out)))
	if err != nil {
		return fmt.Errorf("unexpected python version %q: %w", strings.TrimSpace(string(out)), err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("python %s does not satisfy %s", version, m.opts.MinPython)
	}
	return nil
}
