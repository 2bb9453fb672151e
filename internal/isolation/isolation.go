// Package isolation provides the isolated environments the installer runs in.
//
// A Manager creates an environment, verifies it can be entered, and
// activates it. Activation yields a Session, which runs commands inside the
// environment and finally deactivates it. The virtualenv backend lives in
// this package; the docker backend lives in internal/docker and implements
// the same interfaces.
package isolation

import (
	"context"
	"io"

	"github.com/mmr-tortoise/daliugebuild/internal/environ"
	"github.com/mmr-tortoise/daliugebuild/internal/model"
	"github.com/mmr-tortoise/daliugebuild/internal/shell"
)

// Spec describes the environment a Manager works on. It is built once per
// run from the configuration; only Env changes between stages.
type Spec struct {
	// Root is the workspace root.
	Root string

	// EnvPath is the absolute path of the environment directory.
	EnvPath string

	// Env is the environment the stage starts from (host environment plus
	// any loaded modules).
	Env environ.Env

	// Stdout and Stderr receive the output of external tools.
	Stdout io.Writer
	Stderr io.Writer
}

// Manager creates and activates an isolated environment.
type Manager interface {
	// Kind identifies the backend.
	Kind() model.IsolationKind

	// Create creates the environment.
	Create(ctx context.Context, spec Spec) error

	// Enter verifies that the environment exists and can be entered, and
	// returns a description of what was entered (a directory or a
	// container ID).
	Enter(ctx context.Context, spec Spec) (string, error)

	// Activate activates the environment.
	Activate(ctx context.Context, spec Spec) (Session, error)
}

// Session is an activated environment.
type Session interface {
	// Env returns the environment commands run with.
	Env() environ.Env

	// Run executes cmd inside the environment. cmd.Env is the pipeline's
	// current environment; the session decides how much of it applies.
	Run(ctx context.Context, cmd shell.Command) error

	// Deactivate leaves the environment and returns the environment as it
	// was before activation.
	Deactivate(ctx context.Context) (environ.Env, error)
}

// HostSession runs commands directly on the host with a fixed environment.
// It is what a run falls back to when activation fails in compatibility
// mode: the installer then runs against whatever interpreter the host has,
// as daliugebuild.sh did.
type HostSession struct {
	exec   shell.Executor
	env    environ.Env
	before environ.Env
}

// NewHostSession creates a HostSession. before is the environment returned
// by Deactivate.
func NewHostSession(exec shell.Executor, env, before environ.Env) *HostSession {
	return &HostSession{exec: exec, env: env, before: before}
}

// Env implements Session.
func (s *HostSession) Env() environ.Env {
	return s.env
}

// Run implements Session. The command runs with its own environment, which
// the pipeline derives from Env().
func (s *HostSession) Run(ctx context.Context, cmd shell.Command) error {
	if cmd.Env.Len() == 0 {
		cmd.Env = s.env
	}
	return s.exec.Run(ctx, cmd)
}

// Deactivate implements Session.
func (s *HostSession) Deactivate(context.Context) (environ.Env, error) {
	return s.before, nil
}
