// Package shell runs external commands for the provisioning pipeline.
//
// Every external collaborator of daliugebuild (virtualenv, the environment
// module system, the project's installer) is reached through os/exec. This
// package gives those calls one shape: a Command value carrying its own
// working directory and environment, and an Executor interface so stages can
// be tested with a fake.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/mmr-tortoise/daliugebuild/internal/environ"
)

// Command describes one external process invocation.
type Command struct {
	// Name is the program to run, resolved against PATH of Env when it
	// contains no path separator.
	Name string

	// Args are the program arguments, not including Name.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is the complete environment of the child process.
	Env environ.Env

	// Stdout and Stderr receive the process output when running with Run.
	// Nil discards the stream.
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command line for logs and diagnostics.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Executor runs commands.
type Executor interface {
	// Run executes the command, streaming output to Command.Stdout/Stderr.
	Run(ctx context.Context, cmd Command) error

	// Output executes the command and returns its standard output.
	// Command.Stdout is ignored.
	Output(ctx context.Context, cmd Command) ([]byte, error)
}

// ExitError reports a command that ran but exited with a non-zero status.
type ExitError struct {
	// Command is the rendered command line.
	Command string

	// Code is the process exit status.
	Code int

	// Stderr holds the trimmed standard error output, when captured.
	Stderr string
}

// Error satisfies the error interface.
func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	return msg
}

// OSExecutor runs commands as child processes of the current process.
type OSExecutor struct{}

// NewOSExecutor creates an OSExecutor.
func NewOSExecutor() *OSExecutor {
	return &OSExecutor{}
}

// Run implements Executor.
func (x *OSExecutor) Run(ctx context.Context, c Command) error {
	cmd, err := x.build(ctx, c)
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	cmd.Stdout = c.Stdout
	if c.Stderr != nil {
		cmd.Stderr = io.MultiWriter(c.Stderr, &stderr)
	} else {
		cmd.Stderr = &stderr
	}

	return classify(c, cmd.Run(), stderr.String())
}

// Output implements Executor.
func (x *OSExecutor) Output(ctx context.Context, c Command) ([]byte, error) {
	cmd, err := x.build(ctx, c)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.Stderr != nil {
		cmd.Stderr = io.MultiWriter(c.Stderr, &stderr)
	}

	if err := classify(c, cmd.Run(), stderr.String()); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

func (x *OSExecutor) build(ctx context.Context, c Command) (*exec.Cmd, error) {
	if c.Name == "" {
		return nil, errors.New("empty command")
	}

	path, err := lookPath(c.Name, c.Env)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name, err)
	}

	// #nosec G204 -- commands come from configuration, not remote input
	cmd := exec.CommandContext(ctx, path, c.Args...)
	cmd.Dir = c.Dir
	if c.Env.Len() > 0 {
		cmd.Env = c.Env.Slice()
	}
	return cmd, nil
}

// classify converts exec errors into ExitError when the process ran.
func classify(c Command, err error, stderr string) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{
			Command: c.String(),
			Code:    exitErr.ExitCode(),
			Stderr:  lastLine(stderr),
		}
	}
	return fmt.Errorf("%s: %w", c.String(), err)
}

// lastLine returns the last non-empty line of s, which for most tools is
// the line that explains the failure.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
