// Package model defines the domain types for the daliugebuild CLI.
//
// These types describe a single provisioning run: the stages it passes
// through, the outcome of each stage, and the report printed at the end.
// Nothing here is persisted; every value lives for the duration of one run.
package model

import (
	"fmt"
	"strings"
	"time"
)

// StageName identifies a step of the provisioning pipeline.
//
// The declared order of the constants below is the order in which the
// pipeline executes them:
//
//	select → modules → create → enter-env → activate → fetch → enter-project → install → deactivate
type StageName string

const (
	// StageSelect resolves the target project directory name.
	StageSelect StageName = "select"

	// StageModules loads host-specific environment modules on known clusters.
	StageModules StageName = "modules"

	// StageCreate creates the isolated environment.
	StageCreate StageName = "create"

	// StageEnterEnv verifies the environment's bin directory can be entered.
	StageEnterEnv StageName = "enter-env"

	// StageActivate activates the isolated environment.
	StageActivate StageName = "activate"

	// StageFetch clones the project when it is missing and a repository is configured.
	StageFetch StageName = "fetch"

	// StageEnterProject verifies the target project directory can be entered.
	StageEnterProject StageName = "enter-project"

	// StageInstall runs the project's install procedure.
	StageInstall StageName = "install"

	// StageDeactivate tears the isolated environment down.
	StageDeactivate StageName = "deactivate"
)

// String returns the string representation of StageName.
func (s StageName) String() string {
	return string(s)
}

// StageStatus is the outcome of a single stage.
type StageStatus string

const (
	// StatusOK means the stage completed without error.
	StatusOK StageStatus = "ok"

	// StatusFailed means a guarded stage failed and the run was aborted.
	StatusFailed StageStatus = "failed"

	// StatusWarned means an unguarded stage failed and the run continued.
	StatusWarned StageStatus = "warned"

	// StatusSkipped means the stage had nothing to do (e.g. no host modules match).
	StatusSkipped StageStatus = "skipped"
)

// String returns the string representation of StageStatus.
func (s StageStatus) String() string {
	return string(s)
}

// IsolationKind selects the backend that provides the isolated environment.
type IsolationKind string

const (
	// IsolationVirtualenv provisions a Python virtual environment on the host.
	IsolationVirtualenv IsolationKind = "virtualenv"

	// IsolationDocker provisions a long-lived Docker container with the
	// workspace root bind-mounted at the same path.
	IsolationDocker IsolationKind = "docker"
)

// String returns the string representation of IsolationKind.
func (k IsolationKind) String() string {
	return string(k)
}

// IsValid checks whether the IsolationKind value is a known backend.
func (k IsolationKind) IsValid() bool {
	return k == IsolationVirtualenv || k == IsolationDocker
}

// ParseIsolationKind converts a string to an IsolationKind.
// Matching is case-insensitive.
func ParseIsolationKind(s string) (IsolationKind, error) {
	kind := IsolationKind(strings.ToLower(strings.TrimSpace(s)))
	if !kind.IsValid() {
		return "", fmt.Errorf("invalid isolation backend: %q (valid: virtualenv, docker)", s)
	}
	return kind, nil
}

// StageResult records how one stage of a run ended.
type StageResult struct {
	// Stage is the name of the stage.
	Stage StageName `json:"stage"`

	// Status is the outcome of the stage.
	Status StageStatus `json:"status"`

	// Guarded reports whether a failure of this stage aborts the run.
	Guarded bool `json:"guarded"`

	// Detail is a short human-readable note (e.g. the modules loaded,
	// the directory entered).
	Detail string `json:"detail,omitempty"`

	// Error holds the error text when Status is failed or warned.
	Error string `json:"error,omitempty"`

	// Duration is the wall-clock time the stage took.
	Duration time.Duration `json:"duration"`
}

// Report is the summary of a whole provisioning run.
type Report struct {
	// RunID uniquely identifies the run in logs and reports.
	RunID string `json:"runId"`

	// Target is the resolved target project directory name.
	Target string `json:"target"`

	// ProjectDir is the absolute path of the target project directory.
	ProjectDir string `json:"projectDir"`

	// Isolation is the backend used for the run.
	Isolation IsolationKind `json:"isolation"`

	// Strict reports whether every stage was guarded.
	Strict bool `json:"strict"`

	// Stages lists the stage results in execution order.
	Stages []StageResult `json:"stages"`

	// ExitCode is the process exit code the run ends with.
	ExitCode ExitCode `json:"exitCode"`

	// StartedAt is the time the run began.
	StartedAt time.Time `json:"startedAt"`
}

// LastStage returns the most recently recorded stage result, or false
// when no stage has run yet.
func (r *Report) LastStage() (StageResult, bool) {
	if len(r.Stages) == 0 {
		return StageResult{}, false
	}
	return r.Stages[len(r.Stages)-1], true
}

// Failed returns the first failed stage, or false when the run succeeded.
func (r *Report) Failed() (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Status == StatusFailed {
			return s, true
		}
	}
	return StageResult{}, false
}

// ExitCode defines the CLI exit codes. Scripts and CI jobs rely on these
// values, so they must not change.
type ExitCode int

const (
	// ExitSuccess indicates the run completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates a guarded stage failed or an unspecified
	// error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigError indicates the configuration (flags, environment,
	// config file or host rules file) is invalid.
	ExitConfigError ExitCode = 2
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable one-line diagnostic.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
