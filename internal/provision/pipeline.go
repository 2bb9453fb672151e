// Package provision sequences the provisioning stages.
//
// A Pipeline runs an ordered list of Stages over a State. Each stage is
// either guarded, in which case its failure aborts the run, or unguarded, in
// which case its failure is logged as a warning and the run continues.
// Strict mode guards every stage.
//
// Stages never touch the process environment or working directory. The
// environment a stage starts from is State.Env and the directory it works
// in is State.Dir; a stage that changes either stores the new value on the
// State for the stages after it. Every stage leaves one StageResult on the
// report, and a run that aborts still deactivates an open session.
package provision

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmr-tortoise/daliugebuild/internal/config"
	"github.com/mmr-tortoise/daliugebuild/internal/environ"
	"github.com/mmr-tortoise/daliugebuild/internal/isolation"
	"github.com/mmr-tortoise/daliugebuild/internal/model"
)

// State is threaded through every stage of one run. Config is never
// modified; Env, Dir and Session change as stages complete.
type State struct {
	// Config is the resolved configuration.
	Config *config.Config

	// Env is the environment the next stage starts from.
	Env environ.Env

	// Dir is the directory the pipeline has entered. Empty until
	// enter-project succeeds.
	Dir string

	// Session is the active isolated environment, nil outside
	// activate..deactivate.
	Session isolation.Session

	// Report accumulates stage results.
	Report *model.Report

	// Stdout and Stderr receive the output of external tools.
	Stdout io.Writer
	Stderr io.Writer
}

// NewState creates the initial State for a run.
func NewState(cfg *config.Config, env environ.Env, runID string, stdout, stderr io.Writer) *State {
	return &State{
		Config: cfg,
		Env:    env,
		Report: &model.Report{
			RunID:      runID,
			Target:     cfg.Target,
			ProjectDir: cfg.ProjectDir(),
			Isolation:  cfg.Isolation,
			Strict:     cfg.Strict,
			StartedAt:  time.Now(),
		},
		Stdout: stdout,
		Stderr: stderr,
	}
}

// spec builds the isolation spec for the current state.
func (s *State) spec() isolation.Spec {
	return isolation.Spec{
		Root:    s.Config.Root,
		EnvPath: s.Config.EnvPath(),
		Env:     s.Env,
		Stdout:  s.Stdout,
		Stderr:  s.Stderr,
	}
}

// Outcome is what a successful stage reports.
type Outcome struct {
	// Detail is a short note for logs and the report.
	Detail string

	// Skipped marks a stage that had nothing to do.
	Skipped bool
}

// Stage is one step of the pipeline.
type Stage interface {
	// Name identifies the stage.
	Name() model.StageName

	// Guarded reports whether a failure aborts the run outside strict mode.
	Guarded() bool

	// Run executes the stage. A failing stage returns a *StageError, or a
	// plain error which the pipeline wraps.
	Run(ctx context.Context, st *State) (Outcome, error)
}

// Pipeline executes stages in order and stops at the first guarded failure.
type Pipeline struct {
	stages []Stage
	strict bool
	log    logrus.FieldLogger
}

// NewPipeline creates a Pipeline. A nil logger discards log output.
func NewPipeline(stages []Stage, strict bool, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}
	return &Pipeline{stages: stages, strict: strict, log: log}
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []model.StageName {
	names := make([]model.StageName, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	return names
}

// Run executes the pipeline. It returns nil when every guarded stage
// succeeded, or the *StageError of the first guarded failure. After a
// guarded failure an active session is still deactivated on a best-effort
// basis.
//
// Cancellation is checked between stages only. A stage already running
// sees ctx and is expected to stop its child processes itself.
func (p *Pipeline) Run(ctx context.Context, st *State) error {
	for _, s := range p.stages {
		// Step 1: Stop before the next stage once the run is cancelled.
		if err := ctx.Err(); err != nil {
			stageErr := &StageError{Stage: s.Name(), Diagnostic: "provisioning cancelled", Err: err}
			p.teardown(st)
			return stageErr
		}

		// Step 2: Run the stage. Only a guarded failure ends the loop.
		if err := p.runStage(ctx, s, st); err != nil {
			p.teardown(st)
			return err
		}
	}
	return nil
}

// runStage runs one stage, records its result, and returns an error only
// for a guarded failure.
//
// The recorded status is skipped or ok on success, failed for a guarded
// failure and warned for an unguarded one. A guarded failure is logged at
// error level with its diagnostic; an unguarded one at warn level.
func (p *Pipeline) runStage(ctx context.Context, s Stage, st *State) error {
	// Step 1: Decide whether a failure of this stage aborts the run.
	guarded := p.strict || s.Guarded()
	log := p.log.WithFields(logrus.Fields{"stage": s.Name(), "guarded": guarded})
	log.Debug("stage started")

	// Step 2: Run the stage and time it.
	start := time.Now()
	outcome, err := s.Run(ctx, st)
	result := model.StageResult{
		Stage:    s.Name(),
		Guarded:  guarded,
		Detail:   outcome.Detail,
		Duration: time.Since(start),
	}

	// Step 3: Classify the outcome and record it.
	switch {
	case err == nil && outcome.Skipped:
		result.Status = model.StatusSkipped
		log.WithField("detail", outcome.Detail).Debug("stage skipped")
	case err == nil:
		result.Status = model.StatusOK
		log.WithField("detail", outcome.Detail).Debug("stage completed")
	case guarded:
		stageErr := asStageError(s.Name(), err)
		result.Status = model.StatusFailed
		result.Error = stageErr.Error()
		st.Report.Stages = append(st.Report.Stages, result)
		log.WithError(stageErr.Err).Error(stageErr.Diagnostic)
		return stageErr
	default:
		result.Status = model.StatusWarned
		result.Error = err.Error()
		log.WithError(err).Warn("unguarded stage failed, continuing")
	}

	st.Report.Stages = append(st.Report.Stages, result)
	return nil
}

// teardown deactivates a session left open by an aborted run. The result is
// recorded like any other stage; errors are only logged. The environment is
// restored from the session only when deactivation succeeds.
func (p *Pipeline) teardown(st *State) {
	if st.Session == nil {
		return
	}

	start := time.Now()
	// The run context may be the reason we are here, so teardown uses its own.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	env, err := st.Session.Deactivate(ctx)
	st.Session = nil
	result := model.StageResult{
		Stage:    model.StageDeactivate,
		Status:   model.StatusOK,
		Detail:   "after failure",
		Duration: time.Since(start),
	}
	if err != nil {
		result.Status = model.StatusWarned
		result.Error = err.Error()
		p.log.WithError(err).Warn("deactivation after failure did not complete")
	} else {
		st.Env = env
	}
	st.Report.Stages = append(st.Report.Stages, result)
}

// StageError is the structured error of a failed stage.
type StageError struct {
	// Stage is the failing stage.
	Stage model.StageName

	// Diagnostic is the one-line message shown to the user.
	Diagnostic string

	// Err is the underlying cause.
	Err error
}

// Error satisfies the error interface.
func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Diagnostic, e.Err)
	}
	return e.Diagnostic
}

// Unwrap returns the underlying cause.
func (e *StageError) Unwrap() error {
	return e.Err
}

// asStageError returns err as a *StageError, wrapping plain errors with a
// generic diagnostic naming the stage.
func asStageError(stage model.StageName, err error) *StageError {
	if se, ok := err.(*StageError); ok {
		return se
	}
	return &StageError{Stage: stage, Diagnostic: fmt.Sprintf("stage %s failed", stage), Err: err}
}
