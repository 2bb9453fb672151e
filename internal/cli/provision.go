package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/daliugebuild/internal/config"
	"github.com/mmr-tortoise/daliugebuild/internal/docker"
	"github.com/mmr-tortoise/daliugebuild/internal/environ"
	"github.com/mmr-tortoise/daliugebuild/internal/hostmod"
	"github.com/mmr-tortoise/daliugebuild/internal/isolation"
	"github.com/mmr-tortoise/daliugebuild/internal/model"
	"github.com/mmr-tortoise/daliugebuild/internal/provision"
	"github.com/mmr-tortoise/daliugebuild/internal/shell"
	"github.com/mmr-tortoise/daliugebuild/internal/source"
)

// diagnosticColor renders the one-line failure diagnostic. fatih/color
// drops the escape codes when stdout is not a terminal.
var diagnosticColor = color.New(color.FgRed, color.Bold)

// runProvision is the RunE of the root command.
//
// Orchestration steps:
//  1. Resolve the configuration (flags, environment, config file)
//  2. Open a run logger tagged with a fresh run ID
//  3. Build the isolation backend and host module collaborators
//  4. Run the pipeline until the first guarded failure
//  5. Report: diagnostic line in text mode, the run report with --json
//
// Every log line of the run carries the run_id field, which is also the
// RunID of the JSON report and the label on Docker containers, so the three
// can be correlated.
func runProvision(cmd *cobra.Command, args []string) error {
	// Step 1: Resolve the configuration. Errors here are usage or config
	// errors and map to their own exit codes.
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	// Step 2: Open the run logger on stderr so stdout stays reserved for
	// diagnostics and the report.
	runID := uuid.NewString()
	log := newLogger(cmd.ErrOrStderr()).WithField("run_id", runID)
	log.WithFields(logrus.Fields{
		"root":      cfg.Root,
		"target":    cfg.Target,
		"isolation": cfg.Isolation,
		"strict":    cfg.Strict,
	}).Debug("configuration resolved")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Step 3: Wire the collaborators. The docker backend pings the daemon
	// here so an unreachable daemon fails before any stage runs.
	deps, cleanup, err := buildDeps(ctx, cfg, runID, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer cleanup()

	// Installer output must not interleave with the JSON report.
	stdout := cmd.OutOrStdout()
	toolOut := stdout
	if IsJSONOutput() {
		toolOut = cmd.ErrOrStderr()
	}

	// Step 4: Run the stages against the process environment.
	st := provision.NewState(cfg, environ.FromOS(), runID, toolOut, cmd.ErrOrStderr())
	pipeline := provision.New(deps, cfg.Strict, log)
	runErr := pipeline.Run(ctx, st)

	// Step 5: Print the diagnostic or the report and map the exit code.
	return finish(stdout, st.Report, runErr)
}

// finish records the exit code on the report, prints the outcome and
// returns the error Execute maps to the exit status.
func finish(w io.Writer, report *model.Report, runErr error) error {
	var stageErr *provision.StageError
	if runErr != nil && !errors.As(runErr, &stageErr) {
		stageErr = &provision.StageError{Diagnostic: "provisioning failed", Err: runErr}
	}

	report.ExitCode = model.ExitSuccess
	if stageErr != nil {
		report.ExitCode = model.ExitGeneralError
	}

	if IsJSONOutput() {
		if err := writeJSON(w, report); err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to write report", err)
		}
	} else if stageErr != nil {
		_, _ = diagnosticColor.Fprintln(w, stageErr.Diagnostic)
	}

	if stageErr == nil {
		return nil
	}
	// The diagnostic is already on stdout; Execute only sets the exit code.
	return &model.CLIError{Code: model.ExitGeneralError, Err: stageErr}
}

// newLogger creates the run logger on w. The level is warn, or debug with
// --verbose; --json switches to the JSON formatter.
func newLogger(w io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(logrus.WarnLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	if IsJSONOutput() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: !verbose})
	}
	return logger
}

// buildDeps wires the pipeline collaborators for cfg. The returned cleanup
// releases the docker client, if one was opened.
func buildDeps(ctx context.Context, cfg *config.Config, runID string, progress io.Writer) (provision.Deps, func(), error) {
	cleanup := func() {}
	exec := shell.NewOSExecutor()

	registry, err := loadRegistry(cfg)
	if err != nil {
		return provision.Deps{}, cleanup, err
	}

	descriptor, err := hostmod.CurrentDescriptor(cfg.Hostname)
	if err != nil {
		return provision.Deps{}, cleanup, model.WrapCLIError(model.ExitGeneralError, "failed to describe host", err)
	}

	deps := provision.Deps{
		Registry:   registry,
		Descriptor: descriptor,
		Loader:     hostmod.NewShellLoader(exec, cfg.Shell),
		Executor:   exec,
	}

	if cfg.Repository.URL != "" {
		deps.Fetcher = source.NewGitFetcher(progress)
	}

	switch cfg.Isolation {
	case model.IsolationDocker:
		c, err := docker.NewClient(environ.FromOS())
		if err != nil {
			return provision.Deps{}, cleanup, err
		}
		cleanup = func() { _ = c.Close() }

		if err := docker.Ping(ctx, c); err != nil {
			cleanup()
			return provision.Deps{}, func() {}, err
		}
		deps.Manager = docker.NewEnvironmentManager(c, docker.EnvironmentOptions{
			Image: cfg.Docker.Image,
			Keep:  cfg.Docker.Keep,
			RunID: runID,
		})
	default:
		deps.Manager = isolation.NewVirtualenvManager(exec, isolation.VirtualenvOptions{
			Tool:      cfg.VenvTool,
			Python:    cfg.Python,
			MinPython: cfg.MinPython,
		})
	}

	return deps, cleanup, nil
}

// loadRegistry returns the host rules from cfg.HostsFile, or the built-in
// rules when no file is configured.
func loadRegistry(cfg *config.Config) (*hostmod.Registry, error) {
	if cfg.HostsFile != "" {
		return hostmod.LoadRegistry(cfg.HostsFile)
	}
	registry, err := hostmod.NewRegistry(hostmod.DefaultRules())
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid built-in host rules", err)
	}
	return registry, nil
}

// writeJSON writes v as indented JSON followed by a newline.
func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
