// Package cli implements the cobra-based command line of daliugebuild.
//
// The root command runs the provisioning pipeline for one target project.
// The hosts subcommand inspects host module selection without running
// anything. This file defines the root command, the global flags and the
// error-to-exit-code mapping.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/daliugebuild/internal/config"
	"github.com/mmr-tortoise/daliugebuild/internal/model"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command.
var (
	// jsonOutput prints the run report (or the hosts result) as JSON.
	jsonOutput bool

	// verbose lowers the log level to debug.
	verbose bool

	// configFile is an explicit configuration file path.
	configFile string
)

// Version, Commit and Date are set at build time via ldflags, injected from
// the main package.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates the root cobra command with every subcommand
// registered.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "daliugebuild [target]",
		Short: "Provision a Python environment and install a DALiuGE checkout into it",
		Long: `daliugebuild creates an isolated Python environment under the workspace
root, activates it, enters the target project directory and runs the
project's installer inside the environment.

The target defaults to "daliuge". The workspace root is read from --root,
DALIUGEBUILD_ROOT or DLG_ROOT and falls back to the current directory.

On hosts matching a cluster rule (by default "*hyades*"), the configured
environment modules are loaded before the environment is created.

Examples:
  daliugebuild
  daliugebuild my-daliuge-fork
  daliugebuild --root /scratch/dlg --strict
  daliugebuild --isolation docker --image python:3.11 --json`,

		Args: cobra.MaximumNArgs(1),

		// SilenceUsage prevents cobra from printing usage on every error.
		SilenceUsage: true,

		// SilenceErrors leaves error formatting to Execute (text or JSON).
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		RunE: runProvision,
	}

	// Configuration flags are persistent so that the hosts subcommand sees
	// --hosts-file, --hostname and --root as well. Each one is bound to the
	// configuration key listed in config.FlagKeys.
	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	flags.StringVar(&configFile, "config", "", "Config file (default: .daliugebuild.* in the current directory or the workspace root)")

	flags.String("root", "", "Workspace root (default: $DLG_ROOT or the current directory)")
	flags.String("env-dir", "env", "Environment directory name under the workspace root")
	flags.String("isolation", string(model.IsolationVirtualenv), "Isolation backend: virtualenv, docker")
	flags.String("venv-tool", "virtualenv", "Environment tool: virtualenv, venv")
	flags.String("python", "python", "Python interpreter used by venv and the version check")
	flags.String("install-cmd", "python setup.py install", "Installer command run in the project directory")
	flags.Bool("strict", false, "Guard every stage, not only enter-env, enter-project and install")
	flags.String("hosts-file", "", "Host module rules file (YAML or JSON with comments)")
	flags.String("hostname", "", "Hostname used for module selection (default: the system hostname)")
	flags.String("repo", "", "Repository cloned into the target directory when it is missing")
	flags.String("branch", "", "Branch to clone with --repo")
	flags.String("image", "python:2.7", "Container image for the docker backend")

	rootCmd.AddCommand(NewHostsCommand())

	return rootCmd
}

// loadConfig resolves the configuration for cmd. args are the positional
// target arguments, nil for subcommands that take none.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	return config.Load(config.Options{
		Args:       args,
		ConfigFile: configFile,
		Flags:      cmd.Flags(),
	})
}

// Execute runs the root command and handles exit codes.
//
// CLIError types carry their own exit codes; other errors exit with 1. A
// CLIError without a message has already been reported on stdout.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		if cliErr, ok := err.(*model.CLIError); ok {
			if cliErr.Message != "" {
				printError(cliErr.Message, cliErr.Err)
			}
			os.Exit(int(cliErr.Code))
		}

		printError(err.Error(), nil)
		os.Exit(int(model.ExitGeneralError))
	}
}

// printError outputs an error message on stderr in the format selected by
// the --json global flag.
func printError(message string, underlying error) {
	if jsonOutput {
		errObj := map[string]interface{}{
			"error": map[string]interface{}{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]interface{}); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
		return
	}

	if underlying != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	}
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}
