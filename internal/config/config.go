// Package config resolves the configuration of a provisioning run.
//
// Configuration is layered with viper, lowest precedence first:
//
//	built-in defaults < .daliugebuild.yaml < DALIUGEBUILD_* / DLG_ROOT < flags < positional target
//
// A .env file in the current directory is loaded before the environment is
// read; it never overrides variables that are already set. The result is an
// immutable Config value that is passed explicitly to every pipeline stage.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mmr-tortoise/daliugebuild/internal/model"
)

const (
	// EnvPrefix prefixes every configuration environment variable.
	EnvPrefix = "DALIUGEBUILD"

	// RootEnvVar is the variable daliugebuild.sh read the workspace root
	// from. It is honoured alongside DALIUGEBUILD_ROOT.
	RootEnvVar = "DLG_ROOT"

	// DefaultTarget is the project directory used when no argument is given.
	DefaultTarget = "daliuge"

	// configName is the config file base name searched for in the current
	// directory and in the workspace root.
	configName = ".daliugebuild"
)

// Repository configures the optional fetch stage.
type Repository struct {
	URL    string `mapstructure:"url"`
	Branch string `mapstructure:"branch"`
	Depth  int    `mapstructure:"depth"`
}

// Docker configures the docker isolation backend.
type Docker struct {
	// Image is the container image the environment is created from.
	Image string `mapstructure:"image"`

	// Keep leaves the container in place after deactivation.
	Keep bool `mapstructure:"keep"`
}

// Config is the resolved configuration of one provisioning run.
type Config struct {
	// Root is the absolute workspace root. The environment and the target
	// project both live directly under it.
	Root string `mapstructure:"root"`

	// Target is the project subdirectory name, relative to Root.
	Target string `mapstructure:"target"`

	// EnvDir is the environment directory name, relative to Root.
	EnvDir string `mapstructure:"env_dir"`

	// Isolation selects the environment backend.
	Isolation model.IsolationKind `mapstructure:"isolation"`

	// VenvTool is "virtualenv" or "venv" (python -m venv).
	VenvTool string `mapstructure:"venv_tool"`

	// Python is the interpreter used to create the environment when
	// VenvTool is "venv", and to check MinPython.
	Python string `mapstructure:"python"`

	// MinPython, when set, is a semver constraint the interpreter version
	// must satisfy before the environment is created, e.g. ">= 2.7".
	MinPython string `mapstructure:"min_python"`

	// InstallCommand is the installer command line, run in the project
	// directory inside the activated environment.
	InstallCommand string `mapstructure:"install_cmd"`

	// Strict guards every stage instead of only enter-env, enter-project
	// and install.
	Strict bool `mapstructure:"strict"`

	// HostsFile is an optional YAML/JSONC host rules file. Empty means the
	// built-in rules.
	HostsFile string `mapstructure:"hosts_file"`

	// Hostname overrides the detected host name for module selection.
	Hostname string `mapstructure:"hostname"`

	// Shell is the login shell used to run `module load`.
	Shell string `mapstructure:"shell"`

	Repository Repository `mapstructure:"repository"`
	Docker     Docker     `mapstructure:"docker"`
}

// ProjectDir returns the absolute path of the target project directory.
func (c *Config) ProjectDir() string {
	return filepath.Join(c.Root, c.Target)
}

// EnvPath returns the absolute path of the isolated environment.
func (c *Config) EnvPath() string {
	return filepath.Join(c.Root, c.EnvDir)
}

// InstallArgs splits InstallCommand into program and arguments with POSIX
// shell quoting rules, so `--prefix="/opt/my dlg"` stays one argument. The
// command is never run through a shell.
func (c *Config) InstallArgs() ([]string, error) {
	args, err := shellquote.Split(c.InstallCommand)
	if err != nil {
		return nil, fmt.Errorf("invalid install command %q: %w", c.InstallCommand, err)
	}
	if len(args) == 0 {
		return nil, errors.New("install command must not be empty")
	}
	return args, nil
}

// Validate checks the configuration for values no stage could work with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Target) == "" {
		return errors.New("target directory name must not be empty")
	}
	if strings.TrimSpace(c.EnvDir) == "" {
		return errors.New("environment directory name must not be empty")
	}
	if !c.Isolation.IsValid() {
		return fmt.Errorf("invalid isolation backend: %q (valid: virtualenv, docker)", c.Isolation)
	}
	if c.VenvTool != "virtualenv" && c.VenvTool != "venv" {
		return fmt.Errorf("invalid venv tool: %q (valid: virtualenv, venv)", c.VenvTool)
	}
	if _, err := c.InstallArgs(); err != nil {
		return err
	}
	if c.Isolation == model.IsolationDocker && c.Docker.Image == "" {
		return errors.New("docker isolation requires docker.image")
	}
	if c.Repository.Depth < 0 {
		return fmt.Errorf("repository depth must not be negative, got %d", c.Repository.Depth)
	}
	return nil
}

// defaults lists every configuration key with its default value. Every key
// must appear here so that viper's AutomaticEnv sees it during Unmarshal.
var defaults = map[string]any{
	"root":              "",
	"target":            DefaultTarget,
	"env_dir":           "env",
	"isolation":         string(model.IsolationVirtualenv),
	"venv_tool":         "virtualenv",
	"python":            "python",
	"min_python":        "",
	"install_cmd":       "python setup.py install",
	"strict":            false,
	"hosts_file":        "",
	"hostname":          "",
	"shell":             "bash",
	"repository.url":    "",
	"repository.branch": "",
	"repository.depth":  0,
	"docker.image":      "python:2.7",
	"docker.keep":       false,
}

// FlagKeys maps CLI flag names to configuration keys.
var FlagKeys = map[string]string{
	"root":        "root",
	"env-dir":     "env_dir",
	"isolation":   "isolation",
	"venv-tool":   "venv_tool",
	"python":      "python",
	"install-cmd": "install_cmd",
	"strict":      "strict",
	"hosts-file":  "hosts_file",
	"hostname":    "hostname",
	"repo":        "repository.url",
	"branch":      "repository.branch",
	"image":       "docker.image",
}

// Options controls where Load looks for configuration.
type Options struct {
	// Args are the positional command-line arguments (zero or one).
	Args []string

	// ConfigFile is an explicit config file path. Empty means search for
	// .daliugebuild.{yaml,yml,json,toml} in the current directory and the
	// workspace root.
	ConfigFile string

	// DotEnv is the .env file to load. Empty means ".env"; a missing file
	// is not an error.
	DotEnv string

	// Flags are bound on top of every other source. May be nil.
	Flags *pflag.FlagSet
}

// Load resolves the configuration. Errors are CLIErrors with
// ExitConfigError, except too many positional arguments which is a
// general usage error.
func Load(opts Options) (*Config, error) {
	if len(opts.Args) > 1 {
		return nil, model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("expected at most one target directory, got %d arguments", len(opts.Args)))
	}

	if err := loadDotEnv(opts.DotEnv); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "failed to load .env file", err)
	}

	v := newViper()

	if err := bindFlags(v, opts.Flags); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "failed to bind flags", err)
	}

	if err := readConfigFile(v, opts.ConfigFile); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "failed to read config file", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "failed to decode configuration", err)
	}

	if len(opts.Args) == 1 {
		cfg.Target = opts.Args[0]
	}

	if err := cfg.resolveRoot(); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "failed to resolve workspace root", err)
	}

	kind, err := model.ParseIsolationKind(string(cfg.Isolation))
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid configuration", err)
	}
	cfg.Isolation = kind

	if err := cfg.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid configuration", err)
	}

	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// DLG_ROOT is read for compatibility with daliugebuild.sh;
	// DALIUGEBUILD_ROOT takes precedence when both are set.
	_ = v.BindEnv("root", EnvPrefix+"_ROOT", RootEnvVar)

	return v
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	for name, key := range FlagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	return nil
}

// readConfigFile reads an explicit config file, or searches for one. A
// missing file is only an error when it was given explicitly.
func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		return v.ReadInConfig()
	}

	v.SetConfigName(configName)
	v.AddConfigPath(".")
	if root := v.GetString("root"); root != "" {
		v.AddConfigPath(root)
	}

	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// loadDotEnv loads KEY=VALUE pairs from path without overriding variables
// already present in the environment.
func loadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// resolveRoot makes Root absolute, falling back to the current directory
// when it is unset. The directory is not required to exist.
func (c *Config) resolveRoot() error {
	if c.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		c.Root = wd
		return nil
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return err
	}
	c.Root = abs
	return nil
}
