package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mmr-tortoise/daliugebuild/internal/hostmod"
	"github.com/mmr-tortoise/daliugebuild/internal/isolation"
	"github.com/mmr-tortoise/daliugebuild/internal/model"
	"github.com/mmr-tortoise/daliugebuild/internal/shell"
	"github.com/mmr-tortoise/daliugebuild/internal/source"
)

// Diagnostics printed for guarded failures. Scripts grep for these, so the
// wording is stable.
const (
	DiagEnterEnv     = "cannot enter environment directory %s"
	DiagEnterProject = "cannot enter project directory %s"
	DiagInstall      = "installation failed"
	DiagFetch        = "cannot fetch %s"
)

// Deps are the collaborators the standard stages need.
type Deps struct {
	// Manager provides the isolated environment.
	Manager isolation.Manager

	// Registry selects host modules; Descriptor describes this host.
	Registry   *hostmod.Registry
	Descriptor hostmod.Descriptor

	// Loader loads the selected modules.
	Loader hostmod.Loader

	// Fetcher clones a missing project. May be nil when no repository is
	// configured.
	Fetcher source.Fetcher

	// Executor runs host commands when activation fails in compatibility
	// mode.
	Executor shell.Executor
}

// New builds the standard pipeline:
//
//	select → modules → create → enter-env → activate → fetch → enter-project → install → deactivate
func New(deps Deps, strict bool, log logrus.FieldLogger) *Pipeline {
	return NewPipeline([]Stage{
		&selectStage{},
		&modulesStage{registry: deps.Registry, descriptor: deps.Descriptor, loader: deps.Loader},
		&createStage{manager: deps.Manager},
		&enterEnvStage{manager: deps.Manager},
		&activateStage{manager: deps.Manager, exec: deps.Executor},
		&fetchStage{fetcher: deps.Fetcher},
		&enterProjectStage{},
		&installStage{},
		&deactivateStage{},
	}, strict, log)
}

// selectStage reports the resolved target directory.
type selectStage struct{}

func (s *selectStage) Name() model.StageName { return model.StageSelect }
func (s *selectStage) Guarded() bool         { return true }

func (s *selectStage) Run(_ context.Context, st *State) (Outcome, error) {
	if strings.TrimSpace(st.Config.Target) == "" {
		return Outcome{}, errors.New("target directory name must not be empty")
	}
	return Outcome{Detail: st.Config.ProjectDir()}, nil
}

// modulesStage loads host modules when the host matches a rule. It runs
// before the environment is created so that the environment is built with
// the module's interpreter. Unguarded: a host without the module system
// still gets an environment, built from whatever python is on PATH.
type modulesStage struct {
	registry   *hostmod.Registry
	descriptor hostmod.Descriptor
	loader     hostmod.Loader
}

func (s *modulesStage) Name() model.StageName { return model.StageModules }
func (s *modulesStage) Guarded() bool         { return false }

func (s *modulesStage) Run(ctx context.Context, st *State) (Outcome, error) {
	if s.registry == nil {
		return Outcome{Skipped: true, Detail: "no host rules"}, nil
	}

	// Step 1: Pick the modules of the first rule matching this host.
	modules, rule, ok := s.registry.Lookup(s.descriptor)
	if !ok {
		return Outcome{Skipped: true, Detail: fmt.Sprintf("no rule for host %s", s.descriptor.Hostname)}, nil
	}

	// Step 2: Load them and carry their variables into the run environment.
	env, err := s.loader.Load(ctx, modules, st.Env)
	if err != nil {
		return Outcome{}, err
	}
	st.Env = env
	return Outcome{Detail: fmt.Sprintf("%s (host %s matches %s)", strings.Join(modules, " "), s.descriptor.Hostname, rule.Pattern)}, nil
}

// createStage creates the isolated environment. Unguarded: a failure only
// surfaces once enter-env finds nothing to enter.
type createStage struct {
	manager isolation.Manager
}

func (s *createStage) Name() model.StageName { return model.StageCreate }
func (s *createStage) Guarded() bool         { return false }

func (s *createStage) Run(ctx context.Context, st *State) (Outcome, error) {
	if err := s.manager.Create(ctx, st.spec()); err != nil {
		return Outcome{}, err
	}
	return Outcome{Detail: fmt.Sprintf("%s at %s", s.manager.Kind(), st.Config.EnvPath())}, nil
}

// enterEnvStage verifies the environment can be entered.
type enterEnvStage struct {
	manager isolation.Manager
}

func (s *enterEnvStage) Name() model.StageName { return model.StageEnterEnv }
func (s *enterEnvStage) Guarded() bool         { return true }

func (s *enterEnvStage) Run(ctx context.Context, st *State) (Outcome, error) {
	location, err := s.manager.Enter(ctx, st.spec())
	if err != nil {
		if location == "" {
			location = isolation.BinDir(st.Config.EnvPath())
		}
		return Outcome{}, &StageError{Stage: model.StageEnterEnv, Diagnostic: fmt.Sprintf(DiagEnterEnv, location), Err: err}
	}
	return Outcome{Detail: location}, nil
}

// activateStage activates the environment. Unguarded: when activation
// fails outside strict mode, later stages run on the host as daliugebuild.sh
// did after a failed `source activate`.
type activateStage struct {
	manager isolation.Manager
	exec    shell.Executor
}

func (s *activateStage) Name() model.StageName { return model.StageActivate }
func (s *activateStage) Guarded() bool         { return false }

func (s *activateStage) Run(ctx context.Context, st *State) (Outcome, error) {
	session, err := s.manager.Activate(ctx, st.spec())
	if err != nil {
		st.Session = isolation.NewHostSession(s.exec, st.Env, st.Env)
		return Outcome{}, err
	}
	st.Session = session
	st.Env = session.Env()
	return Outcome{Detail: string(s.manager.Kind())}, nil
}

// fetchStage clones the project when it is missing and a repository is
// configured. An existing directory is left alone, whatever it contains;
// enter-project and install decide whether it is usable.
type fetchStage struct {
	fetcher source.Fetcher
}

func (s *fetchStage) Name() model.StageName { return model.StageFetch }
func (s *fetchStage) Guarded() bool         { return true }

func (s *fetchStage) Run(ctx context.Context, st *State) (Outcome, error) {
	repo := st.Config.Repository
	if repo.URL == "" || s.fetcher == nil {
		return Outcome{Skipped: true, Detail: "no repository configured"}, nil
	}

	// Step 1: Keep an existing checkout.
	dest := st.Config.ProjectDir()
	if _, err := os.Stat(dest); err == nil {
		return Outcome{Skipped: true, Detail: "already checked out"}, nil
	}

	// Step 2: Clone into the project directory.
	commit, err := s.fetcher.Fetch(ctx, dest, source.Repository{URL: repo.URL, Branch: repo.Branch, Depth: repo.Depth})
	if err != nil {
		return Outcome{}, &StageError{Stage: model.StageFetch, Diagnostic: fmt.Sprintf(DiagFetch, repo.URL), Err: err}
	}
	return Outcome{Detail: fmt.Sprintf("%s at %s", repo.URL, shortHash(commit))}, nil
}

// enterProjectStage verifies the target project directory exists.
type enterProjectStage struct{}

func (s *enterProjectStage) Name() model.StageName { return model.StageEnterProject }
func (s *enterProjectStage) Guarded() bool         { return true }

func (s *enterProjectStage) Run(_ context.Context, st *State) (Outcome, error) {
	dir := st.Config.ProjectDir()
	info, err := os.Stat(dir)
	if err == nil && !info.IsDir() {
		err = fmt.Errorf("%s is not a directory", dir)
	}
	if err != nil {
		return Outcome{}, &StageError{Stage: model.StageEnterProject, Diagnostic: fmt.Sprintf(DiagEnterProject, dir), Err: err}
	}
	st.Dir = dir
	return Outcome{Detail: dir}, nil
}

// installStage runs the installer in the project directory, inside the
// active session. The installer's output goes to State.Stdout and
// State.Stderr; its exit status alone decides success.
type installStage struct{}

func (s *installStage) Name() model.StageName { return model.StageInstall }
func (s *installStage) Guarded() bool         { return true }

func (s *installStage) Run(ctx context.Context, st *State) (Outcome, error) {
	// Step 1: Split the configured installer command line.
	args, err := st.Config.InstallArgs()
	if err != nil {
		return Outcome{}, &StageError{Stage: model.StageInstall, Diagnostic: DiagInstall, Err: err}
	}
	if st.Session == nil {
		return Outcome{}, &StageError{Stage: model.StageInstall, Diagnostic: DiagInstall, Err: errors.New("no active environment")}
	}

	// Step 2: Run it in the project directory with the session environment.
	cmd := shell.Command{
		Name:   args[0],
		Args:   args[1:],
		Dir:    st.Dir,
		Env:    st.Env,
		Stdout: st.Stdout,
		Stderr: st.Stderr,
	}
	if err := st.Session.Run(ctx, cmd); err != nil {
		return Outcome{}, &StageError{Stage: model.StageInstall, Diagnostic: DiagInstall, Err: err}
	}
	return Outcome{Detail: cmd.String()}, nil
}

// deactivateStage tears the environment down and restores the environment
// the session was activated from. Unguarded: the install result stands
// whether or not teardown succeeds.
type deactivateStage struct{}

func (s *deactivateStage) Name() model.StageName { return model.StageDeactivate }
func (s *deactivateStage) Guarded() bool         { return false }

func (s *deactivateStage) Run(ctx context.Context, st *State) (Outcome, error) {
	if st.Session == nil {
		return Outcome{Skipped: true, Detail: "no active environment"}, nil
	}
	session := st.Session
	st.Session = nil

	env, err := session.Deactivate(ctx)
	if err != nil {
		return Outcome{}, err
	}
	st.Env = env
	return Outcome{}, nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
