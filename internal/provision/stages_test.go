package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/daliugebuild/internal/config"
	"github.com/mmr-tortoise/daliugebuild/internal/environ"
	"github.com/mmr-tortoise/daliugebuild/internal/hostmod"
	"github.com/mmr-tortoise/daliugebuild/internal/isolation"
	"github.com/mmr-tortoise/daliugebuild/internal/model"
	"github.com/mmr-tortoise/daliugebuild/internal/shell"
	"github.com/mmr-tortoise/daliugebuild/internal/source"
)

// events records the externally observable actions of a run in order.
type events struct {
	list []string
}

func (e *events) add(s string) { e.list = append(e.list, s) }

type fakeManager struct {
	ev          *events
	createErr   error
	enterErr    error
	activateErr error
	session     *fakeSession
}

func (m *fakeManager) Kind() model.IsolationKind { return model.IsolationVirtualenv }

func (m *fakeManager) Create(_ context.Context, spec isolation.Spec) error {
	m.ev.add("create " + spec.EnvPath)
	return m.createErr
}

func (m *fakeManager) Enter(_ context.Context, spec isolation.Spec) (string, error) {
	m.ev.add("enter-env")
	return isolation.BinDir(spec.EnvPath), m.enterErr
}

func (m *fakeManager) Activate(_ context.Context, spec isolation.Spec) (isolation.Session, error) {
	m.ev.add("activate")
	if m.activateErr != nil {
		return nil, m.activateErr
	}
	m.session.env = isolation.Activated(spec.Env, spec.EnvPath)
	m.session.before = spec.Env
	return m.session, nil
}

type fakeSession struct {
	ev         *events
	env        environ.Env
	before     environ.Env
	runErr     error
	lastRun    shell.Command
	deactivate int
}

func (s *fakeSession) Env() environ.Env { return s.env }

func (s *fakeSession) Run(_ context.Context, cmd shell.Command) error {
	s.ev.add("run " + cmd.String())
	s.lastRun = cmd
	return s.runErr
}

func (s *fakeSession) Deactivate(context.Context) (environ.Env, error) {
	s.ev.add("deactivate")
	s.deactivate++
	return s.before, nil
}

type fakeLoader struct {
	ev  *events
	err error
}

func (l *fakeLoader) Load(_ context.Context, modules []string, env environ.Env) (environ.Env, error) {
	for _, m := range modules {
		l.ev.add("module load " + m)
	}
	if l.err != nil {
		return env, l.err
	}
	return env.With("LOADEDMODULES", modules[0]), nil
}

// hostExecutor records host commands run after a failed activation.
type hostExecutor struct {
	ev *events
}

func (h *hostExecutor) Run(_ context.Context, cmd shell.Command) error {
	h.ev.add("host " + cmd.String())
	return nil
}

func (h *hostExecutor) Output(context.Context, shell.Command) ([]byte, error) {
	return nil, nil
}

type fakeFetcher struct {
	ev *events
}

func (f *fakeFetcher) Fetch(_ context.Context, dest string, repo source.Repository) (string, error) {
	f.ev.add("fetch " + repo.URL)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}
	return "0123456789abcdef", nil
}

// harness wires the standard pipeline to fakes.
type harness struct {
	ev       *events
	cfg      *config.Config
	manager  *fakeManager
	session  *fakeSession
	loader   *fakeLoader
	hostname string
	fetcher  source.Fetcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ev := &events{}
	session := &fakeSession{ev: ev}
	return &harness{
		ev: ev,
		cfg: &config.Config{
			Root:           t.TempDir(),
			Target:         config.DefaultTarget,
			EnvDir:         "env",
			Isolation:      model.IsolationVirtualenv,
			InstallCommand: "python setup.py install",
		},
		manager:  &fakeManager{ev: ev, session: session},
		session:  session,
		loader:   &fakeLoader{ev: ev},
		hostname: "laptop",
	}
}

func (h *harness) makeProject(t *testing.T) {
	t.Helper()
	require.NoError(t, os.MkdirAll(h.cfg.ProjectDir(), 0o755))
}

func (h *harness) run(t *testing.T) (*State, error) {
	t.Helper()

	reg, err := hostmod.NewRegistry(hostmod.DefaultRules())
	require.NoError(t, err)

	p := New(Deps{
		Manager:    h.manager,
		Registry:   reg,
		Descriptor: hostmod.Descriptor{Hostname: h.hostname},
		Loader:     h.loader,
		Fetcher:    h.fetcher,
		Executor:   &hostExecutor{ev: h.ev},
	}, h.cfg.Strict, nil)

	st := NewState(h.cfg, environ.FromMap(map[string]string{"PATH": "/usr/bin"}), "run-1", nil, nil)
	return st, p.Run(context.Background(), st)
}

// TestRun_Success covers a clean run: exit without error, install runs in
// the project directory inside the environment, deactivation comes last.
func TestRun_Success(t *testing.T) {
	h := newHarness(t)
	h.makeProject(t)

	st, err := h.run(t)
	require.NoError(t, err)

	envPath := filepath.Join(h.cfg.Root, "env")
	assert.Equal(t, []string{
		"create " + envPath,
		"enter-env",
		"activate",
		"run python setup.py install",
		"deactivate",
	}, h.ev.list)

	assert.Equal(t, h.cfg.ProjectDir(), h.session.lastRun.Dir)
	assert.Equal(t, envPath, h.session.lastRun.Env.Value("VIRTUAL_ENV"))

	last, ok := st.Report.LastStage()
	require.True(t, ok)
	assert.Equal(t, model.StageDeactivate, last.Stage)
	assert.Equal(t, model.StatusOK, last.Status)
	_, failed := st.Report.Failed()
	assert.False(t, failed)

	_, active := st.Env.Get("VIRTUAL_ENV")
	assert.False(t, active, "deactivation restores the pre-activation environment")
	assert.Nil(t, st.Session)
}

// TestRun_MissingProjectDirectory verifies the exact diagnostic and that
// the installer never runs.
func TestRun_MissingProjectDirectory(t *testing.T) {
	h := newHarness(t)

	st, err := h.run(t)
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, model.StageEnterProject, stageErr.Stage)
	assert.Equal(t, "cannot enter project directory "+filepath.Join(h.cfg.Root, "daliuge"), stageErr.Diagnostic)

	assert.NotContains(t, h.ev.list, "run python setup.py install")
	assert.Equal(t, 1, h.session.deactivate, "an active session is still torn down")

	failed, ok := st.Report.Failed()
	require.True(t, ok)
	assert.Equal(t, model.StageEnterProject, failed.Stage)
}

func TestRun_CustomTarget(t *testing.T) {
	h := newHarness(t)
	h.cfg.Target = "dlg-fork"

	_, err := h.run(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), filepath.Join(h.cfg.Root, "dlg-fork"))
}

func TestRun_InstallFailure(t *testing.T) {
	h := newHarness(t)
	h.makeProject(t)
	h.session.runErr = &shell.ExitError{Command: "python setup.py install", Code: 1}

	_, err := h.run(t)
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, model.StageInstall, stageErr.Stage)
	assert.Equal(t, "installation failed", stageErr.Diagnostic)

	var exitErr *shell.ExitError
	assert.True(t, errors.As(err, &exitErr))
}

func TestRun_EnterEnvFailure(t *testing.T) {
	h := newHarness(t)
	h.makeProject(t)
	h.manager.enterErr = isolation.ErrNotEnterable

	_, err := h.run(t)
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, model.StageEnterEnv, stageErr.Stage)
	assert.Equal(t, "cannot enter environment directory "+filepath.Join(h.cfg.Root, "env", "bin"), stageErr.Diagnostic)
	assert.NotContains(t, h.ev.list, "activate")
}

// TestRun_UnguardedCreateFailure checks that in compatibility mode a failed
// create is only a warning.
func TestRun_UnguardedCreateFailure(t *testing.T) {
	h := newHarness(t)
	h.makeProject(t)
	h.manager.createErr = errors.New("virtualenv: command not found")

	st, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWarned, st.Report.Stages[2].Status)
	assert.Equal(t, model.StageCreate, st.Report.Stages[2].Stage)
}

func TestRun_StrictCreateFailure(t *testing.T) {
	h := newHarness(t)
	h.makeProject(t)
	h.cfg.Strict = true
	h.manager.createErr = errors.New("virtualenv: command not found")

	_, err := h.run(t)
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, model.StageCreate, stageErr.Stage)
	assert.NotContains(t, h.ev.list, "enter-env")
}

// TestRun_ActivationFailureFallsBackToHost keeps running the installer on
// the host when activation fails outside strict mode.
func TestRun_ActivationFailureFallsBackToHost(t *testing.T) {
	h := newHarness(t)
	h.makeProject(t)
	h.manager.activateErr = errors.New("no activation script")

	st, err := h.run(t)
	require.NoError(t, err)
	assert.Contains(t, h.ev.list, "host python setup.py install")
	assert.Equal(t, model.StatusWarned, st.Report.Stages[4].Status)
}

// TestRun_HostModules checks that a matching host loads its modules before
// the environment is created, and other hosts skip the load.
func TestRun_HostModules(t *testing.T) {
	t.Run("matching host", func(t *testing.T) {
		h := newHarness(t)
		h.makeProject(t)
		h.hostname = "hyades01"

		st, err := h.run(t)
		require.NoError(t, err)

		require.GreaterOrEqual(t, len(h.ev.list), 2)
		assert.Equal(t, "module load python/2.7.11", h.ev.list[0])
		assert.Contains(t, h.ev.list[1], "create ")
		assert.Equal(t, model.StatusOK, st.Report.Stages[1].Status)
		assert.Equal(t, "python/2.7.11", h.session.lastRun.Env.Value("LOADEDMODULES"))
	})

	t.Run("other host", func(t *testing.T) {
		h := newHarness(t)
		h.makeProject(t)
		h.hostname = "laptop"

		st, err := h.run(t)
		require.NoError(t, err)
		for _, e := range h.ev.list {
			assert.NotContains(t, e, "module load")
		}
		assert.Equal(t, model.StatusSkipped, st.Report.Stages[1].Status)
	})

	t.Run("failed load is unguarded", func(t *testing.T) {
		h := newHarness(t)
		h.makeProject(t)
		h.hostname = "hyades"
		h.loader.err = errors.New("module: command not found")

		st, err := h.run(t)
		require.NoError(t, err)
		assert.Equal(t, model.StatusWarned, st.Report.Stages[1].Status)
	})
}

func TestRun_FetchMissingProject(t *testing.T) {
	h := newHarness(t)
	h.fetcher = &fakeFetcher{ev: h.ev}
	h.cfg.Repository.URL = "https://github.com/ICRAR/daliuge.git"

	st, err := h.run(t)
	require.NoError(t, err)
	assert.Contains(t, h.ev.list, "fetch https://github.com/ICRAR/daliuge.git")
	assert.Equal(t, model.StageFetch, st.Report.Stages[5].Stage)
	assert.Equal(t, "https://github.com/ICRAR/daliuge.git at 01234567", st.Report.Stages[5].Detail)
}

func TestRun_FetchSkippedWhenPresent(t *testing.T) {
	h := newHarness(t)
	h.makeProject(t)
	h.fetcher = &fakeFetcher{ev: h.ev}
	h.cfg.Repository.URL = "https://github.com/ICRAR/daliuge.git"

	st, err := h.run(t)
	require.NoError(t, err)
	for _, e := range h.ev.list {
		assert.NotContains(t, e, "fetch")
	}
	assert.Equal(t, model.StatusSkipped, st.Report.Stages[5].Status)
}

func TestRun_ProjectPathIsFile(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.cfg.ProjectDir(), []byte("not a dir"), 0o644))

	_, err := h.run(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a directory")
}
