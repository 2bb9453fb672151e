package hostmod

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mmr-tortoise/daliugebuild/internal/environ"
	"github.com/mmr-tortoise/daliugebuild/internal/shell"
)

// Loader loads environment modules and returns the environment they produce.
type Loader interface {
	Load(ctx context.Context, modules []string, env environ.Env) (environ.Env, error)
}

// Markers framing the two environment dumps on stdout. Each is written as a
// NUL-delimited record so that nothing a login profile prints can run into
// the first variable of a dump.
const (
	beforeMarker = "__DALIUGEBUILD_ENV_BEFORE__"
	afterMarker  = "__DALIUGEBUILD_ENV_AFTER__"
)

// loadScript dumps the environment the login profile produced, loads the
// modules given as positional parameters and dumps the environment again.
// The module system writes its chatter to stdout on some sites, so it is
// redirected to stderr to keep stdout parseable.
const loadScript = `printf '\000%s\000' ` + beforeMarker + ` && env -0 && ` +
	`printf '\000%s\000' ` + afterMarker + ` && ` +
	`module load "$@" 1>&2 && env -0`

// shellNoise are variables every shell invocation changes. They are not
// part of what a module load contributes.
var shellNoise = map[string]bool{
	"_":      true,
	"PWD":    true,
	"OLDPWD": true,
	"SHLVL":  true,
}

// listVars are colon-separated variables the module system edits entry by
// entry, in addition to every *PATH variable.
var listVars = map[string]bool{
	"LOADEDMODULES": true,
	"_LMFILES_":     true,
}

func isListVar(key string) bool {
	return listVars[key] || strings.HasSuffix(key, "PATH")
}

// ShellLoader loads modules by running `module load` in a login shell.
//
// `module` is a shell function defined by the site's login profile, so it
// cannot be executed directly; a login shell sources the profile first. The
// environment is dumped with `env -0` once after the profile and once after
// the load. Only the difference between the two dumps is applied to the
// pipeline's environment, so whatever the profile itself sets or resets
// never leaks into it.
type ShellLoader struct {
	exec  shell.Executor
	shell string
}

// NewShellLoader creates a ShellLoader. An empty shellPath means "bash".
func NewShellLoader(exec shell.Executor, shellPath string) *ShellLoader {
	if shellPath == "" {
		shellPath = "bash"
	}
	return &ShellLoader{exec: exec, shell: shellPath}
}

// Load implements Loader.
func (l *ShellLoader) Load(ctx context.Context, modules []string, env environ.Env) (environ.Env, error) {
	if len(modules) == 0 {
		return env, nil
	}

	args := append([]string{"-l", "-c", loadScript, l.shell}, modules...)
	out, err := l.exec.Output(ctx, shell.Command{
		Name: l.shell,
		Args: args,
		Env:  env,
	})
	if err != nil {
		return env, fmt.Errorf("module load %s: %w", strings.Join(modules, " "), err)
	}

	before, after, err := splitDumps(out)
	if err != nil {
		return env, fmt.Errorf("module load %s: %w", strings.Join(modules, " "), err)
	}
	return applyLoad(env, before, after), nil
}

// splitDumps extracts the environments before and after the load from the
// script's stdout. Anything printed ahead of the first marker is dropped.
func splitDumps(out []byte) (environ.Env, environ.Env, error) {
	_, rest, ok := bytes.Cut(out, []byte("\x00"+beforeMarker+"\x00"))
	if !ok {
		return environ.Env{}, environ.Env{}, errors.New("environment dump missing from shell output")
	}
	beforeDump, afterDump, ok := bytes.Cut(rest, []byte("\x00"+afterMarker+"\x00"))
	if !ok {
		return environ.Env{}, environ.Env{}, errors.New("environment dump after module load missing from shell output")
	}
	return environ.ParseNull(beforeDump), environ.ParseNull(afterDump), nil
}

// applyLoad replays onto env what the load changed between before and after.
// List variables are edited entry by entry so that entries the pipeline
// already carries survive; other variables are overwritten or unset.
func applyLoad(env, before, after environ.Env) environ.Env {
	scalars := map[string]string{}
	for _, k := range after.Diff(before).Keys() {
		if shellNoise[k] {
			continue
		}
		if isListVar(k) {
			env = env.With(k, editList(env.Value(k), before.Value(k), after.Value(k)))
			continue
		}
		scalars[k] = after.Value(k)
	}
	env = env.Merge(environ.FromMap(scalars))

	for _, k := range before.Keys() {
		if shellNoise[k] {
			continue
		}
		if _, ok := after.Get(k); !ok {
			env = env.Without(k)
		}
	}
	return env
}

// editList applies the entries added to and removed from a list variable
// between before and after to current. Added entries that precede the
// surviving ones go to the front, the rest to the back.
func editList(current, before, after string) string {
	old := splitList(before)
	next := splitList(after)

	firstKept := len(next)
	for i, e := range next {
		if slices.Contains(old, e) {
			firstKept = i
			break
		}
	}

	var front, back []string
	for i, e := range next {
		if slices.Contains(old, e) {
			continue
		}
		if i < firstKept {
			front = append(front, e)
		} else {
			back = append(back, e)
		}
	}

	var kept []string
	for _, e := range splitList(current) {
		if slices.Contains(old, e) && !slices.Contains(next, e) {
			continue
		}
		if slices.Contains(front, e) || slices.Contains(back, e) {
			continue
		}
		kept = append(kept, e)
	}

	merged := slices.Concat(front, kept, back)
	return strings.Join(merged, string(filepath.ListSeparator))
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, string(filepath.ListSeparator))
}
