package shell

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mmr-tortoise/daliugebuild/internal/environ"
)

// ErrNotFound is returned when a program cannot be found on the PATH of the
// command's environment.
var ErrNotFound = errors.New("executable file not found in PATH")

// lookPath resolves name against the PATH of env rather than the PATH of
// the current process. An activated environment prepends its bin directory
// to PATH, and "python" must resolve to the environment's interpreter even
// though the daliugebuild process itself was never activated.
func lookPath(name string, env environ.Env) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		return name, nil
	}

	pathVar, ok := env.Get("PATH")
	if !ok {
		return exec.LookPath(name)
	}

	// Empty and relative entries would resolve against the daliugebuild
	// process's working directory, not the command's, so they are skipped.
	for _, dir := range filepath.SplitList(pathVar) {
		if !filepath.IsAbs(dir) {
			continue
		}
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", ErrNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
