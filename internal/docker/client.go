package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/client"

	"github.com/mmr-tortoise/daliugebuild/internal/environ"
	"github.com/mmr-tortoise/daliugebuild/internal/model"
)

// pingTimeout bounds the daemon health check before a run starts.
const pingTimeout = 5 * time.Second

// NewClient creates a Docker SDK client for the daemon described by env.
//
// When DOCKER_HOST is set, the standard DOCKER_* variables (host, API
// version, TLS material) are honoured as the docker CLI does. Otherwise the
// first socket found among the rootful, rootless and Docker Desktop
// locations is used.
//
// Returns a model.CLIError with ExitGeneralError when no daemon socket
// exists or the client cannot be created.
func NewClient(env environ.Env) (*client.Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}

	if host := env.Value("DOCKER_HOST"); host != "" {
		opts = append(opts, client.WithHostFromEnv(), client.WithTLSClientConfigFromEnv())
	} else {
		host, err := detectUnixSocket(socketCandidates(env))
		if err != nil {
			return nil, model.WrapCLIError(model.ExitGeneralError, "Docker socket not found", err)
		}
		opts = append(opts, client.WithHost(host))
	}

	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to create Docker client", err)
	}
	return c, nil
}

// Ping verifies that the Docker daemon answers within pingTimeout.
func Ping(ctx context.Context, c *client.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if _, err := c.Ping(pingCtx); err != nil {
		return model.WrapCLIError(model.ExitGeneralError,
			"Docker daemon is not responding, is Docker running?", err)
	}
	return nil
}

// socketCandidates lists daemon sockets in probe order: the system socket,
// the rootless socket under XDG_RUNTIME_DIR, then the per-user Docker
// Desktop sockets under HOME.
func socketCandidates(env environ.Env) []string {
	paths := []string{"/var/run/docker.sock"}
	if runtimeDir := env.Value("XDG_RUNTIME_DIR"); runtimeDir != "" {
		paths = append(paths, filepath.Join(runtimeDir, "docker.sock"))
	}
	if home := env.Value("HOME"); home != "" {
		paths = append(paths,
			filepath.Join(home, ".docker", "run", "docker.sock"),
			filepath.Join(home, ".docker", "desktop", "docker.sock"),
		)
	}
	return paths
}

// detectUnixSocket returns the Docker host URI for the first existing path.
func detectUnixSocket(paths []string) (string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", fmt.Errorf("no Docker socket at any of %v", paths)
}
