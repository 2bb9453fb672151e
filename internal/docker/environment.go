package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mmr-tortoise/daliugebuild/internal/environ"
	"github.com/mmr-tortoise/daliugebuild/internal/isolation"
	"github.com/mmr-tortoise/daliugebuild/internal/model"
	"github.com/mmr-tortoise/daliugebuild/internal/shell"
)

// API is the subset of the Docker SDK client the environment backend uses.
// *client.Client satisfies it.
type API interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// ErrNotCreated is returned when an environment container is entered or
// activated before it was created.
var ErrNotCreated = errors.New("environment container was not created")

// idleCommand keeps the container alive between exec calls.
var idleCommand = []string{"sleep", "infinity"}

// EnvironmentOptions configures an EnvironmentManager.
type EnvironmentOptions struct {
	// Image is the image the container is created from.
	Image string

	// Keep leaves the container in place after deactivation.
	Keep bool

	// RunID is recorded on the container as a label.
	RunID string
}

// EnvironmentManager is the docker isolation backend. The isolated
// environment is a long-lived container with the workspace root
// bind-mounted at the same path, so every host path the pipeline computes
// is valid inside the container too.
//
// A manager handles exactly one run: it remembers the container it created.
type EnvironmentManager struct {
	api         API
	opts        EnvironmentOptions
	containerID string
}

// NewEnvironmentManager creates an EnvironmentManager.
func NewEnvironmentManager(api API, opts EnvironmentOptions) *EnvironmentManager {
	return &EnvironmentManager{api: api, opts: opts}
}

// Kind implements isolation.Manager.
func (m *EnvironmentManager) Kind() model.IsolationKind {
	return model.IsolationDocker
}

// ContainerID returns the ID of the created container, or "" before Create.
func (m *EnvironmentManager) ContainerID() string {
	return m.containerID
}

// Create implements isolation.Manager. It pulls the image and creates, but
// does not start, the container.
func (m *EnvironmentManager) Create(ctx context.Context, spec isolation.Spec) error {
	pull, err := m.api.ImagePull(ctx, m.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", m.opts.Image, err)
	}
	// The pull only completes once its progress stream has been read.
	_, copyErr := io.Copy(io.Discard, pull)
	closeErr := pull.Close()
	if copyErr != nil {
		return fmt.Errorf("failed to pull image %s: %w", m.opts.Image, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to pull image %s: %w", m.opts.Image, closeErr)
	}

	resp, err := m.api.ContainerCreate(ctx,
		&container.Config{
			Image:      m.opts.Image,
			Cmd:        idleCommand,
			WorkingDir: spec.Root,
			Labels: BuildLabels(Meta{
				Root:      spec.Root,
				EnvPath:   spec.EnvPath,
				RunID:     m.opts.RunID,
				CreatedAt: time.Now(),
			}),
		},
		&container.HostConfig{
			Binds: []string{spec.Root + ":" + spec.Root},
		},
		nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create container from %s: %w", m.opts.Image, err)
	}

	m.containerID = resp.ID
	return nil
}

// Enter implements isolation.Manager. It verifies the container exists and
// carries daliugebuild's labels, and returns its short ID.
func (m *EnvironmentManager) Enter(ctx context.Context, _ isolation.Spec) (string, error) {
	if m.containerID == "" {
		return "", ErrNotCreated
	}

	resp, err := m.api.ContainerInspect(ctx, m.containerID)
	if err != nil {
		return shortID(m.containerID), fmt.Errorf("failed to inspect container %s: %w", shortID(m.containerID), err)
	}
	if resp.Config != nil {
		if _, ok := ParseLabels(resp.Config.Labels); !ok {
			return shortID(m.containerID), fmt.Errorf("container %s is not managed by daliugebuild", shortID(m.containerID))
		}
	}
	return shortID(m.containerID), nil
}

// Activate implements isolation.Manager. It starts the container.
func (m *EnvironmentManager) Activate(ctx context.Context, spec isolation.Spec) (isolation.Session, error) {
	if m.containerID == "" {
		return nil, ErrNotCreated
	}
	if err := m.api.ContainerStart(ctx, m.containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container %s: %w", shortID(m.containerID), err)
	}
	return &session{manager: m, base: spec.Env, stdout: spec.Stdout, stderr: spec.Stderr}, nil
}

// session runs commands in the environment container.
type session struct {
	manager *EnvironmentManager
	base    environ.Env
	stdout  io.Writer
	stderr  io.Writer
}

// Env implements isolation.Session. The container has its own environment;
// the host environment is only the baseline commands are compared against.
func (s *session) Env() environ.Env {
	return s.base
}

// Run implements isolation.Session. Only the variables the pipeline added
// on top of the host environment are passed into the container; the host's
// PATH and friends would be meaningless there.
func (s *session) Run(ctx context.Context, cmd shell.Command) error {
	api := s.manager.api
	id := s.manager.containerID

	exec, err := api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          append([]string{cmd.Name}, cmd.Args...),
		WorkingDir:   cmd.Dir,
		Env:          cmd.Env.Diff(s.base).Slice(),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("%s: failed to create exec: %w", cmd.String(), err)
	}

	attach, err := api.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("%s: failed to attach exec: %w", cmd.String(), err)
	}
	defer attach.Close()

	stdout := writerOrDiscard(cmd.Stdout, s.stdout)
	stderr := writerOrDiscard(cmd.Stderr, s.stderr)
	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil {
		return fmt.Errorf("%s: failed to read output: %w", cmd.String(), err)
	}

	inspect, err := api.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("%s: failed to inspect exec: %w", cmd.String(), err)
	}
	if inspect.ExitCode != 0 {
		return &shell.ExitError{Command: cmd.String(), Code: inspect.ExitCode}
	}
	return nil
}

// Deactivate implements isolation.Session. It stops the container and,
// unless Keep is set, removes it.
func (s *session) Deactivate(ctx context.Context) (environ.Env, error) {
	api := s.manager.api
	id := s.manager.containerID

	if err := api.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return s.base, fmt.Errorf("failed to stop container %s: %w", shortID(id), err)
	}
	if !s.manager.opts.Keep {
		if err := api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			return s.base, fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
		}
	}
	return s.base, nil
}

func writerOrDiscard(preferred, fallback io.Writer) io.Writer {
	if preferred != nil {
		return preferred
	}
	if fallback != nil {
		return fallback
	}
	return io.Discard
}

// shortID truncates a container ID to the 12 characters docker prints.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
