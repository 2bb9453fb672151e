package docker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/daliugebuild/internal/environ"
	"github.com/mmr-tortoise/daliugebuild/internal/model"
)

func TestSocketCandidates(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want []string
	}{
		{
			name: "system socket only",
			env:  nil,
			want: []string{"/var/run/docker.sock"},
		},
		{
			name: "rootless and desktop sockets",
			env:  map[string]string{"XDG_RUNTIME_DIR": "/run/user/1000", "HOME": "/home/dlg"},
			want: []string{
				"/var/run/docker.sock",
				"/run/user/1000/docker.sock",
				"/home/dlg/.docker/run/docker.sock",
				"/home/dlg/.docker/desktop/docker.sock",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, socketCandidates(environ.FromMap(tt.env)))
		})
	}
}

func TestDetectUnixSocket(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "docker.sock")
	require.NoError(t, os.WriteFile(present, nil, 0o600))

	host, err := detectUnixSocket([]string{filepath.Join(dir, "missing.sock"), present})
	require.NoError(t, err)
	assert.Equal(t, "unix://"+present, host)

	_, err = detectUnixSocket([]string{filepath.Join(dir, "missing.sock")})
	assert.Error(t, err)
}

func TestNewClient_FromDockerHost(t *testing.T) {
	t.Setenv("DOCKER_HOST", "tcp://127.0.0.1:2375")
	t.Setenv("DOCKER_TLS_VERIFY", "")
	t.Setenv("DOCKER_CERT_PATH", "")

	c, err := NewClient(environ.FromMap(map[string]string{"DOCKER_HOST": "tcp://127.0.0.1:2375"}))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	assert.Equal(t, "tcp://127.0.0.1:2375", c.DaemonHost())
}

func TestNewClient_NoSocket(t *testing.T) {
	if _, err := os.Stat("/var/run/docker.sock"); err == nil {
		t.Skip("system Docker socket present")
	}

	_, err := NewClient(environ.FromMap(map[string]string{"HOME": t.TempDir()}))
	require.Error(t, err)

	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitGeneralError, cliErr.Code)
}
