package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIsolationKind(t *testing.T) {
	tests := []struct {
		input    string
		expected IsolationKind
		hasError bool
	}{
		{"virtualenv", IsolationVirtualenv, false},
		{" Docker ", IsolationDocker, false},
		{"conda", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseIsolationKind(tt.input)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestReport_LastStageAndFailed(t *testing.T) {
	var r Report

	_, ok := r.LastStage()
	assert.False(t, ok, "empty report has no last stage")

	r.Stages = []StageResult{
		{Stage: StageSelect, Status: StatusOK},
		{Stage: StageCreate, Status: StatusWarned},
		{Stage: StageEnterProject, Status: StatusFailed},
		{Stage: StageDeactivate, Status: StatusOK},
	}

	last, ok := r.LastStage()
	require.True(t, ok)
	assert.Equal(t, StageDeactivate, last.Stage)

	failed, ok := r.Failed()
	require.True(t, ok)
	assert.Equal(t, StageEnterProject, failed.Stage)

	r.Stages = r.Stages[:2]
	_, ok = r.Failed()
	assert.False(t, ok, "warned stages do not count as failures")
}

// TestCLIError verifies the custom error type used for exit code mapping.
func TestCLIError(t *testing.T) {
	t.Run("simple error", func(t *testing.T) {
		err := NewCLIError(ExitConfigError, "invalid isolation backend")
		assert.Equal(t, ExitConfigError, err.Code)
		assert.Equal(t, "invalid isolation backend", err.Error())
		assert.Nil(t, err.Unwrap())
	})

	t.Run("wrapped error", func(t *testing.T) {
		inner := errors.New("exit status 1")
		err := WrapCLIError(ExitGeneralError, "installation failed", inner)
		assert.Equal(t, ExitGeneralError, err.Code)
		assert.Contains(t, err.Error(), "exit status 1")
		assert.Equal(t, inner, err.Unwrap())
	})

	t.Run("already reported", func(t *testing.T) {
		inner := errors.New("installation failed")
		err := &CLIError{Code: ExitGeneralError, Err: inner}
		assert.Equal(t, "installation failed", err.Error())
	})

	t.Run("errors.Is chain", func(t *testing.T) {
		inner := errors.New("exit status 1")
		err := WrapCLIError(ExitGeneralError, "installation failed", inner)
		assert.True(t, errors.Is(err, inner))
	})
}
