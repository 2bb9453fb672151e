package docker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBuildLabels verifies that BuildLabels converts Meta into a label map
// with every key set.
func TestBuildLabels(t *testing.T) {
	createdAt := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	labels := BuildLabels(Meta{
		Root:      "/scratch/dlg",
		EnvPath:   "/scratch/dlg/env",
		RunID:     "4f1c",
		CreatedAt: createdAt,
	})

	assert.Equal(t, ManagedByValue, labels[LabelManagedBy])
	assert.Equal(t, "/scratch/dlg", labels[LabelRoot])
	assert.Equal(t, "/scratch/dlg/env", labels[LabelEnvPath])
	assert.Equal(t, "4f1c", labels[LabelRunID])
	assert.Equal(t, "2026-10-19T10:00:00Z", labels[LabelCreatedAt])
	assert.Len(t, labels, 5)
}

// TestBuildLabels_Minimal checks that empty fields produce no labels.
func TestBuildLabels_Minimal(t *testing.T) {
	labels := BuildLabels(Meta{})
	assert.Equal(t, map[string]string{LabelManagedBy: ManagedByValue}, labels)
}

func TestParseLabels_RoundTrip(t *testing.T) {
	createdAt := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	in := Meta{Root: "/w", EnvPath: "/w/env", RunID: "r", CreatedAt: createdAt}

	out, ok := ParseLabels(BuildLabels(in))
	require.True(t, ok)
	assert.Equal(t, in, out)
}

func TestParseLabels_Unmanaged(t *testing.T) {
	_, ok := ParseLabels(map[string]string{"com.docker.compose.service": "app"})
	assert.False(t, ok)

	_, ok = ParseLabels(nil)
	assert.False(t, ok)
}

func TestParseLabels_BadTimestamp(t *testing.T) {
	meta, ok := ParseLabels(map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelCreatedAt: "yesterday",
	})
	require.True(t, ok)
	assert.True(t, meta.CreatedAt.IsZero())
}
