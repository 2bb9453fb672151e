package docker

import (
	"time"
)

// Label keys applied to every container daliugebuild creates. They make
// environments discoverable with `docker ps --filter label=...` and record
// which workspace a container belongs to.
const (
	// LabelPrefix is the common prefix for all daliugebuild labels.
	LabelPrefix = "daliugebuild."

	// LabelManagedBy identifies containers managed by daliugebuild.
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelRoot stores the workspace root bind-mounted into the container.
	LabelRoot = LabelPrefix + "root"

	// LabelEnvPath stores the environment path the container stands in for.
	LabelEnvPath = LabelPrefix + "env-path"

	// LabelRunID stores the run that created the container.
	LabelRunID = LabelPrefix + "run-id"

	// LabelCreatedAt stores the RFC3339 creation timestamp.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
const ManagedByValue = "daliugebuild"

// Meta is the metadata recorded on an environment container.
type Meta struct {
	Root      string
	EnvPath   string
	RunID     string
	CreatedAt time.Time
}

// BuildLabels converts Meta into a Docker label map. Empty fields are
// omitted.
func BuildLabels(meta Meta) map[string]string {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
	}
	if meta.Root != "" {
		labels[LabelRoot] = meta.Root
	}
	if meta.EnvPath != "" {
		labels[LabelEnvPath] = meta.EnvPath
	}
	if meta.RunID != "" {
		labels[LabelRunID] = meta.RunID
	}
	if !meta.CreatedAt.IsZero() {
		labels[LabelCreatedAt] = meta.CreatedAt.UTC().Format(time.RFC3339)
	}
	return labels
}

// ParseLabels reconstructs Meta from a container's labels. It returns false
// when the container is not managed by daliugebuild.
func ParseLabels(labels map[string]string) (Meta, bool) {
	if labels[LabelManagedBy] != ManagedByValue {
		return Meta{}, false
	}
	meta := Meta{
		Root:    labels[LabelRoot],
		EnvPath: labels[LabelEnvPath],
		RunID:   labels[LabelRunID],
	}
	if ts := labels[LabelCreatedAt]; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			meta.CreatedAt = t
		}
	}
	return meta, true
}
