package domain

import "strings"

// ResourceStatus is the canonical aggregate state of a deployable unit.
type ResourceStatus string

const (
	StatusRunning    ResourceStatus = "running"
	StatusRestarting ResourceStatus = "restarting"
	StatusStarting   ResourceStatus = "starting"
	StatusDegraded   ResourceStatus = "degraded"
	StatusUnhealthy  ResourceStatus = "unhealthy"
	StatusExited     ResourceStatus = "exited"
)

const excludedSuffix = ":excluded"

// Base strips the ":excluded" marker.
func (s ResourceStatus) Base() ResourceStatus {
	return ResourceStatus(strings.TrimSuffix(string(s), excludedSuffix))
}

// IsExcluded reports whether the status was computed only from excluded containers.
func (s ResourceStatus) IsExcluded() bool {
	return strings.HasSuffix(string(s), excludedSuffix)
}

// WithExcluded tags the status as derived from excluded containers only.
func (s ResourceStatus) WithExcluded() ResourceStatus {
	if s.IsExcluded() {
		return s
	}
	return s + excludedSuffix
}
