package domain

import "strings"

// Container labels written by the orchestrator and read back during reconciliation.
const (
	LabelManaged        = "peep.managed"
	LabelTargetID       = "peep.target.id"
	LabelTargetKind     = "peep.target.kind"
	LabelPullRequestID  = "peep.pull_request_id"
	LabelDeploymentID   = "peep.deployment.id"
	LabelProxy          = "peep.proxy"
	LabelComposeService = "com.docker.compose.service"
	LabelComposeProject = "com.docker.compose.project"
	LabelSwarmService   = "com.docker.swarm.service.name"
	LabelStackNamespace = "com.docker.stack.namespace"
)

// ContainerState is the subset of a Docker container's state the orchestrator reads.
type ContainerState struct {
	Name   string
	State  string
	Health string
	Labels map[string]string
}

// ServiceName returns the compose service the container belongs to, or its name.
// Swarm tasks are labelled {stack}_{service}; the stack prefix is dropped.
func (c ContainerState) ServiceName() string {
	if name := c.Labels[LabelComposeService]; name != "" {
		return name
	}
	if name := c.Labels[LabelSwarmService]; name != "" {
		if stack := c.Labels[LabelStackNamespace]; stack != "" {
			if svc, ok := strings.CutPrefix(name, stack+"_"); ok && svc != "" {
				return svc
			}
			return name
		}
		if _, svc, ok := strings.Cut(name, "_"); ok && svc != "" {
			return svc
		}
		return name
	}
	return c.Name
}

// Container health values.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthStarting  = "starting"
)

// HealthFromStatus extracts the health check state from a docker status text
// such as "Up 3 minutes (healthy)". It returns "" when no health check is defined.
func HealthFromStatus(status string) string {
	switch {
	case strings.Contains(status, "(health: starting)"):
		return HealthStarting
	case strings.Contains(status, "(unhealthy)"):
		return HealthUnhealthy
	case strings.Contains(status, "(healthy)"):
		return HealthHealthy
	}
	return ""
}
