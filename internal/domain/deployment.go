package domain

import (
	"strings"
	"time"
)

// DeploymentStatus enumerates the lifecycle of a deployment request.
type DeploymentStatus string

const (
	DeploymentQueued          DeploymentStatus = "queued"
	DeploymentInProgress      DeploymentStatus = "in_progress"
	DeploymentFinished        DeploymentStatus = "finished"
	DeploymentFailed          DeploymentStatus = "failed"
	DeploymentCancelledByUser DeploymentStatus = "cancelled-by-user"
)

// IsInFlight reports whether the status still occupies the admission slot.
func (s DeploymentStatus) IsInFlight() bool {
	return s == DeploymentQueued || s == DeploymentInProgress
}

// IsTerminal reports whether no further transitions are allowed.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentFinished || s == DeploymentFailed || s == DeploymentCancelledByUser
}

// Deployment captures a single attempt to bring a target to a commit.
type Deployment struct {
	ID            string
	TargetKind    TargetKind
	TargetID      string
	ServerID      string
	TeamID        string
	PullRequestID int
	CommitRef     string
	Status        DeploymentStatus
	Logs          []LogLine
	RestartOnly   bool
	ForceRebuild  bool
	IsWebhook     bool
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	UpdatedAt     time.Time
}

// Target returns a reference to the deployed resource.
func (d Deployment) Target() TargetRef {
	return TargetRef{Kind: d.TargetKind, ID: d.TargetID}
}

// IsPreview reports whether the deployment belongs to a pull request.
func (d Deployment) IsPreview() bool {
	return d.PullRequestID > 0
}

// ExportLogs renders the log buffer as "timestamp text" lines. When onlyOutput
// is set, command echoes and hidden lines are dropped.
func (d Deployment) ExportLogs(onlyOutput bool) string {
	var b strings.Builder
	for _, line := range d.Logs {
		if onlyOutput && (line.IsCommandEcho || line.Hidden) {
			continue
		}
		b.WriteString(line.Timestamp.UTC().Format(time.RFC3339))
		b.WriteByte(' ')
		b.WriteString(line.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
