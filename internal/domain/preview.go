package domain

import (
	"strconv"
	"time"
)

// PreviewEnvironment is an ephemeral deployment target bound to one pull request.
type PreviewEnvironment struct {
	ApplicationID  string
	PullRequestID  int
	PullRequestURL string
	PreviewURL     string
	Status         ResourceStatus
	CreatedAt      time.Time
}

// ResourceName is the container, compose project and stack name of a target.
// Previews are suffixed with the pull request id.
func ResourceName(targetID string, pullRequestID int) string {
	if pullRequestID > 0 {
		return targetID + "-" + strconv.Itoa(pullRequestID)
	}
	return targetID
}
