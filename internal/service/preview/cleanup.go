// Package preview tears down pull request preview environments.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/localvercel/internal/containers"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository"
)

// Cleanup statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// MessageServerNotFunctional is reported when the owning server cannot be used.
const MessageServerNotFunctional = "Server is not functional"

// Result summarises one cleanup call.
type Result struct {
	CancelledDeployments int    `json:"cancelled_deployments"`
	KilledContainers     int    `json:"killed_containers"`
	Status               string `json:"status"`
	Message              string `json:"message,omitempty"`
}

// Teardown removes the remaining resources of a preview in the background.
type Teardown interface {
	Schedule(ctx context.Context, app *domain.Application, server domain.Server, preview domain.PreviewEnvironment)
}

// Coordinator cancels, kills and schedules teardown for one pull request.
type Coordinator struct {
	deployments repository.DeploymentRepository
	previews    repository.PreviewRepository
	servers     repository.ServerRepository
	exec        remote.Executor
	runtime     containers.Runtime
	teardown    Teardown
	logger      *slog.Logger
	now         func() time.Time
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(deployments repository.DeploymentRepository, previews repository.PreviewRepository, servers repository.ServerRepository, exec remote.Executor, runtime containers.Runtime, teardown Teardown, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		deployments: deployments,
		previews:    previews,
		servers:     servers,
		exec:        exec,
		runtime:     runtime,
		teardown:    teardown,
		logger:      logger.With("component", "preview_cleanup"),
		now:         time.Now,
	}
}

// Cleanup runs the ordered cleanup for (app, pullRequestID). preview may be
// nil, in which case it is looked up. Only an unusable server aborts the call;
// every later step is best-effort and safe to repeat.
func (c *Coordinator) Cleanup(ctx context.Context, app *domain.Application, pullRequestID int, preview *domain.PreviewEnvironment) (Result, error) {
	if app == nil || pullRequestID <= 0 {
		return Result{}, errors.New("preview: application and pull request id required")
	}
	logger := c.logger.With("target_id", app.ID, "pull_request_id", pullRequestID)

	server, err := c.servers.GetServer(ctx, app.ServerID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return Result{}, err
	}
	if server == nil || !server.IsFunctional() {
		logger.Warn("preview cleanup skipped", "server_id", app.ServerID, "reason", "server not functional")
		return Result{Status: StatusFailed, Message: MessageServerNotFunctional}, nil
	}

	result := Result{Status: StatusSuccess}
	result.CancelledDeployments = c.cancelDeployments(ctx, logger, app, pullRequestID, *server)
	result.KilledContainers = c.killContainers(ctx, logger, app, pullRequestID, *server)

	if preview == nil {
		found, err := c.previews.GetPreview(ctx, app.ID, pullRequestID)
		switch {
		case err == nil:
			preview = found
		case !errors.Is(err, repository.ErrNotFound):
			logger.Warn("load preview failed", "error", err)
		}
	}
	if preview != nil && c.teardown != nil {
		c.teardown.Schedule(ctx, app, *server, *preview)
	}

	logger.Info("preview cleaned up",
		"cancelled_deployments", result.CancelledDeployments,
		"killed_containers", result.KilledContainers,
		"teardown_scheduled", preview != nil,
	)
	return result, nil
}

func (c *Coordinator) cancelDeployments(ctx context.Context, logger *slog.Logger, app *domain.Application, pullRequestID int, server domain.Server) int {
	inflight, err := c.deployments.ListInFlightDeployments(ctx, app.ID, pullRequestID)
	if err != nil {
		logger.Warn("list in-flight deployments failed", "error", err)
		return 0
	}
	cancelled := 0
	for _, d := range inflight {
		now := c.now().UTC()
		line := domain.LogLine{
			Timestamp: now,
			Stream:    domain.StreamStderr,
			Text:      fmt.Sprintf("Deployment cancelled: pull request #%d was closed.", pullRequestID),
		}
		applied, err := c.deployments.CancelDeployment(ctx, d.ID, line, now)
		if err != nil {
			logger.Warn("cancel deployment failed", "deployment_id", d.ID, "error", err)
			continue
		}
		if !applied {
			continue
		}
		cancelled++
		// The helper may already be gone.
		if err := c.runtime.Remove(ctx, server, d.ID); err != nil {
			logger.Warn("remove helper container failed", "deployment_id", d.ID, "error", err)
		}
	}
	return cancelled
}

func (c *Coordinator) killContainers(ctx context.Context, logger *slog.Logger, app *domain.Application, pullRequestID int, server domain.Server) int {
	list, err := c.runtime.List(ctx, server, domain.PreviewSelector(app.Ref(), pullRequestID))
	if err != nil {
		logger.Warn("list preview containers failed", "error", err)
	}
	if server.IsSwarmManager {
		// Tasks may run on workers or not be scheduled yet, so the stack is
		// removed even when nothing is listed locally.
		b := remote.NewBuilder()
		b.Run("remove stack", "docker", "stack", "rm", b.Name(domain.ResourceName(app.ID, pullRequestID))).Tolerate("Nothing found in stack")
		steps, err := b.Steps()
		if err != nil {
			logger.Warn("build stack removal failed", "error", err)
			return 0
		}
		if _, err := c.exec.Run(ctx, server, steps, remote.Options{ThrowOnError: true}); err != nil {
			logger.Warn("remove stack failed", "error", err)
			return 0
		}
		return len(list)
	}
	killed := 0
	for _, container := range list {
		if err := c.runtime.Remove(ctx, server, container.Name); err != nil {
			logger.Warn("remove preview container failed", "container", container.Name, "error", err)
			continue
		}
		killed++
	}
	return killed
}
