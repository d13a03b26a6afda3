// Package admission decides whether deployment requests may enter the queue.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/metrics"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/pkg/config"
)

// Outcome is the typed result of an enqueue call.
type Outcome string

const (
	OutcomeQueued    Outcome = "queued"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeQueueFull Outcome = "queue_full"
)

// Request describes a deployment to admit.
type Request struct {
	Target        domain.Deployable
	PullRequestID int
	CommitRef     string
	RestartOnly   bool
	ForceRebuild  bool
	IsWebhook     bool
	// ChangedFiles is consulted against the target's watch paths for webhook pushes.
	ChangedFiles []string
}

// Result reports what happened to a request.
type Result struct {
	Status       Outcome
	DeploymentID string
	Message      string
	Superseded   []string
}

// Controller admits deployments and hands them to the worker pool.
type Controller struct {
	deployments repository.DeploymentRepository
	dispatcher  queue.Dispatcher
	metrics     *metrics.Recorder
	logger      *slog.Logger
	limit       int
	now         func() time.Time
	newID       func() string

	// dispatchTimeout bounds the hand-off independently of the caller's context.
	dispatchTimeout time.Duration
}

// New constructs an admission controller.
func New(deployments repository.DeploymentRepository, dispatcher queue.Dispatcher, recorder *metrics.Recorder, logger *slog.Logger, cfg config.OrchestratorConfig) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		deployments:     deployments,
		dispatcher:      dispatcher,
		metrics:         recorder,
		logger:          logger.With("component", "admission"),
		limit:           cfg.DeploymentLimit,
		now:             time.Now,
		newID:           uuid.NewString,
		dispatchTimeout: queue.DispatchTimeout,
	}
}

// Enqueue admits a deployment request. Capacity and duplicate rejections are
// reported through Result, not as errors.
func (c *Controller) Enqueue(ctx context.Context, req Request) (Result, error) {
	if req.Target == nil {
		return Result{}, errors.New("admission: target required")
	}
	ref := req.Target.Ref()
	if req.IsWebhook && !req.RestartOnly {
		if app, ok := req.Target.(*domain.Application); ok && !MatchesWatchPaths(app.WatchPaths, req.ChangedFiles) {
			c.metrics.Admission(string(OutcomeSkipped))
			c.logger.Info("deployment skipped by watch paths", "target_id", ref.ID, "pull_request_id", req.PullRequestID)
			return Result{Status: OutcomeSkipped, Message: "Changed files do not match watch paths."}, nil
		}
	}

	now := c.now().UTC()
	deployment := &domain.Deployment{
		ID:            c.newID(),
		TargetKind:    ref.Kind,
		TargetID:      ref.ID,
		ServerID:      req.Target.PrimaryServerID(),
		TeamID:        req.Target.Team(),
		PullRequestID: req.PullRequestID,
		CommitRef:     req.CommitRef,
		Status:        domain.DeploymentQueued,
		RestartOnly:   req.RestartOnly,
		ForceRebuild:  req.ForceRebuild,
		IsWebhook:     req.IsWebhook,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	admitted, err := c.deployments.AdmitDeployment(ctx, deployment, repository.AdmitOptions{
		Limit:        c.limit,
		ForceRebuild: req.ForceRebuild,
		CancelLine:   domain.NewLogLine(now, fmt.Sprintf("Deployment superseded by %s.", deployment.ID)),
	})
	switch {
	case errors.Is(err, repository.ErrQueueFull):
		c.metrics.Admission(string(OutcomeQueueFull))
		c.logger.Warn("deployment queue full", "target_id", ref.ID, "team_id", deployment.TeamID, "limit", c.limit)
		return Result{Status: OutcomeQueueFull, Message: "Deployment queue is full. Please try again later."}, nil
	case errors.Is(err, repository.ErrDuplicateInFlight):
		c.metrics.Admission(string(OutcomeSkipped))
		c.logger.Info("deployment already in flight", "target_id", ref.ID, "pull_request_id", req.PullRequestID)
		return Result{Status: OutcomeSkipped, Message: "Deployment already queued for this commit."}, nil
	case err != nil:
		return Result{}, err
	}

	c.metrics.Admission(string(OutcomeQueued))
	c.logger.Info("deployment queued",
		"deployment_id", deployment.ID,
		"target_kind", ref.Kind,
		"target_id", ref.ID,
		"pull_request_id", req.PullRequestID,
		"superseded", len(admitted.Superseded),
	)
	if c.dispatcher != nil {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.dispatchTimeout)
		err := c.dispatcher.Dispatch(dctx, deployment.ID)
		cancel()
		if err != nil {
			// The record stays queued; the pool re-dispatches it once it is stale.
			c.logger.Warn("dispatch deployment failed", "deployment_id", deployment.ID, "error", err)
		}
	}
	return Result{
		Status:       OutcomeQueued,
		DeploymentID: deployment.ID,
		Message:      "Deployment queued.",
		Superseded:   admitted.Superseded,
	}, nil
}
