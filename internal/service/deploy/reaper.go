package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/localvercel/internal/containers"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/events"
	"github.com/splax/localvercel/internal/metrics"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/pkg/config"
)

const (
	defaultReapInterval = time.Minute
	reapTimeout         = 30 * time.Second
)

// Reaper force-fails in-progress deployments that stopped making progress,
// for example because the worker running them died.
type Reaper struct {
	deployments repository.DeploymentRepository
	servers     repository.ServerRepository
	runtime     containers.Runtime
	events      events.Broadcaster
	metrics     *metrics.Recorder
	logger      *slog.Logger

	interval time.Duration
	ttl      time.Duration

	now func() time.Time
}

// NewReaper returns nil when no stale TTL is configured.
func NewReaper(deployments repository.DeploymentRepository, servers repository.ServerRepository, runtime containers.Runtime, broadcaster events.Broadcaster, recorder *metrics.Recorder, logger *slog.Logger, cfg config.OrchestratorConfig) *Reaper {
	if cfg.StaleDeploymentTTL <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	interval := defaultReapInterval
	if cfg.StaleDeploymentTTL < interval {
		interval = cfg.StaleDeploymentTTL
	}
	return &Reaper{
		deployments: deployments,
		servers:     servers,
		runtime:     runtime,
		events:      broadcaster,
		metrics:     recorder,
		logger:      logger.With("component", "deploy_reaper"),
		interval:    interval,
		ttl:         cfg.StaleDeploymentTTL,
		now:         time.Now,
	}
}

// Run executes the reaper loop until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("deployment reaper started", "interval", r.interval, "ttl", r.ttl)
	r.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("deployment reaper stopped")
			return
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

func (r *Reaper) runIteration(parent context.Context) {
	opCtx, cancel := context.WithTimeout(parent, reapTimeout)
	defer cancel()
	r.Reap(opCtx)
}

// Reap fails every stale in-progress deployment and returns how many it failed.
func (r *Reaper) Reap(ctx context.Context) int {
	now := r.now().UTC()
	stale, err := r.deployments.ListDeploymentsWithStatusUpdatedBefore(ctx, domain.DeploymentInProgress, now.Add(-r.ttl))
	if err != nil {
		r.logger.Warn("failed to list stale deployments", "error", err)
		return 0
	}
	reaped := 0
	for _, dep := range stale {
		msg := fmt.Sprintf("Deployment timed out after %s without progress.", formatDuration(r.ttl))
		if err := r.deployments.AppendDeploymentLogs(ctx, dep.ID, []domain.LogLine{{Timestamp: now, Stream: domain.StreamStderr, Text: msg}}); err != nil {
			r.logger.Warn("failed to append timeout log", "deployment_id", dep.ID, "error", err)
		}
		if err := r.deployments.FinishDeployment(ctx, dep.ID, domain.DeploymentFailed, now); err != nil {
			r.logger.Warn("failed to timeout deployment", "deployment_id", dep.ID, "error", err)
			continue
		}
		reaped++
		r.removeHelper(ctx, dep)
		dep.Status = domain.DeploymentFailed
		dep.FinishedAt = &now
		r.metrics.DeploymentFinished(string(dep.TargetKind), string(dep.Status), 0)
		if r.events != nil {
			r.events.DeploymentFinished(ctx, dep)
		}
		r.logger.Info("deployment marked failed after stale timeout", "deployment_id", dep.ID, "target_id", dep.TargetID)
	}
	return reaped
}

func (r *Reaper) removeHelper(ctx context.Context, dep domain.Deployment) {
	server, err := r.servers.GetServer(ctx, dep.ServerID)
	if err != nil || !server.IsFunctional() {
		return
	}
	if err := r.runtime.Remove(ctx, *server, dep.ID); err != nil {
		r.logger.Warn("failed to remove helper container", "deployment_id", dep.ID, "error", err)
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}
