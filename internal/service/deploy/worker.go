// Package deploy drives admitted deployments to a terminal state.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/localvercel/internal/containers"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/errtrack"
	"github.com/splax/localvercel/internal/events"
	"github.com/splax/localvercel/internal/metrics"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/service/status"
	"github.com/splax/localvercel/pkg/config"
)

const (
	defaultTimeout        = time.Hour
	defaultHealthAttempts = 30
	defaultHealthInterval = 2 * time.Second
	finalizeTimeout       = 30 * time.Second
	logFlushLines         = 25
)

// Worker executes one deployment at a time; run several for parallelism.
type Worker struct {
	deployments repository.DeploymentRepository
	targets     repository.TargetRepository
	servers     repository.ServerRepository
	exec        remote.Executor
	runtime     containers.Runtime
	events      events.Broadcaster
	reporter    errtrack.Reporter
	metrics     *metrics.Recorder
	logger      *slog.Logger

	pipeline       pipelineConfig
	timeout        time.Duration
	healthAttempts int
	healthInterval time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker constructs a deployment worker.
func NewWorker(deployments repository.DeploymentRepository, targets repository.TargetRepository, servers repository.ServerRepository, exec remote.Executor, runtime containers.Runtime, broadcaster events.Broadcaster, reporter errtrack.Reporter, recorder *metrics.Recorder, logger *slog.Logger, cfg config.OrchestratorConfig) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = errtrack.Nop{}
	}
	timeout := cfg.DeploymentTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := cfg.HealthAttempts
	if attempts <= 0 {
		attempts = defaultHealthAttempts
	}
	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	network := cfg.DockerNetwork
	if network == "" {
		network = "peep"
	}
	return &Worker{
		deployments:    deployments,
		targets:        targets,
		servers:        servers,
		exec:           exec,
		runtime:        runtime,
		events:         broadcaster,
		reporter:       reporter,
		metrics:        recorder,
		logger:         logger.With("component", "deploy_worker"),
		pipeline:       pipelineConfig{network: network, helperImage: cfg.HelperImage},
		timeout:        timeout,
		healthAttempts: attempts,
		healthInterval: interval,
		now:            time.Now,
		sleep:          sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Handle claims and runs a deployment. It matches queue.Handler.
func (w *Worker) Handle(ctx context.Context, deploymentID string) {
	d, err := w.deployments.ClaimDeployment(ctx, deploymentID, w.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			w.logger.Debug("deployment no longer queued", "deployment_id", deploymentID)
		case errors.Is(err, repository.ErrNotFound):
			w.logger.Warn("deployment not found", "deployment_id", deploymentID)
		default:
			w.logger.Error("claim deployment failed", "deployment_id", deploymentID, "error", err)
		}
		return
	}
	w.logger.Info("deployment started", "deployment_id", d.ID, "target_kind", d.TargetKind, "target_id", d.TargetID, "pull_request_id", d.PullRequestID)

	sink := newLogSink(w, d.ID)
	jobCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	runErr := w.execute(jobCtx, *d, sink)
	w.finalize(ctx, jobCtx, *d, sink, runErr)
}

// execute runs the pipeline and converts panics into errors.
func (w *Worker) execute(ctx context.Context, d domain.Deployment, sink *logSink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errtrack.FromPanic(r)
		}
	}()

	target, err := w.targets.GetTarget(ctx, d.Target())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Expected("Target %s no longer exists.", d.Target())
		}
		return err
	}
	server, err := w.servers.GetServer(ctx, d.ServerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Expected("Server %s no longer exists.", d.ServerID)
		}
		return err
	}
	if !server.IsFunctional() {
		return Expected("Server is not functional.")
	}
	p, err := buildPlan(d, target, *server, w.pipeline)
	if err != nil {
		return err
	}
	if p.helper {
		defer w.removeHelper(context.WithoutCancel(ctx), *server, d.ID)
	}

	sink.add(domain.NewLogLine(w.now(), fmt.Sprintf("Starting deployment of %s on %s.", d.Target(), server.Name)))
	for _, step := range p.steps {
		_, err := w.exec.Run(ctx, *server, []remote.Step{step}, remote.Options{ThrowOnError: true, Output: sink.add})
		sink.flush(ctx)
		if cerr := w.checkCancelled(ctx, d.ID); cerr != nil {
			return cerr
		}
		if err != nil {
			return err
		}
	}
	if p.wait {
		if err := w.waitHealthy(ctx, d, *server, p, sink); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) checkCancelled(ctx context.Context, deploymentID string) error {
	current, err := w.deployments.GetDeploymentStatus(context.WithoutCancel(ctx), deploymentID)
	if err != nil {
		w.logger.Warn("read deployment status failed", "deployment_id", deploymentID, "error", err)
		return nil
	}
	if current == domain.DeploymentCancelledByUser {
		return errCancelled
	}
	return nil
}

func (w *Worker) waitHealthy(ctx context.Context, d domain.Deployment, server domain.Server, p plan, sink *logSink) error {
	var last domain.ResourceStatus
	for attempt := 1; attempt <= w.healthAttempts; attempt++ {
		list, err := w.runtime.List(ctx, server, p.selector)
		if err != nil {
			return err
		}
		last = status.Aggregate(list, p.excluded)
		if last.Base() == domain.StatusRunning {
			sink.add(domain.NewLogLine(w.now(), "Containers are running."))
			sink.flush(ctx)
			return nil
		}
		sink.add(domain.NewLogLine(w.now(), fmt.Sprintf("Waiting for containers (%d/%d): %s", attempt, w.healthAttempts, last)))
		sink.flush(ctx)
		if err := w.checkCancelled(ctx, d.ID); err != nil {
			return err
		}
		if attempt < w.healthAttempts {
			if err := w.sleep(ctx, w.healthInterval); err != nil {
				return err
			}
		}
	}
	return Expected("Containers did not become healthy (last status: %s).", last)
}

func (w *Worker) finalize(parent, jobCtx context.Context, d domain.Deployment, sink *logSink, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalizeTimeout)
	defer cancel()
	logger := w.logger.With("deployment_id", d.ID, "target_id", d.TargetID)

	final := domain.DeploymentFinished
	switch {
	case runErr == nil:
		sink.add(domain.NewLogLine(w.now(), "Deployment finished."))
	case errors.Is(runErr, errCancelled):
		sink.flush(ctx)
		w.finishCancelled(ctx, d)
		logger.Info("deployment cancelled")
		return
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		final = domain.DeploymentFailed
		sink.add(domain.NewLogLine(w.now(), fmt.Sprintf("Deployment timed out after %s.", w.timeout)))
		logger.Warn("deployment timed out", "timeout", w.timeout)
	case parent.Err() != nil:
		final = domain.DeploymentFailed
		sink.add(domain.NewLogLine(w.now(), "Deployment interrupted by orchestrator shutdown."))
		logger.Warn("deployment interrupted")
	case IsExpected(runErr):
		final = domain.DeploymentFailed
		sink.addError(w.now(), runErr)
		logger.Info("deployment failed", "error", runErr)
	default:
		final = domain.DeploymentFailed
		sink.addError(w.now(), runErr)
		w.reporter.Report(ctx, errtrack.Capture(runErr), "deployment_id", d.ID, "target_id", d.TargetID)
	}
	sink.flush(ctx)

	finishedAt := w.now().UTC()
	if err := w.deployments.FinishDeployment(ctx, d.ID, final, finishedAt); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Another writer ended it first; never overwrite that outcome.
			current, serr := w.deployments.GetDeploymentStatus(ctx, d.ID)
			if serr != nil {
				logger.Error("read deployment status failed", "error", serr)
				return
			}
			if current == domain.DeploymentCancelledByUser {
				w.finishCancelled(ctx, d)
				logger.Info("deployment cancelled during final step")
				return
			}
			logger.Warn("deployment already finished elsewhere", "status", current, "wanted", final)
			return
		}
		logger.Error("finish deployment failed", "error", err)
		return
	}
	d.Status = final
	d.FinishedAt = &finishedAt
	var took time.Duration
	if d.StartedAt != nil {
		took = finishedAt.Sub(*d.StartedAt)
	}
	w.metrics.DeploymentFinished(string(d.TargetKind), string(final), took)
	logger.Info("deployment completed", "status", final, "duration", took)
	if w.events != nil {
		w.events.DeploymentFinished(ctx, d)
	}
}

// finishCancelled cleans up after a cancelled run and announces it so the
// target's status is re-polled.
func (w *Worker) finishCancelled(ctx context.Context, d domain.Deployment) {
	w.cleanupCancelled(ctx, d)
	d.Status = domain.DeploymentCancelledByUser
	finishedAt := w.now().UTC()
	d.FinishedAt = &finishedAt
	if w.events != nil {
		w.events.DeploymentFinished(ctx, d)
	}
}

// cleanupCancelled removes the helper and every container the cancelled run
// created, so nothing half-built is left behind for the next reconciliation.
func (w *Worker) cleanupCancelled(ctx context.Context, d domain.Deployment) {
	server, err := w.servers.GetServer(ctx, d.ServerID)
	if err != nil || !server.IsFunctional() {
		return
	}
	w.removeHelper(ctx, *server, d.ID)
	created, err := w.runtime.List(ctx, *server, domain.LabelSelector{domain.LabelDeploymentID: d.ID})
	if err != nil {
		w.logger.Warn("list cancelled deployment containers failed", "deployment_id", d.ID, "error", err)
		return
	}
	for _, c := range created {
		if err := w.runtime.Remove(ctx, *server, c.Name); err != nil {
			w.logger.Warn("remove cancelled deployment container failed", "deployment_id", d.ID, "container", c.Name, "error", err)
		}
	}
}

func (w *Worker) removeHelper(ctx context.Context, server domain.Server, deploymentID string) {
	if err := w.runtime.Remove(ctx, server, deploymentID); err != nil {
		w.logger.Warn("remove helper container failed", "deployment_id", deploymentID, "error", err)
	}
}

// logSink buffers streamed lines and appends them to the deployment in batches.
type logSink struct {
	w  *Worker
	id string
	// flushing keeps batches in order when output goroutines and the step
	// loop flush concurrently.
	flushing sync.Mutex
	mu       sync.Mutex
	lines    []domain.LogLine
}

func newLogSink(w *Worker, id string) *logSink {
	return &logSink{w: w, id: id}
}

func (s *logSink) add(line domain.LogLine) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	full := len(s.lines) >= logFlushLines
	s.mu.Unlock()
	if full {
		s.flush(context.Background())
	}
}

func (s *logSink) addError(at time.Time, err error) {
	var exit *remote.ExitError
	if errors.As(err, &exit) {
		s.add(domain.LogLine{Timestamp: at.UTC(), Stream: domain.StreamStderr, Text: fmt.Sprintf("Step %q failed with exit code %d.", exit.Step, exit.ExitCode)})
		return
	}
	s.add(domain.LogLine{Timestamp: at.UTC(), Stream: domain.StreamStderr, Text: err.Error()})
}

func (s *logSink) flush(ctx context.Context) {
	s.flushing.Lock()
	defer s.flushing.Unlock()
	s.mu.Lock()
	lines := s.lines
	s.lines = nil
	s.mu.Unlock()
	if len(lines) == 0 {
		return
	}
	if err := s.w.deployments.AppendDeploymentLogs(context.WithoutCancel(ctx), s.id, lines); err != nil {
		s.w.logger.Warn("append deployment logs failed", "deployment_id", s.id, "error", err)
	}
}
