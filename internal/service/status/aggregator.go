// Package status reconciles observed container state into target status slots.
package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/localvercel/internal/containers"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/events"
	"github.com/splax/localvercel/internal/metrics"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/pkg/config"
)

const (
	defaultInterval    = 30 * time.Second
	reconcileTimeout   = 20 * time.Second
	defaultConcurrency = 8
)

// Aggregator polls container state and writes target status on change.
type Aggregator struct {
	targets repository.TargetRepository
	servers repository.ServerRepository
	runtime containers.Runtime
	events  events.Broadcaster
	metrics *metrics.Recorder
	logger  *slog.Logger

	interval    time.Duration
	timeout     time.Duration
	concurrency int
	trigger     chan domain.TargetRef
}

// New constructs an Aggregator.
func New(targets repository.TargetRepository, servers repository.ServerRepository, runtime containers.Runtime, broadcaster events.Broadcaster, recorder *metrics.Recorder, logger *slog.Logger, cfg config.OrchestratorConfig) *Aggregator {
	interval := cfg.StatusPollInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := cfg.StatusReconcileTimeout
	if timeout <= 0 {
		timeout = reconcileTimeout
	}
	concurrency := cfg.StatusConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		targets:     targets,
		servers:     servers,
		runtime:     runtime,
		events:      broadcaster,
		metrics:     recorder,
		logger:      logger.With("component", "status"),
		interval:    interval,
		timeout:     timeout,
		concurrency: concurrency,
		trigger:     make(chan domain.TargetRef, 64),
	}
}

// Reconcile computes the status of target on server and persists it when it changed.
func (a *Aggregator) Reconcile(ctx context.Context, target domain.Deployable, server domain.Server) (domain.ResourceStatus, error) {
	status, err := a.observe(ctx, target, server)
	if err != nil {
		return target.StatusOn(server.ID), err
	}
	if !target.ApplyStatus(server.ID, status) {
		return status, nil
	}
	ref := target.Ref()
	if err := a.targets.UpdateTargetStatus(ctx, ref, server.ID, status); err != nil {
		return status, err
	}
	a.metrics.StatusWritten(string(status))
	a.logger.Info("target status changed", "target_kind", ref.Kind, "target_id", ref.ID, "server_id", server.ID, "status", status)
	if a.events != nil {
		a.events.TargetStatusChanged(ctx, ref, server.ID, status)
	}
	return status, nil
}

func (a *Aggregator) observe(ctx context.Context, target domain.Deployable, server domain.Server) (domain.ResourceStatus, error) {
	if !server.IsFunctional() {
		return domain.StatusExited, nil
	}
	list, err := a.runtime.List(ctx, server, target.ContainerLabelSelector())
	if err != nil {
		if errors.Is(err, remote.ErrNotFunctional) {
			return domain.StatusExited, nil
		}
		return "", err
	}
	return Aggregate(list, target.ExcludedServiceNames()), nil
}

// ReconcileTarget reconciles every server slot of a target.
func (a *Aggregator) ReconcileTarget(ctx context.Context, target domain.Deployable, servers map[string]domain.Server) error {
	var errs []error
	for _, serverID := range target.ServerIDs() {
		server, ok := servers[serverID]
		if !ok {
			loaded, err := a.servers.GetServer(ctx, serverID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			server = *loaded
		}
		if _, err := a.Reconcile(ctx, target, server); err != nil {
			ref := target.Ref()
			a.logger.Warn("status reconcile failed", "target_kind", ref.Kind, "target_id", ref.ID, "server_id", serverID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReconcileAll reconciles every target with bounded concurrency.
func (a *Aggregator) ReconcileAll(ctx context.Context) error {
	servers, err := a.serverIndex(ctx)
	if err != nil {
		return err
	}
	targets, err := a.targets.ListTargets(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			// Failures are logged per slot and must not cancel sibling targets.
			_ = a.ReconcileTarget(gctx, target, servers)
			return nil
		})
	}
	return g.Wait()
}

// ReconcileRef loads one target and reconciles it.
func (a *Aggregator) ReconcileRef(ctx context.Context, ref domain.TargetRef) error {
	target, err := a.targets.GetTarget(ctx, ref)
	if err != nil {
		return err
	}
	servers, err := a.serverIndex(ctx)
	if err != nil {
		return err
	}
	return a.ReconcileTarget(ctx, target, servers)
}

func (a *Aggregator) serverIndex(ctx context.Context) (map[string]domain.Server, error) {
	list, err := a.servers.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]domain.Server, len(list))
	for _, s := range list {
		index[s.ID] = s
	}
	return index, nil
}

// Trigger requests an immediate re-poll of a target. It never blocks.
func (a *Aggregator) Trigger(ref domain.TargetRef) {
	select {
	case a.trigger <- ref:
	default:
		a.logger.Debug("status trigger dropped", "target_id", ref.ID)
	}
}

// OnDeploymentFinished re-polls production targets after a deployment ends.
func (a *Aggregator) OnDeploymentFinished(ctx context.Context, d domain.Deployment) {
	if d.IsPreview() {
		return
	}
	a.Trigger(d.Target())
}

// Run executes the polling loop until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("status aggregator started", "interval", a.interval)
	a.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("status aggregator stopped")
			return
		case <-ticker.C:
			a.runIteration(ctx)
		case ref := <-a.trigger:
			opCtx, cancel := context.WithTimeout(ctx, a.timeout)
			if err := a.ReconcileRef(opCtx, ref); err != nil {
				a.logger.Warn("triggered reconcile failed", "target_id", ref.ID, "error", err)
			}
			cancel()
		}
	}
}

func (a *Aggregator) runIteration(parent context.Context) {
	opCtx, cancel := context.WithTimeout(parent, a.timeout)
	defer cancel()
	if err := a.ReconcileAll(opCtx); err != nil {
		a.logger.Warn("status reconcile iteration failed", "error", err)
	}
}
