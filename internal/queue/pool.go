package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/localvercel/internal/domain"
)

// DispatchTimeout bounds a single hand-off so a full or unreachable queue
// never blocks the caller.
const DispatchTimeout = 2 * time.Second

// Handler processes one deployment id.
type Handler func(ctx context.Context, deploymentID string)

// QueuedLister finds deployments that are still waiting to be claimed.
type QueuedLister interface {
	ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error)
	ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error)
}

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithRequeue re-dispatches deployments left queued for longer than after,
// checking every interval. A duplicate hand-off is harmless because only one
// worker can claim a queued deployment.
func WithRequeue(interval, after time.Duration) PoolOption {
	return func(p *Pool) {
		p.requeueEvery = interval
		p.requeueAfter = after
	}
}

// Pool runs a fixed number of workers pulling ids from a Dispatcher.
type Pool struct {
	dispatcher   Dispatcher
	queued       QueuedLister
	workers      int
	handle       Handler
	logger       *slog.Logger
	requeueEvery time.Duration
	requeueAfter time.Duration
	now          func() time.Time
	// sent remembers when an id was last re-dispatched; only the Run goroutine touches it.
	sent map[string]time.Time
}

// NewPool constructs a worker pool.
func NewPool(dispatcher Dispatcher, queued QueuedLister, workers int, handle Handler, logger *slog.Logger, opts ...PoolOption) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		dispatcher: dispatcher,
		queued:     queued,
		workers:    workers,
		handle:     handle,
		logger:     logger.With("component", "worker_pool"),
		now:        time.Now,
		sent:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run re-dispatches queued deployments, then blocks until ctx ends and every
// worker returns. With WithRequeue it keeps re-dispatching stuck deployments.
func (p *Pool) Run(ctx context.Context) error {
	p.requeueAll(ctx)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	p.logger.Info("worker pool started", "workers", p.workers)

	if p.requeueEvery > 0 && p.queued != nil {
		ticker := time.NewTicker(p.requeueEvery)
		defer ticker.Stop()
	tick:
		for {
			select {
			case <-ctx.Done():
				break tick
			case <-ticker.C:
				p.requeueStale(ctx)
			}
		}
	}
	wg.Wait()
	return nil
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		id, err := p.dispatcher.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrClosed) {
				return
			}
			p.logger.Error("dequeue failed", "worker", worker, "error", err)
			continue
		}
		p.handle(ctx, id)
	}
}

func (p *Pool) dispatch(ctx context.Context, id string) error {
	dctx, cancel := context.WithTimeout(ctx, DispatchTimeout)
	defer cancel()
	if err := p.dispatcher.Dispatch(dctx, id); err != nil {
		return err
	}
	p.sent[id] = p.now()
	return nil
}

func (p *Pool) requeueAll(ctx context.Context) {
	if p.queued == nil {
		return
	}
	pending, err := p.queued.ListDeploymentsByStatus(ctx, domain.DeploymentQueued)
	if err != nil {
		p.logger.Warn("list queued deployments failed", "error", err)
		return
	}
	for _, d := range pending {
		if err := p.dispatch(ctx, d.ID); err != nil {
			p.logger.Warn("requeue deployment failed", "deployment_id", d.ID, "error", err)
		}
	}
	if len(pending) > 0 {
		p.logger.Info("requeued pending deployments", "count", len(pending))
	}
}

func (p *Pool) requeueStale(ctx context.Context) {
	now := p.now()
	stale, err := p.queued.ListDeploymentsWithStatusUpdatedBefore(ctx, domain.DeploymentQueued, now.Add(-p.requeueAfter))
	if err != nil {
		p.logger.Warn("list stale queued deployments failed", "error", err)
		return
	}
	still := make(map[string]time.Time, len(stale))
	count := 0
	for _, d := range stale {
		last, ok := p.sent[d.ID]
		if ok && now.Sub(last) < p.requeueAfter {
			still[d.ID] = last
			continue
		}
		if err := p.dispatch(ctx, d.ID); err != nil {
			p.logger.Warn("requeue stale deployment failed", "deployment_id", d.ID, "error", err)
			continue
		}
		still[d.ID] = p.sent[d.ID]
		count++
	}
	p.sent = still
	if count > 0 {
		p.logger.Info("requeued stale deployments", "count", count)
	}
}
