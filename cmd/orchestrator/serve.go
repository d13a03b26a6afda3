package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpx "github.com/splax/localvercel/internal/http"
	"github.com/splax/localvercel/internal/queue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, worker pool and reconcile loops",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log := loadConfig()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(ctx, addr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, httpx.Services{
		Webhooks:    a.webhooks,
		Admission:   a.admission,
		Previews:    a.previews,
		Proxy:       a.proxy,
		Targets:     a.store,
		Deployments: a.store,
		Hub:         a.hub,
		DBHealth:    a.dbHealth(),
	}, limiter, httpx.Options{
		APIToken:            cfg.APIToken,
		WebhookRateLimit:    cfg.WebhookRateLimit,
		RepositoryRateLimit: cfg.RepoRateLimit,
		RetryAfter:          cfg.QueueRetryAfter,
	})
	defer router.Close()

	var wg sync.WaitGroup
	background := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	var poolOpts []queue.PoolOption
	if cfg.QueueRequeueAfter > 0 {
		poolOpts = append(poolOpts, queue.WithRequeue(cfg.QueueRequeueAfter/2, cfg.QueueRequeueAfter))
	}
	pool := queue.NewPool(a.dispatcher, a.store, cfg.WorkerConcurrency, a.worker.Handle, log, poolOpts...)
	background(func(ctx context.Context) {
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("worker pool stopped", "error", err)
		}
	})
	background(a.aggregator.Run)
	background(a.proxy.Run)
	if a.reaper != nil {
		background(a.reaper.Run)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator starting", "addr", cfg.Addr, "workers", cfg.WorkerConcurrency)
		errorCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			serveErr = err
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	wg.Wait()
	log.Info("orchestrator stopped")
	return serveErr
}
