package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/localvercel/internal/app/migrate"
	"github.com/splax/localvercel/internal/containers"
	"github.com/splax/localvercel/internal/docker"
	"github.com/splax/localvercel/internal/errtrack"
	"github.com/splax/localvercel/internal/events"
	"github.com/splax/localvercel/internal/metrics"
	"github.com/splax/localvercel/internal/queue"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/repository/memory"
	"github.com/splax/localvercel/internal/repository/postgres"
	"github.com/splax/localvercel/internal/service/admission"
	"github.com/splax/localvercel/internal/service/deploy"
	"github.com/splax/localvercel/internal/service/preview"
	"github.com/splax/localvercel/internal/service/proxy"
	"github.com/splax/localvercel/internal/service/status"
	"github.com/splax/localvercel/internal/service/webhook"
	"github.com/splax/localvercel/internal/ws"
	"github.com/splax/localvercel/pkg/config"
	"github.com/splax/localvercel/pkg/crypto"
	"github.com/splax/localvercel/pkg/logger"
)

// app holds every wired component of the orchestrator.
type app struct {
	cfg        config.OrchestratorConfig
	log        *slog.Logger
	store      repository.Store
	pool       *pgxpool.Pool
	docker     *docker.Client
	dispatcher queue.Dispatcher
	hub        *ws.Hub
	recorder   *metrics.Recorder

	aggregator *status.Aggregator
	admission  *admission.Controller
	worker     *deploy.Worker
	reaper     *deploy.Reaper
	teardown   *preview.AsyncTeardown
	previews   *preview.Coordinator
	versions   *proxy.ImageVersionChecker
	proxy      *proxy.Controller
	webhooks   *webhook.Service
}

func loadConfig() (config.OrchestratorConfig, *slog.Logger) {
	cfg := config.LoadOrchestratorConfig()
	return cfg, logger.New("orchestrator", logger.ParseLevel(cfg.LogLevel))
}

// newApp connects to the store, queue and docker daemon and wires services.
// An empty DATABASE_URL selects the in-memory store; an empty REDIS_ADDR the
// in-process dispatcher.
func newApp(ctx context.Context, cfg config.OrchestratorConfig, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, hub: ws.NewHub()}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		a.store = memory.New()
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		runner, err := migrate.New(pool, cfg.DatabaseURL, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := runner.Ping(ctx); err != nil {
			a.Close()
			return nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.store = postgres.New(pool)
	}

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		dispatcher, err := queue.NewRedisDispatcher(addr, cfg.RedisPassword, cfg.RedisDB, cfg.QueueName, log)
		if err != nil {
			log.Warn("redis dispatcher unavailable, using in-memory queue", "error", err)
		} else {
			a.dispatcher = dispatcher
		}
	}
	if a.dispatcher == nil {
		a.dispatcher = queue.NewMemoryDispatcher(cfg.DeploymentLimit * 4)
	}

	box, err := crypto.NewBox(cfg.KeyEncryptionSecret)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("key encryption: %w", err)
	}
	exec := remote.Router{
		Remote: remote.NewSSHExecutor(box, cfg.SSHConnectTimeout, cfg.SSHCommandTimeout, log),
		Local:  remote.NewLocalExecutor(),
	}
	runtime := containers.Router{Remote: containers.NewRemoteRuntime(exec)}
	if host := strings.TrimSpace(cfg.LocalDockerHost); host != "" {
		client, err := docker.New(host)
		if err != nil {
			log.Warn("local docker unavailable", "error", err)
		} else {
			a.docker = client
			runtime.Local = containers.NewLocalRuntime(client)
		}
	}

	a.recorder = metrics.NewRecorder(prometheus.DefaultRegisterer)
	reporter := errtrack.NewLogReporter(log)
	hubEvents := events.NewHubBroadcaster(a.hub, log)

	a.aggregator = status.New(a.store, a.store, runtime, hubEvents, a.recorder, log, cfg)
	broadcaster := events.Multi{hubEvents, events.Funcs{OnDeploymentFinished: a.aggregator.OnDeploymentFinished}}

	a.admission = admission.New(a.store, a.dispatcher, a.recorder, log, cfg)
	a.worker = deploy.NewWorker(a.store, a.store, a.store, exec, runtime, broadcaster, reporter, a.recorder, log, cfg)
	a.reaper = deploy.NewReaper(a.store, a.store, runtime, broadcaster, a.recorder, log, cfg)
	a.teardown = preview.NewAsyncTeardown(exec, a.store, log)
	a.previews = preview.NewCoordinator(a.store, a.store, a.store, exec, runtime, a.teardown, log)

	installer := proxy.NewFileInstaller(exec, cfg.ProxyConfigDir, cfg.ProxyContainerName, cfg.ProxyRedirectURL)
	a.versions = proxy.NewImageVersionChecker(exec, a.store, cfg.ProxyContainerName, cfg.ProxyLatestVersion, log)
	a.proxy = proxy.New(a.store, a.store, runtime, exec, installer, a.versions, proxy.NewDashboardCache(), broadcaster, reporter, a.recorder, log, cfg)

	a.webhooks = webhook.New(a.store, a.store, a.admission, a.previews, log, cfg)
	return a, nil
}

// dbHealth pings PostgreSQL when it backs the store.
func (a *app) dbHealth() func(context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Ping
}

// Close waits for background teardowns and releases connections.
func (a *app) Close() {
	if a.teardown != nil {
		a.teardown.Wait()
	}
	if a.versions != nil {
		a.versions.Wait()
	}
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(); err != nil {
			a.log.Warn("close dispatcher failed", "error", err)
		}
	}
	if a.docker != nil {
		_ = a.docker.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
