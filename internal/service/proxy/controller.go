// Package proxy manages the reverse proxy container on each server.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/localvercel/internal/containers"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/errtrack"
	"github.com/splax/localvercel/internal/events"
	"github.com/splax/localvercel/internal/metrics"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/pkg/config"
)

const (
	defaultContainerName = "peep-proxy"
	defaultStopTimeout   = 30 * time.Second
	defaultPollAttempts  = 10
	defaultPollInterval  = time.Second
	defaultWatchInterval = 30 * time.Second
	caddyImage           = "caddy:2.8"
)

// ErrProxyDisabled is returned when a server is configured without a proxy.
var ErrProxyDisabled = errors.New("proxy: disabled for server")

// ConfigInstaller writes the default redirect and dynamic configuration.
type ConfigInstaller interface {
	Install(ctx context.Context, server domain.Server, state domain.ProxyState) error
}

// VersionChecker compares the running proxy with the latest release in the background.
type VersionChecker interface {
	Schedule(ctx context.Context, server domain.Server, state domain.ProxyState)
}

// StopOptions tune Stop.
type StopOptions struct {
	ForceStop bool
	// Timeout is the graceful stop timeout handed to docker; zero uses the configured default.
	Timeout    time.Duration
	Restarting bool
}

// Controller drives the per-server proxy state machine.
type Controller struct {
	proxies   repository.ProxyRepository
	servers   repository.ServerRepository
	runtime   containers.Runtime
	exec      remote.Executor
	installer ConfigInstaller
	versions  VersionChecker
	cache     *DashboardCache
	events    events.Broadcaster
	reporter  errtrack.Reporter
	metrics   *metrics.Recorder
	logger    *slog.Logger

	containerName string
	image         string
	network       string
	configDir     string
	stopTimeout   time.Duration
	pollAttempts  int
	pollInterval  time.Duration
	watchInterval time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Controller.
func New(proxies repository.ProxyRepository, servers repository.ServerRepository, runtime containers.Runtime, exec remote.Executor, installer ConfigInstaller, versions VersionChecker, cache *DashboardCache, broadcaster events.Broadcaster, reporter errtrack.Reporter, recorder *metrics.Recorder, logger *slog.Logger, cfg config.OrchestratorConfig) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = errtrack.Nop{}
	}
	if cache == nil {
		cache = NewDashboardCache()
	}
	c := &Controller{
		proxies:       proxies,
		servers:       servers,
		runtime:       runtime,
		exec:          exec,
		installer:     installer,
		versions:      versions,
		cache:         cache,
		events:        broadcaster,
		reporter:      reporter,
		metrics:       recorder,
		logger:        logger.With("component", "proxy"),
		containerName: cfg.ProxyContainerName,
		image:         cfg.ProxyImage,
		network:       cfg.DockerNetwork,
		configDir:     cfg.ProxyConfigDir,
		stopTimeout:   cfg.ProxyStopTimeout,
		pollAttempts:  cfg.ProxyStopPollAttempts,
		pollInterval:  cfg.ProxyStopPollInterval,
		watchInterval: cfg.StatusPollInterval,
		sleep:         sleepContext,
	}
	if c.containerName == "" {
		c.containerName = defaultContainerName
	}
	if c.network == "" {
		c.network = "peep"
	}
	if c.configDir == "" {
		c.configDir = "/data/peep/proxy"
	}
	if c.stopTimeout <= 0 {
		c.stopTimeout = defaultStopTimeout
	}
	if c.pollAttempts <= 0 {
		c.pollAttempts = defaultPollAttempts
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.watchInterval <= 0 {
		c.watchInterval = defaultWatchInterval
	}
	return c
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

// State returns the proxy state, served from the dashboard cache when possible.
func (c *Controller) State(ctx context.Context, serverID string) (domain.ProxyState, error) {
	if state, ok := c.cache.Get(serverID); ok {
		return state, nil
	}
	state, err := c.proxies.GetProxyState(ctx, serverID)
	if err != nil {
		return domain.ProxyState{}, err
	}
	c.cache.Put(*state)
	return *state, nil
}

// save persists the state and immediately broadcasts it.
func (c *Controller) save(ctx context.Context, state *domain.ProxyState) error {
	if err := c.proxies.SaveProxyState(ctx, state); err != nil {
		return err
	}
	c.cache.Invalidate(state.ServerID)
	c.metrics.ProxyTransition(string(state.Status))
	c.broadcast(ctx, state.ServerID, state.Status)
	return nil
}

func (c *Controller) broadcast(ctx context.Context, serverID string, status domain.ProxyStatus) {
	if c.events != nil {
		c.events.ProxyStatusChanged(ctx, serverID, status)
	}
}

func (c *Controller) load(ctx context.Context, serverID string) (domain.Server, *domain.ProxyState, error) {
	server, err := c.servers.GetServer(ctx, serverID)
	if err != nil {
		return domain.Server{}, nil, err
	}
	state, err := c.proxies.GetProxyState(ctx, serverID)
	if err != nil {
		return domain.Server{}, nil, err
	}
	if state.Type == "" {
		state.Type = server.ProxyType
	}
	return *server, state, nil
}

// Stop gracefully stops and removes the proxy, then waits a bounded time for
// the container to disappear before declaring it exited. Failures go to the
// error reporter; the cache is always cleared and the final state broadcast.
func (c *Controller) Stop(ctx context.Context, serverID string, opts StopOptions) (err error) {
	logger := c.logger.With("server_id", serverID)
	var (
		state    *domain.ProxyState
		previous domain.ProxyStatus
	)
	defer func() {
		if err != nil && state != nil && state.Status == domain.ProxyStopping {
			// Leave stopping so observations are not ignored forever.
			state.Status = previous
			if serr := c.proxies.SaveProxyState(ctx, state); serr != nil {
				logger.Warn("restore proxy state failed", "error", serr)
			}
		}
		if err != nil {
			c.reporter.Report(ctx, errtrack.Capture(err), "server_id", serverID, "operation", "proxy_stop")
		}
		c.cache.Invalidate(serverID)
		final := domain.ProxyExited
		if state, gerr := c.proxies.GetProxyState(ctx, serverID); gerr == nil {
			final = state.Status
		}
		c.broadcast(ctx, serverID, final)
	}()

	server, loaded, err := c.load(ctx, serverID)
	if err != nil {
		return err
	}
	if !server.IsFunctional() {
		return remote.ErrNotFunctional
	}
	state, previous = loaded, loaded.Status
	state.Status = domain.ProxyStopping
	state.ForceStop = opts.ForceStop && !opts.Restarting
	if err := c.save(ctx, state); err != nil {
		return err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.stopTimeout
	}
	if err := c.runtime.Stop(ctx, server, c.containerName, timeout); err != nil {
		return fmt.Errorf("stop proxy: %w", err)
	}
	if err := c.runtime.Remove(ctx, server, c.containerName); err != nil {
		return fmt.Errorf("remove proxy: %w", err)
	}

	gone := false
	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		exists, err := c.runtime.Exists(ctx, server, c.containerName)
		if err == nil && !exists {
			gone = true
			break
		}
		if attempt < c.pollAttempts {
			if err := c.sleep(ctx, c.pollInterval); err != nil {
				break
			}
		}
	}
	if !gone {
		logger.Warn("proxy container still present after stop", "attempts", c.pollAttempts)
	}

	state.Status = domain.ProxyExited
	if err := c.save(ctx, state); err != nil {
		return err
	}
	logger.Info("proxy stopped", "force_stop", state.ForceStop, "restarting", opts.Restarting)
	return nil
}

// Start launches the proxy container unless it was force-stopped and force is false.
func (c *Controller) Start(ctx context.Context, serverID string, force bool) error {
	server, state, err := c.load(ctx, serverID)
	if err != nil {
		return err
	}
	if !server.IsFunctional() {
		return remote.ErrNotFunctional
	}
	if state.Type == "" || state.Type == domain.ProxyTypeNone {
		return ErrProxyDisabled
	}
	if state.ForceStop && !force {
		c.logger.Info("proxy start skipped", "server_id", serverID, "reason", "force stopped")
		return nil
	}

	state.Status = domain.ProxyStarting
	state.ForceStop = false
	if err := c.save(ctx, state); err != nil {
		return err
	}
	steps, err := c.startSteps(*state)
	if err != nil {
		return err
	}
	if _, err := c.exec.Run(ctx, server, steps, remote.Options{ThrowOnError: true}); err != nil {
		c.reporter.Report(ctx, errtrack.Capture(err), "server_id", serverID, "operation", "proxy_start")
		state.Status = domain.ProxyExited
		if serr := c.save(ctx, state); serr != nil {
			c.logger.Warn("save proxy state failed", "server_id", serverID, "error", serr)
		}
		return err
	}
	c.logger.Info("proxy started", "server_id", serverID, "type", state.Type)
	return c.Observe(ctx, serverID)
}

// Restart stops the proxy without marking it force-stopped and starts it again.
func (c *Controller) Restart(ctx context.Context, serverID string) error {
	if err := c.Stop(ctx, serverID, StopOptions{Restarting: true}); err != nil {
		return err
	}
	return c.Start(ctx, serverID, true)
}

func (c *Controller) startSteps(state domain.ProxyState) ([]remote.Step, error) {
	b := remote.NewBuilder()
	name := b.Name(c.containerName)
	network := b.Name(c.network)
	dir := b.Path(c.configDir)
	b.Run("prepare network", "docker", "network", "create", "--attachable", network).Tolerate("already exists")
	b.Run("prepare configuration directory", "mkdir", "-p", dir+"/dynamic").Hidden()
	b.Run("remove previous proxy", "docker", "rm", "-f", name).IgnoreFailure()
	args := []string{
		"docker", "run", "-d", "--name", name,
		"--restart", "unless-stopped",
		"--network", network,
		"-p", "80:80", "-p", "443:443",
		"-v", "/var/run/docker.sock:/var/run/docker.sock:ro",
		"-v", dir + ":/config",
		"--label", domain.LabelProxy + "=true",
		"--label", domain.LabelManaged + "=true",
	}
	switch state.Type {
	case domain.ProxyTypeCaddy:
		args = append(args, caddyImage, "caddy", "run", "--config", "/config/Caddyfile", "--adapter", "caddyfile", "--watch")
	default:
		args = append(args, b.Path(c.image),
			"--providers.docker=true",
			"--providers.docker.exposedbydefault=false",
			"--providers.docker.network="+network,
			"--providers.file.directory=/config/dynamic",
			"--providers.file.watch=true",
			"--entrypoints.http.address=:80",
			"--entrypoints.https.address=:443",
			"--api.dashboard=true",
		)
	}
	b.Run("start proxy", args...)
	return b.Steps()
}

// Observe reads the proxy container state and feeds it to HandleStatusChange.
func (c *Controller) Observe(ctx context.Context, serverID string) error {
	server, err := c.servers.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	list, err := c.runtime.List(ctx, *server, domain.LabelSelector{domain.LabelProxy: "true"})
	if err != nil {
		return err
	}
	observed := domain.ProxyExited
	for _, ct := range list {
		if ct.Name != c.containerName {
			continue
		}
		observed = proxyStatus(ct.State)
	}
	return c.HandleStatusChange(ctx, serverID, observed)
}

func proxyStatus(state string) domain.ProxyStatus {
	switch state {
	case "running":
		return domain.ProxyRunning
	case "created":
		return domain.ProxyCreated
	case "restarting":
		return domain.ProxyStarting
	}
	return domain.ProxyExited
}

// HandleStatusChange reconciles an observed proxy container state into the
// stored ProxyState. Observing running installs configuration, clears
// forceStop and schedules a version check; observing created removes the
// container so the next reconciliation starts clean.
func (c *Controller) HandleStatusChange(ctx context.Context, serverID string, observed domain.ProxyStatus) error {
	server, state, err := c.load(ctx, serverID)
	if err != nil {
		return err
	}
	if state.Status == domain.ProxyStopping {
		return nil
	}
	logger := c.logger.With("server_id", serverID)

	switch observed {
	case domain.ProxyRunning:
		if state.Status == domain.ProxyRunning {
			return nil
		}
		if c.installer != nil {
			if err := c.installer.Install(ctx, server, *state); err != nil {
				c.reporter.Report(ctx, errtrack.Capture(err), "server_id", serverID, "operation", "proxy_install_config")
			}
		}
		state.Status = domain.ProxyRunning
		state.ForceStop = false
		if err := c.save(ctx, state); err != nil {
			return err
		}
		if state.ExposesVersion() && c.versions != nil {
			c.versions.Schedule(ctx, server, *state)
		}
		logger.Info("proxy running", "type", state.Type)
	case domain.ProxyCreated:
		if err := c.runtime.Remove(ctx, server, c.containerName); err != nil {
			logger.Warn("remove created proxy failed", "error", err)
		}
		state.Status = domain.ProxyExited
		if err := c.save(ctx, state); err != nil {
			return err
		}
		logger.Warn("proxy stuck in created state, removed")
	default:
		if state.Status == observed {
			return nil
		}
		state.Status = observed
		if err := c.save(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// Run observes every server's proxy on an interval until ctx ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.watchInterval)
	defer ticker.Stop()

	c.logger.Info("proxy watcher started", "interval", c.watchInterval)
	c.runIteration(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("proxy watcher stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) {
	opCtx, cancel := context.WithTimeout(parent, c.watchInterval)
	defer cancel()
	servers, err := c.servers.ListServers(opCtx)
	if err != nil {
		c.logger.Warn("list servers failed", "error", err)
		return
	}
	for _, server := range servers {
		if !server.IsFunctional() || server.ProxyType == "" || server.ProxyType == domain.ProxyTypeNone {
			continue
		}
		if err := c.Observe(opCtx, server.ID); err != nil {
			c.logger.Warn("observe proxy failed", "server_id", server.ID, "error", err)
		}
	}
}
