package proxy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository"
)

const versionCheckTimeout = time.Minute

// ImageVersionChecker records the running proxy version and warns when it
// lags behind the configured latest release.
type ImageVersionChecker struct {
	exec          remote.Executor
	proxies       repository.ProxyRepository
	containerName string
	latest        string
	logger        *slog.Logger
	wg            sync.WaitGroup
}

// NewImageVersionChecker constructs an ImageVersionChecker.
func NewImageVersionChecker(exec remote.Executor, proxies repository.ProxyRepository, containerName, latest string, logger *slog.Logger) *ImageVersionChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageVersionChecker{
		exec:          exec,
		proxies:       proxies,
		containerName: containerName,
		latest:        latest,
		logger:        logger.With("component", "proxy_version"),
	}
}

// Schedule checks the version in a background goroutine.
func (v *ImageVersionChecker) Schedule(ctx context.Context, server domain.Server, state domain.ProxyState) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), versionCheckTimeout)
		defer cancel()
		if _, err := v.Check(runCtx, server); err != nil {
			v.logger.Warn("proxy version check failed", "server_id", server.ID, "error", err)
		}
	}()
}

// Wait blocks until scheduled checks return.
func (v *ImageVersionChecker) Wait() {
	v.wg.Wait()
}

// Check reads the running image tag, stores it and reports whether it is outdated.
func (v *ImageVersionChecker) Check(ctx context.Context, server domain.Server) (bool, error) {
	step := remote.Step{
		Name:   "inspect proxy image",
		Argv:   []string{"docker", "inspect", "--format", "{{.Config.Image}}", v.containerName},
		Hidden: true,
	}
	res, err := v.exec.Run(ctx, server, []remote.Step{step}, remote.Options{ThrowOnError: true})
	if err != nil {
		return false, err
	}
	version := ImageVersion(res.Output)

	state, err := v.proxies.GetProxyState(ctx, server.ID)
	if err != nil {
		return false, err
	}
	if state.Version != version {
		state.Version = version
		if err := v.proxies.SaveProxyState(ctx, state); err != nil {
			return false, err
		}
	}
	outdated := Outdated(version, v.latest)
	if outdated {
		v.logger.Warn("proxy is outdated", "server_id", server.ID, "running", version, "latest", v.latest)
	}
	return outdated, nil
}

// ImageVersion extracts the tag of an image reference such as "traefik:v3.1.2".
func ImageVersion(image string) string {
	image = strings.TrimSpace(image)
	if at := strings.Index(image, "@"); at >= 0 {
		image = image[:at]
	}
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon <= slash {
		return "latest"
	}
	return image[colon+1:]
}

// Outdated reports whether running is an older semantic version than latest.
// Unknown or non-semantic versions are never reported as outdated.
func Outdated(running, latest string) bool {
	r, l := canonical(running), canonical(latest)
	if r == "" || l == "" {
		return false
	}
	return semver.Compare(r, l) < 0
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

var _ VersionChecker = (*ImageVersionChecker)(nil)
