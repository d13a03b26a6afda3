package preview

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository"
)

const teardownTimeout = 5 * time.Minute

// AsyncTeardown removes preview volumes, networks and the preview record in
// a background goroutine.
type AsyncTeardown struct {
	exec     remote.Executor
	previews repository.PreviewRepository
	logger   *slog.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewAsyncTeardown constructs an AsyncTeardown.
func NewAsyncTeardown(exec remote.Executor, previews repository.PreviewRepository, logger *slog.Logger) *AsyncTeardown {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncTeardown{
		exec:     exec,
		previews: previews,
		logger:   logger.With("component", "preview_teardown"),
		timeout:  teardownTimeout,
	}
}

// Schedule starts the teardown and returns immediately.
func (t *AsyncTeardown) Schedule(ctx context.Context, app *domain.Application, server domain.Server, preview domain.PreviewEnvironment) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		defer cancel()
		if err := t.Run(runCtx, app, server, preview); err != nil {
			t.logger.Warn("preview teardown failed", "target_id", app.ID, "pull_request_id", preview.PullRequestID, "error", err)
		}
	}()
}

// Wait blocks until every scheduled teardown has returned.
func (t *AsyncTeardown) Wait() {
	t.wg.Wait()
}

// Run performs the teardown synchronously.
func (t *AsyncTeardown) Run(ctx context.Context, app *domain.Application, server domain.Server, preview domain.PreviewEnvironment) error {
	project := domain.ResourceName(app.ID, preview.PullRequestID)
	if err := remote.ValidateName(project); err != nil {
		return err
	}
	filter := "label=" + domain.LabelComposeProject + "=" + project

	volumes, err := t.list(ctx, server, "list volumes", "docker", "volume", "ls", "-q", "--filter", filter)
	if err != nil {
		return err
	}
	networks, err := t.list(ctx, server, "list networks", "docker", "network", "ls", "-q", "--filter", filter)
	if err != nil {
		return err
	}

	b := remote.NewBuilder()
	for _, v := range volumes {
		b.Run("remove volume", "docker", "volume", "rm", "-f", b.Name(v)).IgnoreFailure()
	}
	for _, n := range networks {
		b.Run("remove network", "docker", "network", "rm", b.Name(n)).Tolerate("not found")
	}
	steps, err := b.Steps()
	if err != nil {
		return err
	}
	if len(steps) > 0 {
		if _, err := t.exec.Run(ctx, server, steps, remote.Options{}); err != nil {
			return err
		}
	}

	if err := t.previews.DeletePreview(ctx, app.ID, preview.PullRequestID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	t.logger.Info("preview torn down", "target_id", app.ID, "pull_request_id", preview.PullRequestID, "volumes", len(volumes), "networks", len(networks))
	return nil
}

func (t *AsyncTeardown) list(ctx context.Context, server domain.Server, name string, argv ...string) ([]string, error) {
	res, err := t.exec.Run(ctx, server, []remote.Step{{Name: name, Argv: argv, Hidden: true}}, remote.Options{ThrowOnError: true})
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(res.Output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
