package preview

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/repository/memory"
)

type fakeRuntime struct {
	mu         sync.Mutex
	containers []domain.ContainerState
	removed    []string
	listErr    error
}

func (f *fakeRuntime) List(ctx context.Context, server domain.Server, selector domain.LabelSelector) ([]domain.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.ContainerState
	for _, c := range f.containers {
		match := true
		for k, v := range selector {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRuntime) Stop(context.Context, domain.Server, string, time.Duration) error { return nil }

func (f *fakeRuntime) Remove(ctx context.Context, server domain.Server, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	kept := f.containers[:0]
	for _, c := range f.containers {
		if c.Name != name {
			kept = append(kept, c)
		}
	}
	f.containers = kept
	return nil
}

func (f *fakeRuntime) Exists(context.Context, domain.Server, string) (bool, error) { return false, nil }

type fakeExecutor struct {
	mu      sync.Mutex
	lines   []string
	outputs map[string]string
}

func (f *fakeExecutor) Run(ctx context.Context, server domain.Server, steps []remote.Step, opts remote.Options) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res remote.Result
	for _, s := range steps {
		f.lines = append(f.lines, s.Line())
		res.Output = f.outputs[s.Name]
	}
	return res, nil
}

type recordedTeardown struct {
	mu       sync.Mutex
	previews []domain.PreviewEnvironment
}

func (r *recordedTeardown) Schedule(ctx context.Context, app *domain.Application, server domain.Server, preview domain.PreviewEnvironment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previews = append(r.previews, preview)
}

func previewContainer(name string, pr int) domain.ContainerState {
	return domain.ContainerState{Name: name, State: "running", Labels: map[string]string{
		domain.LabelTargetID:      "app-1",
		domain.LabelPullRequestID: strconv.Itoa(pr),
	}}
}

type fixture struct {
	store    *memory.Store
	runtime  *fakeRuntime
	exec     *fakeExecutor
	teardown *recordedTeardown
	coord    *Coordinator
	app      *domain.Application
}

func newFixture(t *testing.T, server domain.Server) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		runtime:  &fakeRuntime{},
		exec:     &fakeExecutor{outputs: map[string]string{}},
		teardown: &recordedTeardown{},
		app:      &domain.Application{ID: "app-1", TeamID: "team-1", ServerID: server.ID, BuildPack: domain.BuildPackDockerCompose},
	}
	f.store.PutServer(server)
	f.store.PutTarget(f.app)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.coord = NewCoordinator(f.store, f.store, f.store, f.exec, f.runtime, f.teardown, logger)
	return f
}

func functional() domain.Server {
	return domain.Server{ID: "srv-1", Reachable: true, Usable: true}
}

func TestCleanupMergeRequestClosed(t *testing.T) {
	f := newFixture(t, functional())
	ctx := context.Background()
	if err := f.store.UpsertPreview(ctx, &domain.PreviewEnvironment{ApplicationID: "app-1", PullRequestID: 42, PreviewURL: "https://42.example.com"}); err != nil {
		t.Fatalf("UpsertPreview() error = %v", err)
	}
	f.store.PutDeployment(domain.Deployment{ID: "dep-1", TargetKind: domain.KindApplication, TargetID: "app-1", PullRequestID: 42, Status: domain.DeploymentInProgress})
	f.store.PutDeployment(domain.Deployment{ID: "dep-prod", TargetKind: domain.KindApplication, TargetID: "app-1", Status: domain.DeploymentInProgress})
	f.runtime.containers = []domain.ContainerState{
		previewContainer("app-1-42-web-1", 42),
		previewContainer("app-1-42-db-1", 42),
		previewContainer("app-1-web-1", 0),
	}

	res, err := f.coord.Cleanup(ctx, f.app, 42, nil)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if res.Status != StatusSuccess || res.CancelledDeployments != 1 || res.KilledContainers != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	d, _ := f.store.GetDeployment(ctx, "dep-1")
	if d.Status != domain.DeploymentCancelledByUser || len(d.Logs) != 1 {
		t.Fatalf("dep-1 = %s with %d log lines", d.Status, len(d.Logs))
	}
	prod, _ := f.store.GetDeployment(ctx, "dep-prod")
	if prod.Status != domain.DeploymentInProgress {
		t.Fatalf("production deployment must be untouched, got %s", prod.Status)
	}
	if f.runtime.removed[0] != "dep-1" {
		t.Fatalf("expected helper removal first, got %v", f.runtime.removed)
	}
	if len(f.runtime.containers) != 1 || f.runtime.containers[0].Name != "app-1-web-1" {
		t.Fatalf("production container must survive, left %v", f.runtime.containers)
	}
	if len(f.teardown.previews) != 1 || f.teardown.previews[0].PullRequestID != 42 {
		t.Fatalf("expected teardown to be scheduled, got %+v", f.teardown.previews)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	f := newFixture(t, functional())
	ctx := context.Background()
	f.store.PutDeployment(domain.Deployment{ID: "dep-1", TargetID: "app-1", PullRequestID: 7, Status: domain.DeploymentQueued})
	f.runtime.containers = []domain.ContainerState{previewContainer("app-1-7", 7)}

	if _, err := f.coord.Cleanup(ctx, f.app, 7, nil); err != nil {
		t.Fatalf("first Cleanup() error = %v", err)
	}
	res, err := f.coord.Cleanup(ctx, f.app, 7, nil)
	if err != nil {
		t.Fatalf("second Cleanup() error = %v", err)
	}
	if res.CancelledDeployments != 0 || res.KilledContainers != 0 || res.Status != StatusSuccess {
		t.Fatalf("second cleanup = %+v, want zero counts", res)
	}
}

func TestCleanupAbortsOnNonFunctionalServer(t *testing.T) {
	f := newFixture(t, domain.Server{ID: "srv-1", Reachable: false, Usable: true})
	f.store.PutDeployment(domain.Deployment{ID: "dep-1", TargetID: "app-1", PullRequestID: 3, Status: domain.DeploymentQueued})

	res, err := f.coord.Cleanup(context.Background(), f.app, 3, nil)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if res.Status != StatusFailed || res.Message != MessageServerNotFunctional {
		t.Fatalf("unexpected result %+v", res)
	}
	status, _ := f.store.GetDeploymentStatus(context.Background(), "dep-1")
	if status != domain.DeploymentQueued {
		t.Fatalf("no partial cleanup expected, deployment is %s", status)
	}
}

func TestCleanupRemovesSwarmStack(t *testing.T) {
	server := functional()
	server.IsSwarmManager = true
	f := newFixture(t, server)
	f.runtime.containers = []domain.ContainerState{previewContainer("app-1-5_web.1.abc", 5)}

	res, err := f.coord.Cleanup(context.Background(), f.app, 5, &domain.PreviewEnvironment{ApplicationID: "app-1", PullRequestID: 5})
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if res.KilledContainers != 1 {
		t.Fatalf("KilledContainers = %d, want 1", res.KilledContainers)
	}
	if len(f.exec.lines) != 1 || f.exec.lines[0] != "docker stack rm app-1-5" {
		t.Fatalf("unexpected commands %v", f.exec.lines)
	}
	if len(f.teardown.previews) != 1 {
		t.Fatalf("supplied preview should be torn down")
	}
}

func TestCleanupRemovesSwarmStackWithoutLocalTasks(t *testing.T) {
	server := functional()
	server.IsSwarmManager = true
	for name, listErr := range map[string]error{"empty": nil, "list failure": errors.New("daemon unavailable")} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, server)
			f.runtime.listErr = listErr
			f.store.PutDeployment(domain.Deployment{ID: "dep-5", TargetID: "app-1", PullRequestID: 5, Status: domain.DeploymentInProgress})

			res, err := f.coord.Cleanup(context.Background(), f.app, 5, nil)
			if err != nil {
				t.Fatalf("Cleanup() error = %v", err)
			}
			if res.Status != StatusSuccess || res.CancelledDeployments != 1 || res.KilledContainers != 0 {
				t.Fatalf("unexpected result %+v", res)
			}
			if len(f.exec.lines) != 1 || f.exec.lines[0] != "docker stack rm app-1-5" {
				t.Fatalf("expected stack removal, got %v", f.exec.lines)
			}
		})
	}
}

func TestAsyncTeardownRemovesResources(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := store.UpsertPreview(ctx, &domain.PreviewEnvironment{ApplicationID: "app-1", PullRequestID: 9}); err != nil {
		t.Fatalf("UpsertPreview() error = %v", err)
	}
	exec := &fakeExecutor{outputs: map[string]string{"list volumes": "app-1-9_data\n", "list networks": "app-1-9_default"}}
	td := NewAsyncTeardown(exec, store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	td.Schedule(ctx, &domain.Application{ID: "app-1"}, functional(), domain.PreviewEnvironment{ApplicationID: "app-1", PullRequestID: 9})
	td.Wait()

	if _, err := store.GetPreview(ctx, "app-1", 9); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected preview to be deleted, got %v", err)
	}
	want := []string{
		"docker volume ls -q --filter label=com.docker.compose.project=app-1-9",
		"docker network ls -q --filter label=com.docker.compose.project=app-1-9",
		"docker volume rm -f app-1-9_data",
		"docker network rm app-1-9_default",
	}
	if len(exec.lines) != len(want) {
		t.Fatalf("commands = %v", exec.lines)
	}
	for i := range want {
		if exec.lines[i] != want[i] {
			t.Fatalf("command %d = %q, want %q", i, exec.lines[i], want[i])
		}
	}

	// A second run finds nothing and still succeeds.
	exec.outputs = map[string]string{}
	if err := td.Run(ctx, &domain.Application{ID: "app-1"}, functional(), domain.PreviewEnvironment{ApplicationID: "app-1", PullRequestID: 9}); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
}
