package containers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
)

type fakeExecutor struct {
	lines  []string
	result remote.Result
	err    error
}

func (f *fakeExecutor) Run(ctx context.Context, server domain.Server, steps []remote.Step, opts remote.Options) (remote.Result, error) {
	for _, s := range steps {
		f.lines = append(f.lines, s.Line())
	}
	return f.result, f.err
}

var server = domain.Server{ID: "s1", Reachable: true, Usable: true}

func TestParsePS(t *testing.T) {
	output := strings.Join([]string{
		`{"Names":"app-web-1","State":"running","Status":"Up 3 minutes (healthy)","Labels":"com.docker.compose.service=web,peep.target.id=app"}`,
		`{"Names":"app-worker-1","State":"exited","Status":"Exited (1) 2 minutes ago","Labels":""}`,
		`{"Names":"app-db-1","State":"running","Status":"Up 10 seconds (health: starting)","Labels":"com.docker.compose.service=db"}`,
		"",
	}, "\n")
	got, err := ParsePS(output)
	if err != nil {
		t.Fatalf("ParsePS returned error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 containers, got %d", len(got))
	}
	if got[0].Health != domain.HealthHealthy || got[0].ServiceName() != "web" || got[0].Labels["peep.target.id"] != "app" {
		t.Fatalf("unexpected first container %+v", got[0])
	}
	if got[1].State != "exited" || got[1].Health != "" || got[1].ServiceName() != "app-worker-1" {
		t.Fatalf("unexpected second container %+v", got[1])
	}
	if got[2].Health != domain.HealthStarting {
		t.Fatalf("unexpected third container %+v", got[2])
	}
}

func TestRemoteListBuildsFilters(t *testing.T) {
	exec := &fakeExecutor{}
	rt := NewRemoteRuntime(exec)
	selector := domain.LabelSelector{domain.LabelTargetID: "app", domain.LabelPullRequestID: "0"}
	if _, err := rt.List(context.Background(), server, selector); err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	want := "docker ps -a --no-trunc --format '{{json .}}' --filter label=peep.pull_request_id=0 --filter label=peep.target.id=app"
	if len(exec.lines) != 1 || exec.lines[0] != want {
		t.Fatalf("unexpected command %v", exec.lines)
	}
}

func TestRemoteRemoveRejectsUnsafeNames(t *testing.T) {
	exec := &fakeExecutor{}
	rt := NewRemoteRuntime(exec)
	if err := rt.Remove(context.Background(), server, "x; rm -rf /"); err == nil {
		t.Fatalf("expected validation error")
	}
	if len(exec.lines) != 0 {
		t.Fatalf("nothing should run for invalid names")
	}
}

func TestRemoteStopUsesTimeout(t *testing.T) {
	exec := &fakeExecutor{}
	rt := NewRemoteRuntime(exec)
	if err := rt.Stop(context.Background(), server, "peep-proxy", 30*time.Second); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if exec.lines[0] != "docker stop -t 30 peep-proxy" {
		t.Fatalf("unexpected command %q", exec.lines[0])
	}
}

func TestRemoteExists(t *testing.T) {
	exec := &fakeExecutor{result: remote.Result{Output: "Error: No such object: peep-proxy", ExitCode: 1}}
	rt := NewRemoteRuntime(exec)
	ok, err := rt.Exists(context.Background(), server, "peep-proxy")
	if err != nil || ok {
		t.Fatalf("expected missing container, got %v %v", ok, err)
	}
	exec.result = remote.Result{Output: "running"}
	ok, err = rt.Exists(context.Background(), server, "peep-proxy")
	if err != nil || !ok {
		t.Fatalf("expected existing container, got %v %v", ok, err)
	}
}

func TestRouterRejectsNonFunctionalServers(t *testing.T) {
	r := Router{Remote: NewRemoteRuntime(&fakeExecutor{})}
	_, err := r.List(context.Background(), domain.Server{ID: "down"}, nil)
	if !errors.Is(err, remote.ErrNotFunctional) {
		t.Fatalf("expected ErrNotFunctional, got %v", err)
	}
}
