package deploy

import (
	"strings"
	"testing"

	"github.com/splax/localvercel/internal/domain"
)

var testPipeline = pipelineConfig{network: "peep", helperImage: "ghcr.io/peep/helper:latest"}

func lines(p plan) string {
	var b strings.Builder
	for _, s := range p.steps {
		b.WriteString(s.Line())
		b.WriteByte('\n')
	}
	return b.String()
}

func TestApplicationPlanRestartOnlySkipsBuild(t *testing.T) {
	app := &domain.Application{ID: "app-1", BuildPack: domain.BuildPackNixpacks, GitRepository: "https://github.com/acme/web.git"}
	p, err := buildPlan(domain.Deployment{ID: "dep-1", TargetID: "app-1", RestartOnly: true}, app, domain.Server{}, testPipeline)
	if err != nil {
		t.Fatalf("buildPlan returned error: %v", err)
	}
	out := lines(p)
	if strings.Contains(out, "nixpacks") || strings.Contains(out, "git clone") || p.helper {
		t.Fatalf("restart-only plan should not build:\n%s", out)
	}
	if !strings.Contains(out, "docker restart app-1") {
		t.Fatalf("expected a restart step:\n%s", out)
	}
}

func TestApplicationPlanForceRebuild(t *testing.T) {
	app := &domain.Application{ID: "app-1", BuildPack: domain.BuildPackDockerfile, GitRepository: "https://github.com/acme/web.git", BaseDirectory: "/api"}
	p, err := buildPlan(domain.Deployment{ID: "dep-1", TargetID: "app-1", ForceRebuild: true}, app, domain.Server{}, testPipeline)
	if err != nil {
		t.Fatalf("buildPlan returned error: %v", err)
	}
	out := lines(p)
	if !strings.Contains(out, "--no-cache") || !strings.Contains(out, "/artifacts/dep-1/api/Dockerfile") {
		t.Fatalf("unexpected build step:\n%s", out)
	}
	if !p.helper {
		t.Fatalf("git builds run inside a helper")
	}
	for _, step := range p.steps {
		if step.Name == "prepare network" && len(step.Tolerate) == 0 {
			t.Fatalf("network creation must tolerate existing networks")
		}
	}
}

func TestApplicationComposePlanOnSwarm(t *testing.T) {
	app := &domain.Application{
		ID:            "app-1",
		BuildPack:     domain.BuildPackDockerCompose,
		GitRepository: "https://github.com/acme/web.git",
		ComposeRaw:    "services:\n  web:\n    image: nginx\n",
	}
	p, err := buildPlan(domain.Deployment{ID: "dep-1", TargetID: "app-1", PullRequestID: 3}, app, domain.Server{IsSwarmManager: true}, testPipeline)
	if err != nil {
		t.Fatalf("buildPlan returned error: %v", err)
	}
	out := lines(p)
	if !strings.Contains(out, "docker stack deploy --with-registry-auth -c /artifacts/dep-1/.peep-compose.yaml app-1-3") {
		t.Fatalf("expected a stack deploy:\n%s", out)
	}
}

func TestPlanRejectsUnsafeIdentifiers(t *testing.T) {
	app := &domain.Application{ID: "app-1", BuildPack: domain.BuildPackDockerfile, GitRepository: "https://github.com/acme/web.git"}
	_, err := buildPlan(domain.Deployment{ID: "dep-1", TargetID: "app-1", CommitRef: "abc;rm -rf /"}, app, domain.Server{}, testPipeline)
	if err == nil || !IsExpected(err) {
		t.Fatalf("expected an expected error, got %v", err)
	}
}

func TestDatabasePlanHidesEnvironment(t *testing.T) {
	db := &domain.Database{ID: "db-1", Image: "postgres:16", VolumePath: "/var/lib/postgresql/data", Env: map[string]string{"POSTGRES_PASSWORD": "s3cret"}}
	p, err := buildPlan(domain.Deployment{ID: "dep-1", TargetID: "db-1", TargetKind: domain.KindDatabase}, db, domain.Server{}, testPipeline)
	if err != nil {
		t.Fatalf("buildPlan returned error: %v", err)
	}
	found := false
	for _, step := range p.steps {
		if step.Name == "start container" {
			found = true
			if !step.Hidden {
				t.Fatalf("start step carrying secrets must be hidden")
			}
			if !strings.Contains(step.Line(), "-v db-1-data:/var/lib/postgresql/data") {
				t.Fatalf("missing volume mount: %s", step.Line())
			}
		}
	}
	if !found {
		t.Fatalf("no start step in plan")
	}
}

func TestServicePlanWritesComposeOnHost(t *testing.T) {
	svc := &domain.Service{ID: "svc-1", ComposeRaw: "services:\n  app:\n    image: redis\n"}
	p, err := buildPlan(domain.Deployment{ID: "dep-1", TargetID: "svc-1", TargetKind: domain.KindService}, svc, domain.Server{}, testPipeline)
	if err != nil {
		t.Fatalf("buildPlan returned error: %v", err)
	}
	out := lines(p)
	if !strings.Contains(out, "docker compose -p svc-1 -f /data/peep/services/svc-1/compose.yaml up -d --remove-orphans") {
		t.Fatalf("unexpected service plan:\n%s", out)
	}
	if p.helper {
		t.Fatalf("services do not need a helper")
	}
}
