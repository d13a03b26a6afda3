package domain

import (
	"reflect"
	"testing"
	"time"
)

func TestDeploymentStatusLifecycle(t *testing.T) {
	cases := []struct {
		status   DeploymentStatus
		inFlight bool
		terminal bool
	}{
		{DeploymentQueued, true, false},
		{DeploymentInProgress, true, false},
		{DeploymentFinished, false, true},
		{DeploymentFailed, false, true},
		{DeploymentCancelledByUser, false, true},
	}
	for _, tc := range cases {
		if got := tc.status.IsInFlight(); got != tc.inFlight {
			t.Errorf("%s: IsInFlight = %v", tc.status, got)
		}
		if got := tc.status.IsTerminal(); got != tc.terminal {
			t.Errorf("%s: IsTerminal = %v", tc.status, got)
		}
	}
}

func TestExportLogsOnlyOutput(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	d := Deployment{Logs: []LogLine{
		{Timestamp: at, Text: "docker build .", IsCommandEcho: true},
		{Timestamp: at, Text: "Step 1/3"},
		{Timestamp: at, Text: "SECRET=1", Hidden: true},
	}}
	if got := d.ExportLogs(true); got != "2025-03-01T10:00:00Z Step 1/3\n" {
		t.Fatalf("unexpected output-only export %q", got)
	}
	if got := d.ExportLogs(false); got != "2025-03-01T10:00:00Z docker build .\n2025-03-01T10:00:00Z Step 1/3\n2025-03-01T10:00:00Z SECRET=1\n" {
		t.Fatalf("unexpected full export %q", got)
	}
}

func TestResourceStatusExcludedSuffix(t *testing.T) {
	s := StatusRunning.WithExcluded()
	if s != "running:excluded" || !s.IsExcluded() || s.Base() != StatusRunning {
		t.Fatalf("unexpected excluded status %q", s)
	}
	if s.WithExcluded() != s {
		t.Fatalf("suffix applied twice: %q", s.WithExcluded())
	}
	if StatusExited.IsExcluded() {
		t.Fatal("plain status reported as excluded")
	}
}

func TestResourceName(t *testing.T) {
	if got := ResourceName("app", 0); got != "app" {
		t.Fatalf("production name %q", got)
	}
	if got := ResourceName("app", 12); got != "app-12" {
		t.Fatalf("preview name %q", got)
	}
}

func TestApplicationStatusSlots(t *testing.T) {
	app := &Application{
		ID:                "app",
		ServerID:          "a",
		AdditionalServers: []ServerStatus{{ServerID: "b"}},
	}
	if !reflect.DeepEqual(app.ServerIDs(), []string{"a", "b"}) {
		t.Fatalf("unexpected server ids %v", app.ServerIDs())
	}
	if !app.ApplyStatus("b", StatusDegraded) {
		t.Fatal("expected additional slot to change")
	}
	if app.ApplyStatus("b", StatusDegraded) {
		t.Fatal("unchanged status reported as change")
	}
	if app.ApplyStatus("unknown", StatusRunning) {
		t.Fatal("unknown server must not change any slot")
	}
	if app.StatusOn("a") != "" || app.StatusOn("b") != StatusDegraded {
		t.Fatalf("slots mixed up: primary=%q additional=%q", app.StatusOn("a"), app.StatusOn("b"))
	}
}

func TestSelectors(t *testing.T) {
	db := &Database{ID: "db"}
	want := []string{"peep.pull_request_id=0", "peep.target.id=db", "peep.target.kind=database"}
	if got := db.ContainerLabelSelector().Filters(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	got := PreviewSelector(TargetRef{Kind: KindApplication, ID: "app"}, 4).Filters()
	if !reflect.DeepEqual(got, []string{"peep.pull_request_id=4", "peep.target.id=app"}) {
		t.Fatalf("unexpected preview filters %v", got)
	}
}

func TestExcludedServiceNamesOnlyForCompose(t *testing.T) {
	raw := "services:\n  web:\n    image: nginx\n  worker:\n    image: busybox\n    exclude_from_hc: true\n"
	app := &Application{BuildPack: BuildPackDockerfile, ComposeRaw: raw}
	if names := app.ExcludedServiceNames(); names != nil {
		t.Fatalf("dockerfile app should not exclude services, got %v", names)
	}
	app.BuildPack = BuildPackDockerCompose
	if names := app.ExcludedServiceNames(); !reflect.DeepEqual(names, []string{"worker"}) {
		t.Fatalf("unexpected excluded services %v", names)
	}
	svc := &Service{ComposeRaw: raw}
	if names := svc.ExcludedServiceNames(); !reflect.DeepEqual(names, []string{"worker"}) {
		t.Fatalf("unexpected service exclusions %v", names)
	}
}

func TestHealthFromStatus(t *testing.T) {
	cases := map[string]string{
		"Up 3 minutes (healthy)":         HealthHealthy,
		"Up 1 second (health: starting)": HealthStarting,
		"Up 10 minutes (unhealthy)":      HealthUnhealthy,
		"Up 2 hours":                     "",
		"Exited (1) 5 minutes ago":       "",
	}
	for in, want := range cases {
		if got := HealthFromStatus(in); got != want {
			t.Errorf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func TestContainerServiceName(t *testing.T) {
	c := ContainerState{Name: "app-web-1", Labels: map[string]string{LabelComposeService: "web"}}
	if c.ServiceName() != "web" {
		t.Fatalf("expected compose service name, got %q", c.ServiceName())
	}
	c.Labels = nil
	if c.ServiceName() != "app-web-1" {
		t.Fatalf("expected container name fallback, got %q", c.ServiceName())
	}
}

func TestSwarmTaskServiceName(t *testing.T) {
	cases := []struct {
		labels map[string]string
		want   string
	}{
		{map[string]string{LabelSwarmService: "app-1-5_worker", LabelStackNamespace: "app-1-5"}, "worker"},
		{map[string]string{LabelSwarmService: "my_stack_web_api", LabelStackNamespace: "my_stack"}, "web_api"},
		{map[string]string{LabelSwarmService: "stack_web"}, "web"},
		{map[string]string{LabelSwarmService: "web"}, "web"},
	}
	for _, tc := range cases {
		c := ContainerState{Name: "stack_web.1.x1y2z3", Labels: tc.labels}
		if got := c.ServiceName(); got != tc.want {
			t.Errorf("%v: expected %q, got %q", tc.labels, tc.want, got)
		}
	}
}

func TestServerIsFunctional(t *testing.T) {
	s := Server{Reachable: true, Usable: true}
	if !s.IsFunctional() {
		t.Fatal("reachable usable server should be functional")
	}
	s.ForceDisabled = true
	if s.IsFunctional() {
		t.Fatal("force-disabled server should not be functional")
	}
}
