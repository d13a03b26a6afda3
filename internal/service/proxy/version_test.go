package proxy

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository/memory"
)

func TestImageVersion(t *testing.T) {
	cases := map[string]string{
		"traefik:v3.1.2\n":               "v3.1.2",
		"traefik":                        "latest",
		"registry:5000/traefik":          "latest",
		"registry:5000/traefik:2.11":     "2.11",
		"traefik:v3.0@sha256:0123456789": "v3.0",
	}
	for in, want := range cases {
		if got := ImageVersion(in); got != want {
			t.Errorf("ImageVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOutdated(t *testing.T) {
	cases := []struct {
		running, latest string
		want            bool
	}{
		{"v3.1", "v3.1.2", true},
		{"3.2.0", "v3.1.2", false},
		{"latest", "v3.1.2", false},
		{"v2.11", "", false},
	}
	for _, tc := range cases {
		if got := Outdated(tc.running, tc.latest); got != tc.want {
			t.Errorf("Outdated(%q, %q) = %v, want %v", tc.running, tc.latest, got, tc.want)
		}
	}
}

func TestVersionCheckerStoresVersion(t *testing.T) {
	store := memory.New()
	server := domain.Server{ID: "srv-1", Reachable: true, Usable: true, ProxyType: domain.ProxyTypeTraefik}
	store.PutServer(server)
	exec := &fakeExecutor{out: "traefik:v3.0.4"}
	checker := NewImageVersionChecker(exec, store, "peep-proxy", "v3.1.2", slog.New(slog.NewTextHandler(io.Discard, nil)))

	checker.Schedule(context.Background(), server, domain.ProxyState{ServerID: "srv-1"})
	checker.Wait()

	state, err := store.GetProxyState(context.Background(), "srv-1")
	if err != nil || state.Version != "v3.0.4" {
		t.Fatalf("stored version = %+v, %v", state, err)
	}
	outdated, err := checker.Check(context.Background(), server)
	if err != nil || !outdated {
		t.Fatalf("Check() = %v, %v; want outdated", outdated, err)
	}
}

func TestDefaultRedirect(t *testing.T) {
	raw, err := DefaultRedirect("https://example.com")
	if err != nil {
		t.Fatalf("DefaultRedirect returned error: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("rendered config does not parse: %v", err)
	}
	if !strings.Contains(string(raw), "redirectRegex") || !strings.Contains(string(raw), "https://example.com") {
		t.Fatalf("missing redirect middleware:\n%s", raw)
	}
	plain, _ := DefaultRedirect("")
	if strings.Contains(string(plain), "middlewares") {
		t.Fatalf("no middleware expected without redirect URL:\n%s", plain)
	}
}

func TestFileInstallerWritesTraefikConfig(t *testing.T) {
	exec := &fakeExecutor{}
	installer := NewFileInstaller(exec, "/data/peep/proxy", "peep-proxy", "")
	if err := installer.Install(context.Background(), domain.Server{ID: "srv-1"}, domain.ProxyState{Type: domain.ProxyTypeTraefik}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if len(exec.lines) != 2 || !strings.Contains(exec.lines[1], "/data/peep/proxy/dynamic/default_redirect_404.yaml") {
		t.Fatalf("unexpected commands %v", exec.lines)
	}
}
