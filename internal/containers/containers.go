// Package containers reads and manipulates containers on managed servers.
package containers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/splax/localvercel/internal/docker"
	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/remote"
)

// Runtime is the narrow container surface the orchestrator needs from a server's daemon.
type Runtime interface {
	List(ctx context.Context, server domain.Server, selector domain.LabelSelector) ([]domain.ContainerState, error)
	Stop(ctx context.Context, server domain.Server, name string, timeout time.Duration) error
	// Remove force removes a container; a missing container is not an error.
	Remove(ctx context.Context, server domain.Server, name string) error
	Exists(ctx context.Context, server domain.Server, name string) (bool, error)
}

const noSuchContainer = "No such container"

// RemoteRuntime drives the docker CLI through a remote executor.
type RemoteRuntime struct {
	exec remote.Executor
}

// NewRemoteRuntime constructs a RemoteRuntime.
func NewRemoteRuntime(exec remote.Executor) *RemoteRuntime {
	return &RemoteRuntime{exec: exec}
}

type psLine struct {
	Names  string `json:"Names"`
	State  string `json:"State"`
	Status string `json:"Status"`
	Labels string `json:"Labels"`
}

func (r *RemoteRuntime) List(ctx context.Context, server domain.Server, selector domain.LabelSelector) ([]domain.ContainerState, error) {
	argv := []string{"docker", "ps", "-a", "--no-trunc", "--format", "{{json .}}"}
	for _, f := range selector.Filters() {
		argv = append(argv, "--filter", "label="+f)
	}
	res, err := r.exec.Run(ctx, server, []remote.Step{{Name: "list containers", Argv: argv, Hidden: true}}, remote.Options{ThrowOnError: true})
	if err != nil {
		return nil, err
	}
	return ParsePS(res.Output)
}

// ParsePS decodes `docker ps --format '{{json .}}'` output, one object per line.
func ParsePS(output string) ([]domain.ContainerState, error) {
	var out []domain.ContainerState
	for _, raw := range strings.Split(output, "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" || !strings.HasPrefix(raw, "{") {
			continue
		}
		var line psLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("decode docker ps line: %w", err)
		}
		name := line.Names
		if i := strings.IndexByte(name, ','); i >= 0 {
			name = name[:i]
		}
		out = append(out, domain.ContainerState{
			Name:   name,
			State:  strings.ToLower(line.State),
			Health: domain.HealthFromStatus(line.Status),
			Labels: parseLabels(line.Labels),
		})
	}
	return out, nil
}

func parseLabels(raw string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		labels[strings.TrimSpace(key)] = value
	}
	return labels
}

func (r *RemoteRuntime) Stop(ctx context.Context, server domain.Server, name string, timeout time.Duration) error {
	b := remote.NewBuilder()
	b.Run("stop "+name, "docker", "stop", "-t", strconv.Itoa(int(timeout.Seconds())), b.Name(name)).Tolerate(noSuchContainer)
	return r.run(ctx, server, b)
}

func (r *RemoteRuntime) Remove(ctx context.Context, server domain.Server, name string) error {
	b := remote.NewBuilder()
	b.Run("remove "+name, "docker", "rm", "-f", b.Name(name)).Tolerate(noSuchContainer)
	return r.run(ctx, server, b)
}

func (r *RemoteRuntime) Exists(ctx context.Context, server domain.Server, name string) (bool, error) {
	b := remote.NewBuilder()
	b.Run("inspect "+name, "docker", "inspect", "--format", "{{.State.Status}}", b.Name(name)).Hidden()
	steps, err := b.Steps()
	if err != nil {
		return false, err
	}
	res, err := r.exec.Run(ctx, server, steps, remote.Options{})
	if err != nil {
		return false, err
	}
	if res.ExitCode == 0 {
		return true, nil
	}
	if strings.Contains(res.Output, "No such object") || strings.Contains(res.Output, noSuchContainer) {
		return false, nil
	}
	return false, fmt.Errorf("inspect container %s: exit %d: %s", name, res.ExitCode, res.Output)
}

func (r *RemoteRuntime) run(ctx context.Context, server domain.Server, b *remote.Builder) error {
	steps, err := b.Steps()
	if err != nil {
		return err
	}
	_, err = r.exec.Run(ctx, server, steps, remote.Options{ThrowOnError: true})
	return err
}

// LocalRuntime talks to the orchestrator host's daemon through the Docker SDK.
type LocalRuntime struct {
	client *docker.Client
}

// NewLocalRuntime constructs a LocalRuntime.
func NewLocalRuntime(client *docker.Client) *LocalRuntime {
	return &LocalRuntime{client: client}
}

func (l *LocalRuntime) List(ctx context.Context, _ domain.Server, selector domain.LabelSelector) ([]domain.ContainerState, error) {
	return l.client.ListContainers(ctx, selector)
}

func (l *LocalRuntime) Stop(ctx context.Context, _ domain.Server, name string, timeout time.Duration) error {
	return l.client.StopContainer(ctx, name, timeout)
}

func (l *LocalRuntime) Remove(ctx context.Context, _ domain.Server, name string) error {
	return l.client.RemoveContainer(ctx, name)
}

func (l *LocalRuntime) Exists(ctx context.Context, _ domain.Server, name string) (bool, error) {
	return l.client.ContainerExists(ctx, name)
}

// Router sends servers flagged IsLocal to Local when it is configured.
type Router struct {
	Remote Runtime
	Local  Runtime
}

func (r Router) pick(server domain.Server) Runtime {
	if server.IsLocal && r.Local != nil {
		return r.Local
	}
	return r.Remote
}

func (r Router) List(ctx context.Context, server domain.Server, selector domain.LabelSelector) ([]domain.ContainerState, error) {
	if !server.IsFunctional() {
		return nil, remote.ErrNotFunctional
	}
	return r.pick(server).List(ctx, server, selector)
}

func (r Router) Stop(ctx context.Context, server domain.Server, name string, timeout time.Duration) error {
	return r.pick(server).Stop(ctx, server, name, timeout)
}

func (r Router) Remove(ctx context.Context, server domain.Server, name string) error {
	return r.pick(server).Remove(ctx, server, name)
}

func (r Router) Exists(ctx context.Context, server domain.Server, name string) (bool, error) {
	return r.pick(server).Exists(ctx, server, name)
}

var (
	_ Runtime = (*RemoteRuntime)(nil)
	_ Runtime = (*LocalRuntime)(nil)
	_ Runtime = Router{}
)
