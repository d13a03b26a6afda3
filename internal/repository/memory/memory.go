// Package memory is an in-process Store used by tests and single-node development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

// Store keeps every entity in maps guarded by one mutex, so admission checks
// and inserts are atomic just like the PostgreSQL implementation.
type Store struct {
	mu           sync.Mutex
	deployments  map[string]*domain.Deployment
	applications map[string]*domain.Application
	databases    map[string]*domain.Database
	services     map[string]*domain.Service
	servers      map[string]domain.Server
	previews     map[previewKey]domain.PreviewEnvironment
	proxies      map[string]domain.ProxyState
	now          func() time.Time
}

type previewKey struct {
	applicationID string
	pullRequestID int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		deployments:  make(map[string]*domain.Deployment),
		applications: make(map[string]*domain.Application),
		databases:    make(map[string]*domain.Database),
		services:     make(map[string]*domain.Service),
		servers:      make(map[string]domain.Server),
		previews:     make(map[previewKey]domain.PreviewEnvironment),
		proxies:      make(map[string]domain.ProxyState),
		now:          time.Now,
	}
}

var _ repository.Store = (*Store)(nil)

// PutServer registers or replaces a server.
func (s *Store) PutServer(server domain.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[server.ID] = server
}

// PutTarget registers or replaces a deployable.
func (s *Store) PutTarget(target domain.Deployable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch t := target.(type) {
	case *domain.Application:
		s.applications[t.ID] = cloneApplication(t)
	case *domain.Database:
		c := *t
		s.databases[t.ID] = &c
	case *domain.Service:
		c := *t
		s.services[t.ID] = &c
	}
}

// PutDeployment stores a deployment without admission checks.
func (s *Store) PutDeployment(d domain.Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = cloneDeployment(&d)
}

func (s *Store) AdmitDeployment(ctx context.Context, deployment *domain.Deployment, opts repository.AdmitOptions) (repository.AdmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.Limit > 0 {
		count := 0
		for _, d := range s.deployments {
			if d.TeamID == deployment.TeamID && d.Status.IsInFlight() {
				count++
			}
		}
		if count >= opts.Limit {
			return repository.AdmitResult{}, repository.ErrQueueFull
		}
	}

	var result repository.AdmitResult
	for _, d := range s.sortedDeployments() {
		if d.TargetID != deployment.TargetID || d.PullRequestID != deployment.PullRequestID || !d.Status.IsInFlight() {
			continue
		}
		if !opts.ForceRebuild {
			return repository.AdmitResult{}, repository.ErrDuplicateInFlight
		}
		s.cancelLocked(d, opts.CancelLine, deployment.CreatedAt)
		result.Superseded = append(result.Superseded, d.ID)
	}

	stored := cloneDeployment(deployment)
	stored.Status = domain.DeploymentQueued
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	s.deployments[stored.ID] = stored
	deployment.Status = domain.DeploymentQueued
	return result, nil
}

func (s *Store) GetDeployment(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneDeployment(d), nil
}

func (s *Store) GetDeploymentStatus(ctx context.Context, deploymentID string) (domain.DeploymentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return d.Status, nil
}

func (s *Store) ClaimDeployment(ctx context.Context, deploymentID string, at time.Time) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if d.Status != domain.DeploymentQueued {
		return nil, repository.ErrConflict
	}
	started := at
	d.Status = domain.DeploymentInProgress
	d.StartedAt = &started
	d.UpdatedAt = at
	return cloneDeployment(d), nil
}

func (s *Store) AppendDeploymentLogs(ctx context.Context, deploymentID string, lines []domain.LogLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d.Logs = append(d.Logs, lines...)
	d.UpdatedAt = s.now()
	return nil
}

func (s *Store) FinishDeployment(ctx context.Context, deploymentID string, status domain.DeploymentStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.Status != domain.DeploymentInProgress {
		return repository.ErrConflict
	}
	finished := at
	d.Status = status
	d.FinishedAt = &finished
	d.UpdatedAt = at
	return nil
}

func (s *Store) CancelDeployment(ctx context.Context, deploymentID string, line domain.LogLine, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !d.Status.IsInFlight() {
		return false, nil
	}
	s.cancelLocked(d, line, at)
	return true, nil
}

func (s *Store) cancelLocked(d *domain.Deployment, line domain.LogLine, at time.Time) {
	finished := at
	d.Status = domain.DeploymentCancelledByUser
	d.FinishedAt = &finished
	d.UpdatedAt = at
	if line.Text != "" {
		d.Logs = append(d.Logs, line)
	}
}

func (s *Store) ListInFlightDeployments(ctx context.Context, targetID string, pullRequestID int) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Deployment
	for _, d := range s.sortedDeployments() {
		if d.TargetID == targetID && d.PullRequestID == pullRequestID && d.Status.IsInFlight() {
			out = append(out, *cloneDeployment(d))
		}
	}
	return out, nil
}

func (s *Store) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Deployment
	for _, d := range s.sortedDeployments() {
		if d.Status == status {
			out = append(out, *cloneDeployment(d))
		}
	}
	return out, nil
}

func (s *Store) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Deployment
	for _, d := range s.sortedDeployments() {
		if d.Status == status && d.UpdatedAt.Before(updatedBefore) {
			out = append(out, *cloneDeployment(d))
		}
	}
	return out, nil
}

func (s *Store) sortedDeployments() []*domain.Deployment {
	out := make([]*domain.Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) GetTarget(ctx context.Context, ref domain.TargetRef) (domain.Deployable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ref.Kind {
	case domain.KindApplication:
		if a, ok := s.applications[ref.ID]; ok {
			return cloneApplication(a), nil
		}
	case domain.KindDatabase:
		if d, ok := s.databases[ref.ID]; ok {
			c := *d
			return &c, nil
		}
	case domain.KindService:
		if svc, ok := s.services[ref.ID]; ok {
			c := *svc
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListTargets(ctx context.Context) ([]domain.Deployable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Deployable, 0, len(s.applications)+len(s.databases)+len(s.services))
	for _, a := range s.applications {
		out = append(out, cloneApplication(a))
	}
	for _, d := range s.databases {
		c := *d
		out = append(out, &c)
	}
	for _, svc := range s.services {
		c := *svc
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Ref().String() < out[j].Ref().String()
	})
	return out, nil
}

func (s *Store) ListApplicationsByRepository(ctx context.Context, repo, branch string) ([]*domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Application
	for _, a := range s.applications {
		if a.GitRepository == repo && a.GitBranch == branch {
			out = append(out, cloneApplication(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateTargetStatus(ctx context.Context, ref domain.TargetRef, serverID string, status domain.ResourceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var target domain.Deployable
	switch ref.Kind {
	case domain.KindApplication:
		if a, ok := s.applications[ref.ID]; ok {
			target = a
		}
	case domain.KindDatabase:
		if d, ok := s.databases[ref.ID]; ok {
			target = d
		}
	case domain.KindService:
		if svc, ok := s.services[ref.ID]; ok {
			target = svc
		}
	}
	if target == nil {
		return repository.ErrNotFound
	}
	target.ApplyStatus(serverID, status)
	return nil
}

func (s *Store) GetServer(ctx context.Context, serverID string) (*domain.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	server, ok := s.servers[serverID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &server, nil
}

func (s *Store) ListServers(ctx context.Context) ([]domain.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Server, 0, len(s.servers))
	for _, server := range s.servers {
		out = append(out, server)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetPreview(ctx context.Context, applicationID string, pullRequestID int) (*domain.PreviewEnvironment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.previews[previewKey{applicationID, pullRequestID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *Store) UpsertPreview(ctx context.Context, preview *domain.PreviewEnvironment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := previewKey{preview.ApplicationID, preview.PullRequestID}
	if existing, ok := s.previews[key]; ok {
		preview.CreatedAt = existing.CreatedAt
	} else if preview.CreatedAt.IsZero() {
		preview.CreatedAt = s.now()
	}
	s.previews[key] = *preview
	return nil
}

func (s *Store) DeletePreview(ctx context.Context, applicationID string, pullRequestID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := previewKey{applicationID, pullRequestID}
	if _, ok := s.previews[key]; !ok {
		return repository.ErrNotFound
	}
	delete(s.previews, key)
	return nil
}

func (s *Store) GetProxyState(ctx context.Context, serverID string) (*domain.ProxyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.proxies[serverID]
	if !ok {
		server, known := s.servers[serverID]
		if !known {
			return nil, repository.ErrNotFound
		}
		state = domain.ProxyState{ServerID: serverID, Type: server.ProxyType, Status: domain.ProxyStopped}
	}
	return &state, nil
}

func (s *Store) SaveProxyState(ctx context.Context, state *domain.ProxyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = s.now()
	s.proxies[state.ServerID] = *state
	return nil
}

func cloneDeployment(d *domain.Deployment) *domain.Deployment {
	c := *d
	c.Logs = append([]domain.LogLine(nil), d.Logs...)
	return &c
}

func cloneApplication(a *domain.Application) *domain.Application {
	c := *a
	c.AdditionalServers = append([]domain.ServerStatus(nil), a.AdditionalServers...)
	c.WatchPaths = append([]string(nil), a.WatchPaths...)
	return &c
}
