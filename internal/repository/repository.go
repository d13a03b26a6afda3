package repository

import (
	"context"
	"time"

	"github.com/splax/localvercel/internal/domain"
)

// AdmitOptions controls the checks applied when inserting a deployment.
type AdmitOptions struct {
	// Limit is the maximum number of in-flight deployments per team; zero disables the check.
	Limit int
	// ForceRebuild cancels an in-flight duplicate instead of rejecting the new request.
	ForceRebuild bool
	// CancelLine is appended to every superseded deployment.
	CancelLine domain.LogLine
}

// AdmitResult reports side effects of a successful admission.
type AdmitResult struct {
	Superseded []string
}

// DeploymentRepository stores deployment requests and their log buffers.
type DeploymentRepository interface {
	// AdmitDeployment atomically checks capacity and duplicates and inserts the deployment as queued.
	AdmitDeployment(ctx context.Context, deployment *domain.Deployment, opts AdmitOptions) (AdmitResult, error)
	GetDeployment(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	GetDeploymentStatus(ctx context.Context, deploymentID string) (domain.DeploymentStatus, error)
	// ClaimDeployment moves a queued deployment to in_progress; ErrConflict when it is not queued.
	ClaimDeployment(ctx context.Context, deploymentID string, at time.Time) (*domain.Deployment, error)
	AppendDeploymentLogs(ctx context.Context, deploymentID string, lines []domain.LogLine) error
	// FinishDeployment applies a terminal status only while the deployment is in_progress.
	FinishDeployment(ctx context.Context, deploymentID string, status domain.DeploymentStatus, at time.Time) error
	// CancelDeployment marks a queued or in_progress deployment cancelled-by-user and reports whether it applied.
	CancelDeployment(ctx context.Context, deploymentID string, line domain.LogLine, at time.Time) (bool, error)
	ListInFlightDeployments(ctx context.Context, targetID string, pullRequestID int) ([]domain.Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error)
	ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error)
}

// TargetRepository resolves deployable resources and persists their status slots.
type TargetRepository interface {
	GetTarget(ctx context.Context, ref domain.TargetRef) (domain.Deployable, error)
	ListTargets(ctx context.Context) ([]domain.Deployable, error)
	ListApplicationsByRepository(ctx context.Context, repository, branch string) ([]*domain.Application, error)
	UpdateTargetStatus(ctx context.Context, ref domain.TargetRef, serverID string, status domain.ResourceStatus) error
}

// ServerRepository loads servers.
type ServerRepository interface {
	GetServer(ctx context.Context, serverID string) (*domain.Server, error)
	ListServers(ctx context.Context) ([]domain.Server, error)
}

// PreviewRepository persists pull request preview environments.
type PreviewRepository interface {
	GetPreview(ctx context.Context, applicationID string, pullRequestID int) (*domain.PreviewEnvironment, error)
	UpsertPreview(ctx context.Context, preview *domain.PreviewEnvironment) error
	DeletePreview(ctx context.Context, applicationID string, pullRequestID int) error
}

// ProxyRepository persists the per-server proxy singleton.
type ProxyRepository interface {
	// GetProxyState returns the stored state or a stopped default for unknown servers.
	GetProxyState(ctx context.Context, serverID string) (*domain.ProxyState, error)
	SaveProxyState(ctx context.Context, state *domain.ProxyState) error
}

// Store groups every repository the orchestrator depends on.
type Store interface {
	DeploymentRepository
	TargetRepository
	ServerRepository
	PreviewRepository
	ProxyRepository
}
