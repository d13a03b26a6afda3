// Package webhook turns provider push and merge request events into
// deployment requests and preview cleanups.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
	"github.com/splax/localvercel/internal/service/admission"
	"github.com/splax/localvercel/internal/service/preview"
	"github.com/splax/localvercel/pkg/config"
)

var (
	// ErrMissingSignature is returned when a request carries no signature header.
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrInvalidSignature is returned when the signature does not match the payload.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Per-application outcome statuses. Admission outcomes are passed through.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusSkipped   = string(admission.OutcomeSkipped)
	StatusQueueFull = string(admission.OutcomeQueueFull)
)

// Merge request actions.
const (
	ActionOpened      = "opened"
	ActionReopened    = "reopened"
	ActionSynchronize = "synchronize"
	ActionClosed      = "closed"
)

// Enqueuer admits deployment requests.
type Enqueuer interface {
	Enqueue(ctx context.Context, req admission.Request) (admission.Result, error)
}

// Cleaner tears down the preview of a closed pull request.
type Cleaner interface {
	Cleanup(ctx context.Context, app *domain.Application, pullRequestID int, env *domain.PreviewEnvironment) (preview.Result, error)
}

// PushEvent is a normalized push to a branch.
type PushEvent struct {
	Repository   string   `json:"repository"`
	Branch       string   `json:"branch"`
	Commit       string   `json:"commit"`
	ChangedFiles []string `json:"changed_files"`
}

// MergeRequestEvent is a normalized pull/merge request event. Branch is the
// target branch the applications are configured with.
type MergeRequestEvent struct {
	Repository     string   `json:"repository"`
	Branch         string   `json:"branch"`
	Action         string   `json:"action"`
	PullRequestID  int      `json:"pull_request_id"`
	PullRequestURL string   `json:"pull_request_url"`
	Commit         string   `json:"commit"`
	ChangedFiles   []string `json:"changed_files"`
}

// Outcome is the per-application result of a webhook.
type Outcome struct {
	ApplicationID string `json:"application_id"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	DeploymentID  string `json:"deployment_id,omitempty"`
}

// Service handles webhook events.
type Service struct {
	targets  repository.TargetRepository
	previews repository.PreviewRepository
	enqueuer Enqueuer
	cleaner  Cleaner
	logger   *slog.Logger
	secret   []byte
	template string
}

// New constructs a webhook service.
func New(targets repository.TargetRepository, previews repository.PreviewRepository, enqueuer Enqueuer, cleaner Cleaner, logger *slog.Logger, cfg config.OrchestratorConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		targets:  targets,
		previews: previews,
		enqueuer: enqueuer,
		cleaner:  cleaner,
		logger:   logger.With("component", "webhook"),
		secret:   []byte(cfg.WebhookSecret),
		template: cfg.PreviewURLTemplate,
	}
}

// ValidSignature checks the hex HMAC-SHA256 of payload. A "sha256=" prefix is accepted.
func ValidSignature(payload, secret []byte, provided string) error {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return ErrMissingSignature
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// CheckSignature verifies payload against the configured secret.
func (s *Service) CheckSignature(payload []byte, provided string) error {
	return ValidSignature(payload, s.secret, provided)
}

// HandlePush enqueues a production deployment for every application tracking
// the pushed branch.
func (s *Service) HandlePush(ctx context.Context, evt PushEvent) ([]Outcome, error) {
	apps, err := s.targets.ListApplicationsByRepository(ctx, evt.Repository, evt.Branch)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(apps))
	for _, app := range apps {
		outcomes = append(outcomes, s.enqueue(ctx, admission.Request{
			Target:       app,
			CommitRef:    evt.Commit,
			IsWebhook:    true,
			ChangedFiles: evt.ChangedFiles,
		}))
	}
	return outcomes, nil
}

// HandleMergeRequest dispatches on the event action.
func (s *Service) HandleMergeRequest(ctx context.Context, evt MergeRequestEvent) ([]Outcome, error) {
	if evt.PullRequestID <= 0 {
		return nil, errors.New("pull request id required")
	}
	switch evt.Action {
	case ActionClosed:
		return s.HandleMergeRequestClosed(ctx, evt)
	case ActionOpened, ActionReopened, ActionSynchronize:
		return s.HandleMergeRequestOpenOrUpdate(ctx, evt)
	}
	return nil, nil
}

// HandleMergeRequestOpenOrUpdate records the preview environment and enqueues
// a preview deployment for every application with previews enabled.
func (s *Service) HandleMergeRequestOpenOrUpdate(ctx context.Context, evt MergeRequestEvent) ([]Outcome, error) {
	apps, err := s.targets.ListApplicationsByRepository(ctx, evt.Repository, evt.Branch)
	if err != nil {
		return nil, err
	}
	var outcomes []Outcome
	for _, app := range apps {
		if !app.PreviewsEnabled {
			continue
		}
		env := &domain.PreviewEnvironment{
			ApplicationID:  app.ID,
			PullRequestID:  evt.PullRequestID,
			PullRequestURL: evt.PullRequestURL,
			PreviewURL:     PreviewURL(s.template, app.FQDN, evt.PullRequestID),
		}
		if err := s.previews.UpsertPreview(ctx, env); err != nil {
			s.logger.Warn("upsert preview failed", "target_id", app.ID, "pull_request_id", evt.PullRequestID, "error", err)
			outcomes = append(outcomes, Outcome{ApplicationID: app.ID, Status: StatusFailed, Message: "Could not record preview environment."})
			continue
		}
		outcomes = append(outcomes, s.enqueue(ctx, admission.Request{
			Target:        app,
			PullRequestID: evt.PullRequestID,
			CommitRef:     evt.Commit,
			IsWebhook:     true,
			ChangedFiles:  evt.ChangedFiles,
		}))
	}
	return outcomes, nil
}

// HandleMergeRequestClosed cleans up the preview of every matching application.
func (s *Service) HandleMergeRequestClosed(ctx context.Context, evt MergeRequestEvent) ([]Outcome, error) {
	apps, err := s.targets.ListApplicationsByRepository(ctx, evt.Repository, evt.Branch)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(apps))
	for _, app := range apps {
		res, err := s.cleaner.Cleanup(ctx, app, evt.PullRequestID, nil)
		if err != nil {
			s.logger.Warn("preview cleanup failed", "target_id", app.ID, "pull_request_id", evt.PullRequestID, "error", err)
			outcomes = append(outcomes, Outcome{ApplicationID: app.ID, Status: StatusFailed, Message: err.Error()})
			continue
		}
		outcome := Outcome{ApplicationID: app.ID, Status: StatusSuccess, Message: "Preview deployment closed."}
		if res.Status != preview.StatusSuccess {
			outcome.Status = StatusFailed
			outcome.Message = res.Message
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (s *Service) enqueue(ctx context.Context, req admission.Request) Outcome {
	id := req.Target.Ref().ID
	res, err := s.enqueuer.Enqueue(ctx, req)
	if err != nil {
		s.logger.Error("enqueue deployment failed", "target_id", id, "pull_request_id", req.PullRequestID, "error", err)
		return Outcome{ApplicationID: id, Status: StatusFailed, Message: "Deployment could not be queued."}
	}
	status := string(res.Status)
	if res.Status == admission.OutcomeQueued {
		status = StatusSuccess
	}
	return Outcome{ApplicationID: id, Status: status, Message: res.Message, DeploymentID: res.DeploymentID}
}

// AnyQueueFull reports whether an outcome was rejected for capacity.
func AnyQueueFull(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Status == StatusQueueFull {
			return true
		}
	}
	return false
}

// PreviewURL expands {{pr_id}} and {{domain}} in template. domain is the host
// of the application's fqdn; an empty fqdn yields no preview url.
func PreviewURL(template, fqdn string, pullRequestID int) string {
	fqdn = strings.TrimSpace(strings.Split(fqdn, ",")[0])
	if fqdn == "" || template == "" {
		return ""
	}
	host := fqdn
	scheme := ""
	if u, err := url.Parse(fqdn); err == nil && u.Host != "" {
		host, scheme = u.Host, u.Scheme
	}
	out := strings.NewReplacer("{{pr_id}}", strconv.Itoa(pullRequestID), "{{domain}}", host).Replace(template)
	if scheme != "" && !strings.Contains(out, "://") {
		out = scheme + "://" + out
	}
	return out
}
