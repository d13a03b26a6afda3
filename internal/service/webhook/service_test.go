package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository/memory"
	"github.com/splax/localvercel/internal/service/admission"
	"github.com/splax/localvercel/internal/service/preview"
	"github.com/splax/localvercel/pkg/config"
)

type fakeEnqueuer struct {
	requests []admission.Request
	results  map[string]admission.Result
	err      error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, req admission.Request) (admission.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return admission.Result{}, f.err
	}
	if res, ok := f.results[req.Target.Ref().ID]; ok {
		return res, nil
	}
	return admission.Result{Status: admission.OutcomeQueued, DeploymentID: "dep-" + req.Target.Ref().ID, Message: "Deployment queued."}, nil
}

type cleanupCall struct {
	appID string
	pr    int
}

type fakeCleaner struct {
	calls  []cleanupCall
	result preview.Result
}

func (f *fakeCleaner) Cleanup(ctx context.Context, app *domain.Application, pullRequestID int, env *domain.PreviewEnvironment) (preview.Result, error) {
	f.calls = append(f.calls, cleanupCall{app.ID, pullRequestID})
	return f.result, nil
}

func newService(t *testing.T, apps ...*domain.Application) (*Service, *memory.Store, *fakeEnqueuer, *fakeCleaner) {
	t.Helper()
	store := memory.New()
	for _, app := range apps {
		store.PutTarget(app)
	}
	enq := &fakeEnqueuer{}
	cleaner := &fakeCleaner{result: preview.Result{Status: preview.StatusSuccess}}
	cfg := config.OrchestratorConfig{WebhookSecret: "s3cret", PreviewURLTemplate: "{{pr_id}}.{{domain}}"}
	svc := New(store, store, enq, cleaner, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	return svc, store, enq, cleaner
}

func app(id string, previews bool) *domain.Application {
	return &domain.Application{
		ID:              id,
		TeamID:          "team-1",
		ServerID:        "srv-1",
		GitRepository:   "acme/web",
		GitBranch:       "main",
		FQDN:            "https://web.example.com",
		PreviewsEnabled: previews,
	}
}

func TestValidSignature(t *testing.T) {
	payload := []byte(`{"repository":"acme/web"}`)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	if err := ValidSignature(payload, []byte("s3cret"), sig); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := ValidSignature(payload, []byte("s3cret"), "sha256="+sig); err != nil {
		t.Fatalf("expected prefixed signature to be accepted, got %v", err)
	}
	if err := ValidSignature(payload, []byte("other"), sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if err := ValidSignature(payload, []byte("s3cret"), ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
}

func TestHandlePushEnqueuesEveryTrackingApplication(t *testing.T) {
	svc, _, enq, _ := newService(t, app("app-1", false), app("app-2", false))
	enq.results = map[string]admission.Result{
		"app-2": {Status: admission.OutcomeQueueFull, Message: "Deployment queue is full. Please try again later."},
	}

	outcomes, err := svc.HandlePush(context.Background(), PushEvent{
		Repository:   "acme/web",
		Branch:       "main",
		Commit:       "abc123",
		ChangedFiles: []string{"src/main.go"},
	})
	if err != nil {
		t.Fatalf("HandlePush() error = %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if outcomes[0].Status != StatusSuccess || outcomes[0].DeploymentID != "dep-app-1" {
		t.Fatalf("first outcome = %+v", outcomes[0])
	}
	if outcomes[1].Status != StatusQueueFull || !AnyQueueFull(outcomes) {
		t.Fatalf("second outcome = %+v", outcomes[1])
	}
	req := enq.requests[0]
	if !req.IsWebhook || req.CommitRef != "abc123" || req.PullRequestID != 0 || len(req.ChangedFiles) != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestHandlePushOtherBranch(t *testing.T) {
	svc, _, enq, _ := newService(t, app("app-1", false))
	outcomes, err := svc.HandlePush(context.Background(), PushEvent{Repository: "acme/web", Branch: "dev"})
	if err != nil {
		t.Fatalf("HandlePush() error = %v", err)
	}
	if len(outcomes) != 0 || len(enq.requests) != 0 {
		t.Fatalf("expected no work for untracked branch")
	}
}

func TestMergeRequestOpenedRecordsPreview(t *testing.T) {
	svc, store, enq, _ := newService(t, app("app-1", true), app("app-2", false))

	outcomes, err := svc.HandleMergeRequest(context.Background(), MergeRequestEvent{
		Repository:     "acme/web",
		Branch:         "main",
		Action:         ActionOpened,
		PullRequestID:  7,
		PullRequestURL: "https://git.example.com/acme/web/pull/7",
		Commit:         "def456",
	})
	if err != nil {
		t.Fatalf("HandleMergeRequest() error = %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].ApplicationID != "app-1" {
		t.Fatalf("only preview-enabled applications deploy, got %+v", outcomes)
	}
	if enq.requests[0].PullRequestID != 7 {
		t.Fatalf("request = %+v", enq.requests[0])
	}
	env, err := store.GetPreview(context.Background(), "app-1", 7)
	if err != nil {
		t.Fatalf("GetPreview() error = %v", err)
	}
	if env.PreviewURL != "https://7.web.example.com" {
		t.Fatalf("preview url = %q", env.PreviewURL)
	}
}

func TestMergeRequestClosedCleansUp(t *testing.T) {
	svc, _, enq, cleaner := newService(t, app("app-1", true))
	outcomes, err := svc.HandleMergeRequest(context.Background(), MergeRequestEvent{
		Repository:    "acme/web",
		Branch:        "main",
		Action:        ActionClosed,
		PullRequestID: 7,
	})
	if err != nil {
		t.Fatalf("HandleMergeRequest() error = %v", err)
	}
	if len(cleaner.calls) != 1 || cleaner.calls[0] != (cleanupCall{"app-1", 7}) {
		t.Fatalf("cleanup calls = %+v", cleaner.calls)
	}
	if len(enq.requests) != 0 {
		t.Fatalf("closing must not enqueue")
	}
	if outcomes[0].Status != StatusSuccess {
		t.Fatalf("outcome = %+v", outcomes[0])
	}

	cleaner.result = preview.Result{Status: preview.StatusFailed, Message: preview.MessageServerNotFunctional}
	outcomes, _ = svc.HandleMergeRequestClosed(context.Background(), MergeRequestEvent{Repository: "acme/web", Branch: "main", PullRequestID: 7})
	if outcomes[0].Status != StatusFailed || outcomes[0].Message != preview.MessageServerNotFunctional {
		t.Fatalf("outcome = %+v", outcomes[0])
	}
}

func TestEnqueueErrorBecomesFailedOutcome(t *testing.T) {
	svc, _, enq, _ := newService(t, app("app-1", false))
	enq.err = errors.New("db down")
	outcomes, err := svc.HandlePush(context.Background(), PushEvent{Repository: "acme/web", Branch: "main"})
	if err != nil {
		t.Fatalf("HandlePush() error = %v", err)
	}
	if outcomes[0].Status != StatusFailed {
		t.Fatalf("outcome = %+v", outcomes[0])
	}
}

func TestPreviewURL(t *testing.T) {
	cases := []struct {
		template, fqdn string
		want           string
	}{
		{"{{pr_id}}.{{domain}}", "https://web.example.com", "https://12.web.example.com"},
		{"https://pr-{{pr_id}}.{{domain}}", "web.example.com", "https://pr-12.web.example.com"},
		{"{{pr_id}}.{{domain}}", "http://a.example.com,http://b.example.com", "http://12.a.example.com"},
		{"{{pr_id}}.{{domain}}", "", ""},
	}
	for _, tc := range cases {
		if got := PreviewURL(tc.template, tc.fqdn, 12); got != tc.want {
			t.Errorf("PreviewURL(%q, %q) = %q, want %q", tc.template, tc.fqdn, got, tc.want)
		}
	}
}
