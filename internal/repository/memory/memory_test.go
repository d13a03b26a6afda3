package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

func newDeployment(id, team, target string, pr int, at time.Time) *domain.Deployment {
	return &domain.Deployment{
		ID:            id,
		TeamID:        team,
		TargetKind:    domain.KindApplication,
		TargetID:      target,
		PullRequestID: pr,
		CreatedAt:     at,
	}
}

func TestAdmitDeploymentEnforcesLimitAndDuplicates(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.AdmitDeployment(ctx, newDeployment("d1", "team", "app-a", 0, now), repository.AdmitOptions{Limit: 2}); err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
	_, err := store.AdmitDeployment(ctx, newDeployment("d2", "team", "app-a", 0, now), repository.AdmitOptions{Limit: 2})
	if !errors.Is(err, repository.ErrDuplicateInFlight) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := store.AdmitDeployment(ctx, newDeployment("d3", "team", "app-a", 7, now), repository.AdmitOptions{Limit: 2}); err != nil {
		t.Fatalf("preview admit failed: %v", err)
	}
	_, err = store.AdmitDeployment(ctx, newDeployment("d4", "team", "app-b", 0, now), repository.AdmitOptions{Limit: 2})
	if !errors.Is(err, repository.ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if _, err := store.GetDeployment(ctx, "d4"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("rejected deployment must not be stored")
	}
	if _, err := store.AdmitDeployment(ctx, newDeployment("d5", "other", "app-c", 0, now), repository.AdmitOptions{Limit: 2}); err != nil {
		t.Fatalf("other team should not be limited: %v", err)
	}
}

func TestAdmitDeploymentForceRebuildSupersedes(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if _, err := store.AdmitDeployment(ctx, newDeployment("d1", "team", "app", 0, now), repository.AdmitOptions{}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := store.ClaimDeployment(ctx, "d1", now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	line := domain.NewLogLine(now, "superseded")
	res, err := store.AdmitDeployment(ctx, newDeployment("d2", "team", "app", 0, now.Add(time.Second)), repository.AdmitOptions{ForceRebuild: true, CancelLine: line})
	if err != nil {
		t.Fatalf("forced admit: %v", err)
	}
	if len(res.Superseded) != 1 || res.Superseded[0] != "d1" {
		t.Fatalf("unexpected superseded list %v", res.Superseded)
	}
	old, _ := store.GetDeployment(ctx, "d1")
	if old.Status != domain.DeploymentCancelledByUser || len(old.Logs) != 1 {
		t.Fatalf("expected superseded deployment cancelled with log, got %+v", old)
	}
	inFlight, _ := store.ListInFlightDeployments(ctx, "app", 0)
	if len(inFlight) != 1 || inFlight[0].ID != "d2" {
		t.Fatalf("expected only d2 in flight, got %+v", inFlight)
	}
}

func TestFinishDeploymentRespectsCancellation(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()
	store.PutDeployment(domain.Deployment{ID: "d1", Status: domain.DeploymentQueued, CreatedAt: now})

	if err := store.FinishDeployment(ctx, "d1", domain.DeploymentFinished, now); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("finishing a queued deployment must conflict, got %v", err)
	}
	if _, err := store.ClaimDeployment(ctx, "d1", now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.ClaimDeployment(ctx, "d1", now); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("double claim must conflict, got %v", err)
	}
	applied, err := store.CancelDeployment(ctx, "d1", domain.NewLogLine(now, "cancelled"), now)
	if err != nil || !applied {
		t.Fatalf("cancel: applied=%v err=%v", applied, err)
	}
	if err := store.FinishDeployment(ctx, "d1", domain.DeploymentFinished, now); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("finish after cancel must conflict, got %v", err)
	}
	applied, err = store.CancelDeployment(ctx, "d1", domain.NewLogLine(now, "cancelled"), now)
	if err != nil || applied {
		t.Fatalf("second cancel should be a no-op: applied=%v err=%v", applied, err)
	}
}

func TestUpdateTargetStatusUsesServerSlot(t *testing.T) {
	store := New()
	ctx := context.Background()
	store.PutTarget(&domain.Application{
		ID:                "app",
		ServerID:          "s1",
		AdditionalServers: []domain.ServerStatus{{ServerID: "s2"}},
	})
	ref := domain.TargetRef{Kind: domain.KindApplication, ID: "app"}
	if err := store.UpdateTargetStatus(ctx, ref, "s2", domain.StatusRunning); err != nil {
		t.Fatalf("update: %v", err)
	}
	target, err := store.GetTarget(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if target.StatusOn("s1") != "" || target.StatusOn("s2") != domain.StatusRunning {
		t.Fatalf("unexpected slots s1=%q s2=%q", target.StatusOn("s1"), target.StatusOn("s2"))
	}
}
