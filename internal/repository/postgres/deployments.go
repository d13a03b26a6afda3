package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

const deploymentColumns = `id, target_kind, target_id, server_id, team_id, pull_request_id, commit_ref, status, logs,
	restart_only, force_rebuild, is_webhook, created_at, started_at, finished_at, updated_at`

const inFlight = `('queued', 'in_progress')`

// AdmitDeployment serialises admission per team with a transaction scoped
// advisory lock. The partial unique index on (target_id, pull_request_id)
// backs up the duplicate check.
func (r *Repository) AdmitDeployment(ctx context.Context, deployment *domain.Deployment, opts repository.AdmitOptions) (repository.AdmitResult, error) {
	var result repository.AdmitResult
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return result, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "deployments:team:"+deployment.TeamID); err != nil {
		return result, err
	}

	if opts.Limit > 0 {
		var count int
		const countQuery = `SELECT COUNT(1) FROM deployments WHERE team_id = $1 AND status IN ` + inFlight
		if err := tx.QueryRow(ctx, countQuery, deployment.TeamID).Scan(&count); err != nil {
			return result, err
		}
		if count >= opts.Limit {
			return result, repository.ErrQueueFull
		}
	}

	const dupQuery = `SELECT id FROM deployments
		WHERE target_id = $1 AND pull_request_id = $2 AND status IN ` + inFlight + `
		ORDER BY created_at FOR UPDATE`
	rows, err := tx.Query(ctx, dupQuery, deployment.TargetID, deployment.PullRequestID)
	if err != nil {
		return result, err
	}
	var existing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return result, err
		}
		existing = append(existing, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, err
	}

	if len(existing) > 0 {
		if !opts.ForceRebuild {
			return result, repository.ErrDuplicateInFlight
		}
		var lines []domain.LogLine
		if opts.CancelLine.Text != "" {
			lines = []domain.LogLine{opts.CancelLine}
		}
		payload, err := encodeLogs(lines)
		if err != nil {
			return result, err
		}
		const cancelQuery = `UPDATE deployments
			SET status = 'cancelled-by-user', finished_at = $2, updated_at = $2, logs = logs || $3::jsonb
			WHERE id = ANY($1)`
		if _, err := tx.Exec(ctx, cancelQuery, existing, deployment.CreatedAt.UTC(), payload); err != nil {
			return result, err
		}
		result.Superseded = existing
	}

	logs, err := encodeLogs(deployment.Logs)
	if err != nil {
		return result, err
	}
	const insert = `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued', $8, $9, $10, $11, $12, NULL, NULL, $12)`
	if _, err := tx.Exec(ctx, insert,
		deployment.ID,
		deployment.TargetKind,
		deployment.TargetID,
		deployment.ServerID,
		deployment.TeamID,
		deployment.PullRequestID,
		deployment.CommitRef,
		logs,
		deployment.RestartOnly,
		deployment.ForceRebuild,
		deployment.IsWebhook,
		deployment.CreatedAt.UTC(),
	); err != nil {
		return result, mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return result, mapError(err)
	}
	deployment.Status = domain.DeploymentQueued
	return result, nil
}

// GetDeployment fetches a deployment by identifier.
func (r *Repository) GetDeployment(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, deploymentID)
	d, err := scanDeployment(row)
	if err != nil {
		return nil, mapError(err)
	}
	return d, nil
}

// GetDeploymentStatus reads only the status column.
func (r *Repository) GetDeploymentStatus(ctx context.Context, deploymentID string) (domain.DeploymentStatus, error) {
	var status domain.DeploymentStatus
	if err := r.pool.QueryRow(ctx, `SELECT status FROM deployments WHERE id = $1`, deploymentID).Scan(&status); err != nil {
		return "", mapError(err)
	}
	return status, nil
}

// ClaimDeployment transitions queued to in_progress.
func (r *Repository) ClaimDeployment(ctx context.Context, deploymentID string, at time.Time) (*domain.Deployment, error) {
	const query = `UPDATE deployments
		SET status = 'in_progress', started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'queued'
		RETURNING ` + deploymentColumns
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID, at.UTC()))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, err := r.GetDeploymentStatus(ctx, deploymentID); err != nil {
		return nil, err
	}
	return nil, repository.ErrConflict
}

// AppendDeploymentLogs appends lines to the jsonb log buffer.
func (r *Repository) AppendDeploymentLogs(ctx context.Context, deploymentID string, lines []domain.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	payload, err := encodeLogs(lines)
	if err != nil {
		return err
	}
	const query = `UPDATE deployments SET logs = logs || $2::jsonb, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// FinishDeployment records a terminal status while the deployment is still in_progress.
func (r *Repository) FinishDeployment(ctx context.Context, deploymentID string, status domain.DeploymentStatus, at time.Time) error {
	const query = `UPDATE deployments
		SET status = $2, finished_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'in_progress'`
	tag, err := r.pool.Exec(ctx, query, deploymentID, status, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetDeploymentStatus(ctx, deploymentID); err != nil {
			return err
		}
		return repository.ErrConflict
	}
	return nil
}

// CancelDeployment marks an in-flight deployment cancelled-by-user.
func (r *Repository) CancelDeployment(ctx context.Context, deploymentID string, line domain.LogLine, at time.Time) (bool, error) {
	var lines []domain.LogLine
	if line.Text != "" {
		lines = []domain.LogLine{line}
	}
	payload, err := encodeLogs(lines)
	if err != nil {
		return false, err
	}
	const query = `UPDATE deployments
		SET status = 'cancelled-by-user', finished_at = $2, updated_at = $2, logs = logs || $3::jsonb
		WHERE id = $1 AND status IN ` + inFlight
	tag, err := r.pool.Exec(ctx, query, deploymentID, at.UTC(), payload)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetDeploymentStatus(ctx, deploymentID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ListInFlightDeployments returns queued and in_progress deployments for a target and pull request.
func (r *Repository) ListInFlightDeployments(ctx context.Context, targetID string, pullRequestID int) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE target_id = $1 AND pull_request_id = $2 AND status IN ` + inFlight + ` ORDER BY created_at`
	return r.queryDeployments(ctx, query, targetID, pullRequestID)
}

// ListDeploymentsByStatus returns deployments in the given status, oldest first.
func (r *Repository) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE status = $1 ORDER BY created_at`
	return r.queryDeployments(ctx, query, status)
}

// ListDeploymentsWithStatusUpdatedBefore finds deployments with a matching status updated before the cutoff.
func (r *Repository) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, status domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE status = $1 AND updated_at < $2 ORDER BY created_at`
	return r.queryDeployments(ctx, query, status, updatedBefore.UTC())
}

func (r *Repository) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d          domain.Deployment
		logs       []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&d.ID,
		&d.TargetKind,
		&d.TargetID,
		&d.ServerID,
		&d.TeamID,
		&d.PullRequestID,
		&d.CommitRef,
		&d.Status,
		&logs,
		&d.RestartOnly,
		&d.ForceRebuild,
		&d.IsWebhook,
		&d.CreatedAt,
		&startedAt,
		&finishedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	lines, err := decodeLogs(logs)
	if err != nil {
		return nil, err
	}
	d.Logs = lines
	if startedAt.Valid {
		value := startedAt.Time
		d.StartedAt = &value
	}
	if finishedAt.Valid {
		value := finishedAt.Time
		d.FinishedAt = &value
	}
	return &d, nil
}
