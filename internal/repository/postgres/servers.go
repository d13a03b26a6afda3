package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

const serverColumns = `id, name, team_id, ip, port, ssh_user, private_key, is_swarm_manager, is_local,
	reachable, usable, force_disabled, proxy_type, created_at`

// GetServer loads a server.
func (r *Repository) GetServer(ctx context.Context, serverID string) (*domain.Server, error) {
	server, err := scanServer(r.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, serverID))
	if err != nil {
		return nil, mapError(err)
	}
	return server, nil
}

// ListServers returns every server.
func (r *Repository) ListServers(ctx context.Context) ([]domain.Server, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := make([]domain.Server, 0)
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *server)
	}
	return servers, rows.Err()
}

func scanServer(row pgx.Row) (*domain.Server, error) {
	var s domain.Server
	if err := row.Scan(
		&s.ID,
		&s.Name,
		&s.TeamID,
		&s.IP,
		&s.Port,
		&s.User,
		&s.PrivateKey,
		&s.IsSwarmManager,
		&s.IsLocal,
		&s.Reachable,
		&s.Usable,
		&s.ForceDisabled,
		&s.ProxyType,
		&s.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetPreview loads the preview environment of a pull request.
func (r *Repository) GetPreview(ctx context.Context, applicationID string, pullRequestID int) (*domain.PreviewEnvironment, error) {
	const query = `SELECT application_id, pull_request_id, pull_request_url, preview_url, status, created_at
		FROM preview_environments WHERE application_id = $1 AND pull_request_id = $2`
	var p domain.PreviewEnvironment
	err := r.pool.QueryRow(ctx, query, applicationID, pullRequestID).Scan(
		&p.ApplicationID,
		&p.PullRequestID,
		&p.PullRequestURL,
		&p.PreviewURL,
		&p.Status,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

// UpsertPreview creates or refreshes a preview environment, keeping its creation time.
func (r *Repository) UpsertPreview(ctx context.Context, preview *domain.PreviewEnvironment) error {
	const query = `INSERT INTO preview_environments (application_id, pull_request_id, pull_request_url, preview_url, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (application_id, pull_request_id) DO UPDATE
		SET pull_request_url = EXCLUDED.pull_request_url, preview_url = EXCLUDED.preview_url
		RETURNING created_at`
	return r.pool.QueryRow(ctx, query,
		preview.ApplicationID,
		preview.PullRequestID,
		preview.PullRequestURL,
		preview.PreviewURL,
		preview.Status,
	).Scan(&preview.CreatedAt)
}

// DeletePreview removes the preview record.
func (r *Repository) DeletePreview(ctx context.Context, applicationID string, pullRequestID int) error {
	const query = `DELETE FROM preview_environments WHERE application_id = $1 AND pull_request_id = $2`
	tag, err := r.pool.Exec(ctx, query, applicationID, pullRequestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetProxyState returns the proxy singleton, defaulting to stopped for servers without one.
func (r *Repository) GetProxyState(ctx context.Context, serverID string) (*domain.ProxyState, error) {
	const query = `SELECT s.id, COALESCE(p.type, s.proxy_type), COALESCE(p.status, 'stopped'),
			COALESCE(p.force_stop, FALSE), COALESCE(p.version, ''), COALESCE(p.updated_at, s.created_at)
		FROM servers s LEFT JOIN proxy_states p ON p.server_id = s.id
		WHERE s.id = $1`
	var state domain.ProxyState
	err := r.pool.QueryRow(ctx, query, serverID).Scan(
		&state.ServerID,
		&state.Type,
		&state.Status,
		&state.ForceStop,
		&state.Version,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &state, nil
}

// SaveProxyState upserts the proxy singleton.
func (r *Repository) SaveProxyState(ctx context.Context, state *domain.ProxyState) error {
	const query = `INSERT INTO proxy_states (server_id, type, status, force_stop, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (server_id) DO UPDATE
		SET type = EXCLUDED.type, status = EXCLUDED.status, force_stop = EXCLUDED.force_stop,
			version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		RETURNING updated_at`
	err := r.pool.QueryRow(ctx, query,
		state.ServerID,
		state.Type,
		state.Status,
		state.ForceStop,
		state.Version,
	).Scan(&state.UpdatedAt)
	return mapError(err)
}
