package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

const applicationColumns = `id, name, team_id, server_id, status, build_pack, git_repository, git_branch,
	base_directory, dockerfile_location, compose_location, compose_raw, docker_image, ports_exposes, fqdn,
	watch_paths, previews_enabled, created_at`

const databaseColumns = `id, name, team_id, server_id, status, image, volume_path, env, created_at`

const serviceColumns = `id, name, team_id, server_id, status, compose_raw, created_at`

// GetTarget loads a deployable by kind and id.
func (r *Repository) GetTarget(ctx context.Context, ref domain.TargetRef) (domain.Deployable, error) {
	switch ref.Kind {
	case domain.KindApplication:
		app, err := scanApplication(r.pool.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, ref.ID))
		if err != nil {
			return nil, mapError(err)
		}
		if err := r.loadAdditionalServers(ctx, []*domain.Application{app}); err != nil {
			return nil, err
		}
		return app, nil
	case domain.KindDatabase:
		db, err := scanDatabase(r.pool.QueryRow(ctx, `SELECT `+databaseColumns+` FROM databases WHERE id = $1`, ref.ID))
		if err != nil {
			return nil, mapError(err)
		}
		return db, nil
	case domain.KindService:
		svc, err := scanService(r.pool.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, ref.ID))
		if err != nil {
			return nil, mapError(err)
		}
		return svc, nil
	}
	return nil, fmt.Errorf("unknown target kind %q", ref.Kind)
}

// ListTargets returns every deployable, ordered by reference.
func (r *Repository) ListTargets(ctx context.Context) ([]domain.Deployable, error) {
	apps, err := r.queryApplications(ctx, `SELECT `+applicationColumns+` FROM applications`)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Deployable, 0, len(apps))
	for _, app := range apps {
		out = append(out, app)
	}

	rows, err := r.pool.Query(ctx, `SELECT `+databaseColumns+` FROM databases`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		db, err := scanDatabase(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, db)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.pool.Query(ctx, `SELECT `+serviceColumns+` FROM services`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, svc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Ref().String() < out[j].Ref().String()
	})
	return out, nil
}

// ListApplicationsByRepository finds applications tracking a repository branch.
func (r *Repository) ListApplicationsByRepository(ctx context.Context, repo, branch string) ([]*domain.Application, error) {
	const query = `SELECT ` + applicationColumns + ` FROM applications
		WHERE git_repository = $1 AND git_branch = $2 ORDER BY id`
	return r.queryApplications(ctx, query, repo, branch)
}

// UpdateTargetStatus writes status into the slot for serverID.
func (r *Repository) UpdateTargetStatus(ctx context.Context, ref domain.TargetRef, serverID string, status domain.ResourceStatus) error {
	var table string
	switch ref.Kind {
	case domain.KindApplication:
		table = "applications"
	case domain.KindDatabase:
		table = "databases"
	case domain.KindService:
		table = "services"
	default:
		return fmt.Errorf("unknown target kind %q", ref.Kind)
	}
	tag, err := r.pool.Exec(ctx, `UPDATE `+table+` SET status = $3 WHERE id = $1 AND server_id = $2`, ref.ID, serverID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if ref.Kind != domain.KindApplication {
		return repository.ErrNotFound
	}
	const additional = `UPDATE application_servers SET status = $3 WHERE application_id = $1 AND server_id = $2`
	tag, err = r.pool.Exec(ctx, additional, ref.ID, serverID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) queryApplications(ctx context.Context, query string, args ...any) ([]*domain.Application, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var apps []*domain.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		apps = append(apps, app)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadAdditionalServers(ctx, apps); err != nil {
		return nil, err
	}
	return apps, nil
}

func (r *Repository) loadAdditionalServers(ctx context.Context, apps []*domain.Application) error {
	if len(apps) == 0 {
		return nil
	}
	byID := make(map[string]*domain.Application, len(apps))
	ids := make([]string, 0, len(apps))
	for _, app := range apps {
		byID[app.ID] = app
		ids = append(ids, app.ID)
	}
	const query = `SELECT application_id, server_id, status FROM application_servers
		WHERE application_id = ANY($1) ORDER BY application_id, server_id`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			appID string
			slot  domain.ServerStatus
		)
		if err := rows.Scan(&appID, &slot.ServerID, &slot.Status); err != nil {
			return err
		}
		if app := byID[appID]; app != nil {
			app.AdditionalServers = append(app.AdditionalServers, slot)
		}
	}
	return rows.Err()
}

func scanApplication(row pgx.Row) (*domain.Application, error) {
	var app domain.Application
	if err := row.Scan(
		&app.ID,
		&app.Name,
		&app.TeamID,
		&app.ServerID,
		&app.Status,
		&app.BuildPack,
		&app.GitRepository,
		&app.GitBranch,
		&app.BaseDirectory,
		&app.DockerfileLocation,
		&app.ComposeLocation,
		&app.ComposeRaw,
		&app.DockerImage,
		&app.PortsExposes,
		&app.FQDN,
		&app.WatchPaths,
		&app.PreviewsEnabled,
		&app.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &app, nil
}

func scanDatabase(row pgx.Row) (*domain.Database, error) {
	var (
		db  domain.Database
		env []byte
	)
	if err := row.Scan(&db.ID, &db.Name, &db.TeamID, &db.ServerID, &db.Status, &db.Image, &db.VolumePath, &env, &db.CreatedAt); err != nil {
		return nil, err
	}
	if len(env) > 0 {
		if err := json.Unmarshal(env, &db.Env); err != nil {
			return nil, fmt.Errorf("decode database env: %w", err)
		}
	}
	return &db, nil
}

func scanService(row pgx.Row) (*domain.Service, error) {
	var svc domain.Service
	if err := row.Scan(&svc.ID, &svc.Name, &svc.TeamID, &svc.ServerID, &svc.Status, &svc.ComposeRaw, &svc.CreatedAt); err != nil {
		return nil, err
	}
	return &svc, nil
}
