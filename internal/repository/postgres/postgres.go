package postgres

import (
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.TargetRepository     = (*Repository)(nil)
	_ repository.ServerRepository     = (*Repository)(nil)
	_ repository.PreviewRepository    = (*Repository)(nil)
	_ repository.ProxyRepository      = (*Repository)(nil)
	_ repository.Store                = (*Repository)(nil)
)

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrDuplicateInFlight
		case "23503":
			return repository.ErrNotFound
		}
	}
	return err
}

func encodeLogs(lines []domain.LogLine) ([]byte, error) {
	if lines == nil {
		lines = []domain.LogLine{}
	}
	return json.Marshal(lines)
}

func decodeLogs(raw []byte) ([]domain.LogLine, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var lines []domain.LogLine
	if err := json.Unmarshal(raw, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}
