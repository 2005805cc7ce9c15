// Package postgres keeps session credentials in PostgreSQL, one row per device profile.
// Useful for kiosks and shared lab machines where the portal runs as a service.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/campusportal/internal/apperrors"
	"github.com/nkiryanov/campusportal/internal/models"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Store struct {
	db      DBTX
	profile string
}

func New(db DBTX, profile string) *Store {
	if profile == "" {
		profile = "default"
	}
	return &Store{db: db, profile: profile}
}

const loadCredentials = `-- name: Load credentials of profile
SELECT access_token, refresh_token
FROM session_credentials
WHERE profile = $1
`

func (s *Store) Load(ctx context.Context) (models.CredentialPair, bool, error) {
	rows, _ := s.db.Query(ctx, loadCredentials, s.profile)
	pair, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) (models.CredentialPair, error) {
		var p models.CredentialPair
		err := row.Scan(&p.AccessToken, &p.RefreshToken)
		return p, err
	})

	switch {
	case err == nil:
		return pair, !pair.IsZero(), nil
	case errors.Is(err, pgx.ErrNoRows):
		return models.CredentialPair{}, false, nil
	default:
		return models.CredentialPair{}, false, storageError("load", err)
	}
}

const saveCredentials = `-- name: Save credentials of profile
INSERT INTO session_credentials (profile, access_token, refresh_token, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (profile) DO UPDATE
SET access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    updated_at = EXCLUDED.updated_at
`

// Save upserts both tokens in a single statement
func (s *Store) Save(ctx context.Context, pair models.CredentialPair) error {
	if pair.IsZero() {
		return apperrors.NewStorageError("save", errors.New("access token must not be empty"))
	}

	_, err := s.db.Exec(ctx, saveCredentials, s.profile, pair.AccessToken, pair.RefreshToken)
	if err != nil {
		return storageError("save", err)
	}
	return nil
}

const clearCredentials = `-- name: Clear credentials of profile
DELETE FROM session_credentials
WHERE profile = $1
`

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.Exec(ctx, clearCredentials, s.profile)
	if err != nil {
		return storageError("clear", err)
	}
	return nil
}

func storageError(op string, err error) *apperrors.StorageError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return apperrors.NewStorageError(op, fmt.Errorf("%w: %s", apperrors.ErrStoreNotMigrated, pgErr.Message))
	}
	return apperrors.NewStorageError(op, fmt.Errorf("db error: %w", err))
}
