package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokenkeeper/internal/common/errors"
)

// PostgresStore implements AccountStore on PostgreSQL via pgx. This is the
// backend for clustered deployments: every worker shares one database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	SSLMode  string
}

// NewPostgresStore connects to PostgreSQL and migrates the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		expiry TIMESTAMPTZ NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		error_message TEXT NOT NULL DEFAULT '',
		refresh_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return err
	}

	index := `CREATE INDEX IF NOT EXISTS idx_accounts_refresh_at
		ON accounts(active, refresh_at)`
	_, err := s.pool.Exec(ctx, index)
	return err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account *Account) error {
	refreshAt := account.RefreshAt
	if refreshAt.IsZero() {
		refreshAt = account.Expiry
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, tenant_id, access_token, refresh_token, expiry, active, error_message, refresh_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		account.ID, account.TenantID, account.EncryptedAccessToken, account.EncryptedRefreshToken,
		account.Expiry, account.Active, account.ErrorMessage, refreshAt)
	if err != nil {
		return errors.InternalError("failed to create account", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, access_token, refresh_token, expiry, active, error_message, refresh_at, created_at, updated_at
		 FROM accounts WHERE id = $1`, id)

	account := &Account{}
	err := row.Scan(&account.ID, &account.TenantID, &account.EncryptedAccessToken,
		&account.EncryptedRefreshToken, &account.Expiry, &account.Active,
		&account.ErrorMessage, &account.RefreshAt, &account.CreatedAt, &account.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFoundError(fmt.Sprintf("account %s", id))
	}
	if err != nil {
		return nil, errors.InternalError("failed to load account", err)
	}
	return account, nil
}

func (s *PostgresStore) SaveTokens(ctx context.Context, id, encAccess, encRefresh string, expiry, refreshAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET access_token = $1, refresh_token = $2, expiry = $3, refresh_at = $4,
		     error_message = '', updated_at = NOW()
		 WHERE id = $5`,
		encAccess, encRefresh, expiry, refreshAt, id)
	if err != nil {
		return errors.InternalError("failed to save tokens", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundError(fmt.Sprintf("account %s", id))
	}
	return nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET active = FALSE, error_message = $1, updated_at = NOW()
		 WHERE id = $2`,
		reason, id)
	if err != nil {
		return errors.InternalError("failed to deactivate account", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundError(fmt.Sprintf("account %s", id))
	}
	return nil
}

func (s *PostgresStore) Reactivate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET active = TRUE, error_message = '', updated_at = NOW()
		 WHERE id = $1`,
		id)
	if err != nil {
		return errors.InternalError("failed to reactivate account", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundError(fmt.Sprintf("account %s", id))
	}
	return nil
}

func (s *PostgresStore) ListRefreshable(ctx context.Context, before time.Time, limit int) ([]*Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, access_token, refresh_token, expiry, active, error_message, refresh_at, created_at, updated_at
		 FROM accounts
		 WHERE active = TRUE AND refresh_at <= $1
		 ORDER BY refresh_at ASC
		 LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, errors.InternalError("failed to list refreshable accounts", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account := &Account{}
		err := rows.Scan(&account.ID, &account.TenantID, &account.EncryptedAccessToken,
			&account.EncryptedRefreshToken, &account.Expiry, &account.Active,
			&account.ErrorMessage, &account.RefreshAt, &account.CreatedAt, &account.UpdatedAt)
		if err != nil {
			return nil, errors.InternalError("failed to scan account", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
