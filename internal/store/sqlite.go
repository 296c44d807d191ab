package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tokenkeeper/internal/common/errors"
)

// SQLiteStore implements AccountStore on a local SQLite database. Suitable
// for single-node deployments and tests; clusters should use Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the SQLite database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		expiry TIMESTAMP NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		error_message TEXT NOT NULL DEFAULT '',
		refresh_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.db.Exec(query); err != nil {
		return err
	}

	index := `CREATE INDEX IF NOT EXISTS idx_accounts_refresh_at
		ON accounts(active, refresh_at)`
	_, err := s.db.Exec(index)
	return err
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, account *Account) error {
	refreshAt := account.RefreshAt
	if refreshAt.IsZero() {
		refreshAt = account.Expiry
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, tenant_id, access_token, refresh_token, expiry, active, error_message, refresh_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, account.TenantID, account.EncryptedAccessToken, account.EncryptedRefreshToken,
		account.Expiry, account.Active, account.ErrorMessage, refreshAt)
	if err != nil {
		return errors.InternalError("failed to create account", err)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, access_token, refresh_token, expiry, active, error_message, refresh_at, created_at, updated_at
		 FROM accounts WHERE id = ?`, id)

	account := &Account{}
	err := row.Scan(&account.ID, &account.TenantID, &account.EncryptedAccessToken,
		&account.EncryptedRefreshToken, &account.Expiry, &account.Active,
		&account.ErrorMessage, &account.RefreshAt, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError(fmt.Sprintf("account %s", id))
	}
	if err != nil {
		return nil, errors.InternalError("failed to load account", err)
	}
	return account, nil
}

func (s *SQLiteStore) SaveTokens(ctx context.Context, id, encAccess, encRefresh string, expiry, refreshAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts
		 SET access_token = ?, refresh_token = ?, expiry = ?, refresh_at = ?,
		     error_message = '', updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		encAccess, encRefresh, expiry, refreshAt, id)
	if err != nil {
		return errors.InternalError("failed to save tokens", err)
	}
	return requireRowAffected(result, id)
}

func (s *SQLiteStore) Deactivate(ctx context.Context, id, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts
		 SET active = 0, error_message = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		reason, id)
	if err != nil {
		return errors.InternalError("failed to deactivate account", err)
	}
	return requireRowAffected(result, id)
}

func (s *SQLiteStore) Reactivate(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts
		 SET active = 1, error_message = '', updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		id)
	if err != nil {
		return errors.InternalError("failed to reactivate account", err)
	}
	return requireRowAffected(result, id)
}

func (s *SQLiteStore) ListRefreshable(ctx context.Context, before time.Time, limit int) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, access_token, refresh_token, expiry, active, error_message, refresh_at, created_at, updated_at
		 FROM accounts
		 WHERE active = 1 AND refresh_at <= ?
		 ORDER BY refresh_at ASC
		 LIMIT ?`,
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireRowAffected(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.InternalError("failed to read update result", err)
	}
	if affected == 0 {
		return errors.NotFoundError(fmt.Sprintf("account %s", id))
	}
	return nil
}
