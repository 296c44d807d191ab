// Package store provides the durable account credential store. One record
// exists per external account; token material is stored only in encrypted
// form. All updates are single-statement conditional writes so two processes
// never lose each other's updates.
package store

import (
	"context"
	"time"
)

// Account is the credential record for one external account.
type Account struct {
	ID                    string    `json:"id"`
	TenantID              string    `json:"tenant_id"`
	EncryptedAccessToken  string    `json:"-"`
	EncryptedRefreshToken string    `json:"-"`
	Expiry                time.Time `json:"expiry"`
	Active                bool      `json:"active"`
	ErrorMessage          string    `json:"error_message,omitempty"`
	RefreshAt             time.Time `json:"refresh_at"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// AccountStore is the durable store consumed by the refresh coordinator.
type AccountStore interface {
	// CreateAccount inserts a new credential record.
	CreateAccount(ctx context.Context, account *Account) error

	// GetAccount returns the record for id, or a not_found error.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// SaveTokens persists a successful refresh: new encrypted token pair, new
	// expiry, and the next proactive refresh time. Clears any error message.
	SaveTokens(ctx context.Context, id, encAccess, encRefresh string, expiry, refreshAt time.Time) error

	// Deactivate marks the account inactive with the failure reason. The
	// account is excluded from scheduling until reactivated.
	Deactivate(ctx context.Context, id, reason string) error

	// Reactivate clears the inactive flag and error message after the tenant
	// re-authorizes.
	Reactivate(ctx context.Context, id string) error

	// ListRefreshable returns active accounts whose refresh_at is at or
	// before the given time, earliest first, up to limit.
	ListRefreshable(ctx context.Context, before time.Time, limit int) ([]*Account, error)

	// Close releases the underlying connections.
	Close() error
}
