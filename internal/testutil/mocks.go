// Package testutil provides in-memory fakes shared by the package tests.
// The account store fake is safe for concurrent use so several coordinator
// instances can share one store, simulating a cluster in a single test
// process.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/store"
	"tokenkeeper/internal/upstream"
)

// MemoryAccountStore implements store.AccountStore on a mutex-guarded map.
type MemoryAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*store.Account

	// GetCalls counts GetAccount invocations across all goroutines
	GetCalls int
}

// NewMemoryAccountStore creates an empty store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		accounts: make(map[string]*store.Account),
	}
}

func (m *MemoryAccountStore) CreateAccount(ctx context.Context, account *store.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[account.ID]; exists {
		return errors.InternalError(fmt.Sprintf("account %s already exists", account.ID), nil)
	}

	clone := *account
	if clone.RefreshAt.IsZero() {
		clone.RefreshAt = clone.Expiry
	}
	now := time.Now()
	clone.CreatedAt = now
	clone.UpdatedAt = now
	m.accounts[account.ID] = &clone
	return nil
}

func (m *MemoryAccountStore) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetCalls++
	account, ok := m.accounts[id]
	if !ok {
		return nil, errors.NotFoundError(fmt.Sprintf("account %s", id))
	}
	clone := *account
	return &clone, nil
}

func (m *MemoryAccountStore) SaveTokens(ctx context.Context, id, encAccess, encRefresh string, expiry, refreshAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return errors.NotFoundError(fmt.Sprintf("account %s", id))
	}
	account.EncryptedAccessToken = encAccess
	account.EncryptedRefreshToken = encRefresh
	account.Expiry = expiry
	account.RefreshAt = refreshAt
	account.ErrorMessage = ""
	account.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryAccountStore) Deactivate(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return errors.NotFoundError(fmt.Sprintf("account %s", id))
	}
	account.Active = false
	account.ErrorMessage = reason
	account.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryAccountStore) Reactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return errors.NotFoundError(fmt.Sprintf("account %s", id))
	}
	account.Active = true
	account.ErrorMessage = ""
	account.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryAccountStore) ListRefreshable(ctx context.Context, before time.Time, limit int) ([]*store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*store.Account
	for _, account := range m.accounts {
		if account.Active && !account.RefreshAt.After(before) {
			clone := *account
			result = append(result, &clone)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryAccountStore) Close() error {
	return nil
}

// MockRefreshClient is a counting upstream token endpoint fake. Responses
// are dequeued in order; when the queue is empty, RefreshFunc (if set) or
// the last queued response answers.
type MockRefreshClient struct {
	mu        sync.Mutex
	responses []refreshResponse

	// RefreshFunc, when set, answers calls after the queue is drained
	RefreshFunc func(ctx context.Context, refreshToken string) (*upstream.TokenPair, error)

	calls      int
	lastTokens []string
}

type refreshResponse struct {
	pair *upstream.TokenPair
	err  error
}

// QueueSuccess enqueues a successful refresh producing the given pair.
func (m *MockRefreshClient) QueueSuccess(accessToken, refreshToken string, expiry time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, refreshResponse{
		pair: &upstream.TokenPair{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			Expiry:       expiry,
		},
	})
}

// QueueError enqueues a failing refresh.
func (m *MockRefreshClient) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, refreshResponse{err: err})
}

func (m *MockRefreshClient) Refresh(ctx context.Context, refreshToken string) (*upstream.TokenPair, error) {
	m.mu.Lock()
	m.calls++
	m.lastTokens = append(m.lastTokens, refreshToken)

	if len(m.responses) > 0 {
		resp := m.responses[0]
		if len(m.responses) > 1 {
			m.responses = m.responses[1:]
		}
		m.mu.Unlock()
		return resp.pair, resp.err
	}

	fn := m.RefreshFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, refreshToken)
	}
	return nil, errors.InternalError("no refresh response configured", nil)
}

// Calls returns how many times Refresh was invoked.
func (m *MockRefreshClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// RefreshTokensSeen returns the refresh tokens passed to Refresh, in order.
func (m *MockRefreshClient) RefreshTokensSeen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lastTokens...)
}
