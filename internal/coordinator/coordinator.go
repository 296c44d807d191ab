// Package coordinator orchestrates token refreshes across the cluster. It
// owns the decision of when a refresh happens and guarantees at most one
// refresh per account at any time: a distributed lock serializes refreshes
// across processes, and an in-flight map de-duplicates callers within one
// process. Callers only ever see GetValidToken; the locking, caching, and
// scheduling stay internal.
package coordinator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tokenkeeper/internal/cache"
	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/common/logging"
	"tokenkeeper/internal/crypto"
	"tokenkeeper/internal/executor"
	"tokenkeeper/internal/locks"
	"tokenkeeper/internal/redis"
	"tokenkeeper/internal/store"
	"tokenkeeper/internal/upstream"
)

// peerPollInterval is how often a process waiting on another process's
// refresh re-reads the credential record.
const peerPollInterval = 500 * time.Millisecond

// RefreshClient exchanges a refresh token for a new token pair.
type RefreshClient interface {
	Refresh(ctx context.Context, refreshToken string) (*upstream.TokenPair, error)
}

// Config tunes refresh coordination.
type Config struct {
	// SafetyMargin is how long before expiry a token is considered due
	SafetyMargin time.Duration
	// LockTTL bounds how long a crashed process can hold a refresh lock
	LockTTL time.Duration
	// PeerWait bounds how long a caller waits for another process's refresh
	PeerWait time.Duration
	// SweepInterval is the proactive sweep cycle period
	SweepInterval time.Duration
	// SweepBatchSize caps accounts refreshed per sweep cycle
	SweepBatchSize int
}

// Dependencies are the collaborators a Coordinator is built from.
type Dependencies struct {
	Store    store.AccountStore
	Cache    *cache.Cache
	Cipher   *crypto.TokenCipher
	Locker   locks.Locker
	Executor *executor.Executor
	Upstream RefreshClient
	Redis    *redis.Client
}

type inflightRefresh struct {
	done  chan struct{}
	token string
	err   error
}

// Coordinator is the per-process refresh orchestrator. All state is owned by
// the instance so tests can run several side by side against one shared
// store, simulating a cluster.
type Coordinator struct {
	deps       Dependencies
	config     Config
	instanceID string
	logger     logging.Logger

	mu       sync.Mutex
	inflight map[string]*inflightRefresh

	schedule *schedule
	sweeper  *cron.Cron
	sweep    sweepStats

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Coordinator. Call Start to begin proactive refreshing;
// GetValidToken works without Start for purely on-demand use.
func New(deps Dependencies, config Config, instanceID string) *Coordinator {
	return &Coordinator{
		deps:       deps,
		config:     config,
		instanceID: instanceID,
		logger:     logging.GetGlobalLogger(),
		inflight:   make(map[string]*inflightRefresh),
		schedule:   newSchedule(),
		stop:       make(chan struct{}),
	}
}

// Start launches the proactive schedule runner and the periodic sweep.
func (c *Coordinator) Start() error {
	c.wg.Add(1)
	go c.runSchedule()

	c.sweeper = cron.New()
	spec := fmt.Sprintf("@every %s", c.config.SweepInterval)
	if _, err := c.sweeper.AddFunc(spec, c.runSweep); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.sweeper.Start()

	c.logger.Info("Refresh coordinator started",
		logging.String("instance_id", c.instanceID),
		logging.Duration("sweep_interval", c.config.SweepInterval))

	return nil
}

// Stop halts the sweep and schedule runner and waits for them to finish.
// In-flight GetValidToken calls are unaffected.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		if c.sweeper != nil {
			<-c.sweeper.Stop().Done()
		}
		close(c.stop)
		c.wg.Wait()
	})
}

// GetValidToken returns a currently valid access token for the account, or
// an empty token when none can be produced right now: the account is
// inactive, its credential was rejected upstream, or the refresh failed
// transiently and will be retried later. Only storage and context errors are
// returned as errors.
func (c *Coordinator) GetValidToken(ctx context.Context, accountID string) (string, error) {
	account, err := c.deps.Store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}

	if !account.Active {
		c.logger.Debug("Token requested for inactive account",
			logging.String("account_id", accountID),
			logging.String("reason", account.ErrorMessage))
		return "", nil
	}

	if entry, ok := c.deps.Cache.Get(account.TenantID, accountID); ok && !entry.NeedsRefresh {
		return entry.Token, nil
	}

	return c.joinOrRefresh(ctx, account)
}

// joinOrRefresh de-duplicates concurrent refreshes of one account within
// this process. The first caller performs the refresh; everyone else awaits
// its result.
func (c *Coordinator) joinOrRefresh(ctx context.Context, account *store.Account) (string, error) {
	c.mu.Lock()
	if fl, ok := c.inflight[account.ID]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.token, fl.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	fl := &inflightRefresh{done: make(chan struct{})}
	c.inflight[account.ID] = fl
	c.mu.Unlock()

	fl.token, fl.err = c.refresh(ctx, account)

	c.mu.Lock()
	delete(c.inflight, account.ID)
	c.mu.Unlock()
	close(fl.done)

	return fl.token, fl.err
}

// refresh performs one refresh attempt under the distributed lock, or waits
// on the process that holds it.
func (c *Coordinator) refresh(ctx context.Context, account *store.Account) (token string, err error) {
	lock, err := c.deps.Locker.TryAcquire(ctx, fmt.Sprintf("refresh:%s", account.ID), c.config.LockTTL)
	if stderrors.Is(err, locks.ErrLockHeld) {
		return c.awaitPeerRefresh(ctx, account)
	}
	if err != nil {
		return "", err
	}

	// The new tokens are persisted before this runs, so a crash between
	// persist and release only costs waiting out the TTL, never the tokens
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if releaseErr := lock.Release(releaseCtx); releaseErr != nil {
			c.logger.Warn("Failed to release refresh lock",
				logging.String("account_id", account.ID),
				logging.Err(releaseErr))
		}
	}()

	// A slow refresh (long 429 backoff, multiple HTTP attempts) can outlive
	// the lock TTL; keep extending it so no second process starts a
	// concurrent refresh while this one is still in flight
	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	go c.keepLockAlive(renewCtx, lock, account.ID)

	// Re-read under the lock: another process may have finished a refresh
	// between our first read and winning the lock
	fresh, err := c.deps.Store.GetAccount(ctx, account.ID)
	if err != nil {
		return "", err
	}
	if !fresh.Active {
		return "", nil
	}
	if fresh.Expiry.After(time.Now().Add(c.config.SafetyMargin)) {
		return c.adoptStoredToken(fresh)
	}

	refreshToken, err := c.deps.Cipher.Decrypt(fresh.EncryptedRefreshToken)
	if err != nil || refreshToken == "" {
		// Undecryptable or missing credential material cannot be retried;
		// the tenant has to re-authorize
		c.logger.Error("Stored refresh token unusable, deactivating account", err,
			logging.String("account_id", account.ID))
		c.deactivate(ctx, fresh, "stored refresh token could not be decrypted")
		return "", nil
	}

	var pair *upstream.TokenPair
	err = c.deps.Executor.Execute(ctx, "token_refresh", func(ctx context.Context) error {
		result, refreshErr := c.deps.Upstream.Refresh(ctx, refreshToken)
		if refreshErr != nil {
			return refreshErr
		}
		pair = result
		return nil
	})
	if err != nil {
		return c.handleRefreshFailure(ctx, fresh, err)
	}

	encAccess, err := c.deps.Cipher.Encrypt(pair.AccessToken)
	if err != nil {
		return "", err
	}
	encRefresh, err := c.deps.Cipher.Encrypt(pair.RefreshToken)
	if err != nil {
		return "", err
	}

	refreshAt := pair.Expiry.Add(-c.config.SafetyMargin)
	if err := c.deps.Store.SaveTokens(ctx, fresh.ID, encAccess, encRefresh, pair.Expiry, refreshAt); err != nil {
		return "", err
	}

	c.deps.Cache.Put(fresh.TenantID, fresh.ID, pair.AccessToken, pair.Expiry)
	c.schedule.push(fresh.ID, refreshAt)

	c.logger.Info("Refreshed account token",
		logging.String("tenant_id", fresh.TenantID),
		logging.String("account_id", fresh.ID),
		logging.Time("expiry", pair.Expiry))

	return pair.AccessToken, nil
}

// keepLockAlive extends the refresh lock at a third of its TTL until the
// refresh finishes or the lock is lost. A lost lock is only logged: the
// refresh itself stays harmless because the new tokens are persisted with a
// conditional write and adopted by whoever observes them.
func (c *Coordinator) keepLockAlive(ctx context.Context, lock locks.Lock, accountID string) {
	ticker := time.NewTicker(c.config.LockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Extend(ctx, c.config.LockTTL); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("Refresh lock lost before refresh completed",
						logging.String("account_id", accountID),
						logging.Err(err))
				}
				return
			}
		}
	}
}

// handleRefreshFailure maps an executor failure onto the account. Rejected
// credentials deactivate the account permanently; everything else leaves it
// active for the next call or sweep to retry.
func (c *Coordinator) handleRefreshFailure(ctx context.Context, account *store.Account, err error) (string, error) {
	cls := executor.Classify(err)

	if cls.Class == executor.ClassInvalidCredential {
		c.logger.Warn("Upstream rejected credential, deactivating account",
			logging.String("tenant_id", account.TenantID),
			logging.String("account_id", account.ID),
			logging.Err(err))
		c.deactivate(ctx, account, err.Error())
		return "", nil
	}

	c.logger.Warn("Token refresh failed, will retry later",
		logging.String("account_id", account.ID),
		logging.String("class", cls.Class.String()),
		logging.Err(err))
	return "", nil
}

func (c *Coordinator) deactivate(ctx context.Context, account *store.Account, reason string) {
	if err := c.deps.Store.Deactivate(ctx, account.ID, reason); err != nil {
		c.logger.Error("Failed to deactivate account", err,
			logging.String("account_id", account.ID))
	}
	c.deps.Cache.Invalidate(account.TenantID, account.ID)
}

// awaitPeerRefresh polls the durable store while another process refreshes
// the account. Success is observed as the stored expiry advancing past the
// one we saw; the token is then re-read and decrypted rather than assumed.
// Returns an empty token when the peer does not finish within PeerWait.
func (c *Coordinator) awaitPeerRefresh(ctx context.Context, account *store.Account) (string, error) {
	deadline := time.Now().Add(c.config.PeerWait)
	observed := account.Expiry

	ticker := time.NewTicker(peerPollInterval)
	defer ticker.Stop()

	for {
		fresh, err := c.deps.Store.GetAccount(ctx, account.ID)
		if err == nil {
			if !fresh.Active {
				return "", nil
			}
			if fresh.Expiry.After(observed) && fresh.Expiry.After(time.Now()) {
				return c.adoptStoredToken(fresh)
			}
		}

		if time.Now().After(deadline) {
			c.logger.Warn("Timed out waiting for peer refresh",
				logging.String("account_id", account.ID),
				logging.Duration("waited", c.config.PeerWait))
			return "", nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// adoptStoredToken decrypts and caches a token some other process produced.
func (c *Coordinator) adoptStoredToken(account *store.Account) (string, error) {
	token, err := c.deps.Cipher.Decrypt(account.EncryptedAccessToken)
	if err != nil {
		return "", err
	}

	c.deps.Cache.Put(account.TenantID, account.ID, token, account.Expiry)
	return token, nil
}

// RegisterAccount stores a freshly authorized account: the token pair from
// the initial authorization grant, encrypted at rest, scheduled for its
// first proactive refresh.
func (c *Coordinator) RegisterAccount(ctx context.Context, tenantID, accountID, accessToken, refreshToken string, expiry time.Time) error {
	encAccess, err := c.deps.Cipher.Encrypt(accessToken)
	if err != nil {
		return err
	}
	encRefresh, err := c.deps.Cipher.Encrypt(refreshToken)
	if err != nil {
		return err
	}

	refreshAt := expiry.Add(-c.config.SafetyMargin)
	account := &store.Account{
		ID:                    accountID,
		TenantID:              tenantID,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		Expiry:                expiry,
		Active:                true,
		RefreshAt:             refreshAt,
	}
	if err := c.deps.Store.CreateAccount(ctx, account); err != nil {
		return err
	}

	c.deps.Cache.Put(tenantID, accountID, accessToken, expiry)
	c.schedule.push(accountID, refreshAt)

	c.logger.Info("Registered account",
		logging.String("tenant_id", tenantID),
		logging.String("account_id", accountID))

	return nil
}

// ReauthorizeAccount reactivates a deactivated account with a new token pair
// obtained from a fresh authorization grant.
func (c *Coordinator) ReauthorizeAccount(ctx context.Context, accountID, accessToken, refreshToken string, expiry time.Time) error {
	account, err := c.deps.Store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	encAccess, err := c.deps.Cipher.Encrypt(accessToken)
	if err != nil {
		return err
	}
	encRefresh, err := c.deps.Cipher.Encrypt(refreshToken)
	if err != nil {
		return err
	}

	if err := c.deps.Store.Reactivate(ctx, accountID); err != nil {
		return err
	}

	refreshAt := expiry.Add(-c.config.SafetyMargin)
	if err := c.deps.Store.SaveTokens(ctx, accountID, encAccess, encRefresh, expiry, refreshAt); err != nil {
		return err
	}

	c.deps.Cache.Put(account.TenantID, accountID, accessToken, expiry)
	c.schedule.push(accountID, refreshAt)

	c.logger.Info("Reauthorized account",
		logging.String("tenant_id", account.TenantID),
		logging.String("account_id", accountID))

	return nil
}

// ExecuteResource runs an upstream resource call with a valid token for the
// account, under the shared request budget and retry policy. The token is
// resolved fresh on every attempt: a long backoff can carry the call past
// the previous token's expiry. When the upstream rejects the token mid-call,
// the cached copy is dropped so the next attempt refreshes.
func (c *Coordinator) ExecuteResource(ctx context.Context, accountID string, fn func(ctx context.Context, token string) error) error {
	err := c.deps.Executor.Execute(ctx, "resource_call", func(ctx context.Context) error {
		token, err := c.GetValidToken(ctx, accountID)
		if err != nil {
			return err
		}
		if token == "" {
			return errors.InvalidCredentialError("no valid token available for account", nil).
				WithContext("account_id", accountID)
		}
		return fn(ctx, token)
	})
	if err != nil && executor.Classify(err).Class == executor.ClassInvalidCredential {
		if account, getErr := c.deps.Store.GetAccount(ctx, accountID); getErr == nil {
			c.deps.Cache.Invalidate(account.TenantID, accountID)
		}
	}
	return err
}
