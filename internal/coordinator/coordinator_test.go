package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenkeeper/internal/cache"
	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/crypto"
	"tokenkeeper/internal/executor"
	"tokenkeeper/internal/locks"
	"tokenkeeper/internal/redis"
	"tokenkeeper/internal/store"
	"tokenkeeper/internal/testutil"
	"tokenkeeper/internal/upstream"
)

// harness shares one durable store, one coordination store, and one upstream
// fake between any number of Coordinator instances, so a multi-process
// cluster collapses into a single test binary.
type harness struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	store  *testutil.MemoryAccountStore
	cipher *crypto.TokenCipher
	mock   *testutil.MockRefreshClient
}

func newHarness(t *testing.T) *harness {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	cipher, err := crypto.NewTokenCipher("coordinator-test-key")
	require.NoError(t, err)

	return &harness{
		mr:     mr,
		client: client,
		store:  testutil.NewMemoryAccountStore(),
		cipher: cipher,
		mock:   &testutil.MockRefreshClient{},
	}
}

func (h *harness) newCoordinator(t *testing.T, instanceID string) *Coordinator {
	return h.newCoordinatorWith(t, instanceID, locks.NewOwnerLocker(h.client, instanceID), Config{
		SafetyMargin:   5 * time.Minute,
		LockTTL:        5 * time.Second,
		PeerWait:       5 * time.Second,
		SweepInterval:  time.Minute,
		SweepBatchSize: 10,
	})
}

func (h *harness) newCoordinatorWith(t *testing.T, instanceID string, locker locks.Locker, config Config) *Coordinator {
	tokenCache := cache.New(5*time.Minute, time.Minute)
	t.Cleanup(tokenCache.Close)

	exec := executor.New(executor.NewNopBudget(), executor.Config{
		RateLimitedMaxAttempts: 3,
		TransientMaxAttempts:   3,
		BaseDelay:              time.Millisecond,
		MaxDelay:               4 * time.Millisecond,
		TransientBaseDelay:     time.Millisecond,
	})

	return New(Dependencies{
		Store:    h.store,
		Cache:    tokenCache,
		Cipher:   h.cipher,
		Locker:   locker,
		Executor: exec,
		Upstream: h.mock,
		Redis:    h.client,
	}, config, instanceID)
}

func (h *harness) seedAccount(t *testing.T, id, tenantID string, expiry time.Time) {
	t.Helper()

	encAccess, err := h.cipher.Encrypt("stored-access-" + id)
	require.NoError(t, err)
	encRefresh, err := h.cipher.Encrypt("stored-refresh-" + id)
	require.NoError(t, err)

	require.NoError(t, h.store.CreateAccount(context.Background(), &store.Account{
		ID:                    id,
		TenantID:              tenantID,
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		Expiry:                expiry,
		Active:                true,
		RefreshAt:             expiry.Add(-5 * time.Minute),
	}))
}

func TestGetValidToken_AdoptsStoredToken(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "proc-a")
	ctx := context.Background()

	// The stored token is comfortably valid; no upstream call is needed
	h.seedAccount(t, "acct-1", "tenant-a", time.Now().Add(time.Hour))

	token, err := c.GetValidToken(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "stored-access-acct-1", token)
	assert.Equal(t, 0, h.mock.Calls())

	// The second call is a pure cache hit
	token, err = c.GetValidToken(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "stored-access-acct-1", token)
	assert.Equal(t, 0, h.mock.Calls())
}

func TestGetValidToken_ProactiveRefresh(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "proc-a")
	ctx := context.Background()

	// Inside the safety margin: 4 minutes left against a 5 minute margin
	h.seedAccount(t, "acct-1", "tenant-a", time.Now().Add(4*time.Minute))

	newExpiry := time.Now().Add(time.Hour)
	h.mock.QueueSuccess("new-access", "new-refresh", newExpiry)

	token, err := c.GetValidToken(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
	assert.Equal(t, 1, h.mock.Calls())

	// The old refresh token was sent upstream
	assert.Equal(t, []string{"stored-refresh-acct-1"}, h.mock.RefreshTokensSeen())

	// The new pair is persisted encrypted with the advanced expiry
	account, err := h.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, account.Expiry.Equal(newExpiry))

	access, err := h.cipher.Decrypt(account.EncryptedAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "new-access", access)

	refresh, err := h.cipher.Decrypt(account.EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "new-refresh", refresh)

	// The next proactive refresh was queued locally
	assert.Equal(t, 1, c.ScheduleSize())
}

func TestGetValidToken_ConcurrentCallersDeduplicated(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "proc-a")

	h.seedAccount(t, "acct-1", "tenant-a", time.Now().Add(time.Minute))
	h.mock.RefreshFunc = func(ctx context.Context, refreshToken string) (*upstream.TokenPair, error) {
		time.Sleep(50 * time.Millisecond)
		return &upstream.TokenPair{
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	const callers = 10
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := c.GetValidToken(context.Background(), "acct-1")
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, h.mock.Calls(), "concurrent callers must share one refresh")
	for _, token := range tokens {
		assert.Equal(t, "new-access", token)
	}
}

func TestGetValidToken_TwoProcessesOneRefresh(t *testing.T) {
	h := newHarness(t)
	procA := h.newCoordinator(t, "proc-a")
	procB := h.newCoordinator(t, "proc-b")
	ctx := context.Background()

	// Expiry within the safety margin forces both processes to want a refresh
	h.seedAccount(t, "acct-x", "tenant-a", time.Now().Add(4*time.Minute))

	reportedLifetime := time.Hour
	h.mock.RefreshFunc = func(ctx context.Context, refreshToken string) (*upstream.TokenPair, error) {
		time.Sleep(100 * time.Millisecond)
		return &upstream.TokenPair{
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
			Expiry:       time.Now().Add(reportedLifetime),
		}, nil
	}

	var tokenA, tokenB string
	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tokenA, errA = procA.GetValidToken(ctx, "acct-x")
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		tokenB, errB = procB.GetValidToken(ctx, "acct-x")
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)

	assert.Equal(t, 1, h.mock.Calls(), "the cluster must perform exactly one upstream refresh")
	assert.Equal(t, "new-access", tokenA)
	assert.Equal(t, "new-access", tokenB)

	account, err := h.store.GetAccount(ctx, "acct-x")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(reportedLifetime), account.Expiry, 5*time.Second)
}

// countingLock records Extend calls and can start failing them, standing in
// for a lock that expired from under its owner.
type countingLock struct {
	mu        sync.Mutex
	extends   int
	failAfter int // fail once extends exceeds this; 0 means never fail
}

func (l *countingLock) Key() string   { return "lock:refresh:counting" }
func (l *countingLock) Owner() string { return "counting-owner" }

func (l *countingLock) Extend(ctx context.Context, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	if l.failAfter > 0 && l.extends > l.failAfter {
		return locks.ErrLockLost
	}
	return nil
}

func (l *countingLock) Release(ctx context.Context) error { return nil }

func (l *countingLock) extendCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extends
}

func TestKeepLockAlive(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinatorWith(t, "proc-a", locks.NewOwnerLocker(h.client, "proc-a"), Config{
		SafetyMargin:   5 * time.Minute,
		LockTTL:        30 * time.Millisecond,
		PeerWait:       time.Second,
		SweepInterval:  time.Minute,
		SweepBatchSize: 10,
	})

	t.Run("extends repeatedly until cancelled", func(t *testing.T) {
		lock := &countingLock{}
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan struct{})
		go func() {
			defer close(done)
			c.keepLockAlive(ctx, lock, "acct-1")
		}()

		assert.Eventually(t, func() bool { return lock.extendCount() >= 2 },
			time.Second, 5*time.Millisecond, "the lock must be extended while the refresh runs")

		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("renewal loop did not stop after cancellation")
		}
	})

	t.Run("stops once the lock is lost", func(t *testing.T) {
		lock := &countingLock{failAfter: 1}

		// Runs to completion on its own: the second extension fails
		c.keepLockAlive(context.Background(), lock, "acct-1")

		assert.Equal(t, 2, lock.extendCount())
	})
}

// simLockTable is an in-memory Locker backend with real-time TTLs, shared
// between instances so lock expiry can be exercised on a millisecond scale.
type simLockTable struct {
	mu    sync.Mutex
	locks map[string]simLockState
}

type simLockState struct {
	owner    string
	deadline time.Time
}

func newSimLockTable() *simLockTable {
	return &simLockTable{locks: make(map[string]simLockState)}
}

func (tbl *simLockTable) locker(owner string) locks.Locker {
	return &simLocker{table: tbl, owner: owner}
}

type simLocker struct {
	table *simLockTable
	owner string
}

func (l *simLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (locks.Lock, error) {
	tbl := l.table
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	if state, ok := tbl.locks[key]; ok && time.Now().Before(state.deadline) {
		return nil, locks.ErrLockHeld
	}
	tbl.locks[key] = simLockState{owner: l.owner, deadline: time.Now().Add(ttl)}
	return &simLock{table: tbl, key: key, owner: l.owner}, nil
}

type simLock struct {
	table *simLockTable
	key   string
	owner string
}

func (l *simLock) Key() string   { return l.key }
func (l *simLock) Owner() string { return l.owner }

func (l *simLock) Extend(ctx context.Context, ttl time.Duration) error {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()

	state, ok := l.table.locks[l.key]
	if !ok || state.owner != l.owner || time.Now().After(state.deadline) {
		return locks.ErrLockLost
	}
	l.table.locks[l.key] = simLockState{owner: l.owner, deadline: time.Now().Add(ttl)}
	return nil
}

func (l *simLock) Release(ctx context.Context) error {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()

	if state, ok := l.table.locks[l.key]; ok && state.owner == l.owner {
		delete(l.table.locks, l.key)
	}
	return nil
}

func TestGetValidToken_SlowRefreshKeepsLockHeld(t *testing.T) {
	h := newHarness(t)

	// The refresh runs well past the lock TTL; renewal must stop the second
	// process from acquiring the lock and refreshing concurrently
	table := newSimLockTable()
	config := Config{
		SafetyMargin:   5 * time.Minute,
		LockTTL:        120 * time.Millisecond,
		PeerWait:       5 * time.Second,
		SweepInterval:  time.Minute,
		SweepBatchSize: 10,
	}
	procA := h.newCoordinatorWith(t, "proc-a", table.locker("proc-a"), config)
	procB := h.newCoordinatorWith(t, "proc-b", table.locker("proc-b"), config)
	ctx := context.Background()

	h.seedAccount(t, "acct-slow", "tenant-a", time.Now().Add(4*time.Minute))

	h.mock.RefreshFunc = func(ctx context.Context, refreshToken string) (*upstream.TokenPair, error) {
		time.Sleep(400 * time.Millisecond)
		return &upstream.TokenPair{
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	var tokenA, tokenB string
	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tokenA, errA = procA.GetValidToken(ctx, "acct-slow")
	}()
	go func() {
		defer wg.Done()
		// Arrives after the original lock TTL would have lapsed
		time.Sleep(150 * time.Millisecond)
		tokenB, errB = procB.GetValidToken(ctx, "acct-slow")
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)

	assert.Equal(t, 1, h.mock.Calls(), "the second process must wait, not start its own refresh")
	assert.Equal(t, "new-access", tokenA)
	assert.Equal(t, "new-access", tokenB)
}

func TestGetValidToken_InvalidGrantFinality(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "proc-a")
	ctx := context.Background()

	h.seedAccount(t, "acct-1", "tenant-a", time.Now().Add(time.Minute))
	h.mock.QueueError(&executor.HTTPError{StatusCode: 400, OAuthError: "invalid_grant"})

	token, err := c.GetValidToken(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Equal(t, 1, h.mock.Calls(), "invalid_grant must not be retried")

	account, err := h.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, account.Active)
	assert.Contains(t, account.ErrorMessage, "invalid_grant")

	// Subsequent calls return empty without touching the upstream
	token, err = c.GetValidToken(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Equal(t, 1, h.mock.Calls())
}

func TestGetValidToken_TransientFailureLeavesAccountActive(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "proc-a")
	ctx := context.Background()

	h.seedAccount(t, "acct-1", "tenant-a", time.Now().Add(time.Minute))
	h.mock.QueueError(&executor.HTTPError{StatusCode: 503})

	token, err := c.GetValidToken(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Equal(t, 3, h.mock.Calls(), "transient failures retry up to the configured attempts")

	account, err := h.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, account.Active, "transient failures must not deactivate the account")
}

func TestGetValidToken_InactiveAccount(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "proc-a")
	ctx := context.Background()

	h.seedAccount(t, "acct-1", "tenant-a", time.Now().Add(time.Hour))
	require.NoError(t, h.store.Deactivate(ctx, "acct-1", "revoked by tenant"))

	token, err := c.GetValidToken(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Equal(t, 0, h.mock.Calls())
}

func TestGetValidToken_MissingAccount(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "proc-a")

	_, err := c.GetValidToken(context.Background(), "ghost")
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestGetValidToken_UndecryptableRefreshTokenDeactivates(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "proc-a")
	ctx := context.Background()

	require.NoError(t, h.store.CreateAccount(ctx, &store.Account{
		ID:                    "acct-corrupt",
		TenantID:              "tenant-a",
		EncryptedAccessToken:  "",
		EncryptedRefreshToken: "bm90LXJlYWwtY2lwaGVydGV4dA==",
		Expiry:                time.Now().Add(time.Minute),
		Active:                true,
	}))

	token, err := c.GetValidToken(ctx, "acct-corrupt")
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Equal(t, 0, h.mock.Calls())

	account, err := h.store.GetAccount(ctx, "acct-corrupt")
	require.NoError(t, err)
	assert.False(t, account.Active)
}

func TestRegisterAccount(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "proc-a")
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, c.RegisterAccount(ctx, "tenant-a", "acct-new", "initial-access", "initial-refresh", expiry))

	// Served straight from cache, no upstream call
	token, err := c.GetValidToken(ctx, "acct-new")
	require.NoError(t, err)
	assert.Equal(t, "initial-access", token)
	assert.Equal(t, 0, h.mock.Calls())

	// Tokens land encrypted in the store
	account, err := h.store.GetAccount(ctx, "acct-new")
	require.NoError(t, err)
	assert.NotEqual(t, "initial-access", account.EncryptedAccessToken)

	refresh, err := h.cipher.Decrypt(account.EncryptedRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "initial-refresh", refresh)
}

func TestReauthorizeAccount(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "proc-a")
	ctx := context.Background()

	h.seedAccount(t, "acct-1", "tenant-a", time.Now().Add(time.Minute))
	h.mock.QueueError(&executor.HTTPError{StatusCode: 401, OAuthError: "invalid_grant"})

	token, err := c.GetValidToken(ctx, "acct-1")
	require.NoError(t, err)
	require.Empty(t, token)

	// The tenant completes a new authorization grant
	expiry := time.Now().Add(time.Hour)
	require.NoError(t, c.ReauthorizeAccount(ctx, "acct-1", "granted-access", "granted-refresh", expiry))

	account, err := h.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, account.Active)
	assert.Empty(t, account.ErrorMessage)

	token, err = c.GetValidToken(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "granted-access", token)
	assert.Equal(t, 1, h.mock.Calls(), "no further upstream calls after reauthorization")
}

func TestExecuteResource(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "proc-a")
	ctx := context.Background()

	h.seedAccount(t, "acct-1", "tenant-a", time.Now().Add(time.Hour))

	t.Run("passes a valid token to the call", func(t *testing.T) {
		var seen string
		err := c.ExecuteResource(ctx, "acct-1", func(ctx context.Context, token string) error {
			seen = token
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "stored-access-acct-1", seen)
	})

	t.Run("rejected token drops the cached copy", func(t *testing.T) {
		err := c.ExecuteResource(ctx, "acct-1", func(ctx context.Context, token string) error {
			return &executor.HTTPError{StatusCode: 401}
		})
		require.Error(t, err)

		_, cached := c.deps.Cache.Get("tenant-a", "acct-1")
		assert.False(t, cached, "a 401 mid-call must evict the cached token")
	})

	t.Run("inactive account yields an invalid credential error", func(t *testing.T) {
		require.NoError(t, h.store.Deactivate(ctx, "acct-1", "revoked"))

		err := c.ExecuteResource(ctx, "acct-1", func(ctx context.Context, token string) error {
			t.Fatal("the call must not run without a token")
			return nil
		})
		assert.True(t, errors.IsType(err, errors.ErrTypeInvalidCredential))
	})
}

func TestExecuteResource_ResolvesTokenPerAttempt(t *testing.T) {
	h := newHarness(t)
	c := h.newCoordinator(t, "proc-a")
	ctx := context.Background()

	h.seedAccount(t, "acct-1", "tenant-a", time.Now().Add(time.Hour))

	rotatedAccess, err := h.cipher.Encrypt("rotated-access")
	require.NoError(t, err)
	rotatedRefresh, err := h.cipher.Encrypt("rotated-refresh")
	require.NoError(t, err)

	// The token rotates while the first attempt is backing off; the retry
	// must carry the rotated token, not the one resolved before the backoff
	var seen []string
	err = c.ExecuteResource(ctx, "acct-1", func(ctx context.Context, token string) error {
		seen = append(seen, token)
		if len(seen) == 1 {
			newExpiry := time.Now().Add(2 * time.Hour)
			require.NoError(t, h.store.SaveTokens(ctx, "acct-1", rotatedAccess, rotatedRefresh, newExpiry, newExpiry.Add(-5*time.Minute)))
			c.deps.Cache.Invalidate("tenant-a", "acct-1")
			return &executor.HTTPError{StatusCode: 503}
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"stored-access-acct-1", "rotated-access"}, seen)
	assert.Equal(t, 0, h.mock.Calls(), "the rotated token is adopted from the store, not refreshed")
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	procA := h.newCoordinator(t, "proc-a")
	procB := h.newCoordinator(t, "proc-b")
	ctx := context.Background()

	// Due for refresh: inside the safety margin
	h.seedAccount(t, "acct-due", "tenant-a", time.Now().Add(4*time.Minute))
	// Not due: far from expiry
	h.seedAccount(t, "acct-fresh", "tenant-a", time.Now().Add(2*time.Hour))
	// Not due yet either: its refresh time sits a minute out, and grabbing it
	// early would only churn a refresh lock to adopt the same token back
	h.seedAccount(t, "acct-early", "tenant-a", time.Now().Add(6*time.Minute))
	earlyBefore, err := h.store.GetAccount(ctx, "acct-early")
	require.NoError(t, err)

	h.mock.RefreshFunc = func(ctx context.Context, refreshToken string) (*upstream.TokenPair, error) {
		return &upstream.TokenPair{
			AccessToken:  "swept-access",
			RefreshToken: "swept-refresh",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	t.Run("the elected coordinator refreshes due accounts", func(t *testing.T) {
		procA.runSweep()

		assert.Equal(t, 1, h.mock.Calls())
		stats := procA.SweepStats()
		assert.Equal(t, int64(1), stats.CyclesWon)
		assert.Equal(t, int64(1), stats.Scanned)
		assert.Equal(t, int64(1), stats.Refreshed)

		account, err := h.store.GetAccount(ctx, "acct-due")
		require.NoError(t, err)
		assert.True(t, account.Expiry.After(time.Now().Add(30*time.Minute)))

		earlyAfter, err := h.store.GetAccount(ctx, "acct-early")
		require.NoError(t, err)
		assert.True(t, earlyAfter.Expiry.Equal(earlyBefore.Expiry), "accounts whose refresh time has not arrived must be left alone")
	})

	t.Run("the other process skips the cycle", func(t *testing.T) {
		procB.runSweep()

		assert.Equal(t, 1, h.mock.Calls(), "the losing process must not scan")
		stats := procB.SweepStats()
		assert.Equal(t, int64(0), stats.CyclesWon)
		assert.Equal(t, int64(1), stats.CyclesSkipped)
	})

	t.Run("the incumbent keeps winning while its token lives", func(t *testing.T) {
		procA.runSweep()
		assert.Equal(t, int64(2), procA.SweepStats().CyclesWon)
	})

	t.Run("a lapsed election token lets another process take over", func(t *testing.T) {
		h.mr.FastForward(3 * time.Minute)

		procB.runSweep()
		assert.Equal(t, int64(1), procB.SweepStats().CyclesWon)
	})
}
