package coordinator

import (
	"context"
	"sync"
	"time"

	"tokenkeeper/internal/common/logging"
)

// electionKey is the single cluster-wide key naming the current sweep
// coordinator.
const electionKey = "election:sweep"

// sweepStats counts sweep activity for the ops surface.
type sweepStats struct {
	mu            sync.Mutex
	lastRun       time.Time
	cyclesWon     int64
	cyclesSkipped int64
	scanned       int64
	refreshed     int64
	failed        int64
}

// SweepStats is a snapshot of sweep counters.
type SweepStats struct {
	LastRun       time.Time `json:"last_run"`
	CyclesWon     int64     `json:"cycles_won"`
	CyclesSkipped int64     `json:"cycles_skipped"`
	Scanned       int64     `json:"scanned"`
	Refreshed     int64     `json:"refreshed"`
	Failed        int64     `json:"failed"`
}

// SweepStats returns a snapshot of sweep counters.
func (c *Coordinator) SweepStats() SweepStats {
	c.sweep.mu.Lock()
	defer c.sweep.mu.Unlock()
	return SweepStats{
		LastRun:       c.sweep.lastRun,
		CyclesWon:     c.sweep.cyclesWon,
		CyclesSkipped: c.sweep.cyclesSkipped,
		Scanned:       c.sweep.scanned,
		Refreshed:     c.sweep.refreshed,
		Failed:        c.sweep.failed,
	}
}

// ScheduleSize reports how many proactive refreshes are queued locally.
func (c *Coordinator) ScheduleSize() int {
	return c.schedule.size()
}

// runSweep is one cycle of the cluster-wide catch-all scan. Exactly one
// process wins the election each cycle and refreshes every active account
// whose refresh time has passed. This is the safety net behind the in-memory
// schedule: accounts scheduled by a process that since crashed still get
// refreshed here.
func (c *Coordinator) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.SweepInterval)
	defer cancel()

	if !c.winElection(ctx) {
		c.sweep.mu.Lock()
		c.sweep.cyclesSkipped++
		c.sweep.mu.Unlock()
		return
	}

	// refresh_at already carries the safety margin, so the cutoff is plain
	// now: anything earlier would grab refresh locks for accounts that only
	// get adopted back unchanged
	accounts, err := c.deps.Store.ListRefreshable(ctx, time.Now(), c.config.SweepBatchSize)
	if err != nil {
		c.logger.Error("Sweep failed to list refreshable accounts", err)
		return
	}

	var refreshed, failed int64
	for _, account := range accounts {
		if ctx.Err() != nil {
			break
		}

		// Serial on purpose: the executor's shared budget paces these calls,
		// and one slow provider should not fan out into a request burst
		token, err := c.GetValidToken(ctx, account.ID)
		switch {
		case err != nil:
			failed++
			c.logger.Warn("Sweep refresh failed",
				logging.String("account_id", account.ID),
				logging.Err(err))
		case token == "":
			failed++
		default:
			refreshed++
		}
	}

	c.sweep.mu.Lock()
	c.sweep.lastRun = time.Now()
	c.sweep.cyclesWon++
	c.sweep.scanned += int64(len(accounts))
	c.sweep.refreshed += refreshed
	c.sweep.failed += failed
	c.sweep.mu.Unlock()

	if len(accounts) > 0 {
		c.logger.Info("Sweep cycle complete",
			logging.Int("scanned", len(accounts)),
			logging.Int("refreshed", int(refreshed)),
			logging.Int("failed", int(failed)))
	}
}

// winElection claims the sweep coordinator role for this cycle. The token's
// TTL is twice the cycle so the incumbent keeps winning while alive, and any
// process can take over within two cycles of a crash.
func (c *Coordinator) winElection(ctx context.Context) bool {
	acquired, err := c.deps.Redis.SetIfAbsent(ctx, electionKey, c.instanceID, 2*c.config.SweepInterval)
	if err != nil {
		c.logger.Warn("Sweep election failed", logging.Err(err))
		return false
	}
	if acquired {
		return true
	}

	// The holder re-wins its own election until the TTL lapses
	holder, exists, err := c.deps.Redis.GetValue(ctx, electionKey)
	if err != nil {
		c.logger.Warn("Sweep election check failed", logging.Err(err))
		return false
	}
	return exists && holder == c.instanceID
}
