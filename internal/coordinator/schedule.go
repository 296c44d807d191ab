package coordinator

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"tokenkeeper/internal/common/logging"
)

// scheduleEntry is one pending proactive refresh.
type scheduleEntry struct {
	accountID string
	dueAt     time.Time
}

// entryHeap orders entries by due time, earliest first.
type entryHeap []scheduleEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(scheduleEntry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// schedule is the process-local queue of upcoming proactive refreshes. One
// min-heap instead of one timer per account keeps resource usage flat no
// matter how many accounts exist. Duplicate entries for an account are
// harmless: a refresh firing on a fresh token is a cache hit and does
// nothing.
type schedule struct {
	mu      sync.Mutex
	entries entryHeap
	wake    chan struct{}
}

func newSchedule() *schedule {
	return &schedule{
		wake: make(chan struct{}, 1),
	}
}

// push registers a refresh for the account at dueAt and wakes the runner so
// it can re-evaluate its timer.
func (s *schedule) push(accountID string, dueAt time.Time) {
	s.mu.Lock()
	heap.Push(&s.entries, scheduleEntry{accountID: accountID, dueAt: dueAt})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next returns the earliest entry without removing it.
func (s *schedule) next() (scheduleEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return scheduleEntry{}, false
	}
	return s.entries[0], true
}

// popDue removes and returns every entry due at or before now.
func (s *schedule) popDue(now time.Time) []scheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []scheduleEntry
	for len(s.entries) > 0 && !s.entries[0].dueAt.After(now) {
		due = append(due, heap.Pop(&s.entries).(scheduleEntry))
	}
	return due
}

func (s *schedule) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// runSchedule drives proactive refreshes from the schedule heap. It sleeps
// until the earliest due time, wakes early when a nearer entry is pushed,
// and fires due refreshes through the ordinary GetValidToken path so they
// get the same locking and de-duplication as caller-driven refreshes.
func (c *Coordinator) runSchedule() {
	defer c.wg.Done()

	for {
		var timer <-chan time.Time
		if entry, ok := c.schedule.next(); ok {
			wait := time.Until(entry.dueAt)
			if wait <= 0 {
				c.fireDue()
				continue
			}
			timer = time.After(wait)
		}

		select {
		case <-c.stop:
			return
		case <-c.schedule.wake:
		case <-timer:
			c.fireDue()
		}
	}
}

func (c *Coordinator) fireDue() {
	for _, entry := range c.schedule.popDue(time.Now()) {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.PeerWait+c.config.LockTTL)
		if _, err := c.GetValidToken(ctx, entry.accountID); err != nil {
			c.logger.Warn("Scheduled refresh failed",
				logging.String("account_id", entry.accountID),
				logging.Err(err))
		}
		cancel()
	}
}
