package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MaxSearchQueriesPerDay is the upstream keyword-search quota. Search is
// limited independently of the general API-call budget.
const MaxSearchQueriesPerDay = 2200

// SearchQuota tracks the per-account daily keyword-search quota. It is
// separate from Limiter because the upstream provider meters search queries
// on their own rolling 24h counter.
type SearchQuota interface {
	// Check reports whether the account has quota left, and if not, how long
	// until the counter resets.
	Check(ctx context.Context, accountID string) (bool, time.Duration, error)
	// Increment counts one search query against the account.
	Increment(ctx context.Context, accountID string) error
	// Remaining returns how many queries the account has left today.
	Remaining(ctx context.Context, accountID string) (int, error)
}

type searchCounter struct {
	count   int
	resetAt time.Time
}

// MemSearchQuota is the in-process SearchQuota implementation.
type MemSearchQuota struct {
	mu       sync.Mutex
	counters map[string]*searchCounter

	now func() time.Time
}

func NewMemSearchQuota() *MemSearchQuota {
	return &MemSearchQuota{
		counters: make(map[string]*searchCounter),
		now:      time.Now,
	}
}

// counter returns the account's counter, lazily resetting it if its 24h
// period has elapsed. Caller must hold q.mu.
func (q *MemSearchQuota) counter(accountID string, now time.Time) *searchCounter {
	c, ok := q.counters[accountID]
	if !ok || now.After(c.resetAt) {
		c = &searchCounter{resetAt: now.Add(Window)}
		q.counters[accountID] = c
	}
	return c
}

func (q *MemSearchQuota) Check(ctx context.Context, accountID string) (bool, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	c := q.counter(accountID, now)
	if c.count >= MaxSearchQueriesPerDay {
		rateLimitDenials.WithLabelValues("search").Inc()
		return false, c.resetAt.Sub(now), nil
	}
	return true, 0, nil
}

func (q *MemSearchQuota) Increment(ctx context.Context, accountID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.counter(accountID, q.now()).count++
	searchQueriesRecorded.Inc()
	return nil
}

func (q *MemSearchQuota) Remaining(ctx context.Context, accountID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := q.counter(accountID, q.now())
	return remaining(MaxSearchQueriesPerDay, c.count), nil
}
