// Package scheduler drives the automation loop: hourly subscription polling,
// daily limiter maintenance, and weekly queue pruning.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/perch-social/perch/discovery"
	"github.com/perch-social/perch/models"
	"github.com/perch-social/perch/queue"
	"github.com/perch-social/perch/ratelimit"
)

// SubscriptionStore is the persistence interface the scheduler drains
// subscriptions from.
type SubscriptionStore interface {
	// ActiveAccounts returns the distinct account IDs holding at least one
	// active subscription.
	ActiveAccounts(ctx context.Context) ([]string, error)
	ActiveForAccount(ctx context.Context, accountID string) ([]*models.KeywordSubscription, error)
	Save(ctx context.Context, sub *models.KeywordSubscription) error
}

// CredentialSource resolves an account's stored upstream access token. An
// empty credential means the account cannot be acted on.
type CredentialSource interface {
	Credential(ctx context.Context, accountID string) (string, error)
	All(ctx context.Context) ([]*models.Account, error)
}

// Searcher is the slice of the discovery pipeline the scheduler consumes.
type Searcher interface {
	Search(ctx context.Context, req discovery.SearchRequest) (*discovery.Result, error)
}

// Scheduler runs the periodic automation jobs. Accounts are processed
// sequentially; one account's failure never aborts the cycle, and quota
// exhaustion skips only the remainder of that account's batch.
type Scheduler struct {
	subs     SubscriptionStore
	accounts CredentialSource
	searcher Searcher
	limiter  *ratelimit.Limiter
	queue    *queue.Queue
	logger   *slog.Logger

	cron          *cron.Cron
	retentionDays int

	runMu sync.Mutex
	now   func() time.Time
}

func NewScheduler(subs SubscriptionStore, accounts CredentialSource, searcher Searcher, limiter *ratelimit.Limiter, q *queue.Queue, retentionDays int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Scheduler{
		subs:          subs,
		accounts:      accounts,
		searcher:      searcher,
		limiter:       limiter,
		queue:         q,
		logger:        logger.With("component", "scheduler"),
		cron:          cron.New(cron.WithLocation(time.UTC)),
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

// Start registers the periodic jobs and begins running them. Jobs use a
// background context; Stop waits for in-flight runs.
func (s *Scheduler) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{"@every 1h", "subscriptions", s.RunCycle},
		{"0 2 * * *", "maintenance", s.runMaintenance},
		{"0 3 * * 0", "queue-cleanup", s.runQueueCleanup},
	}
	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.spec, func() {
			if err := job.run(context.Background()); err != nil {
				s.logger.Error("scheduled job failed", "job", job.name, "err", err)
			}
		})
		if err != nil {
			return fmt.Errorf("registering %s job: %w", job.name, err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(jobs))
	return nil
}

// Stop halts the cron runner and blocks until running jobs finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunCycle processes every account with active subscriptions once. Overlapping
// cycles are serialized.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := s.now()
	accountIDs, err := s.subs.ActiveAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts with active subscriptions: %w", err)
	}

	cyclesRun.Inc()
	for _, accountID := range accountIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.processAccount(ctx, accountID); err != nil {
			accountErrors.Inc()
			s.logger.Error("account processing failed", "account", accountID, "err", err)
		}
	}
	s.logger.Info("automation cycle complete",
		"accounts", len(accountIDs), "took", s.now().Sub(start))
	return nil
}

// TriggerAccount runs one account's due subscriptions immediately, outside the
// hourly cadence.
func (s *Scheduler) TriggerAccount(ctx context.Context, accountID string) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.processAccount(ctx, accountID)
}

func (s *Scheduler) processAccount(ctx context.Context, accountID string) error {
	log := s.logger.With("account", accountID)

	credential, err := s.accounts.Credential(ctx, accountID)
	if err != nil {
		return fmt.Errorf("resolving credential: %w", err)
	}
	if credential == "" {
		log.Warn("skipping account without stored credential")
		return nil
	}

	subs, err := s.subs.ActiveForAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("listing subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Due(s.now()) {
			continue
		}

		res, err := s.searcher.Search(ctx, discovery.SearchRequest{
			AccountID:  accountID,
			Credential: credential,
			Keyword:    sub.Keyword,
			Mode:       sub.SearchMode,
			MaxPosts:   sub.MaxPostsPerSearch,
			Threshold:  float64(sub.EngagementThreshold),
		})
		if err != nil {
			var quotaErr *ratelimit.QuotaExceededError
			if errors.As(err, &quotaErr) {
				// no point trying this account's remaining keywords; other
				// accounts have their own budgets
				log.Warn("quota exhausted, deferring remaining subscriptions",
					"resource", quotaErr.Resource, "retry_after", quotaErr.RetryAfter)
				return nil
			}
			log.Error("subscription search failed", "keyword", sub.Keyword, "err", err)
			continue
		}

		now := s.now()
		sub.LastSearchAt = &now
		sub.TotalSearches++
		sub.TotalPostsFound += int64(res.New)
		if err := s.subs.Save(ctx, sub); err != nil {
			log.Error("failed to record subscription run", "keyword", sub.Keyword, "err", err)
			continue
		}
		subscriptionsProcessed.Inc()
	}
	return nil
}

// runMaintenance drops idle limiter state and refreshes each account's
// follower-impression figure so call ceilings track reality.
func (s *Scheduler) runMaintenance(ctx context.Context) error {
	dropped := s.limiter.CleanupStale()

	accounts, err := s.accounts.All(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}
	for _, account := range accounts {
		s.limiter.UpdateImpressions(account.AccountID, account.Impressions)
	}

	s.logger.Info("daily maintenance complete",
		"stale_limiters_dropped", dropped, "accounts_refreshed", len(accounts))
	return nil
}

func (s *Scheduler) runQueueCleanup(ctx context.Context) error {
	purged, err := s.queue.Cleanup(ctx, s.retentionDays)
	if err != nil {
		return fmt.Errorf("queue cleanup: %w", err)
	}
	s.logger.Info("weekly queue cleanup complete", "purged", purged)
	return nil
}
