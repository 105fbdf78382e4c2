// Package ratelimit tracks per-account API usage against the upstream
// provider's published quotas. State is in-memory only: counters are cheap to
// rebuild and the upstream enforces the real limits anyway, so losing a
// window on restart errs on the permissive side for at most 24 hours.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Quota constants from the upstream API documentation. The call budget scales
// with an account's impressions, floored so brand-new accounts can still
// operate.
const (
	MinImpressions     = 10
	CallsPerImpression = 4800
	PostsPerWindow     = 250
	RepliesPerWindow   = 1000
	Window             = 24 * time.Hour
)

// QuotaExceededError reports an exhausted quota along with how long the
// caller should wait before the window rolls over. It is advisory: callers
// decide whether to skip, wait, or abort a batch.
type QuotaExceededError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded, retry after %ds", e.Resource, int(e.RetryAfter.Seconds()))
}

// Decision is the result of a quota check.
type Decision struct {
	Allowed          bool
	Reason           string
	RetryAfter       time.Duration
	RemainingCalls   int
	RemainingPosts   int
	RemainingReplies int
}

// Status is a point-in-time snapshot of an account's window, for the status
// endpoint.
type Status struct {
	AccountID   string    `json:"account_id"`
	WindowStart time.Time `json:"window_start"`
	CallsUsed   int       `json:"calls_used"`
	MaxCalls    int       `json:"max_calls"`
	PostsUsed   int       `json:"posts_used"`
	MaxPosts    int       `json:"max_posts"`
	RepliesUsed int       `json:"replies_used"`
	MaxReplies  int       `json:"max_replies"`
	Impressions int       `json:"impressions"`
	LastAPICall time.Time `json:"last_api_call"`
}

// accountState holds one account's window counters. The mutex keeps the lazy
// window reset atomic with respect to concurrent increments; contention is
// per-account, never global.
type accountState struct {
	mu              sync.Mutex
	callsInWindow   int
	postsInWindow   int
	repliesInWindow int
	windowStart     time.Time
	impressions     int
	lastAPICall     time.Time
}

func (a *accountState) maxCalls() int {
	imp := a.impressions
	if imp < MinImpressions {
		imp = MinImpressions
	}
	return imp * CallsPerImpression
}

// resetWindowIfNeeded clears counters once >=24h have elapsed since the
// window start. Caller must hold a.mu.
func (a *accountState) resetWindowIfNeeded(now time.Time) {
	if now.Sub(a.windowStart) >= Window {
		a.windowStart = now
		a.callsInWindow = 0
		a.postsInWindow = 0
		a.repliesInWindow = 0
	}
}

// Limiter tracks sliding 24h windows of API calls, posts, and replies per
// account. All methods are safe for concurrent use.
type Limiter struct {
	accounts *xsync.MapOf[string, *accountState]
	logger   *slog.Logger

	now func() time.Time
}

func NewLimiter(logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		accounts: xsync.NewMapOf[string, *accountState](),
		logger:   logger.With("component", "ratelimit"),
		now:      time.Now,
	}
}

func (l *Limiter) state(accountID string) *accountState {
	st, _ := l.accounts.LoadOrCompute(accountID, func() *accountState {
		now := l.now()
		return &accountState{
			windowStart: now,
			impressions: MinImpressions,
			lastAPICall: now,
		}
	})
	return st
}

// CheckAPICall reports whether the account may make another API call in the
// current window.
func (l *Limiter) CheckAPICall(accountID string) Decision {
	st := l.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()
	st.resetWindowIfNeeded(now)

	max := st.maxCalls()
	if st.callsInWindow >= max {
		rateLimitDenials.WithLabelValues("calls").Inc()
		return Decision{
			Allowed:          false,
			Reason:           "API call limit exceeded",
			RetryAfter:       retryAfter(st.windowStart, now),
			RemainingPosts:   remaining(PostsPerWindow, st.postsInWindow),
			RemainingReplies: remaining(RepliesPerWindow, st.repliesInWindow),
		}
	}
	return Decision{
		Allowed:          true,
		Reason:           "OK",
		RemainingCalls:   max - st.callsInWindow,
		RemainingPosts:   remaining(PostsPerWindow, st.postsInWindow),
		RemainingReplies: remaining(RepliesPerWindow, st.repliesInWindow),
	}
}

// CheckPost reports whether the account may publish another post.
func (l *Limiter) CheckPost(accountID string) Decision {
	st := l.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()
	st.resetWindowIfNeeded(now)

	if st.postsInWindow >= PostsPerWindow {
		rateLimitDenials.WithLabelValues("posts").Inc()
		return Decision{
			Allowed:          false,
			Reason:           fmt.Sprintf("post limit exceeded (%d posts per 24h)", PostsPerWindow),
			RetryAfter:       retryAfter(st.windowStart, now),
			RemainingCalls:   remaining(st.maxCalls(), st.callsInWindow),
			RemainingReplies: remaining(RepliesPerWindow, st.repliesInWindow),
		}
	}
	return Decision{
		Allowed:          true,
		Reason:           "OK",
		RemainingCalls:   remaining(st.maxCalls(), st.callsInWindow),
		RemainingPosts:   PostsPerWindow - st.postsInWindow,
		RemainingReplies: remaining(RepliesPerWindow, st.repliesInWindow),
	}
}

// CheckReply reports whether the account may publish another reply.
func (l *Limiter) CheckReply(accountID string) Decision {
	st := l.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()
	st.resetWindowIfNeeded(now)

	if st.repliesInWindow >= RepliesPerWindow {
		rateLimitDenials.WithLabelValues("replies").Inc()
		return Decision{
			Allowed:        false,
			Reason:         fmt.Sprintf("reply limit exceeded (%d replies per 24h)", RepliesPerWindow),
			RetryAfter:     retryAfter(st.windowStart, now),
			RemainingCalls: remaining(st.maxCalls(), st.callsInWindow),
			RemainingPosts: remaining(PostsPerWindow, st.postsInWindow),
		}
	}
	return Decision{
		Allowed:          true,
		Reason:           "OK",
		RemainingCalls:   remaining(st.maxCalls(), st.callsInWindow),
		RemainingPosts:   remaining(PostsPerWindow, st.postsInWindow),
		RemainingReplies: RepliesPerWindow - st.repliesInWindow,
	}
}

// RecordAPICall counts one API call against the account's window.
func (l *Limiter) RecordAPICall(accountID string) {
	st := l.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()
	st.resetWindowIfNeeded(now)
	st.callsInWindow++
	st.lastAPICall = now
}

// RecordPost counts one published post. Posts also consume an API call.
func (l *Limiter) RecordPost(accountID string) {
	st := l.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()
	st.resetWindowIfNeeded(now)
	st.callsInWindow++
	st.postsInWindow++
	st.lastAPICall = now
}

// RecordReply counts one published reply. Replies also consume an API call.
func (l *Limiter) RecordReply(accountID string) {
	st := l.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()
	st.resetWindowIfNeeded(now)
	st.callsInWindow++
	st.repliesInWindow++
	st.lastAPICall = now
}

// UpdateImpressions sets the scaling input for the account's call budget,
// clamped to the documented floor.
func (l *Limiter) UpdateImpressions(accountID string, impressions int) {
	st := l.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if impressions < MinImpressions {
		impressions = MinImpressions
	}
	st.impressions = impressions
	l.logger.Info("updated impressions", "account", accountID, "impressions", impressions)
}

// Status returns a snapshot of the account's current window.
func (l *Limiter) Status(accountID string) Status {
	st := l.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.resetWindowIfNeeded(l.now())
	return Status{
		AccountID:   accountID,
		WindowStart: st.windowStart,
		CallsUsed:   st.callsInWindow,
		MaxCalls:    st.maxCalls(),
		PostsUsed:   st.postsInWindow,
		MaxPosts:    PostsPerWindow,
		RepliesUsed: st.repliesInWindow,
		MaxReplies:  RepliesPerWindow,
		Impressions: st.impressions,
		LastAPICall: st.lastAPICall,
	}
}

// CleanupStale drops accounts with no API activity for two full windows.
// Intended to be called from a periodic maintenance job.
func (l *Limiter) CleanupStale() int {
	cutoff := l.now().Add(-2 * Window)
	removed := 0
	l.accounts.Range(func(accountID string, st *accountState) bool {
		st.mu.Lock()
		stale := st.lastAPICall.Before(cutoff)
		st.mu.Unlock()
		if stale {
			l.accounts.Delete(accountID)
			removed++
		}
		return true
	})
	if removed > 0 {
		l.logger.Info("dropped stale rate limit entries", "count", removed)
	}
	return removed
}

func retryAfter(windowStart, now time.Time) time.Duration {
	d := windowStart.Add(Window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func remaining(max, used int) int {
	if used >= max {
		return 0
	}
	return max - used
}
