// Package queue implements the priority-ordered interaction queue. Items move
// through a small state machine (PENDING -> PROCESSING -> terminal) and are
// drained by an external executor which reports completion or failure back in.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/perch-social/perch/models"
)

var tracer = otel.Tracer("queue")

// ErrNotFound is returned when the referenced queue item does not exist.
var ErrNotFound = errors.New("queue item not found")

// ErrInvalidTransition is returned for state machine moves out of a terminal
// or mismatched state.
var ErrInvalidTransition = errors.New("invalid queue state transition")

const (
	// AutoQueueThreshold is the minimum engagement score for automatic
	// enqueueing out of the discovery pipeline.
	AutoQueueThreshold = 100.0

	// MaxPendingPerAccount caps how many PENDING items one account may hold.
	MaxPendingPerAccount = 1000

	defaultPriority = 1
	maxPriority     = 5
)

// Store is the persistence interface for queue items.
type Store interface {
	Create(ctx context.Context, item *models.InteractionQueueItem) error
	Get(ctx context.Context, id uint) (*models.InteractionQueueItem, error)
	Update(ctx context.Context, item *models.InteractionQueueItem) error

	// ExistsActive reports whether a PENDING or PROCESSING item exists for
	// the (account, post, kind) triple.
	ExistsActive(ctx context.Context, accountID, postID string, kind models.InteractionKind) (bool, error)
	CountPending(ctx context.Context, accountID string) (int64, error)

	// ReadyForExecution returns PENDING items whose scheduled-for time is
	// unset or has passed, ordered by priority descending then creation time
	// ascending, capped at limit.
	ReadyForExecution(ctx context.Context, accountID string, now time.Time, limit int) ([]*models.InteractionQueueItem, error)

	// FailedBefore returns FAILED items executed before the cutoff, ordered
	// by priority descending then execution time ascending.
	FailedBefore(ctx context.Context, cutoff time.Time) ([]*models.InteractionQueueItem, error)

	DeleteExecutedBefore(ctx context.Context, statuses []models.QueueStatus, cutoff time.Time) (int64, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.InteractionQueueItem, error)
	StatusCounts(ctx context.Context, accountID string) (map[models.QueueStatus]int64, error)
}

// PostUpdater is the injected lookup capability for the optional queue item ->
// discovered post back-reference.
type PostUpdater interface {
	MarkInteracted(ctx context.Context, discoveredPostID uint, kind models.InteractionKind, at time.Time) error
	PostsAboveThreshold(ctx context.Context, accountID string, minScore float64) ([]*models.DiscoveredPost, error)
}

// Stats is a per-account queue status breakdown.
type Stats struct {
	Total     int64                        `json:"total_items"`
	Pending   int64                        `json:"pending_items"`
	Completed int64                        `json:"completed_items"`
	Failed    int64                        `json:"failed_items"`
	ByStatus  map[models.QueueStatus]int64 `json:"status_breakdown"`
}

// Queue is the interaction queue service.
type Queue struct {
	store  Store
	posts  PostUpdater
	logger *slog.Logger

	now func() time.Time
}

// NewQueue creates a queue over the given store. posts may be nil, in which
// case completions do not touch discovered posts and AutoQueueAboveThreshold
// is unavailable.
func NewQueue(store Store, posts PostUpdater, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  store,
		posts:  posts,
		logger: logger.With("component", "queue"),
		now:    time.Now,
	}
}

// CalculatePriority maps an engagement score and interaction kind to a
// priority in [1,5]. Base tier comes from the score; likes are nudged down and
// replies/quotes up, since they carry more weight when executed.
func CalculatePriority(score float64, kind models.InteractionKind) int {
	p := defaultPriority
	switch {
	case score > 1000:
		p = 5
	case score > 500:
		p = 4
	case score > AutoQueueThreshold:
		p = 3
	}

	switch kind {
	case models.InteractionLike:
		p--
	case models.InteractionReply, models.InteractionQuote:
		p++
	case models.InteractionRepost:
		// keep the score-derived priority
	}

	if p < 1 {
		p = 1
	}
	if p > maxPriority {
		p = maxPriority
	}
	return p
}

// ExecutionDelay staggers interaction types so higher-effort actions are not
// executed impulsively.
func ExecutionDelay(kind models.InteractionKind) time.Duration {
	switch kind {
	case models.InteractionLike:
		return 5 * time.Minute
	case models.InteractionRepost:
		return 10 * time.Minute
	case models.InteractionReply:
		return 15 * time.Minute
	case models.InteractionQuote:
		return 20 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// KindForScore picks an interaction kind by score tier: high engagement
// deserves a reply, medium a quote, the rest a like.
func KindForScore(score float64) models.InteractionKind {
	switch {
	case score > 500:
		return models.InteractionReply
	case score > 200:
		return models.InteractionQuote
	default:
		return models.InteractionLike
	}
}

// Enqueue schedules an interaction. A nil item with nil error means the
// request was refused: either an equivalent non-terminal item already exists
// or the account's pending count is at the ceiling. Refusal is a no-op
// signal, not an error.
func (q *Queue) Enqueue(ctx context.Context, accountID, postID string, kind models.InteractionKind, score float64, reason string) (*models.InteractionQueueItem, error) {
	ctx, span := tracer.Start(ctx, "Enqueue")
	defer span.End()

	exists, err := q.store.ExistsActive(ctx, accountID, postID, kind)
	if err != nil {
		return nil, err
	}
	if exists {
		q.logger.Debug("interaction already queued", "account", accountID, "post", postID, "kind", kind)
		return nil, nil
	}

	pending, err := q.store.CountPending(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if pending >= MaxPendingPerAccount {
		q.logger.Warn("queue size limit reached", "account", accountID, "pending", pending)
		return nil, nil
	}

	scheduledFor := q.now().Add(ExecutionDelay(kind))
	item := &models.InteractionQueueItem{
		AccountID:       accountID,
		PostID:          postID,
		Kind:            kind,
		Status:          models.StatusPending,
		Priority:        CalculatePriority(score, kind),
		EngagementScore: score,
		Reason:          reason,
		ScheduledFor:    &scheduledFor,
	}
	if err := q.store.Create(ctx, item); err != nil {
		return nil, err
	}

	queueItemsEnqueued.WithLabelValues(string(kind)).Inc()
	q.logger.Info("queued interaction",
		"account", accountID, "post", postID, "kind", kind, "priority", item.Priority)
	return item, nil
}

// EnqueueDiscovered schedules an interaction for a discovered post and links
// the queue item back to it.
func (q *Queue) EnqueueDiscovered(ctx context.Context, post *models.DiscoveredPost, kind models.InteractionKind) (*models.InteractionQueueItem, error) {
	item, err := q.Enqueue(ctx, post.AccountID, post.PostID, kind, post.EngagementScore,
		fmt.Sprintf("auto-queued from keyword: %s", post.Keyword))
	if err != nil || item == nil {
		return item, err
	}

	id := post.ID
	item.DiscoveredPostID = &id
	if err := q.store.Update(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// ReadyForExecution returns up to limit PENDING items due for execution, in
// the queue's scheduling order: priority descending, oldest first within a
// priority.
func (q *Queue) ReadyForExecution(ctx context.Context, accountID string, limit int) ([]*models.InteractionQueueItem, error) {
	return q.store.ReadyForExecution(ctx, accountID, q.now(), limit)
}

// MarkProcessing moves a PENDING item to PROCESSING.
func (q *Queue) MarkProcessing(ctx context.Context, id uint) (*models.InteractionQueueItem, error) {
	item, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.Status, models.StatusProcessing)
	}
	item.Status = models.StatusProcessing
	if err := q.store.Update(ctx, item); err != nil {
		return nil, err
	}
	queueTransitions.WithLabelValues(string(models.StatusProcessing)).Inc()
	return item, nil
}

// MarkCompleted finishes a PROCESSING item and, if the item is linked to a
// discovered post, records the interaction on the post.
func (q *Queue) MarkCompleted(ctx context.Context, id uint, result string) (*models.InteractionQueueItem, error) {
	item, err := q.terminate(ctx, id, models.StatusCompleted, result)
	if err != nil {
		return nil, err
	}

	if item.DiscoveredPostID != nil && q.posts != nil {
		if err := q.posts.MarkInteracted(ctx, *item.DiscoveredPostID, item.Kind, *item.ExecutedAt); err != nil {
			// the completion itself is already recorded
			q.logger.Error("failed to update discovered post after completion",
				"item", item.ID, "discovered_post", *item.DiscoveredPostID, "err", err)
		}
	}
	return item, nil
}

// MarkFailed finishes a PROCESSING item with an error message. The item
// becomes a retry candidate; re-submission is up to the caller.
func (q *Queue) MarkFailed(ctx context.Context, id uint, errMsg string) (*models.InteractionQueueItem, error) {
	return q.terminate(ctx, id, models.StatusFailed, errMsg)
}

// MarkSkipped finishes a PROCESSING item without acting on the target.
func (q *Queue) MarkSkipped(ctx context.Context, id uint, reason string) (*models.InteractionQueueItem, error) {
	return q.terminate(ctx, id, models.StatusSkipped, reason)
}

func (q *Queue) terminate(ctx context.Context, id uint, to models.QueueStatus, result string) (*models.InteractionQueueItem, error) {
	item, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != models.StatusProcessing {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.Status, to)
	}
	now := q.now()
	item.Status = to
	item.ExecutedAt = &now
	item.ExecutionResult = result
	if err := q.store.Update(ctx, item); err != nil {
		return nil, err
	}
	queueTransitions.WithLabelValues(string(to)).Inc()
	return item, nil
}

// Cancel cancels a PENDING item. It succeeds only when the item belongs to
// the given account and has not started processing; any other live state
// returns false without error.
func (q *Queue) Cancel(ctx context.Context, id uint, accountID string) (bool, error) {
	item, err := q.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if item.AccountID != accountID || item.Status != models.StatusPending {
		return false, nil
	}
	item.Status = models.StatusCancelled
	if err := q.store.Update(ctx, item); err != nil {
		return false, err
	}
	queueTransitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	return true, nil
}

// RetryCandidates returns FAILED items whose execution is older than the
// cutoff. Moving a candidate back to PENDING is left to the caller.
func (q *Queue) RetryCandidates(ctx context.Context, olderThan time.Duration) ([]*models.InteractionQueueItem, error) {
	return q.store.FailedBefore(ctx, q.now().Add(-olderThan))
}

// Cleanup purges COMPLETED and FAILED items executed before the retention
// window. PENDING, PROCESSING, and CANCELLED items are never touched.
func (q *Queue) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	ctx, span := tracer.Start(ctx, "Cleanup")
	defer span.End()

	cutoff := q.now().AddDate(0, 0, -retentionDays)
	n, err := q.store.DeleteExecutedBefore(ctx,
		[]models.QueueStatus{models.StatusCompleted, models.StatusFailed}, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		queueItemsCleaned.Add(float64(n))
		q.logger.Info("cleaned up old queue items", "count", n, "retention_days", retentionDays)
	}
	return n, nil
}

// AutoQueueAboveThreshold enqueues all not-yet-interacted discovered posts of
// the account scoring above minScore, picking the interaction kind per score
// tier. Returns the number of items actually queued.
func (q *Queue) AutoQueueAboveThreshold(ctx context.Context, accountID string, minScore float64) (int, error) {
	if q.posts == nil {
		return 0, errors.New("no post source configured")
	}
	posts, err := q.posts.PostsAboveThreshold(ctx, accountID, minScore)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, post := range posts {
		if post.Interacted {
			continue
		}
		item, err := q.EnqueueDiscovered(ctx, post, KindForScore(post.EngagementScore))
		if err != nil {
			q.logger.Warn("failed to auto-queue post", "post", post.PostID, "err", err)
			continue
		}
		if item != nil {
			queued++
		}
	}
	q.logger.Info("auto-queued high engagement posts", "account", accountID, "queued", queued)
	return queued, nil
}

// List returns the account's most recent queue items.
func (q *Queue) List(ctx context.Context, accountID string, limit int) ([]*models.InteractionQueueItem, error) {
	return q.store.ListByAccount(ctx, accountID, limit)
}

// Statistics returns the account's queue status breakdown.
func (q *Queue) Statistics(ctx context.Context, accountID string) (*Stats, error) {
	counts, err := q.store.StatusCounts(ctx, accountID)
	if err != nil {
		return nil, err
	}
	stats := &Stats{ByStatus: counts}
	for status, n := range counts {
		stats.Total += n
		switch status {
		case models.StatusPending:
			stats.Pending += n
		case models.StatusCompleted:
			stats.Completed += n
		case models.StatusFailed:
			stats.Failed += n
		}
	}
	return stats, nil
}
