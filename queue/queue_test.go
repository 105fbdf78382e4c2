package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perch-social/perch/models"
)

type fakePostUpdater struct {
	posts      []*models.DiscoveredPost
	interacted map[uint]models.InteractionKind
}

func newFakePostUpdater(posts ...*models.DiscoveredPost) *fakePostUpdater {
	return &fakePostUpdater{
		posts:      posts,
		interacted: make(map[uint]models.InteractionKind),
	}
}

func (f *fakePostUpdater) MarkInteracted(ctx context.Context, id uint, kind models.InteractionKind, at time.Time) error {
	f.interacted[id] = kind
	return nil
}

func (f *fakePostUpdater) PostsAboveThreshold(ctx context.Context, accountID string, minScore float64) ([]*models.DiscoveredPost, error) {
	var out []*models.DiscoveredPost
	for _, p := range f.posts {
		if p.AccountID == accountID && p.EngagementScore > minScore {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestCalculatePriorityRange(t *testing.T) {
	kinds := []models.InteractionKind{
		models.InteractionLike, models.InteractionReply,
		models.InteractionRepost, models.InteractionQuote,
	}
	for score := 0.0; score <= 2000; score += 25 {
		for _, kind := range kinds {
			p := CalculatePriority(score, kind)
			if p < 1 || p > 5 {
				t.Fatalf("priority %d out of range for score %f kind %s", p, score, kind)
			}
		}
	}
}

func TestCalculatePriorityTiers(t *testing.T) {
	assert := assert.New(t)

	// base 1, like drops to floor
	assert.Equal(1, CalculatePriority(50, models.InteractionLike))
	assert.Equal(1, CalculatePriority(50, models.InteractionRepost))
	assert.Equal(2, CalculatePriority(50, models.InteractionReply))

	// base 3 above the high-engagement threshold
	assert.Equal(2, CalculatePriority(150, models.InteractionLike))
	assert.Equal(3, CalculatePriority(150, models.InteractionRepost))
	assert.Equal(4, CalculatePriority(150, models.InteractionQuote))

	// base 4 above 500
	assert.Equal(5, CalculatePriority(600, models.InteractionReply))

	// base 5 caps at 5 even with the reply boost
	assert.Equal(5, CalculatePriority(1500, models.InteractionReply))
	assert.Equal(4, CalculatePriority(1500, models.InteractionLike))
}

func TestKindForScore(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(models.InteractionReply, KindForScore(600))
	assert.Equal(models.InteractionQuote, KindForScore(300))
	assert.Equal(models.InteractionLike, KindForScore(150))
	assert.Equal(models.InteractionLike, KindForScore(0))
}

func TestEnqueueIdempotent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	q := NewQueue(NewMemstore(), nil, nil)

	item, err := q.Enqueue(ctx, "acct", "p1", models.InteractionLike, 50, "test")
	require.NoError(err)
	require.NotNil(item)
	assert.Equal(models.StatusPending, item.Status)
	assert.NotNil(item.ScheduledFor)

	// second identical request is refused, not an error
	dup, err := q.Enqueue(ctx, "acct", "p1", models.InteractionLike, 50, "test")
	require.NoError(err)
	assert.Nil(dup)

	// different kind for the same post is a distinct key
	other, err := q.Enqueue(ctx, "acct", "p1", models.InteractionRepost, 50, "test")
	require.NoError(err)
	assert.NotNil(other)

	// once the first item is terminal the key is free again
	_, err = q.MarkProcessing(ctx, item.ID)
	require.NoError(err)
	_, err = q.MarkCompleted(ctx, item.ID, "done")
	require.NoError(err)

	again, err := q.Enqueue(ctx, "acct", "p1", models.InteractionLike, 50, "test")
	require.NoError(err)
	assert.NotNil(again)
}

func TestEnqueueQueueFull(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	q := NewQueue(NewMemstore(), nil, nil)

	for i := 0; i < MaxPendingPerAccount; i++ {
		item, err := q.Enqueue(ctx, "acct", fmt.Sprintf("p%d", i), models.InteractionLike, 10, "fill")
		require.NoError(err)
		require.NotNil(item)
	}

	full, err := q.Enqueue(ctx, "acct", "one-more", models.InteractionLike, 10, "fill")
	require.NoError(err)
	assert.Nil(full)

	// the ceiling is per-account
	other, err := q.Enqueue(ctx, "other", "p1", models.InteractionLike, 10, "fill")
	require.NoError(err)
	assert.NotNil(other)
}

func TestReadyForExecutionOrdering(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := NewMemstore()
	q := NewQueue(store, nil, nil)

	base := time.Now().Add(-time.Hour)

	// inserted deliberately out of order
	seed := []struct {
		post     string
		priority int
		created  time.Time
	}{
		{"mid-new", 3, base.Add(30 * time.Minute)},
		{"low", 1, base},
		{"high", 5, base.Add(45 * time.Minute)},
		{"mid-old", 3, base.Add(5 * time.Minute)},
		{"high-older", 5, base.Add(10 * time.Minute)},
	}
	for _, s := range seed {
		item := &models.InteractionQueueItem{
			AccountID: "acct",
			PostID:    s.post,
			Kind:      models.InteractionLike,
			Status:    models.StatusPending,
			Priority:  s.priority,
		}
		item.CreatedAt = s.created
		require.NoError(store.Create(ctx, item))
	}

	ready, err := q.ReadyForExecution(ctx, "acct", 10)
	require.NoError(err)
	require.Len(ready, 5)

	var order []string
	for _, item := range ready {
		order = append(order, item.PostID)
	}
	assert.Equal([]string{"high-older", "high", "mid-old", "mid-new", "low"}, order)

	// limit caps the result after ordering
	ready, err = q.ReadyForExecution(ctx, "acct", 2)
	require.NoError(err)
	require.Len(ready, 2)
	assert.Equal("high-older", ready[0].PostID)
	assert.Equal("high", ready[1].PostID)
}

func TestScheduledForGating(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	now := time.Now()
	q := NewQueue(NewMemstore(), nil, nil)
	q.now = func() time.Time { return now }

	item, err := q.Enqueue(ctx, "acct", "p1", models.InteractionQuote, 300, "test")
	require.NoError(err)
	require.NotNil(item)
	assert.Equal(now.Add(20*time.Minute), *item.ScheduledFor)

	// not due yet
	ready, err := q.ReadyForExecution(ctx, "acct", 10)
	require.NoError(err)
	assert.Empty(ready)

	now = now.Add(21 * time.Minute)
	ready, err = q.ReadyForExecution(ctx, "acct", 10)
	require.NoError(err)
	assert.Len(ready, 1)
}

func TestExecutionDelays(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(5*time.Minute, ExecutionDelay(models.InteractionLike))
	assert.Equal(10*time.Minute, ExecutionDelay(models.InteractionRepost))
	assert.Equal(15*time.Minute, ExecutionDelay(models.InteractionReply))
	assert.Equal(20*time.Minute, ExecutionDelay(models.InteractionQuote))
}

func TestStateMachine(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	posts := newFakePostUpdater()
	q := NewQueue(NewMemstore(), posts, nil)

	post := &models.DiscoveredPost{
		PostID:          "p1",
		AccountID:       "acct",
		Keyword:         "golang",
		EngagementScore: 600,
	}
	post.ID = 42

	item, err := q.EnqueueDiscovered(ctx, post, models.InteractionReply)
	require.NoError(err)
	require.NotNil(item)
	require.NotNil(item.DiscoveredPostID)
	assert.Equal(uint(42), *item.DiscoveredPostID)

	// cannot terminate an item that never started processing
	_, err = q.MarkCompleted(ctx, item.ID, "done")
	assert.ErrorIs(err, ErrInvalidTransition)

	proc, err := q.MarkProcessing(ctx, item.ID)
	require.NoError(err)
	assert.Equal(models.StatusProcessing, proc.Status)

	// double processing is refused
	_, err = q.MarkProcessing(ctx, item.ID)
	assert.ErrorIs(err, ErrInvalidTransition)

	done, err := q.MarkCompleted(ctx, item.ID, "replied")
	require.NoError(err)
	assert.Equal(models.StatusCompleted, done.Status)
	assert.NotNil(done.ExecutedAt)
	assert.Equal("replied", done.ExecutionResult)

	// completion propagated to the linked discovered post
	assert.Equal(models.InteractionReply, posts.interacted[42])

	// no transition leaves a terminal state
	_, err = q.MarkFailed(ctx, item.ID, "late failure")
	assert.ErrorIs(err, ErrInvalidTransition)
	_, err = q.MarkProcessing(ctx, item.ID)
	assert.ErrorIs(err, ErrInvalidTransition)

	_, err = q.MarkProcessing(ctx, 9999)
	assert.ErrorIs(err, ErrNotFound)
}

func TestMarkFailedAndSkipped(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	q := NewQueue(NewMemstore(), nil, nil)

	a, err := q.Enqueue(ctx, "acct", "p1", models.InteractionLike, 10, "t")
	require.NoError(err)
	b, err := q.Enqueue(ctx, "acct", "p2", models.InteractionLike, 10, "t")
	require.NoError(err)

	_, err = q.MarkProcessing(ctx, a.ID)
	require.NoError(err)
	failed, err := q.MarkFailed(ctx, a.ID, "upstream 500")
	require.NoError(err)
	assert.Equal(models.StatusFailed, failed.Status)
	assert.Equal("upstream 500", failed.ExecutionResult)

	_, err = q.MarkProcessing(ctx, b.ID)
	require.NoError(err)
	skipped, err := q.MarkSkipped(ctx, b.ID, "author blocked us")
	require.NoError(err)
	assert.Equal(models.StatusSkipped, skipped.Status)
}

func TestCancel(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	q := NewQueue(NewMemstore(), nil, nil)

	item, err := q.Enqueue(ctx, "acct", "p1", models.InteractionLike, 10, "t")
	require.NoError(err)

	// wrong owner
	ok, err := q.Cancel(ctx, item.ID, "intruder")
	require.NoError(err)
	assert.False(ok)

	ok, err = q.Cancel(ctx, item.ID, "acct")
	require.NoError(err)
	assert.True(ok)

	// already cancelled
	ok, err = q.Cancel(ctx, item.ID, "acct")
	require.NoError(err)
	assert.False(ok)

	// processing items cannot be cancelled
	other, err := q.Enqueue(ctx, "acct", "p2", models.InteractionLike, 10, "t")
	require.NoError(err)
	_, err = q.MarkProcessing(ctx, other.ID)
	require.NoError(err)
	ok, err = q.Cancel(ctx, other.ID, "acct")
	require.NoError(err)
	assert.False(ok)

	_, err = q.Cancel(ctx, 9999, "acct")
	assert.ErrorIs(err, ErrNotFound)
}

func TestRetryCandidates(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	now := time.Now()
	q := NewQueue(NewMemstore(), nil, nil)
	q.now = func() time.Time { return now }

	fail := func(post string, score float64) {
		item, err := q.Enqueue(ctx, "acct", post, models.InteractionReply, score, "t")
		require.NoError(err)
		_, err = q.MarkProcessing(ctx, item.ID)
		require.NoError(err)
		_, err = q.MarkFailed(ctx, item.ID, "boom")
		require.NoError(err)
	}

	fail("old-low", 10)
	fail("old-high", 900)

	now = now.Add(5 * time.Hour)
	fail("recent", 10)

	now = now.Add(time.Hour)

	// only failures older than 4h qualify; highest priority first
	candidates, err := q.RetryCandidates(ctx, 4*time.Hour)
	require.NoError(err)
	require.Len(candidates, 2)
	assert.Equal("old-high", candidates[0].PostID)
	assert.Equal("old-low", candidates[1].PostID)

	// candidates stay FAILED until the caller re-submits them
	for _, c := range candidates {
		assert.Equal(models.StatusFailed, c.Status)
	}
}

func TestCleanup(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	now := time.Now()
	q := NewQueue(NewMemstore(), nil, nil)
	q.now = func() time.Time { return now }

	terminal := func(post string, to models.QueueStatus) uint {
		item, err := q.Enqueue(ctx, "acct", post, models.InteractionLike, 10, "t")
		require.NoError(err)
		_, err = q.MarkProcessing(ctx, item.ID)
		require.NoError(err)
		switch to {
		case models.StatusCompleted:
			_, err = q.MarkCompleted(ctx, item.ID, "ok")
		case models.StatusFailed:
			_, err = q.MarkFailed(ctx, item.ID, "no")
		case models.StatusSkipped:
			_, err = q.MarkSkipped(ctx, item.ID, "skip")
		}
		require.NoError(err)
		return item.ID
	}

	completedID := terminal("done", models.StatusCompleted)
	failedID := terminal("failed", models.StatusFailed)
	skippedID := terminal("skipped", models.StatusSkipped)

	pending, err := q.Enqueue(ctx, "acct", "pending", models.InteractionLike, 10, "t")
	require.NoError(err)

	now = now.Add(31 * 24 * time.Hour)
	deleted, err := q.Cleanup(ctx, 30)
	require.NoError(err)
	assert.Equal(int64(2), deleted)

	_, err = q.store.Get(ctx, completedID)
	assert.ErrorIs(err, ErrNotFound)
	_, err = q.store.Get(ctx, failedID)
	assert.ErrorIs(err, ErrNotFound)

	// skipped and pending items are retained
	_, err = q.store.Get(ctx, skippedID)
	assert.NoError(err)
	_, err = q.store.Get(ctx, pending.ID)
	assert.NoError(err)
}

func TestAutoQueueAboveThreshold(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	mkpost := func(id uint, postID string, score float64, interacted bool) *models.DiscoveredPost {
		p := &models.DiscoveredPost{
			PostID:          postID,
			AccountID:       "acct",
			Keyword:         "golang",
			EngagementScore: score,
			Interacted:      interacted,
		}
		p.ID = id
		return p
	}

	posts := newFakePostUpdater(
		mkpost(1, "hot", 600, false),
		mkpost(2, "warm", 300, false),
		mkpost(3, "mild", 150, false),
		mkpost(4, "cold", 50, false),
		mkpost(5, "seen", 900, true),
	)
	store := NewMemstore()
	q := NewQueue(store, posts, nil)

	queued, err := q.AutoQueueAboveThreshold(ctx, "acct", 100)
	require.NoError(err)
	assert.Equal(3, queued)

	kinds := map[string]models.InteractionKind{}
	items, err := q.List(ctx, "acct", 10)
	require.NoError(err)
	for _, item := range items {
		kinds[item.PostID] = item.Kind
	}
	assert.Equal(models.InteractionReply, kinds["hot"])
	assert.Equal(models.InteractionQuote, kinds["warm"])
	assert.Equal(models.InteractionLike, kinds["mild"])
	assert.NotContains(kinds, "cold")
	assert.NotContains(kinds, "seen")
}

func TestStatistics(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	q := NewQueue(NewMemstore(), nil, nil)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "acct", fmt.Sprintf("pend%d", i), models.InteractionLike, 10, "t")
		require.NoError(err)
	}
	done, err := q.Enqueue(ctx, "acct", "done", models.InteractionLike, 10, "t")
	require.NoError(err)
	_, err = q.MarkProcessing(ctx, done.ID)
	require.NoError(err)
	_, err = q.MarkCompleted(ctx, done.ID, "ok")
	require.NoError(err)

	stats, err := q.Statistics(ctx, "acct")
	require.NoError(err)
	assert.Equal(int64(4), stats.Total)
	assert.Equal(int64(3), stats.Pending)
	assert.Equal(int64(1), stats.Completed)
	assert.Equal(int64(0), stats.Failed)
}
