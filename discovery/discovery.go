// Package discovery turns keyword searches into scored, persisted posts and
// feeds the hottest ones to the interaction queue.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/perch-social/perch/client"
	"github.com/perch-social/perch/engagement"
	"github.com/perch-social/perch/models"
	"github.com/perch-social/perch/queue"
	"github.com/perch-social/perch/ratelimit"
)

var tracer = otel.Tracer("discovery")

// DefaultMaxPosts caps how many rows of one search response are processed
// when the caller does not say otherwise.
const DefaultMaxPosts = 50

// SearchRequest describes one discovery run for a single keyword.
type SearchRequest struct {
	AccountID  string
	Credential string
	Keyword    string
	Mode       models.SearchMode

	// MaxPosts caps processed rows; zero or negative means DefaultMaxPosts.
	MaxPosts int
	// Threshold is the minimum engagement score for auto-queueing; zero or
	// negative means queue.AutoQueueThreshold.
	Threshold float64
}

// Result summarizes one discovery run.
type Result struct {
	Keyword    string `json:"keyword"`
	Found      int    `json:"posts_found"`
	New        int    `json:"posts_new"`
	Duplicates int    `json:"posts_duplicate"`
	Skipped    int    `json:"posts_skipped"`
	Queued     int    `json:"interactions_queued"`
}

// Pipeline runs keyword discovery: quota gate, upstream search, score, persist,
// auto-enqueue.
type Pipeline struct {
	client  client.SearchClient
	store   PostStore
	quota   ratelimit.SearchQuota
	limiter *ratelimit.Limiter
	queue   *queue.Queue
	logger  *slog.Logger

	now func() time.Time
}

func NewPipeline(sc client.SearchClient, store PostStore, quota ratelimit.SearchQuota, limiter *ratelimit.Limiter, q *queue.Queue, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		client:  sc,
		store:   store,
		quota:   quota,
		limiter: limiter,
		queue:   q,
		logger:  logger.With("component", "discovery"),
		now:     time.Now,
	}
}

// Search runs one keyword discovery pass. The daily search quota is consumed
// once per successful upstream call, regardless of how many rows come back.
// When either the search quota or the account's API-call budget is exhausted
// it returns a *ratelimit.QuotaExceededError without calling upstream.
func (p *Pipeline) Search(ctx context.Context, req SearchRequest) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("account", req.AccountID),
		attribute.String("keyword", req.Keyword),
	)

	log := p.logger.With("account", req.AccountID, "keyword", req.Keyword)

	ok, retryAfter, err := p.quota.Check(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("checking search quota: %w", err)
	}
	if !ok {
		searchesDenied.Inc()
		return nil, &ratelimit.QuotaExceededError{Resource: "search", RetryAfter: retryAfter}
	}
	if dec := p.limiter.CheckAPICall(req.AccountID); !dec.Allowed {
		searchesDenied.Inc()
		return nil, &ratelimit.QuotaExceededError{Resource: "api", RetryAfter: dec.RetryAfter}
	}

	mode := req.Mode
	if mode == "" {
		mode = models.SearchModeTop
	}
	rows, err := p.client.KeywordSearch(ctx, req.Credential, req.Keyword, mode)
	if err != nil {
		return nil, fmt.Errorf("searching keyword %q: %w", req.Keyword, err)
	}
	p.limiter.RecordAPICall(req.AccountID)
	if err := p.quota.Increment(ctx, req.AccountID); err != nil {
		log.Error("failed to record search quota use", "err", err)
	}
	searchesRun.WithLabelValues(string(mode)).Inc()

	maxPosts := req.MaxPosts
	if maxPosts <= 0 {
		maxPosts = DefaultMaxPosts
	}
	if len(rows) > maxPosts {
		rows = rows[:maxPosts]
	}

	threshold := req.Threshold
	if threshold <= 0 {
		threshold = queue.AutoQueueThreshold
	}

	res := &Result{Keyword: req.Keyword, Found: len(rows)}
	now := p.now()
	for i := range rows {
		row := &rows[i]
		if row.ID == "" {
			res.Skipped++
			continue
		}

		exists, err := p.store.Exists(ctx, row.ID, req.AccountID, req.Keyword)
		if err != nil {
			return res, fmt.Errorf("checking for duplicate post %s: %w", row.ID, err)
		}
		if exists {
			res.Duplicates++
			continue
		}

		post := p.buildPost(ctx, req, row, now)
		if err := p.store.Create(ctx, post); err != nil {
			// racing searches for overlapping keywords can collide on the
			// unique triple; drop the loser
			log.Warn("failed to persist discovered post", "post", row.ID, "err", err)
			res.Skipped++
			continue
		}
		res.New++
		postsDiscovered.Inc()

		if post.EngagementScore > threshold && p.queue != nil {
			kind := queue.KindForScore(post.EngagementScore)
			item, err := p.queue.EnqueueDiscovered(ctx, post, kind)
			if err != nil {
				log.Error("failed to auto-queue interaction", "post", row.ID, "err", err)
				continue
			}
			if item != nil {
				res.Queued++
			}
		}
	}

	log.Info("discovery run complete",
		"found", res.Found, "new", res.New, "duplicates", res.Duplicates, "queued", res.Queued)
	return res, nil
}

// buildPost scores and assembles a DiscoveredPost from one search row.
// Insights are best effort: posts outside the credential's ownership return
// no metrics, and a failed fetch just means a zero score.
func (p *Pipeline) buildPost(ctx context.Context, req SearchRequest, row *client.PostRow, now time.Time) *models.DiscoveredPost {
	post := &models.DiscoveredPost{
		PostID:        row.ID,
		AccountID:     req.AccountID,
		Keyword:       req.Keyword,
		Username:      row.Username,
		Text:          row.Text,
		MediaKind:     models.ParseMediaKind(row.MediaType),
		Permalink:     row.Permalink,
		PostTimestamp: client.ParseTimestamp(row.Timestamp),
		IsReply:       row.IsReply,
		IsQuotePost:   row.IsQuotePost,
		HasReplies:    row.HasReplies,
		Processed:     true,
		DiscoveredAt:  now,
	}

	if dec := p.limiter.CheckAPICall(req.AccountID); dec.Allowed {
		insights, err := p.client.PostInsights(ctx, req.Credential, row.ID)
		p.limiter.RecordAPICall(req.AccountID)
		if err != nil {
			p.logger.Debug("insights unavailable", "post", row.ID, "err", err)
		} else {
			post.ViewsCount = insights["views"]
			post.LikesCount = insights["likes"]
			post.RepliesCount = insights["replies"]
			post.RepostsCount = insights["reposts"]
			post.QuotesCount = insights["quotes"]
		}
	}

	post.EngagementScore = engagement.ScoreAt(
		post.LikesCount, post.RepliesCount, post.RepostsCount, post.QuotesCount,
		post.PostTimestamp, now)
	return post
}
