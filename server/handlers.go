package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/perch-social/perch/discovery"
	"github.com/perch-social/perch/models"
	"github.com/perch-social/perch/queue"
	"github.com/perch-social/perch/ratelimit"
	"github.com/perch-social/perch/scheduler"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("perch-http-internal-error", "err", err)
	}
	c.JSON(code, GenericError{Error: "InternalError", Message: errorMessage})
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "perch"})
}

type accountBody struct {
	AccountID   string `json:"account_id"`
	Username    string `json:"username"`
	AccessToken string `json:"access_token"`
	Impressions int    `json:"impressions"`
}

func (srv *Server) HandleUpsertAccount(c echo.Context) error {
	ctx := c.Request().Context()

	var body accountBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(400, GenericError{Error: "InvalidBody", Message: fmt.Sprintf("%s", err)})
	}
	if body.AccountID == "" {
		return c.JSON(400, GenericError{Error: "MissingAccountID", Message: "account_id is required"})
	}

	account := &models.Account{
		AccountID:   body.AccountID,
		Username:    body.Username,
		AccessToken: body.AccessToken,
		Impressions: body.Impressions,
	}
	if err := srv.accounts.Upsert(ctx, account); err != nil {
		return err
	}
	srv.limiter.UpdateImpressions(body.AccountID, body.Impressions)
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "perch"})
}

type subscriptionBody struct {
	Keyword              string `json:"keyword"`
	SearchMode           string `json:"search_mode"`
	EngagementThreshold  int    `json:"engagement_threshold"`
	MaxPostsPerSearch    int    `json:"max_posts_per_search"`
	SearchFrequencyHours int    `json:"search_frequency_hours"`
}

func (srv *Server) HandleCreateSubscription(c echo.Context) error {
	ctx := c.Request().Context()
	accountID := c.Param("account")

	var body subscriptionBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(400, GenericError{Error: "InvalidBody", Message: fmt.Sprintf("%s", err)})
	}
	if body.Keyword == "" {
		return c.JSON(400, GenericError{Error: "MissingKeyword", Message: "keyword is required"})
	}

	mode := models.SearchModeTop
	if body.SearchMode != "" {
		parsed, ok := models.ParseSearchMode(body.SearchMode)
		if !ok {
			return c.JSON(400, GenericError{
				Error:   "InvalidSearchMode",
				Message: fmt.Sprintf("unknown search mode %q", body.SearchMode),
			})
		}
		mode = parsed
	}

	sub := &models.KeywordSubscription{
		AccountID:  accountID,
		Keyword:    body.Keyword,
		SearchMode: mode,
		Active:     true,
	}
	if body.EngagementThreshold > 0 {
		sub.EngagementThreshold = body.EngagementThreshold
	}
	if body.MaxPostsPerSearch > 0 {
		sub.MaxPostsPerSearch = body.MaxPostsPerSearch
	}
	if body.SearchFrequencyHours > 0 {
		sub.SearchFrequencyHours = body.SearchFrequencyHours
	}

	if err := srv.subs.Create(ctx, sub); err != nil {
		if errors.Is(err, scheduler.ErrDuplicateSubscription) {
			return c.JSON(409, GenericError{Error: "DuplicateSubscription", Message: err.Error()})
		}
		return err
	}
	return c.JSON(201, sub)
}

func (srv *Server) HandleListSubscriptions(c echo.Context) error {
	ctx := c.Request().Context()
	activeOnly := c.QueryParam("active") == "true"

	subs, err := srv.subs.ListByAccount(ctx, c.Param("account"), activeOnly)
	if err != nil {
		return err
	}
	return c.JSON(200, subs)
}

func (srv *Server) HandleDeactivateSubscription(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := itemID(c)
	if err != nil {
		return c.JSON(400, GenericError{Error: "InvalidID", Message: fmt.Sprintf("%s", err)})
	}
	changed, err := srv.subs.Deactivate(ctx, id, c.Param("account"))
	if err != nil {
		return err
	}
	if !changed {
		return c.JSON(404, GenericError{
			Error:   "SubscriptionNotFound",
			Message: "no active subscription with that id for this account",
		})
	}
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "perch"})
}

type searchBody struct {
	Keyword    string  `json:"keyword"`
	SearchMode string  `json:"search_mode"`
	MaxPosts   int     `json:"max_posts"`
	Threshold  float64 `json:"threshold"`
}

func (srv *Server) HandleSearch(c echo.Context) error {
	ctx := c.Request().Context()
	accountID := c.Param("account")

	var body searchBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(400, GenericError{Error: "InvalidBody", Message: fmt.Sprintf("%s", err)})
	}
	if body.Keyword == "" {
		return c.JSON(400, GenericError{Error: "MissingKeyword", Message: "keyword is required"})
	}

	mode := models.SearchModeTop
	if body.SearchMode != "" {
		parsed, ok := models.ParseSearchMode(body.SearchMode)
		if !ok {
			return c.JSON(400, GenericError{
				Error:   "InvalidSearchMode",
				Message: fmt.Sprintf("unknown search mode %q", body.SearchMode),
			})
		}
		mode = parsed
	}

	credential, err := srv.accounts.Credential(ctx, accountID)
	if err != nil {
		return err
	}
	if credential == "" {
		return c.JSON(404, GenericError{
			Error:   "AccountNotFound",
			Message: "no stored credential for this account",
		})
	}

	res, err := srv.pipeline.Search(ctx, discovery.SearchRequest{
		AccountID:  accountID,
		Credential: credential,
		Keyword:    body.Keyword,
		Mode:       mode,
		MaxPosts:   body.MaxPosts,
		Threshold:  body.Threshold,
	})
	if err != nil {
		var quotaErr *ratelimit.QuotaExceededError
		if errors.As(err, &quotaErr) {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(quotaErr.RetryAfter.Seconds())))
			return c.JSON(429, GenericError{Error: "QuotaExceeded", Message: quotaErr.Error()})
		}
		return err
	}
	return c.JSON(200, res)
}

func (srv *Server) HandleListPosts(c echo.Context) error {
	ctx := c.Request().Context()
	accountID := c.Param("account")
	limit := queryInt(c, "limit", 50)

	if keyword := c.QueryParam("keyword"); keyword != "" {
		posts, err := srv.posts.ListByKeyword(ctx, accountID, keyword, limit)
		if err != nil {
			return err
		}
		return c.JSON(200, posts)
	}

	since := time.Now().Add(-time.Duration(queryInt(c, "hours", 24)) * time.Hour)
	posts, err := srv.posts.RecentByAccount(ctx, accountID, since, limit)
	if err != nil {
		return err
	}
	return c.JSON(200, posts)
}

func (srv *Server) HandleTrendingPosts(c echo.Context) error {
	ctx := c.Request().Context()

	minScore := float64(queryInt(c, "min_score", int(queue.AutoQueueThreshold)))
	posts, err := srv.posts.TopByScore(ctx, c.Param("account"), minScore, queryInt(c, "limit", 20))
	if err != nil {
		return err
	}
	return c.JSON(200, posts)
}

func (srv *Server) HandleKeywordPerformance(c echo.Context) error {
	ctx := c.Request().Context()

	rows, err := srv.posts.KeywordPerformance(ctx, c.Param("account"))
	if err != nil {
		return err
	}
	return c.JSON(200, rows)
}

type enqueueBody struct {
	PostID string  `json:"post_id"`
	Kind   string  `json:"kind"`
	Score  float64 `json:"engagement_score"`
	Reason string  `json:"reason"`
}

func (srv *Server) HandleEnqueue(c echo.Context) error {
	ctx := c.Request().Context()

	var body enqueueBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(400, GenericError{Error: "InvalidBody", Message: fmt.Sprintf("%s", err)})
	}
	if body.PostID == "" {
		return c.JSON(400, GenericError{Error: "MissingPostID", Message: "post_id is required"})
	}
	kind, ok := models.ParseInteractionKind(body.Kind)
	if !ok {
		return c.JSON(400, GenericError{
			Error:   "InvalidKind",
			Message: fmt.Sprintf("unknown interaction kind %q", body.Kind),
		})
	}

	reason := body.Reason
	if reason == "" {
		reason = "manually queued"
	}
	item, err := srv.queue.Enqueue(ctx, c.Param("account"), body.PostID, kind, body.Score, reason)
	if err != nil {
		return err
	}
	if item == nil {
		return c.JSON(409, GenericError{
			Error:   "EnqueueRefused",
			Message: "queue is full or an active item already exists for this post and kind",
		})
	}
	return c.JSON(201, item)
}

// HandleClaimQueue hands ready items to an executor, moving each to
// PROCESSING so concurrent drains never double-claim.
func (srv *Server) HandleClaimQueue(c echo.Context) error {
	ctx := c.Request().Context()

	ready, err := srv.queue.ReadyForExecution(ctx, c.Param("account"), queryInt(c, "limit", 10))
	if err != nil {
		return err
	}

	claimed := make([]*models.InteractionQueueItem, 0, len(ready))
	for _, item := range ready {
		processed, err := srv.queue.MarkProcessing(ctx, item.ID)
		if errors.Is(err, queue.ErrInvalidTransition) {
			// another drain got there first
			continue
		}
		if err != nil {
			return err
		}
		claimed = append(claimed, processed)
	}
	return c.JSON(200, claimed)
}

// HandleAutoQueue sweeps an account's uninteracted discoveries above a score
// floor into the queue, using the same kind tiers as discovery-time
// auto-enqueue.
func (srv *Server) HandleAutoQueue(c echo.Context) error {
	ctx := c.Request().Context()

	minScore := float64(queryInt(c, "min_score", int(queue.AutoQueueThreshold)))
	queued, err := srv.queue.AutoQueueAboveThreshold(ctx, c.Param("account"), minScore)
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]int{"queued": queued})
}

// HandleRetryCandidates lists FAILED items past the age cutoff. Moving them
// back to PENDING is the caller's decision.
func (srv *Server) HandleRetryCandidates(c echo.Context) error {
	ctx := c.Request().Context()

	olderThan := time.Duration(queryInt(c, "older_than_hours", 24)) * time.Hour
	items, err := srv.queue.RetryCandidates(ctx, olderThan)
	if err != nil {
		return err
	}
	return c.JSON(200, items)
}

func (srv *Server) HandleListQueue(c echo.Context) error {
	ctx := c.Request().Context()

	items, err := srv.queue.List(ctx, c.Param("account"), queryInt(c, "limit", 50))
	if err != nil {
		return err
	}
	return c.JSON(200, items)
}

func (srv *Server) HandleQueueStats(c echo.Context) error {
	ctx := c.Request().Context()

	stats, err := srv.queue.Statistics(ctx, c.Param("account"))
	if err != nil {
		return err
	}
	return c.JSON(200, stats)
}

type resultBody struct {
	Result string `json:"result"`
}

func (srv *Server) HandleCompleteItem(c echo.Context) error {
	return srv.finishItem(c, func(ctx echo.Context, id uint, result string) (*models.InteractionQueueItem, error) {
		return srv.queue.MarkCompleted(ctx.Request().Context(), id, result)
	})
}

func (srv *Server) HandleFailItem(c echo.Context) error {
	return srv.finishItem(c, func(ctx echo.Context, id uint, result string) (*models.InteractionQueueItem, error) {
		return srv.queue.MarkFailed(ctx.Request().Context(), id, result)
	})
}

func (srv *Server) HandleSkipItem(c echo.Context) error {
	return srv.finishItem(c, func(ctx echo.Context, id uint, result string) (*models.InteractionQueueItem, error) {
		return srv.queue.MarkSkipped(ctx.Request().Context(), id, result)
	})
}

func (srv *Server) finishItem(c echo.Context, finish func(echo.Context, uint, string) (*models.InteractionQueueItem, error)) error {
	id, err := itemID(c)
	if err != nil {
		return c.JSON(400, GenericError{Error: "InvalidID", Message: fmt.Sprintf("%s", err)})
	}

	var body resultBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(400, GenericError{Error: "InvalidBody", Message: fmt.Sprintf("%s", err)})
	}

	item, err := finish(c, id, body.Result)
	if errors.Is(err, queue.ErrNotFound) {
		return c.JSON(404, GenericError{Error: "ItemNotFound", Message: err.Error()})
	}
	if errors.Is(err, queue.ErrInvalidTransition) {
		return c.JSON(409, GenericError{Error: "InvalidTransition", Message: err.Error()})
	}
	if err != nil {
		return err
	}
	return c.JSON(200, item)
}

func (srv *Server) HandleCancelItem(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := itemID(c)
	if err != nil {
		return c.JSON(400, GenericError{Error: "InvalidID", Message: fmt.Sprintf("%s", err)})
	}

	cancelled, err := srv.queue.Cancel(ctx, id, c.Param("account"))
	if errors.Is(err, queue.ErrNotFound) {
		return c.JSON(404, GenericError{Error: "ItemNotFound", Message: err.Error()})
	}
	if err != nil {
		return err
	}
	if !cancelled {
		return c.JSON(409, GenericError{
			Error:   "NotCancellable",
			Message: "item is not pending or belongs to another account",
		})
	}
	return c.JSON(200, GenericStatus{Status: "ok", Daemon: "perch"})
}

func (srv *Server) HandleRateLimitStatus(c echo.Context) error {
	return c.JSON(200, srv.limiter.Status(c.Param("account")))
}

func (srv *Server) HandleTriggerAutomation(c echo.Context) error {
	ctx := c.Request().Context()

	if err := srv.scheduler.TriggerAccount(ctx, c.Param("account")); err != nil {
		return err
	}
	return c.JSON(202, GenericStatus{Status: "ok", Daemon: "perch", Message: "automation run triggered"})
}

func itemID(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", c.Param("id"))
	}
	return uint(id), nil
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
