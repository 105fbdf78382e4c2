package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/perch-social/perch/models"
)

// searchFields is the fixed field set requested from keyword search.
const searchFields = "id,text,media_type,permalink,timestamp,username,has_replies,is_quote_post,is_reply"

// insightMetrics is the metric set requested from per-post insights.
const insightMetrics = "views,likes,replies,reposts,quotes"

type leveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l leveledSlog) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

func (l leveledSlog) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Debug(msg, keysAndValues...)
}

// HTTPClient implements SearchClient against a graph-API base URL. Requests
// retry on connection errors and 5xx, and are paced by a politeness limiter
// shared across all accounts so a burst of due subscriptions does not hammer
// the upstream.
type HTTPClient struct {
	BaseURL string

	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHTTPClient creates a client. requestsPerSecond bounds the outbound
// request rate; zero or negative means 5 rps.
func NewHTTPClient(baseURL string, requestsPerSecond int, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "client")
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(leveledSlog{logger})
	httpClient := retryClient.StandardClient()
	httpClient.Timeout = 20 * time.Second

	return &HTTPClient{
		BaseURL: baseURL,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:  logger,
	}
}

type searchResponse struct {
	Data []PostRow `json:"data"`
}

func (c *HTTPClient) KeywordSearch(ctx context.Context, credential, keyword string, mode models.SearchMode) ([]PostRow, error) {
	q := url.Values{}
	q.Set("q", keyword)
	q.Set("search_type", string(mode))
	q.Set("fields", searchFields)
	q.Set("access_token", credential)

	var out searchResponse
	if err := c.getJSON(ctx, "/keyword_search", q, &out); err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	return out.Data, nil
}

type insightsResponse struct {
	Data []struct {
		Name   string `json:"name"`
		Values []struct {
			Value int64 `json:"value"`
		} `json:"values"`
	} `json:"data"`
}

func (c *HTTPClient) PostInsights(ctx context.Context, credential, postID string) (Insights, error) {
	q := url.Values{}
	q.Set("metric", insightMetrics)
	q.Set("access_token", credential)

	var out insightsResponse
	if err := c.getJSON(ctx, "/"+url.PathEscape(postID)+"/insights", q, &out); err != nil {
		return nil, fmt.Errorf("insights fetch failed: %w", err)
	}

	insights := make(Insights, len(out.Data))
	for _, metric := range out.Data {
		if len(metric.Values) == 0 {
			continue
		}
		insights[metric.Name] = metric.Values[0].Value
	}
	return insights, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
