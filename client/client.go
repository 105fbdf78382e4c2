// Package client talks to the upstream graph API's public content-search
// capability. Only the two read endpoints the automation engine consumes are
// covered here; publishing and auth flows live elsewhere.
package client

import (
	"context"
	"time"

	"github.com/perch-social/perch/models"
)

// PostRow is one raw row from a keyword search response. All fields besides
// ID are optional upstream.
type PostRow struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Text        string `json:"text"`
	MediaType   string `json:"media_type"`
	Permalink   string `json:"permalink"`
	Timestamp   string `json:"timestamp"`
	HasReplies  bool   `json:"has_replies"`
	IsQuotePost bool   `json:"is_quote_post"`
	IsReply     bool   `json:"is_reply"`
}

// Insights maps metric names to values. The upstream legitimately returns no
// metrics for posts not owned by the calling credential; absence is not an
// error.
type Insights map[string]int64

// SearchClient is the consumed collaborator capability for content discovery.
type SearchClient interface {
	// KeywordSearch returns public posts matching the keyword, in upstream
	// order.
	KeywordSearch(ctx context.Context, credential, keyword string, mode models.SearchMode) ([]PostRow, error)
	// PostInsights fetches per-post engagement counters.
	PostInsights(ctx context.Context, credential, postID string) (Insights, error)
}

// upstream timestamps look like 2024-05-03T17:22:10+0000 (no colon in the
// zone offset, unlike RFC 3339)
const upstreamTimeLayout = "2006-01-02T15:04:05-0700"

// ParseTimestamp parses an upstream post timestamp. It returns nil when the
// value is empty or unparseable; discovery treats a nil timestamp as
// "unknown" and skips time decay.
func ParseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(upstreamTimeLayout, s); err == nil {
		return &t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	return nil
}
