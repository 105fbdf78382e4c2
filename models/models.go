package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// SearchMode selects which ranking the upstream keyword search uses.
type SearchMode string

const (
	SearchModeTop    = SearchMode("TOP")
	SearchModeRecent = SearchMode("RECENT")
)

func ParseSearchMode(s string) (SearchMode, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TOP", "":
		return SearchModeTop, true
	case "RECENT":
		return SearchModeRecent, true
	default:
		return "", false
	}
}

// MediaKind is the upstream media_type field, normalized.
type MediaKind string

const (
	MediaKindText     = MediaKind("TEXT_POST")
	MediaKindImage    = MediaKind("IMAGE")
	MediaKindVideo    = MediaKind("VIDEO")
	MediaKindCarousel = MediaKind("CAROUSEL_ALBUM")
)

// ParseMediaKind maps upstream media_type values onto MediaKind. Unknown
// values fall back to plain text, matching upstream behavior for new types.
func ParseMediaKind(s string) MediaKind {
	switch strings.ToUpper(s) {
	case "TEXT", "TEXT_POST":
		return MediaKindText
	case "IMAGE":
		return MediaKindImage
	case "VIDEO":
		return MediaKindVideo
	case "CAROUSEL_ALBUM":
		return MediaKindCarousel
	default:
		return MediaKindText
	}
}

// InteractionKind is the action taken (or to be taken) on a post.
type InteractionKind string

const (
	InteractionLike   = InteractionKind("LIKE")
	InteractionReply  = InteractionKind("REPLY")
	InteractionRepost = InteractionKind("REPOST")
	InteractionQuote  = InteractionKind("QUOTE")
)

func ParseInteractionKind(s string) (InteractionKind, bool) {
	switch InteractionKind(strings.ToUpper(strings.TrimSpace(s))) {
	case InteractionLike:
		return InteractionLike, true
	case InteractionReply:
		return InteractionReply, true
	case InteractionRepost:
		return InteractionRepost, true
	case InteractionQuote:
		return InteractionQuote, true
	default:
		return "", false
	}
}

// QueueStatus is the queue item state machine:
//
//	PENDING -> PROCESSING -> {COMPLETED, FAILED, SKIPPED}
//	PENDING -> CANCELLED
//
// No transition leaves a terminal state.
type QueueStatus string

const (
	StatusPending    = QueueStatus("PENDING")
	StatusProcessing = QueueStatus("PROCESSING")
	StatusCompleted  = QueueStatus("COMPLETED")
	StatusFailed     = QueueStatus("FAILED")
	StatusSkipped    = QueueStatus("SKIPPED")
	StatusCancelled  = QueueStatus("CANCELLED")
)

func (s QueueStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	case StatusPending, StatusProcessing:
		return false
	default:
		return false
	}
}

// Account holds the minimum we need to act on a user's behalf. Token
// acquisition and refresh happen elsewhere; we only read the stored value.
type Account struct {
	gorm.Model
	AccountID   string `gorm:"uniqueIndex"`
	Username    string
	AccessToken string
	Impressions int
}

// KeywordSubscription is a standing (account, keyword) interest that drives
// periodic polling. At most one active subscription may exist per
// (account, keyword); that invariant is enforced at creation time, not by a
// DB constraint, so deactivated rows can be kept for bookkeeping.
type KeywordSubscription struct {
	gorm.Model
	AccountID            string     `gorm:"index:idx_subscription_account_keyword"`
	Keyword              string     `gorm:"index:idx_subscription_account_keyword"`
	SearchMode           SearchMode `gorm:"default:TOP"`
	Active               bool       `gorm:"index;default:true"`
	EngagementThreshold  int        `gorm:"default:100"`
	MaxPostsPerSearch    int        `gorm:"default:50"`
	SearchFrequencyHours int        `gorm:"default:6"`
	LastSearchAt         *time.Time
	TotalSearches        int64
	TotalPostsFound      int64
}

// Due reports whether the subscription should be polled at the given time. A
// never-polled subscription is always due.
func (s *KeywordSubscription) Due(now time.Time) bool {
	if s.LastSearchAt == nil {
		return true
	}
	freq := s.SearchFrequencyHours
	if freq <= 0 {
		freq = 6
	}
	return now.After(s.LastSearchAt.Add(time.Duration(freq) * time.Hour))
}

// DiscoveredPost is a content item matched by a subscription. The same
// upstream post may be recorded once per distinct (account, keyword) pair,
// never twice for the same triple.
type DiscoveredPost struct {
	gorm.Model
	PostID    string `gorm:"index:idx_discovered_triple,unique"`
	AccountID string `gorm:"index:idx_discovered_triple,unique"`
	Keyword   string `gorm:"index:idx_discovered_triple,unique"`

	Username      string
	Text          string
	MediaKind     MediaKind
	Permalink     string
	PostTimestamp *time.Time
	IsReply       bool
	IsQuotePost   bool
	HasReplies    bool

	ViewsCount   int64
	LikesCount   int64
	RepliesCount int64
	RepostsCount int64
	QuotesCount  int64

	// EngagementScore is computed once at discovery time and not re-decayed
	// afterward.
	EngagementScore float64 `gorm:"index"`

	Processed       bool
	Interacted      bool
	InteractionKind *InteractionKind
	InteractedAt    *time.Time
	DiscoveredAt    time.Time
}

// InteractionQueueItem is one scheduled action against a discovered post. At
// most one non-terminal item exists per (account, post, kind).
type InteractionQueueItem struct {
	gorm.Model
	AccountID        string `gorm:"index"`
	PostID           string `gorm:"index"`
	DiscoveredPostID *uint
	Kind             InteractionKind
	Status           QueueStatus `gorm:"index;default:PENDING"`
	Priority         int         `gorm:"index"`
	EngagementScore  float64
	Reason           string
	SuggestedContent string
	ScheduledFor     *time.Time
	ExecutedAt       *time.Time
	ExecutionResult  string
}

// ReadyForExecution reports whether the item is eligible to be drained.
func (i *InteractionQueueItem) ReadyForExecution(now time.Time) bool {
	return i.Status == StatusPending &&
		(i.ScheduledFor == nil || !i.ScheduledFor.After(now))
}

// All returns every persisted model, for AutoMigrate calls.
func All() []any {
	return []any{
		&Account{},
		&KeywordSubscription{},
		&DiscoveredPost{},
		&InteractionQueueItem{},
	}
}
