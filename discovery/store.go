package discovery

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/perch-social/perch/models"
)

// PostStore is the persistence interface for discovered posts. It also
// carries the two methods the interaction queue needs, so a single Gormstore
// can back both services.
type PostStore interface {
	// Exists reports whether the (post, account, keyword) triple is already
	// recorded.
	Exists(ctx context.Context, postID, accountID, keyword string) (bool, error)
	Create(ctx context.Context, post *models.DiscoveredPost) error

	MarkInteracted(ctx context.Context, discoveredPostID uint, kind models.InteractionKind, at time.Time) error
	PostsAboveThreshold(ctx context.Context, accountID string, minScore float64) ([]*models.DiscoveredPost, error)
}

// KeywordStats is one row of the per-keyword performance rollup.
type KeywordStats struct {
	Keyword       string  `json:"keyword"`
	PostsFound    int64   `json:"posts_found"`
	AvgScore      float64 `json:"avg_engagement_score"`
	MaxScore      float64 `json:"max_engagement_score"`
	Interactions  int64   `json:"interactions"`
}

// Gormstore is the gorm-backed PostStore.
type Gormstore struct {
	db *gorm.DB
}

func NewGormstore(db *gorm.DB) *Gormstore {
	return &Gormstore{db: db}
}

func (s *Gormstore) Exists(ctx context.Context, postID, accountID, keyword string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.DiscoveredPost{}).
		Where("post_id = ? AND account_id = ? AND keyword = ?", postID, accountID, keyword).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Gormstore) Create(ctx context.Context, post *models.DiscoveredPost) error {
	return s.db.WithContext(ctx).Create(post).Error
}

func (s *Gormstore) MarkInteracted(ctx context.Context, discoveredPostID uint, kind models.InteractionKind, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.DiscoveredPost{}).
		Where("id = ?", discoveredPostID).
		Updates(map[string]any{
			"interacted":       true,
			"interaction_kind": string(kind),
			"interacted_at":    at,
		}).Error
}

func (s *Gormstore) PostsAboveThreshold(ctx context.Context, accountID string, minScore float64) ([]*models.DiscoveredPost, error) {
	var posts []*models.DiscoveredPost
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND engagement_score > ? AND interacted = ?", accountID, minScore, false).
		Order("engagement_score DESC").
		Find(&posts).Error
	return posts, err
}

// ListByKeyword returns an account's discoveries for one keyword, newest
// first.
func (s *Gormstore) ListByKeyword(ctx context.Context, accountID, keyword string, limit int) ([]*models.DiscoveredPost, error) {
	var posts []*models.DiscoveredPost
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND keyword = ?", accountID, keyword).
		Order("discovered_at DESC").
		Limit(limit).
		Find(&posts).Error
	return posts, err
}

// RecentByAccount returns an account's discoveries since the given time,
// newest first.
func (s *Gormstore) RecentByAccount(ctx context.Context, accountID string, since time.Time, limit int) ([]*models.DiscoveredPost, error) {
	var posts []*models.DiscoveredPost
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND discovered_at >= ?", accountID, since).
		Order("discovered_at DESC").
		Limit(limit).
		Find(&posts).Error
	return posts, err
}

// TopByScore returns an account's highest-scoring discoveries, for the
// trending view.
func (s *Gormstore) TopByScore(ctx context.Context, accountID string, minScore float64, limit int) ([]*models.DiscoveredPost, error) {
	var posts []*models.DiscoveredPost
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND engagement_score >= ?", accountID, minScore).
		Order("engagement_score DESC").
		Limit(limit).
		Find(&posts).Error
	return posts, err
}

// KeywordPerformance aggregates discovery outcomes per keyword for one
// account.
func (s *Gormstore) KeywordPerformance(ctx context.Context, accountID string) ([]KeywordStats, error) {
	var rows []KeywordStats
	err := s.db.WithContext(ctx).Model(&models.DiscoveredPost{}).
		Select("keyword", "count(*) as posts_found", "avg(engagement_score) as avg_score",
			"max(engagement_score) as max_score", "sum(case when interacted then 1 else 0 end) as interactions").
		Where("account_id = ?", accountID).
		Group("keyword").
		Order("posts_found DESC").
		Scan(&rows).Error
	return rows, err
}
