package queue

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/perch-social/perch/models"
)

// Gormstore is the gorm-backed implementation of the queue Store interface.
type Gormstore struct {
	db *gorm.DB
}

func NewGormstore(db *gorm.DB) *Gormstore {
	return &Gormstore{db: db}
}

func (s *Gormstore) Create(ctx context.Context, item *models.InteractionQueueItem) error {
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Gormstore) Get(ctx context.Context, id uint) (*models.InteractionQueueItem, error) {
	var item models.InteractionQueueItem
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Gormstore) Update(ctx context.Context, item *models.InteractionQueueItem) error {
	return s.db.WithContext(ctx).Save(item).Error
}

func (s *Gormstore) ExistsActive(ctx context.Context, accountID, postID string, kind models.InteractionKind) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.InteractionQueueItem{}).
		Where("account_id = ? AND post_id = ? AND kind = ? AND status IN ?",
			accountID, postID, kind,
			[]models.QueueStatus{models.StatusPending, models.StatusProcessing}).
		Count(&count).Error
	return count > 0, err
}

func (s *Gormstore) CountPending(ctx context.Context, accountID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.InteractionQueueItem{}).
		Where("account_id = ? AND status = ?", accountID, models.StatusPending).
		Count(&count).Error
	return count, err
}

func (s *Gormstore) ReadyForExecution(ctx context.Context, accountID string, now time.Time, limit int) ([]*models.InteractionQueueItem, error) {
	var items []*models.InteractionQueueItem
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ? AND (scheduled_for IS NULL OR scheduled_for <= ?)",
			accountID, models.StatusPending, now).
		Order("priority DESC, created_at ASC, id ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (s *Gormstore) FailedBefore(ctx context.Context, cutoff time.Time) ([]*models.InteractionQueueItem, error) {
	var items []*models.InteractionQueueItem
	err := s.db.WithContext(ctx).
		Where("status = ? AND executed_at < ?", models.StatusFailed, cutoff).
		Order("priority DESC, executed_at ASC").
		Find(&items).Error
	return items, err
}

func (s *Gormstore) DeleteExecutedBefore(ctx context.Context, statuses []models.QueueStatus, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND executed_at < ?", statuses, cutoff).
		Delete(&models.InteractionQueueItem{})
	return res.RowsAffected, res.Error
}

func (s *Gormstore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.InteractionQueueItem, error) {
	var items []*models.InteractionQueueItem
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (s *Gormstore) StatusCounts(ctx context.Context, accountID string) (map[models.QueueStatus]int64, error) {
	type row struct {
		Status models.QueueStatus
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.InteractionQueueItem{}).
		Select("status, count(*) as n").
		Where("account_id = ?", accountID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.QueueStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
