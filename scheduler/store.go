package scheduler

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/perch-social/perch/models"
)

// ErrDuplicateSubscription is returned when an active subscription already
// exists for the (account, keyword) pair.
var ErrDuplicateSubscription = errors.New("active subscription already exists for this keyword")

// ErrSubscriptionNotFound is returned for lookups of unknown subscriptions.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// GormSubscriptions is the gorm-backed SubscriptionStore, plus the CRUD
// surface the API exposes.
type GormSubscriptions struct {
	db *gorm.DB
}

func NewGormSubscriptions(db *gorm.DB) *GormSubscriptions {
	return &GormSubscriptions{db: db}
}

func (s *GormSubscriptions) ActiveAccounts(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.KeywordSubscription{}).
		Where("active = ?", true).
		Distinct("account_id").
		Order("account_id").
		Pluck("account_id", &ids).Error
	return ids, err
}

func (s *GormSubscriptions) ActiveForAccount(ctx context.Context, accountID string) ([]*models.KeywordSubscription, error) {
	var subs []*models.KeywordSubscription
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND active = ?", accountID, true).
		Order("id ASC").
		Find(&subs).Error
	return subs, err
}

func (s *GormSubscriptions) Save(ctx context.Context, sub *models.KeywordSubscription) error {
	return s.db.WithContext(ctx).Save(sub).Error
}

// Create inserts a subscription, enforcing at most one active subscription
// per (account, keyword).
func (s *GormSubscriptions) Create(ctx context.Context, sub *models.KeywordSubscription) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&models.KeywordSubscription{}).
			Where("account_id = ? AND keyword = ? AND active = ?", sub.AccountID, sub.Keyword, true).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateSubscription
		}
		return tx.Create(sub).Error
	})
}

func (s *GormSubscriptions) Get(ctx context.Context, id uint) (*models.KeywordSubscription, error) {
	var sub models.KeywordSubscription
	err := s.db.WithContext(ctx).First(&sub, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *GormSubscriptions) ListByAccount(ctx context.Context, accountID string, activeOnly bool) ([]*models.KeywordSubscription, error) {
	q := s.db.WithContext(ctx).Where("account_id = ?", accountID)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var subs []*models.KeywordSubscription
	err := q.Order("id ASC").Find(&subs).Error
	return subs, err
}

// Deactivate turns a subscription off, keeping its row for bookkeeping. It
// reports whether a row changed.
func (s *GormSubscriptions) Deactivate(ctx context.Context, id uint, accountID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.KeywordSubscription{}).
		Where("id = ? AND account_id = ? AND active = ?", id, accountID, true).
		Update("active", false)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GormAccounts is the gorm-backed CredentialSource, plus the account upsert
// the API exposes.
type GormAccounts struct {
	db *gorm.DB
}

func NewGormAccounts(db *gorm.DB) *GormAccounts {
	return &GormAccounts{db: db}
}

func (s *GormAccounts) Credential(ctx context.Context, accountID string) (string, error) {
	var account models.Account
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return account.AccessToken, nil
}

func (s *GormAccounts) All(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	err := s.db.WithContext(ctx).Order("account_id").Find(&accounts).Error
	return accounts, err
}

// Upsert creates or refreshes an account row keyed by its upstream account ID.
func (s *GormAccounts) Upsert(ctx context.Context, account *models.Account) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "access_token", "impressions", "updated_at",
		}),
	}).Create(account).Error
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", account.AccountID, err)
	}
	return nil
}
