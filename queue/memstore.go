package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/perch-social/perch/models"
)

// Memstore is a simple in-memory implementation of the queue Store interface,
// used in tests and for running without a database.
type Memstore struct {
	lk     sync.RWMutex
	items  map[uint]*models.InteractionQueueItem
	nextID uint
}

func NewMemstore() *Memstore {
	return &Memstore{
		items: make(map[uint]*models.InteractionQueueItem),
	}
}

func copyItem(item *models.InteractionQueueItem) *models.InteractionQueueItem {
	dup := *item
	return &dup
}

func (s *Memstore) Create(ctx context.Context, item *models.InteractionQueueItem) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	s.nextID++
	item.ID = s.nextID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.UpdatedAt = item.CreatedAt
	s.items[item.ID] = copyItem(item)
	return nil
}

func (s *Memstore) Get(ctx context.Context, id uint) (*models.InteractionQueueItem, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyItem(item), nil
}

func (s *Memstore) Update(ctx context.Context, item *models.InteractionQueueItem) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	if _, ok := s.items[item.ID]; !ok {
		return ErrNotFound
	}
	item.UpdatedAt = time.Now()
	s.items[item.ID] = copyItem(item)
	return nil
}

func (s *Memstore) ExistsActive(ctx context.Context, accountID, postID string, kind models.InteractionKind) (bool, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	for _, item := range s.items {
		if item.AccountID == accountID && item.PostID == postID && item.Kind == kind &&
			!item.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Memstore) CountPending(ctx context.Context, accountID string) (int64, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	var count int64
	for _, item := range s.items {
		if item.AccountID == accountID && item.Status == models.StatusPending {
			count++
		}
	}
	return count, nil
}

func (s *Memstore) ReadyForExecution(ctx context.Context, accountID string, now time.Time, limit int) ([]*models.InteractionQueueItem, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	var ready []*models.InteractionQueueItem
	for _, item := range s.items {
		if item.AccountID == accountID && item.ReadyForExecution(now) {
			ready = append(ready, copyItem(item))
		}
	}
	sortByPriorityThenAge(ready)
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (s *Memstore) FailedBefore(ctx context.Context, cutoff time.Time) ([]*models.InteractionQueueItem, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	var failed []*models.InteractionQueueItem
	for _, item := range s.items {
		if item.Status == models.StatusFailed && item.ExecutedAt != nil && item.ExecutedAt.Before(cutoff) {
			failed = append(failed, copyItem(item))
		}
	}
	sort.SliceStable(failed, func(i, j int) bool {
		if failed[i].Priority != failed[j].Priority {
			return failed[i].Priority > failed[j].Priority
		}
		return failed[i].ExecutedAt.Before(*failed[j].ExecutedAt)
	})
	return failed, nil
}

func (s *Memstore) DeleteExecutedBefore(ctx context.Context, statuses []models.QueueStatus, cutoff time.Time) (int64, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	var deleted int64
	for id, item := range s.items {
		if item.ExecutedAt == nil || !item.ExecutedAt.Before(cutoff) {
			continue
		}
		for _, status := range statuses {
			if item.Status == status {
				delete(s.items, id)
				deleted++
				break
			}
		}
	}
	return deleted, nil
}

func (s *Memstore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.InteractionQueueItem, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	var items []*models.InteractionQueueItem
	for _, item := range s.items {
		if item.AccountID == accountID {
			items = append(items, copyItem(item))
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Memstore) StatusCounts(ctx context.Context, accountID string) (map[models.QueueStatus]int64, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	counts := make(map[models.QueueStatus]int64)
	for _, item := range s.items {
		if item.AccountID == accountID {
			counts[item.Status]++
		}
	}
	return counts, nil
}

func sortByPriorityThenAge(items []*models.InteractionQueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
