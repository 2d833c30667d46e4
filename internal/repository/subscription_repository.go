package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/beaconhq/beacon-delivery/internal/domain"
)

var ErrSubscriptionNotFound = errors.New("push subscription not found")

// SubscriptionStore owns the push subscription collection. The delivery core
// consumes it through this interface and prunes endpoints the push service
// reports as expired.
type SubscriptionStore interface {
	Save(ctx context.Context, sub *domain.PushSubscription) error
	ListSubscriptions(ctx context.Context, userID string) ([]domain.PushSubscription, error)
	Remove(ctx context.Context, id string) error
	RemoveByEndpoint(ctx context.Context, endpoint string) error
}

type GormSubscriptionStore struct{ db *gorm.DB }

func NewSubscriptionStore(db *gorm.DB) SubscriptionStore {
	return &GormSubscriptionStore{db: db}
}

// Save upserts by endpoint: re-subscribing the same device refreshes its
// keys instead of accumulating dead rows.
func (s *GormSubscriptionStore) Save(ctx context.Context, sub *domain.PushSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	var existing domain.PushSubscription
	err := s.db.WithContext(ctx).Where("endpoint = ?", sub.Endpoint).First(&existing).Error
	if err == nil {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
		return s.db.WithContext(ctx).Save(sub).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return s.db.WithContext(ctx).Create(sub).Error
}

func (s *GormSubscriptionStore) ListSubscriptions(ctx context.Context, userID string) ([]domain.PushSubscription, error) {
	var subs []domain.PushSubscription
	if err := s.db.WithContext(ctx).Where("owner_id = ?", userID).Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *GormSubscriptionStore) Remove(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.PushSubscription{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *GormSubscriptionStore) RemoveByEndpoint(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Where("endpoint = ?", endpoint).Delete(&domain.PushSubscription{}).Error
}
