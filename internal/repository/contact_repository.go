package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/beaconhq/beacon-delivery/internal/domain"
)

// ContactGraph answers who may receive a sender's alerts. Graph maintenance
// (invites, acceptance) lives outside the delivery core.
type ContactGraph interface {
	ListRecipients(ctx context.Context, userID string) ([]string, error)
}

type GormContactGraph struct{ db *gorm.DB }

func NewContactGraph(db *gorm.DB) *GormContactGraph {
	return &GormContactGraph{db: db}
}

func (g *GormContactGraph) ListRecipients(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := g.db.WithContext(ctx).
		Model(&domain.Contact{}).
		Where("owner_id = ?", userID).
		Pluck("contact_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// AddContact inserts a directed edge; duplicate pairs are a no-op.
func (g *GormContactGraph) AddContact(ctx context.Context, ownerID, contactID string) error {
	edge := domain.Contact{OwnerID: ownerID, ContactID: contactID}
	return g.db.WithContext(ctx).
		Where("owner_id = ? AND contact_id = ?", ownerID, contactID).
		FirstOrCreate(&edge).Error
}

// Migrate creates the collaborator tables for sqlite-backed deployments.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&domain.Contact{}, &domain.PushSubscription{})
}
