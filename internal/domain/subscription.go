package domain

import "time"

// PushSubscription is one durable endpoint for one device of one user. The
// store that owns the collection lives behind store.SubscriptionStore; the
// delivery core only consumes and classifies these.
type PushSubscription struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	OwnerID   string    `gorm:"index;size:64;not null" json:"owner_id"`
	Endpoint  string    `gorm:"size:2048;uniqueIndex;not null" json:"endpoint"`
	P256dh    string    `gorm:"size:256;not null" json:"p256dh"`
	Auth      string    `gorm:"size:256;not null" json:"auth"`
	CreatedAt time.Time `json:"created_at"`
}

// Contact is one directed edge of the contact graph: Owner may alert Contact.
type Contact struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OwnerID   string    `gorm:"index:idx_contact_pair,unique;size:64;not null" json:"owner_id"`
	ContactID string    `gorm:"index:idx_contact_pair,unique;size:64;not null" json:"contact_id"`
	CreatedAt time.Time `json:"created_at"`
}
