package models

import (
	"time"

	"github.com/steemit/hivefeed/internal/access"
)

// Subscription represents a paid subscription of one account to a creator
type Subscription struct {
	ID           int64                     `gorm:"primaryKey;autoIncrement;column:id"`
	SubscriberID int64                     `gorm:"not null;index:subscriptions_ix1;column:subscriber_id"`
	CreatorID    int64                     `gorm:"not null;index:subscriptions_ix2;column:creator_id"`
	Status       access.SubscriptionStatus `gorm:"type:varchar(16);not null;column:status"`
	EndsAt       *time.Time                `gorm:"column:ends_at"`
	GraceEndsAt  *time.Time                `gorm:"column:grace_ends_at"`
	CreatedAt    time.Time                 `gorm:"not null;column:created_at"`
	UpdatedAt    time.Time                 `gorm:"not null;column:updated_at"`
}

// TableName specifies the table name for Subscription
func (Subscription) TableName() string {
	return "subscriptions"
}

// Entitles reports whether the subscription grants access at now.
func (s *Subscription) Entitles(now time.Time) bool {
	return s != nil && access.SubscriptionEntitles(s.Status, s.EndsAt, s.GraceEndsAt, now)
}
