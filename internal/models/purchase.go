package models

import (
	"time"

	"github.com/steemit/hivefeed/internal/access"
)

// Purchase represents a pay-to-view unlock of a single post
type Purchase struct {
	ID          int64                 `gorm:"primaryKey;autoIncrement;column:id"`
	BuyerID     int64                 `gorm:"not null;index:purchases_ix1;column:buyer_id"`
	PostID      int64                 `gorm:"not null;index:purchases_ix2;column:post_id"`
	Status      access.PurchaseStatus `gorm:"type:varchar(16);not null;column:status"`
	PurchasedAt time.Time             `gorm:"not null;column:purchased_at"`
	ExpiresAt   *time.Time            `gorm:"column:expires_at"`
}

// TableName specifies the table name for Purchase
func (Purchase) TableName() string {
	return "purchases"
}

// Entitles reports whether the purchase grants access at now.
func (p *Purchase) Entitles(now time.Time) bool {
	return p != nil && access.PurchaseEntitles(p.Status, p.ExpiresAt, now)
}
