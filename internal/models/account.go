package models

import (
	"time"
)

// Account represents a platform user. Authors and viewers are both accounts.
type Account struct {
	ID        int64      `gorm:"primaryKey;autoIncrement;column:id"`
	Name      string     `gorm:"type:varchar(32);not null;uniqueIndex:accounts_ux1;column:name"`
	IsPrivate bool       `gorm:"not null;default:false;column:is_private"`
	CreatedAt time.Time  `gorm:"not null;column:created_at"`
	DeletedAt *time.Time `gorm:"column:deleted_at"`
}

// TableName specifies the table name for Account
func (Account) TableName() string {
	return "accounts"
}

// Active reports whether the account exists and has not been removed.
func (a *Account) Active() bool {
	return a != nil && a.DeletedAt == nil
}
