package models

import (
	"time"
)

// Follow represents a follow edge from one account onto another
type Follow struct {
	FollowerID  int64     `gorm:"primaryKey;autoIncrement:false;column:follower_id"`
	FollowingID int64     `gorm:"primaryKey;autoIncrement:false;index:follows_ix1,priority:1;column:following_id"`
	Status      string    `gorm:"type:varchar(16);not null;default:'pending';index:follows_ix1,priority:2;column:status"`
	CreatedAt   time.Time `gorm:"not null;column:created_at"`
	UpdatedAt   time.Time `gorm:"not null;column:updated_at"`
}

// TableName specifies the table name for Follow
func (Follow) TableName() string {
	return "follows"
}

// Follow status constants
const (
	FollowStatusPending  = "pending"  // Awaiting approval by a private profile
	FollowStatusApproved = "approved" // Active follow
)
