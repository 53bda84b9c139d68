package models

import (
	"time"
)

// Block represents one account blocking another. Visibility treats the edge
// as symmetric.
type Block struct {
	BlockerID int64     `gorm:"primaryKey;autoIncrement:false;column:blocker_id"`
	BlockedID int64     `gorm:"primaryKey;autoIncrement:false;index:blocks_ix1;column:blocked_id"`
	CreatedAt time.Time `gorm:"not null;column:created_at"`
}

// TableName specifies the table name for Block
func (Block) TableName() string {
	return "blocks"
}
