package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/steemit/hivefeed/internal/access"
)

// TimelineEntry is one row of a viewer's denormalized feed. At most one row
// exists per (viewer, post).
type TimelineEntry struct {
	ID          int64         `gorm:"primaryKey;autoIncrement;column:id"`
	ViewerID    int64         `gorm:"not null;uniqueIndex:timeline_entries_ux1,priority:1;index:timeline_entries_ix1,priority:1;column:viewer_id"`
	PostID      int64         `gorm:"not null;uniqueIndex:timeline_entries_ux1,priority:2;index:timeline_entries_ix2;column:post_id"`
	Source      access.Source `gorm:"type:varchar(32);not null;column:source"`
	Context     EntryContext  `gorm:"type:text;column:context"`
	VisibleAt   time.Time     `gorm:"not null;index:timeline_entries_ix1,priority:2;column:visible_at"`
	NotifiedAt  *time.Time    `gorm:"column:notified_at"`
	NotifyToken *string       `gorm:"type:varchar(36);column:notify_token"`
	CreatedAt   time.Time     `gorm:"not null;column:created_at"`
	UpdatedAt   time.Time     `gorm:"not null;column:updated_at"`
}

// TableName specifies the table name for TimelineEntry
func (TimelineEntry) TableName() string {
	return "timeline_entries"
}

// Pair identifies a (viewer, post) slot in the timeline.
type Pair struct {
	ViewerID int64
	PostID   int64
}

// Pair returns the uniqueness key of the entry.
func (e *TimelineEntry) Pair() Pair {
	return Pair{ViewerID: e.ViewerID, PostID: e.PostID}
}

// EntryContext is the free-form JSON context stored with an entry.
type EntryContext map[string]interface{}

// Scan implements sql.Scanner
func (c *EntryContext) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*c = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported context type %T", value)
	}
	if len(raw) == 0 {
		*c = nil
		return nil
	}
	m := EntryContext{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("failed to decode entry context: %w", err)
	}
	*c = m
	return nil
}

// Value implements driver.Valuer
func (c EntryContext) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry context: %w", err)
	}
	return string(b), nil
}

// Context keys
const (
	ContextPurchasedAt = "purchased_at"
)
