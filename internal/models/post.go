package models

import (
	"time"

	"github.com/steemit/hivefeed/internal/access"
)

// Post represents an authored post
type Post struct {
	ID          int64           `gorm:"primaryKey;autoIncrement;column:id"`
	AuthorID    int64           `gorm:"not null;index:posts_ix1,priority:1;column:author_id"`
	Title       string          `gorm:"type:varchar(255);not null;default:'';column:title"`
	Audience    access.Audience `gorm:"type:varchar(16);not null;column:audience"`
	PublishedAt *time.Time      `gorm:"index:posts_ix1,priority:2;column:published_at"`
	IsSystem    bool            `gorm:"not null;default:false;column:is_system"`
	CreatedAt   time.Time       `gorm:"not null;column:created_at"`
	UpdatedAt   time.Time       `gorm:"not null;column:updated_at"`
	DeletedAt   *time.Time      `gorm:"column:deleted_at"`
}

// TableName specifies the table name for Post
func (Post) TableName() string {
	return "posts"
}

// Target returns the subset of the post the access resolver needs.
func (p *Post) Target() access.Target {
	return access.Target{ID: p.ID, AuthorID: p.AuthorID, Audience: p.Audience}
}

// Eligible is the platform-wide visibility predicate: published, not in the
// future, not soft-deleted and not a system post.
func (p *Post) Eligible(now time.Time) bool {
	return p.DeletedAt == nil && !p.IsSystem && p.PublishedAt != nil && !p.PublishedAt.After(now)
}

// Summary is the compact post description carried in push messages.
type Summary struct {
	PostID      int64     `json:"post_id"`
	AuthorID    int64     `json:"author_id"`
	Title       string    `json:"title"`
	Audience    string    `json:"audience"`
	PublishedAt time.Time `json:"published_at"`
}

// Summarize builds the push summary for the post.
func (p *Post) Summarize() Summary {
	s := Summary{
		PostID:   p.ID,
		AuthorID: p.AuthorID,
		Title:    p.Title,
		Audience: p.Audience.String(),
	}
	if p.PublishedAt != nil {
		s.PublishedAt = *p.PublishedAt
	}
	return s
}
