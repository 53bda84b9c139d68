// Package events defines the domain signals that drive timeline maintenance
// and their wire encoding.
package events

import "time"

// Topics carrying domain signals.
const (
	TopicPostPublished    = "feed.post.published"
	TopicAudienceChanged  = "feed.post.audience_changed"
	TopicPostDeleted      = "feed.post.deleted"
	TopicPostPurchased    = "feed.post.purchased"
	TopicFollowAccepted   = "feed.follow.accepted"
	TopicUnfollowed       = "feed.follow.removed"
	TopicUserBlocked      = "feed.user.blocked"
	TopicRebuildRequested = "feed.timeline.rebuild"

	// TopicPostScheduled parks scheduled posts on the durable stream until
	// they are due. The distributor's router does not consume it.
	TopicPostScheduled = "feed.post.scheduled"
)

// Topics lists every signal topic the distributor consumes.
var Topics = []string{
	TopicPostPublished,
	TopicAudienceChanged,
	TopicPostDeleted,
	TopicPostPurchased,
	TopicFollowAccepted,
	TopicUnfollowed,
	TopicUserBlocked,
	TopicRebuildRequested,
}

// Signal is a domain event published on its own topic.
type Signal interface {
	Topic() string
}

// PostPublished asks for a post to be fanned out. It is also the delayed
// re-dispatch of a scheduled post.
type PostPublished struct {
	PostID int64 `json:"post_id" validate:"required,gt=0"`
}

// PostScheduled holds a post back until PublishAt, when it is re-dispatched
// as PostPublished.
type PostScheduled struct {
	PostID    int64     `json:"post_id" validate:"required,gt=0"`
	PublishAt time.Time `json:"publish_at" validate:"required"`
}

// AudienceChanged reports a post whose audience was edited.
type AudienceChanged struct {
	PostID int64 `json:"post_id" validate:"required,gt=0"`
}

// PostDeleted reports a removed post.
type PostDeleted struct {
	PostID int64 `json:"post_id" validate:"required,gt=0"`
}

// PostPurchased reports a pay-to-view purchase.
type PostPurchased struct {
	PurchaseID int64 `json:"purchase_id" validate:"required,gt=0"`
}

// FollowAccepted reports a follow request approved by a private profile.
type FollowAccepted struct {
	FollowerID int64 `json:"follower_id" validate:"required,gt=0"`
	AuthorID   int64 `json:"author_id" validate:"required,gt=0,nefield=FollowerID"`
}

// Unfollowed reports a removed follow edge.
type Unfollowed struct {
	FollowerID int64 `json:"follower_id" validate:"required,gt=0"`
	AuthorID   int64 `json:"author_id" validate:"required,gt=0,nefield=FollowerID"`
}

// UserBlocked reports a new block edge.
type UserBlocked struct {
	BlockerID int64 `json:"blocker_id" validate:"required,gt=0"`
	BlockedID int64 `json:"blocked_id" validate:"required,gt=0,nefield=BlockerID"`
}

// RebuildRequested asks for a viewer's timeline to be recomputed.
type RebuildRequested struct {
	ViewerID int64  `json:"viewer_id" validate:"required,gt=0"`
	Reason   string `json:"reason,omitempty" validate:"omitempty,max=64"`
}

func (PostPublished) Topic() string    { return TopicPostPublished }
func (PostScheduled) Topic() string    { return TopicPostScheduled }
func (AudienceChanged) Topic() string  { return TopicAudienceChanged }
func (PostDeleted) Topic() string      { return TopicPostDeleted }
func (PostPurchased) Topic() string    { return TopicPostPurchased }
func (FollowAccepted) Topic() string   { return TopicFollowAccepted }
func (Unfollowed) Topic() string       { return TopicUnfollowed }
func (UserBlocked) Topic() string      { return TopicUserBlocked }
func (RebuildRequested) Topic() string { return TopicRebuildRequested }
