package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/steemit/hivefeed/internal/access"
	"github.com/steemit/hivefeed/internal/feed"
	"github.com/steemit/hivefeed/internal/models"
)

// RelationRepository reads follow, subscription, purchase and block facts
type RelationRepository struct {
	*Repository
}

var _ feed.Relations = (*RelationRepository)(nil)

// NewRelationRepository creates a new relation repository
func NewRelationRepository(repo *Repository) *RelationRepository {
	return &RelationRepository{Repository: repo}
}

// entitledSubscriptions is the SQL form of access.SubscriptionEntitles
func entitledSubscriptions(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("status IN ?", access.EntitledSubscriptionStatuses).
			Where("ends_at IS NULL OR ends_at > ?", now).
			Where("grace_ends_at IS NULL OR grace_ends_at > ?", now)
	}
}

// entitledPurchases is the SQL form of access.PurchaseEntitles
func entitledPurchases(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("status = ?", access.PurchaseCompleted).
			Where("expires_at IS NULL OR expires_at > ?", now)
	}
}

func (r *RelationRepository) exists(query *gorm.DB) (bool, error) {
	var count int64
	if err := query.Limit(1).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Blocked reports a block edge between a and b in either direction
func (r *RelationRepository) Blocked(ctx context.Context, a, b int64) (bool, error) {
	return r.exists(r.db.WithContext(ctx).Model(&models.Block{}).
		Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)", a, b, b, a))
}

// Follows reports an approved follow edge
func (r *RelationRepository) Follows(ctx context.Context, followerID, authorID int64) (bool, error) {
	return r.exists(r.db.WithContext(ctx).Model(&models.Follow{}).
		Where("follower_id = ? AND following_id = ? AND status = ?", followerID, authorID, models.FollowStatusApproved))
}

// Subscribes reports an entitling subscription
func (r *RelationRepository) Subscribes(ctx context.Context, subscriberID, creatorID int64, now time.Time) (bool, error) {
	return r.exists(r.db.WithContext(ctx).Model(&models.Subscription{}).
		Scopes(entitledSubscriptions(now)).
		Where("subscriber_id = ? AND creator_id = ?", subscriberID, creatorID))
}

// Purchased reports an entitling purchase of a post
func (r *RelationRepository) Purchased(ctx context.Context, buyerID, postID int64, now time.Time) (bool, error) {
	return r.exists(r.db.WithContext(ctx).Model(&models.Purchase{}).
		Scopes(entitledPurchases(now)).
		Where("buyer_id = ? AND post_id = ?", buyerID, postID))
}

// FollowerIDs pages approved followers of an author
func (r *RelationRepository) FollowerIDs(ctx context.Context, authorID, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&models.Follow{}).
		Where("following_id = ? AND status = ? AND follower_id > ?", authorID, models.FollowStatusApproved, afterID).
		Order("follower_id").
		Limit(limit).
		Pluck("follower_id", &ids).Error
	return ids, err
}

// SubscriberIDs pages entitled subscribers of a creator
func (r *RelationRepository) SubscriberIDs(ctx context.Context, creatorID, afterID int64, limit int, now time.Time) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Scopes(entitledSubscriptions(now)).
		Where("creator_id = ? AND subscriber_id > ?", creatorID, afterID).
		Distinct("subscriber_id").
		Order("subscriber_id").
		Limit(limit).
		Pluck("subscriber_id", &ids).Error
	return ids, err
}

// FollowedIDs returns the authors a viewer follows
func (r *RelationRepository) FollowedIDs(ctx context.Context, viewerID int64) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&models.Follow{}).
		Where("follower_id = ? AND status = ?", viewerID, models.FollowStatusApproved).
		Pluck("following_id", &ids).Error
	return ids, err
}

// SubscribedIDs returns the creators a viewer is entitled through
func (r *RelationRepository) SubscribedIDs(ctx context.Context, viewerID int64, now time.Time) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Scopes(entitledSubscriptions(now)).
		Where("subscriber_id = ?", viewerID).
		Distinct("creator_id").
		Pluck("creator_id", &ids).Error
	return ids, err
}

// Purchases returns a viewer's entitling purchases keyed by post id
func (r *RelationRepository) Purchases(ctx context.Context, viewerID int64, now time.Time) (map[int64]time.Time, error) {
	var purchases []models.Purchase
	err := r.db.WithContext(ctx).
		Scopes(entitledPurchases(now)).
		Where("buyer_id = ?", viewerID).
		Find(&purchases).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int64]time.Time, len(purchases))
	for _, p := range purchases {
		if prev, ok := out[p.PostID]; !ok || p.PurchasedAt.After(prev) {
			out[p.PostID] = p.PurchasedAt
		}
	}
	return out, nil
}

// Purchase retrieves a purchase by ID
func (r *RelationRepository) Purchase(ctx context.Context, id int64) (*models.Purchase, error) {
	var purchase models.Purchase
	if err := r.db.WithContext(ctx).First(&purchase, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &purchase, nil
}

// BlockedAmong returns which of others share a block edge with userID
func (r *RelationRepository) BlockedAmong(ctx context.Context, userID int64, others []int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	if len(others) == 0 {
		return out, nil
	}
	var blocks []models.Block
	err := r.db.WithContext(ctx).
		Where("(blocker_id = ? AND blocked_id IN ?) OR (blocked_id = ? AND blocker_id IN ?)", userID, others, userID, others).
		Find(&blocks).Error
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		if b.BlockerID == userID {
			out[b.BlockedID] = true
		} else {
			out[b.BlockerID] = true
		}
	}
	return out, nil
}

// SaveFollow creates or updates a follow edge
func (r *RelationRepository) SaveFollow(ctx context.Context, follow *models.Follow) error {
	return r.db.WithContext(ctx).Save(follow).Error
}

// DeleteFollow removes a follow edge
func (r *RelationRepository) DeleteFollow(ctx context.Context, followerID, followingID int64) error {
	return r.db.WithContext(ctx).
		Where("follower_id = ? AND following_id = ?", followerID, followingID).
		Delete(&models.Follow{}).Error
}

// SaveSubscription creates or updates a subscription
func (r *RelationRepository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

// SavePurchase creates or updates a purchase
func (r *RelationRepository) SavePurchase(ctx context.Context, purchase *models.Purchase) error {
	return r.db.WithContext(ctx).Save(purchase).Error
}

// SaveBlock creates a block edge
func (r *RelationRepository) SaveBlock(ctx context.Context, block *models.Block) error {
	return r.db.WithContext(ctx).Save(block).Error
}

// DeleteBlock removes a block edge
func (r *RelationRepository) DeleteBlock(ctx context.Context, blockerID, blockedID int64) error {
	return r.db.WithContext(ctx).
		Where("blocker_id = ? AND blocked_id = ?", blockerID, blockedID).
		Delete(&models.Block{}).Error
}
