package feed

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/access"
	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/pkg/logging"
	"github.com/steemit/hivefeed/pkg/telemetry"
)

// Reactors apply narrow timeline changes in response to lifecycle signals.
type Reactors struct {
	*writer
	distributor *Distributor
	rebuilder   *Rebuilder
}

func (r *Reactors) loadPost(ctx context.Context, postID int64) (*models.Post, error) {
	var post *models.Post
	err := r.retry(ctx, func() (err error) {
		post, err = r.posts.Post(ctx, postID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load post %d: %w", postID, err)
	}
	return post, nil
}

// OnAudienceChanged removes every row of the post except the author's own and
// re-runs fan-out when the post is now restricted to followers or subscribers.
func (r *Reactors) OnAudienceChanged(ctx context.Context, postID int64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "feed.OnAudienceChanged")
	defer func() { telemetry.End(span, err) }()
	span.SetAttributes(attribute.Int64("post_id", postID))

	post, err := r.loadPost(ctx, postID)
	if err != nil || post == nil {
		return err
	}

	r.forgetPost(ctx, post)
	r.forgetUsers(ctx, post.AuthorID)

	var removed int64
	if err := r.retry(ctx, func() (err error) {
		removed, err = r.store.DeleteByPost(ctx, post.ID, post.AuthorID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to clear rows of post %d: %w", post.ID, err)
	}
	r.logger.Info("Audience changed, cleared timeline rows",
		append(logging.PostFields(post.ID, post.AuthorID),
			zap.String("audience", post.Audience.String()),
			zap.Int64("removed", removed))...)

	if !post.Audience.Valid() {
		return fmt.Errorf("%w: post %d has no recognised audience", ErrMalformed, post.ID)
	}
	if post.DeletedAt != nil {
		return nil
	}
	switch post.Audience {
	case access.Followers, access.Subscribers:
		return r.distributor.Distribute(ctx, post.ID)
	}
	return nil
}

// OnPostDeleted removes every row of the post.
func (r *Reactors) OnPostDeleted(ctx context.Context, postID int64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "feed.OnPostDeleted")
	defer func() { telemetry.End(span, err) }()
	span.SetAttributes(attribute.Int64("post_id", postID))

	post, err := r.loadPost(ctx, postID)
	if err != nil {
		return err
	}
	if post == nil {
		post = &models.Post{ID: postID}
	} else {
		r.forgetUsers(ctx, post.AuthorID)
	}
	r.forgetPost(ctx, post)

	var removed int64
	if err := r.retry(ctx, func() (err error) {
		removed, err = r.store.DeleteByPost(ctx, postID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to delete rows of post %d: %w", postID, err)
	}
	r.logger.Debug("Post deleted, removed timeline rows", zap.Int64("post_id", postID), zap.Int64("removed", removed))
	return nil
}

// OnUnfollowed removes the follower's Following rows for the unfollowed
// author's posts. Rows with any other source survive.
func (r *Reactors) OnUnfollowed(ctx context.Context, followerID, authorID int64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "feed.OnUnfollowed")
	defer func() { telemetry.End(span, err) }()
	span.SetAttributes(attribute.Int64("viewer_id", followerID), attribute.Int64("author_id", authorID))

	var stillFollows bool
	if err := r.retry(ctx, func() (err error) {
		stillFollows, err = r.relations.Follows(ctx, followerID, authorID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to check follow %d->%d: %w", followerID, authorID, err)
	}
	if stillFollows {
		r.logger.Debug("Ignoring stale unfollow", zap.Int64("viewer_id", followerID), zap.Int64("author_id", authorID))
		return nil
	}

	var (
		after   int64
		removed int64
	)
	for {
		var ids []int64
		err := r.retry(ctx, func() (err error) {
			ids, err = r.posts.PostIDsByAuthor(ctx, authorID, after, r.opts.ChunkSize)
			if err != nil || len(ids) == 0 {
				return err
			}
			n, err := r.store.DeleteForViewer(ctx, followerID, ids, access.SourceFollowing)
			removed += n
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to remove rows of %d from viewer %d: %w", authorID, followerID, err)
		}
		if len(ids) < r.opts.ChunkSize {
			break
		}
		after = ids[len(ids)-1]
	}

	r.forgetUsers(ctx, followerID)
	r.logger.Debug("Unfollow applied",
		zap.Int64("viewer_id", followerID),
		zap.Int64("author_id", authorID),
		zap.Int64("removed", removed))
	return nil
}

// OnFollowAccepted rebuilds the follower's timeline so the followed author's
// back catalogue becomes visible at once.
func (r *Reactors) OnFollowAccepted(ctx context.Context, followerID, authorID int64) error {
	var follows bool
	if err := r.retry(ctx, func() (err error) {
		follows, err = r.relations.Follows(ctx, followerID, authorID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to check follow %d->%d: %w", followerID, authorID, err)
	}
	if !follows {
		r.logger.Debug("Ignoring stale follow acceptance", zap.Int64("viewer_id", followerID), zap.Int64("author_id", authorID))
		return nil
	}
	return r.rebuilder.Rebuild(ctx, followerID)
}

// OnUserBlocked removes rows in both directions between the two accounts.
func (r *Reactors) OnUserBlocked(ctx context.Context, blockerID, blockedID int64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "feed.OnUserBlocked")
	defer func() { telemetry.End(span, err) }()
	span.SetAttributes(attribute.Int64("blocker_id", blockerID), attribute.Int64("blocked_id", blockedID))

	var removed int64
	if err := r.retry(ctx, func() (err error) {
		removed, err = r.store.DeleteBetween(ctx, blockerID, blockedID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to remove rows between %d and %d: %w", blockerID, blockedID, err)
	}
	r.forgetUsers(ctx, blockerID, blockedID)
	r.logger.Debug("Block applied",
		zap.Int64("blocker_id", blockerID),
		zap.Int64("blocked_id", blockedID),
		zap.Int64("removed", removed))
	return nil
}

// OnPostPurchased writes the buyer's PaywallPurchase row for the purchased post.
func (r *Reactors) OnPostPurchased(ctx context.Context, purchaseID int64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "feed.OnPostPurchased")
	defer func() { telemetry.End(span, err) }()
	span.SetAttributes(attribute.Int64("purchase_id", purchaseID))

	var purchase *models.Purchase
	if err := r.retry(ctx, func() (err error) {
		purchase, err = r.relations.Purchase(ctx, purchaseID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to load purchase %d: %w", purchaseID, err)
	}
	if purchase == nil {
		return nil
	}
	if !purchase.Entitles(r.now()) {
		r.logger.Debug("Purchase does not grant access",
			zap.Int64("purchase_id", purchaseID),
			zap.String("status", string(purchase.Status)))
		return nil
	}

	post, err := r.loadPost(ctx, purchase.PostID)
	if err != nil {
		return err
	}
	if post == nil || post.DeletedAt != nil || post.AuthorID == purchase.BuyerID {
		return nil
	}

	var stored []models.TimelineEntry
	var fresh bool
	err = r.retry(ctx, func() error {
		blocked, err := r.relations.Blocked(ctx, purchase.BuyerID, post.AuthorID)
		if err != nil {
			return fmt.Errorf("failed to check block: %w", err)
		}
		if blocked {
			return nil
		}
		existing, err := r.store.ExistingPosts(ctx, purchase.BuyerID, []int64{post.ID})
		if err != nil {
			return fmt.Errorf("failed to load existing row: %w", err)
		}
		fresh = !existing[post.ID]
		row := newEntry(purchase.BuyerID, post, access.SourcePaywallPurchase, models.EntryContext{
			models.ContextPurchasedAt: purchase.PurchasedAt.UTC().Format(time.RFC3339),
		})
		stored, err = r.insert(ctx, []models.TimelineEntry{row})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record purchase %d: %w", purchaseID, err)
	}
	if fresh {
		r.announce(ctx, stored, map[int64]*models.Post{post.ID: post})
	}

	r.forgetUsers(ctx, purchase.BuyerID, post.AuthorID)
	r.forgetPost(ctx, post)
	return nil
}
