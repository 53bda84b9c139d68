package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/access"
	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/pkg/telemetry"
)

// Rebuilder recomputes one viewer's timeline from current relationships.
// Public posts of creators the viewer neither follows nor subscribes to are
// not part of a rebuilt timeline.
type Rebuilder struct {
	*writer
}

// relationSnapshot is the viewer's relationship state read once per rebuild.
type relationSnapshot struct {
	viewerID   int64
	follows    map[int64]bool
	subscribes map[int64]bool
	purchases  map[int64]time.Time
}

func (s *relationSnapshot) relation(post *models.Post, blocked map[int64]bool) access.Relation {
	_, purchased := s.purchases[post.ID]
	return access.Relation{
		IsAuthor:   post.AuthorID == s.viewerID,
		Blocked:    blocked[post.AuthorID],
		Follows:    s.follows[post.AuthorID],
		Subscribes: s.subscribes[post.AuthorID],
		Purchased:  purchased,
	}
}

// Rebuild deletes the viewer's rows and writes back every post the viewer is
// entitled to through authorship, follow, subscription or purchase.
func (r *Rebuilder) Rebuild(ctx context.Context, viewerID int64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "feed.Rebuild")
	defer func() { telemetry.End(span, err) }()
	span.SetAttributes(attribute.Int64("viewer_id", viewerID))

	var viewer *models.Account
	if err := r.retry(ctx, func() (err error) {
		viewer, err = r.posts.Account(ctx, viewerID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to load viewer %d: %w", viewerID, err)
	}
	if !viewer.Active() {
		r.logger.Debug("Skipping rebuild of missing viewer", zap.Int64("viewer_id", viewerID))
		return nil
	}

	if err := r.retry(ctx, func() error {
		_, err := r.store.DeleteByViewer(ctx, viewerID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to clear timeline of viewer %d: %w", viewerID, err)
	}

	now := r.now()
	snap, err := r.snapshot(ctx, viewerID, now)
	if err != nil {
		return err
	}

	authorIDs := make([]int64, 0, len(snap.follows)+len(snap.subscribes))
	for id := range snap.follows {
		authorIDs = append(authorIDs, id)
	}
	for id := range snap.subscribes {
		if !snap.follows[id] {
			authorIDs = append(authorIDs, id)
		}
	}
	postIDs := make([]int64, 0, len(snap.purchases))
	for id := range snap.purchases {
		postIDs = append(postIDs, id)
	}

	var (
		after    *PostCursor
		errs     []error
		inserted int
	)
	for {
		var batch []*models.Post
		err := r.retry(ctx, func() (err error) {
			batch, err = r.posts.Candidates(ctx, CandidateQuery{
				ViewerID:  viewerID,
				AuthorIDs: authorIDs,
				PostIDs:   postIDs,
				Now:       now,
				After:     after,
				Limit:     r.opts.ChunkSize,
			})
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read candidate posts for viewer %d: %w", viewerID, err))
			break
		}
		if len(batch) == 0 {
			break
		}
		last := batch[len(batch)-1]
		after = &PostCursor{PublishedAt: *last.PublishedAt, ID: last.ID}

		n, err := r.chunk(ctx, snap, batch)
		inserted += n
		if err != nil {
			r.chunkFailed(ctx, "rebuild")
			r.logger.Error("Rebuild chunk failed",
				zap.Int64("viewer_id", viewerID),
				zap.Int64("first_post_id", batch[0].ID),
				zap.Int("posts", len(batch)),
				zap.Error(err))
			errs = append(errs, err)
		}
		if len(batch) < r.opts.ChunkSize {
			break
		}
	}

	r.forgetUsers(ctx, viewerID)
	r.logger.Info("Rebuilt timeline", zap.Int64("viewer_id", viewerID), zap.Int("inserted", inserted))
	return errors.Join(errs...)
}

func (r *Rebuilder) snapshot(ctx context.Context, viewerID int64, now time.Time) (*relationSnapshot, error) {
	snap := &relationSnapshot{viewerID: viewerID}
	err := r.retry(ctx, func() error {
		followed, err := r.relations.FollowedIDs(ctx, viewerID)
		if err != nil {
			return fmt.Errorf("failed to load follows: %w", err)
		}
		subscribed, err := r.relations.SubscribedIDs(ctx, viewerID, now)
		if err != nil {
			return fmt.Errorf("failed to load subscriptions: %w", err)
		}
		purchases, err := r.relations.Purchases(ctx, viewerID, now)
		if err != nil {
			return fmt.Errorf("failed to load purchases: %w", err)
		}
		snap.follows = toSet(followed)
		snap.subscribes = toSet(subscribed)
		snap.purchases = purchases
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("viewer %d: %w", viewerID, err)
	}
	return snap, nil
}

// chunk resolves the source of every post in the batch and writes the pairs
// not already present.
func (r *Rebuilder) chunk(ctx context.Context, snap *relationSnapshot, batch []*models.Post) (int, error) {
	byID := make(map[int64]*models.Post, len(batch))
	postIDs := make([]int64, 0, len(batch))
	authors := map[int64]bool{}
	var authorIDs []int64
	for _, p := range batch {
		if !p.Audience.Valid() {
			r.logger.Error("Skipping post with malformed audience",
				zap.Int64("viewer_id", snap.viewerID),
				zap.Int64("post_id", p.ID),
				zap.Error(ErrMalformed))
			continue
		}
		byID[p.ID] = p
		postIDs = append(postIDs, p.ID)
		if p.AuthorID != snap.viewerID && !authors[p.AuthorID] {
			authors[p.AuthorID] = true
			authorIDs = append(authorIDs, p.AuthorID)
		}
	}
	if len(postIDs) == 0 {
		return 0, nil
	}

	var stored []models.TimelineEntry
	err := r.retry(ctx, func() error {
		blocked := map[int64]bool{}
		if len(authorIDs) > 0 {
			var err error
			if blocked, err = r.relations.BlockedAmong(ctx, snap.viewerID, authorIDs); err != nil {
				return fmt.Errorf("failed to load blocks: %w", err)
			}
		}
		existing, err := r.store.ExistingPosts(ctx, snap.viewerID, postIDs)
		if err != nil {
			return fmt.Errorf("failed to load existing rows: %w", err)
		}

		rows := make([]models.TimelineEntry, 0, len(postIDs))
		for _, id := range postIDs {
			if existing[id] {
				continue
			}
			p := byID[id]
			source, ok := p.Audience.FeedSource(snap.relation(p, blocked))
			if !ok {
				continue
			}
			var c models.EntryContext
			if source == access.SourcePaywallPurchase {
				c = models.EntryContext{models.ContextPurchasedAt: snap.purchases[id].UTC().Format(time.RFC3339)}
			}
			rows = append(rows, newEntry(snap.viewerID, p, source, c))
		}
		stored, err = r.insert(ctx, rows)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("viewer %d chunk of %d posts: %w", snap.viewerID, len(postIDs), err)
	}

	r.announce(ctx, stored, byID)
	return len(stored), nil
}
