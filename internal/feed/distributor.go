package feed

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/access"
	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/pkg/logging"
	"github.com/steemit/hivefeed/pkg/telemetry"
)

// Distributor writes a published post into the timelines of its audience.
type Distributor struct {
	*writer
	scheduler Scheduler
}

// Distribute fans a post out. Scheduled posts are re-dispatched for their
// publish time; missing posts and authors are a silent no-op. Chunks are
// independent: a chunk that exhausts its retries is logged and reported in
// the returned error without stopping the remaining chunks.
func (d *Distributor) Distribute(ctx context.Context, postID int64) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "feed.Distribute")
	defer func() { telemetry.End(span, err) }()
	span.SetAttributes(attribute.Int64("post_id", postID))

	var post *models.Post
	if err := d.retry(ctx, func() (err error) {
		post, err = d.posts.Post(ctx, postID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to load post %d: %w", postID, err)
	}
	if post == nil || post.DeletedAt != nil {
		d.logger.Debug("Skipping fan-out of missing post", zap.Int64("post_id", postID))
		return nil
	}
	if post.PublishedAt == nil {
		d.logger.Debug("Skipping fan-out of unpublished post", zap.Int64("post_id", postID))
		return nil
	}
	if at := *post.PublishedAt; at.After(d.now()) {
		d.logger.Info("Post scheduled, deferring fan-out",
			zap.Int64("post_id", post.ID), zap.Time("publish_at", at))
		return d.scheduler.PublishAt(ctx, post.ID, at)
	}
	if post.IsSystem {
		return nil
	}

	var author *models.Account
	if err := d.retry(ctx, func() (err error) {
		author, err = d.posts.Account(ctx, post.AuthorID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to load author of post %d: %w", post.ID, err)
	}
	if !author.Active() {
		d.logger.Debug("Skipping fan-out, author missing", logging.PostFields(post.ID, post.AuthorID)...)
		return nil
	}
	if !post.Audience.Valid() {
		return fmt.Errorf("%w: post %d has no recognised audience", ErrMalformed, post.ID)
	}

	var errs []error
	if err := d.chunk(ctx, post, []int64{post.AuthorID}, access.SourceSelfAuthored); err != nil {
		errs = append(errs, err)
	}
	for _, group := range post.Audience.FanOutGroups() {
		if err := d.stream(ctx, post, group); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stream pages through one viewer group and distributes each page as a chunk.
func (d *Distributor) stream(ctx context.Context, post *models.Post, group access.Group) error {
	var (
		after int64
		errs  []error
	)
	for {
		var ids []int64
		err := d.retry(ctx, func() (err error) {
			ids, err = d.page(ctx, post, group, after)
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read %s of author %d: %w", group, post.AuthorID, err))
			break
		}
		if len(ids) == 0 {
			break
		}
		after = ids[len(ids)-1]

		if err := d.chunk(ctx, post, ids, group.Source()); err != nil {
			d.chunkFailed(ctx, "fanout")
			d.logger.Error("Fan-out chunk failed",
				append(logging.PostFields(post.ID, post.AuthorID),
					zap.String("group", group.String()),
					zap.Int64("first_viewer_id", ids[0]),
					zap.Int("viewers", len(ids)),
					zap.Error(err))...)
			errs = append(errs, err)
		}
		if len(ids) < d.opts.ChunkSize {
			break
		}
	}
	return errors.Join(errs...)
}

func (d *Distributor) page(ctx context.Context, post *models.Post, group access.Group, after int64) ([]int64, error) {
	switch group {
	case access.GroupFollowers:
		return d.relations.FollowerIDs(ctx, post.AuthorID, after, d.opts.ChunkSize)
	case access.GroupSubscribers:
		return d.relations.SubscriberIDs(ctx, post.AuthorID, after, d.opts.ChunkSize, d.now())
	}
	return nil, fmt.Errorf("unknown viewer group %d", group)
}

// chunk writes rows for viewers that have none yet for the post and pushes
// exactly those rows. The whole chunk is one retry unit.
func (d *Distributor) chunk(ctx context.Context, post *models.Post, viewerIDs []int64, source access.Source) error {
	var stored []models.TimelineEntry
	err := d.retry(ctx, func() error {
		existing, err := d.store.ExistingViewers(ctx, post.ID, viewerIDs)
		if err != nil {
			return fmt.Errorf("failed to load existing rows: %w", err)
		}
		blocked := map[int64]bool{}
		if source != access.SourceSelfAuthored {
			if blocked, err = d.relations.BlockedAmong(ctx, post.AuthorID, viewerIDs); err != nil {
				return fmt.Errorf("failed to load blocks: %w", err)
			}
		}

		rows := make([]models.TimelineEntry, 0, len(viewerIDs))
		for _, id := range viewerIDs {
			if existing[id] || blocked[id] {
				continue
			}
			rows = append(rows, newEntry(id, post, source, nil))
		}
		stored, err = d.insert(ctx, rows)
		return err
	})
	if err != nil {
		return fmt.Errorf("post %d chunk of %d viewers: %w", post.ID, len(viewerIDs), err)
	}

	d.announce(ctx, stored, map[int64]*models.Post{post.ID: post})
	if len(stored) > 0 {
		d.logger.Debug("Distributed chunk",
			zap.Int64("post_id", post.ID),
			zap.String("source", string(source)),
			zap.Int("inserted", len(stored)))
	}
	return nil
}
