package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/steemit/hivefeed/internal/access"
	"github.com/steemit/hivefeed/internal/feed"
	"github.com/steemit/hivefeed/internal/models"
)

// TimelineRepository owns the timeline_entries table
type TimelineRepository struct {
	*Repository
}

var _ feed.Store = (*TimelineRepository)(nil)

// NewTimelineRepository creates a new timeline repository
func NewTimelineRepository(repo *Repository) *TimelineRepository {
	return &TimelineRepository{Repository: repo}
}

// Upsert inserts rows, overwriting source, context and visible_at when the
// (viewer, post) pair already exists, and returns the stored rows.
func (r *TimelineRepository) Upsert(ctx context.Context, rows []models.TimelineEntry) ([]models.TimelineEntry, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	batch := make([]models.TimelineEntry, len(rows))
	copy(batch, rows)

	viewers := map[int64]bool{}
	posts := map[int64]bool{}
	wanted := map[models.Pair]bool{}
	for _, row := range batch {
		viewers[row.ViewerID] = true
		posts[row.PostID] = true
		wanted[row.Pair()] = true
	}

	var stored []models.TimelineEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "viewer_id"}, {Name: "post_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"source", "context", "visible_at", "updated_at"}),
		}).Create(&batch).Error; err != nil {
			return err
		}

		var found []models.TimelineEntry
		if err := tx.Where("viewer_id IN ? AND post_id IN ?", keys(viewers), keys(posts)).
			Find(&found).Error; err != nil {
			return err
		}
		for _, e := range found {
			if wanted[e.Pair()] {
				stored = append(stored, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ExistingViewers returns which viewers already have a row for the post
func (r *TimelineRepository) ExistingViewers(ctx context.Context, postID int64, viewerIDs []int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	if len(viewerIDs) == 0 {
		return out, nil
	}
	var found []int64
	err := r.db.WithContext(ctx).Model(&models.TimelineEntry{}).
		Where("post_id = ? AND viewer_id IN ?", postID, viewerIDs).
		Pluck("viewer_id", &found).Error
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// ExistingPosts returns which posts already have a row for the viewer
func (r *TimelineRepository) ExistingPosts(ctx context.Context, viewerID int64, postIDs []int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	if len(postIDs) == 0 {
		return out, nil
	}
	var found []int64
	err := r.db.WithContext(ctx).Model(&models.TimelineEntry{}).
		Where("viewer_id = ? AND post_id IN ?", viewerID, postIDs).
		Pluck("post_id", &found).Error
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// DeleteByPost removes a post's rows, keeping those of keepViewers
func (r *TimelineRepository) DeleteByPost(ctx context.Context, postID int64, keepViewers ...int64) (int64, error) {
	query := r.db.WithContext(ctx).Where("post_id = ?", postID)
	if len(keepViewers) > 0 {
		query = query.Where("viewer_id NOT IN ?", keepViewers)
	}
	res := query.Delete(&models.TimelineEntry{})
	return res.RowsAffected, res.Error
}

// DeleteForViewer removes a viewer's rows for the given posts and source
func (r *TimelineRepository) DeleteForViewer(ctx context.Context, viewerID int64, postIDs []int64, source access.Source) (int64, error) {
	if len(postIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Where("viewer_id = ? AND source = ? AND post_id IN ?", viewerID, source, postIDs).
		Delete(&models.TimelineEntry{})
	return res.RowsAffected, res.Error
}

// DeleteByViewer removes every row of a viewer
func (r *TimelineRepository) DeleteByViewer(ctx context.Context, viewerID int64) (int64, error) {
	res := r.db.WithContext(ctx).Where("viewer_id = ?", viewerID).Delete(&models.TimelineEntry{})
	return res.RowsAffected, res.Error
}

// DeleteBetween removes rows in both directions between two accounts
func (r *TimelineRepository) DeleteBetween(ctx context.Context, a, b int64) (int64, error) {
	db := r.db.WithContext(ctx)
	postsOf := func(author int64) *gorm.DB {
		return db.Model(&models.Post{}).Select("id").Where("author_id = ?", author)
	}
	res := db.
		Where("(viewer_id = ? AND post_id IN (?)) OR (viewer_id = ? AND post_id IN (?))", a, postsOf(b), b, postsOf(a)).
		Delete(&models.TimelineEntry{})
	return res.RowsAffected, res.Error
}

// ClaimNotify stamps unclaimed entries with a fresh token and returns the ids
// that carry it afterwards.
func (r *TimelineRepository) ClaimNotify(ctx context.Context, entryIDs []int64) ([]int64, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	token := uuid.NewString()
	var claimed []int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.TimelineEntry{}).
			Where("id IN ? AND notified_at IS NULL", entryIDs).
			Updates(map[string]interface{}{"notified_at": time.Now().UTC(), "notify_token": token}).Error; err != nil {
			return err
		}
		return tx.Model(&models.TimelineEntry{}).
			Where("id IN ? AND notify_token = ?", entryIDs, token).
			Order("id").
			Pluck("id", &claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseNotify clears the push claim of entries
func (r *TimelineRepository) ReleaseNotify(ctx context.Context, entryIDs []int64) error {
	if len(entryIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.TimelineEntry{}).
		Where("id IN ?", entryIDs).
		Updates(map[string]interface{}{"notified_at": nil, "notify_token": nil}).Error
}

// List returns a viewer's feed newest first
func (r *TimelineRepository) List(ctx context.Context, viewerID int64, before *feed.EntryCursor, limit int) ([]models.TimelineEntry, error) {
	query := r.db.WithContext(ctx).Where("viewer_id = ?", viewerID)
	if before != nil {
		query = query.Where("visible_at < ? OR (visible_at = ? AND id < ?)", before.VisibleAt, before.VisibleAt, before.ID)
	}
	var entries []models.TimelineEntry
	if err := query.Order("visible_at DESC, id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func keys(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
