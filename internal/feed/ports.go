// Package feed maintains the per-viewer timeline: publish-time fan-out,
// per-viewer rebuild and the reactors that keep rows in step with
// relationship changes.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/steemit/hivefeed/internal/access"
	"github.com/steemit/hivefeed/internal/models"
)

// ErrMalformed marks candidate data that can never be processed, such as an
// unparseable audience. It is fatal for one post and never retried.
var ErrMalformed = errors.New("malformed candidate data")

// PostCursor is a keyset position in a newest-first post stream.
type PostCursor struct {
	PublishedAt time.Time
	ID          int64
}

// CandidateQuery selects the posts a rebuild considers for one viewer.
type CandidateQuery struct {
	ViewerID  int64
	AuthorIDs []int64
	PostIDs   []int64
	Now       time.Time
	After     *PostCursor
	Limit     int
}

// Posts reads posts and accounts. Missing rows return nil, nil.
type Posts interface {
	Post(ctx context.Context, id int64) (*models.Post, error)
	Account(ctx context.Context, id int64) (*models.Account, error)
	// Candidates returns eligible posts that are self-authored, authored by
	// one of AuthorIDs, or listed in PostIDs, newest first.
	Candidates(ctx context.Context, q CandidateQuery) ([]*models.Post, error)
	// PostIDsByAuthor pages through every post id of an author, ascending.
	PostIDsByAuthor(ctx context.Context, authorID, afterID int64, limit int) ([]int64, error)
}

// Relations reads relationship facts, both point checks for the resolver and
// bulk sets for fan-out and rebuild.
type Relations interface {
	access.Relations

	// FollowerIDs pages approved followers of author in ascending id order.
	FollowerIDs(ctx context.Context, authorID, afterID int64, limit int) ([]int64, error)
	// SubscriberIDs pages entitled subscribers of creator in ascending id order.
	SubscriberIDs(ctx context.Context, creatorID, afterID int64, limit int, now time.Time) ([]int64, error)
	// FollowedIDs returns the authors viewer follows with an approved edge.
	FollowedIDs(ctx context.Context, viewerID int64) ([]int64, error)
	// SubscribedIDs returns the creators viewer holds an entitling subscription to.
	SubscribedIDs(ctx context.Context, viewerID int64, now time.Time) ([]int64, error)
	// Purchases returns entitling purchases of viewer keyed by post id.
	Purchases(ctx context.Context, viewerID int64, now time.Time) (map[int64]time.Time, error)
	// Purchase loads one purchase by id.
	Purchase(ctx context.Context, id int64) (*models.Purchase, error)
	// BlockedAmong returns the members of others that share a block edge with
	// userID in either direction.
	BlockedAmong(ctx context.Context, userID int64, others []int64) (map[int64]bool, error)
}

// Store is the timeline table. It is the only writer of timeline rows.
type Store interface {
	// Upsert inserts rows or overwrites source, context and visible_at on
	// conflict. It returns the stored rows with ids assigned.
	Upsert(ctx context.Context, rows []models.TimelineEntry) ([]models.TimelineEntry, error)
	// ExistingViewers returns which of viewerIDs already hold a row for postID.
	ExistingViewers(ctx context.Context, postID int64, viewerIDs []int64) (map[int64]bool, error)
	// ExistingPosts returns which of postIDs already have a row for viewerID.
	ExistingPosts(ctx context.Context, viewerID int64, postIDs []int64) (map[int64]bool, error)
	// DeleteByPost removes every row for postID except those of keepViewers.
	DeleteByPost(ctx context.Context, postID int64, keepViewers ...int64) (int64, error)
	// DeleteForViewer removes viewerID's rows for postIDs with the given source.
	DeleteForViewer(ctx context.Context, viewerID int64, postIDs []int64, source access.Source) (int64, error)
	// DeleteByViewer removes every row of viewerID.
	DeleteByViewer(ctx context.Context, viewerID int64) (int64, error)
	// DeleteBetween removes a's rows on b's posts and b's rows on a's posts.
	DeleteBetween(ctx context.Context, a, b int64) (int64, error)
	// ClaimNotify marks entries as notified and returns the ids this caller
	// claimed. Entries already claimed elsewhere are left out.
	ClaimNotify(ctx context.Context, entryIDs []int64) ([]int64, error)
	// ReleaseNotify clears a claim after a failed push.
	ReleaseNotify(ctx context.Context, entryIDs []int64) error
	// List returns viewerID's feed newest first, strictly older than before.
	List(ctx context.Context, viewerID int64, before *EntryCursor, limit int) ([]models.TimelineEntry, error)
}

// EntryCursor is a keyset position in a viewer's feed.
type EntryCursor struct {
	VisibleAt time.Time
	ID        int64
}

// Invalidator drops cached feed and post views.
type Invalidator interface {
	ForgetForUser(ctx context.Context, userID int64) error
	ForgetForUsers(ctx context.Context, userIDs []int64) error
	ForgetForPost(ctx context.Context, post *models.Post) error
}

// NewEntry is a freshly inserted timeline row together with its post.
type NewEntry struct {
	Entry models.TimelineEntry
	Post  *models.Post
}

// Notifier delivers new timeline rows on the viewer's realtime channel.
type Notifier interface {
	Notify(ctx context.Context, entries []NewEntry) error
}

// Scheduler re-dispatches a publish signal at a future time.
type Scheduler interface {
	PublishAt(ctx context.Context, postID int64, at time.Time) error
}
