// Package dbtest seeds an in-memory database for tests of the packages built
// on the repositories.
package dbtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/steemit/hivefeed/internal/db"
	"github.com/steemit/hivefeed/internal/models"
)

// Store is a migrated in-memory database with its repositories. Seeding
// helpers fail the test on error.
type Store struct {
	tb        testing.TB
	DB        *db.DB
	Accounts  *db.AccountRepository
	Posts     *db.PostRepository
	Relations *db.RelationRepository
	Timeline  *db.TimelineRepository
}

// New opens a fresh database that is closed when the test ends
func New(tb testing.TB) *Store {
	tb.Helper()
	conn, err := db.OpenMemory("ERROR")
	if err != nil {
		tb.Fatalf("OpenMemory() error = %v", err)
	}
	tb.Cleanup(func() { conn.Close() })

	repo := db.NewRepository(conn.DB)
	return &Store{
		tb:        tb,
		DB:        conn,
		Accounts:  db.NewAccountRepository(repo),
		Posts:     db.NewPostRepository(repo),
		Relations: db.NewRelationRepository(repo),
		Timeline:  db.NewTimelineRepository(repo),
	}
}

func (s *Store) check(err error, what string, args ...interface{}) {
	s.tb.Helper()
	if err != nil {
		s.tb.Fatalf("%s: %v", fmt.Sprintf(what, args...), err)
	}
}

// PutAccount creates or replaces an account. An empty name becomes userN.
func (s *Store) PutAccount(a models.Account) {
	s.tb.Helper()
	if a.Name == "" {
		a.Name = fmt.Sprintf("user%d", a.ID)
	}
	s.check(s.DB.Save(&a).Error, "save account %d", a.ID)
}

// PutPost creates or replaces a post
func (s *Store) PutPost(p models.Post) {
	s.tb.Helper()
	s.check(s.Posts.Update(context.Background(), &p), "save post %d", p.ID)
}

// SetFollow writes a follow edge; an empty status removes it
func (s *Store) SetFollow(followerID, followingID int64, status string) {
	s.tb.Helper()
	ctx := context.Background()
	if status == "" {
		s.check(s.Relations.DeleteFollow(ctx, followerID, followingID), "delete follow %d->%d", followerID, followingID)
		return
	}
	s.check(s.Relations.SaveFollow(ctx, &models.Follow{
		FollowerID:  followerID,
		FollowingID: followingID,
		Status:      status,
	}), "save follow %d->%d", followerID, followingID)
}

// PutSubscription creates or replaces a subscription
func (s *Store) PutSubscription(sub models.Subscription) {
	s.tb.Helper()
	s.check(s.Relations.SaveSubscription(context.Background(), &sub), "save subscription %d", sub.ID)
}

// PutPurchase creates or replaces a purchase
func (s *Store) PutPurchase(p models.Purchase) {
	s.tb.Helper()
	s.check(s.Relations.SavePurchase(context.Background(), &p), "save purchase %d", p.ID)
}

// SetBlock creates or removes a block edge
func (s *Store) SetBlock(blockerID, blockedID int64, blocked bool) {
	s.tb.Helper()
	ctx := context.Background()
	if !blocked {
		s.check(s.Relations.DeleteBlock(ctx, blockerID, blockedID), "delete block %d->%d", blockerID, blockedID)
		return
	}
	s.check(s.Relations.SaveBlock(ctx, &models.Block{BlockerID: blockerID, BlockedID: blockedID}),
		"save block %d->%d", blockerID, blockedID)
}

// Entries returns a viewer's rows ordered by post id
func (s *Store) Entries(viewerID int64) []models.TimelineEntry {
	s.tb.Helper()
	var out []models.TimelineEntry
	s.check(s.DB.Where("viewer_id = ?", viewerID).Order("post_id").Find(&out).Error, "entries of %d", viewerID)
	return out
}

// AllEntries returns every row ordered by (viewer, post)
func (s *Store) AllEntries() []models.TimelineEntry {
	s.tb.Helper()
	var out []models.TimelineEntry
	s.check(s.DB.Order("viewer_id, post_id").Find(&out).Error, "all entries")
	return out
}
