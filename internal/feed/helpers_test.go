package feed_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/access"
	"github.com/steemit/hivefeed/internal/db"
	"github.com/steemit/hivefeed/internal/db/dbtest"
	"github.com/steemit/hivefeed/internal/feed"
	"github.com/steemit/hivefeed/internal/models"
)

var baseTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu      sync.Mutex
	entries []feed.NewEntry
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, entries []feed.NewEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.entries = append(n.entries, entries...)
	return nil
}

func (n *recordingNotifier) pairs() []models.Pair {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.Pair, 0, len(n.entries))
	for _, e := range n.entries {
		out = append(out, e.Entry.Pair())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ViewerID != out[j].ViewerID {
			return out[i].ViewerID < out[j].ViewerID
		}
		return out[i].PostID < out[j].PostID
	})
	return out
}

type recordingInvalidator struct {
	mu    sync.Mutex
	users map[int64]int
	posts map[int64]int
}

func newRecordingInvalidator() *recordingInvalidator {
	return &recordingInvalidator{users: map[int64]int{}, posts: map[int64]int{}}
}

func (r *recordingInvalidator) ForgetForUser(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID]++
	return nil
}

func (r *recordingInvalidator) ForgetForUsers(_ context.Context, userIDs []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range userIDs {
		r.users[id]++
	}
	return nil
}

func (r *recordingInvalidator) ForgetForPost(_ context.Context, post *models.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts[post.ID]++
	return nil
}

// invalidatedUsers returns the users whose feed caches were dropped, sorted.
func (h *harness) invalidatedUsers() []int64 {
	h.invalidator.mu.Lock()
	defer h.invalidator.mu.Unlock()
	var out []int64
	for id := range h.invalidator.users {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type scheduled struct {
	postID int64
	at     time.Time
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

func (s *recordingScheduler) PublishAt(_ context.Context, postID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduled{postID, at})
	return nil
}

// flakyStore fails Upsert while fail returns true for the batch.
type flakyStore struct {
	*db.TimelineRepository
	mu    sync.Mutex
	calls int
	fail  func(call int, rows []models.TimelineEntry) bool
}

var errTransient = errors.New("connection reset by peer")

func (f *flakyStore) Upsert(ctx context.Context, rows []models.TimelineEntry) ([]models.TimelineEntry, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.fail != nil && f.fail(call, rows) {
		return nil, errTransient
	}
	return f.TimelineRepository.Upsert(ctx, rows)
}

type harness struct {
	t           *testing.T
	clock       *clock
	store       *dbtest.Store
	notifier    *recordingNotifier
	invalidator *recordingInvalidator
	scheduler   *recordingScheduler
	engine      *feed.Engine
	resolver    *access.Resolver
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, 500, nil)
}

// newHarnessWith builds a harness; wrap may replace the timeline store.
func newHarnessWith(t *testing.T, chunkSize int, wrap func(*db.TimelineRepository) feed.Store) *harness {
	t.Helper()
	c := &clock{now: baseTime}
	store := dbtest.New(t)
	h := &harness{
		t:           t,
		clock:       c,
		store:       store,
		notifier:    &recordingNotifier{},
		invalidator: newRecordingInvalidator(),
		scheduler:   &recordingScheduler{},
	}
	var timeline feed.Store = store.Timeline
	if wrap != nil {
		timeline = wrap(store.Timeline)
	}
	h.engine = feed.New(feed.Deps{
		Posts:       store.Posts,
		Relations:   store.Relations,
		Store:       timeline,
		Invalidator: h.invalidator,
		Notifier:    h.notifier,
		Scheduler:   h.scheduler,
	}, feed.Options{
		ChunkSize:            chunkSize,
		MaxAttempts:          3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
		Now:                  c.Now,
	}, zap.NewNop())
	h.resolver = access.NewResolver(store.Relations).WithClock(c.Now)
	return h
}

func (h *harness) accounts(ids ...int64) {
	for _, id := range ids {
		h.store.PutAccount(models.Account{ID: id, CreatedAt: baseTime})
	}
}

func (h *harness) post(id, author int64, audience access.Audience, age time.Duration) {
	published := baseTime.Add(-age)
	h.store.PutPost(models.Post{
		ID:          id,
		AuthorID:    author,
		Audience:    audience,
		PublishedAt: &published,
		CreatedAt:   published,
	})
}

func (h *harness) follow(follower int64, authors ...int64) {
	for _, a := range authors {
		h.store.SetFollow(follower, a, models.FollowStatusApproved)
	}
}

var nextSubID int64

func (h *harness) subscribe(subscriber, creator int64, status access.SubscriptionStatus, endsAt *time.Time) {
	nextSubID++
	h.store.PutSubscription(models.Subscription{
		ID:           nextSubID,
		SubscriberID: subscriber,
		CreatorID:    creator,
		Status:       status,
		EndsAt:       endsAt,
	})
}

func (h *harness) distribute(postID int64) {
	h.t.Helper()
	if err := h.engine.Distributor.Distribute(context.Background(), postID); err != nil {
		h.t.Fatalf("Distribute(%d) error = %v", postID, err)
	}
}

// row is the comparable shape of a timeline entry.
type row struct {
	Viewer int64
	Post   int64
	Source access.Source
}

func (h *harness) rows() []row {
	var out []row
	for _, e := range h.store.AllEntries() {
		out = append(out, row{e.ViewerID, e.PostID, e.Source})
	}
	return out
}

func (h *harness) viewerRows(viewer int64) []row {
	var out []row
	for _, e := range h.store.Entries(viewer) {
		out = append(out, row{e.ViewerID, e.PostID, e.Source})
	}
	return out
}
