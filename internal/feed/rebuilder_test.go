package feed_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steemit/hivefeed/internal/access"
	"github.com/steemit/hivefeed/internal/models"
)

const viewer int64 = 10

// seedGraph builds a viewer with every kind of relationship:
// 1 followed, 2 subscribed, 3 followed and subscribed, 4 stranger, 5 followed but blocked.
func seedGraph(h *harness) []int64 {
	h.accounts(viewer, 1, 2, 3, 4, 5, 20)
	h.follow(viewer, 1, 3, 5)
	h.subscribe(viewer, 2, access.SubscriptionActive, nil)
	h.subscribe(viewer, 3, access.SubscriptionGrace, nil)
	h.store.SetBlock(5, viewer, true)
	h.follow(20, 1)

	audiences := []access.Audience{access.Public, access.Followers, access.Subscribers, access.PayToView}
	var ids []int64
	id := int64(100)
	for _, author := range []int64{viewer, 1, 2, 3, 4, 5} {
		for i, a := range audiences {
			h.post(id, author, a, time.Duration(id+int64(i))*time.Minute)
			ids = append(ids, id)
			id++
		}
	}

	// Not eligible: system, deleted and scheduled posts.
	published := baseTime.Add(-time.Hour)
	future := baseTime.Add(time.Hour)
	h.store.PutPost(models.Post{ID: 200, AuthorID: 1, Audience: access.Public, PublishedAt: &published, IsSystem: true})
	h.store.PutPost(models.Post{ID: 201, AuthorID: 1, Audience: access.Public, PublishedAt: &published, DeletedAt: &published})
	h.store.PutPost(models.Post{ID: 202, AuthorID: 1, Audience: access.Followers, PublishedAt: &future})
	ids = append(ids, 200, 201, 202)

	// Purchases: followed author's pay-to-view, stranger's pay-to-view and the
	// blocked author's pay-to-view.
	h.store.PutPurchase(models.Purchase{ID: 1, BuyerID: viewer, PostID: 107, Status: access.PurchaseCompleted, PurchasedAt: published})
	h.store.PutPurchase(models.Purchase{ID: 2, BuyerID: viewer, PostID: 119, Status: access.PurchaseCompleted, PurchasedAt: published})
	h.store.PutPurchase(models.Purchase{ID: 3, BuyerID: viewer, PostID: 123, Status: access.PurchaseCompleted, PurchasedAt: published})
	return ids
}

func TestRebuildAgreesWithFanOut(t *testing.T) {
	h := newHarness(t)
	posts := seedGraph(h)
	ctx := context.Background()

	for _, id := range posts {
		h.distribute(id)
	}
	for _, purchaseID := range []int64{1, 2, 3} {
		if err := h.engine.Reactors.OnPostPurchased(ctx, purchaseID); err != nil {
			t.Fatalf("OnPostPurchased(%d) error = %v", purchaseID, err)
		}
	}
	fannedOut := h.viewerRows(viewer)

	if err := h.engine.Rebuilder.Rebuild(ctx, viewer); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	rebuilt := h.viewerRows(viewer)

	if diff := cmp.Diff(fannedOut, rebuilt); diff != "" {
		t.Errorf("rebuild disagrees with fan-out (-fanout +rebuild):\n%s", diff)
	}

	want := []row{
		{viewer, 100, access.SourceSelfAuthored},
		{viewer, 101, access.SourceSelfAuthored},
		{viewer, 102, access.SourceSelfAuthored},
		{viewer, 103, access.SourceSelfAuthored},
		{viewer, 104, access.SourceFollowing},
		{viewer, 105, access.SourceFollowing},
		{viewer, 107, access.SourcePaywallPurchase},
		{viewer, 108, access.SourceSubscription},
		{viewer, 110, access.SourceSubscription},
		{viewer, 112, access.SourceFollowing},
		{viewer, 113, access.SourceFollowing},
		{viewer, 114, access.SourceSubscription},
		{viewer, 119, access.SourcePaywallPurchase},
	}
	if diff := cmp.Diff(want, rebuilt); diff != "" {
		t.Errorf("rebuilt rows mismatch (-want +got):\n%s", diff)
	}
	if h.invalidator.users[viewer] == 0 {
		t.Error("Rebuild() did not invalidate the viewer cache")
	}
}

func TestRebuildSmallChunks(t *testing.T) {
	big := newHarness(t)
	seedGraph(big)
	small := newHarnessWith(t, 3, nil)
	seedGraph(small)
	ctx := context.Background()

	if err := big.engine.Rebuilder.Rebuild(ctx, viewer); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	if err := small.engine.Rebuilder.Rebuild(ctx, viewer); err != nil {
		t.Fatalf("Rebuild() with small chunks error = %v", err)
	}
	if diff := cmp.Diff(big.viewerRows(viewer), small.viewerRows(viewer)); diff != "" {
		t.Errorf("chunk size changed the result (-500 +3):\n%s", diff)
	}
}

func TestRebuildReplacesStaleRows(t *testing.T) {
	h := newHarness(t)
	h.accounts(viewer, 1, 4)
	h.post(100, 4, access.Public, time.Hour)
	h.post(101, 1, access.Public, time.Hour)
	h.follow(viewer, 1)
	if _, err := h.store.Timeline.Upsert(context.Background(), []models.TimelineEntry{
		{ViewerID: viewer, PostID: 100, Source: access.SourceFollowing, VisibleAt: baseTime},
	}); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.Rebuilder.Rebuild(context.Background(), viewer); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}

	want := []row{{viewer, 101, access.SourceFollowing}}
	if diff := cmp.Diff(want, h.viewerRows(viewer)); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
	if got := len(h.notifier.pairs()); got != 1 {
		t.Errorf("pushed %d messages, want 1", got)
	}
}

func TestRebuildMissingViewer(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.Rebuilder.Rebuild(context.Background(), 999); err != nil {
		t.Errorf("Rebuild() of missing viewer error = %v, want nil", err)
	}
}

func TestRebuildSkipsMalformedPost(t *testing.T) {
	h := newHarness(t)
	h.accounts(viewer, 1)
	h.follow(viewer, 1)
	h.post(100, 1, access.AudienceUnknown, time.Hour)
	h.post(101, 1, access.Followers, 2*time.Hour)

	if err := h.engine.Rebuilder.Rebuild(context.Background(), viewer); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	want := []row{{viewer, 101, access.SourceFollowing}}
	if diff := cmp.Diff(want, h.viewerRows(viewer)); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}
