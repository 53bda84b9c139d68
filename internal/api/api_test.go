package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/steemit/hivefeed/internal/access"
	"github.com/steemit/hivefeed/internal/db"
	"github.com/steemit/hivefeed/internal/db/dbtest"
	"github.com/steemit/hivefeed/internal/events"
	"github.com/steemit/hivefeed/internal/models"
)

const (
	author int64 = 1
	viewer int64 = 2
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type memPages struct {
	mu     sync.Mutex
	pages  map[string]string
	hits   int
	stores int
}

func newMemPages() *memPages {
	return &memPages{pages: map[string]string{}}
}

func pageKey(userID int64, parts []string) string {
	return fmt.Sprintf("%d:%s", userID, strings.Join(parts, ":"))
}

func (p *memPages) FeedPage(_ context.Context, userID int64, parts ...string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.pages[pageKey(userID, parts)]
	if ok {
		p.hits++
	}
	return v, ok
}

func (p *memPages) StoreFeedPage(_ context.Context, userID int64, value string, parts ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages[pageKey(userID, parts)] = value
	p.stores++
	return nil
}

// countingPosts counts post lookups by shape.
type countingPosts struct {
	*db.PostRepository
	mu      sync.Mutex
	singles int
	batches int
}

func (c *countingPosts) Post(ctx context.Context, id int64) (*models.Post, error) {
	c.mu.Lock()
	c.singles++
	c.mu.Unlock()
	return c.PostRepository.Post(ctx, id)
}

func (c *countingPosts) PostsByID(ctx context.Context, ids []int64) (map[int64]*models.Post, error) {
	c.mu.Lock()
	c.batches++
	c.mu.Unlock()
	return c.PostRepository.PostsByID(ctx, ids)
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) Health(ctx context.Context) error { return f(ctx) }

type fixture struct {
	store  *dbtest.Store
	posts  *countingPosts
	pages  *memPages
	pubsub *gochannel.GoChannel
	engine *gin.Engine
}

func newFixture(t *testing.T, checks map[string]HealthChecker) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		store:  dbtest.New(t),
		pages:  newMemPages(),
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{}),
		engine: gin.New(),
	}
	t.Cleanup(func() { _ = f.pubsub.Close() })
	f.posts = &countingPosts{PostRepository: f.store.Posts}

	router := NewRouter(Deps{
		Posts:     f.posts,
		Relations: f.store.Relations,
		Store:     f.store.Timeline,
		Pages:     f.pages,
		Publisher: f.pubsub,
		Checks:    checks,
	})
	router.SetupRoutes(f.engine)

	f.store.PutAccount(models.Account{ID: author, Name: "author"})
	f.store.PutAccount(models.Account{ID: viewer, Name: "viewer"})
	return f
}

func (f *fixture) post(id int64, audience access.Audience) {
	published := baseTime.Add(-time.Hour)
	f.store.PutPost(models.Post{ID: id, AuthorID: author, Title: "post", Audience: audience, PublishedAt: &published})
}

type rpcResponse struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *JSONRPCError   `json:"error"`
}

func (f *fixture) call(t *testing.T, method string, params interface{}) rpcResponse {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("%s status = %d, want 200", method, rec.Code)
	}

	var resp rpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func TestJSONRPCErrors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed body", "{", ErrParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"timeline.can_view"}`, ErrInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"condenser_api.get_content"}`, ErrMethodNotFound},
		{"bad params", `{"jsonrpc":"2.0","id":1,"method":"timeline.can_view","params":[1]}`, ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			f.engine.ServeHTTP(rec, req)

			var resp rpcResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Error == nil || resp.Error.Code != tt.want {
				t.Errorf("error = %+v, want code %d", resp.Error, tt.want)
			}
		})
	}
}

func TestCanView(t *testing.T) {
	f := newFixture(t, nil)
	f.post(100, access.Public)
	f.post(101, access.Followers)
	f.post(102, access.PayToView)
	f.post(103, access.Public)
	deleted := baseTime
	gone, _ := f.store.Posts.Post(context.Background(), 103)
	gone.DeletedAt = &deleted
	f.store.PutPost(*gone)
	f.store.SetFollow(viewer, author, models.FollowStatusApproved)

	type verdict struct {
		CanView          bool `json:"can_view"`
		RequiresPurchase bool `json:"requires_purchase"`
		ViewerIsAuthor   bool `json:"viewer_is_author"`
	}

	tests := []struct {
		name    string
		params  map[string]interface{}
		want    verdict
		wantErr int
	}{
		{"public anonymous", map[string]interface{}{"post_id": 100}, verdict{CanView: true}, 0},
		{"followers anonymous", map[string]interface{}{"post_id": 101}, verdict{}, 0},
		{"followers follower", map[string]interface{}{"post_id": 101, "viewer_id": viewer}, verdict{CanView: true}, 0},
		{"pay to view locked", map[string]interface{}{"post_id": 102, "viewer_id": viewer}, verdict{RequiresPurchase: true}, 0},
		{"author", map[string]interface{}{"post_id": 102, "viewer_id": author}, verdict{CanView: true, ViewerIsAuthor: true}, 0},
		{"missing post", map[string]interface{}{"post_id": 999}, verdict{}, ErrNotFound},
		{"deleted post", map[string]interface{}{"post_id": 103}, verdict{}, ErrNotFound},
		{"zero post id", map[string]interface{}{"post_id": 0}, verdict{}, ErrInvalidParams},
		{"negative viewer", map[string]interface{}{"post_id": 100, "viewer_id": -4}, verdict{}, ErrInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.call(t, "timeline.can_view", tt.params)
			if tt.wantErr != 0 {
				if resp.Error == nil || resp.Error.Code != tt.wantErr {
					t.Fatalf("error = %+v, want code %d", resp.Error, tt.wantErr)
				}
				return
			}
			if resp.Error != nil {
				t.Fatalf("unexpected error %+v", resp.Error)
			}
			var got verdict
			if err := json.Unmarshal(resp.Result, &got); err != nil {
				t.Fatalf("decode verdict: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("verdict mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestListFeedPages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i, id := range []int64{100, 101, 102} {
		f.post(id, access.Public)
		if _, err := f.store.Timeline.Upsert(ctx, []models.TimelineEntry{{
			ViewerID:  viewer,
			PostID:    id,
			Source:    access.SourceFollowing,
			VisibleAt: baseTime.Add(time.Duration(i) * time.Minute),
		}}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	postIDs := func(p FeedPage) []int64 {
		var out []int64
		for _, item := range p.Items {
			out = append(out, item.PostID)
		}
		return out
	}
	list := func(params map[string]interface{}) FeedPage {
		t.Helper()
		resp := f.call(t, "timeline.list_feed", params)
		if resp.Error != nil {
			t.Fatalf("list_feed error %+v", resp.Error)
		}
		var page FeedPage
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			t.Fatalf("decode page: %v", err)
		}
		return page
	}

	first := list(map[string]interface{}{"viewer_id": viewer, "limit": 2})
	if diff := cmp.Diff([]int64{102, 101}, postIDs(first)); diff != "" {
		t.Fatalf("first page mismatch (-want +got):\n%s", diff)
	}
	if first.Next == nil {
		t.Fatal("first page has no next cursor")
	}
	if first.Items[0].Post == nil || first.Items[0].Post.PostID != 102 {
		t.Errorf("first item post summary = %+v", first.Items[0].Post)
	}

	second := list(map[string]interface{}{"viewer_id": viewer, "limit": 2, "before": first.Next})
	if diff := cmp.Diff([]int64{100}, postIDs(second)); diff != "" {
		t.Errorf("second page mismatch (-want +got):\n%s", diff)
	}
	if second.Next != nil {
		t.Errorf("second page next = %+v, want nil", second.Next)
	}

	again := list(map[string]interface{}{"viewer_id": viewer, "limit": 2})
	if diff := cmp.Diff(postIDs(first), postIDs(again)); diff != "" {
		t.Errorf("cached page mismatch (-want +got):\n%s", diff)
	}
	if f.pages.hits != 1 || f.pages.stores != 2 {
		t.Errorf("cache hits=%d stores=%d, want 1 and 2", f.pages.hits, f.pages.stores)
	}
	if f.posts.batches != 2 || f.posts.singles != 0 {
		t.Errorf("post lookups batches=%d singles=%d, want one batch per rendered page", f.posts.batches, f.posts.singles)
	}

	empty := list(map[string]interface{}{"viewer_id": author})
	if len(empty.Items) != 0 || empty.Next != nil {
		t.Errorf("empty feed = %+v", empty)
	}
}

func TestListFeedValidation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name   string
		params map[string]interface{}
	}{
		{"missing viewer", map[string]interface{}{}},
		{"limit too large", map[string]interface{}{"viewer_id": viewer, "limit": maxFeedLimit + 1}},
		{"negative limit", map[string]interface{}{"viewer_id": viewer, "limit": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.call(t, "timeline.list_feed", tt.params)
			if resp.Error == nil || resp.Error.Code != ErrInvalidParams {
				t.Errorf("error = %+v, want invalid params", resp.Error)
			}
		})
	}
}

func TestRebuildPublishesSignal(t *testing.T) {
	f := newFixture(t, nil)
	messages, err := f.pubsub.Subscribe(context.Background(), events.TopicRebuildRequested)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	resp := f.call(t, "timeline.rebuild", map[string]interface{}{"viewer_id": viewer})
	if resp.Error != nil {
		t.Fatalf("rebuild error %+v", resp.Error)
	}

	select {
	case msg := <-messages:
		msg.Ack()
		got, err := events.Decode[events.RebuildRequested](msg)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		want := events.RebuildRequested{ViewerID: viewer, Reason: "api"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("signal mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no rebuild signal published")
	}

	if resp := f.call(t, "timeline.rebuild", map[string]interface{}{}); resp.Error == nil || resp.Error.Code != ErrInvalidParams {
		t.Errorf("rebuild without viewer error = %+v, want invalid params", resp.Error)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]HealthChecker
		want   int
	}{
		{"no dependencies", nil, http.StatusOK},
		{"healthy", map[string]HealthChecker{"db": checkFunc(func(context.Context) error { return nil })}, http.StatusOK},
		{"degraded", map[string]HealthChecker{
			"db":    checkFunc(func(context.Context) error { return nil }),
			"redis": checkFunc(func(context.Context) error { return errors.New("connection refused") }),
		}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.checks)
			rec := httptest.NewRecorder()
			f.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
