package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/access"
	"github.com/steemit/hivefeed/internal/events"
	"github.com/steemit/hivefeed/internal/feed"
	"github.com/steemit/hivefeed/internal/models"
)

const (
	defaultFeedLimit = 20
	maxFeedLimit     = 100
)

// PageCache stores rendered feed pages per viewer.
type PageCache interface {
	FeedPage(ctx context.Context, userID int64, parts ...string) (string, bool)
	StoreFeedPage(ctx context.Context, userID int64, value string, parts ...string) error
}

// Posts loads the posts behind visibility checks and feed pages
type Posts interface {
	Post(ctx context.Context, id int64) (*models.Post, error)
	PostsByID(ctx context.Context, ids []int64) (map[int64]*models.Post, error)
}

// TimelineAPI serves visibility checks and feed reads
type TimelineAPI struct {
	resolver  *access.Resolver
	posts     Posts
	store     feed.Store
	pages     PageCache
	publisher message.Publisher
	logger    *zap.Logger
}

// NewTimelineAPI creates a new timeline API
func NewTimelineAPI(resolver *access.Resolver, posts Posts, store feed.Store, pages PageCache, publisher message.Publisher, logger *zap.Logger) *TimelineAPI {
	return &TimelineAPI{
		resolver:  resolver,
		posts:     posts,
		store:     store,
		pages:     pages,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "timeline-api")),
	}
}

func decodeParams(params json.RawMessage, out interface{}) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, out); err != nil {
		return InvalidParams("invalid parameters format")
	}
	if err := binding.Validator.ValidateStruct(out); err != nil {
		return InvalidParams("%v", err)
	}
	return nil
}

type canViewParams struct {
	PostID   int64  `json:"post_id" binding:"required,gt=0"`
	ViewerID *int64 `json:"viewer_id" binding:"omitempty,gt=0"`
}

// CanView handles timeline.can_view
func (t *TimelineAPI) CanView(c *gin.Context, params json.RawMessage) (interface{}, error) {
	var p canViewParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ctx := c.Request.Context()

	post, err := t.posts.Post(ctx, p.PostID)
	if err != nil {
		return nil, err
	}
	if post == nil || post.DeletedAt != nil {
		return nil, NewError(ErrNotFound, "post not found")
	}

	verdict, err := t.resolver.Decide(ctx, post.Target(), p.ViewerID)
	if err != nil {
		if errors.Is(err, access.ErrUnknownAudience) {
			t.logger.Error("Post has unknown audience", zap.Int64("post_id", post.ID), zap.Error(err))
		}
		return nil, err
	}
	return verdict, nil
}

// FeedCursor positions a feed page.
type FeedCursor struct {
	VisibleAt time.Time `json:"visible_at"`
	EntryID   int64     `json:"entry_id"`
}

type listFeedParams struct {
	ViewerID int64       `json:"viewer_id" binding:"required,gt=0"`
	Before   *FeedCursor `json:"before"`
	Limit    int         `json:"limit" binding:"omitempty,min=1,max=100"`
}

// FeedItem is one row of a feed page.
type FeedItem struct {
	EntryID          int64               `json:"entry_id"`
	PostID           int64               `json:"post_id"`
	VisibilitySource access.Source       `json:"visibility_source"`
	Context          models.EntryContext `json:"context,omitempty"`
	VisibleAt        time.Time           `json:"visible_at"`
	Post             *models.Summary     `json:"post,omitempty"`
}

// FeedPage is a page of a viewer's feed, newest first.
type FeedPage struct {
	Items []FeedItem  `json:"items"`
	Next  *FeedCursor `json:"next,omitempty"`
}

// ListFeed handles timeline.list_feed
func (t *TimelineAPI) ListFeed(c *gin.Context, params json.RawMessage) (interface{}, error) {
	var p listFeedParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit == 0 {
		p.Limit = defaultFeedLimit
	}
	ctx := c.Request.Context()

	parts := []string{"limit", strconv.Itoa(p.Limit)}
	var before *feed.EntryCursor
	if p.Before != nil {
		before = &feed.EntryCursor{VisibleAt: p.Before.VisibleAt, ID: p.Before.EntryID}
		parts = append(parts, "before", p.Before.VisibleAt.UTC().Format(time.RFC3339Nano), strconv.FormatInt(p.Before.EntryID, 10))
	}

	if cached, ok := t.pages.FeedPage(ctx, p.ViewerID, parts...); ok {
		return json.RawMessage(cached), nil
	}

	entries, err := t.store.List(ctx, p.ViewerID, before, p.Limit)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.PostID)
	}
	posts, err := t.posts.PostsByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	page := FeedPage{Items: make([]FeedItem, 0, len(entries))}
	for _, e := range entries {
		item := FeedItem{
			EntryID:          e.ID,
			PostID:           e.PostID,
			VisibilitySource: e.Source,
			Context:          e.Context,
			VisibleAt:        e.VisibleAt,
		}
		if post := posts[e.PostID]; post != nil && post.DeletedAt == nil {
			summary := post.Summarize()
			item.Post = &summary
		}
		page.Items = append(page.Items, item)
	}
	if len(entries) == p.Limit {
		last := entries[len(entries)-1]
		page.Next = &FeedCursor{VisibleAt: last.VisibleAt, EntryID: last.ID}
	}

	if data, err := json.Marshal(page); err == nil {
		if err := t.pages.StoreFeedPage(ctx, p.ViewerID, string(data), parts...); err != nil {
			t.logger.Warn("Failed to cache feed page", zap.Int64("viewer_id", p.ViewerID), zap.Error(err))
		}
	}
	return page, nil
}

type rebuildParams struct {
	ViewerID int64 `json:"viewer_id" binding:"required,gt=0"`
}

// Rebuild handles timeline.rebuild by queueing a rebuild signal
func (t *TimelineAPI) Rebuild(c *gin.Context, params json.RawMessage) (interface{}, error) {
	var p rebuildParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := events.Publish(t.publisher, events.RebuildRequested{ViewerID: p.ViewerID, Reason: "api"}); err != nil {
		return nil, err
	}
	t.logger.Info("Timeline rebuild queued", zap.Int64("viewer_id", p.ViewerID))
	return gin.H{"queued": true, "viewer_id": p.ViewerID}, nil
}
