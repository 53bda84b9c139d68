package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/steemit/hivefeed/internal/models"
)

// Gateway invalidates cached feed pages and post views. Feed pages are keyed
// by a per-user generation number, so forgetting a user is a single INCR that
// orphans every cached page of that user.
type Gateway struct {
	cache *Cache
	ttl   time.Duration
}

// NewGateway creates a gateway over c. A nil cache makes every call a no-op.
func NewGateway(c *Cache, ttl time.Duration) *Gateway {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Gateway{cache: c, ttl: ttl}
}

func generationKey(userID int64) string {
	return "feed:user:" + strconv.FormatInt(userID, 10) + ":gen"
}

func postKey(postID int64) string {
	return "post:" + strconv.FormatInt(postID, 10)
}

func pageKey(userID int64, generation string, parts ...string) string {
	return "feed:user:" + strconv.FormatInt(userID, 10) + ":" + generation + ":" + HashKey(parts...)
}

func disabled(err error) bool {
	return errors.Is(err, ErrCacheDisabled)
}

// ForgetForUser drops every cached feed page of userID
func (g *Gateway) ForgetForUser(ctx context.Context, userID int64) error {
	if _, err := g.cache.Incr(ctx, generationKey(userID)); err != nil && !disabled(err) {
		return fmt.Errorf("failed to forget feed of user %d: %w", userID, err)
	}
	return nil
}

// ForgetForUsers drops cached feed pages of several users
func (g *Gateway) ForgetForUsers(ctx context.Context, userIDs []int64) error {
	var errs []error
	for _, id := range userIDs {
		if err := g.ForgetForUser(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForgetForPost drops the cached view of a post
func (g *Gateway) ForgetForPost(ctx context.Context, post *models.Post) error {
	if err := g.cache.Delete(ctx, postKey(post.ID)); err != nil && !disabled(err) {
		return fmt.Errorf("failed to forget post %d: %w", post.ID, err)
	}
	return nil
}

func (g *Gateway) generation(ctx context.Context, userID int64) (string, error) {
	gen, err := g.cache.Get(ctx, generationKey(userID))
	if errors.Is(err, ErrMiss) {
		return "0", nil
	}
	return gen, err
}

// FeedPage returns a cached feed page for the query parts, if any.
func (g *Gateway) FeedPage(ctx context.Context, userID int64, parts ...string) (string, bool) {
	gen, err := g.generation(ctx, userID)
	if err != nil {
		return "", false
	}
	val, err := g.cache.Get(ctx, pageKey(userID, gen, parts...))
	if err != nil {
		return "", false
	}
	return val, true
}

// StoreFeedPage caches a rendered feed page under the user's current generation.
func (g *Gateway) StoreFeedPage(ctx context.Context, userID int64, value string, parts ...string) error {
	gen, err := g.generation(ctx, userID)
	if err != nil {
		if disabled(err) {
			return nil
		}
		return err
	}
	if err := g.cache.Set(ctx, pageKey(userID, gen, parts...), value, g.ttl); err != nil && !disabled(err) {
		return err
	}
	return nil
}
