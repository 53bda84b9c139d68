package access

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownAudience is returned when a post carries an audience value outside
// the rule table.
var ErrUnknownAudience = errors.New("unknown audience")

// Target is the part of a post the resolver needs.
type Target struct {
	ID       int64
	AuthorID int64
	Audience Audience
}

// Verdict is the outcome of a single access check. It is never persisted.
type Verdict struct {
	CanView          bool     `json:"can_view"`
	RequiresPurchase bool     `json:"requires_purchase"`
	ViewerIsAuthor   bool     `json:"viewer_is_author"`
	Audience         Audience `json:"audience"`
}

// Relations answers the point relationship questions needed for one
// (viewer, author) pair.
type Relations interface {
	// Blocked reports a block edge between a and b in either direction.
	Blocked(ctx context.Context, a, b int64) (bool, error)
	// Follows reports an approved follow of follower onto author.
	Follows(ctx context.Context, follower, author int64) (bool, error)
	// Subscribes reports an entitling subscription of subscriber to creator.
	Subscribes(ctx context.Context, subscriber, creator int64, now time.Time) (bool, error)
	// Purchased reports an entitling purchase of postID by buyer.
	Purchased(ctx context.Context, buyer, postID int64, now time.Time) (bool, error)
}

// Resolver decides whether a viewer may see a post
type Resolver struct {
	relations Relations
	now       func() time.Time
}

// NewResolver creates a new resolver over the given relationship reader
func NewResolver(relations Relations) *Resolver {
	return &Resolver{relations: relations, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source, mainly for tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Decide returns the access verdict for viewer on post. A nil viewer is an
// anonymous request.
func (r *Resolver) Decide(ctx context.Context, post Target, viewer *int64) (Verdict, error) {
	v := Verdict{Audience: post.Audience}

	if viewer != nil && *viewer == post.AuthorID {
		v.CanView = true
		v.ViewerIsAuthor = true
		return v, nil
	}
	if !post.Audience.Valid() {
		return v, fmt.Errorf("post %d: %w", post.ID, ErrUnknownAudience)
	}

	rel := Relation{Anonymous: viewer == nil}
	if viewer != nil {
		var err error
		if rel.Blocked, err = r.relations.Blocked(ctx, *viewer, post.AuthorID); err != nil {
			return v, fmt.Errorf("failed to check block: %w", err)
		}
		if rel.Blocked {
			return v, nil
		}
		if err := r.load(ctx, post, *viewer, &rel); err != nil {
			return v, err
		}
	}

	v.CanView = post.Audience.Permits(rel)
	v.RequiresPurchase = !v.CanView && rules[post.Audience].paywalled
	return v, nil
}

// load fills only the relation the audience rule consults.
func (r *Resolver) load(ctx context.Context, post Target, viewer int64, rel *Relation) error {
	now := r.now()
	var err error
	switch post.Audience {
	case Followers:
		rel.Follows, err = r.relations.Follows(ctx, viewer, post.AuthorID)
	case Subscribers:
		rel.Subscribes, err = r.relations.Subscribes(ctx, viewer, post.AuthorID, now)
	case PayToView:
		rel.Purchased, err = r.relations.Purchased(ctx, viewer, post.ID, now)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s relation: %w", post.Audience, err)
	}
	return nil
}
