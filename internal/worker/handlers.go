package worker

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/events"
	"github.com/steemit/hivefeed/internal/feed"
)

// Handlers routes domain signals into the feed engine.
type Handlers struct {
	engine *feed.Engine
	logger *zap.Logger
}

// NewHandlers creates signal handlers over engine
func NewHandlers(engine *feed.Engine, logger *zap.Logger) *Handlers {
	return &Handlers{engine: engine, logger: logger.With(zap.String("component", "worker"))}
}

// Register adds one consumer handler per signal topic.
func (h *Handlers) Register(r *Router, subscriber message.Subscriber) {
	r.AddConsumerHandler("post_published", events.TopicPostPublished, subscriber,
		handle(h, func(ctx context.Context, s events.PostPublished) error {
			return h.engine.Distributor.Distribute(ctx, s.PostID)
		}))
	r.AddConsumerHandler("audience_changed", events.TopicAudienceChanged, subscriber,
		handle(h, func(ctx context.Context, s events.AudienceChanged) error {
			return h.engine.Reactors.OnAudienceChanged(ctx, s.PostID)
		}))
	r.AddConsumerHandler("post_deleted", events.TopicPostDeleted, subscriber,
		handle(h, func(ctx context.Context, s events.PostDeleted) error {
			return h.engine.Reactors.OnPostDeleted(ctx, s.PostID)
		}))
	r.AddConsumerHandler("post_purchased", events.TopicPostPurchased, subscriber,
		handle(h, func(ctx context.Context, s events.PostPurchased) error {
			return h.engine.Reactors.OnPostPurchased(ctx, s.PurchaseID)
		}))
	r.AddConsumerHandler("follow_accepted", events.TopicFollowAccepted, subscriber,
		handle(h, func(ctx context.Context, s events.FollowAccepted) error {
			return h.engine.Reactors.OnFollowAccepted(ctx, s.FollowerID, s.AuthorID)
		}))
	r.AddConsumerHandler("unfollowed", events.TopicUnfollowed, subscriber,
		handle(h, func(ctx context.Context, s events.Unfollowed) error {
			return h.engine.Reactors.OnUnfollowed(ctx, s.FollowerID, s.AuthorID)
		}))
	r.AddConsumerHandler("user_blocked", events.TopicUserBlocked, subscriber,
		handle(h, func(ctx context.Context, s events.UserBlocked) error {
			return h.engine.Reactors.OnUserBlocked(ctx, s.BlockerID, s.BlockedID)
		}))
	r.AddConsumerHandler("rebuild_requested", events.TopicRebuildRequested, subscriber,
		handle(h, func(ctx context.Context, s events.RebuildRequested) error {
			return h.engine.Rebuilder.Rebuild(ctx, s.ViewerID)
		}))
}

// handle decodes a signal and runs fn. Undecodable messages and malformed
// posts are logged and acknowledged; any other error is returned so the
// router retries it.
func handle[T events.Signal](h *Handlers, fn func(context.Context, T) error) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		sig, err := events.Decode[T](msg)
		if err != nil {
			h.logger.Error("Dropping undecodable signal",
				zap.String("message_id", msg.UUID),
				zap.String("topic", sig.Topic()),
				zap.Error(err))
			return nil
		}

		err = fn(msg.Context(), sig)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, feed.ErrMalformed):
			h.logger.Error("Dropping signal for malformed post",
				zap.String("message_id", msg.UUID),
				zap.String("topic", sig.Topic()),
				zap.Any("signal", sig),
				zap.Error(err))
			return nil
		default:
			h.logger.Warn("Signal handling failed",
				zap.String("message_id", msg.UUID),
				zap.String("topic", sig.Topic()),
				zap.Error(err))
			return err
		}
	}
}
