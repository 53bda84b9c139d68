package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/events"
	"github.com/steemit/hivefeed/internal/feed"
	"github.com/steemit/hivefeed/pkg/config"
)

// maxHold bounds a single delayed redelivery. Longer waits are parked again
// as a fresh message so no message outlives the stream's max age.
const maxHold = 24 * time.Hour

// StreamScheduler parks scheduled posts on the JetStream signal stream and
// re-dispatches them as PostPublished once due. The broker holds each
// message through delayed redelivery, so schedules survive restarts.
type StreamScheduler struct {
	nc        *natsgo.Conn
	js        jetstream.JetStream
	stream    string
	durable   string
	publisher message.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

var _ feed.Scheduler = (*StreamScheduler)(nil)

// NewStreamScheduler connects to NATS. Scheduled posts are re-dispatched
// through publisher. The stream must already exist, see EnsureStream.
func NewStreamScheduler(cfg *config.BrokerConfig, publisher message.Publisher, logger *zap.Logger) (*StreamScheduler, error) {
	logger = logger.With(zap.String("component", "scheduler"))
	nc, err := natsgo.Connect(cfg.NATSURL, natsOptions(NewZapLogger(logger))...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &StreamScheduler{
		nc:        nc,
		js:        js,
		stream:    cfg.StreamName,
		durable:   cfg.DurableName + "-scheduler",
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// PublishAt parks a PostScheduled message for postID.
func (s *StreamScheduler) PublishAt(ctx context.Context, postID int64, at time.Time) error {
	sig := events.PostScheduled{PostID: postID, PublishAt: at.UTC()}
	// Replayed PostPublished signals schedule the same post twice; the
	// message id lets the stream drop the copy.
	id := fmt.Sprintf("scheduled-%d-%d", postID, sig.PublishAt.UnixNano())
	if err := s.park(ctx, sig, id); err != nil {
		return err
	}
	s.logger.Info("Scheduled post publish",
		zap.Int64("post_id", postID),
		zap.Time("publish_at", sig.PublishAt),
		zap.Duration("delay", sig.PublishAt.Sub(s.now())))
	return nil
}

func (s *StreamScheduler) park(ctx context.Context, sig events.PostScheduled, msgID string) error {
	if err := events.Validate(sig); err != nil {
		return err
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", sig.Topic(), err)
	}
	if _, err := s.js.Publish(ctx, sig.Topic(), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", sig.Topic(), err)
	}
	return nil
}

// Serve implements suture.Service. It consumes parked posts through a
// durable consumer until ctx ends.
func (s *StreamScheduler) Serve(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.stream, jetstream.ConsumerConfig{
		Durable:       s.durable,
		FilterSubject: events.TopicPostScheduled,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    -1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create scheduler consumer: %w", err)
	}
	consuming, err := consumer.Consume(func(msg jetstream.Msg) { s.handle(ctx, msg) })
	if err != nil {
		return fmt.Errorf("consume scheduled posts: %w", err)
	}
	s.logger.Info("Scheduler consuming", zap.String("stream", s.stream), zap.String("durable", s.durable))

	<-ctx.Done()
	consuming.Stop()
	return ctx.Err()
}

func (s *StreamScheduler) handle(ctx context.Context, msg jetstream.Msg) {
	var sig events.PostScheduled
	err := json.Unmarshal(msg.Data(), &sig)
	if err == nil {
		err = events.Validate(sig)
	}
	if err != nil {
		s.logger.Error("Dropping malformed scheduled post", zap.ByteString("payload", msg.Data()), zap.Error(err))
		_ = msg.Term()
		return
	}

	remaining := sig.PublishAt.Sub(s.now())
	switch nextStep(remaining) {
	case stepDispatch:
		if err := events.Publish(s.publisher, events.PostPublished{PostID: sig.PostID}); err != nil {
			s.logger.Error("Failed to re-dispatch scheduled post", zap.Int64("post_id", sig.PostID), zap.Error(err))
			_ = msg.NakWithDelay(time.Second)
			return
		}
		s.logger.Debug("Re-dispatched scheduled post", zap.Int64("post_id", sig.PostID))
	case stepRepark:
		meta, err := msg.Metadata()
		if err != nil {
			_ = msg.NakWithDelay(time.Second)
			return
		}
		id := fmt.Sprintf("scheduled-%d-%d-r%d", sig.PostID, sig.PublishAt.UnixNano(), meta.Sequence.Stream)
		if err := s.park(ctx, sig, id); err != nil {
			s.logger.Warn("Failed to re-park scheduled post", zap.Int64("post_id", sig.PostID), zap.Error(err))
			_ = msg.NakWithDelay(time.Second)
			return
		}
	case stepHold:
		_ = msg.NakWithDelay(remaining)
		return
	}
	if err := msg.Ack(); err != nil {
		s.logger.Warn("Failed to ack scheduled post", zap.Int64("post_id", sig.PostID), zap.Error(err))
	}
}

type step int

const (
	stepDispatch step = iota
	stepRepark
	stepHold
)

// nextStep decides what to do with a parked post whose publish time is
// remaining from now.
func nextStep(remaining time.Duration) step {
	switch {
	case remaining <= 0:
		return stepDispatch
	case remaining > maxHold:
		return stepRepark
	default:
		return stepHold
	}
}

// Close releases the NATS connection.
func (s *StreamScheduler) Close() {
	s.nc.Close()
}

func (s *StreamScheduler) String() string {
	return "scheduler"
}
