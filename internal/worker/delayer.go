package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/events"
	"github.com/steemit/hivefeed/internal/feed"
)

// Delayer re-publishes PostPublished for scheduled posts when their publish
// time arrives. One timer is kept per post; rescheduling replaces it. Timers
// live in memory, so it only backs the in-process broker; NATS deployments
// use StreamScheduler.
type Delayer struct {
	publisher message.Publisher
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	timers  map[int64]*time.Timer
	stopped bool
}

var _ feed.Scheduler = (*Delayer)(nil)

// NewDelayer creates a delayer publishing through publisher
func NewDelayer(publisher message.Publisher, logger *zap.Logger) *Delayer {
	return &Delayer{
		publisher: publisher,
		logger:    logger.With(zap.String("component", "delayer")),
		now:       time.Now,
		timers:    map[int64]*time.Timer{},
	}
}

// PublishAt schedules a PostPublished signal for postID at the given time.
func (d *Delayer) PublishAt(_ context.Context, postID int64, at time.Time) error {
	sig := events.PostPublished{PostID: postID}
	if err := events.Validate(sig); err != nil {
		return err
	}
	delay := at.Sub(d.now())
	if delay < 0 {
		delay = 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	if t, ok := d.timers[postID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.timers[postID] == timer {
			delete(d.timers, postID)
		}
		d.mu.Unlock()

		if err := events.Publish(d.publisher, sig); err != nil {
			d.logger.Error("Failed to re-dispatch scheduled post", zap.Int64("post_id", postID), zap.Error(err))
			return
		}
		d.logger.Debug("Re-dispatched scheduled post", zap.Int64("post_id", postID))
	})
	d.timers[postID] = timer

	d.logger.Info("Scheduled post publish",
		zap.Int64("post_id", postID),
		zap.Time("publish_at", at),
		zap.Duration("delay", delay))
	return nil
}

// Pending returns the number of scheduled posts.
func (d *Delayer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels every pending timer. Later PublishAt calls are ignored.
func (d *Delayer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}

// Serve implements suture.Service.
func (d *Delayer) Serve(ctx context.Context) error {
	<-ctx.Done()
	d.Stop()
	return ctx.Err()
}

func (d *Delayer) String() string {
	return "delayer"
}
