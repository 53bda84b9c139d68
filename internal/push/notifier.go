// Package push delivers new timeline rows on per-viewer channels.
package push

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/access"
	"github.com/steemit/hivefeed/internal/feed"
	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/pkg/config"
)

// DefaultPrefix is the channel prefix used when none is configured.
const DefaultPrefix = "timeline"

// Metadata keys set on push messages.
const (
	MetadataEntryID  = "entry_id"
	MetadataViewerID = "viewer_id"
)

// Payload is the body of a push message. Consumers deduplicate on EntryID.
type Payload struct {
	EntryID          int64          `json:"entry_id"`
	ViewerID         int64          `json:"viewer_id"`
	PostSummary      models.Summary `json:"post_summary"`
	VisibilitySource access.Source  `json:"visibility_source"`
}

// Channel returns the topic of a viewer's realtime channel.
func Channel(prefix string, viewerID int64) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + strconv.FormatInt(viewerID, 10)
}

// Notifier publishes new timeline rows through a circuit breaker.
type Notifier struct {
	publisher message.Publisher
	prefix    string
	breaker   *gobreaker.CircuitBreaker[struct{}]
	logger    *zap.Logger
}

var _ feed.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier publishing on cfg.ChannelPrefix.<viewerId>
func NewNotifier(publisher message.Publisher, cfg *config.PushConfig, logger *zap.Logger) *Notifier {
	threshold := uint32(5)
	timeout := 10 * time.Second
	prefix := DefaultPrefix
	if cfg != nil {
		if cfg.BreakerFailureThreshold > 0 {
			threshold = uint32(cfg.BreakerFailureThreshold)
		}
		if cfg.BreakerTimeout > 0 {
			timeout = cfg.BreakerTimeout
		}
		if cfg.ChannelPrefix != "" {
			prefix = cfg.ChannelPrefix
		}
	}
	logger = logger.With(zap.String("component", "push"))

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "push",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Push breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Notifier{publisher: publisher, prefix: prefix, breaker: breaker, logger: logger}
}

// State reports the breaker state.
func (n *Notifier) State() gobreaker.State {
	return n.breaker.State()
}

// Notify publishes one message per entry on the entry's viewer channel.
// Entries of one viewer are published together.
func (n *Notifier) Notify(ctx context.Context, entries []feed.NewEntry) error {
	byViewer := map[int64][]*message.Message{}
	var order []int64
	for _, e := range entries {
		msg, err := n.message(ctx, e)
		if err != nil {
			return err
		}
		if _, ok := byViewer[e.Entry.ViewerID]; !ok {
			order = append(order, e.Entry.ViewerID)
		}
		byViewer[e.Entry.ViewerID] = append(byViewer[e.Entry.ViewerID], msg)
	}

	var errs []error
	for _, viewerID := range order {
		topic := Channel(n.prefix, viewerID)
		msgs := byViewer[viewerID]
		_, err := n.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, n.publisher.Publish(topic, msgs...)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", topic, err))
			if errors.Is(err, gobreaker.ErrOpenState) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) message(ctx context.Context, e feed.NewEntry) (*message.Message, error) {
	payload := Payload{
		EntryID:          e.Entry.ID,
		ViewerID:         e.Entry.ViewerID,
		VisibilitySource: e.Entry.Source,
	}
	if e.Post != nil {
		payload.PostSummary = e.Post.Summarize()
	} else {
		payload.PostSummary = models.Summary{PostID: e.Entry.PostID}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal push payload: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set(MetadataEntryID, strconv.FormatInt(e.Entry.ID, 10))
	msg.Metadata.Set(MetadataViewerID, strconv.FormatInt(e.Entry.ViewerID, 10))
	msg.SetContext(ctx)
	return msg, nil
}
