package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/events"
	"github.com/steemit/hivefeed/pkg/config"
)

// startJetStream runs an embedded JetStream server with the signal stream.
func startJetStream(t *testing.T) *config.BrokerConfig {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		ServerName: "feed-test",
		Host:       "127.0.0.1",
		Port:       -1,
		JetStream:  true,
		StoreDir:   t.TempDir(),
		NoLog:      true,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)

	cfg := &config.BrokerConfig{
		Driver:      DriverNATS,
		NATSURL:     ns.ClientURL(),
		StreamName:  "FEED",
		DurableName: "hivefeed-test",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := EnsureStream(ctx, cfg.NATSURL, cfg.StreamName); err != nil {
		t.Fatalf("EnsureStream() error = %v", err)
	}
	return cfg
}

// chanPublisher hands published messages to a channel.
type chanPublisher struct {
	topics chan string
	msgs   chan *message.Message
}

func newChanPublisher() *chanPublisher {
	return &chanPublisher{topics: make(chan string, 16), msgs: make(chan *message.Message, 16)}
}

func (c *chanPublisher) Publish(topic string, msgs ...*message.Message) error {
	for _, m := range msgs {
		c.topics <- topic
		c.msgs <- m
	}
	return nil
}

func (c *chanPublisher) Close() error { return nil }

// serve runs s until the returned stop func is called.
func serve(t *testing.T, s *StreamScheduler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	}
}

func TestStreamSchedulerSurvivesRestart(t *testing.T) {
	cfg := startJetStream(t)
	pub := newChanPublisher()

	first, err := NewStreamScheduler(cfg, pub, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStreamScheduler() error = %v", err)
	}
	if err := first.PublishAt(context.Background(), 42, time.Now().Add(700*time.Millisecond)); err != nil {
		t.Fatalf("PublishAt() error = %v", err)
	}
	stop := serve(t, first)
	time.Sleep(200 * time.Millisecond)
	stop()
	first.Close()

	select {
	case topic := <-pub.topics:
		t.Fatalf("stopped scheduler published on %s before the post was due", topic)
	default:
	}

	second, err := NewStreamScheduler(cfg, pub, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStreamScheduler() error = %v", err)
	}
	defer second.Close()
	defer serve(t, second)()

	select {
	case topic := <-pub.topics:
		if topic != events.TopicPostPublished {
			t.Errorf("topic = %q, want %q", topic, events.TopicPostPublished)
		}
		got, err := events.Decode[events.PostPublished](<-pub.msgs)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if got.PostID != 42 {
			t.Errorf("re-dispatched post = %d, want 42", got.PostID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("scheduled post was not re-dispatched after restart")
	}

	select {
	case topic := <-pub.topics:
		t.Errorf("unexpected second publish on %s", topic)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestStreamSchedulerDeduplicatesReplays(t *testing.T) {
	cfg := startJetStream(t)
	pub := newChanPublisher()
	s, err := NewStreamScheduler(cfg, pub, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStreamScheduler() error = %v", err)
	}
	defer s.Close()

	at := time.Now().Add(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := s.PublishAt(context.Background(), 7, at); err != nil {
			t.Fatalf("PublishAt() error = %v", err)
		}
	}
	if err := s.PublishAt(context.Background(), 0, at); err == nil {
		t.Error("PublishAt(0) error = nil, want invalid signal")
	}
	defer serve(t, s)()

	select {
	case <-pub.topics:
		<-pub.msgs
	case <-time.After(10 * time.Second):
		t.Fatal("scheduled post was not re-dispatched")
	}
	select {
	case topic := <-pub.topics:
		t.Errorf("replayed schedule published again on %s", topic)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestNextStep(t *testing.T) {
	tests := []struct {
		name      string
		remaining time.Duration
		want      step
	}{
		{"overdue", -time.Minute, stepDispatch},
		{"due now", 0, stepDispatch},
		{"within a hold", time.Hour, stepHold},
		{"exactly one hold", maxHold, stepHold},
		{"beyond a hold", maxHold + time.Second, stepRepark},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextStep(tt.remaining); got != tt.want {
				t.Errorf("nextStep(%v) = %v, want %v", tt.remaining, got, tt.want)
			}
		})
	}
}
