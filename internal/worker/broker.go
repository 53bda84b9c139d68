package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/steemit/hivefeed/pkg/config"
)

// Broker drivers
const (
	DriverGoChannel = "gochannel"
	DriverNATS      = "nats"
)

// SignalSubjects is the stream subject filter covering every signal topic.
var SignalSubjects = []string{"feed.>"}

// Broker bundles a publisher and subscriber over one transport.
type Broker struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides of the broker.
func (b *Broker) Close() error {
	var errs []error
	if b.Publisher != nil {
		errs = append(errs, b.Publisher.Close())
	}
	if b.Subscriber != nil && any(b.Subscriber) != any(b.Publisher) {
		errs = append(errs, b.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// NewGoChannelBroker creates an in-process broker.
func NewGoChannelBroker(logger watermill.LoggerAdapter) *Broker {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
	return &Broker{Publisher: pubSub, Subscriber: pubSub}
}

func natsOptions(logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
}

// EnsureStream creates or updates the JetStream stream holding signals.
func EnsureStream(ctx context.Context, url, name string) error {
	nc, err := natsgo.Connect(url)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	streamCfg := jetstream.StreamConfig{
		Name:       name,
		Subjects:   SignalSubjects,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 2 * time.Minute,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}
	if _, err := js.Stream(ctx, name); err == nil {
		if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", name, err)
		}
		return nil
	} else if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("check stream %s: %w", name, err)
	}
	if _, err := js.CreateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// NewSignalBroker creates the durable broker carrying domain signals.
func NewSignalBroker(cfg *config.BrokerConfig, logger watermill.LoggerAdapter) (*Broker, error) {
	switch cfg.Driver {
	case DriverGoChannel, "":
		return NewGoChannelBroker(logger), nil
	case DriverNATS:
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := EnsureStream(ctx, cfg.NATSURL, cfg.StreamName); err != nil {
		return nil, err
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.NATSURL,
		NatsOptions: natsOptions(logger),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			TrackMsgId:    true,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.NATSURL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 4,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     30 * time.Second,
		NatsOptions:      natsOptions(logger),
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			DurablePrefix: cfg.DurableName,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.BindStream(cfg.StreamName),
				natsgo.AckWait(30 * time.Second),
				natsgo.MaxDeliver(10),
			},
		},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}
	return &Broker{Publisher: pub, Subscriber: sub}, nil
}

// NewPushBroker creates the transport for per-viewer push channels. Push
// messages are ephemeral, so NATS runs without JetStream.
func NewPushBroker(cfg *config.BrokerConfig, logger watermill.LoggerAdapter) (*Broker, error) {
	switch cfg.Driver {
	case DriverGoChannel, "":
		return NewGoChannelBroker(logger), nil
	case DriverNATS:
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.NATSURL,
		NatsOptions: natsOptions(logger),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats push publisher: %w", err)
	}
	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:            cfg.NATSURL,
		CloseTimeout:   5 * time.Second,
		AckWaitTimeout: 5 * time.Second,
		NatsOptions:    natsOptions(logger),
		Unmarshaler:    &wmNats.NATSMarshaler{},
		JetStream:      wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create nats push subscriber: %w", err)
	}
	return &Broker{Publisher: pub, Subscriber: sub}, nil
}
