package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

// RouterConfig holds configuration for the signal router.
type RouterConfig struct {
	CloseTimeout time.Duration

	// RetryMaxRetries redelivers a failed message in-process before it is
	// poisoned. Zero leaves retrying to the feed engine, which already
	// retries each chunk with backoff.
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64

	// PoisonQueueTopic receives messages that still fail after retries.
	// Empty disables the poison queue.
	PoisonQueueTopic string
}

// DefaultRouterConfig returns production defaults for the router.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      0,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
		RetryMultiplier:      2.0,
		PoisonQueueTopic:     "feed.poison",
	}
}

// Router wraps a watermill router with the middleware stack every signal
// handler runs behind: poison queue outermost, then the optional retry, then
// panic recovery.
type Router struct {
	router *message.Router
	logger watermill.LoggerAdapter
}

// NewRouter creates a router. poison may be nil when cfg.PoisonQueueTopic is empty.
func NewRouter(cfg RouterConfig, poison message.Publisher, logger watermill.LoggerAdapter) (*Router, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	r, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	if poison != nil && cfg.PoisonQueueTopic != "" {
		poisonQueue, err := middleware.PoisonQueue(poison, cfg.PoisonQueueTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		r.AddMiddleware(poisonQueue)
	}

	if cfg.RetryMaxRetries > 0 {
		retry := middleware.Retry{
			MaxRetries:      cfg.RetryMaxRetries,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
			Multiplier:      cfg.RetryMultiplier,
			Logger:          logger,
		}
		r.AddMiddleware(retry.Middleware)
	}
	r.AddMiddleware(middleware.Recoverer)

	return &Router{router: r, logger: logger}, nil
}

// AddConsumerHandler registers a handler that produces no messages.
func (r *Router) AddConsumerHandler(name, topic string, subscriber message.Subscriber, handler message.NoPublishHandlerFunc) {
	r.router.AddConsumerHandler(name, topic, subscriber, handler)
}

// Run blocks until ctx ends or the router is closed.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running closes once every handler is subscribed.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// Close stops the router, waiting for in-flight messages.
func (r *Router) Close() error {
	return r.router.Close()
}
