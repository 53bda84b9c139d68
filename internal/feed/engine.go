package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/access"
	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/pkg/config"
	"github.com/steemit/hivefeed/pkg/telemetry"
)

// Options tunes chunking and retry.
type Options struct {
	ChunkSize            int
	MaxAttempts          int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	Now                  func() time.Time
}

// OptionsFromConfig builds Options from the distributor configuration.
func OptionsFromConfig(cfg *config.DistributorConfig) Options {
	return Options{
		ChunkSize:            cfg.ChunkSize,
		MaxAttempts:          cfg.MaxAttempts,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 500
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 200 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = utcNow
	}
	return o
}

// utcNow keeps times comparable with the UTC timestamps in storage
func utcNow() time.Time { return time.Now().UTC() }

// Deps are the collaborators of the feed engine.
type Deps struct {
	Posts       Posts
	Relations   Relations
	Store       Store
	Invalidator Invalidator
	Notifier    Notifier
	Scheduler   Scheduler
}

// Engine bundles the distributor, rebuilder and reactors over one set of deps.
type Engine struct {
	Distributor *Distributor
	Rebuilder   *Rebuilder
	Reactors    *Reactors
}

// New wires an Engine.
func New(deps Deps, opts Options, logger *zap.Logger) *Engine {
	w := newWriter(deps, opts.withDefaults(), logger)
	d := &Distributor{writer: w, scheduler: deps.Scheduler}
	r := &Rebuilder{writer: w}
	return &Engine{
		Distributor: d,
		Rebuilder:   r,
		Reactors:    &Reactors{writer: w, distributor: d, rebuilder: r},
	}
}

type counters struct {
	rowsInserted  metric.Int64Counter
	pushSent      metric.Int64Counter
	chunkFailures metric.Int64Counter
}

func newCounters(logger *zap.Logger) counters {
	meter := telemetry.Meter()
	var c counters
	var err error
	if c.rowsInserted, err = meter.Int64Counter("feed_rows_inserted_total",
		metric.WithDescription("Timeline rows written by fan-out, rebuild and reactors")); err != nil {
		logger.Warn("Failed to create counter", zap.String("name", "feed_rows_inserted_total"), zap.Error(err))
	}
	if c.pushSent, err = meter.Int64Counter("feed_push_sent_total",
		metric.WithDescription("Timeline push messages published")); err != nil {
		logger.Warn("Failed to create counter", zap.String("name", "feed_push_sent_total"), zap.Error(err))
	}
	if c.chunkFailures, err = meter.Int64Counter("feed_chunk_failures_total",
		metric.WithDescription("Chunks that exhausted their retries")); err != nil {
		logger.Warn("Failed to create counter", zap.String("name", "feed_chunk_failures_total"), zap.Error(err))
	}
	return c
}

func add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil || n == 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// writer holds what every feed operation shares: storage ports, retry policy,
// push announcement and counters.
type writer struct {
	posts       Posts
	relations   Relations
	store       Store
	invalidator Invalidator
	notifier    Notifier
	opts        Options
	logger      *zap.Logger
	counters    counters
}

func newWriter(deps Deps, opts Options, logger *zap.Logger) *writer {
	return &writer{
		posts:       deps.Posts,
		relations:   deps.Relations,
		store:       deps.Store,
		invalidator: deps.Invalidator,
		notifier:    deps.Notifier,
		opts:        opts,
		logger:      logger,
		counters:    newCounters(logger),
	}
}

func (w *writer) now() time.Time {
	return w.opts.Now()
}

// retry runs op up to MaxAttempts times with exponential backoff. Malformed
// data and context cancellation stop immediately.
func (w *writer) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.RetryInitialInterval
	b.MaxInterval = w.opts.RetryMaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.opts.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, ErrMalformed) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// insert upserts rows that the caller has already established are new.
func (w *writer) insert(ctx context.Context, rows []models.TimelineEntry) ([]models.TimelineEntry, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	stored, err := w.store.Upsert(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert %d timeline rows: %w", len(rows), err)
	}
	bySource := map[access.Source]int64{}
	for _, e := range stored {
		bySource[e.Source]++
	}
	for src, n := range bySource {
		add(ctx, w.counters.rowsInserted, n, attribute.String("source", string(src)))
	}
	return stored, nil
}

// announce invalidates the feed caches of the viewers of freshly inserted
// rows, then pushes the rows. Caches are dropped before the push goes out so
// a client reacting to it reads the new row. Each row is claimed through its
// notified_at column first so concurrent writers cannot both push it. Push
// failures are logged and never fail the surrounding task.
func (w *writer) announce(ctx context.Context, stored []models.TimelineEntry, posts map[int64]*models.Post) {
	if len(stored) == 0 {
		return
	}
	ids := make([]int64, 0, len(stored))
	seen := make(map[int64]bool, len(stored))
	viewers := make([]int64, 0, len(stored))
	for _, e := range stored {
		ids = append(ids, e.ID)
		if !seen[e.ViewerID] {
			seen[e.ViewerID] = true
			viewers = append(viewers, e.ViewerID)
		}
	}
	w.forgetUsers(ctx, viewers...)

	claimed, err := w.store.ClaimNotify(ctx, ids)
	if err != nil {
		w.logger.Warn("Failed to claim timeline rows for push", zap.Int("rows", len(ids)), zap.Error(err))
		return
	}
	if len(claimed) == 0 {
		return
	}

	mine := make(map[int64]bool, len(claimed))
	for _, id := range claimed {
		mine[id] = true
	}
	entries := make([]NewEntry, 0, len(claimed))
	for _, e := range stored {
		if mine[e.ID] {
			entries = append(entries, NewEntry{Entry: e, Post: posts[e.PostID]})
		}
	}

	if err := w.notifier.Notify(ctx, entries); err != nil {
		w.logger.Warn("Failed to push timeline rows", zap.Int("rows", len(entries)), zap.Error(err))
		if rerr := w.store.ReleaseNotify(ctx, claimed); rerr != nil {
			w.logger.Warn("Failed to release push claim", zap.Error(rerr))
		}
		return
	}
	add(ctx, w.counters.pushSent, int64(len(entries)))
}

func (w *writer) chunkFailed(ctx context.Context, kind string) {
	add(ctx, w.counters.chunkFailures, 1, attribute.String("kind", kind))
}

func (w *writer) forgetUsers(ctx context.Context, userIDs ...int64) {
	var err error
	if len(userIDs) == 1 {
		err = w.invalidator.ForgetForUser(ctx, userIDs[0])
	} else {
		err = w.invalidator.ForgetForUsers(ctx, userIDs)
	}
	if err != nil {
		w.logger.Warn("Failed to invalidate user cache", zap.Int64s("user_ids", userIDs), zap.Error(err))
	}
}

func (w *writer) forgetPost(ctx context.Context, post *models.Post) {
	if err := w.invalidator.ForgetForPost(ctx, post); err != nil {
		w.logger.Warn("Failed to invalidate post cache", zap.Int64("post_id", post.ID), zap.Error(err))
	}
}

// newEntry builds a timeline row. visible_at follows the post's publish time.
func newEntry(viewerID int64, post *models.Post, source access.Source, c models.EntryContext) models.TimelineEntry {
	visible := post.CreatedAt
	if post.PublishedAt != nil {
		visible = *post.PublishedAt
	}
	return models.TimelineEntry{
		ViewerID:  viewerID,
		PostID:    post.ID,
		Source:    source,
		Context:   c,
		VisibleAt: visible,
	}
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
