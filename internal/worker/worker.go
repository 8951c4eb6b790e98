// Package worker implements the shared stage loop: claim an item, run the
// stage handler, and turn failures into bounded retries or dead letters.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/metrics"
	"github.com/JakeFAU/clipvault/internal/store"
)

// DefaultMaxRetries is the retry ceiling shared by the queue-driven stages.
const DefaultMaxRetries = 3

// errOrphaned is recorded as the last error of items recovered at startup.
var errOrphaned = errors.New("orphaned in flight")

// Handler performs one stage's work for a claimed item. On success the
// handler is responsible for moving the item out of the stage, either by a
// handoff to the next stage or by releasing its in-flight marker.
type Handler interface {
	Handle(ctx context.Context, item media.WorkItem) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item media.WorkItem) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, item media.WorkItem) error {
	return f(ctx, item)
}

// Store is the slice of the coordination store a worker needs.
type Store interface {
	Claim(ctx context.Context, stage media.Stage) (media.WorkItem, bool, error)
	Requeue(ctx context.Context, stage media.Stage, item media.WorkItem) error
	DeadLetter(ctx context.Context, stage media.Stage, item media.WorkItem) error
	Release(ctx context.Context, stage media.Stage, itemID string) error
	InFlight(ctx context.Context, stage media.Stage) ([]string, error)
	IsQueued(ctx context.Context, stage media.Stage, itemID string) (bool, error)
	ClaimedItem(ctx context.Context, stage media.Stage, itemID string) (media.WorkItem, bool, error)
	GetRecordByID(ctx context.Context, itemID string) (media.Record, error)
	UpdateRetryState(ctx context.Context, ownerID, itemID string, retryCount int, lastError string) (bool, error)
}

// Config controls Worker behavior.
type Config struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// Worker consumes one stage queue.
type Worker struct {
	stage   media.Stage
	store   Store
	handler Handler
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker.
func New(stage media.Stage, st Store, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		stage:   stage,
		store:   st,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run blocks, consuming queue items until the context finishes. An empty
// queue is polled again after the configured interval.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok, err := w.store.Claim(ctx, w.stage)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, store.ErrMalformedItem) {
				w.logger.Warn("malformed work item dead-lettered", zap.String("stage", string(w.stage)))
				continue
			}
			w.logger.Error("queue claim failed", zap.String("stage", string(w.stage)), zap.Error(err))
			w.sleep(ctx)
			continue
		}
		if !ok {
			w.sleep(ctx)
			continue
		}
		w.logger.Debug("claimed item", zap.String("stage", string(w.stage)), zap.String("item_id", item.ItemID))
		w.Process(ctx, item)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Process runs the handler for a claimed item and settles failures.
func (w *Worker) Process(ctx context.Context, item media.WorkItem) {
	stage := string(w.stage)
	metrics.IncActiveWorkers(stage)
	defer metrics.DecActiveWorkers(stage)

	start := time.Now()
	err := w.handler.Handle(ctx, item)
	metrics.ObserveStageDuration(stage, time.Since(start))
	if err == nil {
		metrics.ObserveItem(stage, "succeeded")
		return
	}
	if ctx.Err() != nil {
		// Left in flight; startup recovery settles it.
		w.logger.Warn("item interrupted", zap.String("stage", stage), zap.String("item_id", item.ItemID), zap.Error(err))
		return
	}
	w.logger.Warn("item failed",
		zap.String("stage", stage),
		zap.String("item_id", item.ItemID),
		zap.Int("retry_count", item.RetryCount),
		zap.Bool("transient", media.IsTransient(err)),
		zap.Error(err),
	)
	if err := w.fail(ctx, item, err); err != nil {
		w.logger.Error("settle failed item", zap.String("stage", stage), zap.String("item_id", item.ItemID), zap.Error(err))
	}
}

// fail bumps the retry counter and either requeues the item at the back of
// its own queue or dead-letters it once the ceiling is reached.
func (w *Worker) fail(ctx context.Context, item media.WorkItem, cause error) error {
	stage := string(w.stage)
	item.RetryCount++
	item.LastError = cause.Error()
	if _, err := w.store.UpdateRetryState(ctx, item.OwnerID, item.ItemID, item.RetryCount, item.LastError); err != nil {
		w.logger.Warn("record retry state", zap.String("item_id", item.ItemID), zap.Error(err))
	}
	if item.RetryCount < w.cfg.MaxRetries {
		if err := w.store.Requeue(ctx, w.stage, item); err != nil {
			return fmt.Errorf("requeue: %w", err)
		}
		metrics.ObserveItem(stage, "retried")
		return nil
	}
	if err := w.store.DeadLetter(ctx, w.stage, item); err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	metrics.ObserveItem(stage, "dead_lettered")
	w.logger.Warn("item dead-lettered",
		zap.String("stage", stage),
		zap.String("item_id", item.ItemID),
		zap.Int("retry_count", item.RetryCount),
		zap.String("last_error", item.LastError),
	)
	return nil
}

// Recover settles every item left in flight by a previous process. Each one
// is treated as a failed attempt. It returns the number of items recovered.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	stage := string(w.stage)
	ids, err := w.store.InFlight(ctx, w.stage)
	if err != nil {
		return 0, fmt.Errorf("list in flight: %w", err)
	}
	recovered := 0
	for _, id := range ids {
		queued, err := w.store.IsQueued(ctx, w.stage, id)
		if err != nil {
			return recovered, fmt.Errorf("check queued %s: %w", id, err)
		}
		if queued {
			if err := w.store.Release(ctx, w.stage, id); err != nil {
				return recovered, fmt.Errorf("release %s: %w", id, err)
			}
			continue
		}
		item, ok, err := w.lastKnown(ctx, id)
		if err != nil {
			return recovered, err
		}
		if !ok {
			w.logger.Warn("orphan has no claim or record; clearing marker", zap.String("stage", stage), zap.String("item_id", id))
			if err := w.store.Release(ctx, w.stage, id); err != nil {
				return recovered, fmt.Errorf("release %s: %w", id, err)
			}
			continue
		}
		if err := w.fail(ctx, item, errOrphaned); err != nil {
			return recovered, fmt.Errorf("recover %s: %w", id, err)
		}
		metrics.ObserveRecoveredOrphan(stage)
		w.logger.Warn("recovered orphaned item",
			zap.String("stage", stage),
			zap.String("item_id", id),
			zap.Int("retry_count", item.RetryCount+1),
		)
		recovered++
	}
	return recovered, nil
}

func (w *Worker) lastKnown(ctx context.Context, id string) (media.WorkItem, bool, error) {
	item, ok, err := w.store.ClaimedItem(ctx, w.stage, id)
	if err != nil {
		return media.WorkItem{}, false, fmt.Errorf("load claim %s: %w", id, err)
	}
	if ok {
		return item, true, nil
	}
	rec, err := w.store.GetRecordByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return media.WorkItem{}, false, nil
	}
	if err != nil {
		return media.WorkItem{}, false, fmt.Errorf("load record %s: %w", id, err)
	}
	item = media.WorkItemFromRecord(rec)
	item.RetryCount = rec.RetryCount
	item.LastError = rec.LastError
	return item, true, nil
}

// Stage returns the stage this worker consumes.
func (w *Worker) Stage() media.Stage {
	return w.stage
}
