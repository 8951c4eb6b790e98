// Package reconcile repairs drift between stored records, the browse indexes
// and the assets on disk.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/metrics"
	"github.com/JakeFAU/clipvault/internal/storage/local"
	"github.com/JakeFAU/clipvault/internal/store"
	"github.com/JakeFAU/clipvault/internal/timeparse"
	"github.com/JakeFAU/clipvault/internal/worker"
)

// Store is the slice of the coordination store reconciliation touches.
type Store interface {
	ScanRecords(ctx context.Context, fn func(media.Record) error) error
	UpdateRecord(ctx context.Context, ownerID, itemID string, fn func(*media.Record) (bool, error)) (media.Record, error)
	DateScore(ctx context.Context, itemID string) (int64, bool, error)
	InOwnerSet(ctx context.Context, ownerID, itemID string) (bool, error)
	IsQueued(ctx context.Context, stage media.Stage, itemID string) (bool, error)
	IsInFlight(ctx context.Context, stage media.Stage, itemID string) (bool, error)
	IsDeadLettered(ctx context.Context, stage media.Stage, itemID string) (bool, error)
	PushIfAbsent(ctx context.Context, stage media.Stage, item media.WorkItem) (bool, error)
	ScanDateIndex(ctx context.Context, fn func(itemID string) error) error
	Owners(ctx context.Context) ([]string, error)
	OwnerMembers(ctx context.Context, ownerID string) ([]string, error)
	LookupOwner(ctx context.Context, itemID string) (string, error)
	PurgeDangling(ctx context.Context, ownerID, itemID string) (bool, error)
}

// Assets answers questions about files under the downloads root.
type Assets interface {
	Exists(rel string) (bool, error)
	ModTime(rel string) (time.Time, error)
}

// Config controls reconciliation.
type Config struct {
	Schedule   string `mapstructure:"schedule"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// Report summarizes one pass. Every counter except Checked counts a repair,
// so a pass over a consistent store reports only Checked.
type Report struct {
	Checked  int
	Missing  int
	Requeued int
	Restored int
	Pruned   int
	// Dangling counts index members with no record behind them.
	Dangling int
}

// Repairs returns the number of records changed or requeued and of dangling
// index members removed.
func (r Report) Repairs() int {
	return r.Missing + r.Requeued + r.Restored + r.Pruned + r.Dangling
}

// Reconciler walks every record and converges indexes with the filesystem.
type Reconciler struct {
	store  Store
	assets Assets
	parser *timeparse.Parser
	cfg    Config
	logger *zap.Logger
}

// New constructs a Reconciler.
func New(st Store, assets Assets, parser *timeparse.Parser, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = worker.DefaultMaxRetries
	}
	if parser == nil {
		parser = timeparse.New(nil, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: st, assets: assets, parser: parser, cfg: cfg, logger: logger}
}

// Run performs one pass. It never deletes a record.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report
	err := r.store.ScanRecords(ctx, func(rec media.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return r.check(ctx, rec, &report)
	})
	if err == nil {
		err = r.sweepDangling(ctx, &report)
	}
	metrics.ObserveRepair("missing", report.Missing)
	metrics.ObserveRepair("requeued", report.Requeued)
	metrics.ObserveRepair("restored", report.Restored)
	metrics.ObserveRepair("pruned", report.Pruned)
	metrics.ObserveRepair("dangling", report.Dangling)
	if err != nil {
		return report, err
	}
	fields := []zap.Field{
		zap.Int("checked", report.Checked),
		zap.Int("missing", report.Missing),
		zap.Int("requeued", report.Requeued),
		zap.Int("restored", report.Restored),
		zap.Int("pruned", report.Pruned),
		zap.Int("dangling", report.Dangling),
	}
	if report.Repairs() > 0 {
		r.logger.Info("index drift repaired", fields...)
	} else {
		r.logger.Debug("reconciliation clean", fields...)
	}
	return report, nil
}

func (r *Reconciler) check(ctx context.Context, snap media.Record, report *Report) error {
	if snap.Deleted {
		return r.prune(ctx, snap, report)
	}
	report.Checked++

	// A live download owns the record until it releases it.
	busy, err := r.store.IsInFlight(ctx, media.StageDownload, snap.ItemID)
	if err != nil {
		return err
	}
	if busy {
		return nil
	}

	rel := snap.AssetPath
	if rel == "" {
		rel = local.AssetRel(snap.OwnerID, snap.ItemID)
	}
	exists, err := r.assets.Exists(rel)
	if err != nil {
		return fmt.Errorf("check asset %s: %w", rel, err)
	}
	indexed, err := r.indexed(ctx, snap)
	if err != nil {
		return err
	}
	if !exists {
		return r.markMissing(ctx, snap, indexed, report)
	}
	if snap.AssetMissing || !indexed {
		return r.restore(ctx, snap, rel, report)
	}
	return nil
}

func (r *Reconciler) indexed(ctx context.Context, rec media.Record) (bool, error) {
	_, inDate, err := r.store.DateScore(ctx, rec.ItemID)
	if err != nil {
		return false, err
	}
	if !inDate {
		return false, nil
	}
	return r.store.InOwnerSet(ctx, rec.OwnerID, rec.ItemID)
}

func (r *Reconciler) markMissing(ctx context.Context, snap media.Record, indexed bool, report *Report) error {
	if !snap.AssetMissing || indexed {
		_, err := r.update(ctx, snap, func(rec *media.Record) (bool, error) {
			if rec.Deleted {
				return false, nil
			}
			rec.AssetMissing = true
			return true, nil
		})
		if err != nil {
			return err
		}
		report.Missing++
		r.logger.Info("asset missing; removed from indexes",
			zap.String("owner_id", snap.OwnerID), zap.String("item_id", snap.ItemID))
	}

	// Dead-lettered items wait for an operator.
	if snap.RetryCount >= r.cfg.MaxRetries {
		return nil
	}
	for _, stage := range []media.Stage{media.StageMetadata, media.StageDownload} {
		queued, err := r.store.IsQueued(ctx, stage, snap.ItemID)
		if err != nil {
			return err
		}
		inFlight, err := r.store.IsInFlight(ctx, stage, snap.ItemID)
		if err != nil {
			return err
		}
		dead, err := r.store.IsDeadLettered(ctx, stage, snap.ItemID)
		if err != nil {
			return err
		}
		if queued || inFlight || dead {
			return nil
		}
	}
	pushed, err := r.store.PushIfAbsent(ctx, media.StageDownload, media.WorkItemFromRecord(snap))
	if err != nil {
		return fmt.Errorf("requeue %s: %w", snap.ItemID, err)
	}
	if pushed {
		report.Requeued++
	}
	return nil
}

func (r *Reconciler) restore(ctx context.Context, snap media.Record, rel string, report *Report) error {
	var mtime time.Time
	if t, err := r.assets.ModTime(rel); err == nil {
		mtime = t
	}
	_, err := r.update(ctx, snap, func(rec *media.Record) (bool, error) {
		if rec.Deleted {
			return false, nil
		}
		rec.AssetMissing = false
		if rec.AssetPath == "" {
			rec.AssetPath = rel
		}
		if rec.DerivedTimestamp <= 0 {
			rec.DerivedTimestamp = r.parser.Resolve(rec.PublishTimeRaw, rec.DiscoveryTime, mtime)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	report.Restored++
	r.logger.Info("asset present; reinserted into indexes",
		zap.String("owner_id", snap.OwnerID), zap.String("item_id", snap.ItemID))
	return nil
}

func (r *Reconciler) prune(ctx context.Context, snap media.Record, report *Report) error {
	_, inDate, err := r.store.DateScore(ctx, snap.ItemID)
	if err != nil {
		return err
	}
	inOwner, err := r.store.InOwnerSet(ctx, snap.OwnerID, snap.ItemID)
	if err != nil {
		return err
	}
	if !inDate && !inOwner {
		return nil
	}
	_, err = r.update(ctx, snap, func(rec *media.Record) (bool, error) {
		return rec.Deleted, nil
	})
	if err != nil {
		return err
	}
	report.Pruned++
	r.logger.Info("deleted item pruned from indexes",
		zap.String("owner_id", snap.OwnerID), zap.String("item_id", snap.ItemID))
	return nil
}

// indexMember is one id found in the date index (owner empty) or in an
// owner's set.
type indexMember struct {
	owner string
	id    string
}

// sweepDangling removes index members whose id resolves to no record.
func (r *Reconciler) sweepDangling(ctx context.Context, report *Report) error {
	var members []indexMember
	seen := make(map[indexMember]struct{})
	add := func(m indexMember) {
		if _, ok := seen[m]; !ok {
			seen[m] = struct{}{}
			members = append(members, m)
		}
	}
	if err := r.store.ScanDateIndex(ctx, func(id string) error {
		add(indexMember{id: id})
		return nil
	}); err != nil {
		return err
	}
	owners, err := r.store.Owners(ctx)
	if err != nil {
		return err
	}
	for _, owner := range owners {
		ids, err := r.store.OwnerMembers(ctx, owner)
		if err != nil {
			return err
		}
		for _, id := range ids {
			add(indexMember{owner: owner, id: id})
		}
	}

	purged := make(map[string]struct{})
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := r.store.LookupOwner(ctx, m.id)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		ok, err := r.store.PurgeDangling(ctx, m.owner, m.id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, dup := purged[m.id]; !dup {
			purged[m.id] = struct{}{}
			report.Dangling++
		}
		r.logger.Info("dangling index member removed",
			zap.String("owner_id", m.owner), zap.String("item_id", m.id))
	}
	return nil
}

// update applies fn to the current record; a record removed since the scan
// is skipped.
func (r *Reconciler) update(ctx context.Context, snap media.Record, fn func(*media.Record) (bool, error)) (media.Record, error) {
	rec, err := r.store.UpdateRecord(ctx, snap.OwnerID, snap.ItemID, fn)
	if errors.Is(err, store.ErrNotFound) {
		return media.Record{}, nil
	}
	return rec, err
}
