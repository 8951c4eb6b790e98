// Package catalog is the read API and operator surface over the coordination
// store used by the serving layer.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/storage/local"
	"github.com/JakeFAU/clipvault/internal/store"
)

// ErrInvalidStage is returned for stage names that do not own a queue.
var ErrInvalidStage = errors.New("invalid stage")

// ErrInvalidTag is returned when a tag normalizes to nothing.
var ErrInvalidTag = errors.New("invalid tag")

// Store is the slice of the coordination store the catalog reads and mutates.
type Store interface {
	GetRecord(ctx context.Context, ownerID, itemID string) (media.Record, error)
	GetRecordByID(ctx context.Context, itemID string) (media.Record, error)
	LookupOwner(ctx context.Context, itemID string) (string, error)
	UpdateRecord(ctx context.Context, ownerID, itemID string, fn func(*media.Record) (bool, error)) (media.Record, error)
	UpdateRetryState(ctx context.Context, ownerID, itemID string, retryCount int, lastError string) (bool, error)
	RangeByDate(ctx context.Context, from, to int64, offset, limit int64) ([]string, error)
	TagMembers(ctx context.Context, tag string) ([]string, error)
	OwnerMembers(ctx context.Context, ownerID string) ([]string, error)
	Tags(ctx context.Context) ([]string, error)
	Owners(ctx context.Context) ([]string, error)
	TrackOwner(ctx context.Context, ownerID string) error
	UntrackOwner(ctx context.Context, ownerID string) error
	TrackedOwners(ctx context.Context) ([]string, error)
	IsQueued(ctx context.Context, stage media.Stage, itemID string) (bool, error)
	IsInFlight(ctx context.Context, stage media.Stage, itemID string) (bool, error)
	PushIfAbsent(ctx context.Context, stage media.Stage, item media.WorkItem) (bool, error)
	PopDeadLetter(ctx context.Context, stage media.Stage) (media.WorkItem, bool, error)
	QueueLen(ctx context.Context, stage media.Stage) (int64, error)
	DeadLetterLen(ctx context.Context, stage media.Stage) (int64, error)
	InFlight(ctx context.Context, stage media.Stage) ([]string, error)
}

// Files removes files under the downloads root.
type Files interface {
	Remove(rel string) error
}

// QueueStat describes one stage's queue sizes.
type QueueStat struct {
	Stage        media.Stage `json:"stage"`
	Queued       int64       `json:"queued"`
	DeadLettered int64       `json:"dead_lettered"`
	InFlight     int64       `json:"in_flight"`
}

// RequeueResult reports what an operator requeue did.
type RequeueResult struct {
	Requeued []string `json:"requeued"`
	Skipped  []string `json:"skipped"`
	Unknown  []string `json:"unknown"`
}

// Catalog serves records and operator actions.
type Catalog struct {
	store  Store
	files  Files
	logger *zap.Logger
}

// New constructs a Catalog. With nil files, Delete leaves assets on disk.
func New(st Store, files Files, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{store: st, files: files, logger: logger}
}

// Get returns the record for (ownerID, itemID).
func (c *Catalog) Get(ctx context.Context, ownerID, itemID string) (media.Record, error) {
	return c.store.GetRecord(ctx, ownerID, itemID)
}

// GetByID returns the record for itemID regardless of owner.
func (c *Catalog) GetByID(ctx context.Context, itemID string) (media.Record, error) {
	return c.store.GetRecordByID(ctx, itemID)
}

// ByDate returns active records with from <= derived_timestamp <= to, newest
// first. Zero bounds are open; a non-positive limit returns everything.
func (c *Catalog) ByDate(ctx context.Context, from, to, offset, limit int64) ([]media.Record, error) {
	ids, err := c.store.RangeByDate(ctx, from, to, offset, limit)
	if err != nil {
		return nil, err
	}
	return c.load(ctx, ids)
}

// ByTag returns the active records carrying tag, newest first.
func (c *Catalog) ByTag(ctx context.Context, tag string) ([]media.Record, error) {
	normalized := media.NormalizeTags([]string{tag})
	if len(normalized) == 0 {
		return nil, ErrInvalidTag
	}
	ids, err := c.store.TagMembers(ctx, normalized[0])
	if err != nil {
		return nil, err
	}
	return c.loadSorted(ctx, ids)
}

// ByOwner returns ownerID's active records, newest first.
func (c *Catalog) ByOwner(ctx context.Context, ownerID string) ([]media.Record, error) {
	ids, err := c.store.OwnerMembers(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return c.loadSorted(ctx, ids)
}

// Tags returns every indexed tag.
func (c *Catalog) Tags(ctx context.Context) ([]string, error) {
	return c.store.Tags(ctx)
}

// Owners returns every owner with indexed items.
func (c *Catalog) Owners(ctx context.Context) ([]string, error) {
	return c.store.Owners(ctx)
}

// TrackedOwners returns the owners added at runtime.
func (c *Catalog) TrackedOwners(ctx context.Context) ([]string, error) {
	return c.store.TrackedOwners(ctx)
}

// TrackOwner adds ownerID to the owners enumerated by discovery.
func (c *Catalog) TrackOwner(ctx context.Context, ownerID string) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return fmt.Errorf("owner id is required")
	}
	return c.store.TrackOwner(ctx, ownerID)
}

// UntrackOwner stops discovery for a runtime-tracked owner. Configured owners
// are unaffected.
func (c *Catalog) UntrackOwner(ctx context.Context, ownerID string) error {
	return c.store.UntrackOwner(ctx, ownerID)
}

// Delete flags the record deleted and removes it from every index at once,
// then removes its asset and thumbnail. File removal failures are logged
// only; the record stays deleted.
func (c *Catalog) Delete(ctx context.Context, ownerID, itemID string) error {
	rec, err := c.store.UpdateRecord(ctx, ownerID, itemID, func(rec *media.Record) (bool, error) {
		if rec.Deleted {
			return false, nil
		}
		rec.Deleted = true
		return true, nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("item deleted", zap.String("owner_id", ownerID), zap.String("item_id", itemID))
	c.removeFiles(rec)
	return nil
}

func (c *Catalog) removeFiles(rec media.Record) {
	if c.files == nil {
		return
	}
	assetRel := rec.AssetPath
	if assetRel == "" {
		assetRel = local.AssetRel(rec.OwnerID, rec.ItemID)
	}
	thumbRel := rec.ThumbnailPath
	if thumbRel == "" {
		thumbRel = local.ThumbnailRel(rec.OwnerID, rec.ItemID)
	}
	for _, rel := range []string{assetRel, thumbRel} {
		if err := c.files.Remove(rel); err != nil {
			c.logger.Warn("remove file failed",
				zap.String("item_id", rec.ItemID), zap.String("path", rel), zap.Error(err))
		}
	}
}

// AddTag adds tag to every listed item and returns the ids that changed.
// Unknown ids are skipped.
func (c *Catalog) AddTag(ctx context.Context, ids []string, tag string) ([]string, error) {
	normalized := media.NormalizeTags([]string{tag})
	if len(normalized) == 0 {
		return nil, ErrInvalidTag
	}
	tag = normalized[0]
	var changed []string
	for _, id := range ids {
		owner, err := c.store.LookupOwner(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return changed, err
		}
		added := false
		_, err = c.store.UpdateRecord(ctx, owner, id, func(rec *media.Record) (bool, error) {
			added = !slices.Contains(rec.Tags, tag)
			if added {
				rec.Tags = append(rec.Tags, tag)
			}
			return added, nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return changed, err
		}
		if err == nil && added {
			changed = append(changed, id)
		}
	}
	return changed, nil
}

// Requeue pushes the listed items back onto stage's input queue with a fresh
// retry counter. Items already queued or in flight in stage are skipped.
func (c *Catalog) Requeue(ctx context.Context, stage media.Stage, ids []string) (RequeueResult, error) {
	if !stage.Valid() {
		return RequeueResult{}, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	var res RequeueResult
	for _, id := range ids {
		rec, err := c.store.GetRecordByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			res.Unknown = append(res.Unknown, id)
			continue
		}
		if err != nil {
			return res, err
		}
		pushed, err := c.push(ctx, stage, media.WorkItemFromRecord(rec))
		if err != nil {
			return res, err
		}
		if pushed {
			res.Requeued = append(res.Requeued, id)
		} else {
			res.Skipped = append(res.Skipped, id)
		}
	}
	c.logger.Info("operator requeue",
		zap.String("stage", string(stage)),
		zap.Int("requeued", len(res.Requeued)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("unknown", len(res.Unknown)),
	)
	return res, nil
}

// RequeueDeadLetters drains stage's dead-letter queue back onto its input
// queue with fresh retry counters. Only the entries present when the call
// starts are moved.
func (c *Catalog) RequeueDeadLetters(ctx context.Context, stage media.Stage) (RequeueResult, error) {
	if !stage.Valid() {
		return RequeueResult{}, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	n, err := c.store.DeadLetterLen(ctx, stage)
	if err != nil {
		return RequeueResult{}, err
	}
	var res RequeueResult
	for i := int64(0); i < n; i++ {
		item, ok, err := c.store.PopDeadLetter(ctx, stage)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		pushed, err := c.push(ctx, stage, item)
		if err != nil {
			return res, err
		}
		if pushed {
			res.Requeued = append(res.Requeued, item.ItemID)
		} else {
			res.Skipped = append(res.Skipped, item.ItemID)
		}
	}
	c.logger.Info("dead letters requeued",
		zap.String("stage", string(stage)),
		zap.Int("requeued", len(res.Requeued)),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, nil
}

// QueueStats returns queue sizes for every stage.
func (c *Catalog) QueueStats(ctx context.Context) ([]QueueStat, error) {
	stages := []media.Stage{media.StageMetadata, media.StageDownload}
	stats := make([]QueueStat, 0, len(stages))
	for _, stage := range stages {
		queued, err := c.store.QueueLen(ctx, stage)
		if err != nil {
			return nil, err
		}
		dead, err := c.store.DeadLetterLen(ctx, stage)
		if err != nil {
			return nil, err
		}
		inFlight, err := c.store.InFlight(ctx, stage)
		if err != nil {
			return nil, err
		}
		stats = append(stats, QueueStat{
			Stage:        stage,
			Queued:       queued,
			DeadLettered: dead,
			InFlight:     int64(len(inFlight)),
		})
	}
	return stats, nil
}

// push resets retry state and enqueues item unless stage already holds it.
func (c *Catalog) push(ctx context.Context, stage media.Stage, item media.WorkItem) (bool, error) {
	inFlight, err := c.store.IsInFlight(ctx, stage, item.ItemID)
	if err != nil {
		return false, err
	}
	if inFlight {
		return false, nil
	}
	item.RetryCount = 0
	item.LastError = ""
	pushed, err := c.store.PushIfAbsent(ctx, stage, item)
	if err != nil {
		return false, err
	}
	if !pushed {
		return false, nil
	}
	if _, err := c.store.UpdateRetryState(ctx, item.OwnerID, item.ItemID, 0, ""); err != nil {
		return true, err
	}
	return true, nil
}

func (c *Catalog) load(ctx context.Context, ids []string) ([]media.Record, error) {
	out := make([]media.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := c.store.GetRecordByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Catalog) loadSorted(ctx context.Context, ids []string) ([]media.Record, error) {
	out, err := c.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DerivedTimestamp != out[j].DerivedTimestamp {
			return out[i].DerivedTimestamp > out[j].DerivedTimestamp
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out, nil
}
