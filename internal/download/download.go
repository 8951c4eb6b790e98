// Package download implements the download stage: fetch the asset to its
// deterministic path, derive a thumbnail and finalize the record.
package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/storage/local"
	"github.com/JakeFAU/clipvault/internal/store"
	"github.com/JakeFAU/clipvault/internal/timeparse"
)

// Store is the slice of the coordination store the stage writes to.
type Store interface {
	GetRecord(ctx context.Context, ownerID, itemID string) (media.Record, error)
	UpsertRecord(ctx context.Context, ownerID, itemID string, fn func(rec *media.Record, exists bool) error) (media.Record, error)
	Release(ctx context.Context, stage media.Stage, itemID string) error
}

// Assets resolves and inspects files under the downloads root.
type Assets interface {
	Prepare(rel string) (string, error)
	Exists(rel string) (bool, error)
	Remove(rel string) error
}

// Thumbnailer renders the preview for an asset.
type Thumbnailer interface {
	Generate(ctx context.Context, assetPath, thumbPath string) error
}

// Hasher digests finalized assets.
type Hasher interface {
	HashFile(path string) (string, int64, error)
}

// IDGenerator mints ids for ledger rows.
type IDGenerator interface {
	NewID() (string, error)
}

// Config controls the optional post-finalize side effects.
type Config struct {
	// Topic receives one event per finalized item when set.
	Topic string
	// MirrorPrefix is prepended to object paths in the mirror bucket.
	MirrorPrefix string
}

// Options carries the optional collaborators. Nil members are skipped.
type Options struct {
	Mirror    media.Mirror
	Ledger    media.Ledger
	Publisher media.Publisher
	IDs       IDGenerator
}

// Stage is the download stage handler.
type Stage struct {
	store   Store
	assets  Assets
	fetcher media.AssetFetcher
	thumbs  Thumbnailer
	hasher  Hasher
	parser  *timeparse.Parser
	clock   media.Clock
	opts    Options
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Stage.
func New(
	st Store,
	assets Assets,
	fetcher media.AssetFetcher,
	thumbs Thumbnailer,
	hasher Hasher,
	parser *timeparse.Parser,
	clock media.Clock,
	opts Options,
	cfg Config,
	logger *zap.Logger,
) *Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{
		store:   st,
		assets:  assets,
		fetcher: fetcher,
		thumbs:  thumbs,
		hasher:  hasher,
		parser:  parser,
		clock:   clock,
		opts:    opts,
		cfg:     cfg,
		logger:  logger,
	}
}

// finalized describes one completed download for the side effects.
type finalized struct {
	rec       media.Record
	assetPath string
	thumbPath string
	size      int64
	reused    bool
}

// Handle implements worker.Handler.
func (s *Stage) Handle(ctx context.Context, item media.WorkItem) error {
	rec, err := s.store.GetRecord(ctx, item.OwnerID, item.ItemID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = recordFromItem(item)
	case err != nil:
		return fmt.Errorf("load record %s: %w", item.ItemID, err)
	}

	assetRel := local.AssetRel(item.OwnerID, item.ItemID)
	assetPath, err := s.assets.Prepare(assetRel)
	if err != nil {
		return fmt.Errorf("asset path %s: %w", item.ItemID, err)
	}
	reused, err := s.assets.Exists(assetRel)
	if err != nil {
		return fmt.Errorf("check asset %s: %w", item.ItemID, err)
	}
	if !reused {
		sourceURL := item.SourceURL
		if sourceURL == "" {
			sourceURL = rec.SourceURL
		}
		if err := s.fetcher.FetchAsset(ctx, sourceURL, assetPath); err != nil {
			return fmt.Errorf("fetch asset %s: %w", item.ItemID, err)
		}
	}

	done := finalized{assetPath: assetPath, reused: reused}
	thumbRel, thumbFull, thumbOK := s.thumbnail(ctx, item, assetPath, reused)
	if thumbOK {
		done.thumbPath = thumbFull
	}
	var contentHash string
	if s.hasher != nil {
		hash, size, err := s.hasher.HashFile(assetPath)
		if err != nil {
			s.logger.Warn("hash asset failed", zap.String("item_id", item.ItemID), zap.Error(err))
		} else {
			contentHash = hash
			done.size = size
		}
	}

	// The fetch can take minutes; operator edits made meanwhile live on the
	// stored record, so the download fields are applied to a fresh read.
	finalRec, err := s.store.UpsertRecord(ctx, item.OwnerID, item.ItemID, func(cur *media.Record, exists bool) error {
		if !exists {
			*cur = recordFromItem(item)
		}
		if thumbOK {
			cur.ThumbnailPath = thumbRel
		}
		if contentHash != "" {
			cur.ContentHash = contentHash
		}
		cur.AssetPath = assetRel
		cur.DownloadTime = s.clock.Now()
		cur.AssetMissing = false
		cur.RetryCount = 0
		cur.LastError = ""
		if cur.DerivedTimestamp == 0 {
			cur.DerivedTimestamp = s.parser.Resolve(cur.PublishTimeRaw, cur.DiscoveryTime)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize record %s: %w", item.ItemID, err)
	}
	done.rec = finalRec
	if err := s.store.Release(ctx, media.StageDownload, item.ItemID); err != nil {
		return fmt.Errorf("release %s: %w", item.ItemID, err)
	}

	s.logger.Info("asset finalized",
		zap.String("item_id", item.ItemID),
		zap.String("owner_id", item.OwnerID),
		zap.String("asset_path", assetRel),
		zap.Bool("reused", reused),
		zap.Bool("deleted", finalRec.Deleted),
	)
	if finalRec.Deleted {
		s.discard(item, assetRel, thumbRel)
		return nil
	}
	s.afterFinalize(ctx, done)
	return nil
}

// discard removes the files of an item deleted while it was downloading.
func (s *Stage) discard(item media.WorkItem, rels ...string) {
	for _, rel := range rels {
		if rel == "" {
			continue
		}
		if err := s.assets.Remove(rel); err != nil {
			s.logger.Warn("discard file failed", zap.String("item_id", item.ItemID), zap.String("path", rel), zap.Error(err))
		}
	}
}

// thumbnail renders the preview next to the asset. A failure is logged and
// reported as !ok so the record keeps its previous thumbnail path.
func (s *Stage) thumbnail(ctx context.Context, item media.WorkItem, assetPath string, reused bool) (string, string, bool) {
	rel := local.ThumbnailRel(item.OwnerID, item.ItemID)
	full, err := s.assets.Prepare(rel)
	if err != nil {
		s.logger.Warn("thumbnail path failed", zap.String("item_id", item.ItemID), zap.Error(err))
		return "", "", false
	}
	if reused {
		if ok, _ := s.assets.Exists(rel); ok {
			return rel, full, true
		}
	}
	if s.thumbs == nil {
		return "", "", false
	}
	if err := s.thumbs.Generate(ctx, assetPath, full); err != nil {
		s.logger.Warn("thumbnail failed", zap.String("item_id", item.ItemID), zap.Error(err))
		return "", "", false
	}
	return rel, full, true
}

func recordFromItem(item media.WorkItem) media.Record {
	return media.Record{
		ItemID:          item.ItemID,
		OwnerID:         item.OwnerID,
		SourceURL:       item.SourceURL,
		Description:     item.Description,
		Tags:            media.NormalizeTags(item.Tags),
		Author:          item.Author,
		AudioTrackLabel: item.AudioTrackLabel,
		PublishTimeRaw:  item.PublishTimeRaw,
		DiscoveryTime:   item.DiscoveryTime,
	}
}

// afterFinalize runs the optional mirror, ledger and event side effects.
// Their failures never fail the item.
func (s *Stage) afterFinalize(ctx context.Context, done finalized) {
	rec := done.rec
	if s.opts.Mirror != nil {
		s.mirror(ctx, rec.AssetPath, done.assetPath, "video/mp4")
		if done.thumbPath != "" {
			s.mirror(ctx, rec.ThumbnailPath, done.thumbPath, "image/jpeg")
		}
	}

	if s.opts.Ledger != nil {
		entry := media.LedgerEntry{
			ItemID:        rec.ItemID,
			OwnerID:       rec.OwnerID,
			SourceURL:     rec.SourceURL,
			AssetPath:     rec.AssetPath,
			ThumbnailPath: rec.ThumbnailPath,
			ContentHash:   rec.ContentHash,
			SizeBytes:     done.size,
			Reused:        done.reused,
			DownloadedAt:  rec.DownloadTime,
		}
		if s.opts.IDs != nil {
			if id, err := s.opts.IDs.NewID(); err == nil {
				entry.ID = id
			}
		}
		if err := s.opts.Ledger.RecordDownload(ctx, entry); err != nil {
			s.logger.Warn("ledger write failed", zap.String("item_id", rec.ItemID), zap.Error(err))
		}
	}

	if s.opts.Publisher != nil && s.cfg.Topic != "" {
		payload := map[string]any{
			"item_id":      rec.ItemID,
			"owner_id":     rec.OwnerID,
			"asset_path":   rec.AssetPath,
			"thumbnail":    rec.ThumbnailPath,
			"content_hash": rec.ContentHash,
			"deleted":      rec.Deleted,
			"timestamp":    rec.DownloadTime.UTC().Format(time.RFC3339),
		}
		if _, err := s.opts.Publisher.Publish(ctx, s.cfg.Topic, payload); err != nil {
			s.logger.Warn("publish finalize event failed", zap.String("item_id", rec.ItemID), zap.Error(err))
		}
	}
}

func (s *Stage) mirror(ctx context.Context, rel, full, contentType string) {
	object := rel
	if s.cfg.MirrorPrefix != "" {
		object = s.cfg.MirrorPrefix + "/" + rel
	}
	uri, err := s.opts.Mirror.PutFile(ctx, object, full, contentType)
	if err != nil {
		s.logger.Warn("mirror upload failed", zap.String("object", object), zap.Error(err))
		return
	}
	s.logger.Debug("mirrored", zap.String("uri", uri))
}
