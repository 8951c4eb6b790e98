// Package metadata implements the metadata stage: fetch an item's detail
// page, merge it into the stored record, index it and hand it to download.
package metadata

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/timeparse"
)

// Store is the slice of the coordination store the stage writes to.
type Store interface {
	UpsertRecord(ctx context.Context, ownerID, itemID string, fn func(rec *media.Record, exists bool) error) (media.Record, error)
	Handoff(ctx context.Context, from, to media.Stage, item media.WorkItem) error
	Release(ctx context.Context, stage media.Stage, itemID string) error
}

// Stage is the metadata stage handler.
type Stage struct {
	store   Store
	fetcher media.DetailFetcher
	parser  *timeparse.Parser
	clock   media.Clock
	logger  *zap.Logger
}

// New constructs a Stage.
func New(st Store, fetcher media.DetailFetcher, parser *timeparse.Parser, clock media.Clock, logger *zap.Logger) *Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{
		store:   st,
		fetcher: fetcher,
		parser:  parser,
		clock:   clock,
		logger:  logger,
	}
}

// Handle implements worker.Handler.
func (s *Stage) Handle(ctx context.Context, item media.WorkItem) error {
	detail, err := s.fetcher.FetchDetail(ctx, item.SourceURL)
	if err != nil {
		return fmt.Errorf("fetch detail %s: %w", item.ItemID, err)
	}
	rec, err := s.Upsert(ctx, item, detail)
	if err != nil {
		return err
	}
	if rec.Deleted {
		if err := s.store.Release(ctx, media.StageMetadata, item.ItemID); err != nil {
			return fmt.Errorf("release %s: %w", item.ItemID, err)
		}
		s.logger.Info("metadata stored for deleted item", zap.String("item_id", rec.ItemID))
		return nil
	}
	if err := s.store.Handoff(ctx, media.StageMetadata, media.StageDownload, media.WorkItemFromRecord(rec)); err != nil {
		return fmt.Errorf("handoff %s: %w", item.ItemID, err)
	}
	s.logger.Info("metadata stored",
		zap.String("item_id", rec.ItemID),
		zap.String("owner_id", rec.OwnerID),
		zap.Int("tags", len(rec.Tags)),
		zap.Int64("derived_timestamp", rec.DerivedTimestamp),
		zap.Bool("robots_assumed", detail.RobotsAssumed),
	)
	return nil
}

// Upsert merges detail into the stored record for item, derives its
// timestamp and saves it together with its index membership. The merge runs
// against the record as stored at write time, so a concurrent delete or tag
// edit survives. Applying the same input twice yields the same record.
func (s *Stage) Upsert(ctx context.Context, item media.WorkItem, detail media.Detail) (media.Record, error) {
	rec, err := s.store.UpsertRecord(ctx, item.OwnerID, item.ItemID, func(cur *media.Record, _ bool) error {
		*cur = Merge(*cur, item, detail)
		cur.DerivedTimestamp = s.parser.Resolve(cur.PublishTimeRaw, cur.DiscoveryTime)
		cur.MetadataTime = s.clock.Now()
		cur.RetryCount = 0
		cur.LastError = ""
		return nil
	})
	if err != nil {
		return media.Record{}, fmt.Errorf("save record %s: %w", item.ItemID, err)
	}
	return rec, nil
}

// Merge folds a work item and freshly fetched detail into rec. Scalars are
// overwritten only by non-empty values; tags are the union of everything
// known, including hashtags written in the description.
func Merge(rec media.Record, item media.WorkItem, detail media.Detail) media.Record {
	overwrite(&rec.SourceURL, item.SourceURL)
	overwrite(&rec.Description, item.Description)
	overwrite(&rec.Author, item.Author)
	overwrite(&rec.AudioTrackLabel, item.AudioTrackLabel)
	overwrite(&rec.PublishTimeRaw, item.PublishTimeRaw)

	overwrite(&rec.Description, detail.Description)
	overwrite(&rec.Author, detail.Author)
	overwrite(&rec.AudioTrackLabel, detail.AudioTrackLabel)
	overwrite(&rec.PublishTimeRaw, detail.PublishTimeRaw)
	overwrite(&rec.CaptionTitle, detail.CaptionTitle)
	overwrite(&rec.CaptionSummary, detail.CaptionSummary)

	if rec.DiscoveryTime.IsZero() {
		rec.DiscoveryTime = item.DiscoveryTime
	}
	rec.Tags = media.NormalizeTags(rec.Tags, item.Tags, detail.Tags, media.HashtagsFromText(rec.Description))
	return rec
}

func overwrite(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
