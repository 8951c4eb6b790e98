package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/clipvault/internal/media"
)

// Hash field names for item records.
const (
	fieldItemID          = "item_id"
	fieldOwnerID         = "owner_id"
	fieldSourceURL       = "source_url"
	fieldDescription     = "description"
	fieldTags            = "tags"
	fieldAuthor          = "author"
	fieldAudioTrack      = "audio_track_label"
	fieldCaptionTitle    = "caption_title"
	fieldCaptionSummary  = "caption_summary"
	fieldPublishTimeRaw  = "publish_time_raw"
	fieldDerivedTS       = "derived_timestamp"
	fieldAssetPath       = "asset_path"
	fieldThumbnailPath   = "thumbnail_path"
	fieldContentHash     = "content_hash"
	fieldDeleted         = "deleted"
	fieldAssetMissing    = "asset_missing"
	fieldRetryCount      = "retry_count"
	fieldLastError       = "last_error"
	fieldDiscoveryTime   = "discovery_time"
	fieldMetadataTime    = "metadata_time"
	fieldDownloadTime    = "download_time"
	legacyTimestampStyle = "2006-01-02 15:04:05"
)

func encodeRecord(r media.Record) (map[string]any, error) {
	tags := media.NormalizeTags(r.Tags)
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	return map[string]any{
		fieldItemID:         r.ItemID,
		fieldOwnerID:        r.OwnerID,
		fieldSourceURL:      r.SourceURL,
		fieldDescription:    r.Description,
		fieldTags:           string(tagsJSON),
		fieldAuthor:         r.Author,
		fieldAudioTrack:     r.AudioTrackLabel,
		fieldCaptionTitle:   r.CaptionTitle,
		fieldCaptionSummary: r.CaptionSummary,
		fieldPublishTimeRaw: r.PublishTimeRaw,
		fieldDerivedTS:      strconv.FormatInt(r.DerivedTimestamp, 10),
		fieldAssetPath:      r.AssetPath,
		fieldThumbnailPath:  r.ThumbnailPath,
		fieldContentHash:    r.ContentHash,
		fieldDeleted:        strconv.FormatBool(r.Deleted),
		fieldAssetMissing:   strconv.FormatBool(r.AssetMissing),
		fieldRetryCount:     strconv.Itoa(r.RetryCount),
		fieldLastError:      r.LastError,
		fieldDiscoveryTime:  encodeTime(r.DiscoveryTime),
		fieldMetadataTime:   encodeTime(r.MetadataTime),
		fieldDownloadTime:   encodeTime(r.DownloadTime),
	}, nil
}

func decodeRecord(fields map[string]string) media.Record {
	r := media.Record{
		ItemID:          fields[fieldItemID],
		OwnerID:         fields[fieldOwnerID],
		SourceURL:       fields[fieldSourceURL],
		Description:     fields[fieldDescription],
		Author:          fields[fieldAuthor],
		AudioTrackLabel: fields[fieldAudioTrack],
		CaptionTitle:    fields[fieldCaptionTitle],
		CaptionSummary:  fields[fieldCaptionSummary],
		PublishTimeRaw:  fields[fieldPublishTimeRaw],
		AssetPath:       fields[fieldAssetPath],
		ThumbnailPath:   fields[fieldThumbnailPath],
		ContentHash:     fields[fieldContentHash],
		LastError:       fields[fieldLastError],
		Deleted:         decodeBool(fields[fieldDeleted]),
		AssetMissing:    decodeBool(fields[fieldAssetMissing]),
		DiscoveryTime:   decodeTime(fields[fieldDiscoveryTime]),
		MetadataTime:    decodeTime(fields[fieldMetadataTime]),
		DownloadTime:    decodeTime(fields[fieldDownloadTime]),
	}
	if raw := fields[fieldTags]; raw != "" {
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err == nil {
			r.Tags = media.NormalizeTags(tags)
		}
	}
	if v, err := strconv.ParseFloat(fields[fieldDerivedTS], 64); err == nil {
		r.DerivedTimestamp = int64(v)
	}
	if v, err := strconv.Atoi(fields[fieldRetryCount]); err == nil {
		r.RetryCount = v
	}
	return r
}

// decodeBool accepts the capitalized spellings older writers used.
func decodeBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func decodeTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC()
	}
	if t, err := time.ParseInLocation(legacyTimestampStyle, v, time.Local); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// GetRecord loads the record for (ownerID, itemID).
func (s *Store) GetRecord(ctx context.Context, ownerID, itemID string) (media.Record, error) {
	fields, err := s.rdb.HGetAll(ctx, recordKey(ownerID, itemID)).Result()
	if err != nil {
		return media.Record{}, fmt.Errorf("get record %s/%s: %w", ownerID, itemID, err)
	}
	if len(fields) == 0 {
		return media.Record{}, ErrNotFound
	}
	rec := decodeRecord(fields)
	if rec.ItemID == "" {
		rec.ItemID = itemID
	}
	if rec.OwnerID == "" {
		rec.OwnerID = ownerID
	}
	return rec, nil
}

// LookupOwner resolves the owner of an item id.
func (s *Store) LookupOwner(ctx context.Context, itemID string) (string, error) {
	owner, err := s.rdb.HGet(ctx, keyItemOwner, itemID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup owner %s: %w", itemID, err)
	}
	return owner, nil
}

// GetRecordByID loads a record by item id alone.
func (s *Store) GetRecordByID(ctx context.Context, itemID string) (media.Record, error) {
	owner, err := s.LookupOwner(ctx, itemID)
	if err != nil {
		return media.Record{}, err
	}
	return s.GetRecord(ctx, owner, itemID)
}

// RecordExists reports whether any record exists for itemID.
func (s *Store) RecordExists(ctx context.Context, itemID string) (bool, error) {
	ok, err := s.rdb.HExists(ctx, keyItemOwner, itemID).Result()
	if err != nil {
		return false, fmt.Errorf("record exists %s: %w", itemID, err)
	}
	return ok, nil
}

// SaveRecord writes the full record and brings its index membership in line
// with its flags in a single transaction: active records are indexed, deleted
// or asset-missing records are removed from every browse index.
func (s *Store) SaveRecord(ctx context.Context, rec media.Record) error {
	if rec.ItemID == "" || rec.OwnerID == "" {
		return fmt.Errorf("record identity is required")
	}
	rec.Tags = media.NormalizeTags(rec.Tags)
	fields, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		writeRecord(ctx, pipe, rec, fields, nil)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save record %s/%s: %w", rec.OwnerID, rec.ItemID, err)
	}
	return nil
}

// maxUpdateAttempts bounds optimistic-lock retries in UpdateRecord.
const maxUpdateAttempts = 5

// UpdateRecord loads a record, applies fn and saves the result under an
// optimistic lock on the record key, so a concurrent writer is never
// overwritten with stale fields. fn reports whether it changed anything;
// unchanged records are not written. Tags dropped by fn are removed from
// their tag sets.
func (s *Store) UpdateRecord(ctx context.Context, ownerID, itemID string, fn func(*media.Record) (bool, error)) (media.Record, error) {
	return s.mutateRecord(ctx, ownerID, itemID, false, func(rec *media.Record, _ bool) (bool, error) {
		return fn(rec)
	})
}

// UpsertRecord is UpdateRecord with an insert path: when no record is stored
// fn receives one carrying only the identity and exists is false. The result
// is always written.
func (s *Store) UpsertRecord(ctx context.Context, ownerID, itemID string, fn func(rec *media.Record, exists bool) error) (media.Record, error) {
	return s.mutateRecord(ctx, ownerID, itemID, true, func(rec *media.Record, exists bool) (bool, error) {
		return true, fn(rec, exists)
	})
}

func (s *Store) mutateRecord(ctx context.Context, ownerID, itemID string, create bool, fn func(*media.Record, bool) (bool, error)) (media.Record, error) {
	key := recordKey(ownerID, itemID)
	var out media.Record
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		exists := len(fields) > 0
		if !exists && !create {
			return ErrNotFound
		}
		var rec media.Record
		if exists {
			rec = decodeRecord(fields)
		}
		rec.ItemID, rec.OwnerID = itemID, ownerID
		before := rec.Tags

		changed, err := fn(&rec, exists)
		if err != nil {
			return err
		}
		rec.ItemID, rec.OwnerID = itemID, ownerID
		rec.Tags = media.NormalizeTags(rec.Tags)
		out = rec
		if !changed {
			return nil
		}
		encoded, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writeRecord(ctx, pipe, rec, encoded, droppedTags(before, rec.Tags))
			return nil
		})
		return err
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return media.Record{}, ErrNotFound
		}
		if err != nil {
			return media.Record{}, fmt.Errorf("update record %s/%s: %w", ownerID, itemID, err)
		}
		return out, nil
	}
	return media.Record{}, fmt.Errorf("update record %s/%s: too much contention", ownerID, itemID)
}

func writeRecord(ctx context.Context, pipe redis.Pipeliner, rec media.Record, fields map[string]any, dropped []string) {
	pipe.HSet(ctx, recordKey(rec.OwnerID, rec.ItemID), fields)
	pipe.HSet(ctx, keyItemOwner, rec.ItemID, rec.OwnerID)
	for _, tag := range dropped {
		pipe.SRem(ctx, tagKey(tag), rec.ItemID)
	}
	if rec.Active() {
		addToIndexes(ctx, pipe, rec)
	} else {
		removeFromIndexes(ctx, pipe, rec)
	}
	if rec.Deleted {
		pipe.SAdd(ctx, keyDeleted, rec.ItemID)
	} else {
		pipe.SRem(ctx, keyDeleted, rec.ItemID)
	}
}

func droppedTags(before, after []string) []string {
	keep := make(map[string]struct{}, len(after))
	for _, t := range after {
		keep[t] = struct{}{}
	}
	var out []string
	for _, t := range before {
		if _, ok := keep[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func addToIndexes(ctx context.Context, pipe redis.Pipeliner, rec media.Record) {
	pipe.ZAdd(ctx, keyByDate, redis.Z{Score: float64(rec.DerivedTimestamp), Member: rec.ItemID})
	pipe.SAdd(ctx, ownerKey(rec.OwnerID), rec.ItemID)
	pipe.SAdd(ctx, keyAllOwners, rec.OwnerID)
	for _, tag := range rec.Tags {
		pipe.SAdd(ctx, tagKey(tag), rec.ItemID)
		pipe.SAdd(ctx, keyAllTags, tag)
	}
}

func removeFromIndexes(ctx context.Context, pipe redis.Pipeliner, rec media.Record) {
	pipe.ZRem(ctx, keyByDate, rec.ItemID)
	pipe.SRem(ctx, ownerKey(rec.OwnerID), rec.ItemID)
	for _, tag := range rec.Tags {
		pipe.SRem(ctx, tagKey(tag), rec.ItemID)
	}
}

// ScanRecords calls fn for every stored record. Iteration stops at the first
// error returned by fn.
func (s *Store) ScanRecords(ctx context.Context, fn func(media.Record) error) error {
	var cursor uint64
	for {
		kvs, next, err := s.rdb.HScan(ctx, keyItemOwner, cursor, "", 200).Result()
		if err != nil {
			return fmt.Errorf("scan records: %w", err)
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			rec, err := s.GetRecord(ctx, kvs[i+1], kvs[i])
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// UpdateRetryState writes retry bookkeeping onto an existing record. It
// reports false when no record exists for the item.
func (s *Store) UpdateRetryState(ctx context.Context, ownerID, itemID string, retryCount int, lastError string) (bool, error) {
	key := recordKey(ownerID, itemID)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("retry state %s/%s: %w", ownerID, itemID, err)
	}
	if n == 0 {
		return false, nil
	}
	if err := s.rdb.HSet(ctx, key, fieldRetryCount, strconv.Itoa(retryCount), fieldLastError, lastError).Err(); err != nil {
		return false, fmt.Errorf("retry state %s/%s: %w", ownerID, itemID, err)
	}
	return true, nil
}
