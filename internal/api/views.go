package api

import (
	"time"

	"github.com/JakeFAU/clipvault/internal/media"
)

// itemView is the JSON shape of a record.
type itemView struct {
	ItemID           string     `json:"item_id"`
	OwnerID          string     `json:"owner_id"`
	SourceURL        string     `json:"source_url"`
	Description      string     `json:"description,omitempty"`
	Tags             []string   `json:"tags"`
	Author           string     `json:"author,omitempty"`
	AudioTrackLabel  string     `json:"audio_track_label,omitempty"`
	CaptionTitle     string     `json:"caption_title,omitempty"`
	CaptionSummary   string     `json:"caption_summary,omitempty"`
	PublishTimeRaw   string     `json:"publish_time_raw,omitempty"`
	DerivedTimestamp int64      `json:"derived_timestamp"`
	AssetPath        string     `json:"asset_path,omitempty"`
	ThumbnailPath    string     `json:"thumbnail_path,omitempty"`
	ContentHash      string     `json:"content_hash,omitempty"`
	Deleted          bool       `json:"deleted"`
	AssetMissing     bool       `json:"asset_missing"`
	RetryCount       int        `json:"retry_count"`
	LastError        string     `json:"last_error,omitempty"`
	DiscoveryTime    *time.Time `json:"discovery_time,omitempty"`
	MetadataTime     *time.Time `json:"metadata_time,omitempty"`
	DownloadTime     *time.Time `json:"download_time,omitempty"`
}

func toView(r media.Record) itemView {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return itemView{
		ItemID:           r.ItemID,
		OwnerID:          r.OwnerID,
		SourceURL:        r.SourceURL,
		Description:      r.Description,
		Tags:             tags,
		Author:           r.Author,
		AudioTrackLabel:  r.AudioTrackLabel,
		CaptionTitle:     r.CaptionTitle,
		CaptionSummary:   r.CaptionSummary,
		PublishTimeRaw:   r.PublishTimeRaw,
		DerivedTimestamp: r.DerivedTimestamp,
		AssetPath:        r.AssetPath,
		ThumbnailPath:    r.ThumbnailPath,
		ContentHash:      r.ContentHash,
		Deleted:          r.Deleted,
		AssetMissing:     r.AssetMissing,
		RetryCount:       r.RetryCount,
		LastError:        r.LastError,
		DiscoveryTime:    timePtr(r.DiscoveryTime),
		MetadataTime:     timePtr(r.MetadataTime),
		DownloadTime:     timePtr(r.DownloadTime),
	}
}

func toViews(recs []media.Record) []itemView {
	out := make([]itemView, 0, len(recs))
	for _, r := range recs {
		out = append(out, toView(r))
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
