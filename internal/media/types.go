// Package media defines the item record, work items, and the collaborator
// interfaces shared by the acquisition stages.
package media

import (
	"sort"
	"strings"
	"time"
)

// Stage names a queue-driven pipeline stage.
type Stage string

// Pipeline stages that own a work queue.
const (
	StageMetadata Stage = "metadata"
	StageDownload Stage = "download"
)

// Valid reports whether s names a known queue-driven stage.
func (s Stage) Valid() bool {
	return s == StageMetadata || s == StageDownload
}

// Record is the canonical stored state of one discovered item.
type Record struct {
	ItemID           string
	OwnerID          string
	SourceURL        string
	Description      string
	Tags             []string
	Author           string
	AudioTrackLabel  string
	CaptionTitle     string
	CaptionSummary   string
	PublishTimeRaw   string
	DerivedTimestamp int64
	AssetPath        string
	ThumbnailPath    string
	ContentHash      string
	Deleted          bool
	AssetMissing     bool
	RetryCount       int
	LastError        string
	DiscoveryTime    time.Time
	MetadataTime     time.Time
	DownloadTime     time.Time
}

// Active reports whether the record may appear in the browse indexes.
func (r Record) Active() bool {
	return !r.Deleted && !r.AssetMissing
}

// WorkItem is the self-contained payload carried on a stage queue.
type WorkItem struct {
	ItemID          string    `json:"item_id"`
	OwnerID         string    `json:"owner_id"`
	SourceURL       string    `json:"source_url"`
	Description     string    `json:"description,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	Author          string    `json:"author,omitempty"`
	AudioTrackLabel string    `json:"audio_track_label,omitempty"`
	PublishTimeRaw  string    `json:"publish_time_raw,omitempty"`
	RetryCount      int       `json:"retry_count"`
	LastError       string    `json:"last_error,omitempty"`
	DiscoveryTime   time.Time `json:"discovery_time,omitempty"`
}

// WorkItemFromRecord builds a download work item from stored state with a
// fresh retry counter.
func WorkItemFromRecord(r Record) WorkItem {
	return WorkItem{
		ItemID:          r.ItemID,
		OwnerID:         r.OwnerID,
		SourceURL:       r.SourceURL,
		Description:     r.Description,
		Tags:            append([]string(nil), r.Tags...),
		Author:          r.Author,
		AudioTrackLabel: r.AudioTrackLabel,
		PublishTimeRaw:  r.PublishTimeRaw,
		DiscoveryTime:   r.DiscoveryTime,
	}
}

// Candidate is one item visible on an owner's listing.
type Candidate struct {
	ItemID    string
	SourceURL string
}

// Detail holds the descriptive fields extracted from an item page.
type Detail struct {
	Description     string
	Tags            []string
	Author          string
	AudioTrackLabel string
	PublishTimeRaw  string
	CaptionTitle    string
	CaptionSummary  string
	// RobotsAssumed is set when the site's robots.txt could not be read and
	// the page was fetched as if it allowed everything.
	RobotsAssumed bool
}

// NormalizeTags lowercases, trims leading '#', drops empties, and returns the
// sorted distinct set.
func NormalizeTags(tags ...[]string) []string {
	seen := make(map[string]struct{})
	for _, group := range tags {
		for _, tag := range group {
			t := strings.ToLower(strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(tag), "#")))
			if t == "" {
				continue
			}
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HashtagsFromText extracts hashtags embedded in free text, including runs of
// adjacent tags such as "#one#two".
func HashtagsFromText(text string) []string {
	var tags []string
	for _, word := range strings.Fields(text) {
		idx := strings.Index(word, "#")
		if idx < 0 {
			continue
		}
		for _, part := range strings.Split(word[idx:], "#") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				tags = append(tags, part)
			}
		}
	}
	return NormalizeTags(tags)
}
