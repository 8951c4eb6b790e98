package media

import (
	"context"
	"time"
)

// Enumerator lists the candidate items currently visible for an owner.
type Enumerator interface {
	Enumerate(ctx context.Context, ownerID string) ([]Candidate, error)
}

// DetailFetcher retrieves an item page and extracts its descriptive fields.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, sourceURL string) (Detail, error)
}

// AssetFetcher downloads the binary asset behind sourceURL into targetPath.
type AssetFetcher interface {
	FetchAsset(ctx context.Context, sourceURL, targetPath string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Publisher pushes finalize events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Mirror copies finalized files to secondary storage and returns a URI.
type Mirror interface {
	PutFile(ctx context.Context, objectPath, localPath, contentType string) (string, error)
}

// Ledger records finalized downloads for auditing.
type Ledger interface {
	RecordDownload(ctx context.Context, entry LedgerEntry) error
}

// LedgerEntry is one audit row written after a download is finalized.
type LedgerEntry struct {
	ID            string
	ItemID        string
	OwnerID       string
	SourceURL     string
	AssetPath     string
	ThumbnailPath string
	ContentHash   string
	SizeBytes     int64
	Reused        bool
	DownloadedAt  time.Time
}
