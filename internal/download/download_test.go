package download_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/catalog"
	"github.com/JakeFAU/clipvault/internal/download"
	"github.com/JakeFAU/clipvault/internal/hash/sha256"
	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/publisher/memory"
	"github.com/JakeFAU/clipvault/internal/storage/local"
	"github.com/JakeFAU/clipvault/internal/store"
	"github.com/JakeFAU/clipvault/internal/testsupport"
	"github.com/JakeFAU/clipvault/internal/timeparse"
)

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  int
	data   []byte
	err    error
	during func()
}

func (f *fakeFetcher) FetchAsset(_ context.Context, _ string, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.during != nil {
		f.during()
	}
	return os.WriteFile(target, f.data, 0o600)
}

type fakeThumbs struct {
	err error
}

func (f *fakeThumbs) Generate(_ context.Context, _ string, thumbPath string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(thumbPath, []byte("jpeg"), 0o600)
}

type fakeLedger struct {
	entries []media.LedgerEntry
}

func (l *fakeLedger) RecordDownload(_ context.Context, e media.LedgerEntry) error {
	l.entries = append(l.entries, e)
	return nil
}

type fakeMirror struct {
	objects []string
}

func (m *fakeMirror) PutFile(_ context.Context, object, _ string, _ string) (string, error) {
	m.objects = append(m.objects, object)
	return "gs://clips/" + object, nil
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "ledger-1", nil }

type harness struct {
	stage   *download.Stage
	store   *store.Store
	assets  *local.AssetStore
	fetcher *fakeFetcher
	thumbs  *fakeThumbs
	ledger  *fakeLedger
	mirror  *fakeMirror
	pub     *memory.Publisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, _ := testsupport.NewStore(t)
	assets, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	clock := &testsupport.Clock{T: now}
	h := &harness{
		store:   st,
		assets:  assets,
		fetcher: &fakeFetcher{data: []byte("hello world")},
		thumbs:  &fakeThumbs{},
		ledger:  &fakeLedger{},
		mirror:  &fakeMirror{},
		pub:     memory.New(),
	}
	h.stage = download.New(st, assets, h.fetcher, h.thumbs, sha256.New(), timeparse.New(clock, time.UTC), clock,
		download.Options{Mirror: h.mirror, Ledger: h.ledger, Publisher: h.pub, IDs: fixedIDs{}},
		download.Config{Topic: "finalized", MirrorPrefix: "mirror"},
		zap.NewNop(),
	)
	return h
}

// claim pushes item onto the download queue and claims it like a worker would.
func (h *harness) claim(t *testing.T, item media.WorkItem) media.WorkItem {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.Push(ctx, media.StageDownload, item))
	got, ok, err := h.store.Claim(ctx, media.StageDownload)
	require.NoError(t, err)
	require.True(t, ok)
	return got
}

func seed(t *testing.T, st *store.Store, rec media.Record) media.WorkItem {
	t.Helper()
	require.NoError(t, st.SaveRecord(context.Background(), rec))
	return media.WorkItemFromRecord(rec)
}

func TestHandleFetchesAndFinalizes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	item := seed(t, h.store, media.Record{
		ItemID: "1", OwnerID: "alice", SourceURL: "u1", Tags: []string{"beach"},
		DerivedTimestamp: 1704412800, AssetMissing: true, RetryCount: 2,
	})

	require.NoError(t, h.stage.Handle(ctx, h.claim(t, item)))
	require.Equal(t, 1, h.fetcher.calls)

	rec, err := h.store.GetRecord(ctx, "alice", "1")
	require.NoError(t, err)
	require.Equal(t, "alice_videos/1.mp4", rec.AssetPath)
	require.Equal(t, "alice_videos/1_thumb.jpg", rec.ThumbnailPath)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", rec.ContentHash)
	require.Equal(t, now, rec.DownloadTime)
	require.False(t, rec.AssetMissing)
	require.Equal(t, 0, rec.RetryCount)

	score, ok, err := h.store.DateScore(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1704412800), score)

	inFlight, err := h.store.InFlight(ctx, media.StageDownload)
	require.NoError(t, err)
	require.Empty(t, inFlight)

	require.Len(t, h.ledger.entries, 1)
	require.Equal(t, "ledger-1", h.ledger.entries[0].ID)
	require.Equal(t, int64(11), h.ledger.entries[0].SizeBytes)
	require.False(t, h.ledger.entries[0].Reused)
	require.Equal(t, []string{"mirror/alice_videos/1.mp4", "mirror/alice_videos/1_thumb.jpg"}, h.mirror.objects)
	require.Len(t, h.pub.Messages(), 1)
	require.Equal(t, "finalized", h.pub.Messages()[0].Topic)
}

func TestHandleSkipsFetchWhenAssetExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	item := seed(t, h.store, media.Record{ItemID: "1", OwnerID: "alice", DerivedTimestamp: 100})

	full, err := h.assets.Prepare(local.AssetRel("alice", "1"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(full, []byte("already here"), 0o600))

	require.NoError(t, h.stage.Handle(ctx, h.claim(t, item)))
	require.Equal(t, 0, h.fetcher.calls)
	require.True(t, h.ledger.entries[0].Reused)

	// Replaying the same item is still a no-op fetch.
	require.NoError(t, h.stage.Handle(ctx, h.claim(t, item)))
	require.Equal(t, 0, h.fetcher.calls)
}

func TestHandleThumbnailFailureDoesNotFailItem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.thumbs.err = errors.New("no video stream")
	item := seed(t, h.store, media.Record{ItemID: "1", OwnerID: "alice", DerivedTimestamp: 100})

	require.NoError(t, h.stage.Handle(ctx, h.claim(t, item)))

	rec, err := h.store.GetRecord(ctx, "alice", "1")
	require.NoError(t, err)
	require.Equal(t, "alice_videos/1.mp4", rec.AssetPath)
	require.Empty(t, rec.ThumbnailPath)
	require.Equal(t, []string{"mirror/alice_videos/1.mp4"}, h.mirror.objects)
}

func TestHandleFetchFailureLeavesRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.err = media.Transient("get asset", errors.New("timeout"))
	item := seed(t, h.store, media.Record{ItemID: "1", OwnerID: "alice", DerivedTimestamp: 100})

	err := h.stage.Handle(ctx, h.claim(t, item))
	require.Error(t, err)
	require.True(t, media.IsTransient(err))

	rec, err := h.store.GetRecord(ctx, "alice", "1")
	require.NoError(t, err)
	require.Empty(t, rec.AssetPath)
	require.Empty(t, h.ledger.entries)
}

func TestHandleDeletedRecordIsNotReindexed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	item := seed(t, h.store, media.Record{ItemID: "1", OwnerID: "alice", Deleted: true, DerivedTimestamp: 100})

	require.NoError(t, h.stage.Handle(ctx, h.claim(t, item)))

	rec, err := h.store.GetRecord(ctx, "alice", "1")
	require.NoError(t, err)
	require.True(t, rec.Deleted)
	require.Equal(t, "alice_videos/1.mp4", rec.AssetPath)
	_, ok, err := h.store.DateScore(ctx, "1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandleDerivesMissingTimestamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	discovered := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	item := media.WorkItem{ItemID: "1", OwnerID: "alice", SourceURL: "u1", DiscoveryTime: discovered}

	require.NoError(t, h.stage.Handle(ctx, h.claim(t, item)))

	rec, err := h.store.GetRecord(ctx, "alice", "1")
	require.NoError(t, err)
	require.Equal(t, discovered.Unix(), rec.DerivedTimestamp)
}

func TestHandlePublishFailureIsLogged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.pub.FailWith(errors.New("broker down"))
	item := seed(t, h.store, media.Record{ItemID: "1", OwnerID: "alice", DerivedTimestamp: 100})

	require.NoError(t, h.stage.Handle(ctx, h.claim(t, item)))
	require.Empty(t, h.pub.Messages())
}

func TestHandleKeepsDeleteMadeDuringFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	cat := catalog.New(h.store, nil, zap.NewNop())
	item := seed(t, h.store, media.Record{ItemID: "v1", OwnerID: "alice", SourceURL: "u1", DerivedTimestamp: 100, AssetMissing: true})
	h.fetcher.during = func() {
		require.NoError(t, cat.Delete(ctx, "alice", "v1"))
	}

	require.NoError(t, h.stage.Handle(ctx, h.claim(t, item)))

	rec, err := h.store.GetRecord(ctx, "alice", "v1")
	require.NoError(t, err)
	require.True(t, rec.Deleted)
	_, ok, err := h.store.DateScore(ctx, "v1")
	require.NoError(t, err)
	require.False(t, ok)
	exists, err := h.assets.Exists(local.AssetRel("alice", "v1"))
	require.NoError(t, err)
	require.False(t, exists)
	require.Empty(t, h.ledger.entries)
	require.Empty(t, h.pub.Messages())
}

func TestHandleKeepsTagAddedDuringFetch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	cat := catalog.New(h.store, nil, zap.NewNop())
	item := seed(t, h.store, media.Record{ItemID: "v1", OwnerID: "alice", SourceURL: "u1", DerivedTimestamp: 100, Tags: []string{"beach"}})
	h.fetcher.during = func() {
		_, err := cat.AddTag(ctx, []string{"v1"}, "sunset")
		require.NoError(t, err)
	}

	require.NoError(t, h.stage.Handle(ctx, h.claim(t, item)))

	rec, err := h.store.GetRecord(ctx, "alice", "v1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"beach", "sunset"}, rec.Tags)
	require.Equal(t, "alice_videos/v1.mp4", rec.AssetPath)
	members, err := h.store.TagMembers(ctx, "sunset")
	require.NoError(t, err)
	require.Equal(t, []string{"v1"}, members)
}
