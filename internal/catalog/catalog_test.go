package catalog_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/catalog"
	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/storage/local"
	"github.com/JakeFAU/clipvault/internal/store"
	"github.com/JakeFAU/clipvault/internal/testsupport"
)

func seed(t *testing.T) (*catalog.Catalog, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, _ := testsupport.NewStore(t)
	recs := []media.Record{
		{ItemID: "1", OwnerID: "alice", SourceURL: "https://example.com/1", Tags: []string{"beach"}, DerivedTimestamp: 100},
		{ItemID: "2", OwnerID: "alice", SourceURL: "https://example.com/2", Tags: []string{"beach", "dog"}, DerivedTimestamp: 300},
		{ItemID: "3", OwnerID: "bob", SourceURL: "https://example.com/3", Tags: []string{"dog"}, DerivedTimestamp: 200},
	}
	for _, rec := range recs {
		require.NoError(t, st.SaveRecord(ctx, rec))
	}
	return catalog.New(st, nil, zap.NewNop()), st
}

func ids(recs []media.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ItemID)
	}
	return out
}

func TestBrowse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := seed(t)

	all, err := c.ByDate(ctx, 0, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"2", "3", "1"}, ids(all))

	page, err := c.ByDate(ctx, 150, 0, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"2"}, ids(page))

	beach, err := c.ByTag(ctx, "#Beach")
	require.NoError(t, err)
	require.Equal(t, []string{"2", "1"}, ids(beach))

	alice, err := c.ByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"2", "1"}, ids(alice))

	tags, err := c.Tags(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"beach", "dog"}, tags)

	owners, err := c.Owners(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, owners)

	rec, err := c.GetByID(ctx, "3")
	require.NoError(t, err)
	require.Equal(t, "bob", rec.OwnerID)

	_, err = c.ByTag(ctx, "#")
	require.ErrorIs(t, err, catalog.ErrInvalidTag)
}

func TestDeleteRemovesFromIndexesImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := seed(t)

	require.NoError(t, c.Delete(ctx, "alice", "2"))

	all, err := c.ByDate(ctx, 0, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"3", "1"}, ids(all))
	dogs, err := c.ByTag(ctx, "dog")
	require.NoError(t, err)
	require.Equal(t, []string{"3"}, ids(dogs))

	rec, err := c.Get(ctx, "alice", "2")
	require.NoError(t, err)
	require.True(t, rec.Deleted)

	require.NoError(t, c.Delete(ctx, "alice", "2"))
	require.ErrorIs(t, c.Delete(ctx, "alice", "missing"), store.ErrNotFound)
}

func TestAddTag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := seed(t)

	changed, err := c.AddTag(ctx, []string{"1", "2", "missing"}, "#Sunset")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, changed)

	again, err := c.AddTag(ctx, []string{"1"}, "sunset")
	require.NoError(t, err)
	require.Empty(t, again)

	sunset, err := c.ByTag(ctx, "sunset")
	require.NoError(t, err)
	require.Equal(t, []string{"2", "1"}, ids(sunset))

	_, err = c.AddTag(ctx, []string{"1"}, "  ")
	require.ErrorIs(t, err, catalog.ErrInvalidTag)
}

func TestRequeueResetsRetryState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, st := seed(t)
	_, err := st.UpdateRetryState(ctx, "alice", "1", 3, "boom")
	require.NoError(t, err)

	res, err := c.Requeue(ctx, media.StageDownload, []string{"1", "1", "missing"})
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, res.Requeued)
	require.Equal(t, []string{"1"}, res.Skipped)
	require.Equal(t, []string{"missing"}, res.Unknown)

	rec, err := st.GetRecord(ctx, "alice", "1")
	require.NoError(t, err)
	require.Zero(t, rec.RetryCount)
	require.Empty(t, rec.LastError)

	queued, err := st.QueuedItems(ctx, media.StageDownload)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, "https://example.com/1", queued[0].SourceURL)

	_, err = c.Requeue(ctx, media.Stage("upload"), []string{"1"})
	require.ErrorIs(t, err, catalog.ErrInvalidStage)
}

func TestRequeueDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, st := seed(t)

	for _, id := range []string{"1", "3"} {
		require.NoError(t, st.Push(ctx, media.StageMetadata, media.WorkItem{ItemID: id, OwnerID: "x", SourceURL: "u"}))
		item, ok, err := st.Claim(ctx, media.StageMetadata)
		require.NoError(t, err)
		require.True(t, ok)
		item.RetryCount = 3
		item.LastError = "boom"
		require.NoError(t, st.DeadLetter(ctx, media.StageMetadata, item))
	}

	res, err := c.RequeueDeadLetters(ctx, media.StageMetadata)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "3"}, res.Requeued)

	queued, err := st.QueuedItems(ctx, media.StageMetadata)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	for _, item := range queued {
		require.Zero(t, item.RetryCount)
		require.Empty(t, item.LastError)
	}

	stats, err := c.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, []catalog.QueueStat{
		{Stage: media.StageMetadata, Queued: 2},
		{Stage: media.StageDownload},
	}, stats)
}

func TestTrackOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := seed(t)

	require.NoError(t, c.TrackOwner(ctx, " carol "))
	require.Error(t, c.TrackOwner(ctx, ""))
	tracked, err := c.TrackedOwners(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"carol"}, tracked)

	require.NoError(t, c.UntrackOwner(ctx, "carol"))
	tracked, err = c.TrackedOwners(ctx)
	require.NoError(t, err)
	require.Empty(t, tracked)
}

type failingFiles struct {
	removed []string
}

func (f *failingFiles) Remove(rel string) error {
	f.removed = append(f.removed, rel)
	return errors.New("read-only filesystem")
}

func TestDeleteRemovesAssetAndThumbnail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := testsupport.NewStore(t)
	files, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	c := catalog.New(st, files, zap.NewNop())

	require.NoError(t, st.SaveRecord(ctx, media.Record{
		ItemID: "v1", OwnerID: "alice", DerivedTimestamp: 100,
		AssetPath: local.AssetRel("alice", "v1"), ThumbnailPath: local.ThumbnailRel("alice", "v1"),
	}))
	var paths []string
	for _, rel := range []string{local.AssetRel("alice", "v1"), local.ThumbnailRel("alice", "v1")} {
		full, err := files.Prepare(rel)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(full, []byte("data"), 0o600))
		paths = append(paths, full)
	}

	require.NoError(t, c.Delete(ctx, "alice", "v1"))
	for _, full := range paths {
		require.NoFileExists(t, full)
	}
	// Deleting again with the files already gone still succeeds.
	require.NoError(t, c.Delete(ctx, "alice", "v1"))
}

func TestDeleteSurvivesFileRemovalFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := testsupport.NewStore(t)
	files := &failingFiles{}
	c := catalog.New(st, files, zap.NewNop())
	require.NoError(t, st.SaveRecord(ctx, media.Record{ItemID: "v1", OwnerID: "alice", DerivedTimestamp: 100}))

	require.NoError(t, c.Delete(ctx, "alice", "v1"))
	require.Equal(t, []string{"alice_videos/v1.mp4", "alice_videos/v1_thumb.jpg"}, files.removed)

	rec, err := st.GetRecord(ctx, "alice", "v1")
	require.NoError(t, err)
	require.True(t, rec.Deleted)
	_, indexed, err := st.DateScore(ctx, "v1")
	require.NoError(t, err)
	require.False(t, indexed)
}
