package discovery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/discovery"
	"github.com/JakeFAU/clipvault/internal/id/uuid"
	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/store"
	"github.com/JakeFAU/clipvault/internal/testsupport"
)

type fakeEnumerator struct {
	byOwner map[string][]media.Candidate
	fail    map[string]error
	calls   []string
}

func (f *fakeEnumerator) Enumerate(_ context.Context, owner string) ([]media.Candidate, error) {
	f.calls = append(f.calls, owner)
	if err := f.fail[owner]; err != nil {
		return nil, err
	}
	return f.byOwner[owner], nil
}

func candidates(ids ...string) []media.Candidate {
	out := make([]media.Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, media.Candidate{ItemID: id, SourceURL: "https://example.com/v/" + id})
	}
	return out
}

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func newDiscoverer(st *store.Store, enum media.Enumerator, owners ...string) *discovery.Discoverer {
	return discovery.New(st, enum, nil, uuid.New(), &testsupport.Clock{T: now},
		discovery.Config{Owners: owners, LeaseTTL: time.Minute}, zap.NewNop())
}

func TestRunEnqueuesNewCandidatesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, srv := testsupport.NewStore(t)
	enum := &fakeEnumerator{byOwner: map[string][]media.Candidate{"alice": candidates("1", "2", "2")}}
	d := newDiscoverer(st, enum, "alice")

	report, err := d.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Enqueued)
	require.Equal(t, 1, report.Skipped)

	items, err := st.QueuedItems(ctx, media.StageMetadata)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "alice", items[0].OwnerID)
	require.Equal(t, now, items[0].DiscoveryTime)

	report, err = d.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Enqueued)
	require.Equal(t, 3, report.Skipped)

	n, err := st.QueueLen(ctx, media.StageMetadata)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.False(t, srv.Exists("lock:discovery"), "lease must be released")

	exists, err := st.RecordExists(ctx, "1")
	require.NoError(t, err)
	require.False(t, exists, "discovery never writes records")
}

func TestRunSkipsKnownCandidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := testsupport.NewStore(t)

	// active in the owner's set
	require.NoError(t, st.SaveRecord(ctx, media.Record{ItemID: "active", OwnerID: "alice"}))
	// recorded but deleted
	require.NoError(t, st.SaveRecord(ctx, media.Record{ItemID: "deleted", OwnerID: "alice", Deleted: true}))
	// queued for download
	require.NoError(t, st.Push(ctx, media.StageDownload, media.WorkItem{ItemID: "queued", OwnerID: "alice"}))
	// in flight in metadata
	require.NoError(t, st.Push(ctx, media.StageMetadata, media.WorkItem{ItemID: "busy", OwnerID: "alice"}))
	_, _, err := st.Claim(ctx, media.StageMetadata)
	require.NoError(t, err)

	enum := &fakeEnumerator{byOwner: map[string][]media.Candidate{
		"alice": candidates("active", "deleted", "queued", "busy", "fresh"),
	}}
	report, err := newDiscoverer(st, enum, "alice").Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Enqueued)
	require.Equal(t, 4, report.Skipped)

	items, err := st.QueuedItems(ctx, media.StageMetadata)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "fresh", items[0].ItemID)
}

func TestRunSkipsWhenLeaseHeld(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := testsupport.NewStore(t)
	_, err := st.AcquireLease(ctx, discovery.LeaseName, "someone-else", time.Minute)
	require.NoError(t, err)

	enum := &fakeEnumerator{byOwner: map[string][]media.Candidate{"alice": candidates("1")}}
	report, err := newDiscoverer(st, enum, "alice").Run(ctx)
	require.NoError(t, err)
	require.True(t, report.LeaseHeld)
	require.Empty(t, enum.calls)
}

func TestRunContinuesAfterOwnerFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := testsupport.NewStore(t)
	require.NoError(t, st.TrackOwner(ctx, "carol"))

	enum := &fakeEnumerator{
		byOwner: map[string][]media.Candidate{"carol": candidates("c1")},
		fail:    map[string]error{"alice": errors.New("listing unavailable")},
	}
	report, err := newDiscoverer(st, enum, "alice", "carol").Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Owners)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Enqueued)
	require.Equal(t, []string{"alice", "carol"}, enum.calls)
}

func TestRunLeavesDeadLetteredCandidatesAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := testsupport.NewStore(t)
	require.NoError(t, st.DeadLetter(ctx, media.StageMetadata, media.WorkItem{ItemID: "v1", OwnerID: "alice", RetryCount: 3}))

	enum := &fakeEnumerator{byOwner: map[string][]media.Candidate{"alice": candidates("v1")}}
	report, err := newDiscoverer(st, enum, "alice").Run(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Enqueued)
	require.Equal(t, 1, report.Skipped)

	n, err := st.QueueLen(ctx, media.StageMetadata)
	require.NoError(t, err)
	require.Zero(t, n)

	// An operator requeue empties the dead-letter queue, after which the
	// candidate is handled by the regular queue checks.
	popped, ok, err := st.PopDeadLetter(ctx, media.StageMetadata)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", popped.ItemID)
	report, err = newDiscoverer(st, enum, "alice").Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Enqueued)
}
