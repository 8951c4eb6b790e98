package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeTags(t *testing.T) {
	t.Parallel()
	got := NormalizeTags([]string{"#Beach", "sunset", " ", "beach"}, []string{"##SUNSET", "dog"})
	require.Equal(t, []string{"beach", "dog", "sunset"}, got)
}

func TestNormalizeTagsEmpty(t *testing.T) {
	t.Parallel()
	require.Empty(t, NormalizeTags())
	require.Empty(t, NormalizeTags([]string{"#", ""}))
}

func TestHashtagsFromText(t *testing.T) {
	t.Parallel()
	got := HashtagsFromText("golden hour #Beach #sunset#dog and more #beach")
	require.Equal(t, []string{"beach", "dog", "sunset"}, got)
	require.Empty(t, HashtagsFromText("no tags here"))
}

func TestRecordActive(t *testing.T) {
	t.Parallel()
	require.True(t, Record{}.Active())
	require.False(t, Record{Deleted: true}.Active())
	require.False(t, Record{AssetMissing: true}.Active())
}

func TestWorkItemFromRecordResetsRetries(t *testing.T) {
	t.Parallel()
	rec := Record{ItemID: "1", OwnerID: "o", Tags: []string{"a"}, RetryCount: 2, LastError: "boom"}
	item := WorkItemFromRecord(rec)
	require.Equal(t, 0, item.RetryCount)
	require.Empty(t, item.LastError)
	require.Equal(t, []string{"a"}, item.Tags)

	item.Tags[0] = "b"
	require.Equal(t, "a", rec.Tags[0])
}

func TestStageValid(t *testing.T) {
	t.Parallel()
	require.True(t, StageMetadata.Valid())
	require.True(t, StageDownload.Valid())
	require.False(t, Stage("discovery").Valid())
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	require.Nil(t, Transient("fetch", nil))
	err := Transient("fetch detail", ErrParseFailure)
	require.True(t, IsTransient(err))
	require.ErrorIs(t, err, ErrParseFailure)
	require.False(t, IsTransient(ErrParseFailure))
}
