package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergebot/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fingerprints.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(sha string) *model.MergeRequest {
	return &model.MergeRequest{
		SHA:         sha,
		Owner:       "org",
		Repo:        "repo",
		Number:      1,
		HTMLURL:     "https://github.com/org/repo/pull/1",
		RequestedBy: "alice",
	}
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)

	mr := testRecord("abc123")
	require.NoError(t, s.Put(mr))

	got, err := s.GetBySHA("abc123")
	require.NoError(t, err)
	assert.Equal(t, mr, got)

	got, err = s.GetByRepoSHA("org", "repo", "abc123")
	require.NoError(t, err)
	assert.Equal(t, mr, got)

	require.NoError(t, s.Delete("org", "repo", "abc123"))
	got, err = s.GetBySHA("abc123")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetBySHA("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutTrimsSHA(t *testing.T) {
	s := openTestStore(t)

	mr := testRecord("abc123")
	mr.SHA = " abc123\n"
	require.NoError(t, s.Put(mr))

	got, err := s.GetBySHA("abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Number)
}

func TestPutIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	mr := testRecord("abc123")
	require.NoError(t, s.Put(mr))
	mr.WasUpdated = true
	require.NoError(t, s.Put(mr))

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].WasUpdated)
}

func TestCrossRepoSHACollision(t *testing.T) {
	s := openTestStore(t)

	a := testRecord("same")
	b := testRecord("same")
	b.Repo = "other"
	b.Number = 2
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))

	got, err := s.GetByRepoSHA("org", "other", "same")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Number)

	// Deleting one repo's row leaves the other intact.
	require.NoError(t, s.Delete("org", "repo", "same"))
	got, err = s.GetBySHA("same")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "other", got.Repo)
}

func TestListOrderAndRoundTrip(t *testing.T) {
	s := openTestStore(t)

	first := testRecord("aaa")
	second := testRecord("bbb")
	second.Number = 2
	second.Dependencies = []*model.Dependency{
		{SHA: "aaa", Owner: "org", Repo: "repo", Number: 1, DirectlyReferenced: true},
	}
	require.NoError(t, s.Put(first))
	require.NoError(t, s.Put(second))

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first, records[0])
	assert.Equal(t, second, records[1])
}

func TestListKeepsInsertionOrderWithinSameSecond(t *testing.T) {
	s := openTestStore(t)

	// Back-to-back puts land in the same created_at second. The list
	// order must still be the put order, not lexical SHA order.
	shas := []string{"zzz", "mmm", "aaa", "qqq"}
	for i, sha := range shas {
		r := testRecord(sha)
		r.Number = i + 1
		require.NoError(t, s.Put(r))
	}

	records, err := s.List()
	require.NoError(t, err)
	require.Len(t, records, len(shas))
	for i, sha := range shas {
		assert.Equal(t, sha, records[i].SHA)
	}

	// An upsert keeps the original slot.
	updated := testRecord("mmm")
	updated.Number = 2
	updated.RequestedBy = "bob"
	require.NoError(t, s.Put(updated))

	records, err = s.List()
	require.NoError(t, err)
	require.Len(t, records, len(shas))
	assert.Equal(t, "mmm", records[1].SHA)
	assert.Equal(t, "bob", records[1].RequestedBy)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fingerprints.sqlite")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(testRecord("abc123")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.GetBySHA("abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.RequestedBy)
}
