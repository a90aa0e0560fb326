package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGrantIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	isNew, alreadyHad, err := s.Grant(ctx, 1, "deadbeef")
	require.NoError(t, err)
	require.True(t, isNew)
	require.False(t, alreadyHad)

	isNew, alreadyHad, err = s.Grant(ctx, 1, "deadbeef")
	require.NoError(t, err)
	require.False(t, isNew)
	require.True(t, alreadyHad)
}

func TestCheckReflectsGrant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Check(ctx, 1, "deadbeef")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = s.Grant(ctx, 1, "deadbeef")
	require.NoError(t, err)

	ok, err = s.Check(ctx, 1, "deadbeef")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Check(ctx, 2, "deadbeef")
	require.NoError(t, err)
	require.False(t, ok, "grant to org 1 must not leak to org 2")
}

func TestCheckBulkEmptyInputShortCircuits(t *testing.T) {
	s := newTestStore(t)
	out, err := s.CheckBulk(context.Background(), 1, nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestCheckBulkReturnsOnlyGrantedSubset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Grant(ctx, 1, "aaaa")
	require.NoError(t, err)
	_, _, err = s.Grant(ctx, 1, "bbbb")
	require.NoError(t, err)

	out, err := s.CheckBulk(ctx, 1, []string{"aaaa", "bbbb", "cccc"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"aaaa", "bbbb"}, out)
}

func TestTopKeysForOrgOrdersByAccessCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Grant(ctx, 1, "cold")
	require.NoError(t, err)
	_, _, err = s.Grant(ctx, 1, "hot")
	require.NoError(t, err)
	_, _, err = s.Grant(ctx, 2, "other-org")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Check(ctx, 1, "hot")
		require.NoError(t, err)
	}
	_, err = s.Check(ctx, 1, "cold")
	require.NoError(t, err)

	top, err := s.TopKeysForOrg(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"hot"}, top)

	top, err = s.TopKeysForOrg(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"hot", "cold"}, top)
}

func TestResetDeletesGrantsAndUnits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Grant(ctx, 1, "aaaa")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, 1, []UnitRecord{{UnitHash: "unit1", Target: "x86_64-unknown-linux-gnu", PayloadJSON: []byte(`{}`)}}))

	require.NoError(t, s.Reset(ctx, 1))

	ok, err := s.Check(ctx, 1, "aaaa")
	require.NoError(t, err)
	require.False(t, ok)

	restored, err := s.Restore(ctx, 1, []string{"unit1"}, UnitLibc{}, false)
	require.NoError(t, err)
	require.Empty(t, restored)
}

func TestSaveIgnoresConflictingDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := UnitRecord{UnitHash: "unit1", Target: "x86_64-unknown-linux-gnu", PayloadJSON: []byte(`{"v":1}`)}
	require.NoError(t, s.Save(ctx, 1, []UnitRecord{rec}))

	rec.PayloadJSON = []byte(`{"v":2}`)
	require.NoError(t, s.Save(ctx, 1, []UnitRecord{rec}))

	restored, err := s.Restore(ctx, 1, []string{"unit1"}, UnitLibc{}, false)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"v":1}`), restored["unit1"].PayloadJSON, "first save wins on conflict")
}

func TestSaveAndRestoreRoundTripsContentHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := UnitRecord{UnitHash: "unit1", Target: "t", ContentHash: "deadbeef", PayloadJSON: []byte(`{}`)}
	require.NoError(t, s.Save(ctx, 1, []UnitRecord{rec}))

	restored, err := s.Restore(ctx, 1, []string{"unit1"}, UnitLibc{}, false)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", restored["unit1"].ContentHash)
}

func TestRestoreLibcCompatibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []UnitRecord{
		{UnitHash: "no-libc", Target: "t", PayloadJSON: []byte(`{}`)},
		{UnitHash: "glibc-2.31", Target: "t", Libc: UnitLibc{Family: FamilyGlibc, Ordinal: 231}, PayloadJSON: []byte(`{}`)},
		{UnitHash: "glibc-2.35", Target: "t", Libc: UnitLibc{Family: FamilyGlibc, Ordinal: 235}, PayloadJSON: []byte(`{}`)},
		{UnitHash: "musl-1.2", Target: "t", Libc: UnitLibc{Family: FamilyMusl, Ordinal: 12}, PayloadJSON: []byte(`{}`)},
	}
	require.NoError(t, s.Save(ctx, 1, records))

	hashes := []string{"no-libc", "glibc-2.31", "glibc-2.35", "musl-1.2"}

	// host with no libc tag: only the no-libc record matches.
	restored, err := s.Restore(ctx, 1, hashes, UnitLibc{}, false)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	require.Contains(t, restored, "no-libc")

	// glibc 2.33 host: glibc 2.31 (>= host is false: 233>=231 true) qualifies,
	// 2.35 does not (host 233 < 235), musl is a different family.
	restored, err = s.Restore(ctx, 1, hashes, UnitLibc{Family: FamilyGlibc, Ordinal: 233}, true)
	require.NoError(t, err)
	require.Contains(t, restored, "glibc-2.31")
	require.NotContains(t, restored, "glibc-2.35")
	require.NotContains(t, restored, "musl-1.2")
	require.NotContains(t, restored, "no-libc")
}

func TestUnitLibcRoundTrip(t *testing.T) {
	l := UnitLibc{Family: FamilyGlibc, Ordinal: 235}
	require.Equal(t, l, ParseUnitLibc(l.String()))
	require.Equal(t, UnitLibc{}, ParseUnitLibc(""))
}
