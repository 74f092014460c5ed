package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestStructure(coverage float64) *types.Structure {
	return &types.Structure{
		Sites: []types.Site{
			{Symbol: "Pt", Position: types.Vec3{0, 0, 0}, Tag: types.Bulk},
			{Symbol: "Pt", Position: types.Vec3{1.4, 0, 2.3}, Tag: types.Surface},
			{Symbol: "C", Position: types.Vec3{1.4, 0, 4.1}, Tag: types.Adsorbate, Adsorbate: "CO", Binding: true},
			{Symbol: "O", Position: types.Vec3{1.4, 0, 5.3}, Tag: types.Adsorbate, Adsorbate: "CO"},
		},
		Cell: types.Cell{
			Vectors: [3]types.Vec3{{2.8, 0, 0}, {1.4, 2.4, 0}, {0, 0, 20}},
			PBC:     [3]bool{true, true, false},
		},
		Frozen:    []int{0},
		KeyValues: map[string]float64{"co": coverage},
	}
}

func newSQLite(t *testing.T) Store {
	t.Helper()
	st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"), Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newMem(t *testing.T) Store {
	t.Helper()
	return NewMemStore()
}

// forEachStore runs fn against every implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLite(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, newMem(t)) })
}

// ============================================================================
// Contract Tests
// ============================================================================

func TestInsertGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		e := -12.5
		in := newTestStructure(0.25)
		in.Energy = &e
		in.Forces = []types.Vec3{{0, 0, 0}, {0, 0, 0.1}, {0, 0, -0.2}, {0, 0, 0}}

		id, err := st.Insert(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, int64(1), id)

		got, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, types.StatusComplete, got.Status)
		assert.Equal(t, in.Sites, got.Sites)
		assert.Equal(t, in.Cell, got.Cell)
		assert.Equal(t, []int{0}, got.Frozen)
		require.NotNil(t, got.Energy)
		assert.InDelta(t, e, *got.Energy, 1e-12)
		assert.Equal(t, in.Forces, got.Forces)
		assert.Equal(t, 0.25, got.KeyValues["co"])

		_, err = st.Get(ctx, 99)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSelectQuery(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, c := range []float64{0.1, 0.25, 0.5, 0.75} {
			_, err := st.Insert(ctx, newTestStructure(c))
			require.NoError(t, err)
		}
		noKey := newTestStructure(0)
		noKey.KeyValues = nil
		_, err := st.Insert(ctx, noKey)
		require.NoError(t, err)

		ids, err := SelectIDs(ctx, st, "co>=0.25,co<=0.5")
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3}, ids)

		ids, err = SelectIDs(ctx, st, "co!=0.5")
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 4}, ids, "a missing key never matches")

		ids, err = SelectIDs(ctx, st, "id>2,natoms=4")
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 4, 5}, ids)

		ids, err = SelectIDs(ctx, st, "")
		require.NoError(t, err)
		assert.Len(t, ids, 5)

		recs, err := st.GetBy(ctx, "co", 0.75)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, int64(4), recs[0].ID)

		_, err = st.Select(ctx, "co>>1")
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestUpdateInPlace(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		oid := int64(7)
		in := newTestStructure(0.5)
		in.OriginalID = &oid
		id, err := st.Insert(ctx, in)
		require.NoError(t, err)

		rec, err := st.Get(ctx, id)
		require.NoError(t, err)
		rec.KeyValues = map[string]float64{"co": 0.5, "fmax": 0.02}
		rec.Round = 2
		require.NoError(t, st.Update(ctx, rec))

		got, err := st.GetByOriginalID(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, 2, got.Round)
		assert.Equal(t, 0.02, got.KeyValues["fmax"])

		other := int64(8)
		rec.OriginalID = &other
		assert.ErrorIs(t, st.Update(ctx, rec), ErrOriginalIDImmutable)

		rec.ID = 1000
		rec.OriginalID = nil
		assert.ErrorIs(t, st.Update(ctx, rec), ErrNotFound)

		n, err := st.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestInsertDuplicateOriginal(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		oid := int64(3)
		in := newTestStructure(0.5)
		in.OriginalID = &oid
		_, err := st.Insert(ctx, in)
		require.NoError(t, err)
		_, err = st.Insert(ctx, in)
		assert.ErrorIs(t, err, ErrDuplicateOriginal)
	})
}

func TestReserveKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		id, err := st.ReserveKey(ctx, 42, "owner-a")
		require.NoError(t, err)

		rec, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusReserved, rec.Status)
		assert.Equal(t, "owner-a", rec.Owner)
		require.NotNil(t, rec.OriginalID)
		assert.Equal(t, int64(42), *rec.OriginalID)

		_, err = st.ReserveKey(ctx, 42, "owner-b")
		assert.ErrorIs(t, err, ErrAlreadyReserved)
		assert.False(t, errors.Is(err, ErrNotFound))

		fresh, err := st.Reserve(ctx, "owner-c")
		require.NoError(t, err)
		assert.NotEqual(t, id, fresh)

		inc, err := Incomplete(ctx, st)
		require.NoError(t, err)
		assert.Len(t, inc, 2)
	})
}

func TestReserveKeyConcurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		const workers = 8

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
			lost int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := st.ReserveKey(ctx, 5, "racer")
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if errors.Is(err, ErrAlreadyReserved) {
					lost++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, workers-1, lost)
	})
}

func TestReclaim(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		id, err := st.ReserveKey(ctx, 1, "old")
		require.NoError(t, err)

		require.NoError(t, st.Reclaim(ctx, id, "old", "new"))
		assert.ErrorIs(t, st.Reclaim(ctx, id, "old", "third"), ErrAlreadyReserved)
		assert.ErrorIs(t, st.Reclaim(ctx, 999, "old", "new"), ErrNotFound)

		rec, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "new", rec.Owner)

		rec.Status = types.StatusComplete
		require.NoError(t, st.Update(ctx, rec))
		assert.ErrorIs(t, st.Reclaim(ctx, id, "new", "other"), ErrAlreadyReserved, "complete records are not reclaimable")
	})
}

func TestReclaimFailedBecomesReserved(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		id, err := st.ReserveKey(ctx, 3, "old")
		require.NoError(t, err)
		rec, err := st.Get(ctx, id)
		require.NoError(t, err)
		rec.Status = types.StatusFailed
		require.NoError(t, st.Update(ctx, rec))

		require.NoError(t, st.Reclaim(ctx, id, "old", "new"))
		rec, err = st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusReserved, rec.Status)
		assert.False(t, Expired(rec, time.Minute, time.Now()), "a reclaimed record holds a fresh lease")
	})
}

func TestTouchLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		id, err := st.ReserveKey(ctx, 1, "w1")
		require.NoError(t, err)
		done, err := st.Insert(ctx, newTestStructure(0.5))
		require.NoError(t, err)

		rec, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, rec.UpdatedAt.IsZero())
		before := rec.UpdatedAt

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, st.Touch(ctx, id, "w1"))
		rec, err = st.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.UpdatedAt.After(before), "touch moves the lease forward")

		assert.ErrorIs(t, st.Touch(ctx, id, "w2"), ErrAlreadyReserved)
		assert.ErrorIs(t, st.Touch(ctx, done, "w1"), ErrAlreadyReserved, "complete records carry no lease")
		assert.ErrorIs(t, st.Touch(ctx, 999, "w1"), ErrNotFound)

		live, err := Abandoned(ctx, st, time.Minute, time.Now())
		require.NoError(t, err)
		assert.Empty(t, live, "a fresh reservation is not abandoned")

		stale, err := Abandoned(ctx, st, time.Minute, time.Now().Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, id, stale[0].ID)

		all, err := Abandoned(ctx, st, 0, time.Now())
		require.NoError(t, err)
		assert.Len(t, all, 1, "no lease treats every reservation as abandoned")
	})
}

func TestExpiredFailedAlways(t *testing.T) {
	now := time.Now()
	failed := &types.Structure{Status: types.StatusFailed, UpdatedAt: now}
	assert.True(t, Expired(failed, time.Hour, now))
	reserved := &types.Structure{Status: types.StatusReserved, UpdatedAt: now.Add(-2 * time.Second)}
	assert.False(t, Expired(reserved, time.Hour, now))
	assert.True(t, Expired(reserved, time.Second, now))
}

// ============================================================================
// Implementation-specific Tests
// ============================================================================

func TestOpenSQLiteMustExist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := OpenSQLite(context.Background(), path, Options{MustExist: true})
	assert.ErrorIs(t, err, ErrStoreNotFound)
	assert.False(t, Exists(path))
}

func TestSQLiteSharedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := OpenSQLite(ctx, path, Options{})
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenSQLite(ctx, path, Options{MustExist: true})
	require.NoError(t, err)
	defer b.Close()

	_, err = a.ReserveKey(ctx, 10, "a")
	require.NoError(t, err)
	_, err = b.ReserveKey(ctx, 10, "b")
	assert.ErrorIs(t, err, ErrAlreadyReserved)
}

func TestMemStoreSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	_, err := m.Insert(ctx, newTestStructure(0.5))
	require.NoError(t, err)
	_, err = m.ReserveKey(ctx, 1, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, m.IncompleteCount())

	data := m.Snapshot()
	restored := NewMemStore()
	require.NoError(t, restored.Restore(data))

	n, _ := restored.Count(ctx)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, restored.IncompleteCount())
	_, err = restored.ReserveKey(ctx, 1, "y")
	assert.ErrorIs(t, err, ErrAlreadyReserved)

	id, err := restored.Insert(ctx, newTestStructure(0.1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)

	data.SchemaVer = 9
	assert.Error(t, restored.Restore(data))
}

func TestMemStoreClosed(t *testing.T) {
	m := NewMemStore()
	require.NoError(t, m.Close())
	_, err := m.Insert(context.Background(), newTestStructure(0))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseQuery(t *testing.T) {
	q, err := ParseQuery(" co >= 0.3 , oh<1, round=1")
	require.NoError(t, err)
	require.Len(t, q, 3)
	assert.Equal(t, Clause{Field: "co", Op: OpGE, Value: 0.3}, q[0])
	assert.Equal(t, Clause{Field: "oh", Op: OpLT, Value: 1}, q[1])
	assert.True(t, q[2].Builtin())
	assert.Equal(t, "co>=0.3,oh<1,round=1", q.String())

	for _, bad := range []string{"co", "co=>1", "1co=1", "co=abc", "co>=1,"} {
		_, err := ParseQuery(bad)
		assert.ErrorIs(t, err, ErrInvalidQuery, bad)
	}

	assert.Equal(t, "co>=0.1,co<=0.9", Range("co", 0.1, 0.9).String())
}
