package btree

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/btidx/pager"
	"github.com/btree-query-bench/btidx/sortedpage"
)

func openTestPool(t *testing.T) *pager.Pool {
	t.Helper()
	pool, err := pager.Open(filepath.Join(t.TempDir(), "test.idx"), 64)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func openTestTree(t *testing.T) (*pager.Pool, *BTreeFile) {
	t.Helper()
	pool := openTestPool(t)
	f, err := Open(pool, "t")
	require.NoError(t, err)
	return pool, f
}

// rid gives key i the record ID (7, i-1), so key 200 maps to (7, 199).
func rid(i int32) RecordID {
	return RecordID{Page: 7, Slot: i - 1}
}

func insertRange(t *testing.T, f *BTreeFile, lo, hi int32) {
	t.Helper()
	for k := lo; k <= hi; k++ {
		require.NoError(t, f.Insert(k, rid(k)))
	}
}

// collect drains a scan into its keys, in the order returned.
func collect(t *testing.T, s *Scan) []int32 {
	t.Helper()
	var keys []int32
	for s.Next() {
		keys = append(keys, s.Key())
	}
	require.NoError(t, s.Err())
	return keys
}

func TestEmptyTree(t *testing.T) {
	_, f := openTestTree(t)

	s, err := f.OpenScan(nil, nil)
	require.NoError(t, err)
	require.False(t, s.Next())
	require.NoError(t, s.Err())

	err = f.Delete(5, RecordID{Page: 10, Slot: 0})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSingleEntry(t *testing.T) {
	_, f := openTestTree(t)
	target := RecordID{Page: 7, Slot: 0}
	require.NoError(t, f.Insert(42, target))

	s, err := f.OpenScan(nil, nil)
	require.NoError(t, err)
	require.True(t, s.Next())
	require.Equal(t, int32(42), s.Key())
	require.Equal(t, target, s.RID())
	require.False(t, s.Next())

	require.NoError(t, f.Delete(42, target))
	s, err = f.OpenScan(nil, nil)
	require.NoError(t, err)
	require.False(t, s.Next())
}

func TestSplitCascade(t *testing.T) {
	_, f := openTestTree(t)
	insertRange(t, f, 1, 200)

	checkInvariants(t, f)

	st, err := f.Stats()
	require.NoError(t, err)
	require.GreaterOrEqual(t, st.Height, 2)
	require.Equal(t, 200, st.LeafEntries)
}

func TestRedistributeOnDelete(t *testing.T) {
	_, f := openTestTree(t)
	insertRange(t, f, 1, 200)

	before, err := f.Stats()
	require.NoError(t, err)

	for k := int32(100); k <= 110; k++ {
		require.NoError(t, f.Delete(k, rid(k)))
		checkInvariants(t, f)
	}

	// The drained leaf borrows from its sibling each time: entry count
	// drops but no leaves merge away.
	after, err := f.Stats()
	require.NoError(t, err)
	require.Equal(t, before.LeafNodes, after.LeafNodes)
	require.Equal(t, 189, after.LeafEntries)
}

func TestMergeAndRootCollapse(t *testing.T) {
	_, f := openTestTree(t)
	insertRange(t, f, 1, 200)

	for k := int32(1); k <= 199; k++ {
		require.NoError(t, f.Delete(k, rid(k)))
	}
	checkInvariants(t, f)

	// The root has collapsed back to a single leaf holding (200, (7, 199)).
	g, err := f.pool.Acquire(f.root)
	require.NoError(t, err)
	require.Equal(t, sortedpage.Leaf, sortedpage.Type(g.Page))
	require.Equal(t, 1, sortedpage.NumSlots(g.Page))
	k, r := leafEntry(g.Page, 0)
	require.NoError(t, g.Release())
	require.Equal(t, int32(200), k)
	require.Equal(t, RecordID{Page: 7, Slot: 199}, r)

	st, err := f.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, st.Height)
}

func TestRangeScan(t *testing.T) {
	_, f := openTestTree(t)
	insertRange(t, f, 1, 20)

	low, high := int32(5), int32(12)
	s, err := f.OpenScan(&low, &high)
	require.NoError(t, err)
	require.Equal(t, []int32{5, 6, 7, 8, 9, 10, 11, 12}, collect(t, s))
}

func TestScanBoundsBeyondKeys(t *testing.T) {
	_, f := openTestTree(t)
	insertRange(t, f, 10, 30)

	low, high := int32(100), int32(200)
	s, err := f.OpenScan(&low, &high)
	require.NoError(t, err)
	require.Empty(t, collect(t, s))

	low, high = int32(25), int32(5)
	s, err = f.OpenScan(&low, &high)
	require.NoError(t, err)
	require.Empty(t, collect(t, s))
}

func TestInsertDeleteRoundTrip(t *testing.T) {
	_, f := openTestTree(t)
	insertRange(t, f, 1, 300)

	snapshot := func() []int32 {
		s, err := f.OpenScan(nil, nil)
		require.NoError(t, err)
		return collect(t, s)
	}
	before := snapshot()

	extra := RecordID{Page: 99, Slot: 1}
	require.NoError(t, f.Insert(150, extra))
	require.NoError(t, f.Delete(150, extra))

	require.Equal(t, before, snapshot())
	checkInvariants(t, f)
}

func TestScanCompleteness(t *testing.T) {
	_, f := openTestTree(t)
	rng := rand.New(rand.NewSource(1))

	keys := rng.Perm(1000)
	inserted := make(map[int32]bool)
	for _, k := range keys {
		key := int32(k * 3)
		require.NoError(t, f.Insert(key, rid(key)))
		inserted[key] = true
	}
	checkInvariants(t, f)

	low, high := int32(301), int32(2400)
	var want []int32
	for k := range inserted {
		if k >= low && k <= high {
			want = append(want, k)
		}
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	s, err := f.OpenScan(&low, &high)
	require.NoError(t, err)
	require.Equal(t, want, collect(t, s))
}

func TestDuplicateKeys(t *testing.T) {
	_, f := openTestTree(t)
	r1 := RecordID{Page: 1, Slot: 1}
	r2 := RecordID{Page: 2, Slot: 2}
	require.NoError(t, f.Insert(5, r1))
	require.NoError(t, f.Insert(5, r2))
	require.NoError(t, f.Insert(6, RecordID{Page: 3, Slot: 3}))

	// Entries are unique on (key, rid): each one deletes independently.
	require.NoError(t, f.Delete(5, r2))
	require.ErrorIs(t, f.Delete(5, r2), ErrNotFound)
	require.NoError(t, f.Delete(5, r1))
	require.NoError(t, f.Delete(6, RecordID{Page: 3, Slot: 3}))
}

func TestDestroy(t *testing.T) {
	pool, f := openTestTree(t)
	insertRange(t, f, 1, 500)
	pagesBefore := pool.PageCount()

	require.NoError(t, f.Destroy())

	// A fresh open on the same name starts empty and reuses freed pages.
	f2, err := Open(pool, "t")
	require.NoError(t, err)
	s, err := f2.OpenScan(nil, nil)
	require.NoError(t, err)
	require.False(t, s.Next())

	insertRange(t, f2, 1, 500)
	require.Equal(t, pagesBefore, pool.PageCount())
	checkInvariants(t, f2)
}

func TestInsertAfterDestroy(t *testing.T) {
	_, f := openTestTree(t)
	insertRange(t, f, 1, 10)
	require.NoError(t, f.Destroy())

	// The destroyed handle lazily recreates its root.
	require.NoError(t, f.Insert(1, rid(1)))
	s, err := f.OpenScan(nil, nil)
	require.NoError(t, err)
	require.Equal(t, []int32{1}, collect(t, s))
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.idx")

	pool, err := pager.Open(path, 16)
	require.NoError(t, err)
	f, err := Open(pool, "orders")
	require.NoError(t, err)
	insertRange(t, f, 1, 400)
	require.NoError(t, pool.Close())

	pool, err = pager.Open(path, 16)
	require.NoError(t, err)
	defer pool.Close()
	f, err = Open(pool, "orders")
	require.NoError(t, err)
	checkInvariants(t, f)

	s, err := f.OpenScan(nil, nil)
	require.NoError(t, err)
	keys := collect(t, s)
	require.Len(t, keys, 400)
	require.Equal(t, int32(1), keys[0])
	require.Equal(t, int32(400), keys[399])
}

func TestRandomWorkload(t *testing.T) {
	_, f := openTestTree(t)
	rng := rand.New(rand.NewSource(42))

	perm := rng.Perm(5000)
	live := make(map[int32]bool)
	for _, k := range perm {
		key := int32(k)
		require.NoError(t, f.Insert(key, rid(key)))
		live[key] = true
	}
	checkInvariants(t, f)

	deleted := 0
	for _, k := range rng.Perm(5000) {
		if deleted >= 4500 {
			break
		}
		key := int32(k)
		require.NoError(t, f.Delete(key, rid(key)))
		delete(live, key)
		deleted++
		if deleted%500 == 0 {
			checkInvariants(t, f)
		}
	}
	checkInvariants(t, f)

	var want []int32
	for k := range live {
		want = append(want, k)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	s, err := f.OpenScan(nil, nil)
	require.NoError(t, err)
	require.Equal(t, want, collect(t, s))
}

// TestTallTree drives the tree to three levels so index-node splits,
// redistributes, and merges all run below the root.
func TestTallTree(t *testing.T) {
	pool, err := pager.Open(filepath.Join(t.TempDir(), "tall.idx"), 128)
	require.NoError(t, err)
	defer pool.Close()
	f, err := Open(pool, "tall")
	require.NoError(t, err)

	const n = 6000
	insertRange(t, f, 1, n)
	st, err := f.Stats()
	require.NoError(t, err)
	require.GreaterOrEqual(t, st.Height, 3)
	checkInvariants(t, f)

	for k := int32(1); k <= n-1; k++ {
		require.NoError(t, f.Delete(k, rid(k)))
		if k%1000 == 0 {
			checkInvariants(t, f)
		}
	}
	checkInvariants(t, f)

	s, err := f.OpenScan(nil, nil)
	require.NoError(t, err)
	require.Equal(t, []int32{n}, collect(t, s))
}

func TestPrintAndDump(t *testing.T) {
	_, f := openTestTree(t)
	insertRange(t, f, 1, 100)

	var buf bytes.Buffer
	require.NoError(t, f.Print(&buf))
	require.Contains(t, buf.String(), "leaf node")

	buf.Reset()
	require.NoError(t, f.DumpStatistics(&buf))
	require.Contains(t, buf.String(), "height")

	buf.Reset()
	require.NoError(t, f.ExportDOT(&buf))
	require.Contains(t, buf.String(), "digraph btree")
}
