package btree

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/btidx/pager"
	"github.com/btree-query-bench/btidx/sortedpage"
)

// checkInvariants walks the whole tree and verifies the structural
// invariants: sorted separators, half-full non-root nodes, separator
// bounds on every subtree, equal leaf depth, a consistent doubly linked
// leaf chain, and findLeafFor agreement for every stored key.
func checkInvariants(t *testing.T, f *BTreeFile) {
	t.Helper()
	if f.root == pager.InvalidPage {
		return
	}

	var inOrderLeaves []pager.PageID
	var keys []int32
	leafDepth := -1

	var walk func(pid pager.PageID, low, high int64, depth int)
	walk = func(pid pager.PageID, low, high int64, depth int) {
		g, err := f.pool.Acquire(pid)
		require.NoError(t, err)
		defer g.Release()

		n := sortedpage.NumSlots(g.Page)
		isRoot := pid == f.root

		switch sortedpage.Type(g.Page) {
		case sortedpage.Leaf:
			if leafDepth == -1 {
				leafDepth = depth
			}
			require.Equal(t, leafDepth, depth, "leaf %d at wrong depth", pid)
			if !isRoot {
				require.True(t, leafIsAtLeastHalfFull(g.Page), "leaf %d below half full", pid)
			}
			prev := low
			for i := 0; i < n; i++ {
				k, _ := leafEntry(g.Page, i)
				require.GreaterOrEqual(t, int64(k), prev, "leaf %d unsorted or out of bounds", pid)
				require.Less(t, int64(k), high, "leaf %d key above separator", pid)
				prev = int64(k)
				keys = append(keys, k)
			}
			inOrderLeaves = append(inOrderLeaves, pid)

		case sortedpage.Index:
			require.Greater(t, n, 0, "index node %d has no entries", pid)
			if !isRoot {
				require.True(t, indexIsAtLeastHalfFull(g.Page), "index node %d below half full", pid)
			}
			require.NotEqual(t, pager.InvalidPage, sortedpage.LeftLink(g.Page),
				"index node %d has no left link", pid)

			bounds := []int64{low}
			children := []pager.PageID{sortedpage.LeftLink(g.Page)}
			for i := 0; i < n; i++ {
				k, child := indexEntry(g.Page, i)
				require.Greater(t, int64(k), bounds[len(bounds)-1],
					"index node %d separators unsorted", pid)
				bounds = append(bounds, int64(k))
				children = append(children, child)
			}
			bounds = append(bounds, high)
			for i, child := range children {
				walk(child, bounds[i], bounds[i+1], depth+1)
			}

		default:
			t.Fatalf("page %d has unknown node type %d", pid, sortedpage.Type(g.Page))
		}
	}
	walk(f.root, math.MinInt64, math.MaxInt64, 0)

	checkLeafChain(t, f, inOrderLeaves)

	for _, k := range keys {
		pid, err := f.findLeafFor(k)
		require.NoError(t, err)
		require.True(t, leafContains(t, f, pid, k), "findLeafFor(%d) returned leaf %d without it", k, pid)
	}
}

// checkLeafChain verifies that the sibling links enumerate exactly the
// leaves the tree walk saw, in order, with consistent back links.
func checkLeafChain(t *testing.T, f *BTreeFile, inOrder []pager.PageID) {
	t.Helper()
	var chain []pager.PageID
	prev := pager.InvalidPage
	pid, _, _, err := f.leftmostLeaf()
	require.NoError(t, err)
	for pid != pager.InvalidPage {
		g, err := f.pool.Acquire(pid)
		require.NoError(t, err)
		require.Equal(t, prev, sortedpage.PrevPage(g.Page), "leaf %d has wrong prev link", pid)
		chain = append(chain, pid)
		prev = pid
		pid = sortedpage.NextPage(g.Page)
		require.NoError(t, g.Release())
	}
	require.Equal(t, inOrder, chain, "leaf chain disagrees with tree order")
}

func leafContains(t *testing.T, f *BTreeFile, pid pager.PageID, key int32) bool {
	t.Helper()
	g, err := f.pool.Acquire(pid)
	require.NoError(t, err)
	defer g.Release()
	n := sortedpage.NumSlots(g.Page)
	slot := leafSearch(g.Page, key, n)
	return slot < n && sortedpage.Key(g.Page, slot) == key
}
