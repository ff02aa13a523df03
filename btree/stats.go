package btree

import (
	"fmt"
	"io"

	"github.com/btree-query-bench/btidx/pager"
	"github.com/btree-query-bench/btidx/sortedpage"
)

// Stats summarizes the tree's shape: node and entry counts, fill
// factors per node kind, and the height in levels (1 for a lone leaf
// root, 0 for an empty tree).
type Stats struct {
	LeafNodes    int
	IndexNodes   int
	LeafEntries  int
	IndexEntries int

	LeafFillMean float64
	LeafFillMin  float64
	LeafFillMax  float64

	IndexFillMean float64
	IndexFillMin  float64
	IndexFillMax  float64

	Height int
}

type fillAcc struct {
	nodes   int
	entries int
	sum     float64
	min     float64
	max     float64
}

func (a *fillAcc) add(p *pager.Page) {
	fill := 1 - float64(sortedpage.AvailableSpace(p))/float64(sortedpage.DataAreaSize)
	if a.nodes == 0 {
		a.min, a.max = fill, fill
	} else {
		if fill < a.min {
			a.min = fill
		}
		if fill > a.max {
			a.max = fill
		}
	}
	a.nodes++
	a.entries += sortedpage.NumSlots(p)
	a.sum += fill
}

// Stats walks the index nodes from the root and the leaves along their
// sibling chain.
func (f *BTreeFile) Stats() (Stats, error) {
	var st Stats
	if f.root == pager.InvalidPage {
		return st, nil
	}

	var leaves, indexes fillAcc
	height, err := f.statsIndex(f.root, &indexes)
	if err != nil {
		return st, err
	}
	st.Height = height

	pid, _, _, err := f.leftmostLeaf()
	if err != nil {
		return st, err
	}
	for pid != pager.InvalidPage {
		g, err := f.pool.Acquire(pid)
		if err != nil {
			return st, err
		}
		leaves.add(g.Page)
		pid = sortedpage.NextPage(g.Page)
		if err := g.Release(); err != nil {
			return st, err
		}
	}

	st.LeafNodes = leaves.nodes
	st.LeafEntries = leaves.entries
	st.LeafFillMin = leaves.min
	st.LeafFillMax = leaves.max
	if leaves.nodes > 0 {
		st.LeafFillMean = leaves.sum / float64(leaves.nodes)
	}
	st.IndexNodes = indexes.nodes
	st.IndexEntries = indexes.entries
	st.IndexFillMin = indexes.min
	st.IndexFillMax = indexes.max
	if indexes.nodes > 0 {
		st.IndexFillMean = indexes.sum / float64(indexes.nodes)
	}
	return st, nil
}

// statsIndex accumulates index-node fill below pid and returns the
// subtree height.
func (f *BTreeFile) statsIndex(pid pager.PageID, acc *fillAcc) (int, error) {
	g, err := f.pool.Acquire(pid)
	if err != nil {
		return 0, err
	}
	if sortedpage.Type(g.Page) == sortedpage.Leaf {
		return 1, g.Release()
	}
	acc.add(g.Page)
	left := sortedpage.LeftLink(g.Page)
	if err := g.Release(); err != nil {
		return 0, err
	}
	below, err := f.statsIndex(left, acc)
	if err != nil {
		return 0, err
	}

	// Siblings of the left-link are at the same depth; only their fill
	// is accumulated.
	g, err = f.pool.Acquire(pid)
	if err != nil {
		return 0, err
	}
	var children []pager.PageID
	for i := 0; i < sortedpage.NumSlots(g.Page); i++ {
		_, child := indexEntry(g.Page, i)
		children = append(children, child)
	}
	if err := g.Release(); err != nil {
		return 0, err
	}
	for _, child := range children {
		if _, err := f.statsIndex(child, acc); err != nil {
			return 0, err
		}
	}
	return below + 1, nil
}

// DumpStatistics writes the Stats summary in readable form.
func (f *BTreeFile) DumpStatistics(w io.Writer) error {
	st, err := f.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "-------- statistics for %q --------\n", f.name)
	fmt.Fprintf(w, "leaf nodes:    %d (%d entries)\n", st.LeafNodes, st.LeafEntries)
	fmt.Fprintf(w, "index nodes:   %d (%d entries)\n", st.IndexNodes, st.IndexEntries)
	if st.LeafNodes > 0 {
		fmt.Fprintf(w, "leaf fill:     mean %.2f min %.2f max %.2f\n",
			st.LeafFillMean, st.LeafFillMin, st.LeafFillMax)
	}
	if st.IndexNodes > 0 {
		fmt.Fprintf(w, "index fill:    mean %.2f min %.2f max %.2f\n",
			st.IndexFillMean, st.IndexFillMin, st.IndexFillMax)
	}
	fmt.Fprintf(w, "height:        %d\n", st.Height)
	return nil
}
