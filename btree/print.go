package btree

import (
	"fmt"
	"io"

	"github.com/btree-query-bench/btidx/pager"
	"github.com/btree-query-bench/btidx/sortedpage"
)

// Print writes a node-by-node dump of the whole tree, children before
// parents, to w.
func (f *BTreeFile) Print(w io.Writer) error {
	fmt.Fprintf(w, "-------- B+ tree %q --------\n", f.name)
	if f.root == pager.InvalidPage {
		fmt.Fprintln(w, "(empty)")
		return nil
	}
	return f.printTree(w, f.root)
}

func (f *BTreeFile) printTree(w io.Writer, pid pager.PageID) error {
	g, err := f.pool.Acquire(pid)
	if err != nil {
		return err
	}
	var children []pager.PageID
	if sortedpage.Type(g.Page) == sortedpage.Index {
		children = append(children, sortedpage.LeftLink(g.Page))
		for i := 0; i < sortedpage.NumSlots(g.Page); i++ {
			_, child := indexEntry(g.Page, i)
			children = append(children, child)
		}
	}
	if err := g.Release(); err != nil {
		return err
	}
	for _, child := range children {
		if err := f.printTree(w, child); err != nil {
			return err
		}
	}
	return f.printNode(w, pid)
}

func (f *BTreeFile) printNode(w io.Writer, pid pager.PageID) error {
	g, err := f.pool.Acquire(pid)
	if err != nil {
		return err
	}
	defer g.Release()

	n := sortedpage.NumSlots(g.Page)
	switch sortedpage.Type(g.Page) {
	case sortedpage.Index:
		fmt.Fprintf(w, "index node %d: left link %d\n", pid, sortedpage.LeftLink(g.Page))
		for i := 0; i < n; i++ {
			key, child := indexEntry(g.Page, i)
			fmt.Fprintf(w, "  key %d -> page %d\n", key, child)
		}
	case sortedpage.Leaf:
		fmt.Fprintf(w, "leaf node %d: prev %d next %d\n",
			pid, sortedpage.PrevPage(g.Page), sortedpage.NextPage(g.Page))
		for i := 0; i < n; i++ {
			key, rid := leafEntry(g.Page, i)
			fmt.Fprintf(w, "  key %d -> record (%d, %d)\n", key, rid.Page, rid.Slot)
		}
	default:
		return fmt.Errorf("btree: print: page %d has unknown type %d", pid, sortedpage.Type(g.Page))
	}
	fmt.Fprintf(w, "  (%d entries)\n", n)
	return nil
}

// ExportDOT writes a Graphviz rendering of the tree: index nodes on
// top, leaves on one rank chained by dashed next-links, each node
// labeled with its fill factor.
func (f *BTreeFile) ExportDOT(w io.Writer) error {
	fmt.Fprintln(w, "digraph btree {")
	fmt.Fprintln(w, "  graph [ranksep=0.8, nodesep=0.5, rankdir=TB];")
	fmt.Fprintln(w, "  node [shape=record, fontname=\"Helvetica\", fontsize=10];")
	fmt.Fprintln(w, "  edge [arrowsize=0.8];")

	var leaves []pager.PageID
	if f.root != pager.InvalidPage {
		if err := f.exportNode(w, f.root, &leaves); err != nil {
			return err
		}
	}

	if len(leaves) > 1 {
		fmt.Fprintln(w, "  { rank=same;")
		for _, id := range leaves {
			fmt.Fprintf(w, "    n%d;\n", id)
		}
		fmt.Fprintln(w, "  }")
		for i := 0; i+1 < len(leaves); i++ {
			fmt.Fprintf(w, "  n%d -> n%d [style=dashed, constraint=false];\n", leaves[i], leaves[i+1])
		}
	}

	fmt.Fprintln(w, "}")
	return nil
}

func (f *BTreeFile) exportNode(w io.Writer, pid pager.PageID, leaves *[]pager.PageID) error {
	g, err := f.pool.Acquire(pid)
	if err != nil {
		return err
	}

	n := sortedpage.NumSlots(g.Page)
	fill := 100 * (1 - float64(sortedpage.AvailableSpace(g.Page))/float64(sortedpage.DataAreaSize))

	if sortedpage.Type(g.Page) == sortedpage.Leaf {
		fmt.Fprintf(w, "  n%d [label=\"leaf %d (%.0f%%)", pid, pid, fill)
		for i := 0; i < n; i++ {
			key, _ := leafEntry(g.Page, i)
			fmt.Fprintf(w, "|%d", key)
		}
		fmt.Fprintln(w, "\"];")
		*leaves = append(*leaves, pid)
		return g.Release()
	}

	children := []pager.PageID{sortedpage.LeftLink(g.Page)}
	fmt.Fprintf(w, "  n%d [label=\"index %d (%.0f%%)", pid, pid, fill)
	for i := 0; i < n; i++ {
		key, child := indexEntry(g.Page, i)
		fmt.Fprintf(w, "|%d", key)
		children = append(children, child)
	}
	fmt.Fprintln(w, "\"];")
	if err := g.Release(); err != nil {
		return err
	}

	for _, child := range children {
		fmt.Fprintf(w, "  n%d -> n%d;\n", pid, child)
		if err := f.exportNode(w, child, leaves); err != nil {
			return err
		}
	}
	return nil
}
