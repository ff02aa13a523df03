package btree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btree-query-bench/btidx/pager"
	"github.com/btree-query-bench/btidx/sortedpage"
)

// BTreeFile is one B+ tree index persisted under a logical file name.
// The catalog stores the root page ID; everything else hangs off it.
type BTreeFile struct {
	pool *pager.Pool
	name string
	root pager.PageID
}

// Open adopts the index registered under name, or creates a fresh one
// (an empty leaf root) and registers it.
func Open(pool *pager.Pool, name string) (*BTreeFile, error) {
	f := &BTreeFile{pool: pool, name: name}
	pid, err := pool.GetFileEntry(name)
	switch {
	case err == nil:
		f.root = pid
		return f, nil
	case errors.Is(err, pager.ErrNoSuchEntry):
		root, err := f.newNode(sortedpage.Leaf)
		if err != nil {
			return nil, err
		}
		if err := pool.AddFileEntry(name, root); err != nil {
			return nil, err
		}
		f.root = root
		return f, nil
	default:
		return nil, err
	}
}

// newNode allocates and initializes an empty node of the given kind.
func (f *BTreeFile) newNode(t sortedpage.NodeType) (pager.PageID, error) {
	g, err := f.pool.AcquireNew()
	if err != nil {
		return pager.InvalidPage, err
	}
	defer g.Release()
	sortedpage.Init(g.Page)
	sortedpage.SetType(g.Page, t)
	return g.ID, nil
}

// setRoot moves the root and keeps the catalog entry in step so a
// reopen adopts the current root.
func (f *BTreeFile) setRoot(pid pager.PageID) error {
	f.root = pid
	return f.pool.SetFileEntry(f.name, pid)
}

// ─── Insert ───────────────────────────────────────────────────────────────────

// promoted is the separator a split hands to its parent.
type promoted struct {
	key   int32
	right pager.PageID
}

// Insert adds an index entry for (key, rid).
func (f *BTreeFile) Insert(key int32, rid RecordID) error {
	if f.root == pager.InvalidPage {
		// The file was destroyed; recreate the root lazily.
		root, err := f.newNode(sortedpage.Leaf)
		if err != nil {
			return err
		}
		if err := f.pool.AddFileEntry(f.name, root); err != nil {
			return err
		}
		f.root = root
	}

	promo, err := f.insertAt(f.root, key, rid)
	if err != nil {
		return err
	}
	if promo == nil {
		return nil
	}

	// The root split: hang the old root off a new index root's
	// left-link and store the promoted separator.
	g, err := f.pool.AcquireNew()
	if err != nil {
		return err
	}
	defer g.Release()
	sortedpage.Init(g.Page)
	sortedpage.SetType(g.Page, sortedpage.Index)
	sortedpage.SetLeftLink(g.Page, f.root)
	if _, err := indexInsert(g.Page, promo.key, promo.right); err != nil {
		return err
	}
	return f.setRoot(g.ID)
}

// insertAt recursively inserts below pid. A nil promoted means the
// subtree absorbed the entry; otherwise the caller must store the
// promoted separator or split in turn.
func (f *BTreeFile) insertAt(pid pager.PageID, key int32, rid RecordID) (*promoted, error) {
	g, err := f.pool.Acquire(pid)
	if err != nil {
		return nil, err
	}

	if sortedpage.Type(g.Page) == sortedpage.Index {
		child := findPageWithKey(g.Page, key)
		// Drop the parent pin across the recursion; re-pin on return.
		if err := g.Release(); err != nil {
			return nil, err
		}
		promo, err := f.insertAt(child, key, rid)
		if err != nil || promo == nil {
			return nil, err
		}

		g, err = f.pool.Acquire(pid)
		if err != nil {
			return nil, err
		}
		defer g.Release()
		if sortedpage.AvailableSpace(g.Page) >= indexEntrySize {
			if _, err := indexInsert(g.Page, promo.key, promo.right); err != nil {
				return nil, err
			}
			g.MarkDirty()
			return nil, nil
		}

		ng, err := f.pool.AcquireNew()
		if err != nil {
			return nil, err
		}
		defer ng.Release()
		sortedpage.Init(ng.Page)
		sortedpage.SetType(ng.Page, sortedpage.Index)
		upKey, err := splitIndex(g.Page, ng.Page, promo.key, promo.right)
		if err != nil {
			return nil, err
		}
		g.MarkDirty()
		return &promoted{key: upKey, right: ng.ID}, nil
	}

	// Leaf.
	defer g.Release()
	if sortedpage.AvailableSpace(g.Page) >= leafEntrySize {
		if _, err := leafInsert(g.Page, key, rid); err != nil {
			return nil, err
		}
		g.MarkDirty()
		return nil, nil
	}
	return f.splitLeaf(g, key, rid)
}

// splitLeaf splits the full leaf held by g, placing (key, rid) on the
// side it sorts into, and stitches the sibling links. The promoted
// separator is the new right leaf's first key.
func (f *BTreeFile) splitLeaf(g *pager.Pinned, key int32, rid RecordID) (*promoted, error) {
	ng, err := f.pool.AcquireNew()
	if err != nil {
		return nil, err
	}
	defer ng.Release()
	sortedpage.Init(ng.Page)
	sortedpage.SetType(ng.Page, sortedpage.Leaf)

	if err := balanceSplit(g.Page, ng.Page, encodeLeafEntry(key, rid), 0); err != nil {
		return nil, err
	}
	g.MarkDirty()

	oldNext := sortedpage.NextPage(g.Page)
	sortedpage.SetNextPage(g.Page, ng.ID)
	sortedpage.SetPrevPage(ng.Page, g.ID)
	sortedpage.SetNextPage(ng.Page, oldNext)
	if oldNext != pager.InvalidPage {
		sg, err := f.pool.Acquire(oldNext)
		if err != nil {
			return nil, err
		}
		sortedpage.SetPrevPage(sg.Page, ng.ID)
		sg.MarkDirty()
		if err := sg.Release(); err != nil {
			return nil, err
		}
	}

	return &promoted{key: sortedpage.Key(ng.Page, 0), right: ng.ID}, nil
}

// splitIndex splits a full index page around the incoming (key, child)
// entry. The separator handed up is the first entry of the new page
// after balancing; it is removed from the page and its child becomes
// the new page's left-link.
func splitIndex(old, new *pager.Page, key int32, child pager.PageID) (int32, error) {
	// Balance with one entry reserved on the new side: extracting the
	// promoted separator below must not drop the new node under half
	// full.
	if err := balanceSplit(old, new, encodeIndexEntry(key, child), indexEntrySize); err != nil {
		return 0, err
	}
	upKey, upChild := indexEntry(new, 0)
	sortedpage.SetLeftLink(new, upChild)
	if err := sortedpage.DeleteRecord(new, 0); err != nil {
		return 0, err
	}
	return upKey, nil
}

// balanceSplit moves every record from old to new, then moves records
// back in ascending order until old's free space no longer exceeds
// new's by more than reserve. The incoming record is inserted into old
// at the moment it sorts there; if balance is reached first it lands
// in new.
func balanceSplit(old, new *pager.Page, incoming []byte, reserve int) error {
	var rec [leafEntrySize]byte
	size := sortedpage.RecordSize(old)

	for sortedpage.NumSlots(old) > 0 {
		copy(rec[:size], sortedpage.Record(old, 0))
		if _, err := sortedpage.InsertRecord(new, rec[:size]); err != nil {
			return err
		}
		if err := sortedpage.DeleteRecord(old, 0); err != nil {
			return err
		}
	}

	inKey := keyOf(incoming)
	inserted := false
	for sortedpage.AvailableSpace(old) > sortedpage.AvailableSpace(new)+reserve {
		if !inserted && inKey < sortedpage.Key(new, 0) {
			if _, err := sortedpage.InsertRecord(old, incoming); err != nil {
				return err
			}
			inserted = true
			continue
		}
		copy(rec[:size], sortedpage.Record(new, 0))
		if _, err := sortedpage.InsertRecord(old, rec[:size]); err != nil {
			return err
		}
		if err := sortedpage.DeleteRecord(new, 0); err != nil {
			return err
		}
	}
	if !inserted {
		if _, err := sortedpage.InsertRecord(new, incoming); err != nil {
			return err
		}
	}
	return nil
}

// ─── Delete ───────────────────────────────────────────────────────────────────

type outcomeKind int

const (
	outcomeClean outcomeKind = iota
	outcomeRedistribute
	outcomeMerge
)

// outcome reports how a child resolved an underflow. A redistribute
// carries the separator to drop and the (newKey, newChild) pair that
// replaces it; a merge carries only the separator to drop.
type outcome struct {
	kind     outcomeKind
	dropKey  int32
	newKey   int32
	newChild pager.PageID
}

var clean = outcome{kind: outcomeClean}

// Delete removes the index entry matching (key, rid) exactly.
func (f *BTreeFile) Delete(key int32, rid RecordID) error {
	if f.root == pager.InvalidPage {
		return fmt.Errorf("btree: delete from destroyed index: %w", ErrNotFound)
	}

	g, err := f.pool.Acquire(f.root)
	if err != nil {
		return err
	}

	if sortedpage.Type(g.Page) == sortedpage.Leaf {
		defer g.Release()
		if err := leafDelete(g.Page, key, rid); err != nil {
			return err
		}
		g.MarkDirty()
		return nil
	}

	ref := findPageWithKeys(g.Page, key)
	if err := g.Release(); err != nil {
		return err
	}
	out, err := f.deleteAt(key, rid, ref)
	if err != nil {
		return err
	}
	if out.kind == outcomeClean {
		return nil
	}

	g, err = f.pool.Acquire(f.root)
	if err != nil {
		return err
	}
	defer g.Release()
	if err := indexDelete(g.Page, out.dropKey); err != nil {
		return err
	}
	g.MarkDirty()
	if out.kind == outcomeRedistribute {
		_, err := indexInsert(g.Page, out.newKey, out.newChild)
		return err
	}

	// Merge at the top: the root itself is exempt from the half-full
	// rule, but an emptied index root collapses onto its left-link.
	if sortedpage.NumSlots(g.Page) == 0 {
		oldRoot := g.ID
		newRoot := sortedpage.LeftLink(g.Page)
		if err := g.Release(); err != nil {
			return err
		}
		if err := f.pool.FreePage(oldRoot); err != nil {
			return err
		}
		return f.setRoot(newRoot)
	}
	return nil
}

// deleteAt deletes below ref.cur and resolves any underflow against the
// siblings named in ref, reporting the resulting separator change to
// the caller.
func (f *BTreeFile) deleteAt(key int32, rid RecordID, ref childRef) (outcome, error) {
	g, err := f.pool.Acquire(ref.cur)
	if err != nil {
		return clean, err
	}

	if sortedpage.Type(g.Page) == sortedpage.Index {
		sub := findPageWithKeys(g.Page, key)
		if err := g.Release(); err != nil {
			return clean, err
		}
		childOut, err := f.deleteAt(key, rid, sub)
		if err != nil {
			return clean, err
		}

		g, err = f.pool.Acquire(ref.cur)
		if err != nil {
			return clean, err
		}
		defer g.Release()
		switch childOut.kind {
		case outcomeClean:
			return clean, nil
		case outcomeRedistribute:
			if err := indexDelete(g.Page, childOut.dropKey); err != nil {
				return clean, err
			}
			if _, err := indexInsert(g.Page, childOut.newKey, childOut.newChild); err != nil {
				return clean, err
			}
			g.MarkDirty()
			return clean, nil
		default:
			if err := indexDelete(g.Page, childOut.dropKey); err != nil {
				return clean, err
			}
			g.MarkDirty()
			if indexIsAtLeastHalfFull(g.Page) {
				return clean, nil
			}
			return f.fixIndexUnderflow(g, ref)
		}
	}

	defer g.Release()
	if err := leafDelete(g.Page, key, rid); err != nil {
		return clean, err
	}
	g.MarkDirty()
	if leafIsAtLeastHalfFull(g.Page) {
		return clean, nil
	}
	return f.fixLeafUnderflow(g, ref)
}

// fixLeafUnderflow repairs the underflowing leaf held by g: borrow from
// the previous sibling, else from the next, else merge. Sibling order
// and the reported separators follow the parent's view in ref.
func (f *BTreeFile) fixLeafUnderflow(g *pager.Pinned, ref childRef) (outcome, error) {
	if ref.prev != pager.InvalidPage {
		pg, err := f.pool.Acquire(ref.prev)
		if err != nil {
			return clean, err
		}
		if leafIsHalfFullAfterDelete(pg.Page) {
			last := sortedpage.NumSlots(pg.Page) - 1
			k, r := leafEntry(pg.Page, last)
			if err := sortedpage.DeleteRecord(pg.Page, last); err != nil {
				pg.Release()
				return clean, err
			}
			pg.MarkDirty()
			if err := pg.Release(); err != nil {
				return clean, err
			}
			if _, err := leafInsert(g.Page, k, r); err != nil {
				return clean, err
			}
			return outcome{
				kind:     outcomeRedistribute,
				dropKey:  ref.curKey,
				newKey:   sortedpage.Key(g.Page, 0),
				newChild: ref.cur,
			}, nil
		}
		if err := pg.Release(); err != nil {
			return clean, err
		}
	}

	if ref.next != pager.InvalidPage {
		ng, err := f.pool.Acquire(ref.next)
		if err != nil {
			return clean, err
		}
		defer ng.Release()
		if leafIsHalfFullAfterDelete(ng.Page) {
			k, r := leafEntry(ng.Page, 0)
			if err := sortedpage.DeleteRecord(ng.Page, 0); err != nil {
				return clean, err
			}
			ng.MarkDirty()
			if _, err := leafInsert(g.Page, k, r); err != nil {
				return clean, err
			}
			return outcome{
				kind:     outcomeRedistribute,
				dropKey:  ref.nextKey,
				newKey:   sortedpage.Key(ng.Page, 0),
				newChild: ref.next,
			}, nil
		}

		// Merge the next sibling into this leaf.
		if err := moveAllRecords(ng.Page, g.Page); err != nil {
			return clean, err
		}
		ng.MarkDirty()
		if err := f.unlinkAfter(g, sortedpage.NextPage(ng.Page)); err != nil {
			return clean, err
		}
		return outcome{kind: outcomeMerge, dropKey: ref.nextKey}, nil
	}

	// Rightmost leaf: merge this leaf into the previous sibling.
	pg, err := f.pool.Acquire(ref.prev)
	if err != nil {
		return clean, err
	}
	defer pg.Release()
	if err := moveAllRecords(g.Page, pg.Page); err != nil {
		return clean, err
	}
	if err := f.unlinkAfter(pg, sortedpage.NextPage(g.Page)); err != nil {
		return clean, err
	}
	return outcome{kind: outcomeMerge, dropKey: ref.curKey}, nil
}

// fixIndexUnderflow is the index-node counterpart: entries rotate
// through the parent separator and the left-link moves with them.
func (f *BTreeFile) fixIndexUnderflow(g *pager.Pinned, ref childRef) (outcome, error) {
	if ref.prev != pager.InvalidPage {
		pg, err := f.pool.Acquire(ref.prev)
		if err != nil {
			return clean, err
		}
		if indexIsHalfFullAfterDelete(pg.Page) {
			last := sortedpage.NumSlots(pg.Page) - 1
			sepP, pidP := indexEntry(pg.Page, last)
			if err := sortedpage.DeleteRecord(pg.Page, last); err != nil {
				pg.Release()
				return clean, err
			}
			pg.MarkDirty()
			if err := pg.Release(); err != nil {
				return clean, err
			}
			if _, err := indexInsert(g.Page, ref.curKey, sortedpage.LeftLink(g.Page)); err != nil {
				return clean, err
			}
			sortedpage.SetLeftLink(g.Page, pidP)
			return outcome{
				kind:     outcomeRedistribute,
				dropKey:  ref.curKey,
				newKey:   sepP,
				newChild: ref.cur,
			}, nil
		}
		if err := pg.Release(); err != nil {
			return clean, err
		}
	}

	if ref.next != pager.InvalidPage {
		ng, err := f.pool.Acquire(ref.next)
		if err != nil {
			return clean, err
		}
		defer ng.Release()
		if indexIsHalfFullAfterDelete(ng.Page) {
			sepN, pidN := indexEntry(ng.Page, 0)
			if err := sortedpage.DeleteRecord(ng.Page, 0); err != nil {
				return clean, err
			}
			if _, err := indexInsert(g.Page, ref.nextKey, sortedpage.LeftLink(ng.Page)); err != nil {
				return clean, err
			}
			sortedpage.SetLeftLink(ng.Page, pidN)
			ng.MarkDirty()
			return outcome{
				kind:     outcomeRedistribute,
				dropKey:  ref.nextKey,
				newKey:   sepN,
				newChild: ref.next,
			}, nil
		}

		// Merge the next sibling in, joined by its parent separator.
		if _, err := indexInsert(g.Page, ref.nextKey, sortedpage.LeftLink(ng.Page)); err != nil {
			return clean, err
		}
		if err := moveAllRecords(ng.Page, g.Page); err != nil {
			return clean, err
		}
		ng.MarkDirty()
		return outcome{kind: outcomeMerge, dropKey: ref.nextKey}, nil
	}

	// Rightmost child: merge this node into the previous sibling.
	pg, err := f.pool.Acquire(ref.prev)
	if err != nil {
		return clean, err
	}
	defer pg.Release()
	if _, err := indexInsert(pg.Page, ref.curKey, sortedpage.LeftLink(g.Page)); err != nil {
		return clean, err
	}
	if err := moveAllRecords(g.Page, pg.Page); err != nil {
		return clean, err
	}
	pg.MarkDirty()
	return outcome{kind: outcomeMerge, dropKey: ref.curKey}, nil
}

func keyOf(rec []byte) int32 {
	return int32(binary.LittleEndian.Uint32(rec[:4]))
}

// moveAllRecords drains src into dst in ascending order. Both pages end
// dirty at the caller.
func moveAllRecords(src, dst *pager.Page) error {
	var rec [leafEntrySize]byte
	size := sortedpage.RecordSize(src)
	for sortedpage.NumSlots(src) > 0 {
		copy(rec[:size], sortedpage.Record(src, 0))
		if _, err := sortedpage.InsertRecord(dst, rec[:size]); err != nil {
			return err
		}
		if err := sortedpage.DeleteRecord(src, 0); err != nil {
			return err
		}
	}
	return nil
}

// unlinkAfter makes newNext the successor of the leaf held by g and
// repairs newNext's back link.
func (f *BTreeFile) unlinkAfter(g *pager.Pinned, newNext pager.PageID) error {
	sortedpage.SetNextPage(g.Page, newNext)
	g.MarkDirty()
	if newNext == pager.InvalidPage {
		return nil
	}
	sg, err := f.pool.Acquire(newNext)
	if err != nil {
		return err
	}
	sortedpage.SetPrevPage(sg.Page, g.ID)
	sg.MarkDirty()
	return sg.Release()
}

// ─── Destroy ──────────────────────────────────────────────────────────────────

// Destroy frees every page reachable from the root and removes the
// catalog entry. A later Insert or Open recreates an empty index.
func (f *BTreeFile) Destroy() error {
	if f.root != pager.InvalidPage {
		if err := f.destroyRec(f.root); err != nil {
			return err
		}
		f.root = pager.InvalidPage
	}
	return f.pool.DeleteFileEntry(f.name)
}

// destroyRec frees the subtree under pid in postorder.
func (f *BTreeFile) destroyRec(pid pager.PageID) error {
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
		if err := f.destroyRec(child); err != nil {
			return err
		}
	}
	return f.pool.FreePage(pid)
}

// ─── Lookup helpers ───────────────────────────────────────────────────────────

// findLeafFor descends from the root to the leaf that would hold key.
func (f *BTreeFile) findLeafFor(key int32) (pager.PageID, error) {
	pid := f.root
	for pid != pager.InvalidPage {
		g, err := f.pool.Acquire(pid)
		if err != nil {
			return pager.InvalidPage, err
		}
		if sortedpage.Type(g.Page) == sortedpage.Leaf {
			g.Release()
			return pid, nil
		}
		next := findPageWithKey(g.Page, key)
		if err := g.Release(); err != nil {
			return pager.InvalidPage, err
		}
		pid = next
	}
	return pager.InvalidPage, nil
}

// leftmostLeaf follows left-links down to the first leaf and reports
// its first key; ok is false when the tree holds no entries.
func (f *BTreeFile) leftmostLeaf() (pager.PageID, int32, bool, error) {
	pid := f.root
	if pid == pager.InvalidPage {
		return pager.InvalidPage, 0, false, nil
	}
	for {
		g, err := f.pool.Acquire(pid)
		if err != nil {
			return pager.InvalidPage, 0, false, err
		}
		if sortedpage.Type(g.Page) == sortedpage.Leaf {
			defer g.Release()
			if sortedpage.NumSlots(g.Page) == 0 {
				return pid, 0, false, nil
			}
			key, _ := leafEntry(g.Page, 0)
			return pid, key, true, nil
		}
		next := sortedpage.LeftLink(g.Page)
		if err := g.Release(); err != nil {
			return pager.InvalidPage, 0, false, err
		}
		pid = next
	}
}

// rightmostLeaf follows last children down to the last leaf and reports
// its last key.
func (f *BTreeFile) rightmostLeaf() (pager.PageID, int32, bool, error) {
	pid := f.root
	if pid == pager.InvalidPage {
		return pager.InvalidPage, 0, false, nil
	}
	for {
		g, err := f.pool.Acquire(pid)
		if err != nil {
			return pager.InvalidPage, 0, false, err
		}
		if sortedpage.Type(g.Page) == sortedpage.Leaf {
			defer g.Release()
			n := sortedpage.NumSlots(g.Page)
			if n == 0 {
				return pid, 0, false, nil
			}
			key, _ := leafEntry(g.Page, n-1)
			return pid, key, true, nil
		}
		_, next := indexEntry(g.Page, sortedpage.NumSlots(g.Page)-1)
		if err := g.Release(); err != nil {
			return pager.InvalidPage, 0, false, err
		}
		pid = next
	}
}
