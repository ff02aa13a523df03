package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/btree-query-bench/btidx/pager"
	"github.com/btree-query-bench/btidx/sortedpage"
)

// Index entry on disk: separator key(4) + right-child page(4). The
// child covering keys below the first separator hangs off the page's
// left-link header field.
const indexEntrySize = 8

func encodeIndexEntry(key int32, child pager.PageID) []byte {
	var rec [indexEntrySize]byte
	binary.LittleEndian.PutUint32(rec[0:], uint32(key))
	binary.LittleEndian.PutUint32(rec[4:], uint32(child))
	return rec[:]
}

func indexEntry(p *pager.Page, slot int) (int32, pager.PageID) {
	rec := sortedpage.Record(p, slot)
	key := int32(binary.LittleEndian.Uint32(rec[0:]))
	child := pager.PageID(int32(binary.LittleEndian.Uint32(rec[4:])))
	return key, child
}

func indexInsert(p *pager.Page, key int32, child pager.PageID) (int, error) {
	return sortedpage.InsertRecord(p, encodeIndexEntry(key, child))
}

// indexDelete removes the entry holding the given separator key.
func indexDelete(p *pager.Page, key int32) error {
	n := sortedpage.NumSlots(p)
	slot := leafSearch(p, key, n)
	if slot >= n || sortedpage.Key(p, slot) != key {
		return fmt.Errorf("btree: delete separator %d: %w", key, ErrNotFound)
	}
	return sortedpage.DeleteRecord(p, slot)
}

// findPageWithKey locates the child covering q: the right-child of the
// greatest separator not exceeding q, or the left-link when every
// separator exceeds q.
func findPageWithKey(p *pager.Page, q int32) pager.PageID {
	n := sortedpage.NumSlots(p)
	idx := childIndex(p, q, n)
	if idx == 0 {
		return sortedpage.LeftLink(p)
	}
	_, child := indexEntry(p, idx-1)
	return child
}

// childRef describes the child covering a search key inside one index
// node, together with its immediate siblings and the separators that
// bind them in this node. curKey is meaningful only when the covering
// child is not the left-link; next is InvalidPage for the last child.
type childRef struct {
	cur     pager.PageID
	prev    pager.PageID
	next    pager.PageID
	curKey  int32
	nextKey int32
	hasCur  bool
	hasNext bool
}

// findPageWithKeys is findPageWithKey plus the sibling information the
// delete protocol needs to pick a redistribute or merge partner.
func findPageWithKeys(p *pager.Page, q int32) childRef {
	n := sortedpage.NumSlots(p)
	idx := childIndex(p, q, n)
	var ref childRef
	if idx == 0 {
		ref.cur = sortedpage.LeftLink(p)
		ref.prev = pager.InvalidPage
	} else {
		ref.curKey, ref.cur = indexEntry(p, idx-1)
		ref.hasCur = true
		if idx == 1 {
			ref.prev = sortedpage.LeftLink(p)
		} else {
			_, ref.prev = indexEntry(p, idx-2)
		}
	}
	if idx < n {
		ref.nextKey, ref.next = indexEntry(p, idx)
		ref.hasNext = true
	} else {
		ref.next = pager.InvalidPage
	}
	return ref
}

// childIndex returns the number of separators not exceeding q, i.e. the
// child position q descends into (0 = left-link).
func childIndex(p *pager.Page, q int32, n int) int {
	lo, hi := 0, n
	for lo < hi {
		m := (lo + hi) / 2
		if sortedpage.Key(p, m) <= q {
			lo = m + 1
		} else {
			hi = m
		}
	}
	return lo
}

func indexIsAtLeastHalfFull(p *pager.Page) bool {
	return sortedpage.AvailableSpace(p) <= sortedpage.DataAreaSize/2
}

// indexIsHalfFullAfterDelete mirrors the leaf probe for index nodes.
func indexIsHalfFullAfterDelete(p *pager.Page) bool {
	if !indexIsAtLeastHalfFull(p) {
		return false
	}
	if sortedpage.NumSlots(p) == 0 {
		return false
	}
	var rec [indexEntrySize]byte
	copy(rec[:], sortedpage.Record(p, 0))
	if err := sortedpage.DeleteRecord(p, 0); err != nil {
		return false
	}
	ok := indexIsAtLeastHalfFull(p)
	if _, err := sortedpage.InsertRecord(p, rec[:]); err != nil {
		return false
	}
	return ok
}
