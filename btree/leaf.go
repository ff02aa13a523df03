// Package btree implements a disk-resident B+ tree index over the
// sorted-page layout, keyed by int32, whose leaves hold record IDs of
// external data records. Leaves form a doubly linked list for range
// scans; index nodes carry a left-link for all keys below their first
// separator. Every non-root node stays at least half full under
// arbitrary insert/delete workloads.
package btree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btree-query-bench/btidx/pager"
	"github.com/btree-query-bench/btidx/sortedpage"
)

// RecordID names an external data record by (page, slot). The tree
// treats it as opaque.
type RecordID struct {
	Page pager.PageID
	Slot int32
}

// InvalidRecordID is the sentinel for "no record".
var InvalidRecordID = RecordID{Page: pager.InvalidPage, Slot: -1}

var ErrNotFound = errors.New("btree: entry not found")

// Leaf entry on disk: key(4) + rid page(4) + rid slot(4).
const leafEntrySize = 12

func encodeLeafEntry(key int32, rid RecordID) []byte {
	var rec [leafEntrySize]byte
	binary.LittleEndian.PutUint32(rec[0:], uint32(key))
	binary.LittleEndian.PutUint32(rec[4:], uint32(rid.Page))
	binary.LittleEndian.PutUint32(rec[8:], uint32(rid.Slot))
	return rec[:]
}

func leafEntry(p *pager.Page, slot int) (int32, RecordID) {
	rec := sortedpage.Record(p, slot)
	key := int32(binary.LittleEndian.Uint32(rec[0:]))
	rid := RecordID{
		Page: pager.PageID(int32(binary.LittleEndian.Uint32(rec[4:]))),
		Slot: int32(binary.LittleEndian.Uint32(rec[8:])),
	}
	return key, rid
}

// leafInsert adds (key, rid) keeping key order. Fails on a full page.
func leafInsert(p *pager.Page, key int32, rid RecordID) (int, error) {
	return sortedpage.InsertRecord(p, encodeLeafEntry(key, rid))
}

// leafDelete removes the entry matching both key and rid.
func leafDelete(p *pager.Page, key int32, rid RecordID) error {
	n := sortedpage.NumSlots(p)
	for slot := leafSearch(p, key, n); slot < n && sortedpage.Key(p, slot) == key; slot++ {
		if _, r := leafEntry(p, slot); r == rid {
			return sortedpage.DeleteRecord(p, slot)
		}
	}
	return fmt.Errorf("btree: delete leaf entry (%d, %v): %w", key, rid, ErrNotFound)
}

// leafSearch returns the first slot whose key is not below key.
func leafSearch(p *pager.Page, key int32, n int) int {
	lo, hi := 0, n
	for lo < hi {
		m := (lo + hi) / 2
		if sortedpage.Key(p, m) < key {
			lo = m + 1
		} else {
			hi = m
		}
	}
	return lo
}

func leafIsAtLeastHalfFull(p *pager.Page) bool {
	return sortedpage.AvailableSpace(p) <= sortedpage.DataAreaSize/2
}

// leafIsHalfFullAfterDelete reports whether the leaf would stay at least
// half full after losing one entry, probed by deleting and reinserting
// the first entry. The page is unchanged on return.
func leafIsHalfFullAfterDelete(p *pager.Page) bool {
	if !leafIsAtLeastHalfFull(p) {
		return false
	}
	if sortedpage.NumSlots(p) == 0 {
		return false
	}
	var rec [leafEntrySize]byte
	copy(rec[:], sortedpage.Record(p, 0))
	if err := sortedpage.DeleteRecord(p, 0); err != nil {
		return false
	}
	ok := leafIsAtLeastHalfFull(p)
	if _, err := sortedpage.InsertRecord(p, rec[:]); err != nil {
		return false
	}
	return ok
}
