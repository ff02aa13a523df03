// Package sortedpage provides the physical page layout shared by both
// B+ tree node kinds: a header followed by fixed-size records kept
// contiguous and sorted ascending by their leading int32 key.
//
// Page layout:
//
//	[0]      1 byte   node type (Leaf / Index)
//	[1-2]    2 bytes  numSlots
//	[3]      1 byte   record size (0 until the first insert)
//	[4-7]    4 bytes  prev-page ID
//	[8-11]   4 bytes  next-page ID
//	[12-15]  4 bytes  left-link ID (index nodes only; prev-page stays unused)
//	[16+]    record area; slot i lives at HeaderSize + i*recordSize
//
// The 1008-byte data area makes the worst-case index-node merge (an
// underflowing node, a non-lendable sibling, and the joining separator)
// land exactly on the page boundary.
//
// Records are compacted on every mutation, so slot numbers shift: slot i
// always names the i-th record in sort order.
package sortedpage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btree-query-bench/btidx/pager"
)

// NodeType tags a page as a leaf or an index node.
type NodeType byte

const (
	Invalid NodeType = 0
	Leaf    NodeType = 1
	Index   NodeType = 2
)

const (
	offType     = 0
	offNumSlots = 1
	offRecSize  = 3
	offPrev     = 4
	offNext     = 8
	offLeftLink = 12

	HeaderSize = 16

	// DataAreaSize is the record capacity of one page; the half-full
	// predicates of the tree are defined against it.
	DataAreaSize = pager.PageSize - HeaderSize
)

var (
	ErrNoSpace = errors.New("sortedpage: insufficient space")
	ErrBadSlot = errors.New("sortedpage: slot out of range")
)

// Init clears the page and resets the header fields.
func Init(p *pager.Page) {
	for i := range p {
		p[i] = 0
	}
	SetPrevPage(p, pager.InvalidPage)
	SetNextPage(p, pager.InvalidPage)
	SetLeftLink(p, pager.InvalidPage)
}

func Type(p *pager.Page) NodeType { return NodeType(p[offType]) }

func SetType(p *pager.Page, t NodeType) { p[offType] = byte(t) }

func NumSlots(p *pager.Page) int {
	return int(binary.LittleEndian.Uint16(p[offNumSlots : offNumSlots+2]))
}

func setNumSlots(p *pager.Page, n int) {
	binary.LittleEndian.PutUint16(p[offNumSlots:offNumSlots+2], uint16(n))
}

// RecordSize is the fixed size of every record on this page; 0 while the
// page has never held a record.
func RecordSize(p *pager.Page) int {
	return int(p[offRecSize])
}

func setRecordSize(p *pager.Page, n int) {
	p[offRecSize] = byte(n)
}

func PrevPage(p *pager.Page) pager.PageID {
	return pager.PageID(int32(binary.LittleEndian.Uint32(p[offPrev : offPrev+4])))
}

func SetPrevPage(p *pager.Page, id pager.PageID) {
	binary.LittleEndian.PutUint32(p[offPrev:offPrev+4], uint32(id))
}

func NextPage(p *pager.Page) pager.PageID {
	return pager.PageID(int32(binary.LittleEndian.Uint32(p[offNext : offNext+4])))
}

func SetNextPage(p *pager.Page, id pager.PageID) {
	binary.LittleEndian.PutUint32(p[offNext:offNext+4], uint32(id))
}

func LeftLink(p *pager.Page) pager.PageID {
	return pager.PageID(int32(binary.LittleEndian.Uint32(p[offLeftLink : offLeftLink+4])))
}

func SetLeftLink(p *pager.Page, id pager.PageID) {
	binary.LittleEndian.PutUint32(p[offLeftLink:offLeftLink+4], uint32(id))
}

// AvailableSpace reports the bytes left for new records.
func AvailableSpace(p *pager.Page) int {
	return DataAreaSize - NumSlots(p)*RecordSize(p)
}

// Key returns the leading int32 key of the record in slot i.
func Key(p *pager.Page, i int) int32 {
	off := HeaderSize + i*RecordSize(p)
	return int32(binary.LittleEndian.Uint32(p[off : off+4]))
}

// Record returns the record bytes in slot i, aliasing the page.
func Record(p *pager.Page, i int) []byte {
	rs := RecordSize(p)
	off := HeaderSize + i*rs
	return p[off : off+rs]
}

// InsertRecord places rec at its sorted position (before any records
// with an equal key, so a delete-then-reinsert probe restores the page
// byte for byte) and returns the slot it landed in. All records on a
// page must be the same size.
func InsertRecord(p *pager.Page, rec []byte) (int, error) {
	n := NumSlots(p)
	rs := RecordSize(p)
	if n == 0 {
		rs = len(rec)
		setRecordSize(p, rs)
	} else if len(rec) != rs {
		return -1, fmt.Errorf("sortedpage: insert: record size %d, page holds %d-byte records", len(rec), rs)
	}
	if AvailableSpace(p) < rs {
		return -1, fmt.Errorf("sortedpage: insert: %w", ErrNoSpace)
	}

	key := int32(binary.LittleEndian.Uint32(rec[:4]))
	slot := lowerBound(p, key, n)

	start := HeaderSize + slot*rs
	end := HeaderSize + n*rs
	copy(p[start+rs:end+rs], p[start:end])
	copy(p[start:start+rs], rec)
	setNumSlots(p, n+1)
	return slot, nil
}

// DeleteRecord removes slot i, closing the gap.
func DeleteRecord(p *pager.Page, i int) error {
	n := NumSlots(p)
	if i < 0 || i >= n {
		return fmt.Errorf("sortedpage: delete slot %d of %d: %w", i, n, ErrBadSlot)
	}
	rs := RecordSize(p)
	start := HeaderSize + i*rs
	end := HeaderSize + n*rs
	copy(p[start:], p[start+rs:end])
	setNumSlots(p, n-1)
	return nil
}

// lowerBound returns the first slot whose key is not below key.
func lowerBound(p *pager.Page, key int32, n int) int {
	lo, hi := 0, n
	for lo < hi {
		m := (lo + hi) / 2
		if Key(p, m) < key {
			lo = m + 1
		} else {
			hi = m
		}
	}
	return lo
}
