package btree

import (
	"github.com/btree-query-bench/btidx/pager"
	"github.com/btree-query-bench/btidx/sortedpage"
)

// Scan is a positioned forward iterator over a key range. It caches the
// last returned (key, rid) pair and re-resolves its leaf position after
// DeleteCurrent, so it survives the structural changes its own deletes
// cause. Keys equal to the last returned key are not revisited.
type Scan struct {
	file *BTreeFile

	low  int32
	high int32
	cur  pager.PageID

	lastKey    int32
	lastRID    RecordID
	haveLast   bool
	reposition bool
	done       bool

	key int32
	rid RecordID
	err error
}

// OpenScan positions a cursor on the range [low, high]. A nil low
// starts at the tree's first key; a nil high ends at its current
// maximum.
func (f *BTreeFile) OpenScan(low, high *int32) (*Scan, error) {
	s := &Scan{file: f}
	if f.root == pager.InvalidPage {
		s.done = true
		return s, nil
	}

	if high != nil {
		s.high = *high
	} else {
		_, maxKey, ok, err := f.rightmostLeaf()
		if err != nil {
			return nil, err
		}
		if !ok {
			s.done = true
			return s, nil
		}
		s.high = maxKey
	}

	if low != nil {
		s.low = *low
		pid, err := f.findLeafFor(s.low)
		if err != nil {
			return nil, err
		}
		s.cur = pid
	} else {
		pid, firstKey, ok, err := f.leftmostLeaf()
		if err != nil {
			return nil, err
		}
		if !ok {
			s.done = true
			return s, nil
		}
		s.low = firstKey
		s.cur = pid
	}
	if s.cur == pager.InvalidPage {
		s.done = true
	}
	return s, nil
}

// Next advances to the next entry in range. It returns false once the
// range is exhausted or an error occurred (see Err).
func (s *Scan) Next() bool {
	if s.done {
		return false
	}
	if s.low > s.high {
		s.done = true
		return false
	}
	if s.reposition {
		pid, err := s.file.findLeafFor(s.low)
		if err != nil {
			return s.fail(err)
		}
		s.cur = pid
		s.reposition = false
	}

	for s.cur != pager.InvalidPage {
		g, err := s.file.pool.Acquire(s.cur)
		if err != nil {
			return s.fail(err)
		}
		n := sortedpage.NumSlots(g.Page)
		if n == 0 {
			s.cur = sortedpage.NextPage(g.Page)
			g.Release()
			continue
		}

		// Skip leaves fully behind the cursor.
		lastKey := sortedpage.Key(g.Page, n-1)
		if lastKey < s.low || (s.haveLast && lastKey == s.lastKey) {
			s.cur = sortedpage.NextPage(g.Page)
			g.Release()
			continue
		}

		slot := leafSearch(g.Page, s.low, n)
		for slot < n && s.haveLast && sortedpage.Key(g.Page, slot) == s.lastKey {
			slot++
		}
		if slot >= n {
			s.cur = sortedpage.NextPage(g.Page)
			g.Release()
			continue
		}

		key, rid := leafEntry(g.Page, slot)
		if key > s.high {
			g.Release()
			s.done = true
			return false
		}
		if slot == n-1 {
			// Last entry on this leaf: move on for the next step.
			s.cur = sortedpage.NextPage(g.Page)
		}
		g.Release()

		s.key, s.rid = key, rid
		s.lastKey, s.lastRID, s.haveLast = key, rid, true
		s.low = key
		return true
	}

	s.done = true
	return false
}

// Key returns the key of the entry Next positioned on.
func (s *Scan) Key() int32 { return s.key }

// RID returns the data record ID of the entry Next positioned on.
func (s *Scan) RID() RecordID { return s.rid }

// Err returns the error that terminated the scan, if any.
func (s *Scan) Err() error { return s.err }

// DeleteCurrent deletes the entry returned by the previous Next. The
// cursor re-resolves its position on the following Next.
func (s *Scan) DeleteCurrent() error {
	if s.done || !s.haveLast {
		return ErrNotFound
	}
	if err := s.file.Delete(s.lastKey, s.lastRID); err != nil {
		return err
	}
	s.reposition = true
	return nil
}

// Close terminates the scan.
func (s *Scan) Close() error {
	s.done = true
	return nil
}

func (s *Scan) fail(err error) bool {
	s.err = err
	s.done = true
	return false
}
