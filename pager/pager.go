// Package pager manages a file of fixed-size pages behind a buffer pool.
//
// Frames are pinned while in use and unpinned with a dirty flag; only
// unpinned frames are eligible for LRU eviction, and dirty frames are
// written back before their frame is reused. Freed pages are chained on
// an on-disk free list and handed out again by NewPage. Page 0 is the
// meta page: it holds the page count, the free-list head, and the
// file-entry catalog (see catalog.go).
package pager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

const (
	PageSize = 1024 // 1 KB pages

	metaPageID = PageID(0)
	metaMagic  = uint32(0x42544958) // "BTIX"
)

// InvalidPage is the sentinel for "no page".
const InvalidPage = PageID(-1)

// PageID is an opaque handle into the buffer pool.
type PageID int32

// Page is a raw fixed-size block read from or written to disk.
type Page [PageSize]byte

var (
	ErrPoolFull   = errors.New("pager: all frames pinned")
	ErrPagePinned = errors.New("pager: page is pinned")
	ErrNotCached  = errors.New("pager: page not in buffer pool")
)

type frame struct {
	id    PageID
	page  Page
	pins  int
	dirty bool
	prev  *frame
	next  *frame
}

// Pool is the buffer pool: a bounded set of page frames over one file.
type Pool struct {
	file     *os.File
	frames   map[PageID]*frame
	capacity int
	head     *frame // most recently used
	tail     *frame // least recently used

	pageCount int32
	freeHead  PageID
	entries   map[string]PageID
	metaDirty bool
}

// Open opens (or creates) a pool backed by the given file. cacheFrames is
// the number of page frames held in memory.
func Open(path string, cacheFrames int) (*Pool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("pager: open: %w", err)
	}

	p := &Pool{
		file:     f,
		frames:   make(map[PageID]*frame, cacheFrames),
		capacity: cacheFrames,
		entries:  make(map[string]PageID),
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("pager: stat: %w", err)
	}
	if info.Size() == 0 {
		// Brand new file: page 0 is the meta page.
		p.pageCount = 1
		p.freeHead = InvalidPage
		if err := p.writeMeta(); err != nil {
			return nil, err
		}
	} else if err := p.readMeta(); err != nil {
		return nil, err
	}

	return p, nil
}

// NewPage allocates a page, from the free list if one is available and
// otherwise by extending the file, and returns it pinned and zeroed.
func (p *Pool) NewPage() (PageID, *Page, error) {
	var id PageID
	if p.freeHead != InvalidPage {
		id = p.freeHead
		pg, err := p.Pin(id)
		if err != nil {
			return InvalidPage, nil, err
		}
		p.freeHead = PageID(int32(binary.LittleEndian.Uint32(pg[:4])))
		p.metaDirty = true
		fr := p.frames[id]
		fr.page = Page{}
		fr.dirty = true
		return id, &fr.page, nil
	}

	id = PageID(p.pageCount)
	p.pageCount++
	p.metaDirty = true

	// Extend the file so a later read of this page cannot run past EOF.
	var blank Page
	if err := p.writePageToDisk(id, &blank); err != nil {
		return InvalidPage, nil, err
	}

	fr, err := p.addFrame(id)
	if err != nil {
		p.pageCount--
		return InvalidPage, nil, err
	}
	fr.pins = 1
	fr.dirty = true
	return id, &fr.page, nil
}

// Pin fetches the page into a frame and pins it. The returned frame
// memory is stable until the matching Unpin.
func (p *Pool) Pin(id PageID) (*Page, error) {
	if id == InvalidPage || id == metaPageID {
		return nil, fmt.Errorf("pager: pin: invalid page %d", id)
	}
	if fr, ok := p.frames[id]; ok {
		fr.pins++
		p.moveToFront(fr)
		return &fr.page, nil
	}
	fr, err := p.addFrame(id)
	if err != nil {
		return nil, err
	}
	if err := p.readPageFromDisk(id, &fr.page); err != nil {
		p.removeFrame(fr)
		return nil, err
	}
	fr.pins = 1
	return &fr.page, nil
}

// Unpin releases one pin on the page; dirty marks the frame for
// writeback before eviction.
func (p *Pool) Unpin(id PageID, dirty bool) error {
	fr, ok := p.frames[id]
	if !ok {
		return fmt.Errorf("pager: unpin page %d: %w", id, ErrNotCached)
	}
	if fr.pins > 0 {
		fr.pins--
	}
	if dirty {
		fr.dirty = true
	}
	return nil
}

// FreePage puts the page on the free list. The page must not be pinned.
func (p *Pool) FreePage(id PageID) error {
	if id == InvalidPage || id == metaPageID {
		return fmt.Errorf("pager: free: invalid page %d", id)
	}
	fr, ok := p.frames[id]
	if !ok {
		var err error
		if fr, err = p.addFrame(id); err != nil {
			return err
		}
	} else if fr.pins > 0 {
		return fmt.Errorf("pager: free page %d: %w", id, ErrPagePinned)
	}
	fr.page = Page{}
	binary.LittleEndian.PutUint32(fr.page[:4], uint32(p.freeHead))
	fr.dirty = true
	p.freeHead = id
	p.metaDirty = true
	return nil
}

// PageCount returns the total number of pages ever allocated, the meta
// page included.
func (p *Pool) PageCount() int {
	return int(p.pageCount)
}

// Flush writes every dirty frame and the meta page back to disk.
func (p *Pool) Flush() error {
	for _, fr := range p.frames {
		if fr.dirty {
			if err := p.writePageToDisk(fr.id, &fr.page); err != nil {
				return err
			}
			fr.dirty = false
		}
	}
	if p.metaDirty {
		return p.writeMeta()
	}
	return nil
}

// Close flushes and closes the underlying file.
func (p *Pool) Close() error {
	if err := p.Flush(); err != nil {
		return err
	}
	return p.file.Close()
}

// ─── Pin guards ───────────────────────────────────────────────────────────────

// Pinned is a scoped pin on a page frame. Release unpins on every exit
// path; MarkDirty records that the content changed.
type Pinned struct {
	pool     *Pool
	ID       PageID
	Page     *Page
	dirty    bool
	released bool
}

// Acquire pins an existing page and wraps it in a guard.
func (p *Pool) Acquire(id PageID) (*Pinned, error) {
	pg, err := p.Pin(id)
	if err != nil {
		return nil, err
	}
	return &Pinned{pool: p, ID: id, Page: pg}, nil
}

// AcquireNew allocates a fresh page, pinned and already marked dirty.
func (p *Pool) AcquireNew() (*Pinned, error) {
	id, pg, err := p.NewPage()
	if err != nil {
		return nil, err
	}
	return &Pinned{pool: p, ID: id, Page: pg, dirty: true}, nil
}

func (g *Pinned) MarkDirty() { g.dirty = true }

// Release unpins the page. Safe to call more than once; only the first
// call takes effect, so it composes with defer on early-return paths.
func (g *Pinned) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	return g.pool.Unpin(g.ID, g.dirty)
}

// ─── Frame table ──────────────────────────────────────────────────────────────

func (p *Pool) addFrame(id PageID) (*frame, error) {
	if len(p.frames) >= p.capacity {
		if err := p.evict(); err != nil {
			return nil, err
		}
	}
	fr := &frame{id: id}
	p.frames[id] = fr
	p.pushFront(fr)
	return fr, nil
}

// evict drops the least recently used unpinned frame, flushing it first
// if dirty.
func (p *Pool) evict() error {
	for fr := p.tail; fr != nil; fr = fr.prev {
		if fr.pins > 0 {
			continue
		}
		if fr.dirty {
			if err := p.writePageToDisk(fr.id, &fr.page); err != nil {
				return err
			}
		}
		p.removeFrame(fr)
		return nil
	}
	return ErrPoolFull
}

func (p *Pool) removeFrame(fr *frame) {
	delete(p.frames, fr.id)
	if fr.prev != nil {
		fr.prev.next = fr.next
	} else {
		p.head = fr.next
	}
	if fr.next != nil {
		fr.next.prev = fr.prev
	} else {
		p.tail = fr.prev
	}
}

func (p *Pool) pushFront(fr *frame) {
	fr.next = p.head
	fr.prev = nil
	if p.head != nil {
		p.head.prev = fr
	}
	p.head = fr
	if p.tail == nil {
		p.tail = fr
	}
}

func (p *Pool) moveToFront(fr *frame) {
	if p.head == fr {
		return
	}
	if fr.prev != nil {
		fr.prev.next = fr.next
	}
	if fr.next != nil {
		fr.next.prev = fr.prev
	}
	if p.tail == fr {
		p.tail = fr.prev
	}
	fr.prev = nil
	fr.next = p.head
	if p.head != nil {
		p.head.prev = fr
	}
	p.head = fr
}

// ─── Disk I/O ─────────────────────────────────────────────────────────────────

func (p *Pool) offset(id PageID) int64 {
	return int64(id) * PageSize
}

func (p *Pool) readPageFromDisk(id PageID, pg *Page) error {
	if _, err := p.file.ReadAt(pg[:], p.offset(id)); err != nil {
		return fmt.Errorf("pager: read page %d: %w", id, err)
	}
	return nil
}

func (p *Pool) writePageToDisk(id PageID, pg *Page) error {
	if _, err := p.file.WriteAt(pg[:], p.offset(id)); err != nil {
		return fmt.Errorf("pager: write page %d: %w", id, err)
	}
	return nil
}
