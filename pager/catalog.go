package pager

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// The file-entry catalog maps a logical file name to its root page. It
// lives on the meta page together with the allocator state:
//
//	[0-3]   uint32  magic
//	[4-7]   int32   page count
//	[8-11]  int32   free-list head (InvalidPage if empty)
//	[12-13] uint16  number of catalog entries
//	[14+]   entries: uint8 name length, name bytes, int32 root page
var (
	ErrNoSuchEntry    = errors.New("pager: no such file entry")
	ErrDuplicateEntry = errors.New("pager: file entry already exists")
	ErrNoSpace        = errors.New("pager: no space for file entry")
)

const (
	offMagic     = 0
	offPageCount = 4
	offFreeHead  = 8
	offNumEntry  = 12
	offEntries   = 14

	maxEntryName = 255
)

// GetFileEntry returns the root page recorded for name.
func (p *Pool) GetFileEntry(name string) (PageID, error) {
	pid, ok := p.entries[name]
	if !ok {
		return InvalidPage, fmt.Errorf("pager: get entry %q: %w", name, ErrNoSuchEntry)
	}
	return pid, nil
}

// AddFileEntry registers name with its root page. Fails if the name is
// already registered or the catalog would no longer fit on the meta page.
func (p *Pool) AddFileEntry(name string, pid PageID) error {
	if len(name) == 0 || len(name) > maxEntryName {
		return fmt.Errorf("pager: add entry: bad name %q", name)
	}
	if _, ok := p.entries[name]; ok {
		return fmt.Errorf("pager: add entry %q: %w", name, ErrDuplicateEntry)
	}
	if p.entriesSize()+1+len(name)+4 > PageSize-offEntries {
		return fmt.Errorf("pager: add entry %q: %w", name, ErrNoSpace)
	}
	p.entries[name] = pid
	p.metaDirty = true
	return nil
}

// SetFileEntry rebinds an existing name to a new root page.
func (p *Pool) SetFileEntry(name string, pid PageID) error {
	if _, ok := p.entries[name]; !ok {
		return fmt.Errorf("pager: set entry %q: %w", name, ErrNoSuchEntry)
	}
	p.entries[name] = pid
	p.metaDirty = true
	return nil
}

// DeleteFileEntry removes the name from the catalog.
func (p *Pool) DeleteFileEntry(name string) error {
	if _, ok := p.entries[name]; !ok {
		return fmt.Errorf("pager: delete entry %q: %w", name, ErrNoSuchEntry)
	}
	delete(p.entries, name)
	p.metaDirty = true
	return nil
}

func (p *Pool) entriesSize() int {
	n := 0
	for name := range p.entries {
		n += 1 + len(name) + 4
	}
	return n
}

func (p *Pool) writeMeta() error {
	var pg Page
	binary.LittleEndian.PutUint32(pg[offMagic:], metaMagic)
	binary.LittleEndian.PutUint32(pg[offPageCount:], uint32(p.pageCount))
	binary.LittleEndian.PutUint32(pg[offFreeHead:], uint32(p.freeHead))
	binary.LittleEndian.PutUint16(pg[offNumEntry:], uint16(len(p.entries)))
	off := offEntries
	for name, pid := range p.entries {
		pg[off] = byte(len(name))
		off++
		copy(pg[off:], name)
		off += len(name)
		binary.LittleEndian.PutUint32(pg[off:], uint32(pid))
		off += 4
	}
	if err := p.writePageToDisk(metaPageID, &pg); err != nil {
		return err
	}
	p.metaDirty = false
	return nil
}

func (p *Pool) readMeta() error {
	var pg Page
	if err := p.readPageFromDisk(metaPageID, &pg); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(pg[offMagic:]) != metaMagic {
		return fmt.Errorf("pager: bad meta page magic")
	}
	p.pageCount = int32(binary.LittleEndian.Uint32(pg[offPageCount:]))
	p.freeHead = PageID(int32(binary.LittleEndian.Uint32(pg[offFreeHead:])))
	n := int(binary.LittleEndian.Uint16(pg[offNumEntry:]))
	off := offEntries
	for i := 0; i < n; i++ {
		l := int(pg[off])
		off++
		name := string(pg[off : off+l])
		off += l
		pid := PageID(int32(binary.LittleEndian.Uint32(pg[off:])))
		off += 4
		p.entries[name] = pid
	}
	return nil
}
