package main

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"github.com/btree-query-bench/btidx/btree"
	"github.com/btree-query-bench/btidx/pager"
)

// Store is the common surface both engines are driven through.
type Store interface {
	Insert(key int32, rid btree.RecordID) error
	Delete(key int32, rid btree.RecordID) error
	ScanRange(low, high int32) (int, error)
	Close() error
}

// ─── B+ tree index ────────────────────────────────────────────────────────────

type btreeStore struct {
	pool *pager.Pool
	file *btree.BTreeFile
}

func openBTreeStore(dir string, cacheFrames int) (*btreeStore, error) {
	pool, err := pager.Open(filepath.Join(dir, "bench.idx"), cacheFrames)
	if err != nil {
		return nil, err
	}
	f, err := btree.Open(pool, "bench")
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &btreeStore{pool: pool, file: f}, nil
}

func (s *btreeStore) Insert(key int32, rid btree.RecordID) error {
	return s.file.Insert(key, rid)
}

func (s *btreeStore) Delete(key int32, rid btree.RecordID) error {
	return s.file.Delete(key, rid)
}

func (s *btreeStore) ScanRange(low, high int32) (int, error) {
	scan, err := s.file.OpenScan(&low, &high)
	if err != nil {
		return 0, err
	}
	defer scan.Close()
	count := 0
	for scan.Next() {
		count++
	}
	return count, scan.Err()
}

func (s *btreeStore) Close() error {
	return s.pool.Close()
}

// ─── Pebble baseline ──────────────────────────────────────────────────────────

// pebbleStore wraps Pebble (CockroachDB's LSM storage engine) behind
// the same surface so the paged index can be benchmarked against it.
type pebbleStore struct {
	db *pebble.DB
}

func openPebbleStore(dir string) (*pebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       4,
		L0StopWritesThreshold:       12,
	}
	db, err := pebble.Open(filepath.Join(dir, "pebble"), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble: open: %w", err)
	}
	return &pebbleStore{db: db}, nil
}

// encodeKey is big-endian with the sign bit flipped so byte order
// matches signed int32 order.
func encodeKey(key int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(key)^0x80000000)
	return b[:]
}

func encodeRID(rid btree.RecordID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[:4], uint32(rid.Page))
	binary.BigEndian.PutUint32(b[4:], uint32(rid.Slot))
	return b[:]
}

func (s *pebbleStore) Insert(key int32, rid btree.RecordID) error {
	return s.db.Set(encodeKey(key), encodeRID(rid), pebble.NoSync)
}

func (s *pebbleStore) Delete(key int32, _ btree.RecordID) error {
	return s.db.Delete(encodeKey(key), pebble.NoSync)
}

func (s *pebbleStore) ScanRange(low, high int32) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: encodeKey(low),
		UpperBound: encodeKey(high + 1),
	})
	if err != nil {
		return 0, fmt.Errorf("pebble: iter: %w", err)
	}
	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return 0, err
	}
	return count, iter.Close()
}

func (s *pebbleStore) Close() error {
	return s.db.Close()
}
