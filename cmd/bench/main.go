// The bench command loads both engines with the same keyed workload and
// writes per-operation latencies to a CSV for plotting (see cmd/plot).
package main

import (
	"encoding/csv"
	"fmt"
	"log"
	"math/rand"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/btree-query-bench/btidx/btree"
)

const scale = 200000

func main() {
	out, err := os.Create("bench_results.csv")
	if err != nil {
		log.Fatal(err)
	}
	defer out.Close()
	w := csv.NewWriter(out)
	w.Write([]string{"Structure", "TestType", "LatencyNs", "MemMB"})

	tmp, err := os.MkdirTemp("", "btidx-bench-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tmp)

	bt, err := openBTreeStore(tmp, 256)
	if err != nil {
		log.Fatal(err)
	}
	runSuite(w, "BPlusTreeIndex", bt, scale)
	bt.Close()

	pb, err := openPebbleStore(tmp)
	if err != nil {
		log.Fatal(err)
	}
	runSuite(w, "Pebble", pb, scale)
	pb.Close()

	w.Flush()
	fmt.Println("Benchmark complete. Results in bench_results.csv")
}

func runSuite(w *csv.Writer, name string, s Store, n int) {
	fmt.Printf("Testing %s\n", name)
	rng := rand.New(rand.NewSource(1))

	// 1. Shuffled load.
	keys := rng.Perm(n)
	start := time.Now()
	for _, k := range keys {
		key := int32(k)
		if err := s.Insert(key, btree.RecordID{Page: 7, Slot: key}); err != nil {
			log.Fatalf("%s: insert %d: %v", name, key, err)
		}
	}
	record(w, name, "Load", time.Since(start).Nanoseconds()/int64(n))

	// 2. Range scans across the populated range.
	start = time.Now()
	const scans = 1000
	for i := 0; i < scans; i++ {
		low := int32(rng.Intn(n))
		if _, err := s.ScanRange(low, low+100); err != nil {
			log.Fatalf("%s: scan: %v", name, err)
		}
	}
	record(w, name, "RangeScan", time.Since(start).Nanoseconds()/scans)

	// 3. Point deletes of half the keys.
	start = time.Now()
	for _, k := range keys[:n/2] {
		key := int32(k)
		if err := s.Delete(key, btree.RecordID{Page: 7, Slot: key}); err != nil {
			log.Fatalf("%s: delete %d: %v", name, key, err)
		}
	}
	record(w, name, "Delete", time.Since(start).Nanoseconds()/int64(n/2))
}

func record(w *csv.Writer, name, op string, latencyNs int64) {
	var m runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m)
	w.Write([]string{
		name,
		op,
		strconv.FormatInt(latencyNs, 10),
		strconv.FormatUint(m.Alloc/1024/1024, 10),
	})
}
