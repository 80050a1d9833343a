package heap

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/fastalloc/mempool/internal/sizeclass"
)

// End-to-end flows through Alloc/Free against the process-wide engine.

// Seven 8-byte-class allocations walk the slow start up to a batch cap of
// five; returning all seven drains the span's use count to zero through
// two list evictions and retires the span to the page cache.
func TestObjectRetirementCycle(t *testing.T) {
	before := ReadStats()

	ptrs := make([]unsafe.Pointer, 7)
	for i := range ptrs {
		p, err := Alloc(6)
		if err != nil {
			t.Fatal(err)
		}
		ptrs[i] = p
	}

	mid := ReadStats()
	if got := mid.SpanRequests - before.SpanRequests; got != 1 {
		t.Errorf("span requests = %d, want 1 (one sliced span feeds the burst)", got)
	}
	if got := mid.CentralFetches - before.CentralFetches; got != 4 {
		t.Errorf("central fetches = %d, want 4 (batches 1,2,3,4)", got)
	}

	for _, p := range ptrs {
		Free(p)
	}

	after := ReadStats()
	if got := after.SpansRetired - before.SpansRetired; got != 1 {
		t.Errorf("spans retired = %d, want 1 (use count drained on the last eviction)", got)
	}
	if got := after.ListEvictions - before.ListEvictions; got != 2 {
		t.Errorf("list evictions = %d, want 2", got)
	}
	t.Logf("✓ burst of 7 walked slow start and retired its span")
}

// Two workers, run back to back, share one central-cache bucket: ten
// distinct pointers out of at most one new sliced span.
func TestSharedBucketSequentialWorkers(t *testing.T) {
	before := ReadStats()

	results := make(chan unsafe.Pointer, 10)
	worker := func() {
		for i := 0; i < 5; i++ {
			p, err := Alloc(6)
			if err != nil {
				t.Error(err)
				return
			}
			results <- p
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); worker() }()
	wg.Wait()
	wg.Add(1)
	go func() { defer wg.Done(); worker() }()
	wg.Wait()
	close(results)

	seen := map[unsafe.Pointer]bool{}
	for p := range results {
		if seen[p] {
			t.Fatalf("pointer %p issued twice", p)
		}
		seen[p] = true
	}
	if len(seen) != 10 {
		t.Fatalf("distinct pointers = %d, want 10", len(seen))
	}

	after := ReadStats()
	if got := after.SpanRequests - before.SpanRequests; got > 1 {
		t.Errorf("span requests = %d, want at most 1 (bucket shared)", got)
	}
	t.Logf("✓ 10 distinct pointers from a shared bucket, %d span request(s)",
		after.SpanRequests-before.SpanRequests)
}

// A 128 KiB class slices two objects per span, so three live objects need
// two spans. Returning all three drains the first span's use count to
// zero on the eviction; the second span's last object stays hot in the
// thread cache and keeps it pinned.
func TestUseCountDrainsAcrossSpans(t *testing.T) {
	const size = 128 * 1024
	before := ReadStats()

	p1, err := Alloc(size)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := Alloc(size)
	if err != nil {
		t.Fatal(err)
	}
	p3, err := Alloc(size)
	if err != nil {
		t.Fatal(err)
	}

	mid := ReadStats()
	if got := mid.SpanRequests - before.SpanRequests; got != 2 {
		t.Errorf("span requests = %d, want 2 (two objects per span)", got)
	}

	Free(p1)
	Free(p2)
	Free(p3)

	after := ReadStats()
	if got := after.SpansRetired - before.SpansRetired; got != 1 {
		t.Errorf("spans retired = %d, want 1 (second span pinned by the warm cache)", got)
	}
}

// Requests beyond MaxBytes skip both caches. A 257 KiB request is served
// as a 33-page span out of the page cache buckets; a 129-page request is
// beyond the buckets and round-trips to the OS untouched by them.
func TestLargeAllocationBypass(t *testing.T) {
	before := ReadStats()

	p, err := Alloc(257 * 1024)
	if err != nil {
		t.Fatal(err)
	}
	mid := ReadStats()
	if got := mid.LargeAllocs - before.LargeAllocs; got != 1 {
		t.Errorf("large allocs = %d, want 1", got)
	}
	if mid.CentralFetches != before.CentralFetches {
		t.Error("large allocation touched the central cache")
	}
	Free(p)
	mid2 := ReadStats()
	if got := mid2.LargeFrees - before.LargeFrees; got != 1 {
		t.Errorf("large frees = %d, want 1", got)
	}

	const huge = 129 * 8 * 1024
	p2, err := Alloc(huge)
	if err != nil {
		t.Fatal(err)
	}
	if uintptr(p2)&(sizeclass.PageSize-1) != 0 {
		t.Errorf("direct span base %#x not page aligned", uintptr(p2))
	}
	mid3 := ReadStats()
	if got := mid3.SpansDirect - mid2.SpansDirect; got != 1 {
		t.Errorf("direct spans = %d, want 1", got)
	}
	if mid3.SpansSplit != mid2.SpansSplit {
		t.Error("129-page request disturbed the page cache buckets")
	}
	Free(p2)
	after := ReadStats()
	if got := after.OSReturns - mid3.OSReturns; got != 1 {
		t.Errorf("OS returns = %d, want 1 (direct span handed straight back)", got)
	}
	t.Logf("✓ large requests bypassed the caches")
}

// Teacher-style concurrency hammer: workers alloc and free a mix of
// classes while a shared registry asserts no pointer is ever live twice.
func TestConcurrentMixedClasses(t *testing.T) {
	sizes := []uintptr{24, 48, 136, 1032, 9 * 1024}
	const workers = 8
	const opsPerWorker = 2000

	var mu sync.Mutex
	live := map[uintptr]bool{}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			held := make([]unsafe.Pointer, 0, 64)
			for i := 0; i < opsPerWorker; i++ {
				size := sizes[(id+i)%len(sizes)]
				p, err := Alloc(size)
				if err != nil {
					t.Error(err)
					return
				}
				*(*byte)(p) = byte(id)

				mu.Lock()
				if live[uintptr(p)] {
					mu.Unlock()
					t.Errorf("pointer %#x issued while live", uintptr(p))
					return
				}
				live[uintptr(p)] = true
				mu.Unlock()

				held = append(held, p)
				if len(held) == 64 {
					for _, q := range held {
						mu.Lock()
						delete(live, uintptr(q))
						mu.Unlock()
						Free(q)
					}
					held = held[:0]
				}
			}
			for _, q := range held {
				mu.Lock()
				delete(live, uintptr(q))
				mu.Unlock()
				Free(q)
			}
		}(w)
	}
	wg.Wait()

	if len(live) != 0 {
		t.Errorf("%d pointers leaked by the test harness", len(live))
	}
	t.Logf("✓ %d concurrent ops across %d classes", workers*opsPerWorker, len(sizes))
}
