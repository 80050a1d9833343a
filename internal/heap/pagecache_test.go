package heap

import (
	"testing"

	"github.com/fastalloc/mempool/internal/sizeclass"
)

// These tests drive the page cache directly under its own mutex, the way
// the central cache does. They run before the end-to-end scenarios (file
// order), so the first grant here is the process's first 128-page run.

func TestNewSpanSplitsSmallestFit(t *testing.T) {
	pc.mu.Lock()
	s1, err := pc.newSpan(4)
	if err != nil {
		pc.mu.Unlock()
		t.Fatal(err)
	}
	s1.inUse = true
	s2, err := pc.newSpan(4)
	if err != nil {
		pc.mu.Unlock()
		t.Fatal(err)
	}
	s2.inUse = true
	pc.mu.Unlock()

	if s1.npages != 4 || s2.npages != 4 {
		t.Fatalf("page counts = %d, %d, want 4, 4", s1.npages, s2.npages)
	}
	// Both heads came off the same fresh 128-page run, so they are
	// page-adjacent.
	if s2.start != s1.start+4 {
		t.Fatalf("spans not adjacent: %d and %d", s1.start, s2.start)
	}

	// Every page of a handed-out span resolves to it.
	pc.mu.Lock()
	for i := uintptr(0); i < s1.npages; i++ {
		if got := pc.pages.get(s1.start + pageID(i)); got != s1 {
			t.Errorf("page %d maps to %p, want %p", i, got, s1)
		}
	}
	pc.mu.Unlock()

	// Release in order: s1 cannot merge right into the in-use s2; s2 then
	// bridges s1 and the idle remainder back into one full run. s1's
	// descriptor dies in the merge, so capture its page first.
	base1 := s1.start
	before := ReadStats()
	pc.mu.Lock()
	pc.releaseSpan(s1)
	if got := pc.pages.get(base1); got != s1 || got.npages != 4 {
		t.Error("s1 merged across an in-use neighbour")
	}
	pc.releaseSpan(s2)
	merged := pc.pages.get(base1)
	pc.mu.Unlock()
	after := ReadStats()

	if merged == nil || merged.npages != sizeclass.MaxPages-1 {
		t.Fatalf("coalesced span = %+v, want full %d-page run", merged, sizeclass.MaxPages-1)
	}
	if merged.inUse {
		t.Fatal("idle span still marked in use")
	}
	if after.SpansCoalesced-before.SpansCoalesced != 2 {
		t.Errorf("coalesce count delta = %d, want 2", after.SpansCoalesced-before.SpansCoalesced)
	}
	t.Logf("✓ split, guarded and rejoined a %d-page run", merged.npages)
}

func TestNewSpanRefillsFromOS(t *testing.T) {
	// Two back-to-back full-width requests cannot both be served from
	// cached runs; at least one forces a fresh OS grant.
	before := ReadStats()
	pc.mu.Lock()
	s1, err := pc.newSpan(sizeclass.MaxPages - 1)
	if err != nil {
		pc.mu.Unlock()
		t.Fatal(err)
	}
	s1.inUse = true
	s2, err := pc.newSpan(sizeclass.MaxPages - 1)
	if err != nil {
		pc.mu.Unlock()
		t.Fatal(err)
	}
	s2.inUse = true
	pc.mu.Unlock()
	after := ReadStats()

	if after.OSGrants == before.OSGrants {
		t.Fatal("expected a fresh OS grant for back-to-back full-width requests")
	}

	pc.mu.Lock()
	pc.releaseSpan(s1)
	pc.releaseSpan(s2)
	pc.mu.Unlock()
}

func TestDirectSpanBypassesBuckets(t *testing.T) {
	const npages = sizeclass.MaxPages + 71 // 200 pages, beyond the buckets

	before := ReadStats()
	pc.mu.Lock()
	s, err := pc.newSpan(npages)
	pc.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	s.inUse = true
	mid := ReadStats()

	if mid.SpansDirect != before.SpansDirect+1 {
		t.Errorf("direct spans = %d, want %d", mid.SpansDirect, before.SpansDirect+1)
	}
	if mid.SpansSplit != before.SpansSplit {
		t.Error("direct grant disturbed the buckets")
	}
	if s.npages != npages {
		t.Fatalf("npages = %d, want %d", s.npages, npages)
	}

	// Edge pages are mapped so a later free can find the span.
	pc.mu.Lock()
	first := pc.pages.get(s.start)
	last := pc.pages.get(s.lastPage())
	pc.mu.Unlock()
	if first != s || last != s {
		t.Fatal("direct span edges not mapped")
	}

	start := s.start
	end := s.lastPage()
	pc.mu.Lock()
	pc.releaseSpan(s)
	freed := pc.pages.get(start) == nil && pc.pages.get(end) == nil
	pc.mu.Unlock()
	after := ReadStats()

	if after.OSReturns != mid.OSReturns+1 {
		t.Errorf("OS returns = %d, want %d", after.OSReturns, mid.OSReturns+1)
	}
	if !freed {
		t.Error("stale page mappings survived the OS return")
	}
	t.Logf("✓ %d-page run round-tripped to the OS", npages)
}
