package heap

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/fastalloc/mempool/internal/pool"
	"github.com/fastalloc/mempool/internal/sizeclass"
	"github.com/fastalloc/mempool/internal/sysmem"
)

// pageCache manages idle page-range spans process-wide under one mutex:
// bucket k holds spans of exactly k pages. A request splits the smallest
// larger span on demand; a release coalesces with idle page-adjacent
// neighbours. Runs longer than 128 pages are never cached and round-trip
// straight to the OS.
type pageCache struct {
	mu       sync.Mutex
	buckets  [sizeclass.MaxPages]spanList // index = page count; 0 unused
	pages    pageMap
	spanPool *pool.ObjectPool[span]
}

func (p *pageCache) init() {
	for i := range p.buckets {
		p.buckets[i].init()
	}
	p.pages.init()
	p.spanPool = pool.New[span]()
}

// newSpan hands out a span of exactly npages pages. Caller holds p.mu.
//
// Runs beyond the bucket range come straight from the OS with the
// descriptor filled in and its edge pages mapped, so a later free can
// find it. Cached runs come from bucket npages when possible, otherwise
// by splitting the smallest larger idle span; when every bucket is dry, a
// full 128-page grant refills the top bucket and the request recurses
// into the split path. On OS failure no page cache state changes.
func (p *pageCache) newSpan(npages uintptr) (*span, error) {
	if npages == 0 {
		panic("heap: zero-page span request")
	}

	if npages > sizeclass.MaxPages-1 {
		mem, err := sysmem.AllocPages(npages)
		if err != nil {
			return nil, err
		}
		s, err := p.spanPool.Get()
		if err != nil {
			sysmem.FreePages(mem, npages)
			return nil, err
		}
		s.start = pageID(uintptr(mem) >> sizeclass.PageShift)
		s.npages = npages
		p.pages.setEdges(s)
		stats.spansDirect.Add(1)
		return s, nil
	}

	if !p.buckets[npages].empty() {
		s := p.buckets[npages].popFront()
		p.pages.setAll(s)
		return s, nil
	}

	for m := npages + 1; m < sizeclass.MaxPages; m++ {
		if p.buckets[m].empty() {
			continue
		}
		rest := p.buckets[m].popFront()

		head, err := p.spanPool.Get()
		if err != nil {
			p.buckets[m].pushFront(rest)
			return nil, err
		}

		head.start = rest.start
		head.npages = npages
		rest.start += pageID(npages)
		rest.npages = m - npages

		p.buckets[rest.npages].pushFront(rest)
		p.pages.setEdges(rest)
		p.pages.setAll(head)
		stats.spansSplit.Add(1)
		return head, nil
	}

	// Every bucket dry: grant a full run and retry through the split path.
	mem, err := sysmem.AllocPages(sizeclass.MaxPages - 1)
	if err != nil {
		return nil, err
	}
	big, err := p.spanPool.Get()
	if err != nil {
		sysmem.FreePages(mem, sizeclass.MaxPages-1)
		return nil, err
	}
	big.start = pageID(uintptr(mem) >> sizeclass.PageShift)
	big.npages = sizeclass.MaxPages - 1
	p.buckets[big.npages].pushFront(big)
	p.pages.setEdges(big)

	return p.newSpan(npages)
}

// spanOf resolves any pointer into allocator-owned memory to its span.
// An unknown pointer means a corrupted heap or a free of memory we never
// issued; both are unrecoverable caller bugs.
func (p *pageCache) spanOf(ptr unsafe.Pointer) *span {
	id := pageID(uintptr(ptr) >> sizeclass.PageShift)
	p.mu.Lock()
	s := p.pages.get(id)
	p.mu.Unlock()
	if s == nil {
		panic(fmt.Sprintf("heap: free of untracked pointer %#x", uintptr(ptr)))
	}
	return s
}

// releaseSpan takes back a span whose objects have all come home (or a
// whole large allocation) and coalesces it with idle neighbours. Caller
// holds p.mu.
func (p *pageCache) releaseSpan(s *span) {
	if s.npages > sizeclass.MaxPages-1 {
		p.pages.erase(s.start)
		p.pages.erase(s.lastPage())
		sysmem.FreePages(unsafe.Pointer(s.base()), s.npages)
		p.spanPool.Put(s)
		return
	}

	// Absorb idle neighbours on the left, then the right, while the merge
	// stays within the bucket range. A neighbour owned outside the page
	// cache stops the walk.
	for {
		left := p.pages.get(s.start - 1)
		if left == nil || left.inUse || left.npages+s.npages > sizeclass.MaxPages-1 {
			break
		}
		p.buckets[left.npages].remove(left)
		s.start = left.start
		s.npages += left.npages
		p.spanPool.Put(left)
		stats.spansCoalesced.Add(1)
	}
	for {
		right := p.pages.get(s.start + pageID(s.npages))
		if right == nil || right.inUse || right.npages+s.npages > sizeclass.MaxPages-1 {
			break
		}
		p.buckets[right.npages].remove(right)
		s.npages += right.npages
		p.spanPool.Put(right)
		stats.spansCoalesced.Add(1)
	}

	s.inUse = false
	s.objSize = 0
	s.freeList = nil
	p.buckets[s.npages].pushFront(s)
	p.pages.setEdges(s)
}
