package heap

import (
	"sync"
	"unsafe"

	"github.com/fastalloc/mempool/internal/sizeclass"
)

// centralBucket is one size class's slice of the central cache: a span
// list under its own mutex, padded so neighbouring buckets do not share a
// cache line.
type centralBucket struct {
	mu    sync.Mutex
	spans spanList
	_     [cacheLineSize - 8]byte
}

// centralCache sits between the thread caches and the page cache. It
// hands object batches to thread caches out of sliced spans and takes
// them back, retiring a span to the page cache once every object it was
// sliced into has come home. Contention is per size class.
type centralCache struct {
	buckets [sizeclass.NumFreeLists]centralBucket
}

func (c *centralCache) init() {
	for i := range c.buckets {
		c.buckets[i].spans.init()
	}
}

// fetchRange detaches up to batch objects of the given aligned size and
// returns the chain [start, end] plus its actual length, always >= 1.
func (c *centralCache) fetchRange(batch uintptr, size uintptr) (start, end unsafe.Pointer, actual uintptr, err error) {
	b := &c.buckets[sizeclass.Index(size)]
	b.mu.Lock()

	s, err := c.getOneSpan(b, size)
	if err != nil {
		b.mu.Unlock()
		return nil, nil, 0, err
	}

	// Walk at most batch objects off the span's list; a short span yields
	// a short batch rather than blocking for more.
	start = s.freeList
	end = start
	actual = 1
	for i := uintptr(0); i < batch-1 && objNext(end) != nil; i++ {
		end = objNext(end)
		actual++
	}
	s.freeList = objNext(end)
	setObjNext(end, nil)
	s.useCount += actual

	b.mu.Unlock()
	return start, end, actual, nil
}

// getOneSpan returns a span in b with a non-empty object list, slicing a
// fresh span from the page cache when the bucket has none. Called with
// b.mu held; the slow path drops it before touching the page cache so
// threads freeing into this bucket are not stalled behind the OS, and so
// lock order stays strictly bucket then page.
func (c *centralCache) getOneSpan(b *centralBucket, size uintptr) (*span, error) {
	for s := b.spans.first(); s != b.spans.end(); s = s.next {
		if s.freeList != nil {
			return s, nil
		}
	}

	b.mu.Unlock()

	npages := sizeclass.NumMovePages(size)
	pc.mu.Lock()
	s, err := pc.newSpan(npages)
	if err != nil {
		pc.mu.Unlock()
		b.mu.Lock()
		return nil, err
	}
	s.inUse = true
	s.objSize = size
	pc.mu.Unlock()
	stats.spanRequests.Add(1)

	// Slice the span's pages into a chain of size-byte objects. Nobody
	// else can reach the span yet, so no lock covers the cutting. A tail
	// shorter than one object is left unused.
	base := s.base()
	limit := base + s.bytes()
	s.freeList = unsafe.Pointer(base)
	tail := base
	for obj := base + size; obj+size <= limit; obj += size {
		setObjNext(unsafe.Pointer(tail), unsafe.Pointer(obj))
		tail = obj
	}
	setObjNext(unsafe.Pointer(tail), nil)

	b.mu.Lock()
	b.spans.pushFront(s)
	return s, nil
}

// releaseListToSpans walks a chain of freed objects of one size class and
// returns each to the span it was sliced from. A span whose use count
// hits zero is unlinked and handed back to the page cache; the bucket
// lock is dropped around that handoff, again keeping bucket-then-page
// order.
func (c *centralCache) releaseListToSpans(start unsafe.Pointer, size uintptr) {
	b := &c.buckets[sizeclass.Index(size)]
	b.mu.Lock()

	for start != nil {
		next := objNext(start)

		s := pc.spanOf(start)
		setObjNext(start, s.freeList)
		s.freeList = start
		if s.useCount == 0 {
			panic("heap: span use count underflow")
		}
		s.useCount--

		if s.useCount == 0 {
			b.spans.remove(s)
			s.freeList = nil

			b.mu.Unlock()
			pc.mu.Lock()
			pc.releaseSpan(s)
			pc.mu.Unlock()
			b.mu.Lock()
			stats.spansRetired.Add(1)
		}

		start = next
	}

	b.mu.Unlock()
}
