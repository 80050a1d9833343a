// Package heap implements a concurrent, tiered, thread-caching memory
// allocator: claimed per-worker caches in front, a per-size-class central
// cache behind them, and a globally locked page cache talking to the OS.
//
// Allocation cascades thread cache -> central cache -> page cache -> OS,
// each layer serving the request locally when it can. Free reverses the
// path, returning memory a layer only once that layer's threshold trips.
package heap

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/fastalloc/mempool/internal/pool"
	"github.com/fastalloc/mempool/internal/sizeclass"
)

const cacheLineSize = 64

// ErrOutOfMemory reports that the OS refused to grant more pages. The
// failing request leaves no partial state; later requests may succeed
// once memory is freed.
var ErrOutOfMemory = errors.New("heap: out of memory")

var (
	pc pageCache
	cc centralCache
)

// cacheSlot holds one claimable thread cache, padded so slots do not
// false-share. The busy flag is the only synchronisation on the fast
// path: a claimed cache is exclusively owned until released.
type cacheSlot struct {
	busy atomic.Uint32
	tc   *threadCache
	_    [cacheLineSize - 16]byte
}

var (
	slots  []cacheSlot
	tcPool *pool.ObjectPool[threadCache]
)

func init() {
	pc.init()
	cc.init()
	tcPool = pool.New[threadCache]()

	// Enough slots that claims rarely collide, rounded to a power of two.
	n := 4 * runtime.GOMAXPROCS(0)
	if n < 8 {
		n = 8
	}
	size := 8
	for size < n {
		size <<= 1
	}
	slots = make([]cacheSlot, size)
}

// claimCache takes exclusive ownership of a thread cache for one
// operation. Probing always starts at slot zero, so an uncontended
// worker keeps hitting the same warm cache; under contention the claim
// spills to the next free slot. Caches are built lazily on first claim.
func claimCache() (*cacheSlot, error) {
	for {
		for i := range slots {
			s := &slots[i]
			if s.busy.CompareAndSwap(0, 1) {
				if s.tc == nil {
					tc, err := tcPool.Get()
					if err != nil {
						s.busy.Store(0)
						return nil, err
					}
					tc.init()
					s.tc = tc
				}
				return s, nil
			}
		}
		runtime.Gosched()
	}
}

func (s *cacheSlot) release() {
	s.busy.Store(0)
}

// Alloc returns a pointer to at least size bytes, aligned per the size
// class table. size must be positive; zero-byte allocation is a caller
// bug. Requests above MaxBytes bypass the caches entirely.
func Alloc(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		panic("heap: zero-size allocation")
	}
	stats.allocs.Add(1)

	if size > sizeclass.MaxBytes {
		return allocLarge(size)
	}

	slot, err := claimCache()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	p, err := slot.tc.allocate(size)
	slot.release()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return p, nil
}

// allocLarge serves requests beyond the cache range: whole pages straight
// from the page cache, with the span marked in use and its aligned size
// recorded so Free can route it back without the caller's help.
func allocLarge(size uintptr) (unsafe.Pointer, error) {
	aligned := sizeclass.RoundUp(size)
	npages := aligned >> sizeclass.PageShift

	pc.mu.Lock()
	s, err := pc.newSpan(npages)
	if err != nil {
		pc.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	s.inUse = true
	s.objSize = aligned
	pc.mu.Unlock()

	stats.largeAllocs.Add(1)
	return unsafe.Pointer(s.base()), nil
}

// Free returns memory obtained from Alloc. The object's size class is
// recovered from its owning span; an unknown pointer panics rather than
// corrupting the heap silently.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		panic("heap: free of nil pointer")
	}
	stats.frees.Add(1)

	s := pc.spanOf(ptr)
	size := s.objSize

	if size > sizeclass.MaxBytes {
		pc.mu.Lock()
		pc.releaseSpan(s)
		pc.mu.Unlock()
		stats.largeFrees.Add(1)
		return
	}

	slot, err := claimCache()
	if err != nil {
		// Could not build a cache; hand the single object straight to the
		// central cache instead of losing it.
		setObjNext(ptr, nil)
		cc.releaseListToSpans(ptr, size)
		return
	}
	slot.tc.deallocate(ptr, size)
	slot.release()
}
