package heap

import (
	"unsafe"

	"github.com/fastalloc/mempool/internal/sizeclass"
)

// threadCache is the lock-free front end: one private free list per size
// class. A cache is only ever touched by the worker that has it claimed,
// so no operation here synchronises.
//
// Descriptors come from the thread cache pool, so the struct must hold no
// Go heap pointers.
type threadCache struct {
	lists [sizeclass.NumFreeLists]freeList
}

// init arms the slow-start caps. Pool memory arrives zeroed, and a cap of
// zero would never grow.
func (t *threadCache) init() {
	for i := range t.lists {
		t.lists[i].max = 1
	}
}

// allocate serves one object of at most MaxBytes bytes, from the local
// list when warm and from the central cache on a miss.
func (t *threadCache) allocate(size uintptr) (unsafe.Pointer, error) {
	if size == 0 || size > sizeclass.MaxBytes {
		panic("heap: thread cache size out of range")
	}
	aligned := sizeclass.RoundUp(size)
	idx := sizeclass.Index(size)

	if !t.lists[idx].empty() {
		stats.threadCacheHits.Add(1)
		return t.lists[idx].pop(), nil
	}
	return t.fetchFromCentral(idx, aligned)
}

// fetchFromCentral pulls a batch from the central cache on a miss.
//
// Slow start: a cold list asks for one object; every miss that was capped
// by maxSize raises the cap by one, until NumMoveSize caps it for good.
// A burst therefore warms a class quickly without committing a large
// batch to a class that was touched once.
func (t *threadCache) fetchFromCentral(idx int, size uintptr) (unsafe.Pointer, error) {
	list := &t.lists[idx]

	batch := list.maxSize()
	if limit := sizeclass.NumMoveSize(size); limit < batch {
		batch = limit
	}
	if batch == list.maxSize() {
		list.growMax()
	}

	start, end, actual, err := cc.fetchRange(batch, size)
	if err != nil {
		return nil, err
	}
	stats.centralFetches.Add(1)

	// First object to the caller, the rest of the chain onto the list.
	if actual > 1 {
		t.lists[idx].pushRange(objNext(start), end, actual-1)
	}
	return start, nil
}

// deallocate takes one object back. A list that has grown to its batch
// cap returns a full batch to the central cache.
func (t *threadCache) deallocate(obj unsafe.Pointer, size uintptr) {
	idx := sizeclass.Index(size)
	t.lists[idx].push(obj)

	if t.lists[idx].size() >= t.lists[idx].maxSize() {
		t.listTooLong(&t.lists[idx], size)
	}
}

func (t *threadCache) listTooLong(list *freeList, size uintptr) {
	start, _ := list.popRange(list.maxSize())
	cc.releaseListToSpans(start, size)
	stats.listEvictions.Add(1)
}
