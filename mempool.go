// Package mempool is a concurrent, tiered, thread-caching memory
// allocator in the TCMalloc mould: claimed per-worker caches serve small
// requests with no locking, a per-size-class central cache refills them
// in batches, and a page cache splits, coalesces and recycles page runs
// against the OS.
//
// Memory returned by Alloc is outside the Go heap and invisible to the
// garbage collector; callers own it until they Free it and must not store
// the only reference to a Go-managed object inside it.
package mempool

import (
	"unsafe"

	"github.com/fastalloc/mempool/internal/heap"
	"github.com/fastalloc/mempool/internal/sizeclass"
)

// MaxBytes is the largest request served by the caching layers; bigger
// requests go straight to the page cache in whole pages.
const MaxBytes = sizeclass.MaxBytes

// ErrOutOfMemory is returned when the OS refuses to grant more pages.
var ErrOutOfMemory = heap.ErrOutOfMemory

// Stats mirrors the allocator's internal counters.
type Stats = heap.Stats

// Alloc returns a pointer to at least size bytes. size must be positive.
func Alloc(size uintptr) (unsafe.Pointer, error) {
	return heap.Alloc(size)
}

// AllocBytes is Alloc with a byte-slice view over the new block.
func AllocBytes(size int) ([]byte, error) {
	if size <= 0 {
		panic("mempool: non-positive allocation")
	}
	p, err := heap.Alloc(uintptr(size))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

// Free returns a block obtained from Alloc. The block's size is recovered
// internally; freeing a pointer the allocator never issued panics.
func Free(ptr unsafe.Pointer) {
	heap.Free(ptr)
}

// FreeBytes frees a slice obtained from AllocBytes.
func FreeBytes(b []byte) {
	heap.Free(unsafe.Pointer(unsafe.SliceData(b)))
}

// ReadStats snapshots allocator activity.
func ReadStats() Stats {
	return heap.ReadStats()
}
