// Package pool provides a fixed-size descriptor allocator.
//
// The main allocator cannot allocate its own bookkeeping (span and thread
// cache descriptors) through itself without recursing into the page-cache
// lock, so those descriptors come from here instead. The pool bump-
// allocates from 128 KiB OS slabs and keeps returned blocks on an
// intrusive free list, reusing the first word of each free block as the
// link — the same trick the object free lists play.
package pool

import (
	"sync"
	"unsafe"

	"github.com/fastalloc/mempool/internal/sysmem"
)

const slabBytes = 128 * 1024

// ObjectPool hands out and recycles blocks of one fixed type T. Slabs are
// never returned to the OS; freed blocks feed later Gets.
type ObjectPool[T any] struct {
	mu        sync.Mutex
	cursor    uintptr // next unused byte in the current slab
	remaining uintptr
	freeList  unsafe.Pointer
	objSize   uintptr

	slabs uint64
	live  int64
}

// New sizes the pool for T. Blocks are at least pointer-sized (the free
// list lives in the first word) and word-aligned.
func New[T any]() *ObjectPool[T] {
	size := unsafe.Sizeof(*new(T))
	ptrSize := unsafe.Sizeof(uintptr(0))
	if size < ptrSize {
		size = ptrSize
	}
	size = (size + ptrSize - 1) &^ (ptrSize - 1)
	return &ObjectPool[T]{objSize: size}
}

// Get returns a zeroed *T, reusing a returned block when one is free and
// bump-allocating from the slab otherwise.
func (p *ObjectPool[T]) Get() (*T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var obj *T
	if p.freeList != nil {
		next := *(*unsafe.Pointer)(p.freeList)
		obj = (*T)(p.freeList)
		p.freeList = next
	} else {
		if p.remaining < p.objSize {
			mem, err := sysmem.AllocPages(slabBytes >> sysmem.PageShift)
			if err != nil {
				return nil, err
			}
			p.cursor = uintptr(mem)
			p.remaining = slabBytes
			p.slabs++
		}
		obj = (*T)(unsafe.Pointer(p.cursor))
		p.cursor += p.objSize
		p.remaining -= p.objSize
	}

	var zero T
	*obj = zero
	p.live++
	return obj, nil
}

// Put recycles a block obtained from Get. The block's contents are dead
// the moment it is handed back.
func (p *ObjectPool[T]) Put(obj *T) {
	if obj == nil {
		panic("pool: put of nil block")
	}
	p.mu.Lock()
	*(*unsafe.Pointer)(unsafe.Pointer(obj)) = p.freeList
	p.freeList = unsafe.Pointer(obj)
	p.live--
	p.mu.Unlock()
}

// Live reports blocks currently handed out.
func (p *ObjectPool[T]) Live() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
