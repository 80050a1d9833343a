//go:build unix

// Package sysmem is the allocator's only OS boundary: it grants and
// returns raw virtual memory in whole 8 KiB pages via anonymous private
// mmap.
//
// Pages must be naturally aligned so that addr >> PageShift is a stable
// page ID. The kernel only guarantees its own (typically 4 KiB) page
// alignment, so a grant that comes back misaligned is retried with one
// page of padding and the aligned interior is handed out. The raw mapping
// is remembered, keyed by the aligned base, so FreePages can unmap
// exactly the region the kernel gave us.
package sysmem

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	PageShift = 13
	PageSize  = 1 << PageShift
)

var (
	mu       sync.Mutex
	mappings = map[uintptr][]byte{}

	mappedBytes atomic.Int64
	grants      atomic.Uint64
	returns     atomic.Uint64
)

// Stats is a point-in-time snapshot of the OS boundary counters.
type Stats struct {
	MappedBytes int64
	Grants      uint64
	Returns     uint64
}

func ReadStats() Stats {
	return Stats{
		MappedBytes: mappedBytes.Load(),
		Grants:      grants.Load(),
		Returns:     returns.Load(),
	}
}

func mmap(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

// AllocPages grants npages naturally aligned pages. The returned memory is
// zeroed by the kernel.
func AllocPages(npages uintptr) (unsafe.Pointer, error) {
	if npages == 0 {
		panic("sysmem: zero-page grant")
	}
	length := int(npages << PageShift)

	raw, err := mmap(length)
	if err != nil {
		return nil, fmt.Errorf("sysmem: mmap %d pages: %w", npages, err)
	}
	base := uintptr(unsafe.Pointer(&raw[0]))
	if base&(PageSize-1) != 0 {
		// Kernel alignment is coarser than ours. Pad by one page and
		// carve the aligned interior out of the larger mapping.
		_ = unix.Munmap(raw)
		raw, err = mmap(length + PageSize)
		if err != nil {
			return nil, fmt.Errorf("sysmem: mmap %d pages (padded): %w", npages, err)
		}
		base = (uintptr(unsafe.Pointer(&raw[0])) + PageSize - 1) &^ uintptr(PageSize-1)
	}

	mu.Lock()
	mappings[base] = raw
	mu.Unlock()

	grants.Add(1)
	mappedBytes.Add(int64(len(raw)))
	return unsafe.Pointer(base), nil
}

// FreePages returns a grant obtained from AllocPages. ptr must be the
// exact pointer AllocPages returned.
func FreePages(ptr unsafe.Pointer, npages uintptr) {
	mu.Lock()
	raw, ok := mappings[uintptr(ptr)]
	if ok {
		delete(mappings, uintptr(ptr))
	}
	mu.Unlock()
	if !ok {
		panic("sysmem: free of unknown mapping")
	}
	if err := unix.Munmap(raw); err != nil {
		panic(fmt.Sprintf("sysmem: munmap %d pages: %v", npages, err))
	}
	returns.Add(1)
	mappedBytes.Add(-int64(len(raw)))
}
