package heap

import (
	"sync/atomic"

	"github.com/fastalloc/mempool/internal/sysmem"
)

// heapStats are the allocator's lock-free counters. Hot fields are
// grouped and the struct padded so the counters do not false-share with
// neighbouring globals.
type heapStats struct {
	allocs          atomic.Uint64
	frees           atomic.Uint64
	threadCacheHits atomic.Uint64
	centralFetches  atomic.Uint64
	listEvictions   atomic.Uint64

	spanRequests   atomic.Uint64 // central cache -> page cache
	spansRetired   atomic.Uint64 // page cache <- central cache
	spansSplit     atomic.Uint64
	spansCoalesced atomic.Uint64
	spansDirect    atomic.Uint64 // >128-page runs, OS round trips

	largeAllocs atomic.Uint64
	largeFrees  atomic.Uint64

	_ [cacheLineSize - 8]byte
}

var stats heapStats

// Stats is a point-in-time snapshot of allocator activity, including the
// OS boundary counters.
type Stats struct {
	Allocs          uint64
	Frees           uint64
	ThreadCacheHits uint64
	CentralFetches  uint64
	ListEvictions   uint64

	SpanRequests   uint64
	SpansRetired   uint64
	SpansSplit     uint64
	SpansCoalesced uint64
	SpansDirect    uint64

	LargeAllocs uint64
	LargeFrees  uint64

	OSGrants    uint64
	OSReturns   uint64
	MappedBytes int64
}

func ReadStats() Stats {
	sys := sysmem.ReadStats()
	return Stats{
		Allocs:          stats.allocs.Load(),
		Frees:           stats.frees.Load(),
		ThreadCacheHits: stats.threadCacheHits.Load(),
		CentralFetches:  stats.centralFetches.Load(),
		ListEvictions:   stats.listEvictions.Load(),
		SpanRequests:    stats.spanRequests.Load(),
		SpansRetired:    stats.spansRetired.Load(),
		SpansSplit:      stats.spansSplit.Load(),
		SpansCoalesced:  stats.spansCoalesced.Load(),
		SpansDirect:     stats.spansDirect.Load(),
		LargeAllocs:     stats.largeAllocs.Load(),
		LargeFrees:      stats.largeFrees.Load(),
		OSGrants:        sys.Grants,
		OSReturns:       sys.Returns,
		MappedBytes:     sys.MappedBytes,
	}
}
