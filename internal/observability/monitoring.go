// internal/observability/monitoring.go
package observability

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fastalloc/mempool/internal/heap"
)

// MetricsCollector gathers allocator-side metrics: operation counts and
// latencies as seen by callers, layered over the engine's own counters.
type MetricsCollector struct {
	// Operation metrics
	allocOpsTotal int64
	freeOpsTotal  int64

	allocLatencySum int64 // in nanoseconds
	freeLatencySum  int64

	allocLatencyCount int64
	freeLatencyCount  int64

	// Error metrics
	oomCount int64

	// Working-set metrics
	bytesRequested int64
	blocksLive     int64

	mu            sync.RWMutex
	lastCollected time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{lastCollected: time.Now()}
}

// RecordAlloc accounts one allocation of size bytes observed to take d.
func (mc *MetricsCollector) RecordAlloc(size int, d time.Duration) {
	atomic.AddInt64(&mc.allocOpsTotal, 1)
	atomic.AddInt64(&mc.allocLatencySum, int64(d))
	atomic.AddInt64(&mc.allocLatencyCount, 1)
	atomic.AddInt64(&mc.bytesRequested, int64(size))
	atomic.AddInt64(&mc.blocksLive, 1)
}

// RecordFree accounts one free observed to take d.
func (mc *MetricsCollector) RecordFree(d time.Duration) {
	atomic.AddInt64(&mc.freeOpsTotal, 1)
	atomic.AddInt64(&mc.freeLatencySum, int64(d))
	atomic.AddInt64(&mc.freeLatencyCount, 1)
	atomic.AddInt64(&mc.blocksLive, -1)
}

// RecordOOM accounts a failed allocation.
func (mc *MetricsCollector) RecordOOM() {
	atomic.AddInt64(&mc.oomCount, 1)
}

// Snapshot is a point-in-time report combining collector and engine
// counters.
type Snapshot struct {
	AllocOps       int64
	FreeOps        int64
	AvgAllocNs     int64
	AvgFreeNs      int64
	OOMs           int64
	BytesRequested int64
	BlocksLive     int64

	Engine heap.Stats

	CollectedAt time.Time
}

// Collect produces a snapshot and stamps the collection time.
func (mc *MetricsCollector) Collect() Snapshot {
	s := Snapshot{
		AllocOps:       atomic.LoadInt64(&mc.allocOpsTotal),
		FreeOps:        atomic.LoadInt64(&mc.freeOpsTotal),
		OOMs:           atomic.LoadInt64(&mc.oomCount),
		BytesRequested: atomic.LoadInt64(&mc.bytesRequested),
		BlocksLive:     atomic.LoadInt64(&mc.blocksLive),
		Engine:         heap.ReadStats(),
		CollectedAt:    time.Now(),
	}
	if n := atomic.LoadInt64(&mc.allocLatencyCount); n > 0 {
		s.AvgAllocNs = atomic.LoadInt64(&mc.allocLatencySum) / n
	}
	if n := atomic.LoadInt64(&mc.freeLatencyCount); n > 0 {
		s.AvgFreeNs = atomic.LoadInt64(&mc.freeLatencySum) / n
	}

	mc.mu.Lock()
	mc.lastCollected = s.CollectedAt
	mc.mu.Unlock()
	return s
}

// String renders the snapshot as a multi-line report for the bench
// driver's final summary.
func (s Snapshot) String() string {
	e := s.Engine
	return fmt.Sprintf(
		"allocs=%d frees=%d live=%d avg_alloc=%dns avg_free=%dns ooms=%d\n"+
			"tc_hits=%d cc_fetches=%d evictions=%d\n"+
			"span_requests=%d retired=%d split=%d coalesced=%d direct=%d\n"+
			"os_grants=%d os_returns=%d mapped_bytes=%d",
		s.AllocOps, s.FreeOps, s.BlocksLive, s.AvgAllocNs, s.AvgFreeNs, s.OOMs,
		e.ThreadCacheHits, e.CentralFetches, e.ListEvictions,
		e.SpanRequests, e.SpansRetired, e.SpansSplit, e.SpansCoalesced, e.SpansDirect,
		e.OSGrants, e.OSReturns, e.MappedBytes,
	)
}

// TimeWindow accumulates op counts between two consecutive Roll calls for
// throughput reporting.
type TimeWindow struct {
	Start time.Time
	End   time.Time
	Ops   int64
	Bytes int64
}

// MetricsAggregator aggregates collector snapshots over time windows.
type MetricsAggregator struct {
	windows  []TimeWindow
	interval time.Duration
	last     Snapshot
	mu       sync.Mutex
}

func NewMetricsAggregator(interval time.Duration) *MetricsAggregator {
	return &MetricsAggregator{interval: interval, last: Snapshot{CollectedAt: time.Now()}}
}

// Roll closes the current window against the latest snapshot.
func (a *MetricsAggregator) Roll(s Snapshot) TimeWindow {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := TimeWindow{
		Start: a.last.CollectedAt,
		End:   s.CollectedAt,
		Ops:   (s.AllocOps + s.FreeOps) - (a.last.AllocOps + a.last.FreeOps),
		Bytes: s.BytesRequested - a.last.BytesRequested,
	}
	a.windows = append(a.windows, w)
	a.last = s
	return w
}

// Throughput reports ops/sec over a window.
func (w TimeWindow) Throughput() float64 {
	d := w.End.Sub(w.Start).Seconds()
	if d <= 0 {
		return 0
	}
	return float64(w.Ops) / d
}
