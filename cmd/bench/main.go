// cmd/bench/main.go
// Workload driver for the mempool allocator: hammers Alloc/Free from many
// goroutines, times the same workload against native make([]byte), and
// reports engine counters. Rounds are traced when a Jaeger endpoint is
// configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/fastalloc/mempool"
	"github.com/fastalloc/mempool/internal/observability"
	"github.com/fastalloc/mempool/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
)

const version = "1.0.0"

var (
	rounds     = flag.Int("rounds", 10, "alloc/free rounds per goroutine")
	goroutines = flag.Int("goroutines", runtime.NumCPU(), "concurrent workers")
	allocs     = flag.Int("allocs", 10000, "allocations per round")
	maxSize    = flag.Int("maxsize", 8192, "largest request size in the mix")
)

func main() {
	flag.Parse()
	runtime.GOMAXPROCS(runtime.NumCPU())

	fmt.Println("========================================")
	fmt.Printf("mempool bench v%s\n", version)
	fmt.Printf("goroutines=%d rounds=%d allocs/round=%d maxsize=%d\n",
		*goroutines, *rounds, *allocs, *maxSize)
	fmt.Println("========================================")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	traced := false
	if ep := os.Getenv("MEMPOOL_JAEGER_ENDPOINT"); ep != "" {
		if err := tracing.InitTracing(ep); err != nil {
			log.Printf("tracing disabled: %v", err)
		} else {
			traced = true
			defer func() {
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				if err := tracing.Shutdown(shutdownCtx); err != nil {
					log.Printf("tracing shutdown: %v", err)
				}
			}()
		}
	}

	// Ctrl-C stops between rounds rather than mid-workload.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("interrupt: finishing current round")
		cancel()
	}()

	collector := observability.NewMetricsCollector()
	aggregator := observability.NewMetricsAggregator(time.Second)

	poolTime := runWorkload(ctx, "mempool", traced, collector, func(size int) func() {
		b, err := mempool.AllocBytes(size)
		if err != nil {
			collector.RecordOOM()
			return nil
		}
		// Touch the block so the comparison includes a real write.
		b[0] = byte(size)
		return func() { mempool.FreeBytes(b) }
	})

	nativeTime := runWorkload(ctx, "native", traced, nil, func(size int) func() {
		b := make([]byte, size)
		b[0] = byte(size)
		return func() { _ = b }
	})

	snap := collector.Collect()
	window := aggregator.Roll(snap)

	fmt.Println("========================================")
	fmt.Printf("✓ mempool: %v\n", poolTime)
	fmt.Printf("✓ native:  %v\n", nativeTime)
	fmt.Printf("✓ window throughput: %.0f ops/sec\n", window.Throughput())
	fmt.Println(snap.String())
	fmt.Println("========================================")
}

// runWorkload drives rounds×allocs alloc/free pairs per goroutine through
// the given alloc hook and returns the wall time. The hook returns the
// matching free, or nil when the allocation failed.
func runWorkload(ctx context.Context, name string, traced bool,
	collector *observability.MetricsCollector, alloc func(size int) func(),
) time.Duration {
	tracer := tracing.GetTracer("bench")
	start := time.Now()

	for r := 0; r < *rounds; r++ {
		select {
		case <-ctx.Done():
			return time.Since(start)
		default:
		}

		roundCtx := ctx
		var endRound func()
		if traced {
			spanCtx, span := tracing.StartSpan(ctx, tracer, name+"-round",
				attribute.Int("round", r),
				attribute.Int("goroutines", *goroutines),
				attribute.Int("allocs", *allocs),
			)
			roundCtx = spanCtx
			endRound = func() { span.End() }
		}

		var wg sync.WaitGroup
		for g := 0; g < *goroutines; g++ {
			wg.Add(1)
			go func(seed int64) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(seed))
				frees := make([]func(), 0, *allocs)
				for i := 0; i < *allocs; i++ {
					size := 1 + rng.Intn(*maxSize)
					t0 := time.Now()
					free := alloc(size)
					if free == nil {
						continue
					}
					if collector != nil {
						collector.RecordAlloc(size, time.Since(t0))
					}
					frees = append(frees, free)
				}
				for _, free := range frees {
					t0 := time.Now()
					free()
					if collector != nil {
						collector.RecordFree(time.Since(t0))
					}
				}
			}(int64(r)<<16 | int64(g))
		}
		wg.Wait()

		if endRound != nil {
			tracing.AddSpanEvent(roundCtx, "round-complete",
				attribute.String("workload", name))
			endRound()
		}
	}
	return time.Since(start)
}
