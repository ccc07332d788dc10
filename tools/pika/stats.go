package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/puzpuzpuz/xsync/v3"
)

const opTypes = 5

// Stats tracks benchmark statistics.
type Stats struct {
	ops    [opTypes]atomic.Uint64
	errors [opTypes]atomic.Uint64

	retries   atomic.Uint64
	txCount   atomic.Uint64
	txErrors  atomic.Uint64
	txRetries atomic.Uint64

	// byCode counts failures by error code name.
	byCode *xsync.MapOf[string, *xsync.Counter]

	// latencies in microseconds
	mu          sync.Mutex
	latencies   []int64
	txLatencies []int64
}

func NewStats() *Stats {
	return &Stats{
		byCode:    xsync.NewMapOf[string, *xsync.Counter](),
		latencies: make([]int64, 0, 100000),
	}
}

func (s *Stats) RecordOp(opType OpType, latency time.Duration) {
	s.ops[opType].Add(1)
	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.mu.Unlock()
}

func (s *Stats) RecordError(opType OpType, err error) {
	s.errors[opType].Add(1)
	c, _ := s.byCode.LoadOrCompute(errorCode(err), xsync.NewCounter)
	c.Inc()
}

func errorCode(err error) string {
	return errs.CodeOf(err).String()
}

func (s *Stats) RecordRetry()   { s.retries.Add(1) }
func (s *Stats) RecordTxError() { s.txErrors.Add(1) }
func (s *Stats) RecordTxRetry() { s.txRetries.Add(1) }

func (s *Stats) RecordTx(latency time.Duration) {
	s.txCount.Add(1)
	s.mu.Lock()
	s.txLatencies = append(s.txLatencies, latency.Microseconds())
	s.mu.Unlock()
}

func (s *Stats) TotalOps() uint64 {
	var n uint64
	for i := range s.ops {
		n += s.ops[i].Load()
	}
	return n
}

func (s *Stats) TotalErrors() uint64 {
	var n uint64
	for i := range s.errors {
		n += s.errors[i].Load()
	}
	return n
}

// ErrorCodes returns failure counts keyed by error code name.
func (s *Stats) ErrorCodes() map[string]int64 {
	out := make(map[string]int64)
	s.byCode.Range(func(code string, c *xsync.Counter) bool {
		out[code] = c.Value()
		return true
	})
	return out
}

// percentiles returns p50, p90, p95, p99 of samples.
func percentiles(samples []int64) (p50, p90, p95, p99 int64) {
	if len(samples) == 0 {
		return 0, 0, 0, 0
	}
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	return sorted[n*50/100], sorted[n*90/100], sorted[n*95/100], sorted[n*99/100]
}

func minMaxAvg(samples []int64) (min, max, avg int64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	min, max = samples[0], samples[0]
	var sum int64
	for _, l := range samples {
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
		sum += l
	}
	return min, max, sum / int64(len(samples))
}

func (s *Stats) GetLatencyPercentiles() (p50, p90, p95, p99 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return percentiles(s.latencies)
}

func (s *Stats) GetLatencyStats() (min, max, avg int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return minMaxAvg(s.latencies)
}

type Snapshot struct {
	Ops       uint64
	Errors    uint64
	Retries   uint64
	TxCount   uint64
	TxErrors  uint64
	TxRetries uint64
}

func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		Ops:       s.TotalOps(),
		Errors:    s.TotalErrors(),
		Retries:   s.retries.Load(),
		TxCount:   s.txCount.Load(),
		TxErrors:  s.txErrors.Load(),
		TxRetries: s.txRetries.Load(),
	}
}

func (s *Stats) PrintFinal(elapsed time.Duration) {
	snap := s.GetSnapshot()

	fmt.Println()
	fmt.Printf("Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Printf("Throughput:    %.2f ops/sec\n", float64(snap.Ops)/elapsed.Seconds())
	if snap.TxCount > 0 {
		fmt.Printf("Transactions:  %.2f tx/sec\n", float64(snap.TxCount)/elapsed.Seconds())
	}
	fmt.Println()

	fmt.Println("Operations:")
	for t := OpRead; t <= OpUpsert; t++ {
		fmt.Printf("  %-7s %d\n", t.String()+":", s.ops[t].Load())
	}
	fmt.Printf("  TOTAL:  %d\n", snap.Ops)
	fmt.Println()

	if snap.Errors > 0 || snap.Retries > 0 || snap.TxErrors > 0 {
		fmt.Println("Errors/Retries:")
		for t := OpRead; t <= OpUpsert; t++ {
			if n := s.errors[t].Load(); n > 0 {
				fmt.Printf("  %s errors: %d\n", t, n)
			}
		}
		codes := s.ErrorCodes()
		names := make([]string, 0, len(codes))
		for name := range codes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("    %-28s %d\n", name, codes[name])
		}
		fmt.Printf("  Total errors:  %d\n", snap.Errors)
		fmt.Printf("  Retries:       %d\n", snap.Retries)
		if snap.TxCount > 0 || snap.TxErrors > 0 {
			fmt.Printf("  Tx errors:     %d\n", snap.TxErrors)
			fmt.Printf("  Tx retries:    %d\n", snap.TxRetries)
		}
		fmt.Println()
	}

	min, max, avg := s.GetLatencyStats()
	p50, p90, p95, p99 := s.GetLatencyPercentiles()
	fmt.Println("Latency (microseconds):")
	fmt.Printf("  Min:   %d\n", min)
	fmt.Printf("  Avg:   %d\n", avg)
	fmt.Printf("  Max:   %d\n", max)
	fmt.Printf("  P50:   %d\n", p50)
	fmt.Printf("  P90:   %d\n", p90)
	fmt.Printf("  P95:   %d\n", p95)
	fmt.Printf("  P99:   %d\n", p99)

	s.mu.Lock()
	tx := append([]int64(nil), s.txLatencies...)
	s.mu.Unlock()
	if len(tx) > 0 {
		t50, _, _, t99 := percentiles(tx)
		fmt.Println("Transaction latency (microseconds):")
		fmt.Printf("  P50:   %d\n", t50)
		fmt.Printf("  P99:   %d\n", t99)
	}
}
