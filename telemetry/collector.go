package telemetry

import (
	"sync"
	"time"
)

// ChunkStatsProvider reports chunk counts per sharded namespace.
type ChunkStatsProvider interface {
	ChunkCounts() map[string]int
}

// CoordinatorStatsProvider reports coordinators still holding a document.
type CoordinatorStatsProvider interface {
	ActiveCount() int
}

// MetricsCollector periodically samples gauges that have no natural update
// point on the hot path.
type MetricsCollector struct {
	chunks       ChunkStatsProvider
	coordinators CoordinatorStatsProvider
	interval     time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewMetricsCollector creates a collector. Either provider may be nil.
func NewMetricsCollector(chunks ChunkStatsProvider, coordinators CoordinatorStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		chunks:       chunks,
		coordinators: coordinators,
		interval:     interval,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.chunks != nil {
		for ns, n := range mc.chunks.ChunkCounts() {
			PlacementChunks.With(ns).Set(float64(n))
		}
	}
	if mc.coordinators != nil {
		ActiveCoordinators.Set(float64(mc.coordinators.ActiveCount()))
	}
}
