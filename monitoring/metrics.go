package monitoring

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// MetricsCollector tracks request and extraction metrics plus a periodic
// system snapshot.
type MetricsCollector struct {
	requestCount    int64
	errorCount      int64
	extractionCount int64
	extractionUsec  int64 // cumulative extraction time, microseconds

	mu          sync.RWMutex
	cpuPercent  float64
	loadAvg1    float64
	memUsedPct  float64
	memUsedMB   uint64
	goroutines  int
	heapAllocMB uint64

	startTime time.Time
	done      chan struct{}
	once      sync.Once
}

func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	go mc.collectLoop()
	return mc
}

func (mc *MetricsCollector) collectLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-mc.done:
			return
		case <-ticker.C:
			mc.collectSystemMetrics()
		}
	}
}

func (mc *MetricsCollector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var cpuPct float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	}
	var load1 float64
	if avg, err := load.Avg(); err == nil {
		load1 = avg.Load1
	}
	var usedPct float64
	var usedMB uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		usedPct = vm.UsedPercent
		usedMB = vm.Used / 1024 / 1024
	}

	mc.mu.Lock()
	mc.cpuPercent = cpuPct
	mc.loadAvg1 = load1
	mc.memUsedPct = usedPct
	mc.memUsedMB = usedMB
	mc.goroutines = runtime.NumGoroutine()
	mc.heapAllocMB = m.Alloc / 1024 / 1024
	mc.mu.Unlock()
}

// RecordRequest records a request metric
func (mc *MetricsCollector) RecordRequest() {
	atomic.AddInt64(&mc.requestCount, 1)
}

// RecordError records an error metric
func (mc *MetricsCollector) RecordError() {
	atomic.AddInt64(&mc.errorCount, 1)
}

// RecordExtraction records one completed extraction and its duration.
func (mc *MetricsCollector) RecordExtraction(duration time.Duration) {
	atomic.AddInt64(&mc.extractionCount, 1)
	atomic.AddInt64(&mc.extractionUsec, duration.Microseconds())
}

// Snapshot returns the current metrics for the status endpoint.
func (mc *MetricsCollector) Snapshot() map[string]interface{} {
	requests := atomic.LoadInt64(&mc.requestCount)
	errors := atomic.LoadInt64(&mc.errorCount)
	extractions := atomic.LoadInt64(&mc.extractionCount)
	usec := atomic.LoadInt64(&mc.extractionUsec)

	avgMs := float64(0)
	if extractions > 0 {
		avgMs = float64(usec) / float64(extractions) / 1000
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return map[string]interface{}{
		"uptime_seconds":      int64(time.Since(mc.startTime).Seconds()),
		"requests":            requests,
		"errors":              errors,
		"extractions":         extractions,
		"avg_extraction_ms":   avgMs,
		"cpu_percent":         mc.cpuPercent,
		"load_avg_1":          mc.loadAvg1,
		"memory_used_percent": mc.memUsedPct,
		"memory_used_mb":      mc.memUsedMB,
		"goroutines":          mc.goroutines,
		"heap_alloc_mb":       mc.heapAllocMB,
	}
}

// Stop halts the background collection loop.
func (mc *MetricsCollector) Stop() {
	mc.once.Do(func() { close(mc.done) })
}
