package metrics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Options toggles the two metric families. Both are off until Configure is
// called, so library code can record unconditionally.
type Options struct {
	Business bool
	System   bool
}

var (
	businessEnabled atomic.Bool
	systemEnabled   atomic.Bool
)

// Configure enables or disables metric collection
func Configure(opts Options) {
	businessEnabled.Store(opts.Business)
	systemEnabled.Store(opts.System)
}

// BusinessEnabled reports whether client metrics are being recorded
func BusinessEnabled() bool { return businessEnabled.Load() }

// MetricsManager is a singleton that owns the private Prometheus registry
type MetricsManager struct {
	systemCPUUsage    *prometheus.GaugeVec
	systemMemoryUsage *prometheus.GaugeVec
	goGoroutines      prometheus.Gauge
	goHeapAlloc       prometheus.Gauge
	goGCCPUFraction   prometheus.Gauge

	registry *prometheus.Registry

	initialized bool
	mu          sync.RWMutex
}

var (
	instance *MetricsManager
	once     sync.Once
)

// GetInstance returns the singleton instance of MetricsManager
func GetInstance() *MetricsManager {
	once.Do(func() {
		instance = &MetricsManager{
			registry: prometheus.NewRegistry(),
		}
	})
	return instance
}

// Registry returns the registry every collector in this package registers with
func Registry() *prometheus.Registry {
	return GetInstance().registry
}

// initializeSystemMetrics registers the host and runtime gauges (thread-safe)
func (mm *MetricsManager) initializeSystemMetrics() {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if mm.initialized {
		return
	}

	mm.systemCPUUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "system_cpu_usage_percent",
			Help: "Current CPU usage percentage",
		},
		[]string{"core"},
	)

	mm.systemMemoryUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "system_memory_usage_bytes",
			Help: "Current memory usage in bytes",
		},
		[]string{"type"},
	)

	mm.goGoroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chartprep_goroutines",
			Help: "Number of goroutines that currently exist",
		},
	)

	mm.goHeapAlloc = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chartprep_heap_alloc_bytes",
			Help: "Heap memory usage in bytes",
		},
	)

	mm.goGCCPUFraction = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chartprep_gc_cpu_fraction",
			Help: "Fraction of CPU time used by GC",
		},
	)

	mm.registry.MustRegister(
		mm.systemCPUUsage,
		mm.systemMemoryUsage,
		mm.goGoroutines,
		mm.goHeapAlloc,
		mm.goGCCPUFraction,
	)

	mm.initialized = true
}

// StartSystemMetrics samples host and runtime stats every interval until ctx
// is cancelled. It is a no-op when system metrics are disabled.
func StartSystemMetrics(ctx context.Context, interval time.Duration) {
	if !systemEnabled.Load() {
		return
	}

	mm := GetInstance()
	mm.initializeSystemMetrics()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			mm.collectSystemMetrics()
			mm.collectGoRuntimeMetrics()

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (mm *MetricsManager) collectSystemMetrics() {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	if !mm.initialized {
		return
	}

	if cpuPercentages, err := cpu.Percent(0, true); err == nil {
		for i, percentage := range cpuPercentages {
			mm.systemCPUUsage.WithLabelValues(fmt.Sprintf("cpu%d", i)).Set(percentage)
		}
	}

	if vmstat, err := mem.VirtualMemory(); err == nil {
		mm.systemMemoryUsage.WithLabelValues("total").Set(float64(vmstat.Total))
		mm.systemMemoryUsage.WithLabelValues("available").Set(float64(vmstat.Available))
		mm.systemMemoryUsage.WithLabelValues("used").Set(float64(vmstat.Used))
	}
}

func (mm *MetricsManager) collectGoRuntimeMetrics() {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	if !mm.initialized {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.goGoroutines.Set(float64(runtime.NumGoroutine()))
	mm.goHeapAlloc.Set(float64(m.HeapAlloc))
	mm.goGCCPUFraction.Set(m.GCCPUFraction)
}
