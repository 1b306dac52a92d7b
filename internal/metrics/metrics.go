package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_tokens_total",
		Help: "The total number of tokens processed by the forward pass",
	})

	InferenceDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "inference_duration_seconds",
		Help: "Duration of per-token forward passes",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernel_duration_seconds",
		Help:    "Histogram of tensor kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	// Page cache (far tier) metrics

	PageFaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "far_page_faults_total",
		Help: "Pages fetched from the remote tier",
	})

	PageHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "far_page_hits_total",
		Help: "Page acquisitions served from resident frames",
	})

	PageEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "far_page_evictions_total",
		Help: "Frames evicted to make room for a fault",
	})

	PageWritebacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "far_page_writebacks_total",
		Help: "Dirty frames written back to the remote tier",
	})

	PinnedFrames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "far_pinned_frames",
		Help: "Frames currently pinned by access scopes",
	})

	ResidentBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "far_resident_bytes",
		Help: "Bytes of remote data currently resident in the page cache",
	})

	PinWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "far_pin_wait_seconds",
		Help:    "Time spent establishing a pin, including remote fetches",
		Buckets: []float64{1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1},
	})

	// KV cache metrics

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total capacity of the key/value cache in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_used_bytes",
		Help: "Bytes of the key/value cache written so far",
	})
)

// RecordInference records one generated token and its forward latency.
func RecordInference(tokens int, d time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	InferenceDuration.Observe(d.Seconds())
}

// RecordKernel observes one kernel invocation.
func RecordKernel(name string, d time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RecordKVCacheStats sets capacity and used gauges for the KV cache.
func RecordKVCacheStats(capacityBytes, usedBytes int64) {
	KVCacheCapacityBytes.Set(float64(capacityBytes))
	KVCacheUsedBytes.Set(float64(usedBytes))
}
