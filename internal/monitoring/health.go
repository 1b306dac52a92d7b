// Package monitoring serves the observability endpoints: Prometheus
// metrics and a JSON health snapshot of the process and the page cache.
package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-quiver/internal/far"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/parallel"
)

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Uptime    string     `json:"uptime"`
	System    SystemInfo `json:"system"`
	Cache     CacheInfo  `json:"cache"`
}

// SystemInfo describes the process and host.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	Workers      int    `json:"workers"`
	Goroutines   int    `json:"goroutines"`
	HeapAllocMB  uint64 `json:"heap_alloc_mb"`
	HeapSysMB    uint64 `json:"heap_sys_mb"`
}

// CacheInfo describes the page cache fronting the far memory tier.
type CacheInfo struct {
	Attached    bool `json:"attached"`
	FrameBudget int  `json:"frame_budget"`
	FrameBytes  int  `json:"frame_bytes"`
}

// Server exposes /metrics and /health.
type Server struct {
	cache *far.Cache
	start time.Time
}

// NewServer builds the endpoint handler. cache may be nil when the run
// is fully local.
func NewServer(cache *far.Cache) *Server {
	return &Server{cache: cache, start: time.Now()}
}

// Handler returns the mux with both endpoints mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Serve listens on addr until the listener fails. Meant to run in its
// own goroutine beside the inference loop.
func (s *Server) Serve(addr string) {
	logger.Log.Info("monitoring endpoints up", "addr", addr)
	if err := http.ListenAndServe(addr, s.Handler()); err != nil {
		logger.Log.Warn("monitoring server stopped", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.start).String(),
		System: SystemInfo{
			GoVersion:   runtime.Version(),
			OS:          runtime.GOOS,
			Arch:        runtime.GOARCH,
			NumCPU:      runtime.NumCPU(),
			Workers:     parallel.Workers(),
			Goroutines:  runtime.NumGoroutine(),
			HeapAllocMB: mem.HeapAlloc / (1 << 20),
			HeapSysMB:   mem.HeapSys / (1 << 20),
		},
	}
	if s.cache != nil {
		status.Cache = CacheInfo{
			Attached:    true,
			FrameBudget: s.cache.Frames(),
			FrameBytes:  far.PageFloats * 4,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
