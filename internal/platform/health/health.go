// Package health provides liveness and readiness probes for services.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status is the aggregate health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the outcome of one registered checker.
type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms"`
}

// System is a point-in-time resource snapshot included in readiness
// responses.
type System struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
}

// Response is the readiness probe body.
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Service   string            `json:"service,omitempty"`
	Version   string            `json:"version,omitempty"`
	UptimeSec int64             `json:"uptime_seconds"`
	Checks    map[string]*Check `json:"checks,omitempty"`
	System    *System           `json:"system,omitempty"`
}

// Checker performs one dependency probe.
type Checker func(ctx context.Context) error

// Handler runs registered checkers in parallel and serves the probe
// endpoints.
type Handler struct {
	mu        sync.RWMutex
	checks    map[string]Checker
	service   string
	version   string
	startTime time.Time
}

// NewHandler creates a health handler for a service.
func NewHandler(service, version string) *Handler {
	return &Handler{
		checks:    make(map[string]Checker),
		service:   service,
		version:   version,
		startTime: time.Now(),
	}
}

// AddCheck registers a named checker.
func (h *Handler) AddCheck(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
}

// Check runs every checker in parallel and aggregates the worst status.
func (h *Handler) Check(ctx context.Context) *Response {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := &Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Service:   h.service,
		Version:   h.version,
		UptimeSec: int64(time.Since(h.startTime).Seconds()),
		Checks:    make(map[string]*Check),
		System:    systemSnapshot(),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, checker := range h.checks {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			start := time.Now()
			err := checker(ctx)

			check := &Check{
				Name:    name,
				Status:  StatusHealthy,
				Latency: time.Since(start).Milliseconds(),
			}
			if err != nil {
				check.Status = StatusUnhealthy
				check.Message = err.Error()
			}

			mu.Lock()
			resp.Checks[name] = check
			if check.Status == StatusUnhealthy {
				resp.Status = StatusUnhealthy
			}
			mu.Unlock()
		}(name, checker)
	}

	wg.Wait()
	return resp
}

// LivenessHandler answers as long as the process is serving requests.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// ReadinessHandler runs all checkers with a 5s budget; 503 on any failure.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp := h.Check(ctx)

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == StatusHealthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// PingChecker adapts any ping function, like a state store's Ping.
func PingChecker(ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) error {
		return ping(ctx)
	}
}

// HTTPChecker probes an HTTP endpoint and fails on 4xx/5xx.
func HTTPChecker(url string, timeout time.Duration) Checker {
	return func(ctx context.Context) error {
		client := &http.Client{Timeout: timeout}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("unhealthy status code %d", resp.StatusCode)
		}
		return nil
	}
}

// systemSnapshot samples process-visible cpu and memory usage. Sampling
// errors leave the corresponding field at zero.
func systemSnapshot() *System {
	s := &System{Goroutines: runtime.NumGoroutine()}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}
	return s
}
