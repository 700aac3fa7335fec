package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/metrics"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

// Watchdog tracks heartbeats of long-running loops and samples host
// resources on each check.
type Watchdog struct {
	mu            sync.RWMutex
	components    map[string]*ComponentHealth
	checkInterval time.Duration
	clock         util.Clock
	sampler       Sampler
}

type ComponentHealth struct {
	Name          string
	Threshold     time.Duration
	lastHeartbeat atomic.Int64
	healthy       atomic.Bool
}

func NewWatchdog(checkInterval time.Duration, clock util.Clock, sampler Sampler) *Watchdog {
	if clock == nil {
		clock = util.RealClock()
	}
	return &Watchdog{
		components:    make(map[string]*ComponentHealth),
		checkInterval: checkInterval,
		clock:         clock,
		sampler:       sampler,
	}
}

// RegisterComponent starts tracking name. A component is unhealthy once it
// has beaten at least once and then stays silent for longer than threshold.
func (w *Watchdog) RegisterComponent(name string, threshold time.Duration) {
	comp := &ComponentHealth{Name: name, Threshold: threshold}
	comp.healthy.Store(true)
	w.mu.Lock()
	w.components[name] = comp
	w.mu.Unlock()
	metrics.ComponentHealthy.WithLabelValues(name).Set(1)
}

func (w *Watchdog) Heartbeat(name string) {
	w.mu.RLock()
	comp, exists := w.components[name]
	w.mu.RUnlock()
	if !exists {
		return
	}
	comp.lastHeartbeat.Store(w.clock.Now().UnixNano())
	if !comp.healthy.Swap(true) {
		logging.Info("Watchdog: %s recovered", name)
		metrics.ComponentHealthy.WithLabelValues(name).Set(1)
	}
}

// Beater returns a heartbeat func bound to name.
func (w *Watchdog) Beater(name string) func() {
	return func() { w.Heartbeat(name) }
}

func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
			w.sample()
		}
	}
}

// Check marks components whose heartbeat is overdue and returns how many
// are unhealthy.
func (w *Watchdog) Check() int {
	now := w.clock.Now().UnixNano()
	unhealthy := 0

	w.mu.RLock()
	defer w.mu.RUnlock()
	for name, comp := range w.components {
		lastBeat := comp.lastHeartbeat.Load()
		if lastBeat == 0 {
			continue
		}

		elapsed := time.Duration(now - lastBeat)
		if elapsed > comp.Threshold {
			unhealthy++
			if comp.healthy.Swap(false) {
				logging.Error("Watchdog: %s unhealthy (no heartbeat for %v)", name, elapsed)
				metrics.ComponentHealthy.WithLabelValues(name).Set(0)
			}
		}
	}
	return unhealthy
}

func (w *Watchdog) sample() {
	if w.sampler == nil {
		return
	}
	stats, err := w.sampler.Sample()
	if err != nil {
		logging.Debug("Watchdog: host sample failed: %v", err)
		return
	}
	metrics.HostCPUPercent.Set(stats.CPUPercent)
	metrics.HostMemoryPercent.Set(stats.MemoryPercent)
	metrics.ProcessMemoryBytes.Set(float64(stats.ProcessRSS))
	if stats.MemoryPercent > 90 {
		logging.Warn("Watchdog: host memory at %.1f%%", stats.MemoryPercent)
	}
}

func (w *Watchdog) IsHealthy(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if comp, exists := w.components[name]; exists {
		return comp.healthy.Load()
	}
	return false
}

func (w *Watchdog) GetStatus() map[string]bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	status := make(map[string]bool, len(w.components))
	for name, comp := range w.components {
		status[name] = comp.healthy.Load()
	}
	return status
}
