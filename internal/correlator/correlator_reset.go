package correlator

import (
	"sync"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/metrics"
)

// Sweeper periodically drops counters that saw no traffic for Idle(), which
// bounds memory under floods of transient identities.
type Sweeper struct {
	agg       *Aggregator
	nuke      *NukeAggregate
	interval  time.Duration
	idle      func() time.Duration
	heartbeat func()

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

func NewSweeper(agg *Aggregator, nuke *NukeAggregate, interval time.Duration, idle func() time.Duration) *Sweeper {
	return &Sweeper{
		agg:      agg,
		nuke:     nuke,
		interval: interval,
		idle:     idle,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnSweep registers a callback run after every pass, used for watchdog heartbeats.
func (s *Sweeper) OnSweep(fn func()) {
	s.heartbeat = fn
}

// SweepOnce runs one pass and returns the number of dropped counter keys.
func (s *Sweeper) SweepOnce() int {
	idle := s.idle()
	dropped := s.agg.Sweep(idle)
	if s.nuke != nil {
		s.nuke.Sweep(idle)
	}
	metrics.CounterKeys.Set(float64(s.agg.Size()))
	if dropped > 0 {
		logging.Debug("[SWEEP] Dropped %d dormant counters (idle >= %v)", dropped, idle)
	}
	if s.heartbeat != nil {
		s.heartbeat()
	}
	return dropped
}

func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		s.started = true
		go s.loop()
	})
}

func (s *Sweeper) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.started {
		<-s.done
	}
}
