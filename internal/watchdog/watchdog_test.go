package watchdog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pierrebglinux/dscprotect/pkg/util"
)

type stubSampler struct {
	stats SystemStats
	err   error
	calls int
}

func (s *stubSampler) Sample() (SystemStats, error) {
	s.calls++
	return s.stats, s.err
}

func TestComponentGoesUnhealthyAndRecovers(t *testing.T) {
	clock := util.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	w := NewWatchdog(time.Second, clock, nil)
	w.RegisterComponent("sweeper", 5*time.Second)
	w.RegisterComponent("gateway", time.Minute)

	assert.Zero(t, w.Check(), "components that never beat are not judged")

	beat := w.Beater("sweeper")
	beat()
	w.Heartbeat("gateway")
	clock.Advance(6 * time.Second)

	assert.Equal(t, 1, w.Check())
	assert.False(t, w.IsHealthy("sweeper"))
	assert.True(t, w.IsHealthy("gateway"))

	beat()
	assert.Zero(t, w.Check())
	assert.Equal(t, map[string]bool{"sweeper": true, "gateway": true}, w.GetStatus())
}

func TestUnknownComponent(t *testing.T) {
	w := NewWatchdog(time.Second, nil, nil)
	w.Heartbeat("missing")
	assert.False(t, w.IsHealthy("missing"))
}

func TestSampleToleratesErrors(t *testing.T) {
	s := &stubSampler{err: errors.New("no procfs")}
	w := NewWatchdog(time.Second, nil, s)
	w.sample()
	s.err = nil
	s.stats = SystemStats{CPUPercent: 12, MemoryPercent: 40, ProcessRSS: 1 << 20}
	w.sample()
	assert.Equal(t, 2, s.calls)
}
