package correlator

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

// Key identifies one abuse counter. IdentityID is empty for tenant-wide
// counters such as join floods.
type Key struct {
	TenantID   string
	IdentityID string
	Category   models.Category
}

// Hit is one counted event.
type Hit struct {
	At         time.Time
	ArtifactID string
	IdentityID string
}

// ThresholdSource supplies the live tenant configuration.
type ThresholdSource interface {
	Security(tenantID string) config.GuildSecurity
}

type counter struct {
	hits     []Hit
	lastSeen time.Time
}

// Verdict is the result of recording one hit.
type Verdict struct {
	Count    int
	Limit    int
	Breached bool
	Evidence []Hit
}

// Aggregator is the sliding-window counter store. Each key is updated with a
// single atomic read-modify-write, so concurrent handlers never observe a
// half-pruned sequence.
type Aggregator struct {
	counters *xsync.MapOf[Key, *counter]
	limits   ThresholdSource
	clock    util.Clock
}

func NewAggregator(limits ThresholdSource, clock util.Clock) *Aggregator {
	if clock == nil {
		clock = util.RealClock()
	}
	return &Aggregator{
		counters: xsync.NewMapOf[Key, *counter](),
		limits:   limits,
		clock:    clock,
	}
}

// prune drops hits whose age relative to now reached window. hits is sorted
// so only a prefix is ever removed.
func prune(hits []Hit, now time.Time, window time.Duration) []Hit {
	i := 0
	for i < len(hits) && now.Sub(hits[i].At) >= window {
		i++
	}
	if i == 0 {
		return hits
	}
	out := make([]Hit, len(hits)-i)
	copy(out, hits[i:])
	return out
}

// Threshold returns the allowance for cat in tenantID.
func (a *Aggregator) Threshold(tenantID string, cat models.Category) int {
	return a.limits.Security(tenantID).Threshold(cat)
}

func (a *Aggregator) window(tenantID string, cat models.Category) time.Duration {
	return a.limits.Security(tenantID).Window(cat)
}

// Record appends hit to key, prunes with the configured window and returns the
// post-prune count and a copy of the surviving hits.
func (a *Aggregator) Record(key Key, hit Hit) (int, []Hit) {
	return a.RecordWindow(key, hit, a.window(key.TenantID, key.Category))
}

// RecordWindow is Record with an explicit window.
func (a *Aggregator) RecordWindow(key Key, hit Hit, window time.Duration) (int, []Hit) {
	now := a.clock.Now()
	if hit.At.IsZero() {
		hit.At = now
	}

	var snapshot []Hit
	a.counters.Compute(key, func(old *counter, loaded bool) (*counter, bool) {
		var hits []Hit
		if loaded {
			hits = old.hits
		}
		if n := len(hits); n > 0 && hit.At.Before(hits[n-1].At) {
			hit.At = hits[n-1].At
		}
		next := make([]Hit, len(hits), len(hits)+1)
		copy(next, hits)
		next = prune(append(next, hit), now, window)
		snapshot = make([]Hit, len(next))
		copy(snapshot, next)
		return &counter{hits: next, lastSeen: now}, false
	})
	return len(snapshot), snapshot
}

// Evaluate records hit and compares the count against the configured limit.
// The limit+1-th hit inside the window is the first breach.
func (a *Aggregator) Evaluate(key Key, hit Hit) Verdict {
	limit := a.Threshold(key.TenantID, key.Category)
	count, hits := a.Record(key, hit)
	return Verdict{
		Count:    count,
		Limit:    limit,
		Breached: count > limit,
		Evidence: hits,
	}
}

// Count prunes key and returns the remaining number of hits.
func (a *Aggregator) Count(key Key) int {
	now := a.clock.Now()
	window := a.window(key.TenantID, key.Category)
	count := 0
	a.counters.Compute(key, func(old *counter, loaded bool) (*counter, bool) {
		if !loaded {
			return nil, true
		}
		hits := prune(old.hits, now, window)
		count = len(hits)
		return &counter{hits: hits, lastSeen: old.lastSeen}, false
	})
	return count
}

// Reset clears key after a successful remediation.
func (a *Aggregator) Reset(key Key) {
	a.counters.Delete(key)
}

// Sweep removes keys with no hit recorded for at least idle and returns how
// many were dropped.
func (a *Aggregator) Sweep(idle time.Duration) int {
	now := a.clock.Now()
	dropped := 0
	a.counters.Range(func(key Key, _ *counter) bool {
		a.counters.Compute(key, func(old *counter, loaded bool) (*counter, bool) {
			if !loaded {
				return nil, true
			}
			if now.Sub(old.lastSeen) >= idle {
				dropped++
				return nil, true
			}
			return old, false
		})
		return true
	})
	return dropped
}

// Size returns the number of live keys.
func (a *Aggregator) Size() int {
	return a.counters.Size()
}
