package forensics

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pierrebglinux/dscprotect/pkg/util"
)

// AuditBudget hands out audit trail queries per tenant. The audit endpoint is
// rate limited upstream, so an exhausted budget means abstain, not wait.
type AuditBudget struct {
	mu       sync.Mutex
	limiters map[string]*tenantLimiter
	r        rate.Limit
	b        int
	ttl      time.Duration
	clock    util.Clock
}

type tenantLimiter struct {
	lim     *rate.Limiter
	lastHit time.Time
}

func NewAuditBudget(perSecond float64, burst int, ttl time.Duration, clock util.Clock) *AuditBudget {
	if clock == nil {
		clock = util.RealClock()
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &AuditBudget{
		limiters: make(map[string]*tenantLimiter),
		r:        limit,
		b:        burst,
		ttl:      ttl,
		clock:    clock,
	}
}

func (s *AuditBudget) Allow(tenantID string) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// lazy cleanup
	for k, v := range s.limiters {
		if now.Sub(v.lastHit) > s.ttl {
			delete(s.limiters, k)
		}
	}

	tl, ok := s.limiters[tenantID]
	if !ok {
		tl = &tenantLimiter{lim: rate.NewLimiter(s.r, s.b)}
		s.limiters[tenantID] = tl
	}
	tl.lastHit = now
	return tl.lim.AllowN(now, 1)
}
