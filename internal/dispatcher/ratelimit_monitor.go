package dispatcher

import (
	"strconv"
	"sync"
	"time"

	"github.com/pierrebglinux/dscprotect/pkg/util"
	"github.com/valyala/fasthttp"
)

type RateLimitBucket struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// RateLimitMonitor tracks the platform's per-route buckets from response
// headers, plus the global lockout announced by a global 429.
type RateLimitMonitor struct {
	mu          sync.RWMutex
	clock       util.Clock
	buckets     map[string]*RateLimitBucket
	globalUntil time.Time
}

func NewRateLimitMonitor(clock util.Clock) *RateLimitMonitor {
	if clock == nil {
		clock = util.RealClock()
	}
	return &RateLimitMonitor{
		clock:   clock,
		buckets: make(map[string]*RateLimitBucket),
	}
}

// Wait returns how long callers must hold off route for tenantID. Zero means
// go ahead.
func (rlm *RateLimitMonitor) Wait(route, tenantID string) time.Duration {
	now := rlm.clock.Now()

	rlm.mu.RLock()
	defer rlm.mu.RUnlock()

	if now.Before(rlm.globalUntil) {
		return rlm.globalUntil.Sub(now)
	}
	bucket, ok := rlm.buckets[key(route, tenantID)]
	if !ok || !now.Before(bucket.ResetAt) || bucket.Remaining > 0 {
		return 0
	}
	return bucket.ResetAt.Sub(now)
}

func (rlm *RateLimitMonitor) UpdateFromFastHTTPResponse(resp *fasthttp.Response, route, tenantID string) {
	rlm.Update(route, tenantID, resp.StatusCode(), func(name string) string {
		return string(resp.Header.Peek(name))
	})
}

// Update records the rate limit headers of one response.
func (rlm *RateLimitMonitor) Update(route, tenantID string, status int, header func(string) string) {
	now := rlm.clock.Now()

	if status == fasthttp.StatusTooManyRequests && header("X-RateLimit-Global") == "true" {
		if wait := parseSeconds(header("Retry-After")); wait > 0 {
			rlm.mu.Lock()
			rlm.globalUntil = now.Add(wait)
			rlm.mu.Unlock()
		}
		return
	}

	remaining := header("X-RateLimit-Remaining")
	if remaining == "" {
		return
	}
	bucket := &RateLimitBucket{}
	bucket.Remaining, _ = strconv.Atoi(remaining)
	bucket.Limit, _ = strconv.Atoi(header("X-RateLimit-Limit"))
	if after := parseSeconds(header("X-RateLimit-Reset-After")); after > 0 {
		bucket.ResetAt = now.Add(after)
	} else if reset := header("X-RateLimit-Reset"); reset != "" {
		if unix, err := strconv.ParseFloat(reset, 64); err == nil {
			bucket.ResetAt = time.UnixMilli(int64(unix * 1000))
		}
	}
	if status == fasthttp.StatusTooManyRequests {
		bucket.Remaining = 0
		if wait := parseSeconds(header("Retry-After")); wait > 0 {
			bucket.ResetAt = now.Add(wait)
		}
	}

	rlm.mu.Lock()
	rlm.buckets[key(route, tenantID)] = bucket
	rlm.mu.Unlock()
}

func (rlm *RateLimitMonitor) GetBucket(route, tenantID string) *RateLimitBucket {
	rlm.mu.RLock()
	defer rlm.mu.RUnlock()
	return rlm.buckets[key(route, tenantID)]
}

func key(route, tenantID string) string {
	return route + ":" + tenantID
}

func parseSeconds(v string) time.Duration {
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
