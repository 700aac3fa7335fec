package decision

import (
	"sync"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

type cooldownKey struct {
	tenantID   string
	identityID string
	category   models.Category
}

// CooldownManager suppresses duplicate remediation of one burst when several
// handlers cross the same threshold concurrently.
type CooldownManager struct {
	mu        sync.Mutex
	cooldowns map[cooldownKey]time.Time
	duration  time.Duration
	clock     util.Clock
}

func NewCooldownManager(duration time.Duration, clock util.Clock) *CooldownManager {
	if clock == nil {
		clock = util.RealClock()
	}
	return &CooldownManager{
		cooldowns: make(map[cooldownKey]time.Time),
		duration:  duration,
		clock:     clock,
	}
}

func (cm *CooldownManager) canExecuteLocked(key cooldownKey, now time.Time) bool {
	last, exists := cm.cooldowns[key]
	if !exists {
		return true
	}
	return now.Sub(last) >= cm.duration
}

// TryAcquire checks and records in one step. It returns false while a previous
// remediation of the same key is inside its cooldown.
func (cm *CooldownManager) TryAcquire(tenantID, identityID string, cat models.Category) bool {
	if cm.duration <= 0 {
		return true
	}
	key := cooldownKey{tenantID, identityID, cat}
	now := cm.clock.Now()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.canExecuteLocked(key, now) {
		return false
	}
	cm.cooldowns[key] = now
	return true
}

// Reset clears every cooldown of a tenant.
func (cm *CooldownManager) Reset(tenantID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for key := range cm.cooldowns {
		if key.tenantID == tenantID {
			delete(cm.cooldowns, key)
		}
	}
}

// Prune drops expired entries and returns how many were removed.
func (cm *CooldownManager) Prune() int {
	now := cm.clock.Now()
	cm.mu.Lock()
	defer cm.mu.Unlock()

	dropped := 0
	for key, last := range cm.cooldowns {
		if now.Sub(last) >= cm.duration {
			delete(cm.cooldowns, key)
			dropped++
		}
	}
	return dropped
}
