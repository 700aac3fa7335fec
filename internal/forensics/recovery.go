package forensics

import (
	"sync"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

// EntityChange is one destructive change kept around so a detected burst can
// be rolled back in full, not only its last event.
type EntityChange struct {
	TenantID  string
	EntityID  string
	ActorID   string
	Timestamp time.Time
	Channel   *models.ChannelSnapshot
	Role      *models.RoleSnapshot
}

type RecoveryTracker struct {
	mu      sync.Mutex
	changes map[string][]*EntityChange
	clock   util.Clock
}

func NewRecoveryTracker(clock util.Clock) *RecoveryTracker {
	if clock == nil {
		clock = util.RealClock()
	}
	return &RecoveryTracker{
		changes: make(map[string][]*EntityChange),
		clock:   clock,
	}
}

func (rt *RecoveryTracker) TrackChannelDelete(tenantID, actorID string, ch models.ChannelSnapshot) {
	rt.track(&EntityChange{
		TenantID:  tenantID,
		EntityID:  ch.ChannelID,
		ActorID:   actorID,
		Timestamp: rt.clock.Now(),
		Channel:   &ch,
	})
}

func (rt *RecoveryTracker) TrackRoleDelete(tenantID, actorID string, role models.RoleSnapshot) {
	rt.track(&EntityChange{
		TenantID:  tenantID,
		EntityID:  role.RoleID,
		ActorID:   actorID,
		Timestamp: rt.clock.Now(),
		Role:      &role,
	})
}

func (rt *RecoveryTracker) track(change *EntityChange) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.changes[change.TenantID] = append(rt.changes[change.TenantID], change)
}

// ConsumeDeletedChannels returns and forgets every channel actorID deleted
// in tenantID at or after since.
func (rt *RecoveryTracker) ConsumeDeletedChannels(tenantID, actorID string, since time.Time) []models.ChannelSnapshot {
	var out []models.ChannelSnapshot
	rt.consume(tenantID, actorID, since, func(c *EntityChange) bool {
		if c.Channel == nil {
			return false
		}
		out = append(out, *c.Channel)
		return true
	})
	return out
}

// ConsumeDeletedRoles returns and forgets the ids of roles actorID deleted
// in tenantID at or after since.
func (rt *RecoveryTracker) ConsumeDeletedRoles(tenantID, actorID string, since time.Time) []string {
	var out []string
	rt.consume(tenantID, actorID, since, func(c *EntityChange) bool {
		if c.Role == nil {
			return false
		}
		out = append(out, c.EntityID)
		return true
	})
	return out
}

func (rt *RecoveryTracker) consume(tenantID, actorID string, since time.Time, take func(*EntityChange) bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	kept := rt.changes[tenantID][:0]
	for _, change := range rt.changes[tenantID] {
		if change.ActorID == actorID && !change.Timestamp.Before(since) && take(change) {
			continue
		}
		kept = append(kept, change)
	}
	if len(kept) == 0 {
		delete(rt.changes, tenantID)
		return
	}
	rt.changes[tenantID] = kept
}

// Prune forgets changes older than maxAge.
func (rt *RecoveryTracker) Prune(maxAge time.Duration) int {
	now := rt.clock.Now()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	dropped := 0
	for tenantID, changes := range rt.changes {
		kept := changes[:0]
		for _, change := range changes {
			if now.Sub(change.Timestamp) >= maxAge {
				dropped++
				continue
			}
			kept = append(kept, change)
		}
		if len(kept) == 0 {
			delete(rt.changes, tenantID)
		} else {
			rt.changes[tenantID] = kept
		}
	}
	return dropped
}

func (rt *RecoveryTracker) ClearGuildChanges(tenantID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.changes, tenantID)
}
