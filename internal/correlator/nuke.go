package correlator

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/pierrebglinux/dscprotect/internal/models"
)

var nukeCategories = []models.Category{
	models.CategoryChannelDeleted,
	models.CategoryRoleDeleted,
	models.CategoryMemberBanned,
	models.CategoryMemberKicked,
}

type breachKey struct {
	TenantID   string
	IdentityID string
	Category   models.Category
}

// NukeAggregate counts the four destructive categories of one identity on
// the shared antiNuke window. Each category keeps its own limit. Breach marks
// outlive counter resets so deferred checks can still see them.
type NukeAggregate struct {
	agg      *Aggregator
	breaches *xsync.MapOf[breachKey, time.Time]
}

func NewNukeAggregate(agg *Aggregator) *NukeAggregate {
	return &NukeAggregate{
		agg:      agg,
		breaches: xsync.NewMapOf[breachKey, time.Time](),
	}
}

// Record counts one destructive action and marks a breach when the category
// limit is exceeded.
func (n *NukeAggregate) Record(tenantID, identityID string, cat models.Category, hit Hit) Verdict {
	verdict := n.agg.Evaluate(Key{TenantID: tenantID, IdentityID: identityID, Category: cat}, hit)
	if verdict.Breached {
		at := hit.At
		if at.IsZero() {
			at = n.agg.clock.Now()
		}
		n.breaches.Store(breachKey{tenantID, identityID, cat}, at)
	}
	return verdict
}

// BreachedSince reports whether identity crossed the cat limit at or after since.
func (n *NukeAggregate) BreachedSince(tenantID, identityID string, cat models.Category, since time.Time) bool {
	at, ok := n.breaches.Load(breachKey{tenantID, identityID, cat})
	return ok && !at.Before(since)
}

// Reset clears every nuke counter of identity.
func (n *NukeAggregate) Reset(tenantID, identityID string) {
	for _, cat := range nukeCategories {
		n.agg.Reset(Key{TenantID: tenantID, IdentityID: identityID, Category: cat})
	}
}

// Sweep forgets breach marks older than idle.
func (n *NukeAggregate) Sweep(idle time.Duration) int {
	now := n.agg.clock.Now()
	dropped := 0
	n.breaches.Range(func(key breachKey, at time.Time) bool {
		if now.Sub(at) >= idle {
			n.breaches.Delete(key)
			dropped++
		}
		return true
	})
	return dropped
}
