package detectors

import (
	"context"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/correlator"
	"github.com/pierrebglinux/dscprotect/internal/decision"
	"github.com/pierrebglinux/dscprotect/internal/models"
)

// handleNuke counts channel and role deletions, bans and kicks of one
// identity on the shared antiNuke window.
func (e *Engine) handleNuke(ctx context.Context, ev *models.ChangeEvent, sec config.GuildSecurity) {
	rule := sec.Rule(config.ModuleAntiNuke)
	if !rule.Enabled {
		return
	}

	identity, accountable := e.attribute(ctx, ev)
	if !accountable {
		return
	}

	deletedAt := e.clock.Now()
	e.trackDeletion(ev, identity)

	verdict := e.nuke.Record(ev.TenantID, identity, ev.Category, correlator.Hit{At: deletedAt, ArtifactID: ev.ArtifactID, IdentityID: identity})
	if !verdict.Breached {
		if ev.Category == models.CategoryRoleDeleted {
			e.scheduleBackupRemoval(ev, identity, rule, deletedAt)
		}
		return
	}

	since := deletedAt
	if len(verdict.Evidence) > 0 {
		since = verdict.Evidence[0].At
	}
	key := correlator.Key{TenantID: ev.TenantID, IdentityID: identity, Category: ev.Category}
	e.breach(ctx, decision.Request{
		TenantID:   ev.TenantID,
		IdentityID: identity,
		Category:   ev.Category,
		ArtifactID: ev.ArtifactID,
		Rule:       rule,
		Verdict:    &verdict,
		Counter:    &key,
		Since:      since,
		Event:      ev,
	})
}

// trackDeletion remembers what identity destroyed so a breach can put it back.
func (e *Engine) trackDeletion(ev *models.ChangeEvent, identity string) {
	if e.recovery == nil {
		return
	}
	switch ev.Category {
	case models.CategoryChannelDeleted:
		if ev.BeforeChannel != nil {
			e.recovery.TrackChannelDelete(ev.TenantID, identity, *ev.BeforeChannel)
		}
	case models.CategoryRoleDeleted:
		role := models.RoleSnapshot{TenantID: ev.TenantID, RoleID: ev.ArtifactID}
		if ev.BeforeRole != nil {
			role = *ev.BeforeRole
		}
		e.recovery.TrackRoleDelete(ev.TenantID, identity, role)
	}
}
