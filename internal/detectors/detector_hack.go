package detectors

import (
	"context"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/decision"
	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/models"
)

// handleOverwrite reverts channel overwrites that allow the everyone role a
// dangerous permission.
func (e *Engine) handleOverwrite(ctx context.Context, ev *models.ChangeEvent, sec config.GuildSecurity) {
	rule := sec.Rule(config.ModuleAntiHack)
	if !rule.Enabled || ev.AfterChannel == nil {
		return
	}
	everyone := ev.TenantID
	before, _ := ev.BeforeChannel.Overwrite(everyone)
	after, _ := ev.AfterChannel.Overwrite(everyone)
	if before.Allow == after.Allow {
		return
	}
	added := DangerousAdded(before.Allow, after.Allow, EveryoneOverwriteMask)
	if added == 0 {
		return
	}

	identity, accountable := e.attribute(ctx, ev)
	if !accountable {
		if identity != "" {
			e.reportAllowed(ctx, ev, sec, identity)
		}
		return
	}
	logging.Warn("[DETECTION] %s allowed everyone %#x on channel %s in guild %s", identity, added, ev.ArtifactID, ev.TenantID)
	e.remediate(ctx, decision.Request{
		TenantID:    ev.TenantID,
		IdentityID:  identity,
		Category:    ev.Category,
		ArtifactID:  ev.ArtifactID,
		Rule:        rule,
		Event:       ev,
		OverwriteID: everyone,
	})
}

// handleRolePermissions reverts dangerous grants on roles. The everyone role
// is stripped of every dangerous bit whoever made the change, the owner
// included.
func (e *Engine) handleRolePermissions(ctx context.Context, ev *models.ChangeEvent, sec config.GuildSecurity) {
	rule := sec.Rule(config.ModuleAntiHack)
	if !rule.Enabled || ev.AfterRole == nil {
		return
	}

	if ev.AfterRole.IsEveryone() || ev.ArtifactID == ev.TenantID {
		// Any dangerous bit left on the everyone role is stripped, with or
		// without a known previous state.
		held := ev.AfterRole.Permissions & RoleDangerousMask
		if held == 0 {
			return
		}
		identity := e.resolve(ctx, ev)
		logging.Critical("[DETECTION] Dangerous permissions %#x on the everyone role of guild %s, changed by %q", held, ev.TenantID, identity)
		e.remediate(ctx, decision.Request{
			TenantID:   ev.TenantID,
			IdentityID: identity,
			Category:   ev.Category,
			ArtifactID: ev.TenantID,
			Rule:       rule,
			Event:      ev,
			StripMask:  RoleDangerousMask,
			Reason:     "Anti-Hack: dangerous permissions are never allowed on @everyone",
		})
		return
	}

	if ev.BeforeRole == nil || DangerousAdded(ev.BeforeRole.Permissions, ev.AfterRole.Permissions, RoleDangerousMask) == 0 {
		return
	}
	identity, accountable := e.attribute(ctx, ev)
	if !accountable {
		if identity != "" {
			e.reportAllowed(ctx, ev, sec, identity)
		}
		return
	}
	e.remediate(ctx, decision.Request{
		TenantID:   ev.TenantID,
		IdentityID: identity,
		Category:   ev.Category,
		ArtifactID: ev.ArtifactID,
		Rule:       rule,
		Event:      ev,
	})
}

// handleMemberRoles takes back dangerous roles handed to a member.
func (e *Engine) handleMemberRoles(ctx context.Context, ev *models.ChangeEvent, sec config.GuildSecurity) {
	rule := sec.Rule(config.ModuleAntiHack)
	if !rule.Enabled || len(ev.AddedRoles) == 0 {
		return
	}
	var offending []string
	for _, role := range ev.AddedRoles {
		if HasPermission(role.Permissions, MemberDangerousMask) {
			offending = append(offending, role.RoleID)
		}
	}
	if len(offending) == 0 {
		return
	}

	identity, accountable := e.attribute(ctx, ev)
	if !accountable {
		if identity != "" {
			e.reportAllowed(ctx, ev, sec, identity)
		}
		return
	}
	e.remediate(ctx, decision.Request{
		TenantID:   ev.TenantID,
		IdentityID: identity,
		Category:   ev.Category,
		ArtifactID: ev.ArtifactID,
		Rule:       rule,
		Event:      ev,
		Offending:  offending,
	})
}
