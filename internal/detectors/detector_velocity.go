package detectors

import (
	"context"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/correlator"
	"github.com/pierrebglinux/dscprotect/internal/decision"
	"github.com/pierrebglinux/dscprotect/internal/models"
)

// handleBurst counts creation and reaction spam per identity: channels,
// roles, threads and reactions.
func (e *Engine) handleBurst(ctx context.Context, ev *models.ChangeEvent, sec config.GuildSecurity) {
	rule := sec.Rule(config.ModuleFor(ev.Category))
	if !rule.Enabled {
		return
	}
	if ev.Category == models.CategoryRoleCreated && ev.AfterRole != nil && ev.AfterRole.Managed {
		// integration roles are created by the platform itself
		return
	}

	identity, accountable := e.attribute(ctx, ev)
	if !accountable {
		return
	}

	key := correlator.Key{TenantID: ev.TenantID, IdentityID: identity, Category: ev.Category}
	verdict := e.agg.Evaluate(key, correlator.Hit{ArtifactID: ev.ArtifactID, IdentityID: identity})
	if !verdict.Breached {
		return
	}

	e.breach(ctx, decision.Request{
		TenantID:   ev.TenantID,
		IdentityID: identity,
		Category:   ev.Category,
		ArtifactID: ev.ArtifactID,
		Rule:       rule,
		Verdict:    &verdict,
		Counter:    &key,
		Event:      ev,
	})
}
