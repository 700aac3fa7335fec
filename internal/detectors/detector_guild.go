package detectors

import (
	"context"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/decision"
	"github.com/pierrebglinux/dscprotect/internal/models"
)

func (e *Engine) handleWebhook(ctx context.Context, ev *models.ChangeEvent, sec config.GuildSecurity) {
	rule := sec.Rule(config.ModuleAntiWebhook)
	if !rule.Enabled || ev.ArtifactID == "" {
		return
	}
	identity, accountable := e.attribute(ctx, ev)
	if !accountable {
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

// handleGuild reverts identity and vanity changes. Each is governed by its
// own module.
func (e *Engine) handleGuild(ctx context.Context, ev *models.ChangeEvent, sec config.GuildSecurity) {
	if ev.BeforeGuild == nil || ev.AfterGuild == nil {
		return
	}
	revertIdentity := sec.Rule(config.ModuleIdentity).Enabled && len(ev.BeforeGuild.Diff(*ev.AfterGuild)) > 0
	revertVanity := sec.Rule(config.ModuleVanity).Enabled &&
		ev.BeforeGuild.VanityCode != "" && ev.BeforeGuild.VanityCode != ev.AfterGuild.VanityCode
	if !revertIdentity && !revertVanity {
		return
	}

	identity, accountable := e.attribute(ctx, ev)
	if !accountable {
		return
	}
	rule := sec.Rule(config.ModuleIdentity)
	if !revertIdentity {
		rule = sec.Rule(config.ModuleVanity)
	}
	e.remediate(ctx, decision.Request{
		TenantID:       ev.TenantID,
		IdentityID:     identity,
		Category:       ev.Category,
		ArtifactID:     ev.TenantID,
		Rule:           rule,
		Event:          ev,
		RevertIdentity: revertIdentity,
		RevertVanity:   revertVanity,
	})
}

func (e *Engine) handleOnboarding(ctx context.Context, ev *models.ChangeEvent, sec config.GuildSecurity) {
	rule := sec.Rule(config.ModuleIdentity)
	if !rule.Enabled || ev.BeforeBoard == nil || ev.BeforeBoard.Equal(ev.AfterBoard) {
		return
	}
	identity, accountable := e.attribute(ctx, ev)
	if !accountable {
		return
	}
	e.remediate(ctx, decision.Request{
		TenantID:   ev.TenantID,
		IdentityID: identity,
		Category:   ev.Category,
		ArtifactID: ev.TenantID,
		Rule:       rule,
		Event:      ev,
	})
}
