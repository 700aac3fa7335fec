package detectors

import (
	"context"
	"fmt"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/correlator"
	"github.com/pierrebglinux/dscprotect/internal/decision"
	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/models"
)

// Raids are counted per tenant across many identities, unlike the other
// detectors which count per acting identity.

func (e *Engine) handleJoin(ctx context.Context, ev *models.ChangeEvent, sec config.GuildSecurity) {
	rule := sec.Rule(config.ModuleAntiRaid)
	if !rule.Enabled {
		return
	}
	member := ev.ActorHint
	if member == "" {
		member = ev.ArtifactID
	}
	if member == "" || e.exempt(ctx, ev.TenantID, member, ev.ActorRoleIDs, false) {
		return
	}

	if limit := sec.AccountAgeLimit(); limit > 0 && !ev.AccountCreated.IsZero() {
		if age := e.clock.Now().Sub(ev.AccountCreated); age < limit {
			kick := rule
			kick.Action = config.ActionKick
			logging.Info("[DETECTION] Account %s joining guild %s is %.1f days old", member, ev.TenantID, age.Hours()/24)
			e.remediate(ctx, decision.Request{
				TenantID:   ev.TenantID,
				IdentityID: member,
				Category:   ev.Category,
				ArtifactID: member,
				Rule:       kick,
				Reason:     fmt.Sprintf("Anti-Raid: account younger than %d days", sec.AccountAgeLimitDays),
				Event:      ev,
			})
			return
		}
	}

	key := correlator.Key{TenantID: ev.TenantID, Category: ev.Category}
	verdict := e.agg.Evaluate(key, correlator.Hit{ArtifactID: member, IdentityID: member})
	if !verdict.Breached {
		return
	}
	// The flood counter stays armed so every further join inside the window
	// is removed as well.
	e.breach(ctx, decision.Request{
		TenantID:   ev.TenantID,
		IdentityID: member,
		Targets:    []string{member},
		Category:   ev.Category,
		ArtifactID: member,
		Rule:       rule,
		Verdict:    &verdict,
		Event:      ev,
	})
}

func (e *Engine) handleVoiceJoin(ctx context.Context, ev *models.ChangeEvent, sec config.GuildSecurity) {
	rule := sec.Rule(config.ModuleAntiVoiceRaid)
	if !rule.Enabled || ev.ActorIsBot || ev.ActorHint == "" || ev.ArtifactID == "" {
		return
	}
	if e.exempt(ctx, ev.TenantID, ev.ActorHint, ev.ActorRoleIDs, false) {
		return
	}

	key := correlator.Key{TenantID: ev.TenantID, Category: ev.Category}
	verdict := e.agg.Evaluate(key, correlator.Hit{ArtifactID: ev.ArtifactID, IdentityID: ev.ActorHint})
	if !verdict.Breached {
		return
	}
	e.breach(ctx, decision.Request{
		TenantID:   ev.TenantID,
		Category:   ev.Category,
		ArtifactID: ev.ArtifactID,
		Rule:       rule,
		Verdict:    &verdict,
		Counter:    &key,
		LockFor:    sec.LockDuration(),
		Event:      ev,
	})
}

// handleBotAdd bans bots added by anyone but the owner or a whitelisted
// identity.
func (e *Engine) handleBotAdd(ctx context.Context, ev *models.ChangeEvent, sec config.GuildSecurity) {
	rule := sec.Rule(config.ModuleAntiBot)
	if !rule.Enabled || ev.ArtifactID == "" || ev.ArtifactID == e.selfID() {
		return
	}
	adder, accountable := e.attribute(ctx, ev)
	if !accountable {
		return
	}
	logging.Warn("[DETECTION] Bot %s added to guild %s by unauthorized %s", ev.ArtifactID, ev.TenantID, adder)
	e.remediate(ctx, decision.Request{
		TenantID:   ev.TenantID,
		IdentityID: adder,
		Targets:    []string{ev.ArtifactID},
		Category:   ev.Category,
		ArtifactID: ev.ArtifactID,
		Rule:       rule,
		Event:      ev,
	})
}
