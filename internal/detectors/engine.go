// Package detectors routes change events through whitelist, attribution and
// counting, and hands breaches to the remediation dispatcher.
package detectors

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/correlator"
	"github.com/pierrebglinux/dscprotect/internal/decision"
	"github.com/pierrebglinux/dscprotect/internal/forensics"
	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/metrics"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/notifier"
	"github.com/pierrebglinux/dscprotect/internal/platform"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

// Attributor resolves the identity behind a change.
type Attributor interface {
	Resolve(ctx context.Context, tenantID, artifactID string, cat models.Category, occurredAt time.Time) *models.AttributedActor
}

// Remediator executes the corrective action for a breach.
type Remediator interface {
	Remediate(ctx context.Context, req decision.Request) decision.Outcome
}

// MemberLookup fetches the roles of an attributed identity for whitelist checks.
type MemberLookup interface {
	Member(ctx context.Context, tenantID, userID string) (*platform.Member, error)
}

type Deps struct {
	Profiles   *config.ProfileStore
	Resolver   Attributor
	Members    MemberLookup
	Aggregator *correlator.Aggregator
	Nuke       *correlator.NukeAggregate
	Backups    *forensics.RoleBackupStore
	Recovery   *forensics.RecoveryTracker
	Remediator Remediator
	Notifier   notifier.Notifier
	SelfID     func() string
	Clock      util.Clock
}

// Engine is the event router. Handle is safe for concurrent use; every shared
// store it touches synchronises per key.
type Engine struct {
	profiles   *config.ProfileStore
	resolver   Attributor
	members    MemberLookup
	agg        *correlator.Aggregator
	nuke       *correlator.NukeAggregate
	backups    *forensics.RoleBackupStore
	recovery   *forensics.RecoveryTracker
	remediator Remediator
	notifier   notifier.Notifier
	selfID     func() string
	clock      util.Clock
}

func NewEngine(deps Deps) *Engine {
	clock := deps.Clock
	if clock == nil {
		clock = util.RealClock()
	}
	n := deps.Notifier
	if n == nil {
		n = notifier.LogNotifier{}
	}
	selfID := deps.SelfID
	if selfID == nil {
		selfID = func() string { return "" }
	}
	return &Engine{
		profiles:   deps.Profiles,
		resolver:   deps.Resolver,
		members:    deps.Members,
		agg:        deps.Aggregator,
		nuke:       deps.Nuke,
		backups:    deps.Backups,
		recovery:   deps.Recovery,
		remediator: deps.Remediator,
		notifier:   n,
		selfID:     selfID,
		clock:      clock,
	}
}

// Handle processes one change event. Errors never escape: anything that
// cannot be attributed or remediated is logged and dropped.
func (e *Engine) Handle(ctx context.Context, ev *models.ChangeEvent) {
	if ev == nil || ev.TenantID == "" {
		return
	}
	timer := util.NewMonotonicTimer()
	cat := ev.Category.String()
	metrics.EventsObserved.WithLabelValues(cat).Inc()
	defer func() {
		metrics.HandlerLatency.WithLabelValues(cat).Observe(float64(timer.ElapsedUs()) / 1e6)
	}()

	sec := e.profiles.Security(ev.TenantID)

	switch ev.Category {
	case models.CategoryChannelCreated, models.CategoryReactionAdded, models.CategoryThreadCreated:
		e.handleBurst(ctx, ev, sec)
	case models.CategoryRoleCreated:
		if ev.AfterRole != nil && e.backups != nil {
			e.backups.Save(ctx, *ev.AfterRole)
		}
		e.handleBurst(ctx, ev, sec)
	case models.CategoryChannelDeleted, models.CategoryRoleDeleted,
		models.CategoryMemberBanned, models.CategoryMemberKicked:
		e.handleNuke(ctx, ev, sec)
	case models.CategoryMemberJoined:
		e.handleJoin(ctx, ev, sec)
	case models.CategoryVoiceJoined:
		e.handleVoiceJoin(ctx, ev, sec)
	case models.CategoryBotAdded:
		e.handleBotAdd(ctx, ev, sec)
	case models.CategoryChannelOverwriteChanged:
		e.handleOverwrite(ctx, ev, sec)
	case models.CategoryRolePermissionsChanged:
		if ev.AfterRole != nil && e.backups != nil {
			e.backups.Update(ctx, *ev.AfterRole)
		}
		e.handleRolePermissions(ctx, ev, sec)
	case models.CategoryMemberRolesChanged:
		e.handleMemberRoles(ctx, ev, sec)
	case models.CategoryWebhookCreated:
		e.handleWebhook(ctx, ev, sec)
	case models.CategoryGuildPropertiesChanged:
		e.handleGuild(ctx, ev, sec)
	case models.CategoryOnboardingChanged:
		e.handleOnboarding(ctx, ev, sec)
	default:
		logging.Debug("[EVENT] Ignoring %s event in guild %s", cat, ev.TenantID)
	}
}

// attribute returns the accountable identity and whether it is subject to
// protection. Identities named by the event are gated before any audit query.
func (e *Engine) attribute(ctx context.Context, ev *models.ChangeEvent) (string, bool) {
	if ev.ActorHint != "" {
		if ev.ActorHint == e.selfID() {
			return ev.ActorHint, false
		}
		if e.exempt(ctx, ev.TenantID, ev.ActorHint, ev.ActorRoleIDs, false) {
			logging.Debug("[EVENT] %s by exempt %s in guild %s", ev.Category, ev.ActorHint, ev.TenantID)
			return ev.ActorHint, false
		}
		return ev.ActorHint, true
	}

	identity := e.resolve(ctx, ev)
	if identity == "" {
		logging.Debug("[EVENT] %s %s in guild %s could not be attributed", ev.Category, ev.ArtifactID, ev.TenantID)
		return "", false
	}
	if e.exempt(ctx, ev.TenantID, identity, nil, true) {
		logging.Debug("[EVENT] %s by exempt %s in guild %s", ev.Category, identity, ev.TenantID)
		return identity, false
	}
	return identity, true
}

func (e *Engine) resolve(ctx context.Context, ev *models.ChangeEvent) string {
	if e.resolver == nil {
		return ""
	}
	actor := e.resolver.Resolve(ctx, ev.TenantID, ev.ArtifactID, ev.Category, ev.OccurredAt)
	if actor == nil {
		return ""
	}
	return actor.IdentityID
}

// exempt applies the owner exemption and the whitelist. Role ids are fetched
// only when lookup is set and none were supplied.
func (e *Engine) exempt(ctx context.Context, tenantID, identityID string, roleIDs []string, lookup bool) bool {
	if owner := e.profiles.Owner(tenantID); owner != "" && owner == identityID {
		return true
	}
	if lookup && roleIDs == nil && e.members != nil {
		if m, err := e.members.Member(ctx, tenantID, identityID); err == nil {
			roleIDs = m.RoleIDs()
		}
	}
	return e.profiles.IsExempt(tenantID, identityID, roleIDs)
}

func (e *Engine) breach(ctx context.Context, req decision.Request) decision.Outcome {
	metrics.BreachesDetected.WithLabelValues(req.Category.String()).Inc()
	if req.Verdict != nil {
		logging.Warn("[DETECTION] %s breach in guild %s by %q: %d > %d",
			req.Category, req.TenantID, req.IdentityID, req.Verdict.Count, req.Verdict.Limit)
	}
	return e.remediate(ctx, req)
}

func (e *Engine) remediate(ctx context.Context, req decision.Request) decision.Outcome {
	if e.remediator == nil {
		return decision.Outcome{Status: models.StatusSkipped, Reason: decision.ReasonNothing}
	}
	return e.remediator.Remediate(ctx, req)
}

// reportAllowed notifies a dangerous permission change made by an exempt
// identity when the tenant asked for it.
func (e *Engine) reportAllowed(ctx context.Context, ev *models.ChangeEvent, sec config.GuildSecurity, identityID string) {
	if !sec.LogDangerousPerms {
		return
	}
	now := e.clock.Now()
	inc := models.Incident{
		ID:         uuid.NewString(),
		TenantID:   ev.TenantID,
		IdentityID: identityID,
		ArtifactID: ev.ArtifactID,
		Category:   ev.Category,
		Module:     string(config.ModuleAntiHack),
		Status:     models.StatusSkipped,
		Reason:     "dangerous permissions granted by an exempt identity",
		Severity:   models.SeverityLow,
		OccurredAt: now,
		HandledAt:  now,
	}
	if !ev.OccurredAt.IsZero() {
		inc.OccurredAt = ev.OccurredAt
	}
	inc.Finalize()
	e.notifier.Notify(ctx, inc)
}
