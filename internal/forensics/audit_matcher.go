package forensics

import (
	"context"
	"errors"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/metrics"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/platform"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

// DefaultStaleness is the maximum audit entry age accepted for attribution.
// Widening it trades missed attributions for wrong ones.
const DefaultStaleness = 5000 * time.Millisecond

// auditKinds lists, in query order, the audit kinds that can explain a category.
var auditKinds = map[models.Category][]platform.AuditKind{
	models.CategoryChannelCreated:          {platform.AuditChannelCreate},
	models.CategoryChannelDeleted:          {platform.AuditChannelDelete},
	models.CategoryChannelOverwriteChanged: {platform.AuditOverwriteUpdate, platform.AuditOverwriteCreate, platform.AuditChannelUpdate},
	models.CategoryRoleCreated:             {platform.AuditRoleCreate},
	models.CategoryRoleDeleted:             {platform.AuditRoleDelete},
	models.CategoryRolePermissionsChanged:  {platform.AuditRoleUpdate},
	models.CategoryMemberKicked:            {platform.AuditMemberKick},
	models.CategoryMemberBanned:            {platform.AuditMemberBan},
	models.CategoryMemberRolesChanged:      {platform.AuditMemberRoleUpdate},
	models.CategoryThreadCreated:           {platform.AuditThreadCreate},
	models.CategoryWebhookCreated:          {platform.AuditWebhookCreate},
	models.CategoryGuildPropertiesChanged:  {platform.AuditGuildUpdate},
	models.CategoryOnboardingChanged:       {platform.AuditOnboardingUpdate},
	models.CategoryBotAdded:                {platform.AuditBotAdd},
}

// Resolver attributes change events to identities using the audit trail.
// It never returns an error: nil means "cannot safely attribute".
type Resolver struct {
	audit     platform.AuditSource
	selfID    func() string
	budget    *AuditBudget
	clock     util.Clock
	staleness time.Duration
}

type ResolverOption func(*Resolver)

func WithStaleness(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.staleness = d
		}
	}
}

func WithBudget(b *AuditBudget) ResolverOption {
	return func(r *Resolver) { r.budget = b }
}

func WithClock(c util.Clock) ResolverOption {
	return func(r *Resolver) { r.clock = c }
}

func NewResolver(audit platform.AuditSource, selfID func() string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		audit:     audit,
		selfID:    selfID,
		clock:     util.RealClock(),
		staleness: DefaultStaleness,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the identity accountable for artifactID changing, or nil.
func (r *Resolver) Resolve(ctx context.Context, tenantID, artifactID string, cat models.Category, occurredAt time.Time) *models.AttributedActor {
	kinds, ok := auditKinds[cat]
	if !ok {
		return nil
	}

	for _, kind := range kinds {
		if r.budget != nil && !r.budget.Allow(tenantID) {
			metrics.AttributionResults.WithLabelValues("budget").Inc()
			logging.Warn("[ATTRIBUTION] Audit budget exhausted for guild %s, abstaining on %s", tenantID, cat)
			return nil
		}

		entry, err := r.audit.QueryLatest(ctx, tenantID, kind)
		if err != nil {
			r.logQueryError(tenantID, kind, err)
			return nil
		}
		if entry == nil {
			continue
		}

		actor, reason := r.accept(tenantID, artifactID, cat, entry)
		if actor != nil {
			metrics.AttributionResults.WithLabelValues("accepted").Inc()
			logging.Debug("[ATTRIBUTION] %s %s in guild %s attributed to %s (confidence %.2f, event lag %v)",
				cat, artifactID, tenantID, actor.IdentityID, actor.Confidence, actor.ResolvedAt.Sub(occurredAt))
			return actor
		}
		metrics.AttributionResults.WithLabelValues(reason).Inc()
		logging.Debug("[ATTRIBUTION] Rejected %s entry %s for %s %s: %s", kind, entry.ID, cat, artifactID, reason)
	}
	return nil
}

func (r *Resolver) accept(tenantID, artifactID string, cat models.Category, entry *platform.AuditEntry) (*models.AttributedActor, string) {
	confidence, matched := matchTarget(tenantID, artifactID, cat, entry)
	if !matched {
		return nil, "mismatch"
	}

	now := r.clock.Now()
	if now.Sub(entry.CreatedAt) >= r.staleness {
		return nil, "stale"
	}

	if entry.ExecutorID == "" {
		return nil, "no_executor"
	}
	if r.selfID != nil && entry.ExecutorID == r.selfID() {
		return nil, "self"
	}

	return &models.AttributedActor{
		IdentityID: entry.ExecutorID,
		EntryID:    entry.ID,
		ResolvedAt: now,
		Confidence: confidence,
	}, ""
}

// matchTarget checks the entry target against the event subject. Guild-level
// changes may carry no target at all.
func matchTarget(tenantID, artifactID string, cat models.Category, entry *platform.AuditEntry) (float64, bool) {
	if entry.TargetID != "" && entry.TargetID == artifactID {
		return 1, true
	}
	switch cat {
	case models.CategoryGuildPropertiesChanged, models.CategoryOnboardingChanged:
		if entry.TargetID == tenantID {
			return 1, true
		}
		if entry.TargetID == "" {
			return 0.75, true
		}
	case models.CategoryWebhookCreated:
		if entry.ChannelID != "" && entry.ChannelID == artifactID {
			return 0.9, true
		}
	}
	return 0, false
}

func (r *Resolver) logQueryError(tenantID string, kind platform.AuditKind, err error) {
	switch {
	case errors.Is(err, models.ErrPermissionDenied):
		metrics.AttributionResults.WithLabelValues("denied").Inc()
		logging.Warn("[ATTRIBUTION] Missing Permissions: cannot read the audit log of guild %s (%s). Check 'View Audit Log' permission.", tenantID, kind)
	case errors.Is(err, models.ErrNotFound):
		metrics.AttributionResults.WithLabelValues("not_found").Inc()
		logging.Warn("[ATTRIBUTION] Guild %s is unknown to the platform: %v", tenantID, err)
	default:
		metrics.AttributionResults.WithLabelValues("error").Inc()
		logging.Error("[ATTRIBUTION] Audit query %s failed for guild %s: %v", kind, tenantID, err)
	}
}
