package decision

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/correlator"
	"github.com/pierrebglinux/dscprotect/internal/forensics"
	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/metrics"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/notifier"
	"github.com/pierrebglinux/dscprotect/internal/platform"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

// Deps are the collaborators of a Dispatcher. Recovery, Locks, Cooldowns and
// Recorders are optional.
type Deps struct {
	Platform   platform.Platform
	Aggregator *correlator.Aggregator
	Nuke       *correlator.NukeAggregate
	Backups    *forensics.RoleBackupStore
	Recovery   *forensics.RecoveryTracker
	Locks      *LockScheduler
	Cooldowns  *CooldownManager
	Notifier   notifier.Notifier
	Recorders  []IncidentRecorder
	Clock      util.Clock
}

// Dispatcher decides and executes the corrective action for one breach or
// unauthorized change, then reports the outcome.
type Dispatcher struct {
	platform  platform.Platform
	agg       *correlator.Aggregator
	nuke      *correlator.NukeAggregate
	backups   *forensics.RoleBackupStore
	recovery  *forensics.RecoveryTracker
	locks     *LockScheduler
	cooldowns *CooldownManager
	punisher  *AutoBanManager
	notifier  notifier.Notifier
	recorders []IncidentRecorder
	clock     util.Clock
}

func NewDispatcher(deps Deps) *Dispatcher {
	clock := deps.Clock
	if clock == nil {
		clock = util.RealClock()
	}
	n := deps.Notifier
	if n == nil {
		n = notifier.LogNotifier{}
	}
	return &Dispatcher{
		platform:  deps.Platform,
		agg:       deps.Aggregator,
		nuke:      deps.Nuke,
		backups:   deps.Backups,
		recovery:  deps.Recovery,
		locks:     deps.Locks,
		cooldowns: deps.Cooldowns,
		punisher:  NewAutoBanManager(deps.Platform, clock),
		notifier:  n,
		recorders: deps.Recorders,
		clock:     clock,
	}
}

// run accumulates the platform calls of one remediation.
type run struct {
	actions []models.ActionRecord
	errs    []error
	skipped error
}

func (r *run) add(rec models.ActionRecord, err error) {
	r.actions = append(r.actions, rec)
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func (r *run) punished(recs []models.ActionRecord, err error) {
	if errors.Is(err, models.ErrHierarchy) {
		r.skipped = err
		return
	}
	r.actions = append(r.actions, recs...)
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

// Remediate never returns an error; failures are carried by the Outcome and
// reported like every other outcome.
func (d *Dispatcher) Remediate(ctx context.Context, req Request) Outcome {
	timer := util.NewMonotonicTimer()
	cat := req.Category.String()

	if req.Verdict != nil && d.cooldowns != nil && !d.cooldowns.TryAcquire(req.TenantID, cooldownIdentity(req), req.Category) {
		logging.Debug("[REMEDIATION] Suppressed duplicate %s remediation for %q in guild %s", cat, cooldownIdentity(req), req.TenantID)
		metrics.RemediationOutcomes.WithLabelValues(cat, "suppressed").Inc()
		return Outcome{Status: models.StatusSkipped, Reason: ReasonCooldown}
	}

	reason := req.Reason
	if reason == "" {
		reason = defaultReason(req)
	}

	r := &run{}
	d.execute(ctx, req, reason, r)

	inc := &models.Incident{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		IdentityID: req.IdentityID,
		ArtifactID: req.ArtifactID,
		Category:   req.Category,
		Module:     string(config.ModuleFor(req.Category)),
		Reason:     reason,
		Actions:    r.actions,
		OccurredAt: d.clock.Now(),
		HandledAt:  d.clock.Now(),
	}
	if req.Event != nil && !req.Event.OccurredAt.IsZero() {
		inc.OccurredAt = req.Event.OccurredAt
	}
	if req.Verdict != nil {
		inc.Count = req.Verdict.Count
		inc.Limit = req.Verdict.Limit
	}

	out := Outcome{Incident: inc}
	switch {
	case len(r.errs) > 0:
		out.Status = models.StatusFailed
		out.Err = errors.Join(r.errs...)
		inc.Error = out.Err.Error()
	case r.skipped != nil && len(r.actions) == 0:
		out.Status = models.StatusSkipped
		out.Reason = ReasonHierarchy
		out.Err = r.skipped
		inc.Reason = "the member outranks the bot"
	case r.skipped != nil:
		// artifacts were repaired but the member could not be sanctioned
		out.Status = models.StatusSkipped
		out.Reason = ReasonHierarchy
		out.Err = r.skipped
		inc.Reason = "changes were repaired but the member outranks the bot"
	case len(r.actions) == 0:
		out.Status = models.StatusSkipped
		out.Reason = ReasonNothing
		inc.Reason = ReasonNothing
	default:
		out.Status = models.StatusApplied
	}
	if out.Reason == "" {
		out.Reason = reason
	}
	inc.Status = out.Status
	inc.Severity = EvaluateSeverity(req, out.Status)
	inc.Finalize()

	if out.Status == models.StatusApplied {
		d.clearCounter(req)
	}

	metrics.RemediationOutcomes.WithLabelValues(cat, inc.Result).Inc()
	switch out.Status {
	case models.StatusFailed:
		logging.Error("[REMEDIATION] %s for %s in guild %s failed after %dus: %v", cat, req.IdentityID, req.TenantID, timer.ElapsedUs(), out.Err)
	case models.StatusSkipped:
		logging.Warn("[REMEDIATION] %s for %s in guild %s skipped: %s", cat, req.IdentityID, req.TenantID, out.Reason)
	default:
		logging.Info("[REMEDIATION] %s for %s in guild %s applied in %dus (%d actions)", cat, req.IdentityID, req.TenantID, timer.ElapsedUs(), len(r.actions))
	}

	d.notifier.Notify(ctx, *inc)
	for _, rec := range d.recorders {
		if err := rec.RecordIncident(ctx, *inc); err != nil {
			logging.Warn("[REMEDIATION] Failed to record incident %s: %v", inc.ID, err)
		}
	}
	return out
}

func (d *Dispatcher) execute(ctx context.Context, req Request, reason string, r *run) {
	switch req.Category {
	case models.CategoryChannelCreated, models.CategoryThreadCreated:
		for _, id := range req.evidenceArtifacts() {
			err := ignoreGone(d.platform.DeleteChannel(ctx, req.TenantID, id, reason))
			r.add(models.NewActionRecord(models.ActionTypeDeleteChannel, id, err), err)
		}
		d.punishAll(ctx, req, reason, r)

	case models.CategoryRoleCreated:
		for _, id := range req.evidenceArtifacts() {
			if id == req.TenantID {
				continue
			}
			err := ignoreGone(d.platform.DeleteRole(ctx, req.TenantID, id, reason))
			r.add(models.NewActionRecord(models.ActionTypeDeleteRole, id, err), err)
		}
		d.punishAll(ctx, req, reason, r)

	case models.CategoryChannelDeleted, models.CategoryRoleDeleted,
		models.CategoryMemberBanned, models.CategoryMemberKicked:
		d.punishAll(ctx, req, reason, r)
		d.restoreNuke(ctx, req, reason, r)

	case models.CategoryReactionAdded, models.CategoryMemberJoined, models.CategoryBotAdded:
		d.punishAll(ctx, req, reason, r)

	case models.CategoryVoiceJoined:
		d.lockVoiceRaid(ctx, req, reason, r)

	case models.CategoryChannelOverwriteChanged:
		d.revertOverwrite(ctx, req, reason, r)

	case models.CategoryRolePermissionsChanged:
		d.revertRolePermissions(ctx, req, reason, r)

	case models.CategoryMemberRolesChanged:
		for _, roleID := range req.Offending {
			if !d.platform.CanManageRole(ctx, req.TenantID, roleID) {
				r.skipped = fmt.Errorf("role %s is above the bot: %w", roleID, models.ErrHierarchy)
				continue
			}
			err := d.platform.RemoveMemberRole(ctx, req.TenantID, req.ArtifactID, roleID, reason)
			r.add(models.NewActionRecord(models.ActionTypeRemoveRole, roleID, err), err)
		}

	case models.CategoryWebhookCreated:
		err := ignoreGone(d.platform.DeleteWebhook(ctx, req.TenantID, req.ArtifactID, reason))
		r.add(models.NewActionRecord(models.ActionTypeDeleteWebhook, req.ArtifactID, err), err)

	case models.CategoryGuildPropertiesChanged:
		d.revertGuild(ctx, req, reason, r)

	case models.CategoryOnboardingChanged:
		if req.Event == nil || req.Event.BeforeBoard == nil {
			return
		}
		err := d.platform.EditOnboarding(ctx, req.TenantID, *req.Event.BeforeBoard, reason)
		r.add(models.NewActionRecord(models.ActionTypeRevertOnboarding, req.TenantID, err), err)
	}
}

func (d *Dispatcher) punishAll(ctx context.Context, req Request, reason string, r *run) {
	for _, userID := range req.punishedIDs() {
		recs, err := d.punisher.Punish(ctx, req.TenantID, userID, req.Rule.Action, req.Rule.ActionDuration(), reason)
		r.punished(recs, err)
	}
}

// restoreNuke undoes what the identity destroyed since req.Since: deleted
// roles come back from their backups, deleted channels are recreated.
func (d *Dispatcher) restoreNuke(ctx context.Context, req Request, reason string, r *run) {
	if d.recovery == nil {
		return
	}
	since := req.Since
	if since.IsZero() {
		since = d.clock.Now().Add(-req.Rule.Window())
	}

	for _, roleID := range d.recovery.ConsumeDeletedRoles(req.TenantID, req.IdentityID, since) {
		if d.backups == nil {
			break
		}
		restored, err := d.backups.Restore(ctx, req.TenantID, roleID, reason)
		switch {
		case err != nil:
			r.add(models.NewActionRecord(models.ActionTypeRestoreRole, roleID, err), err)
		case restored != nil:
			r.add(models.NewActionRecord(models.ActionTypeRestoreRole, restored.RoleID, nil), nil)
		default:
			logging.Debug("[REMEDIATION] No backup to restore role %s in guild %s", roleID, req.TenantID)
		}
	}

	for _, ch := range d.recovery.ConsumeDeletedChannels(req.TenantID, req.IdentityID, since) {
		id, err := d.platform.CreateChannel(ctx, req.TenantID, ch, reason)
		target := ch.ChannelID
		if err == nil {
			target = id
		}
		r.add(models.NewActionRecord(models.ActionTypeRecreateChannel, target, err), err)
	}
}

func (d *Dispatcher) lockVoiceRaid(ctx context.Context, req Request, reason string, r *run) {
	if d.locks != nil && req.LockFor > 0 {
		for _, channelID := range req.evidenceArtifacts() {
			locked, err := d.locks.Lock(ctx, req.TenantID, channelID, req.LockFor)
			if err == nil && !locked {
				continue
			}
			r.add(models.NewActionRecord(models.ActionTypeLock, channelID, err), err)
		}
	}
	if req.Rule.Action != config.ActionDisconnect {
		return
	}
	for _, userID := range req.evidenceIdentities() {
		recs, err := d.punisher.Punish(ctx, req.TenantID, userID, config.ActionDisconnect, 0, reason)
		if errors.Is(err, models.ErrHierarchy) {
			continue
		}
		// raiders who already left voice are not failures
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		r.actions = append(r.actions, recs...)
		if err != nil {
			r.errs = append(r.errs, err)
		}
	}
}

func (d *Dispatcher) revertOverwrite(ctx context.Context, req Request, reason string, r *run) {
	if req.Event == nil || req.OverwriteID == "" {
		return
	}
	var err error
	if before, ok := req.Event.BeforeChannel.Overwrite(req.OverwriteID); ok {
		err = d.platform.SetOverwrite(ctx, req.TenantID, req.ArtifactID, before, reason)
	} else {
		err = ignoreGone(d.platform.DeleteOverwrite(ctx, req.TenantID, req.ArtifactID, req.OverwriteID, reason))
	}
	r.add(models.NewActionRecord(models.ActionTypeRevertPermissions, req.ArtifactID, err), err)
}

func (d *Dispatcher) revertRolePermissions(ctx context.Context, req Request, reason string, r *run) {
	if req.Event == nil || req.Event.AfterRole == nil {
		return
	}
	perms := req.Event.AfterRole.Permissions &^ req.StripMask
	if req.StripMask == 0 {
		if req.Event.BeforeRole == nil {
			return
		}
		perms = req.Event.BeforeRole.Permissions
	}
	err := d.platform.SetRolePermissions(ctx, req.TenantID, req.ArtifactID, perms, reason)
	r.add(models.NewActionRecord(models.ActionTypeRevertPermissions, req.ArtifactID, err), err)
}

func (d *Dispatcher) revertGuild(ctx context.Context, req Request, reason string, r *run) {
	ev := req.Event
	if ev == nil || ev.BeforeGuild == nil || ev.AfterGuild == nil {
		return
	}
	if req.RevertIdentity {
		if patch := ev.BeforeGuild.Diff(*ev.AfterGuild); len(patch) > 0 {
			err := d.platform.EditGuild(ctx, req.TenantID, patch, reason)
			r.add(models.NewActionRecord(models.ActionTypeRevertGuild, req.TenantID, err), err)
		}
	}
	if req.RevertVanity && ev.BeforeGuild.VanityCode != "" && ev.BeforeGuild.VanityCode != ev.AfterGuild.VanityCode {
		err := d.platform.SetVanity(ctx, req.TenantID, ev.BeforeGuild.VanityCode, reason)
		r.add(models.NewActionRecord(models.ActionTypeRevertVanity, req.TenantID, err), err)
	}
}

func (d *Dispatcher) clearCounter(req Request) {
	if req.Category.IsNuke() && d.nuke != nil {
		d.nuke.Reset(req.TenantID, req.IdentityID)
		return
	}
	if req.Counter != nil && d.agg != nil {
		d.agg.Reset(*req.Counter)
	}
}

func cooldownIdentity(req Request) string {
	if req.IdentityID == "" && len(req.Targets) > 0 {
		return req.Targets[0]
	}
	return req.IdentityID
}

func ignoreGone(err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	return err
}

func defaultReason(req Request) string {
	switch req.Category {
	case models.CategoryChannelCreated:
		return "Anti-Mass-Channels: channel creation spam"
	case models.CategoryRoleCreated:
		return "Anti-Mass-Roles: role creation spam"
	case models.CategoryChannelDeleted, models.CategoryRoleDeleted,
		models.CategoryMemberBanned, models.CategoryMemberKicked:
		return "Anti-Nuke: destructive burst detected"
	case models.CategoryReactionAdded:
		return "Anti-Mass-Reactions: reaction spam"
	case models.CategoryThreadCreated:
		return "Anti-Thread: thread creation spam"
	case models.CategoryMemberJoined:
		return "Anti-Raid: mass join detected"
	case models.CategoryVoiceJoined:
		return "Anti-Voice-Raid: mass join detected"
	case models.CategoryChannelOverwriteChanged, models.CategoryRolePermissionsChanged:
		return "Anti-Hack: dangerous permissions blocked"
	case models.CategoryMemberRolesChanged:
		return "Anti-Hack: unauthorized role assignment"
	case models.CategoryWebhookCreated:
		return "Anti-Webhook: unauthorized creation"
	case models.CategoryGuildPropertiesChanged, models.CategoryOnboardingChanged:
		return "Security Protection: unauthorized change detected"
	case models.CategoryBotAdded:
		return "Anti-Bot: only the owner may add bots"
	}
	return "Automated protection"
}
