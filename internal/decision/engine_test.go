package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/correlator"
	"github.com/pierrebglinux/dscprotect/internal/forensics"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/platform"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

type capture struct {
	mu        sync.Mutex
	incidents []models.Incident
}

func (c *capture) Notify(_ context.Context, inc models.Incident) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incidents = append(c.incidents, inc)
}

func (c *capture) RecordIncident(ctx context.Context, inc models.Incident) error {
	c.Notify(ctx, inc)
	return nil
}

func (c *capture) all() []models.Incident {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Incident(nil), c.incidents...)
}

type fixture struct {
	d        *Dispatcher
	fake     *platform.Fake
	clock    *util.FakeClock
	agg      *correlator.Aggregator
	nuke     *correlator.NukeAggregate
	backups  *forensics.RoleBackupStore
	recovery *forensics.RecoveryTracker
	notified *capture
	recorded *capture
	profiles *config.ProfileStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fake:     platform.NewFake("bot"),
		clock:    util.NewFakeClock(epoch),
		notified: &capture{},
		recorded: &capture{},
		profiles: config.NewProfileStore(),
	}
	f.agg = correlator.NewAggregator(f.profiles, f.clock)
	f.nuke = correlator.NewNukeAggregate(f.agg)
	f.backups = forensics.NewRoleBackupStore(f.fake, nil, f.clock)
	f.recovery = forensics.NewRecoveryTracker(f.clock)
	f.d = NewDispatcher(Deps{
		Platform:   f.fake,
		Aggregator: f.agg,
		Nuke:       f.nuke,
		Backups:    f.backups,
		Recovery:   f.recovery,
		Locks:      NewLockScheduler(f.fake, nil, f.clock),
		Cooldowns:  NewCooldownManager(3*time.Second, f.clock),
		Notifier:   f.notified,
		Recorders:  []IncidentRecorder{f.recorded},
		Clock:      f.clock,
	})
	return f
}

func role(id string) models.RoleSnapshot {
	return models.RoleSnapshot{TenantID: "g1", RoleID: id, Name: id}
}

func (f *fixture) breach(cat models.Category, identity string) Request {
	key := correlator.Key{TenantID: "g1", IdentityID: identity, Category: cat}
	var v correlator.Verdict
	for i := 0; i < 3; i++ {
		if cat.IsNuke() {
			v = f.nuke.Record("g1", identity, cat, correlator.Hit{At: f.clock.Now(), ArtifactID: "c" + string(rune('1'+i))})
		} else {
			v = f.agg.Evaluate(key, correlator.Hit{At: f.clock.Now(), ArtifactID: "c" + string(rune('1'+i))})
		}
	}
	return Request{
		TenantID:   "g1",
		IdentityID: identity,
		Category:   cat,
		Rule:       config.DefaultSecurity().Rule(config.ModuleFor(cat)),
		Verdict:    &v,
		Counter:    &key,
		Since:      epoch,
	}
}

func TestStripRolesKeepsManagedAndUnmanageable(t *testing.T) {
	f := newFixture(t)
	managed := role("r2")
	managed.Managed = true
	f.fake.AddMember("g1", "u1", role("g1"), role("r1"), managed, role("r3"))
	f.fake.Unmanaged["r3"] = true

	out := f.d.Remediate(context.Background(), f.breach(models.CategoryChannelDeleted, "u1"))
	require.Equal(t, models.StatusApplied, out.Status)
	calls := f.fake.CallsTo("SetMemberRoles")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"g1", "u1", "g1|r2|r3"}, calls[0].Args)
}

func TestHierarchyViolationSkipsAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.fake.AddMember("g1", "u1", role("r1"))
	f.fake.Protected["u1"] = true

	req := f.breach(models.CategoryChannelDeleted, "u1")
	out := f.d.Remediate(context.Background(), req)

	assert.Equal(t, models.StatusSkipped, out.Status)
	assert.Equal(t, ReasonHierarchy, out.Reason)
	assert.ErrorIs(t, out.Err, models.ErrHierarchy)
	assert.Empty(t, f.fake.CallsTo("SetMemberRoles"))
	require.Len(t, f.notified.all(), 1)
	assert.Equal(t, "skipped", f.notified.all()[0].Result)
	assert.Equal(t, 3, f.agg.Count(*req.Counter))
}

func TestAppliedClearsCounter(t *testing.T) {
	f := newFixture(t)
	f.fake.AddMember("g1", "u1", role("r1"))

	req := f.breach(models.CategoryChannelCreated, "u1")
	require.Equal(t, 3, f.agg.Count(*req.Counter))

	out := f.d.Remediate(context.Background(), req)
	require.Equal(t, models.StatusApplied, out.Status)
	assert.Zero(t, f.agg.Count(*req.Counter))
	assert.Len(t, f.fake.CallsTo("DeleteChannel"), 3)
	assert.Len(t, f.recorded.all(), 1)
	assert.NotEmpty(t, out.Incident.ID)
}

func TestCooldownSuppressesConcurrentDuplicate(t *testing.T) {
	f := newFixture(t)
	f.fake.AddMember("g1", "u1", role("r1"))
	f.fake.Protected["u1"] = true

	first := f.d.Remediate(context.Background(), f.breach(models.CategoryRoleDeleted, "u1"))
	second := f.d.Remediate(context.Background(), f.breach(models.CategoryRoleDeleted, "u1"))

	assert.Equal(t, ReasonHierarchy, first.Reason)
	assert.Equal(t, ReasonCooldown, second.Reason)
	assert.Len(t, f.notified.all(), 1)

	f.clock.Advance(3 * time.Second)
	third := f.d.Remediate(context.Background(), f.breach(models.CategoryRoleDeleted, "u1"))
	assert.Equal(t, ReasonHierarchy, third.Reason)
}

func TestNukeRestoresDeletedArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddMember("g1", "u1", role("r9"))

	mod := role("r1")
	mod.Permissions = 1 << 1
	mod.CapturedAt = epoch
	require.True(t, f.backups.Save(ctx, mod))
	f.recovery.TrackRoleDelete("g1", "u1", mod)
	f.recovery.TrackRoleDelete("g1", "u1", role("never-backed-up"))
	f.recovery.TrackChannelDelete("g1", "u1", models.ChannelSnapshot{TenantID: "g1", ChannelID: "c1", Name: "general"})
	f.recovery.TrackChannelDelete("g1", "u2", models.ChannelSnapshot{TenantID: "g1", ChannelID: "c2", Name: "other"})

	req := f.breach(models.CategoryChannelDeleted, "u1")
	out := f.d.Remediate(ctx, req)
	require.Equal(t, models.StatusApplied, out.Status)

	assert.Len(t, f.fake.CallsTo("SetMemberRoles"), 1)
	creates := f.fake.CallsTo("CreateRole")
	require.Len(t, creates, 1)
	assert.Equal(t, "r1", creates[0].Args[1])
	channels := f.fake.CallsTo("CreateChannel")
	require.Len(t, channels, 1)
	assert.Equal(t, "general", channels[0].Args[1])

	assert.Zero(t, f.agg.Count(correlator.Key{TenantID: "g1", IdentityID: "u1", Category: models.CategoryChannelDeleted}))
	assert.Equal(t, models.SeverityCritical, int(out.Incident.Severity))
}

func TestEveryoneRoleDangerousBitsStripped(t *testing.T) {
	f := newFixture(t)
	const sendMessages, admin = int64(1 << 11), int64(1 << 3)
	ev := &models.ChangeEvent{
		Category:   models.CategoryRolePermissionsChanged,
		TenantID:   "g1",
		ArtifactID: "g1",
		BeforeRole: &models.RoleSnapshot{TenantID: "g1", RoleID: "g1", Permissions: sendMessages},
		AfterRole:  &models.RoleSnapshot{TenantID: "g1", RoleID: "g1", Permissions: sendMessages | admin},
	}

	out := f.d.Remediate(context.Background(), Request{
		TenantID: "g1", IdentityID: "owner", Category: ev.Category, ArtifactID: "g1",
		Event: ev, StripMask: admin,
	})
	require.Equal(t, models.StatusApplied, out.Status)
	calls := f.fake.CallsTo("SetRolePermissions")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"g1", "g1", "2048"}, calls[0].Args)
}

func TestRolePermissionRevert(t *testing.T) {
	f := newFixture(t)
	ev := &models.ChangeEvent{
		Category:   models.CategoryRolePermissionsChanged,
		TenantID:   "g1",
		ArtifactID: "r1",
		BeforeRole: &models.RoleSnapshot{TenantID: "g1", RoleID: "r1", Permissions: 1 << 10},
		AfterRole:  &models.RoleSnapshot{TenantID: "g1", RoleID: "r1", Permissions: 1<<10 | 1<<28},
	}
	out := f.d.Remediate(context.Background(), Request{
		TenantID: "g1", IdentityID: "u1", Category: ev.Category, ArtifactID: "r1", Event: ev,
	})
	require.Equal(t, models.StatusApplied, out.Status)
	assert.Equal(t, []string{"g1", "r1", "1024"}, f.fake.CallsTo("SetRolePermissions")[0].Args)
}

func TestOverwriteRevert(t *testing.T) {
	f := newFixture(t)
	before := &models.ChannelSnapshot{TenantID: "g1", ChannelID: "c1", Overwrites: []models.Overwrite{{ID: "g1", Allow: 1 << 10}}}
	ev := &models.ChangeEvent{Category: models.CategoryChannelOverwriteChanged, TenantID: "g1", ArtifactID: "c1", BeforeChannel: before}

	out := f.d.Remediate(context.Background(), Request{
		TenantID: "g1", IdentityID: "u1", Category: ev.Category, ArtifactID: "c1", Event: ev, OverwriteID: "g1",
	})
	require.Equal(t, models.StatusApplied, out.Status)
	assert.Equal(t, []string{"g1", "c1", "g1", "1024", "0"}, f.fake.CallsTo("SetOverwrite")[0].Args)

	out = f.d.Remediate(context.Background(), Request{
		TenantID: "g1", IdentityID: "u1", Category: ev.Category, ArtifactID: "c1", Event: ev, OverwriteID: "r7",
	})
	require.Equal(t, models.StatusApplied, out.Status)
	assert.Len(t, f.fake.CallsTo("DeleteOverwrite"), 1)
}

func TestDangerousRoleAssignmentRemovesOnlyOffendingRoles(t *testing.T) {
	f := newFixture(t)
	f.fake.Unmanaged["r-high"] = true

	out := f.d.Remediate(context.Background(), Request{
		TenantID: "g1", IdentityID: "u1", Category: models.CategoryMemberRolesChanged,
		ArtifactID: "m1", Offending: []string{"r-admin", "r-high"},
	})
	assert.Equal(t, models.StatusSkipped, out.Status)
	calls := f.fake.CallsTo("RemoveMemberRole")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"g1", "m1", "r-admin"}, calls[0].Args)
}

func TestFailedOutcomeIsReported(t *testing.T) {
	f := newFixture(t)
	f.fake.SetError("DeleteWebhook", models.ErrTransient)

	out := f.d.Remediate(context.Background(), Request{
		TenantID: "g1", IdentityID: "u1", Category: models.CategoryWebhookCreated, ArtifactID: "w1",
	})
	assert.Equal(t, models.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, models.ErrTransient)

	got := f.notified.all()
	require.Len(t, got, 1)
	assert.Equal(t, "failed", got[0].Result)
	assert.NotEmpty(t, got[0].Error)
}

func TestGoneArtifactsAreNotFailures(t *testing.T) {
	f := newFixture(t)
	f.fake.SetError("DeleteWebhook", errors.Join(errors.New("unknown webhook"), models.ErrNotFound))

	out := f.d.Remediate(context.Background(), Request{
		TenantID: "g1", IdentityID: "u1", Category: models.CategoryWebhookCreated, ArtifactID: "w1",
	})
	assert.Equal(t, models.StatusApplied, out.Status)
}

func TestVoiceRaidLocksChannelsAndDisconnects(t *testing.T) {
	f := newFixture(t)
	f.fake.Protected["u3"] = true
	key := correlator.Key{TenantID: "g1", Category: models.CategoryVoiceJoined}
	var v correlator.Verdict
	for _, join := range []struct{ user, channel string }{{"u1", "v1"}, {"u2", "v1"}, {"u3", "v2"}} {
		v = f.agg.Evaluate(key, correlator.Hit{At: f.clock.Now(), ArtifactID: join.channel, IdentityID: join.user})
		f.clock.Advance(time.Second)
	}
	require.True(t, v.Breached)

	rule := config.DefaultSecurity().Rule(config.ModuleAntiVoiceRaid)
	out := f.d.Remediate(context.Background(), Request{
		TenantID: "g1", Category: models.CategoryVoiceJoined, Rule: rule,
		Verdict: &v, Counter: &key, LockFor: 5 * time.Minute,
	})
	require.Equal(t, models.StatusApplied, out.Status)
	assert.Len(t, f.fake.CallsTo("DenyPermission"), 2)
	assert.Len(t, f.fake.CallsTo("DisconnectMember"), 2)
	assert.Zero(t, f.agg.Count(key))
}

func TestGuildIdentityAndVanityRevert(t *testing.T) {
	f := newFixture(t)
	before := &models.GuildSettings{Name: "Home", VanityCode: "home", VerificationLevel: 2}
	after := &models.GuildSettings{Name: "pwned", VanityCode: "pwned", VerificationLevel: 0}
	ev := &models.ChangeEvent{Category: models.CategoryGuildPropertiesChanged, TenantID: "g1", BeforeGuild: before, AfterGuild: after}

	out := f.d.Remediate(context.Background(), Request{
		TenantID: "g1", IdentityID: "u1", Category: ev.Category, ArtifactID: "g1", Event: ev,
		RevertIdentity: true, RevertVanity: true,
	})
	require.Equal(t, models.StatusApplied, out.Status)
	assert.Equal(t, []string{"g1", "name", "verification_level"}, f.fake.CallsTo("EditGuild")[0].Args)
	assert.Equal(t, []string{"g1", "home"}, f.fake.CallsTo("SetVanity")[0].Args)
}

func TestJoinFloodKicksTargets(t *testing.T) {
	f := newFixture(t)
	key := correlator.Key{TenantID: "g1", Category: models.CategoryMemberJoined}
	v := correlator.Verdict{Count: 2, Limit: 1, Breached: true}

	out := f.d.Remediate(context.Background(), Request{
		TenantID: "g1", Category: models.CategoryMemberJoined, Targets: []string{"m2"}, ArtifactID: "m2",
		Rule: config.DefaultSecurity().Rule(config.ModuleAntiRaid), Verdict: &v, Counter: &key,
	})
	require.Equal(t, models.StatusApplied, out.Status)
	assert.Equal(t, []string{"g1", "m2"}, f.fake.CallsTo("KickMember")[0].Args)

	// a different joiner right after is not suppressed
	out = f.d.Remediate(context.Background(), Request{
		TenantID: "g1", Category: models.CategoryMemberJoined, Targets: []string{"m3"}, ArtifactID: "m3",
		Rule: config.DefaultSecurity().Rule(config.ModuleAntiRaid), Verdict: &v, Counter: &key,
	})
	assert.Equal(t, models.StatusApplied, out.Status)
}
