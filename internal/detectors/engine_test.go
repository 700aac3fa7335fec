package detectors

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/correlator"
	"github.com/pierrebglinux/dscprotect/internal/decision"
	"github.com/pierrebglinux/dscprotect/internal/forensics"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/platform"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type capture struct {
	mu        sync.Mutex
	incidents []models.Incident
}

func (c *capture) Notify(_ context.Context, inc models.Incident) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incidents = append(c.incidents, inc)
}

func (c *capture) all() []models.Incident {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Incident(nil), c.incidents...)
}

type pipeline struct {
	engine   *Engine
	fake     *platform.Fake
	clock    *util.FakeClock
	profiles *config.ProfileStore
	agg      *correlator.Aggregator
	backups  *forensics.RoleBackupStore
	notified *capture
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{
		fake:     platform.NewFake("bot"),
		clock:    util.NewFakeClock(epoch),
		profiles: config.NewProfileStore(),
		notified: &capture{},
	}
	p.profiles.SetGuild("g1", "Guild", "owner")
	p.agg = correlator.NewAggregator(p.profiles, p.clock)
	nuke := correlator.NewNukeAggregate(p.agg)
	p.backups = forensics.NewRoleBackupStore(p.fake, nil, p.clock)
	recovery := forensics.NewRecoveryTracker(p.clock)

	dispatcher := decision.NewDispatcher(decision.Deps{
		Platform:   p.fake,
		Aggregator: p.agg,
		Nuke:       nuke,
		Backups:    p.backups,
		Recovery:   recovery,
		Locks:      decision.NewLockScheduler(p.fake, nil, p.clock),
		Cooldowns:  decision.NewCooldownManager(3*time.Second, p.clock),
		Notifier:   p.notified,
		Clock:      p.clock,
	})
	p.engine = NewEngine(Deps{
		Profiles:   p.profiles,
		Resolver:   forensics.NewResolver(p.fake, p.fake.SelfID, forensics.WithClock(p.clock)),
		Members:    p.fake,
		Aggregator: p.agg,
		Nuke:       nuke,
		Backups:    p.backups,
		Recovery:   recovery,
		Remediator: dispatcher,
		Notifier:   p.notified,
		SelfID:     p.fake.SelfID,
		Clock:      p.clock,
	})
	t.Cleanup(p.backups.Stop)
	return p
}

func (p *pipeline) audit(kind platform.AuditKind, target, executor string) {
	p.fake.SetAudit("g1", &platform.AuditEntry{
		ID: target + "-" + kind.String(), Kind: kind, TargetID: target, ExecutorID: executor, CreatedAt: p.clock.Now(),
	})
}

func (p *pipeline) handle(ev *models.ChangeEvent) {
	ev.TenantID = "g1"
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.clock.Now()
	}
	p.engine.Handle(context.Background(), ev)
}

func targets(calls []platform.Call, idx int) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Args[idx])
	}
	return out
}

func TestAntiRaidSecondJoinTriggers(t *testing.T) {
	p := newPipeline(t)
	join := func(id string) {
		p.handle(&models.ChangeEvent{
			Category: models.CategoryMemberJoined, ArtifactID: id, ActorHint: id,
			AccountCreated: epoch.AddDate(-1, 0, 0),
		})
	}

	join("m1")
	assert.Empty(t, p.fake.CallsTo("KickMember"))

	p.clock.Advance(time.Second)
	join("m2")
	assert.Equal(t, []string{"m2"}, targets(p.fake.CallsTo("KickMember"), 1))

	p.clock.Advance(time.Second)
	join("m3")
	assert.Equal(t, []string{"m2", "m3"}, targets(p.fake.CallsTo("KickMember"), 1))
	assert.Zero(t, p.fake.AuditCallCount())
}

func TestYoungAccountKickedOnJoin(t *testing.T) {
	p := newPipeline(t)
	p.handle(&models.ChangeEvent{
		Category: models.CategoryMemberJoined, ArtifactID: "m1", ActorHint: "m1",
		AccountCreated: epoch.Add(-24 * time.Hour),
	})

	assert.Equal(t, []string{"m1"}, targets(p.fake.CallsTo("KickMember"), 1))
	assert.Zero(t, p.agg.Count(correlator.Key{TenantID: "g1", Category: models.CategoryMemberJoined}))
}

func TestWhitelistedJoinIsNotCounted(t *testing.T) {
	p := newPipeline(t)
	p.profiles.AddWhitelist("g1", "m1")
	p.handle(&models.ChangeEvent{Category: models.CategoryMemberJoined, ArtifactID: "m1", ActorHint: "m1"})
	assert.Zero(t, p.agg.Count(correlator.Key{TenantID: "g1", Category: models.CategoryMemberJoined}))
}

func TestNukeStripsOnceAndRestoresChannels(t *testing.T) {
	p := newPipeline(t)
	p.fake.AddMember("g1", "u1", models.RoleSnapshot{TenantID: "g1", RoleID: "r1"})

	for i, id := range []string{"c1", "c2", "c3", "c4"} {
		if i > 0 {
			p.clock.Advance(time.Second)
		}
		p.audit(platform.AuditChannelDelete, id, "u1")
		p.handle(&models.ChangeEvent{
			Category:      models.CategoryChannelDeleted,
			ArtifactID:    id,
			BeforeChannel: &models.ChannelSnapshot{TenantID: "g1", ChannelID: id, Name: "chan-" + id},
		})
		if i < 2 {
			assert.Empty(t, p.fake.CallsTo("SetMemberRoles"), "deletion %d", i+1)
		}
	}

	assert.Len(t, p.fake.CallsTo("SetMemberRoles"), 1)
	assert.Equal(t, []string{"chan-c1", "chan-c2", "chan-c3"}, targets(p.fake.CallsTo("CreateChannel"), 1))

	got := p.notified.all()
	require.Len(t, got, 1)
	assert.Equal(t, "applied", got[0].Result)
	assert.Equal(t, "u1", got[0].IdentityID)
}

func TestNukeRestoresBackedUpRoles(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		p.backups.Save(ctx, models.RoleSnapshot{TenantID: "g1", RoleID: id, Name: "role-" + id, CapturedAt: epoch})
	}

	for _, id := range []string{"r1", "r2", "r3"} {
		p.audit(platform.AuditRoleDelete, id, "u1")
		p.handle(&models.ChangeEvent{Category: models.CategoryRoleDeleted, ArtifactID: id})
		p.clock.Advance(time.Second)
	}

	assert.Equal(t, []string{"role-r1", "role-r2", "role-r3"}, targets(p.fake.CallsTo("CreateRole"), 1))

	// the kept backups now point at the recreated roles
	p.clock.Advance(time.Minute)
	assert.Equal(t, 3, p.backups.Len())
}

func TestLegitimateRoleDeletionDropsBackup(t *testing.T) {
	p := newPipeline(t)
	p.backups.Save(context.Background(), models.RoleSnapshot{TenantID: "g1", RoleID: "r1", CapturedAt: epoch})

	p.audit(platform.AuditRoleDelete, "r1", "u1")
	p.handle(&models.ChangeEvent{Category: models.CategoryRoleDeleted, ArtifactID: "r1"})
	require.Equal(t, 1, p.backups.PendingRemovals())

	p.clock.Advance(10*time.Second + time.Second)
	_, ok := p.backups.Get("g1", "r1")
	assert.False(t, ok)
}

func TestWhitelistedWebhookSkipsAudit(t *testing.T) {
	p := newPipeline(t)
	p.profiles.AddWhitelist("g1", "u1")

	p.handle(&models.ChangeEvent{Category: models.CategoryWebhookCreated, ArtifactID: "w1", ParentID: "c1", ActorHint: "u1"})
	assert.Zero(t, p.fake.AuditCallCount())
	assert.Empty(t, p.fake.CallsTo("DeleteWebhook"))

	p.handle(&models.ChangeEvent{Category: models.CategoryWebhookCreated, ArtifactID: "w2", ParentID: "c1", ActorHint: "u2"})
	assert.Zero(t, p.fake.AuditCallCount())
	assert.Equal(t, []string{"w2"}, targets(p.fake.CallsTo("DeleteWebhook"), 1))
}

func TestWhitelistedRoleMembershipExempts(t *testing.T) {
	p := newPipeline(t)
	p.profiles.AddWhitelist("g1", "trusted")
	p.fake.AddMember("g1", "u1", models.RoleSnapshot{TenantID: "g1", RoleID: "trusted"})

	p.audit(platform.AuditChannelCreate, "c1", "u1")
	p.handle(&models.ChangeEvent{Category: models.CategoryChannelCreated, ArtifactID: "c1"})
	p.audit(platform.AuditChannelCreate, "c2", "u1")
	p.handle(&models.ChangeEvent{Category: models.CategoryChannelCreated, ArtifactID: "c2"})

	assert.Empty(t, p.fake.CallsTo("DeleteChannel"))
	assert.Zero(t, p.agg.Count(correlator.Key{TenantID: "g1", IdentityID: "u1", Category: models.CategoryChannelCreated}))
}

func TestUnattributedChangeIsIgnored(t *testing.T) {
	p := newPipeline(t)
	for _, id := range []string{"c1", "c2", "c3"} {
		p.handle(&models.ChangeEvent{Category: models.CategoryChannelCreated, ArtifactID: id})
	}
	assert.Empty(t, p.fake.Calls())
	assert.Equal(t, 3, p.fake.AuditCallCount())
}

func TestChannelSpamDeletesChannels(t *testing.T) {
	p := newPipeline(t)
	p.fake.AddMember("g1", "u1", models.RoleSnapshot{TenantID: "g1", RoleID: "r1"})

	for _, id := range []string{"c1", "c2"} {
		p.audit(platform.AuditChannelCreate, id, "u1")
		p.handle(&models.ChangeEvent{Category: models.CategoryChannelCreated, ArtifactID: id})
	}

	assert.Equal(t, []string{"c1", "c2"}, targets(p.fake.CallsTo("DeleteChannel"), 1))
	assert.Len(t, p.fake.CallsTo("SetMemberRoles"), 1)
	assert.Zero(t, p.agg.Count(correlator.Key{TenantID: "g1", IdentityID: "u1", Category: models.CategoryChannelCreated}))
}

func TestEveryoneRoleStrippedEvenForOwner(t *testing.T) {
	p := newPipeline(t)
	const sendMessages = int64(1 << 11)
	p.audit(platform.AuditRoleUpdate, "g1", "owner")

	p.handle(&models.ChangeEvent{
		Category:   models.CategoryRolePermissionsChanged,
		ArtifactID: "g1",
		BeforeRole: &models.RoleSnapshot{TenantID: "g1", RoleID: "g1", Permissions: sendMessages},
		AfterRole:  &models.RoleSnapshot{TenantID: "g1", RoleID: "g1", Permissions: sendMessages | PermAdministrator | PermBanMembers},
	})

	calls := p.fake.CallsTo("SetRolePermissions")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"g1", "g1", "2048"}, calls[0].Args)

	got := p.notified.all()
	require.Len(t, got, 1)
	assert.Equal(t, "owner", got[0].IdentityID)
	assert.Equal(t, uint8(models.SeverityCritical), got[0].Severity)
}

func TestEveryoneRoleStrippedWithoutPreviousState(t *testing.T) {
	p := newPipeline(t)
	p.handle(&models.ChangeEvent{
		Category:   models.CategoryRolePermissionsChanged,
		ArtifactID: "g1",
		AfterRole:  &models.RoleSnapshot{TenantID: "g1", RoleID: "g1", Permissions: PermManageWebhooks | PermMentionEveryone},
	})
	calls := p.fake.CallsTo("SetRolePermissions")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"g1", "g1", "0"}, calls[0].Args)

	p.handle(&models.ChangeEvent{
		Category:   models.CategoryRolePermissionsChanged,
		ArtifactID: "g1",
		AfterRole:  &models.RoleSnapshot{TenantID: "g1", RoleID: "g1", Permissions: 1 << 11},
	})
	assert.Len(t, p.fake.CallsTo("SetRolePermissions"), 1, "harmless permissions are left alone")
}

func TestRoleGrantWithoutPreviousStateIsIgnored(t *testing.T) {
	p := newPipeline(t)
	p.audit(platform.AuditRoleUpdate, "r1", "u1")
	p.handle(&models.ChangeEvent{
		Category:   models.CategoryRolePermissionsChanged,
		ArtifactID: "r1",
		AfterRole:  &models.RoleSnapshot{TenantID: "g1", RoleID: "r1", Permissions: PermAdministrator},
	})
	assert.Empty(t, p.fake.CallsTo("SetRolePermissions"))
	assert.Empty(t, p.notified.all())
}

func TestOwnerRoleGrantIsAllowedAndReported(t *testing.T) {
	p := newPipeline(t)
	sec := config.DefaultSecurity()
	sec.LogDangerousPerms = true
	p.profiles.SetSecurity("g1", sec)
	p.audit(platform.AuditRoleUpdate, "r1", "owner")

	p.handle(&models.ChangeEvent{
		Category:   models.CategoryRolePermissionsChanged,
		ArtifactID: "r1",
		BeforeRole: &models.RoleSnapshot{TenantID: "g1", RoleID: "r1"},
		AfterRole:  &models.RoleSnapshot{TenantID: "g1", RoleID: "r1", Permissions: PermManageRoles},
	})

	assert.Empty(t, p.fake.CallsTo("SetRolePermissions"))
	got := p.notified.all()
	require.Len(t, got, 1)
	assert.Equal(t, "skipped", got[0].Result)

	// the update is still backed up
	backup, ok := p.backups.Get("g1", "r1")
	require.True(t, ok)
	assert.Equal(t, PermManageRoles, backup.Permissions)
}

func TestRoleGrantRevertedForOthers(t *testing.T) {
	p := newPipeline(t)
	p.audit(platform.AuditRoleUpdate, "r1", "u1")

	p.handle(&models.ChangeEvent{
		Category:   models.CategoryRolePermissionsChanged,
		ArtifactID: "r1",
		BeforeRole: &models.RoleSnapshot{TenantID: "g1", RoleID: "r1", Permissions: 1 << 10},
		AfterRole:  &models.RoleSnapshot{TenantID: "g1", RoleID: "r1", Permissions: 1<<10 | PermManageWebhooks},
	})

	calls := p.fake.CallsTo("SetRolePermissions")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"g1", "r1", "1024"}, calls[0].Args)
}

func TestHarmlessRoleUpdateIsIgnored(t *testing.T) {
	p := newPipeline(t)
	p.handle(&models.ChangeEvent{
		Category:   models.CategoryRolePermissionsChanged,
		ArtifactID: "r1",
		BeforeRole: &models.RoleSnapshot{TenantID: "g1", RoleID: "r1", Permissions: PermAdministrator},
		AfterRole:  &models.RoleSnapshot{TenantID: "g1", RoleID: "r1", Permissions: 1 << 10},
	})
	assert.Zero(t, p.fake.AuditCallCount())
	assert.Empty(t, p.fake.Calls())
}

func TestEveryoneOverwriteReverted(t *testing.T) {
	p := newPipeline(t)
	p.audit(platform.AuditOverwriteUpdate, "c1", "u1")

	p.handle(&models.ChangeEvent{
		Category:      models.CategoryChannelOverwriteChanged,
		ArtifactID:    "c1",
		BeforeChannel: &models.ChannelSnapshot{TenantID: "g1", ChannelID: "c1"},
		AfterChannel: &models.ChannelSnapshot{TenantID: "g1", ChannelID: "c1", Overwrites: []models.Overwrite{
			{ID: "g1", Allow: PermManageMessages},
		}},
	})

	calls := p.fake.CallsTo("DeleteOverwrite")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"g1", "c1", "g1"}, calls[0].Args)
}

func TestDangerousRoleAssignmentRemoved(t *testing.T) {
	p := newPipeline(t)
	p.audit(platform.AuditMemberRoleUpdate, "m1", "u1")

	p.handle(&models.ChangeEvent{
		Category:   models.CategoryMemberRolesChanged,
		ArtifactID: "m1",
		AddedRoles: []models.RoleSnapshot{
			{TenantID: "g1", RoleID: "r-admin", Permissions: PermAdministrator},
			{TenantID: "g1", RoleID: "r-chat", Permissions: 1 << 11},
		},
	})

	calls := p.fake.CallsTo("RemoveMemberRole")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"g1", "m1", "r-admin"}, calls[0].Args)
}

func TestBotAddedByOwnerAllowed(t *testing.T) {
	p := newPipeline(t)
	p.audit(platform.AuditBotAdd, "b1", "owner")
	p.handle(&models.ChangeEvent{Category: models.CategoryBotAdded, ArtifactID: "b1"})
	assert.Empty(t, p.fake.CallsTo("BanMember"))

	p.audit(platform.AuditBotAdd, "b2", "u1")
	p.handle(&models.ChangeEvent{Category: models.CategoryBotAdded, ArtifactID: "b2"})
	assert.Equal(t, []string{"b2"}, targets(p.fake.CallsTo("BanMember"), 1))
}

func TestVoiceRaidLocksChannels(t *testing.T) {
	p := newPipeline(t)
	for i, join := range []struct{ user, channel string }{{"u1", "v1"}, {"u2", "v1"}, {"u3", "v2"}} {
		if i > 0 {
			p.clock.Advance(500 * time.Millisecond)
		}
		p.handle(&models.ChangeEvent{Category: models.CategoryVoiceJoined, ArtifactID: join.channel, ActorHint: join.user})
	}

	assert.Equal(t, []string{"v1", "v2"}, targets(p.fake.CallsTo("DenyPermission"), 1))
	assert.Len(t, p.fake.CallsTo("DisconnectMember"), 3)

	p.clock.Advance(5 * time.Minute)
	assert.Len(t, p.fake.CallsTo("ClearPermission"), 2)
}

func TestGuildVanityReverted(t *testing.T) {
	p := newPipeline(t)
	p.audit(platform.AuditGuildUpdate, "g1", "u1")

	p.handle(&models.ChangeEvent{
		Category:    models.CategoryGuildPropertiesChanged,
		ArtifactID:  "g1",
		BeforeGuild: &models.GuildSettings{Name: "Home", VanityCode: "home"},
		AfterGuild:  &models.GuildSettings{Name: "Home", VanityCode: "stolen"},
	})

	assert.Empty(t, p.fake.CallsTo("EditGuild"))
	assert.Equal(t, []string{"g1", "home"}, p.fake.CallsTo("SetVanity")[0].Args)
}

func TestDisabledModuleIgnoresEvents(t *testing.T) {
	p := newPipeline(t)
	sec := config.DefaultSecurity()
	rule := sec.Rules[config.ModuleAntiWebhook]
	rule.Enabled = false
	sec.Rules[config.ModuleAntiWebhook] = rule
	p.profiles.SetSecurity("g1", sec)

	p.handle(&models.ChangeEvent{Category: models.CategoryWebhookCreated, ArtifactID: "w1", ActorHint: "u1"})
	assert.Empty(t, p.fake.Calls())
}
