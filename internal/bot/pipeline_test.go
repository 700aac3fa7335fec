package bot

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/correlator"
	"github.com/pierrebglinux/dscprotect/internal/decision"
	"github.com/pierrebglinux/dscprotect/internal/detectors"
	"github.com/pierrebglinux/dscprotect/internal/forensics"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/platform"
	"github.com/pierrebglinux/dscprotect/pkg/util"
)

type incidents struct {
	mu  sync.Mutex
	got []models.Incident
}

func (i *incidents) Notify(_ context.Context, inc models.Incident) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, inc)
}

func (i *incidents) all() []models.Incident {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]models.Incident(nil), i.got...)
}

// TestEveryoneEscalationIsStrippedEndToEnd drives a gateway role update through
// the router into the detection engine, with the same role backup store the
// bot runs with. That store never keeps the everyone role.
func TestEveryoneEscalationIsStrippedEndToEnd(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFake("bot")
	clock := util.NewFakeClock(epoch)
	profiles := config.NewProfileStore()
	notified := &incidents{}

	backups := forensics.NewRoleBackupStore(fake, nil, clock)
	t.Cleanup(backups.Stop)
	agg := correlator.NewAggregator(profiles, clock)
	nuke := correlator.NewNukeAggregate(agg)
	recovery := forensics.NewRecoveryTracker(clock)
	dispatcher := decision.NewDispatcher(decision.Deps{
		Platform:   fake,
		Aggregator: agg,
		Nuke:       nuke,
		Backups:    backups,
		Recovery:   recovery,
		Locks:      decision.NewLockScheduler(fake, nil, clock),
		Cooldowns:  decision.NewCooldownManager(3*time.Second, clock),
		Notifier:   notified,
		Clock:      clock,
	})
	engine := detectors.NewEngine(detectors.Deps{
		Profiles:   profiles,
		Resolver:   forensics.NewResolver(fake, fake.SelfID, forensics.WithClock(clock)),
		Members:    fake,
		Aggregator: agg,
		Nuke:       nuke,
		Backups:    backups,
		Recovery:   recovery,
		Remediator: dispatcher,
		Notifier:   notified,
		SelfID:     fake.SelfID,
		Clock:      clock,
	})

	router := NewRouter(ctx, RouterDeps{
		Sink:     engine,
		Profiles: profiles,
		Roles:    backups,
		Clock:    clock,
		OnGuildAvailable: func(ctx context.Context, guildID string) {
			_, err := backups.BackupAll(ctx, guildID)
			require.NoError(t, err)
		},
	})

	send := int64(discordgo.PermissionSendMessages)
	fake.AddRole(models.RoleSnapshot{TenantID: "g1", RoleID: "g1", Name: "@everyone", Permissions: send})
	fake.AddRole(models.RoleSnapshot{TenantID: "g1", RoleID: "r1", Name: "Mods"})
	router.onGuildCreate(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{ID: "g1", Name: "Guild", OwnerID: "owner",
		Roles: []*discordgo.Role{{ID: "g1", Name: "@everyone", Permissions: send}, {ID: "r1", Name: "Mods"}}}})

	_, backedUp := backups.Get("g1", "g1")
	require.False(t, backedUp, "the everyone role has no backup")
	_, backedUp = backups.Get("g1", "r1")
	require.True(t, backedUp)

	fake.SetAudit("g1", &platform.AuditEntry{
		ID: "e1", Kind: platform.AuditRoleUpdate, TargetID: "g1", ExecutorID: "owner", CreatedAt: epoch,
	})
	router.onRoleUpdate(nil, &discordgo.GuildRoleUpdate{GuildRole: &discordgo.GuildRole{
		GuildID: "g1",
		Role:    &discordgo.Role{ID: "g1", Name: "@everyone", Permissions: send | discordgo.PermissionAdministrator | discordgo.PermissionBanMembers},
	}})

	calls := fake.CallsTo("SetRolePermissions")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"g1", "g1", strconv.FormatInt(send, 10)}, calls[0].Args)

	got := notified.all()
	require.Len(t, got, 1)
	assert.Equal(t, "owner", got[0].IdentityID)
}

func TestEveryoneEscalationWithoutBaselineIsStripped(t *testing.T) {
	ctx := context.Background()
	fake := platform.NewFake("bot")
	clock := util.NewFakeClock(epoch)
	profiles := config.NewProfileStore()
	profiles.SetGuild("g1", "Guild", "owner")
	backups := forensics.NewRoleBackupStore(fake, nil, clock)
	t.Cleanup(backups.Stop)
	agg := correlator.NewAggregator(profiles, clock)
	nuke := correlator.NewNukeAggregate(agg)
	recovery := forensics.NewRecoveryTracker(clock)
	notified := &incidents{}
	engine := detectors.NewEngine(detectors.Deps{
		Profiles:   profiles,
		Resolver:   forensics.NewResolver(fake, fake.SelfID, forensics.WithClock(clock)),
		Members:    fake,
		Aggregator: agg,
		Nuke:       nuke,
		Backups:    backups,
		Recovery:   recovery,
		Remediator: decision.NewDispatcher(decision.Deps{
			Platform:   fake,
			Aggregator: agg,
			Nuke:       nuke,
			Backups:    backups,
			Recovery:   recovery,
			Locks:      decision.NewLockScheduler(fake, nil, clock),
			Cooldowns:  decision.NewCooldownManager(3*time.Second, clock),
			Notifier:   notified,
			Clock:      clock,
		}),
		Notifier: notified,
		SelfID:   fake.SelfID,
		Clock:    clock,
	})
	router := NewRouter(ctx, RouterDeps{Sink: engine, Profiles: profiles, Roles: backups, Clock: clock})

	router.onRoleUpdate(nil, &discordgo.GuildRoleUpdate{GuildRole: &discordgo.GuildRole{
		GuildID: "g1",
		Role:    &discordgo.Role{ID: "g1", Name: "@everyone", Permissions: discordgo.PermissionManageWebhooks},
	}})

	calls := fake.CallsTo("SetRolePermissions")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"g1", "g1", "0"}, calls[0].Args)
}
