package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/platform"
)

type fakeAuditAPI struct {
	entries []*discordgo.AuditLogEntry
	err     error
	calls   int
	action  int
}

func (f *fakeAuditAPI) GuildAuditLog(_, _, _ string, actionType, _ int, _ ...discordgo.RequestOption) (*discordgo.GuildAuditLog, error) {
	f.calls++
	f.action = actionType
	if f.err != nil {
		return nil, f.err
	}
	return &discordgo.GuildAuditLog{AuditLogEntries: f.entries}, nil
}

func gatewayEntry(id, executor string, action discordgo.AuditLogAction) *discordgo.AuditLogEntry {
	return &discordgo.AuditLogEntry{ID: id, UserID: executor, ActionType: &action}
}

func TestQueryLatestUsesRESTAndCaches(t *testing.T) {
	api := &fakeAuditAPI{entries: []*discordgo.AuditLogEntry{
		gatewayEntry(snowflake(epoch), "attacker", discordgo.AuditLogActionRoleDelete),
	}}
	cache := NewAuditCache(16, time.Minute)
	log := NewAuditLog(api, cache)

	entry, err := log.QueryLatest(context.Background(), "g1", platform.AuditRoleDelete)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "attacker", entry.ExecutorID)
	assert.Equal(t, 32, api.action)

	cached, ok := cache.Latest("g1", platform.AuditRoleDelete)
	require.True(t, ok)
	assert.Equal(t, entry.ID, cached.ID)
}

func TestQueryLatestEmptyLog(t *testing.T) {
	log := NewAuditLog(&fakeAuditAPI{}, NewAuditCache(16, time.Minute))
	entry, err := log.QueryLatest(context.Background(), "g1", platform.AuditMemberKick)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestQueryLatestFallsBackToGatewayEntry(t *testing.T) {
	api := &fakeAuditAPI{err: errors.New("connection reset")}
	log := NewAuditLog(api, NewAuditCache(16, time.Minute))

	log.Observe("g1", gatewayEntry(snowflake(epoch), "attacker", discordgo.AuditLogActionChannelDelete))

	entry, err := log.QueryLatest(context.Background(), "g1", platform.AuditChannelDelete)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "attacker", entry.ExecutorID)

	_, err = log.QueryLatest(context.Background(), "g1", platform.AuditRoleDelete)
	assert.ErrorIs(t, err, models.ErrTransient)
}

func TestAuditCacheKeepsNewest(t *testing.T) {
	cache := NewAuditCache(0, time.Minute)
	newer := platform.AuditEntry{ID: "2", Kind: platform.AuditMemberBan, CreatedAt: epoch}
	older := platform.AuditEntry{ID: "1", Kind: platform.AuditMemberBan, CreatedAt: epoch.Add(-time.Second)}

	cache.Store("g1", newer)
	cache.Store("g1", older)
	cache.Store("g1", platform.AuditEntry{ID: "3"})

	got, ok := cache.Latest("g1", platform.AuditMemberBan)
	require.True(t, ok)
	assert.Equal(t, "2", got.ID)
	assert.Equal(t, 1, cache.Len())

	_, ok = cache.Latest("g2", platform.AuditMemberBan)
	assert.False(t, ok)
}

func TestUnmappedKindIsIgnored(t *testing.T) {
	api := &fakeAuditAPI{}
	log := NewAuditLog(api, NewAuditCache(16, time.Minute))
	entry, err := log.QueryLatest(context.Background(), "g1", platform.AuditUnknown)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Zero(t, api.calls)
}
