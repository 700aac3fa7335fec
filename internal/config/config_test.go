package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pierrebglinux/dscprotect/internal/models"
)

func TestDefaultSecurityMatchesSchema(t *testing.T) {
	assert := assert.New(t)
	sec := DefaultSecurity()

	raid := sec.Rule(ModuleAntiRaid)
	assert.True(raid.Enabled)
	assert.Equal(1, raid.Max())
	assert.Equal(int64(10000), raid.WindowMs)
	assert.Equal(ActionKick, raid.Action)

	reactions := sec.Rule(ModuleMassReactions)
	assert.Equal(5, reactions.Max())
	assert.Equal(int64(300000), reactions.ActionDurationMs)

	assert.Equal(2, sec.Threshold(models.CategoryChannelDeleted))
	assert.Equal(2, sec.Threshold(models.CategoryMemberKicked))
	assert.Equal(1, sec.Threshold(models.CategoryChannelCreated))
	assert.Equal(3, sec.AccountAgeLimitDays)
	assert.Equal(int64(300000), sec.LockDurationMs)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	assert := assert.New(t)
	sec := GuildSecurity{
		Rules: map[Module]Rule{
			ModuleAntiNuke: {Enabled: false, WindowMs: 20000},
		},
		Nuke: NukeLimits{ChannelDelete: 5},
	}
	sec.ApplyDefaults()

	nuke := sec.Rule(ModuleAntiNuke)
	assert.False(nuke.Enabled)
	assert.Equal(int64(20000), nuke.WindowMs)
	assert.Equal(ActionRemoveRoles, nuke.Action)
	assert.Equal(5, sec.Nuke.ChannelDelete)
	assert.Equal(2, sec.Nuke.RoleDelete)
	assert.True(sec.Rule(ModuleAntiWebhook).Enabled)
}

func TestApplyDefaultsKeepsExplicitZeroLimit(t *testing.T) {
	var sec GuildSecurity
	require.NoError(t, json.Unmarshal([]byte(`{"rules":{"antiRaid":{"enabled":true,"limit":0},"antiThread":{"enabled":true}}}`), &sec))
	sec.ApplyDefaults()

	raid := sec.Rule(ModuleAntiRaid)
	require.NotNil(t, raid.Limit)
	assert.Equal(t, 0, raid.Max())
	assert.Equal(t, 0, sec.Threshold(models.CategoryMemberJoined))
	assert.Equal(t, int64(10000), raid.WindowMs)

	assert.Equal(t, 1, sec.Rule(ModuleAntiThread).Max(), "a missing limit takes the default")

	raw, err := json.Marshal(sec)
	require.NoError(t, err)
	var again GuildSecurity
	require.NoError(t, json.Unmarshal(raw, &again))
	again.ApplyDefaults()
	assert.Equal(t, 0, again.Rule(ModuleAntiRaid).Max())
}

func TestCloneDoesNotShareLimits(t *testing.T) {
	sec := DefaultSecurity()
	clone := sec.Clone()
	*clone.Rules[ModuleAntiRaid].Limit = 9
	assert.Equal(t, 1, sec.Rule(ModuleAntiRaid).Max())
	assert.Equal(t, 1, DefaultSecurity().Rule(ModuleAntiRaid).Max())
}

func TestMaxWindowIgnoresDisabledModules(t *testing.T) {
	sec := DefaultSecurity()
	assert.Equal(t, int64(10000), sec.MaxWindow().Milliseconds())

	rule := sec.Rules[ModuleAntiRaid]
	rule.WindowMs = 60000
	rule.Enabled = false
	sec.Rules[ModuleAntiRaid] = rule
	assert.Equal(t, int64(10000), sec.MaxWindow().Milliseconds())
}

func TestProfileStoreIsExempt(t *testing.T) {
	assert := assert.New(t)
	ps := NewProfileStore()

	assert.False(ps.IsExempt("g1", "u1", nil), "unknown tenant must fail closed")

	ps.AddWhitelist("g1", "u1")
	ps.AddWhitelist("g1", "role-trusted")
	assert.True(ps.IsExempt("g1", "u1", nil))
	assert.False(ps.IsExempt("g2", "u1", nil))
	assert.True(ps.IsExempt("g1", "u2", []string{"role-x", "role-trusted"}))
	assert.False(ps.IsExempt("g1", "", []string{"role-x"}))

	ps.RemoveWhitelist("g1", "u1")
	assert.False(ps.IsExempt("g1", "u1", nil))

	ps.ReplaceWhitelist("g1", []string{"u9"})
	assert.True(ps.IsExempt("g1", "u9", nil))
	assert.False(ps.IsExempt("g1", "u2", []string{"role-trusted"}))
}

func TestProfileStoreSecurityIsACopy(t *testing.T) {
	ps := NewProfileStore()
	ps.SetGuild("g1", "guild", "owner")

	sec := ps.Security("g1")
	sec.Rules[ModuleAntiNuke] = Rule{Enabled: false}

	assert.True(t, ps.Security("g1").Rule(ModuleAntiNuke).Enabled)
	assert.Equal(t, "owner", ps.Owner("g1"))
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"bot":{"token":"from-file"},"database":{"path":"x.db"},"detection":{"audit_staleness_ms":4000}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("DSCPROTECT_NETWORK_HTTP_POOL_SIZE", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Bot.Token)
	assert.Equal(t, "x.db", cfg.Database.Path)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, int64(4000), cfg.Detection.AuditStalenessMs)
	assert.Equal(t, 9, cfg.Network.HTTPPoolSize)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "env-token")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Bot.Token)
	assert.Equal(t, int64(5000), cfg.Detection.AuditStalenessMs)
	assert.Equal(t, "logs/incidents.jsonl", cfg.Logging.IncidentPath)
	assert.Equal(t, 30, cfg.Logging.RetentionDays)
	assert.Equal(t, int64(40), cfg.Network.MutationsPerSecond)
}

func TestLoadRejectsRedisWithoutURL(t *testing.T) {
	t.Setenv("DSCPROTECT_DATABASE_DRIVER", "redis")
	_, err := Load("")
	assert.Error(t, err)
}
