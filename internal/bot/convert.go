package bot

import (
	"sort"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/platform"
)

// Audit log action types, as numbered by the REST API.
var auditActions = map[platform.AuditKind]int{
	platform.AuditGuildUpdate:      1,
	platform.AuditChannelCreate:    10,
	platform.AuditChannelUpdate:    11,
	platform.AuditChannelDelete:    12,
	platform.AuditOverwriteCreate:  13,
	platform.AuditOverwriteUpdate:  14,
	platform.AuditMemberKick:       20,
	platform.AuditMemberBan:        22,
	platform.AuditMemberRoleUpdate: 25,
	platform.AuditBotAdd:           28,
	platform.AuditRoleCreate:       30,
	platform.AuditRoleUpdate:       31,
	platform.AuditRoleDelete:       32,
	platform.AuditWebhookCreate:    50,
	platform.AuditThreadCreate:     110,
	platform.AuditOnboardingUpdate: 167,
}

var auditKindsByAction = func() map[int]platform.AuditKind {
	m := make(map[int]platform.AuditKind, len(auditActions))
	for kind, action := range auditActions {
		m[action] = kind
	}
	return m
}()

func auditKindOf(action *discordgo.AuditLogAction) platform.AuditKind {
	if action == nil {
		return platform.AuditUnknown
	}
	return auditKindsByAction[int(*action)]
}

// snowflakeTime returns the creation time encoded in a platform id.
func snowflakeTime(id string) time.Time {
	t, err := discordgo.SnowflakeTimestamp(id)
	if err != nil {
		return time.Time{}
	}
	return t
}

func auditEntry(e *discordgo.AuditLogEntry) *platform.AuditEntry {
	if e == nil {
		return nil
	}
	entry := &platform.AuditEntry{
		ID:         e.ID,
		Kind:       auditKindOf(e.ActionType),
		TargetID:   e.TargetID,
		ExecutorID: e.UserID,
		CreatedAt:  snowflakeTime(e.ID),
	}
	if e.Options != nil {
		entry.ChannelID = e.Options.ChannelID
	}
	return entry
}

func roleSnapshot(guildID string, r *discordgo.Role, at time.Time) models.RoleSnapshot {
	return models.RoleSnapshot{
		TenantID:    guildID,
		RoleID:      r.ID,
		Name:        r.Name,
		Color:       r.Color,
		Permissions: r.Permissions,
		Position:    r.Position,
		Hoist:       r.Hoist,
		Mentionable: r.Mentionable,
		Managed:     r.Managed,
		CapturedAt:  at,
	}
}

func channelSnapshot(ch *discordgo.Channel) *models.ChannelSnapshot {
	if ch == nil {
		return nil
	}
	snap := &models.ChannelSnapshot{
		TenantID:         ch.GuildID,
		ChannelID:        ch.ID,
		Name:             ch.Name,
		Type:             int(ch.Type),
		ParentID:         ch.ParentID,
		Position:         ch.Position,
		Topic:            ch.Topic,
		NSFW:             ch.NSFW,
		Bitrate:          ch.Bitrate,
		UserLimit:        ch.UserLimit,
		RateLimitPerUser: ch.RateLimitPerUser,
	}
	for _, ow := range ch.PermissionOverwrites {
		if ow == nil {
			continue
		}
		snap.Overwrites = append(snap.Overwrites, models.Overwrite{
			ID:    ow.ID,
			Type:  models.OverwriteType(ow.Type),
			Allow: ow.Allow,
			Deny:  ow.Deny,
		})
	}
	sort.Slice(snap.Overwrites, func(i, j int) bool { return snap.Overwrites[i].ID < snap.Overwrites[j].ID })
	return snap
}

func overwritesEqual(a, b *models.ChannelSnapshot) bool {
	if len(a.Overwrites) != len(b.Overwrites) {
		return false
	}
	for i := range a.Overwrites {
		if a.Overwrites[i] != b.Overwrites[i] {
			return false
		}
	}
	return true
}

func guildSettings(g *discordgo.Guild) models.GuildSettings {
	return models.GuildSettings{
		Name:                        g.Name,
		Icon:                        g.Icon,
		Banner:                      g.Banner,
		VanityCode:                  g.VanityURLCode,
		VerificationLevel:           int(g.VerificationLevel),
		DefaultMessageNotifications: int(g.DefaultMessageNotifications),
		ExplicitContentFilter:       int(g.ExplicitContentFilter),
		AFKChannelID:                g.AfkChannelID,
		AFKTimeout:                  g.AfkTimeout,
		SystemChannelID:             g.SystemChannelID,
		RulesChannelID:              g.RulesChannelID,
		PublicUpdatesChannelID:      g.PublicUpdatesChannelID,
		PreferredLocale:             g.PreferredLocale,
	}
}

// addedRoles returns the ids in after that are missing from before.
func addedRoles(before, after []string) []string {
	had := make(map[string]struct{}, len(before))
	for _, id := range before {
		had[id] = struct{}{}
	}
	var added []string
	for _, id := range after {
		if _, ok := had[id]; !ok {
			added = append(added, id)
		}
	}
	return added
}

// newestWebhook picks the most recently created webhook younger than maxAge.
func newestWebhook(hooks []*discordgo.Webhook, now time.Time, maxAge time.Duration) *discordgo.Webhook {
	var newest *discordgo.Webhook
	var newestAt time.Time
	for _, h := range hooks {
		if h == nil {
			continue
		}
		at := snowflakeTime(h.ID)
		if now.Sub(at) > maxAge {
			continue
		}
		if newest == nil || at.After(newestAt) {
			newest, newestAt = h, at
		}
	}
	return newest
}
