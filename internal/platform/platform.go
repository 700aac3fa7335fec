// Package platform declares the operations the engine needs from the
// community platform. internal/bot implements them over discordgo.
package platform

import (
	"context"
	"time"

	"github.com/pierrebglinux/dscprotect/internal/models"
)

// AuditKind is a platform-neutral audit trail action type.
type AuditKind int

const (
	AuditUnknown AuditKind = iota
	AuditGuildUpdate
	AuditChannelCreate
	AuditChannelUpdate
	AuditChannelDelete
	AuditOverwriteCreate
	AuditOverwriteUpdate
	AuditMemberKick
	AuditMemberBan
	AuditMemberRoleUpdate
	AuditBotAdd
	AuditRoleCreate
	AuditRoleUpdate
	AuditRoleDelete
	AuditWebhookCreate
	AuditThreadCreate
	AuditOnboardingUpdate
)

func (k AuditKind) String() string {
	switch k {
	case AuditGuildUpdate:
		return "guild_update"
	case AuditChannelCreate:
		return "channel_create"
	case AuditChannelUpdate:
		return "channel_update"
	case AuditChannelDelete:
		return "channel_delete"
	case AuditOverwriteCreate:
		return "overwrite_create"
	case AuditOverwriteUpdate:
		return "overwrite_update"
	case AuditMemberKick:
		return "member_kick"
	case AuditMemberBan:
		return "member_ban"
	case AuditMemberRoleUpdate:
		return "member_role_update"
	case AuditBotAdd:
		return "bot_add"
	case AuditRoleCreate:
		return "role_create"
	case AuditRoleUpdate:
		return "role_update"
	case AuditRoleDelete:
		return "role_delete"
	case AuditWebhookCreate:
		return "webhook_create"
	case AuditThreadCreate:
		return "thread_create"
	case AuditOnboardingUpdate:
		return "onboarding_update"
	}
	return "unknown"
}

// AuditEntry is the part of an audit trail record attribution relies on.
type AuditEntry struct {
	ID         string
	Kind       AuditKind
	TargetID   string
	ExecutorID string
	ChannelID  string
	CreatedAt  time.Time
}

type AuditSource interface {
	QueryLatest(ctx context.Context, tenantID string, kind AuditKind) (*AuditEntry, error)
}

// Member is a tenant member as seen by the engine.
type Member struct {
	TenantID string
	UserID   string
	IsBot    bool
	Roles    []models.RoleSnapshot
}

func (m *Member) RoleIDs() []string {
	if m == nil {
		return nil
	}
	ids := make([]string, 0, len(m.Roles))
	for _, r := range m.Roles {
		ids = append(ids, r.RoleID)
	}
	return ids
}

type MemberAPI interface {
	Member(ctx context.Context, tenantID, userID string) (*Member, error)
	// Moderatable reports whether the engine outranks userID.
	Moderatable(ctx context.Context, tenantID, userID string) (bool, error)
	// CanManageRole reports whether the engine may grant or remove roleID.
	CanManageRole(ctx context.Context, tenantID, roleID string) bool
	SetMemberRoles(ctx context.Context, tenantID, userID string, roleIDs []string, reason string) error
	RemoveMemberRole(ctx context.Context, tenantID, userID, roleID, reason string) error
	BanMember(ctx context.Context, tenantID, userID, reason string) error
	KickMember(ctx context.Context, tenantID, userID, reason string) error
	TimeoutMember(ctx context.Context, tenantID, userID string, until time.Time, reason string) error
	DisconnectMember(ctx context.Context, tenantID, userID, reason string) error
}

type ArtifactAPI interface {
	DeleteChannel(ctx context.Context, tenantID, channelID, reason string) error
	CreateChannel(ctx context.Context, tenantID string, ch models.ChannelSnapshot, reason string) (string, error)
	SetOverwrite(ctx context.Context, tenantID, channelID string, ow models.Overwrite, reason string) error
	DeleteOverwrite(ctx context.Context, tenantID, channelID, targetID, reason string) error
	// DenyPermission adds perm to targetID's deny set on channelID.
	DenyPermission(ctx context.Context, tenantID, channelID, targetID string, perm int64, reason string) error
	// ClearPermission removes perm from both sets of targetID's overwrite.
	ClearPermission(ctx context.Context, tenantID, channelID, targetID string, perm int64, reason string) error
	DeleteWebhook(ctx context.Context, tenantID, webhookID, reason string) error
}

type RoleAPI interface {
	Roles(ctx context.Context, tenantID string) ([]models.RoleSnapshot, error)
	RoleExists(ctx context.Context, tenantID, roleID string) (bool, error)
	CreateRole(ctx context.Context, tenantID string, role models.RoleSnapshot, reason string) (*models.RoleSnapshot, error)
	DeleteRole(ctx context.Context, tenantID, roleID, reason string) error
	SetRolePermissions(ctx context.Context, tenantID, roleID string, perms int64, reason string) error
}

type GuildAPI interface {
	EditGuild(ctx context.Context, tenantID string, patch map[string]interface{}, reason string) error
	SetVanity(ctx context.Context, tenantID, code, reason string) error
	EditOnboarding(ctx context.Context, tenantID string, ob models.Onboarding, reason string) error
}

// Platform is everything remediation may call.
type Platform interface {
	MemberAPI
	ArtifactAPI
	RoleAPI
	GuildAPI
	SelfID() string
}
