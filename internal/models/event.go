package models

import "time"

// Category tags a ChangeEvent with the kind of platform mutation it describes.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryChannelCreated
	CategoryChannelDeleted
	CategoryChannelOverwriteChanged
	CategoryRoleCreated
	CategoryRoleDeleted
	CategoryRolePermissionsChanged
	CategoryMemberJoined
	CategoryMemberKicked
	CategoryMemberBanned
	CategoryMemberRolesChanged
	CategoryReactionAdded
	CategoryThreadCreated
	CategoryWebhookCreated
	CategoryVoiceJoined
	CategoryOnboardingChanged
	CategoryGuildPropertiesChanged
	CategoryBotAdded
)

var categoryNames = map[Category]string{
	CategoryUnknown:                 "unknown",
	CategoryChannelCreated:          "channel_create",
	CategoryChannelDeleted:          "channel_delete",
	CategoryChannelOverwriteChanged: "channel_overwrite",
	CategoryRoleCreated:             "role_create",
	CategoryRoleDeleted:             "role_delete",
	CategoryRolePermissionsChanged:  "role_update",
	CategoryMemberJoined:            "member_join",
	CategoryMemberKicked:            "member_kick",
	CategoryMemberBanned:            "member_ban",
	CategoryMemberRolesChanged:      "member_roles",
	CategoryReactionAdded:           "reaction_add",
	CategoryThreadCreated:           "thread_create",
	CategoryWebhookCreated:          "webhook_create",
	CategoryVoiceJoined:             "voice_join",
	CategoryOnboardingChanged:       "onboarding_update",
	CategoryGuildPropertiesChanged:  "guild_update",
	CategoryBotAdded:                "bot_add",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// IsNuke reports whether the category belongs to the combined nuke aggregate.
func (c Category) IsNuke() bool {
	switch c {
	case CategoryChannelDeleted, CategoryRoleDeleted, CategoryMemberBanned, CategoryMemberKicked:
		return true
	}
	return false
}

// ChangeEvent is one observed mutation of a tenant. Producers fill only the
// snapshot fields relevant to the category.
type ChangeEvent struct {
	Category   Category
	TenantID   string
	ArtifactID string
	ParentID   string
	OccurredAt time.Time

	// ActorHint is set when the event itself names the acting identity
	// (joining member, reacting user, voice member, webhook creator).
	ActorHint      string
	ActorRoleIDs   []string
	ActorIsBot     bool
	AccountCreated time.Time

	BeforeRole    *RoleSnapshot
	AfterRole     *RoleSnapshot
	BeforeChannel *ChannelSnapshot
	AfterChannel  *ChannelSnapshot
	BeforeGuild   *GuildSettings
	AfterGuild    *GuildSettings
	BeforeBoard   *Onboarding
	AfterBoard    *Onboarding

	// AddedRoles lists roles granted to ArtifactID (a member) by a MemberRolesChanged event.
	AddedRoles []RoleSnapshot
}

// AttributedActor is the identity an audit entry holds accountable for an event.
type AttributedActor struct {
	IdentityID string
	EntryID    string
	ResolvedAt time.Time
	Confidence float64
}

// ActiveLock is a temporary access denial awaiting its automatic reversal.
type ActiveLock struct {
	TenantID   string    `json:"tenantId"`
	ArtifactID string    `json:"artifactId"`
	EndTime    time.Time `json:"endTime"`
}
