package detectors

const (
	PermKickMembers     int64 = 1 << 1
	PermBanMembers      int64 = 1 << 2
	PermAdministrator   int64 = 1 << 3
	PermManageChannels  int64 = 1 << 4
	PermManageGuild     int64 = 1 << 5
	PermViewAuditLog    int64 = 1 << 7
	PermManageMessages  int64 = 1 << 13
	PermMentionEveryone int64 = 1 << 17
	PermMuteMembers     int64 = 1 << 22
	PermDeafenMembers   int64 = 1 << 23
	PermMoveMembers     int64 = 1 << 24
	PermManageNicknames int64 = 1 << 27
	PermManageRoles     int64 = 1 << 28
	PermManageWebhooks  int64 = 1 << 29
	PermManageEmojis    int64 = 1 << 30
	PermManageThreads   int64 = 1 << 34
	PermModerateMembers int64 = 1 << 40
)

// RoleDangerousMask may not be granted to a role by anyone but the owner or a
// whitelisted identity, and never to the everyone role.
const RoleDangerousMask = PermAdministrator | PermManageGuild | PermManageRoles |
	PermManageChannels | PermManageWebhooks | PermViewAuditLog |
	PermBanMembers | PermKickMembers | PermModerateMembers |
	PermManageMessages | PermManageThreads | PermMentionEveryone |
	PermManageNicknames | PermManageEmojis |
	PermMuteMembers | PermDeafenMembers | PermMoveMembers

// EveryoneOverwriteMask is what a channel overwrite may not allow the
// everyone role.
const EveryoneOverwriteMask = PermManageChannels | PermManageWebhooks | PermManageThreads |
	PermManageMessages | PermMentionEveryone |
	PermMuteMembers | PermDeafenMembers | PermMoveMembers

// MemberDangerousMask marks roles that may not be handed to a member.
const MemberDangerousMask = PermAdministrator | PermManageGuild | PermBanMembers |
	PermKickMembers | PermManageRoles | PermManageChannels | PermManageWebhooks

func GetAddedPermissions(oldPerms, newPerms int64) int64 {
	diff := oldPerms ^ newPerms
	return diff & newPerms
}

func HasPermission(perms, perm int64) bool {
	return perms&perm != 0
}

// DangerousAdded returns the bits of mask newly present in newPerms.
func DangerousAdded(oldPerms, newPerms, mask int64) int64 {
	return GetAddedPermissions(oldPerms, newPerms) & mask
}
