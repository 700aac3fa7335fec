package database

// WhitelistEntry is one trusted user or role of a guild.
type WhitelistEntry struct {
	GuildID    string
	TargetID   string
	TargetType string // "user" or "role"
	AddedBy    string
	CreatedAt  int64
}

const (
	TargetUser = "user"
	TargetRole = "role"
)
