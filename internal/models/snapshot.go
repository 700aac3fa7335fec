package models

import (
	"encoding/json"
	"time"
)

// RoleSnapshot is the restorable definition of a role at CapturedAt.
type RoleSnapshot struct {
	TenantID    string    `json:"tenantId"`
	RoleID      string    `json:"roleId"`
	Name        string    `json:"name"`
	Color       int       `json:"color"`
	Permissions int64     `json:"permissions"`
	Position    int       `json:"position"`
	Hoist       bool      `json:"hoist"`
	Mentionable bool      `json:"mentionable"`
	Managed     bool      `json:"managed"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// IsEveryone reports whether the role is the implicit role every member holds.
// The platform gives it the tenant's own id.
func (r RoleSnapshot) IsEveryone() bool {
	return r.RoleID != "" && r.RoleID == r.TenantID
}

type OverwriteType int

const (
	OverwriteRole   OverwriteType = 0
	OverwriteMember OverwriteType = 1
)

type Overwrite struct {
	ID    string        `json:"id"`
	Type  OverwriteType `json:"type"`
	Allow int64         `json:"allow"`
	Deny  int64         `json:"deny"`
}

type ChannelSnapshot struct {
	TenantID         string      `json:"tenantId"`
	ChannelID        string      `json:"channelId"`
	Name             string      `json:"name"`
	Type             int         `json:"type"`
	ParentID         string      `json:"parentId,omitempty"`
	Position         int         `json:"position"`
	Topic            string      `json:"topic,omitempty"`
	NSFW             bool        `json:"nsfw"`
	Bitrate          int         `json:"bitrate,omitempty"`
	UserLimit        int         `json:"userLimit,omitempty"`
	RateLimitPerUser int         `json:"rateLimitPerUser,omitempty"`
	Overwrites       []Overwrite `json:"overwrites,omitempty"`
}

// Overwrite returns the overwrite targeting id, if any.
func (c *ChannelSnapshot) Overwrite(id string) (Overwrite, bool) {
	if c == nil {
		return Overwrite{}, false
	}
	for _, ow := range c.Overwrites {
		if ow.ID == id {
			return ow, true
		}
	}
	return Overwrite{}, false
}

// GuildSettings holds the identity properties protected against tampering.
type GuildSettings struct {
	Name                        string `json:"name"`
	Icon                        string `json:"icon,omitempty"`
	Banner                      string `json:"banner,omitempty"`
	VanityCode                  string `json:"vanityCode,omitempty"`
	VerificationLevel           int    `json:"verificationLevel"`
	DefaultMessageNotifications int    `json:"defaultMessageNotifications"`
	ExplicitContentFilter       int    `json:"explicitContentFilter"`
	AFKChannelID                string `json:"afkChannelId,omitempty"`
	AFKTimeout                  int    `json:"afkTimeout"`
	SystemChannelID             string `json:"systemChannelId,omitempty"`
	RulesChannelID              string `json:"rulesChannelId,omitempty"`
	PublicUpdatesChannelID      string `json:"publicUpdatesChannelId,omitempty"`
	PreferredLocale             string `json:"preferredLocale,omitempty"`
}

// Diff returns the platform field names whose values differ between g and
// after, mapped to the value held by g. Vanity is reported separately.
func (g GuildSettings) Diff(after GuildSettings) map[string]interface{} {
	patch := make(map[string]interface{})
	if g.Name != after.Name {
		patch["name"] = g.Name
	}
	if g.Icon != after.Icon {
		patch["icon"] = nullable(g.Icon)
	}
	if g.Banner != after.Banner {
		patch["banner"] = nullable(g.Banner)
	}
	if g.VerificationLevel != after.VerificationLevel {
		patch["verification_level"] = g.VerificationLevel
	}
	if g.DefaultMessageNotifications != after.DefaultMessageNotifications {
		patch["default_message_notifications"] = g.DefaultMessageNotifications
	}
	if g.ExplicitContentFilter != after.ExplicitContentFilter {
		patch["explicit_content_filter"] = g.ExplicitContentFilter
	}
	if g.AFKChannelID != after.AFKChannelID {
		patch["afk_channel_id"] = nullable(g.AFKChannelID)
	}
	if g.AFKTimeout != after.AFKTimeout {
		patch["afk_timeout"] = g.AFKTimeout
	}
	if g.SystemChannelID != after.SystemChannelID {
		patch["system_channel_id"] = nullable(g.SystemChannelID)
	}
	if g.RulesChannelID != after.RulesChannelID {
		patch["rules_channel_id"] = nullable(g.RulesChannelID)
	}
	if g.PublicUpdatesChannelID != after.PublicUpdatesChannelID {
		patch["public_updates_channel_id"] = nullable(g.PublicUpdatesChannelID)
	}
	if g.PreferredLocale != after.PreferredLocale {
		patch["preferred_locale"] = g.PreferredLocale
	}
	return patch
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Onboarding is the member onboarding flow of a tenant. Prompts are kept
// opaque so a revert writes back exactly what was observed.
type Onboarding struct {
	Enabled           bool            `json:"enabled"`
	Mode              int             `json:"mode"`
	DefaultChannelIDs []string        `json:"default_channel_ids"`
	Prompts           json.RawMessage `json:"prompts,omitempty"`
}

// Equal compares the revertable parts of two onboarding flows.
func (o *Onboarding) Equal(other *Onboarding) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.Enabled != other.Enabled || o.Mode != other.Mode {
		return false
	}
	if len(o.DefaultChannelIDs) != len(other.DefaultChannelIDs) {
		return false
	}
	for i := range o.DefaultChannelIDs {
		if o.DefaultChannelIDs[i] != other.DefaultChannelIDs[i] {
			return false
		}
	}
	return string(o.Prompts) == string(other.Prompts)
}
