package config

import (
	"time"

	"github.com/pierrebglinux/dscprotect/internal/models"
)

// Module is one independently configurable protection of a tenant.
type Module string

const (
	ModuleAntiRaid      Module = "antiRaid"
	ModuleAntiVoiceRaid Module = "antiVoiceRaid"
	ModuleAntiNuke      Module = "antiNuke"
	ModuleMassReactions Module = "antiMassReactions"
	ModuleMassRoles     Module = "antiMassRoles"
	ModuleMassChannels  Module = "antiMassChannels"
	ModuleAntiThread    Module = "antiThread"
	ModuleAntiHack      Module = "antiHack"
	ModuleAntiWebhook   Module = "antiWebhook"
	ModuleIdentity      Module = "identityProtection"
	ModuleVanity        Module = "vanityProtection"
	ModuleAntiBot       Module = "antiBot"
)

type Action string

const (
	ActionRemoveRoles Action = "removeRoles"
	ActionTimeout     Action = "timeout"
	ActionKick        Action = "kick"
	ActionBan         Action = "ban"
	ActionRevert      Action = "revert"
	ActionDelete      Action = "delete"
	ActionDisconnect  Action = "disconnect"
	ActionNone        Action = "none"
)

// Rule is the per-module record read on every evaluation.
type Rule struct {
	Enabled bool `json:"enabled"`
	// Limit is nil when unset. Zero is a real limit: the first event breaches.
	Limit            *int   `json:"limit,omitempty"`
	WindowMs         int64  `json:"windowMs,omitempty"`
	Action           Action `json:"action,omitempty"`
	ActionDurationMs int64  `json:"actionDurationMs,omitempty"`
}

// Limit returns a pointer to n, for building rules.
func Limit(n int) *int {
	return &n
}

// Max returns how many events the window tolerates.
func (r Rule) Max() int {
	if r.Limit == nil {
		return 0
	}
	return *r.Limit
}

func (r Rule) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

func (r Rule) ActionDuration() time.Duration {
	return time.Duration(r.ActionDurationMs) * time.Millisecond
}

// NukeLimits are the per-category allowances sharing the antiNuke window.
type NukeLimits struct {
	ChannelDelete int `json:"channelDeleteLimit"`
	RoleDelete    int `json:"roleDeleteLimit"`
	Ban           int `json:"banLimit"`
	Kick          int `json:"kickLimit"`
}

type GuildSecurity struct {
	Rules               map[Module]Rule `json:"rules"`
	Nuke                NukeLimits      `json:"nuke"`
	AccountAgeLimitDays int             `json:"accountAgeLimitDays"`
	LockDurationMs      int64           `json:"lockDurationMs"`
	LogChannelID        string          `json:"logChannelId,omitempty"`
	LogDangerousPerms   bool            `json:"logDangerousPerms"`
}

var defaultRules = map[Module]Rule{
	ModuleAntiRaid:      {Enabled: true, Limit: Limit(1), WindowMs: 10000, Action: ActionKick},
	ModuleAntiVoiceRaid: {Enabled: true, Limit: Limit(2), WindowMs: 5000, Action: ActionDisconnect},
	ModuleAntiNuke:      {Enabled: true, WindowMs: 10000, Action: ActionRemoveRoles},
	ModuleMassReactions: {Enabled: true, Limit: Limit(5), WindowMs: 5000, Action: ActionTimeout, ActionDurationMs: 300000},
	ModuleMassRoles:     {Enabled: true, Limit: Limit(1), WindowMs: 10000, Action: ActionRemoveRoles},
	ModuleMassChannels:  {Enabled: true, Limit: Limit(1), WindowMs: 10000, Action: ActionRemoveRoles},
	ModuleAntiThread:    {Enabled: true, Limit: Limit(1), WindowMs: 5000, Action: ActionTimeout, ActionDurationMs: 60000},
	ModuleAntiHack:      {Enabled: true, Action: ActionRevert},
	ModuleAntiWebhook:   {Enabled: true, Action: ActionDelete},
	ModuleIdentity:      {Enabled: true, Action: ActionRevert},
	ModuleVanity:        {Enabled: true, Action: ActionRevert},
	ModuleAntiBot:       {Enabled: true, Action: ActionBan},
}

var defaultNuke = NukeLimits{ChannelDelete: 2, RoleDelete: 2, Ban: 2, Kick: 2}

const (
	defaultAccountAgeDays = 3
	defaultLockDurationMs = 5 * 60 * 1000
)

// DefaultSecurity returns a fully populated tenant configuration.
func DefaultSecurity() GuildSecurity {
	g := GuildSecurity{}
	g.ApplyDefaults()
	return g
}

// ApplyDefaults fills every missing module and zero field from the default
// schema. Explicitly disabled modules stay disabled.
func (g *GuildSecurity) ApplyDefaults() {
	if g.Rules == nil {
		g.Rules = make(map[Module]Rule, len(defaultRules))
	}
	for module, def := range defaultRules {
		rule, ok := g.Rules[module]
		if !ok {
			g.Rules[module] = def.clone()
			continue
		}
		if rule.Limit == nil && def.Limit != nil {
			rule.Limit = Limit(*def.Limit)
		}
		if rule.WindowMs == 0 {
			rule.WindowMs = def.WindowMs
		}
		if rule.Action == "" {
			rule.Action = def.Action
		}
		if rule.ActionDurationMs == 0 {
			rule.ActionDurationMs = def.ActionDurationMs
		}
		g.Rules[module] = rule
	}
	if g.Nuke.ChannelDelete == 0 {
		g.Nuke.ChannelDelete = defaultNuke.ChannelDelete
	}
	if g.Nuke.RoleDelete == 0 {
		g.Nuke.RoleDelete = defaultNuke.RoleDelete
	}
	if g.Nuke.Ban == 0 {
		g.Nuke.Ban = defaultNuke.Ban
	}
	if g.Nuke.Kick == 0 {
		g.Nuke.Kick = defaultNuke.Kick
	}
	if g.AccountAgeLimitDays == 0 {
		g.AccountAgeLimitDays = defaultAccountAgeDays
	}
	if g.LockDurationMs == 0 {
		g.LockDurationMs = defaultLockDurationMs
	}
}

func (g GuildSecurity) Rule(m Module) Rule {
	if rule, ok := g.Rules[m]; ok {
		return rule
	}
	return defaultRules[m].clone()
}

func (r Rule) clone() Rule {
	if r.Limit != nil {
		r.Limit = Limit(*r.Limit)
	}
	return r
}

// Clone returns a deep copy safe to hand to other goroutines.
func (g GuildSecurity) Clone() GuildSecurity {
	out := g
	out.Rules = make(map[Module]Rule, len(g.Rules))
	for k, v := range g.Rules {
		out.Rules[k] = v.clone()
	}
	return out
}

// NukeLimit returns the allowance for one of the four nuke categories.
func (g GuildSecurity) NukeLimit(cat models.Category) int {
	switch cat {
	case models.CategoryChannelDeleted:
		return g.Nuke.ChannelDelete
	case models.CategoryRoleDeleted:
		return g.Nuke.RoleDelete
	case models.CategoryMemberBanned:
		return g.Nuke.Ban
	case models.CategoryMemberKicked:
		return g.Nuke.Kick
	}
	return 0
}

func (g GuildSecurity) LockDuration() time.Duration {
	return time.Duration(g.LockDurationMs) * time.Millisecond
}

func (g GuildSecurity) AccountAgeLimit() time.Duration {
	return time.Duration(g.AccountAgeLimitDays) * 24 * time.Hour
}

// Threshold returns the configured limit governing cat.
func (g GuildSecurity) Threshold(cat models.Category) int {
	if cat.IsNuke() {
		return g.NukeLimit(cat)
	}
	return g.Rule(ModuleFor(cat)).Max()
}

// Window returns the configured window governing cat.
func (g GuildSecurity) Window(cat models.Category) time.Duration {
	return g.Rule(ModuleFor(cat)).Window()
}

// MaxWindow is the largest window any enabled module counts over.
func (g GuildSecurity) MaxWindow() time.Duration {
	var max time.Duration
	for _, rule := range g.Rules {
		if rule.Enabled && rule.Window() > max {
			max = rule.Window()
		}
	}
	return max
}

// ModuleFor maps an event category to the module that governs it.
func ModuleFor(cat models.Category) Module {
	switch cat {
	case models.CategoryChannelCreated:
		return ModuleMassChannels
	case models.CategoryRoleCreated:
		return ModuleMassRoles
	case models.CategoryChannelDeleted, models.CategoryRoleDeleted,
		models.CategoryMemberBanned, models.CategoryMemberKicked:
		return ModuleAntiNuke
	case models.CategoryReactionAdded:
		return ModuleMassReactions
	case models.CategoryThreadCreated:
		return ModuleAntiThread
	case models.CategoryMemberJoined:
		return ModuleAntiRaid
	case models.CategoryVoiceJoined:
		return ModuleAntiVoiceRaid
	case models.CategoryChannelOverwriteChanged, models.CategoryRolePermissionsChanged,
		models.CategoryMemberRolesChanged:
		return ModuleAntiHack
	case models.CategoryWebhookCreated:
		return ModuleAntiWebhook
	case models.CategoryGuildPropertiesChanged, models.CategoryOnboardingChanged:
		return ModuleIdentity
	case models.CategoryBotAdded:
		return ModuleAntiBot
	}
	return ""
}
