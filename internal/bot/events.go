package bot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/platform"
	"github.com/pierrebglinux/dscprotect/pkg/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// EventSink consumes normalized change events.
type EventSink interface {
	Handle(ctx context.Context, ev *models.ChangeEvent)
}

// RoleHistory returns the last known definition of a role. The gateway
// state has already applied an update or delete by the time handlers run.
type RoleHistory interface {
	Get(tenantID, roleID string) (models.RoleSnapshot, bool)
}

// GuildReader fetches what gateway payloads leave out.
type GuildReader interface {
	RecentWebhook(ctx context.Context, channelID string, maxAge time.Duration) (*discordgo.Webhook, error)
	Onboarding(ctx context.Context, tenantID string) (*models.Onboarding, error)
}

type RouterDeps struct {
	Sink     EventSink
	Profiles *config.ProfileStore
	Roles    RoleHistory
	Guilds   GuildReader
	Audit    *AuditLog
	Clock    util.Clock
	// WebhookAge bounds how old a webhook may be to count as just created.
	WebhookAge time.Duration
	// OnGuildAvailable runs once per guild the bot sees, after its profile
	// is registered.
	OnGuildAvailable func(ctx context.Context, guildID string)
	OnGuildRemoved   func(ctx context.Context, guildID string)
}

// Router turns gateway events into change events for the detection engine.
type Router struct {
	ctx        context.Context
	sink       EventSink
	profiles   *config.ProfileStore
	roles      RoleHistory
	guilds     GuildReader
	audit      *AuditLog
	clock      util.Clock
	webhookAge time.Duration
	onGuild    func(ctx context.Context, guildID string)
	onRemoved  func(ctx context.Context, guildID string)

	settings *xsync.MapOf[string, models.GuildSettings]
	boards   *xsync.MapOf[string, *models.Onboarding]
	// channels holds the last seen overwrites of every channel; gateway
	// updates carry only the new state.
	channels *xsync.MapOf[string, *models.ChannelSnapshot]
	// everyone holds the everyone role of each guild, which role backups skip.
	everyone *xsync.MapOf[string, models.RoleSnapshot]
	webhooks *expirable.LRU[string, struct{}]
}

// auditEntryCreate is the raw GUILD_AUDIT_LOG_ENTRY_CREATE payload. The
// typed event drops its guild id.
type auditEntryCreate struct {
	GuildID string `json:"guild_id"`
	discordgo.AuditLogEntry
}

const auditEntryCreateEvent = "GUILD_AUDIT_LOG_ENTRY_CREATE"

func NewRouter(ctx context.Context, deps RouterDeps) *Router {
	clock := deps.Clock
	if clock == nil {
		clock = util.RealClock()
	}
	age := deps.WebhookAge
	if age <= 0 {
		age = 10 * time.Second
	}
	return &Router{
		ctx:        ctx,
		sink:       deps.Sink,
		profiles:   deps.Profiles,
		roles:      deps.Roles,
		guilds:     deps.Guilds,
		audit:      deps.Audit,
		clock:      clock,
		webhookAge: age,
		onGuild:    deps.OnGuildAvailable,
		onRemoved:  deps.OnGuildRemoved,
		settings:   xsync.NewMapOf[string, models.GuildSettings](),
		boards:     xsync.NewMapOf[string, *models.Onboarding](),
		channels:   xsync.NewMapOf[string, *models.ChannelSnapshot](),
		everyone:   xsync.NewMapOf[string, models.RoleSnapshot](),
		webhooks:   expirable.NewLRU[string, struct{}](4096, nil, time.Minute),
	}
}

// Register attaches every handler to s.
func (r *Router) Register(s *discordgo.Session) {
	s.AddHandler(r.onReady)
	s.AddHandler(r.onGuildCreate)
	s.AddHandler(r.onGuildUpdate)
	s.AddHandler(r.onGuildDelete)
	s.AddHandler(r.onChannelCreate)
	s.AddHandler(r.onChannelUpdate)
	s.AddHandler(r.onChannelDelete)
	s.AddHandler(r.onThreadCreate)
	s.AddHandler(r.onRoleCreate)
	s.AddHandler(r.onRoleUpdate)
	s.AddHandler(r.onRoleDelete)
	s.AddHandler(r.onMemberAdd)
	s.AddHandler(r.onMemberRemove)
	s.AddHandler(r.onMemberUpdate)
	s.AddHandler(r.onBanAdd)
	s.AddHandler(r.onWebhooksUpdate)
	s.AddHandler(r.onVoiceStateUpdate)
	s.AddHandler(r.onReactionAdd)
	s.AddHandler(r.onRawEvent)
	logging.Info("Discord event handlers configured")
}

func (r *Router) emit(ev *models.ChangeEvent) {
	if ev.TenantID == "" {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.clock.Now()
	}
	r.sink.Handle(r.ctx, ev)
}

func (r *Router) onReady(_ *discordgo.Session, ready *discordgo.Ready) {
	logging.Info("Bot ready in %d guilds", len(ready.Guilds))
}

func (r *Router) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	r.profiles.SetGuild(g.ID, g.Name, g.OwnerID)
	r.settings.Store(g.ID, guildSettings(g.Guild))
	now := r.clock.Now()
	for _, role := range g.Roles {
		if role != nil && role.ID == g.ID {
			r.everyone.Store(g.ID, roleSnapshot(g.ID, role, now))
		}
	}
	for _, ch := range g.Channels {
		if ch == nil {
			continue
		}
		snap := channelSnapshot(ch)
		snap.TenantID = g.ID
		r.channels.Store(ch.ID, snap)
	}
	if r.guilds != nil {
		if ob, err := r.guilds.Onboarding(r.ctx, g.ID); err == nil {
			r.boards.Store(g.ID, ob)
		} else {
			logging.Debug("[EVENT] No onboarding baseline for guild %s: %v", g.ID, err)
		}
	}
	logging.Info("Guild available: %s (%s)", g.Name, g.ID)
	if r.onGuild != nil {
		r.onGuild(r.ctx, g.ID)
	}
}

func (r *Router) onGuildDelete(_ *discordgo.Session, g *discordgo.GuildDelete) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	r.settings.Delete(g.ID)
	r.boards.Delete(g.ID)
	r.everyone.Delete(g.ID)
	r.channels.Range(func(id string, snap *models.ChannelSnapshot) bool {
		if snap.TenantID == g.ID {
			r.channels.Delete(id)
		}
		return true
	})
	r.profiles.Remove(g.ID)
	logging.Info("Removed from guild %s", g.ID)
	if r.onRemoved != nil {
		r.onRemoved(r.ctx, g.ID)
	}
}

func (r *Router) onGuildUpdate(_ *discordgo.Session, g *discordgo.GuildUpdate) {
	if g.Guild == nil {
		return
	}
	after := guildSettings(g.Guild)
	before, known := r.settings.Load(g.ID)
	r.settings.Store(g.ID, after)
	r.profiles.SetGuild(g.ID, g.Name, g.OwnerID)
	if !known || before == after {
		return
	}
	r.emit(&models.ChangeEvent{
		Category:    models.CategoryGuildPropertiesChanged,
		TenantID:    g.ID,
		ArtifactID:  g.ID,
		BeforeGuild: &before,
		AfterGuild:  &after,
	})
}

func (r *Router) onChannelCreate(_ *discordgo.Session, c *discordgo.ChannelCreate) {
	if c.Channel == nil || c.GuildID == "" {
		return
	}
	snap := channelSnapshot(c.Channel)
	r.channels.Store(c.ID, snap)
	r.emit(&models.ChangeEvent{
		Category:     models.CategoryChannelCreated,
		TenantID:     c.GuildID,
		ArtifactID:   c.ID,
		ParentID:     c.ParentID,
		AfterChannel: snap,
	})
}

// onChannelUpdate compares against the cached overwrites. The first update of
// a channel never seen before only records it.
func (r *Router) onChannelUpdate(_ *discordgo.Session, c *discordgo.ChannelUpdate) {
	if c.Channel == nil || c.GuildID == "" {
		return
	}
	after := channelSnapshot(c.Channel)
	before, known := r.channels.Load(c.ID)
	r.channels.Store(c.ID, after)
	if !known || overwritesEqual(before, after) {
		return
	}
	r.emit(&models.ChangeEvent{
		Category:      models.CategoryChannelOverwriteChanged,
		TenantID:      c.GuildID,
		ArtifactID:    c.ID,
		ParentID:      c.ParentID,
		BeforeChannel: before,
		AfterChannel:  after,
	})
}

func (r *Router) onChannelDelete(_ *discordgo.Session, c *discordgo.ChannelDelete) {
	if c.Channel == nil || c.GuildID == "" {
		return
	}
	r.channels.Delete(c.ID)
	r.emit(&models.ChangeEvent{
		Category:      models.CategoryChannelDeleted,
		TenantID:      c.GuildID,
		ArtifactID:    c.ID,
		ParentID:      c.ParentID,
		BeforeChannel: channelSnapshot(c.Channel),
	})
}

func (r *Router) onThreadCreate(_ *discordgo.Session, t *discordgo.ThreadCreate) {
	if t.Channel == nil || t.GuildID == "" || !t.NewlyCreated {
		return
	}
	r.emit(&models.ChangeEvent{
		Category:   models.CategoryThreadCreated,
		TenantID:   t.GuildID,
		ArtifactID: t.ID,
		ParentID:   t.ParentID,
		ActorHint:  t.OwnerID,
	})
}

func (r *Router) lastKnownRole(s *discordgo.Session, guildID, roleID string) *models.RoleSnapshot {
	if r.roles != nil {
		if snap, ok := r.roles.Get(guildID, roleID); ok {
			return &snap
		}
	}
	if s != nil && s.State != nil {
		if role, err := s.State.Role(guildID, roleID); err == nil {
			snap := roleSnapshot(guildID, role, r.clock.Now())
			return &snap
		}
	}
	return nil
}

func (r *Router) onRoleCreate(_ *discordgo.Session, e *discordgo.GuildRoleCreate) {
	if e.GuildRole == nil || e.Role == nil {
		return
	}
	after := roleSnapshot(e.GuildID, e.Role, r.clock.Now())
	r.emit(&models.ChangeEvent{
		Category:   models.CategoryRoleCreated,
		TenantID:   e.GuildID,
		ArtifactID: e.Role.ID,
		AfterRole:  &after,
	})
}

func (r *Router) onRoleUpdate(_ *discordgo.Session, e *discordgo.GuildRoleUpdate) {
	if e.GuildRole == nil || e.Role == nil {
		return
	}
	after := roleSnapshot(e.GuildID, e.Role, r.clock.Now())
	var before *models.RoleSnapshot
	if after.IsEveryone() {
		if prev, ok := r.everyone.Load(e.GuildID); ok {
			before = &prev
		}
		r.everyone.Store(e.GuildID, after)
	} else {
		before = r.lastKnownRole(nil, e.GuildID, e.Role.ID)
	}
	r.emit(&models.ChangeEvent{
		Category:   models.CategoryRolePermissionsChanged,
		TenantID:   e.GuildID,
		ArtifactID: e.Role.ID,
		BeforeRole: before,
		AfterRole:  &after,
	})
}

func (r *Router) onRoleDelete(_ *discordgo.Session, e *discordgo.GuildRoleDelete) {
	r.emit(&models.ChangeEvent{
		Category:   models.CategoryRoleDeleted,
		TenantID:   e.GuildID,
		ArtifactID: e.RoleID,
		BeforeRole: r.lastKnownRole(nil, e.GuildID, e.RoleID),
	})
}

func (r *Router) onMemberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil {
		return
	}
	if m.User.Bot {
		r.emit(&models.ChangeEvent{
			Category:   models.CategoryBotAdded,
			TenantID:   m.GuildID,
			ArtifactID: m.User.ID,
			ActorIsBot: true,
		})
		return
	}
	r.emit(&models.ChangeEvent{
		Category:       models.CategoryMemberJoined,
		TenantID:       m.GuildID,
		ArtifactID:     m.User.ID,
		ActorHint:      m.User.ID,
		ActorRoleIDs:   m.Roles,
		AccountCreated: snowflakeTime(m.User.ID),
	})
}

// onMemberRemove reports every departure as a possible kick. Attribution
// drops members who left on their own.
func (r *Router) onMemberRemove(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.User == nil {
		return
	}
	r.emit(&models.ChangeEvent{
		Category:   models.CategoryMemberKicked,
		TenantID:   m.GuildID,
		ArtifactID: m.User.ID,
	})
}

func (r *Router) onBanAdd(_ *discordgo.Session, b *discordgo.GuildBanAdd) {
	if b.User == nil {
		return
	}
	r.emit(&models.ChangeEvent{
		Category:   models.CategoryMemberBanned,
		TenantID:   b.GuildID,
		ArtifactID: b.User.ID,
	})
}

func (r *Router) onMemberUpdate(s *discordgo.Session, m *discordgo.GuildMemberUpdate) {
	if m.Member == nil || m.User == nil || m.BeforeUpdate == nil {
		return
	}
	added := addedRoles(m.BeforeUpdate.Roles, m.Roles)
	if len(added) == 0 {
		return
	}
	var roles []models.RoleSnapshot
	for _, id := range added {
		if snap := r.lastKnownRole(s, m.GuildID, id); snap != nil {
			roles = append(roles, *snap)
		}
	}
	if len(roles) == 0 {
		return
	}
	r.emit(&models.ChangeEvent{
		Category:   models.CategoryMemberRolesChanged,
		TenantID:   m.GuildID,
		ArtifactID: m.User.ID,
		AddedRoles: roles,
	})
}

// onWebhooksUpdate only says that some webhook of a channel changed. The
// newest recent webhook is taken as the created one; each is reported once.
func (r *Router) onWebhooksUpdate(_ *discordgo.Session, w *discordgo.WebhooksUpdate) {
	if r.guilds == nil || w.GuildID == "" {
		return
	}
	hook, err := r.guilds.RecentWebhook(r.ctx, w.ChannelID, r.webhookAge)
	if err != nil {
		logging.Debug("[EVENT] Cannot list webhooks of channel %s: %v", w.ChannelID, err)
		return
	}
	if hook == nil || r.webhooks.Contains(hook.ID) {
		return
	}
	r.webhooks.Add(hook.ID, struct{}{})

	ev := &models.ChangeEvent{
		Category:   models.CategoryWebhookCreated,
		TenantID:   w.GuildID,
		ArtifactID: hook.ID,
		ParentID:   w.ChannelID,
	}
	if hook.User != nil {
		ev.ActorHint = hook.User.ID
		ev.ActorIsBot = hook.User.Bot
	}
	r.emit(ev)
}

func (r *Router) onVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil || v.GuildID == "" || v.ChannelID == "" {
		return
	}
	if v.BeforeUpdate != nil && v.BeforeUpdate.ChannelID == v.ChannelID {
		return
	}
	ev := &models.ChangeEvent{
		Category:   models.CategoryVoiceJoined,
		TenantID:   v.GuildID,
		ArtifactID: v.ChannelID,
		ActorHint:  v.UserID,
	}
	if v.Member != nil {
		ev.ActorRoleIDs = v.Member.Roles
		if v.Member.User != nil {
			ev.ActorIsBot = v.Member.User.Bot
		}
	}
	r.emit(ev)
}

func (r *Router) onReactionAdd(_ *discordgo.Session, e *discordgo.MessageReactionAdd) {
	if e.MessageReaction == nil || e.GuildID == "" {
		return
	}
	ev := &models.ChangeEvent{
		Category:   models.CategoryReactionAdded,
		TenantID:   e.GuildID,
		ArtifactID: e.MessageID,
		ParentID:   e.ChannelID,
		ActorHint:  e.UserID,
	}
	if e.Member != nil {
		ev.ActorRoleIDs = e.Member.Roles
		if e.Member.User != nil {
			ev.ActorIsBot = e.Member.User.Bot
		}
	}
	r.emit(ev)
}

// onRawEvent picks pushed audit log entries out of the raw event stream.
func (r *Router) onRawEvent(_ *discordgo.Session, e *discordgo.Event) {
	if e.Type != auditEntryCreateEvent {
		return
	}
	var payload auditEntryCreate
	if err := json.Unmarshal(e.RawData, &payload); err != nil {
		logging.Debug("[EVENT] Malformed audit log entry: %v", err)
		return
	}
	r.onAuditEntry(payload.GuildID, &payload.AuditLogEntry)
}

// onAuditEntry feeds the audit cache. Onboarding has no gateway event of its
// own, so its audit entry triggers the comparison against the baseline.
func (r *Router) onAuditEntry(guildID string, e *discordgo.AuditLogEntry) {
	if e == nil || guildID == "" {
		return
	}
	var entry *platform.AuditEntry
	if r.audit != nil {
		entry = r.audit.Observe(guildID, e)
	} else {
		entry = auditEntry(e)
	}
	if entry != nil && entry.Kind == platform.AuditOnboardingUpdate {
		r.checkOnboarding(guildID, entry.ExecutorID)
	}
}

func (r *Router) checkOnboarding(guildID, actorID string) {
	if r.guilds == nil {
		return
	}
	after, err := r.guilds.Onboarding(r.ctx, guildID)
	if err != nil {
		logging.Warn("[EVENT] Cannot read onboarding of guild %s: %v", guildID, err)
		return
	}
	before, known := r.boards.Load(guildID)
	r.boards.Store(guildID, after)
	if !known {
		return
	}
	r.emit(&models.ChangeEvent{
		Category:    models.CategoryOnboardingChanged,
		TenantID:    guildID,
		ArtifactID:  guildID,
		ActorHint:   actorID,
		BeforeBoard: before,
		AfterBoard:  after,
	})
}
