package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pierrebglinux/dscprotect/internal/dispatcher"
	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/metrics"
	"github.com/pierrebglinux/dscprotect/internal/models"
	"github.com/pierrebglinux/dscprotect/internal/platform"
)

const cdnBase = "https://cdn.discordapp.com"

// Adapter implements platform.Platform over a discordgo session. Member
// punishments go through the fasthttp executor; everything else through
// discordgo's REST client.
type Adapter struct {
	s       *discordgo.Session
	exec    *dispatcher.RESTExecutor
	pool    *dispatcher.HTTPPool
	timeout time.Duration
}

var _ platform.Platform = (*Adapter)(nil)

func NewAdapter(s *discordgo.Session, exec *dispatcher.RESTExecutor, pool *dispatcher.HTTPPool, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Adapter{s: s, exec: exec, pool: pool, timeout: timeout}
}

// classify maps a discordgo error to the engine's error kinds.
func classify(err error, capability string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		code, message := 0, string(rest.ResponseBody)
		if rest.Message != nil {
			code, message = rest.Message.Code, rest.Message.Message
		}
		return dispatcher.Classify(rest.Response.StatusCode, code, message, capability)
	}
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return fmt.Errorf("%w: %v", models.ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", models.ErrTransient, err)
}

// call runs one discordgo mutation and counts it.
func (a *Adapter) call(route, capability string, fn func() error) error {
	err := classify(fn(), capability)
	switch {
	case err == nil:
		metrics.PlatformCalls.WithLabelValues(route, "ok").Inc()
	case errors.Is(err, models.ErrNotFound):
		metrics.PlatformCalls.WithLabelValues(route, "not_found").Inc()
	default:
		metrics.PlatformCalls.WithLabelValues(route, "error").Inc()
	}
	return err
}

func opts(ctx context.Context, reason string) []discordgo.RequestOption {
	o := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if reason != "" {
		o = append(o, discordgo.WithAuditLogReason(reason))
	}
	return o
}

func (a *Adapter) SelfID() string {
	if a.s.State == nil {
		return ""
	}
	a.s.State.RLock()
	defer a.s.State.RUnlock()
	if a.s.State.User == nil {
		return ""
	}
	return a.s.State.User.ID
}

func (a *Adapter) ownerOf(tenantID string) string {
	g, err := a.s.State.Guild(tenantID)
	if err != nil {
		return ""
	}
	a.s.State.RLock()
	defer a.s.State.RUnlock()
	return g.OwnerID
}

func (a *Adapter) guildRoles(ctx context.Context, tenantID string) ([]*discordgo.Role, error) {
	if g, err := a.s.State.Guild(tenantID); err == nil {
		a.s.State.RLock()
		roles := append([]*discordgo.Role(nil), g.Roles...)
		a.s.State.RUnlock()
		if len(roles) > 0 {
			return roles, nil
		}
	}
	roles, err := a.s.GuildRoles(tenantID, discordgo.WithContext(ctx))
	return roles, classify(err, "ManageRoles")
}

func (a *Adapter) member(ctx context.Context, tenantID, userID string) (*discordgo.Member, error) {
	if m, err := a.s.State.Member(tenantID, userID); err == nil {
		return m, nil
	}
	m, err := a.s.GuildMember(tenantID, userID, discordgo.WithContext(ctx))
	return m, classify(err, "")
}

func highestPosition(roles map[string]*discordgo.Role, ids []string) int {
	top := 0
	for _, id := range ids {
		if r, ok := roles[id]; ok && r.Position > top {
			top = r.Position
		}
	}
	return top
}

func indexRoles(roles []*discordgo.Role) map[string]*discordgo.Role {
	m := make(map[string]*discordgo.Role, len(roles))
	for _, r := range roles {
		m[r.ID] = r
	}
	return m
}

func (a *Adapter) Member(ctx context.Context, tenantID, userID string) (*platform.Member, error) {
	m, err := a.member(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	roles, err := a.guildRoles(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	byID := indexRoles(roles)

	out := &platform.Member{TenantID: tenantID, UserID: userID}
	if m.User != nil {
		out.IsBot = m.User.Bot
	}
	now := time.Now()
	for _, id := range m.Roles {
		if r, ok := byID[id]; ok {
			out.Roles = append(out.Roles, roleSnapshot(tenantID, r, now))
		} else {
			out.Roles = append(out.Roles, models.RoleSnapshot{TenantID: tenantID, RoleID: id})
		}
	}
	return out, nil
}

// Moderatable reports whether the bot's top role sits above the member's.
// The owner is never moderatable.
func (a *Adapter) Moderatable(ctx context.Context, tenantID, userID string) (bool, error) {
	if userID == a.ownerOf(tenantID) {
		return false, nil
	}
	target, err := a.member(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	self, err := a.member(ctx, tenantID, a.SelfID())
	if err != nil {
		return false, err
	}
	roles, err := a.guildRoles(ctx, tenantID)
	if err != nil {
		return false, err
	}
	byID := indexRoles(roles)
	return highestPosition(byID, self.Roles) > highestPosition(byID, target.Roles), nil
}

func (a *Adapter) CanManageRole(ctx context.Context, tenantID, roleID string) bool {
	if roleID == tenantID {
		return false
	}
	roles, err := a.guildRoles(ctx, tenantID)
	if err != nil {
		return false
	}
	byID := indexRoles(roles)
	role, ok := byID[roleID]
	if !ok || role.Managed {
		return false
	}
	self, err := a.member(ctx, tenantID, a.SelfID())
	if err != nil {
		return false
	}
	return role.Position < highestPosition(byID, self.Roles)
}

func (a *Adapter) SetMemberRoles(ctx context.Context, tenantID, userID string, roleIDs []string, reason string) error {
	return a.exec.SetRoles(ctx, tenantID, userID, roleIDs, reason)
}

func (a *Adapter) RemoveMemberRole(ctx context.Context, tenantID, userID, roleID, reason string) error {
	return a.exec.RemoveRole(ctx, tenantID, userID, roleID, reason)
}

func (a *Adapter) BanMember(ctx context.Context, tenantID, userID, reason string) error {
	return a.exec.Ban(ctx, tenantID, userID, reason)
}

func (a *Adapter) KickMember(ctx context.Context, tenantID, userID, reason string) error {
	return a.exec.Kick(ctx, tenantID, userID, reason)
}

func (a *Adapter) TimeoutMember(ctx context.Context, tenantID, userID string, until time.Time, reason string) error {
	return a.exec.Timeout(ctx, tenantID, userID, until, reason)
}

func (a *Adapter) DisconnectMember(ctx context.Context, tenantID, userID, reason string) error {
	return a.exec.Disconnect(ctx, tenantID, userID, reason)
}

func (a *Adapter) DeleteChannel(ctx context.Context, tenantID, channelID, reason string) error {
	return a.call("channel_delete", "ManageChannels", func() error {
		_, err := a.s.ChannelDelete(channelID, opts(ctx, reason)...)
		return err
	})
}

func (a *Adapter) CreateChannel(ctx context.Context, tenantID string, ch models.ChannelSnapshot, reason string) (string, error) {
	data := discordgo.GuildChannelCreateData{
		Name:             ch.Name,
		Type:             discordgo.ChannelType(ch.Type),
		Topic:            ch.Topic,
		Bitrate:          ch.Bitrate,
		UserLimit:        ch.UserLimit,
		RateLimitPerUser: ch.RateLimitPerUser,
		Position:         ch.Position,
		ParentID:         ch.ParentID,
		NSFW:             ch.NSFW,
	}
	for _, ow := range ch.Overwrites {
		data.PermissionOverwrites = append(data.PermissionOverwrites, &discordgo.PermissionOverwrite{
			ID:    ow.ID,
			Type:  discordgo.PermissionOverwriteType(ow.Type),
			Allow: ow.Allow,
			Deny:  ow.Deny,
		})
	}

	var created *discordgo.Channel
	err := a.call("channel_create", "ManageChannels", func() error {
		var err error
		created, err = a.s.GuildChannelCreateComplex(tenantID, data, opts(ctx, reason)...)
		return err
	})
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (a *Adapter) SetOverwrite(ctx context.Context, tenantID, channelID string, ow models.Overwrite, reason string) error {
	return a.call("overwrite_set", "ManageRoles", func() error {
		return a.s.ChannelPermissionSet(channelID, ow.ID, discordgo.PermissionOverwriteType(ow.Type), ow.Allow, ow.Deny, opts(ctx, reason)...)
	})
}

func (a *Adapter) DeleteOverwrite(ctx context.Context, tenantID, channelID, targetID, reason string) error {
	return a.call("overwrite_delete", "ManageRoles", func() error {
		return a.s.ChannelPermissionDelete(channelID, targetID, opts(ctx, reason)...)
	})
}

// currentOverwrite returns targetID's overwrite on channelID, or a zero
// overwrite of the right type when there is none.
func (a *Adapter) currentOverwrite(ctx context.Context, tenantID, channelID, targetID string) (models.Overwrite, error) {
	ch, err := a.s.State.Channel(channelID)
	if err != nil {
		ch, err = a.s.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return models.Overwrite{}, classify(err, "ViewChannel")
		}
	}
	a.s.State.RLock()
	snap := channelSnapshot(ch)
	a.s.State.RUnlock()
	if ow, ok := snap.Overwrite(targetID); ok {
		return ow, nil
	}

	ow := models.Overwrite{ID: targetID, Type: models.OverwriteMember}
	if targetID == tenantID {
		ow.Type = models.OverwriteRole
	} else if roles, err := a.guildRoles(ctx, tenantID); err == nil {
		if _, ok := indexRoles(roles)[targetID]; ok {
			ow.Type = models.OverwriteRole
		}
	}
	return ow, nil
}

func (a *Adapter) DenyPermission(ctx context.Context, tenantID, channelID, targetID string, perm int64, reason string) error {
	ow, err := a.currentOverwrite(ctx, tenantID, channelID, targetID)
	if err != nil {
		return err
	}
	ow.Allow &^= perm
	ow.Deny |= perm
	return a.SetOverwrite(ctx, tenantID, channelID, ow, reason)
}

func (a *Adapter) ClearPermission(ctx context.Context, tenantID, channelID, targetID string, perm int64, reason string) error {
	ow, err := a.currentOverwrite(ctx, tenantID, channelID, targetID)
	if err != nil {
		return err
	}
	ow.Allow &^= perm
	ow.Deny &^= perm
	if ow.Allow == 0 && ow.Deny == 0 {
		return a.DeleteOverwrite(ctx, tenantID, channelID, targetID, reason)
	}
	return a.SetOverwrite(ctx, tenantID, channelID, ow, reason)
}

func (a *Adapter) DeleteWebhook(ctx context.Context, tenantID, webhookID, reason string) error {
	return a.call("webhook_delete", "ManageWebhooks", func() error {
		return a.s.WebhookDelete(webhookID, opts(ctx, reason)...)
	})
}

// RecentWebhook returns the newest webhook of channelID created within maxAge.
func (a *Adapter) RecentWebhook(ctx context.Context, channelID string, maxAge time.Duration) (*discordgo.Webhook, error) {
	hooks, err := a.s.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err, "ManageWebhooks")
	}
	return newestWebhook(hooks, time.Now(), maxAge), nil
}

func (a *Adapter) Roles(ctx context.Context, tenantID string) ([]models.RoleSnapshot, error) {
	roles, err := a.s.GuildRoles(tenantID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err, "ManageRoles")
	}
	now := time.Now()
	out := make([]models.RoleSnapshot, 0, len(roles))
	for _, r := range roles {
		out = append(out, roleSnapshot(tenantID, r, now))
	}
	return out, nil
}

func (a *Adapter) RoleExists(ctx context.Context, tenantID, roleID string) (bool, error) {
	roles, err := a.guildRoles(ctx, tenantID)
	if err != nil {
		return false, err
	}
	_, ok := indexRoles(roles)[roleID]
	return ok, nil
}

func (a *Adapter) CreateRole(ctx context.Context, tenantID string, role models.RoleSnapshot, reason string) (*models.RoleSnapshot, error) {
	color, hoist, perms, mentionable := role.Color, role.Hoist, role.Permissions, role.Mentionable
	params := &discordgo.RoleParams{
		Name:        role.Name,
		Color:       &color,
		Hoist:       &hoist,
		Permissions: &perms,
		Mentionable: &mentionable,
	}

	var created *discordgo.Role
	err := a.call("role_create", "ManageRoles", func() error {
		var err error
		created, err = a.s.GuildRoleCreate(tenantID, params, opts(ctx, reason)...)
		return err
	})
	if err != nil {
		return nil, err
	}

	if role.Position > 0 && created.Position != role.Position {
		moved := &discordgo.Role{ID: created.ID, Position: role.Position}
		if _, err := a.s.GuildRoleReorder(tenantID, []*discordgo.Role{moved}, opts(ctx, reason)...); err != nil {
			logging.Warn("[PLATFORM] Restored role %s in guild %s but could not move it to position %d: %v", created.ID, tenantID, role.Position, err)
		} else {
			created.Position = role.Position
		}
	}
	snap := roleSnapshot(tenantID, created, time.Now())
	return &snap, nil
}

func (a *Adapter) DeleteRole(ctx context.Context, tenantID, roleID, reason string) error {
	return a.call("role_delete", "ManageRoles", func() error {
		return a.s.GuildRoleDelete(tenantID, roleID, opts(ctx, reason)...)
	})
}

func (a *Adapter) SetRolePermissions(ctx context.Context, tenantID, roleID string, perms int64, reason string) error {
	return a.call("role_edit", "ManageRoles", func() error {
		_, err := a.s.GuildRoleEdit(tenantID, roleID, &discordgo.RoleParams{Permissions: &perms}, opts(ctx, reason)...)
		return err
	})
}

// EditGuild applies patch. Icon and banner hashes are re-uploaded from the CDN;
// an image that can no longer be fetched is left out of the patch.
func (a *Adapter) EditGuild(ctx context.Context, tenantID string, patch map[string]interface{}, reason string) error {
	body := make(map[string]interface{}, len(patch))
	for k, v := range patch {
		body[k] = v
	}
	for field, dir := range map[string]string{"icon": "icons", "banner": "banners"} {
		hash, ok := body[field].(string)
		if !ok {
			continue
		}
		uri, err := a.pool.FetchDataURI(fmt.Sprintf("%s/%s/%s/%s.png", cdnBase, dir, tenantID, hash), a.timeout)
		if err != nil {
			logging.Warn("[PLATFORM] Cannot restore %s of guild %s: %v", field, tenantID, err)
			delete(body, field)
			continue
		}
		body[field] = uri
	}
	if len(body) == 0 {
		return nil
	}

	endpoint := discordgo.EndpointGuild(tenantID)
	return a.call("guild_edit", "ManageGuild", func() error {
		_, err := a.s.RequestWithBucketID(http.MethodPatch, endpoint, body, endpoint, opts(ctx, reason)...)
		return err
	})
}

func (a *Adapter) SetVanity(ctx context.Context, tenantID, code, reason string) error {
	endpoint := discordgo.EndpointGuild(tenantID) + "/vanity-url"
	return a.call("vanity_edit", "ManageGuild", func() error {
		_, err := a.s.RequestWithBucketID(http.MethodPatch, endpoint, map[string]string{"code": code}, endpoint, opts(ctx, reason)...)
		return err
	})
}

func (a *Adapter) EditOnboarding(ctx context.Context, tenantID string, ob models.Onboarding, reason string) error {
	endpoint := discordgo.EndpointGuild(tenantID) + "/onboarding"
	return a.call("onboarding_edit", "ManageGuild", func() error {
		_, err := a.s.RequestWithBucketID(http.MethodPut, endpoint, ob, endpoint, opts(ctx, reason)...)
		return err
	})
}

func (a *Adapter) Onboarding(ctx context.Context, tenantID string) (*models.Onboarding, error) {
	endpoint := discordgo.EndpointGuild(tenantID) + "/onboarding"
	raw, err := a.s.RequestWithBucketID(http.MethodGet, endpoint, nil, endpoint, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err, "ManageGuild")
	}
	var ob models.Onboarding
	if err := json.Unmarshal(raw, &ob); err != nil {
		return nil, fmt.Errorf("decode onboarding of guild %s: %w", tenantID, err)
	}
	return &ob, nil
}
