package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pierrebglinux/dscprotect/internal/config"
	"github.com/pierrebglinux/dscprotect/internal/logging"
	"github.com/pierrebglinux/dscprotect/internal/models"
)

// EmbedSender is the part of *discordgo.Session the notifier uses.
type EmbedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// SecuritySource resolves the log channel of a tenant.
type SecuritySource interface {
	Security(tenantID string) config.GuildSecurity
}

const (
	colorApplied = 0x57F287
	colorSkipped = 0xFEE75C
	colorFailed  = 0xED4245
	colorAlert   = 0xEB459E
)

// DiscordNotifier posts incidents as embeds to the tenant's security channel.
type DiscordNotifier struct {
	sender   EmbedSender
	security SecuritySource
	timeout  time.Duration
}

func NewDiscordNotifier(sender EmbedSender, security SecuritySource) *DiscordNotifier {
	return &DiscordNotifier{sender: sender, security: security, timeout: 5 * time.Second}
}

func (n *DiscordNotifier) Notify(ctx context.Context, inc models.Incident) {
	channelID := n.security.Security(inc.TenantID).LogChannelID
	if n.sender == nil || channelID == "" {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if _, err := n.sender.ChannelMessageSendEmbed(channelID, BuildEmbed(inc), discordgo.WithContext(reqCtx)); err != nil {
		logging.Warn("[NOTIFY] Failed to send incident %s to channel %s: %v", inc.ID, channelID, err)
	}
}

// BuildEmbed renders an incident.
func BuildEmbed(inc models.Incident) *discordgo.MessageEmbed {
	color := colorApplied
	switch inc.Status {
	case models.StatusSkipped:
		color = colorSkipped
	case models.StatusFailed:
		color = colorFailed
	}
	if inc.Status == models.StatusApplied && inc.IsCritical() {
		color = colorAlert
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "👤 Actor", Value: mention(inc.IdentityID), Inline: true},
		{Name: "📋 Status", Value: statusLabel(inc), Inline: true},
	}
	if inc.Limit > 0 || inc.Count > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "📈 Burst", Value: fmt.Sprintf("**%d** events (limit %d)", inc.Count, inc.Limit), Inline: true,
		})
	}
	if len(inc.Actions) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "🔧 Actions", Value: actionsSummary(inc.Actions)})
	}
	if inc.Error != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "⚠️ Error", Value: truncate(inc.Error, 1000)})
	}

	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s %s", moduleEmoji(inc.Module), moduleTitle(inc.Module)),
		Color:       color,
		Description: Describe(inc),
		Fields:      fields,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Incident " + inc.ID},
		Timestamp:   inc.HandledAt.Format(time.RFC3339),
	}
}

// Describe is the one-line human readable form of an incident.
func Describe(inc models.Incident) string {
	actor := mention(inc.IdentityID)
	switch inc.Status {
	case models.StatusSkipped:
		if inc.Reason != "" {
			return fmt.Sprintf("%s triggered %s but no action was taken: %s.", actor, moduleTitle(inc.Module), inc.Reason)
		}
		return fmt.Sprintf("%s triggered %s but no action was taken.", actor, moduleTitle(inc.Module))
	case models.StatusFailed:
		return fmt.Sprintf("%s triggered %s. Remediation was attempted but failed.", actor, moduleTitle(inc.Module))
	}
	if inc.Reason != "" {
		return fmt.Sprintf("%s was sanctioned: %s.", actor, inc.Reason)
	}
	return fmt.Sprintf("%s triggered %s. The change was remediated.", actor, moduleTitle(inc.Module))
}

func mention(id string) string {
	if id == "" {
		return "Unknown"
	}
	return fmt.Sprintf("<@%s> (`%s`)", id, id)
}

func statusLabel(inc models.Incident) string {
	switch inc.Status {
	case models.StatusApplied:
		return "✅ Applied"
	case models.StatusSkipped:
		return "⏭️ Skipped"
	case models.StatusFailed:
		return "❌ Failed"
	}
	return "Unknown"
}

func actionsSummary(actions []models.ActionRecord) string {
	lines := make([]string, 0, len(actions))
	for i, a := range actions {
		if i == 10 {
			lines = append(lines, fmt.Sprintf("… and %d more", len(actions)-i))
			break
		}
		mark := "✅"
		if a.Failed() {
			mark = "❌"
		}
		if a.TargetID != "" {
			lines = append(lines, fmt.Sprintf("%s `%s` %s", mark, a.Type, a.TargetID))
		} else {
			lines = append(lines, fmt.Sprintf("%s `%s`", mark, a.Type))
		}
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func moduleTitle(module string) string {
	switch config.Module(module) {
	case config.ModuleAntiRaid:
		return "Anti-Raid"
	case config.ModuleAntiVoiceRaid:
		return "Anti-Voice-Raid"
	case config.ModuleAntiNuke:
		return "Anti-Nuke"
	case config.ModuleMassReactions:
		return "Anti-Mass-Reactions"
	case config.ModuleMassRoles:
		return "Anti-Mass-Roles"
	case config.ModuleMassChannels:
		return "Anti-Mass-Channels"
	case config.ModuleAntiThread:
		return "Anti-Thread"
	case config.ModuleAntiHack:
		return "Anti-Hack"
	case config.ModuleAntiWebhook:
		return "Anti-Webhook"
	case config.ModuleIdentity:
		return "Identity Protection"
	case config.ModuleVanity:
		return "Vanity Protection"
	case config.ModuleAntiBot:
		return "Anti-Bot"
	}
	return "Security"
}

func moduleEmoji(module string) string {
	switch config.Module(module) {
	case config.ModuleAntiNuke:
		return "🚨"
	case config.ModuleAntiRaid, config.ModuleAntiVoiceRaid:
		return "🌊"
	case config.ModuleAntiHack, config.ModuleIdentity, config.ModuleVanity:
		return "🛡️"
	case config.ModuleAntiBot:
		return "🤖"
	}
	return "⚠️"
}
