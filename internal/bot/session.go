package bot

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pierrebglinux/dscprotect/internal/logging"
)

// Intents the detectors depend on. Members is privileged and must be enabled
// for the application. The bans intent also delivers pushed audit log entries.
const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildBans |
	discordgo.IntentsGuildWebhooks |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsGuildMessageReactions

type Session struct {
	discord *discordgo.Session
}

// NewSession prepares a gateway session. Nothing is opened until Connect.
func NewSession(token string, timeout time.Duration) (*Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	dg.Identify.Intents = intents
	dg.StateEnabled = true
	dg.State.MaxMessageCount = 0
	dg.State.TrackMembers = true
	dg.State.TrackRoles = true
	dg.State.TrackChannels = true
	dg.State.TrackVoice = true
	if timeout > 0 {
		dg.Client.Timeout = timeout
	}

	return &Session{discord: dg}, nil
}

func (s *Session) Discord() *discordgo.Session {
	return s.discord
}

func (s *Session) Connect() error {
	if err := s.discord.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	if u := s.discord.State.User; u != nil {
		logging.Info("Discord bot connected as %s (%s)", u.Username, u.ID)
	}
	return nil
}

func (s *Session) Close() error {
	if s.discord != nil {
		return s.discord.Close()
	}
	return nil
}

// GuildIDs lists the guilds currently in the gateway state.
func (s *Session) GuildIDs() []string {
	s.discord.State.RLock()
	defer s.discord.State.RUnlock()
	ids := make([]string, 0, len(s.discord.State.Guilds))
	for _, g := range s.discord.State.Guilds {
		ids = append(ids, g.ID)
	}
	return ids
}
