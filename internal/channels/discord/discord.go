// Package discord connects to the Discord gateway as a bot.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/nanobot/internal/bus"
	"github.com/nextlevelbuilder/nanobot/internal/channels"
	"github.com/nextlevelbuilder/nanobot/internal/config"
)

// Discord caps messages at 2000 chars.
const chunkSize = 2000

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	cfg       config.DiscordConfig
	botUserID string
}

func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.ChannelCommon),
		session:     session,
		cfg:         cfg,
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.onMessageCreate)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord: connected", "username", user.Username, "id", user.ID)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID += "|" + m.Author.Username
	}

	var media []bus.MediaDescriptor
	for _, att := range m.Attachments {
		// Attachments stay remote; the agent fetches them on demand.
		media = append(media, bus.MediaDescriptor{Path: att.URL, MIME: att.ContentType})
	}

	if m.Content == "" && len(media) == 0 {
		return
	}
	c.HandleMessage(senderID, m.ChannelID, m.Content, media, nil)
}

// Send delivers an outbound message, chunked to the Discord size limit.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("empty discord channel id")
	}

	content := msg.Content
	for len(content) > 0 {
		cut := len(content)
		if cut > chunkSize {
			cut = chunkSize
			for i := chunkSize; i > chunkSize/2; i-- {
				if content[i-1] == '\n' {
					cut = i
					break
				}
			}
		}
		if _, err := c.session.ChannelMessageSend(msg.ChatID, content[:cut]); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
		content = content[cut:]
	}
	return nil
}
