// Package discord connects to Discord via the gateway websocket.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/mozihq/mozi/internal/bus"
	"github.com/mozihq/mozi/internal/channels"
	"github.com/mozihq/mozi/internal/config"
)

// Channel is the Discord adapter.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string
}

// New creates a Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

// Start opens the gateway connection.
func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.botUserID = c.session.State.User.ID
	}
	c.SetRunning(true)
	slog.Info("discord bot connected", "user", c.botUserID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}
	if m.Content == "" && len(m.Attachments) == 0 {
		return
	}

	peerType := bus.PeerGroup
	if m.GuildID == "" {
		peerType = bus.PeerDM
	}

	var media []string
	for _, att := range m.Attachments {
		media = append(media, att.URL)
	}

	c.HandleMessage(
		m.ID,
		m.Author.ID,
		m.ChannelID,
		peerType,
		m.Content,
		media,
		map[string]any{
			"username": m.Author.Username,
			"guildId":  m.GuildID,
		},
	)
}

// Send delivers an outbound message to a Discord channel.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	for _, chunk := range splitMessage(msg.Text, 2000) {
		if _, err := c.session.ChannelMessageSend(msg.PeerID, chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// BeginTyping shows the typing indicator in a channel.
func (c *Channel) BeginTyping(ctx context.Context, peerID string) error {
	return c.session.ChannelTyping(peerID)
}

// splitMessage chunks text to Discord's message length limit.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && text[cut-1] != '\n' && text[cut-1] != ' ' {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}
