// Package telegram connects to the Telegram Bot API using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/mozihq/mozi/internal/bus"
	"github.com/mozihq/mozi/internal/channels"
	"github.com/mozihq/mozi/internal/config"
)

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     config.TelegramConfig
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
	}, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleUpdate(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the poll goroutine.
func (c *Channel) Stop(ctx context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-ctx.Done():
		}
	}
	c.SetRunning(false)
	return nil
}

func (c *Channel) handleUpdate(msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" && len(msg.Photo) == 0 {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.Username != "" {
		senderID += "|" + msg.From.Username
	}

	var media []string
	if len(msg.Photo) > 0 {
		// Largest size is last.
		media = append(media, msg.Photo[len(msg.Photo)-1].FileID)
	}

	c.HandleMessage(
		strconv.Itoa(msg.MessageID),
		senderID,
		strconv.FormatInt(msg.Chat.ID, 10),
		peerTypeOf(msg.Chat.Type),
		text,
		media,
		map[string]any{
			"chatType": msg.Chat.Type,
			"username": msg.From.Username,
		},
	)
}

func peerTypeOf(chatType string) string {
	switch chatType {
	case telego.ChatTypePrivate:
		return bus.PeerDM
	case telego.ChatTypeGroup, telego.ChatTypeSupergroup:
		return bus.PeerGroup
	case telego.ChatTypeChannel:
		return bus.PeerChannel
	default:
		return bus.PeerDM
	}
}

// Send delivers an outbound message to a Telegram chat.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.PeerID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.PeerID, err)
	}
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// BeginTyping shows the typing indicator in a chat. Telegram clears it after
// a few seconds or on the next message.
func (c *Channel) BeginTyping(ctx context.Context, peerID string) error {
	chatID, err := strconv.ParseInt(peerID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", peerID, err)
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}
