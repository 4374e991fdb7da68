// Package channels provides the channel abstraction layer for multi-platform
// messaging. Adapters connect external platforms (Telegram, Discord, a local
// console) to the runtime via the message bus; the registry dispatches
// outbound traffic back to them.
package channels

import (
	"context"
	"strings"
	"time"

	"github.com/mozihq/mozi/internal/bus"
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"system":   true,
	"subagent": true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Channel is the interface every adapter implements.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "discord").
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the channel is actively processing messages.
	IsRunning() bool
}

// TypingChannel is implemented by adapters whose platform has a typing
// indicator.
type TypingChannel interface {
	Channel
	BeginTyping(ctx context.Context, peerID string) error
}

// BaseChannel provides shared functionality for adapter implementations,
// which embed it.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	running   bool
	allowList []string
}

func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// IsAllowed checks if a sender is permitted by the allowlist. Supports the
// compound "123456|username" sender format. An empty allowlist admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed || senderID == trimmed ||
			idPart == allowed || idPart == trimmed ||
			(userPart != "" && (userPart == allowed || userPart == trimmed)) {
			return true
		}
	}
	return false
}

// HandleMessage builds an InboundMessage and publishes it to the bus. The
// standard path for adapters to forward received messages.
func (c *BaseChannel) HandleMessage(messageID, senderID, peerID, peerType, text string, media []string, raw map[string]any) {
	if !c.IsAllowed(senderID) {
		return
	}
	c.bus.PublishInbound(bus.InboundMessage{
		ID:        messageID,
		Channel:   c.name,
		PeerID:    peerID,
		PeerType:  peerType,
		SenderID:  senderID,
		Text:      text,
		Media:     media,
		Timestamp: time.Now().UTC(),
		Raw:       raw,
	})
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
