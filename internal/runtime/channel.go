package runtime

import (
	"context"

	"github.com/mozihq/mozi/internal/bus"
)

// Egress delivers outbound traffic on behalf of a running turn. Every call
// carries the delivery receipt identifying the queue item it serves.
type Egress interface {
	Send(ctx context.Context, msg bus.OutboundMessage, receipt bus.DeliveryReceipt) error
	BeginTyping(ctx context.Context, channelID, peerID string, receipt bus.DeliveryReceipt) error
}

// RuntimeChannel is the per-turn facade handed to the handler. It looks like
// a channel adapter but routes through the egress with a receipt, so delivery
// stays observable and attempts countable. Synthesized per claimed item and
// discarded when the turn ends.
type RuntimeChannel struct {
	egress    bus.DeliveryReceipt
	transport Egress
}

func newRuntimeChannel(transport Egress, queueItemID, envelopeID, sessionKey, channelID, peerID string, attempt int) *RuntimeChannel {
	return &RuntimeChannel{
		transport: transport,
		egress: bus.DeliveryReceipt{
			QueueItemID: queueItemID,
			EnvelopeID:  envelopeID,
			SessionKey:  sessionKey,
			ChannelID:   channelID,
			PeerID:      peerID,
			Attempt:     attempt,
			Status:      "running",
		},
	}
}

// Send delivers text (and optional media) to the turn's peer. Failures
// propagate into the handler's error path; the egress never retries.
func (c *RuntimeChannel) Send(ctx context.Context, text string, media ...string) error {
	return c.transport.Send(ctx, bus.OutboundMessage{
		Channel: c.egress.ChannelID,
		PeerID:  c.egress.PeerID,
		Text:    text,
		Media:   media,
	}, c.egress)
}

// BeginTyping starts a typing indicator for the turn's peer, where the
// channel supports one.
func (c *RuntimeChannel) BeginTyping(ctx context.Context) error {
	return c.transport.BeginTyping(ctx, c.egress.ChannelID, c.egress.PeerID, c.egress)
}

// Receipt returns the turn's delivery receipt.
func (c *RuntimeChannel) Receipt() bus.DeliveryReceipt {
	return c.egress
}
