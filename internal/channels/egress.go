package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/mozihq/mozi/internal/bus"
)

const (
	defaultSendRate  = 25 // messages per second per channel
	defaultSendBurst = 5
)

// Egress delivers outbound traffic from running turns through the channel
// registry, throttled per channel so a chatty turn cannot trip platform rate
// limits. Implements the runtime's egress contract.
type Egress struct {
	manager *Manager
	perSec  rate.Limit
	burst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewEgress creates an egress over the registry. perSec <= 0 selects the
// default rate.
func NewEgress(m *Manager, perSec float64, burst int) *Egress {
	if perSec <= 0 {
		perSec = defaultSendRate
	}
	if burst <= 0 {
		burst = defaultSendBurst
	}
	return &Egress{
		manager:  m,
		perSec:   rate.Limit(perSec),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (e *Egress) limiter(channel string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[channel]
	if !ok {
		l = rate.NewLimiter(e.perSec, e.burst)
		e.limiters[channel] = l
	}
	return l
}

// Send resolves the channel and forwards the message. Failures propagate to
// the handler; the egress never retries.
func (e *Egress) Send(ctx context.Context, msg bus.OutboundMessage, receipt bus.DeliveryReceipt) error {
	channel, ok := e.manager.GetChannel(msg.Channel)
	if !ok {
		return fmt.Errorf("channel %s not found", msg.Channel)
	}
	if err := e.limiter(msg.Channel).Wait(ctx); err != nil {
		return err
	}
	if err := channel.Send(ctx, msg); err != nil {
		return fmt.Errorf("send via %s: %w", msg.Channel, err)
	}
	slog.Debug("outbound delivered",
		"channel", msg.Channel, "peer", msg.PeerID, "text", Truncate(msg.Text, 80),
		"item", receipt.QueueItemID, "session", receipt.SessionKey, "attempt", receipt.Attempt)
	return nil
}

// BeginTyping starts a typing indicator where the channel supports one. A
// channel without typing support is a no-op, not an error.
func (e *Egress) BeginTyping(ctx context.Context, channelID, peerID string, receipt bus.DeliveryReceipt) error {
	channel, ok := e.manager.GetChannel(channelID)
	if !ok {
		return fmt.Errorf("channel %s not found", channelID)
	}
	tc, ok := channel.(TypingChannel)
	if !ok {
		return nil
	}
	return tc.BeginTyping(ctx, peerID)
}
