// Package bus defines the message types that cross the kernel boundary and
// the in-process bus that decouples channel adapters from the runtime.
package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Peer types for inbound messages. Unknown values normalize to PeerDM.
const (
	PeerDM      = "dm"
	PeerGroup   = "group"
	PeerChannel = "channel"
)

// InboundMessage is a message received from a channel (Telegram, Discord, local).
type InboundMessage struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	PeerID    string         `json:"peerId"`
	PeerType  string         `json:"peerType,omitempty"` // dm|group|channel, default dm
	SenderID  string         `json:"senderId"`
	Text      string         `json:"text,omitempty"`
	Media     []string       `json:"media,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// inboundAlias avoids recursing into UnmarshalJSON.
type inboundAlias InboundMessage

type inboundWire struct {
	inboundAlias
	Timestamp json.RawMessage `json:"timestamp"`
}

// UnmarshalJSON accepts the timestamp as either an RFC 3339 string or epoch
// milliseconds, and defaults peerType to dm.
func (m *InboundMessage) UnmarshalJSON(data []byte) error {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = InboundMessage(w.inboundAlias)
	if len(w.Timestamp) > 0 && string(w.Timestamp) != "null" {
		var s string
		if err := json.Unmarshal(w.Timestamp, &s); err == nil {
			t, perr := time.Parse(time.RFC3339Nano, s)
			if perr != nil {
				return fmt.Errorf("parse inbound timestamp %q: %w", s, perr)
			}
			m.Timestamp = t
		} else {
			var ms int64
			if err := json.Unmarshal(w.Timestamp, &ms); err != nil {
				return fmt.Errorf("parse inbound timestamp: %w", err)
			}
			m.Timestamp = time.UnixMilli(ms).UTC()
		}
	}
	if m.PeerType == "" {
		m.PeerType = PeerDM
	}
	return nil
}

// Envelope wraps an inbound message at the kernel ingress boundary.
type Envelope struct {
	ID         string         `json:"id"`
	Inbound    InboundMessage `json:"inbound"`
	DedupKey   string         `json:"dedupKey,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// EffectiveDedupKey returns the envelope's dedup key, defaulting to
// {channel}:{inbound.id} when the adapter did not supply one.
func (e Envelope) EffectiveDedupKey() string {
	if e.DedupKey != "" {
		return e.DedupKey
	}
	return e.Inbound.Channel + ":" + e.Inbound.ID
}

// OutboundMessage is a message to be delivered to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	PeerID   string            `json:"peerId"`
	Text     string            `json:"text"`
	Media    []string          `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DeliveryReceipt identifies the queue item on whose behalf an outbound send
// or typing indicator is issued. Carried by every egress call so delivery is
// observable and attempts are countable.
type DeliveryReceipt struct {
	QueueItemID string `json:"queueItemId"`
	EnvelopeID  string `json:"envelopeId"`
	SessionKey  string `json:"sessionKey"`
	ChannelID   string `json:"channelId"`
	PeerID      string `json:"peerId"`
	Attempt     int    `json:"attempt"`
	Status      string `json:"status"`
}
