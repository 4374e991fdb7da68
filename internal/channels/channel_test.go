package channels

import (
	"context"
	"testing"
	"time"

	"github.com/mozihq/mozi/internal/bus"
)

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowList []string
		senderID  string
		want      bool
	}{
		{"empty list admits everyone", nil, "12345", true},
		{"plain id match", []string{"12345"}, "12345", true},
		{"plain id mismatch", []string{"12345"}, "99999", false},
		{"compound id part", []string{"12345"}, "12345|alice", true},
		{"compound username part", []string{"alice"}, "12345|alice", true},
		{"at-prefixed username", []string{"@alice"}, "12345|alice", true},
		{"compound mismatch", []string{"bob"}, "12345|alice", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBaseChannel("test", bus.NewMessageBus(), tt.allowList)
			if got := c.IsAllowed(tt.senderID); got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.senderID, got, tt.want)
			}
		})
	}
}

func TestHandleMessagePublishesInbound(t *testing.T) {
	b := bus.NewMessageBus()
	c := NewBaseChannel("test", b, nil)

	c.HandleMessage("m1", "u1", "p1", bus.PeerDM, "hello", nil, map[string]any{"k": "v"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.ID != "m1" || msg.Channel != "test" || msg.Text != "hello" {
		t.Errorf("inbound = %+v", msg)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestHandleMessageDropsDisallowedSender(t *testing.T) {
	b := bus.NewMessageBus()
	c := NewBaseChannel("test", b, []string{"someone-else"})

	c.HandleMessage("m1", "intruder", "p1", bus.PeerDM, "hello", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("disallowed sender's message was published")
	}
}

func TestIsInternalChannel(t *testing.T) {
	if !IsInternalChannel("system") || !IsInternalChannel("subagent") {
		t.Error("internal channels not recognized")
	}
	if IsInternalChannel("telegram") {
		t.Error("telegram flagged internal")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("short string changed: %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello..." {
		t.Errorf("Truncate = %q", got)
	}
}
