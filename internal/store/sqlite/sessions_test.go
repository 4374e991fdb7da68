package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/mozihq/mozi/internal/store"
)

func TestSessionUpsertRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := NewSessionStore(db)
	ctx := context.Background()

	sess := store.Session{
		Key:          "mozi:telegram:dm:p1",
		AgentID:      "mozi",
		ChannelID:    "telegram",
		PeerID:       "p1",
		PeerType:     "dm",
		Status:       store.StatusQueued,
		Metadata:     map[string]string{"lang": "en"},
		CreatedAt:    base,
		LastActiveAt: base,
	}
	if err := s.Upsert(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, sess.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("session not found after upsert")
	}
	if got.Status != store.StatusQueued || got.Metadata["lang"] != "en" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// Second upsert replaces fields but keeps createdAt.
	sess.Status = store.StatusCompleted
	sess.LastActiveAt = base.Add(time.Minute)
	if err := s.Upsert(ctx, sess); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Get(ctx, sess.Key)
	if got.Status != store.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("createdAt changed on update: %v", got.CreatedAt)
	}
}

func TestSessionGetMissing(t *testing.T) {
	db := openTestDB(t)
	s := NewSessionStore(db)

	got, err := s.Get(context.Background(), "mozi:telegram:dm:nobody")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected nil for missing session")
	}
}

func TestSessionList(t *testing.T) {
	db := openTestDB(t)
	s := NewSessionStore(db)
	ctx := context.Background()

	for i, key := range []string{"mozi:telegram:dm:a", "mozi:discord:dm:b", "other:local:dm:c"} {
		agentID := "mozi"
		if key == "other:local:dm:c" {
			agentID = "other"
		}
		err := s.Upsert(ctx, store.Session{
			Key: key, AgentID: agentID, ChannelID: "x", PeerID: "y", PeerType: "dm",
			Status: store.StatusIdle, CreatedAt: base, LastActiveAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("listed %d sessions, want 3", len(all))
	}

	mozi, err := s.List(ctx, "mozi")
	if err != nil {
		t.Fatal(err)
	}
	if len(mozi) != 2 {
		t.Fatalf("listed %d mozi sessions, want 2", len(mozi))
	}
	// Most recently active first.
	if mozi[0].Key != "mozi:discord:dm:b" {
		t.Errorf("order: got %s first", mozi[0].Key)
	}
}
