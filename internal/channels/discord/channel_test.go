package discord

import (
	"strings"
	"testing"
)

func TestSplitMessageShortTextIsOneChunk(t *testing.T) {
	chunks := splitMessage("hello", 2000)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("chunks = %v", chunks)
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if chunks := splitMessage("", 2000); chunks != nil {
		t.Fatalf("chunks = %v, want nil", chunks)
	}
}

func TestSplitMessagePrefersWordBoundaries(t *testing.T) {
	text := strings.Repeat("word ", 10) // 50 chars
	chunks := splitMessage(text, 22)

	var rejoined strings.Builder
	for _, c := range chunks {
		if len(c) > 22 {
			t.Errorf("chunk %q exceeds limit", c)
		}
		rejoined.WriteString(c)
	}
	if rejoined.String() != text {
		t.Errorf("chunks lose content: %q", rejoined.String())
	}
	if !strings.HasSuffix(chunks[0], " ") {
		t.Errorf("first chunk %q not cut on a boundary", chunks[0])
	}
}

func TestSplitMessageUnbreakableRunFallsBackToHardCut(t *testing.T) {
	text := strings.Repeat("x", 45)
	chunks := splitMessage(text, 20)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[0]) != 20 || len(chunks[1]) != 20 || len(chunks[2]) != 5 {
		t.Errorf("chunk sizes = %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}
