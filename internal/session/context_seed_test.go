package session

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/callbridge-ai/callbridge/internal/call"
)

func TestSummaryExcerptsKeepValidUTF8(t *testing.T) {
	t.Parallel()

	// 3-byte runes: a byte-wise cut at summaryExcerptLen (100, not a
	// multiple of 3) lands mid-rune.
	long := strings.Repeat("あ", 40)
	history := []call.Message{
		{Role: call.RoleUser, Content: long, Timestamp: time.Now()},
		{Role: call.RoleAssistant, Content: "Daß ich dich höre — schön!", Timestamp: time.Now()},
	}

	got := summaryExcerpts(history)
	if !utf8.ValidString(got) {
		t.Fatalf("excerpts contain invalid UTF-8: %q", got)
	}
	// The long entry is still truncated, just not mid-rune.
	firstLine, _, _ := strings.Cut(got, "\n")
	if len(firstLine) > summaryExcerptLen+len("1. user: ") {
		t.Errorf("excerpt not truncated: %d bytes", len(firstLine))
	}
}

func TestRestoredContextPromotesTrailingOperatorNote(t *testing.T) {
	t.Parallel()

	history := []call.Message{
		{Role: call.RoleUser, Content: "What is my order status?", Timestamp: time.Now()},
		OperatorNoteMessage("Order 41 shipped yesterday — übermorgen delivery."),
	}

	got := restoredContext(history, true)
	if !utf8.ValidString(got) {
		t.Fatalf("seed contains invalid UTF-8: %q", got)
	}
	if !strings.HasPrefix(got, "OPERATOR INSTRUCTION:\n") {
		t.Errorf("seed does not lead with the operator instruction: %q", got)
	}
	if !strings.Contains(got, "CONVERSATION SUMMARY:") {
		t.Errorf("seed missing the conversation summary: %q", got)
	}
	if strings.Index(got, "OPERATOR INSTRUCTION:") > strings.Index(got, "CONVERSATION SUMMARY:") {
		t.Error("operator instruction must precede the summary")
	}
}
