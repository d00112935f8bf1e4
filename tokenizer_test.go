package relay

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestApproxTokenizer(t *testing.T) {
	tok := ApproxTokenizer{}
	if got := tok.Count(""); got != 0 {
		t.Errorf("empty string: expected 0, got %d", got)
	}
	if got := tok.Count("abc"); got != 1 {
		t.Errorf("short string rounds up to 1, got %d", got)
	}
	if got := tok.Count("12345678"); got != 2 {
		t.Errorf("8 bytes: expected 2, got %d", got)
	}
}

func TestTiktokenFallsBackOnUnknownEncoding(t *testing.T) {
	tok := NewTiktokenTokenizer("no-such-encoding")
	if got := tok.Count("12345678"); got != 2 {
		t.Errorf("expected byte approximation fallback, got %d", got)
	}
}

func TestMessageTokens(t *testing.T) {
	msg := Message{
		Role:    RoleAssistant,
		Content: "abcd",
		ToolCalls: []ToolCall{
			{ID: "c1", Name: "x", Args: json.RawMessage(`{}`)},
		},
	}
	// 4 content bytes + 1 name byte + 2 args bytes.
	if got := MessageTokens(byteTokenizer{}, msg); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
}

func TestMessageTokensParts(t *testing.T) {
	msg := Message{
		Role:  RoleUser,
		Parts: []ContentPart{{Text: "ab"}, {Text: "cd"}},
	}
	if got := MessageTokens(byteTokenizer{}, msg); got != 4 {
		t.Errorf("expected 4, got %d", got)
	}
}

func TestTruncateToTokens(t *testing.T) {
	if got := truncateToTokens(byteTokenizer{}, "hello world", 5); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := truncateToTokens(byteTokenizer{}, "hello", 0); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	if got := truncateToTokens(byteTokenizer{}, "hi", 100); got != "hi" {
		t.Errorf("expected whole string, got %q", got)
	}
}

func TestMarkdownText(t *testing.T) {
	got := markdownText("# Title\n\nSome **bold** text with a [link](https://example.com).")
	if strings.Contains(got, "#") || strings.Contains(got, "**") || strings.Contains(got, "https://example.com") {
		t.Errorf("markup not stripped: %q", got)
	}
	if !strings.Contains(got, "Title") || !strings.Contains(got, "bold") || !strings.Contains(got, "link") {
		t.Errorf("text lost: %q", got)
	}
}

func TestMarkdownTextCodeBlock(t *testing.T) {
	got := markdownText("before\n\n```go\nx := 1\n```\n\nafter")
	if strings.Contains(got, "```") {
		t.Errorf("fences not stripped: %q", got)
	}
	if !strings.Contains(got, "x := 1") {
		t.Errorf("code content lost: %q", got)
	}
}
