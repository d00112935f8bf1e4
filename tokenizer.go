package relay

import (
	"bytes"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ApproxTokenizer estimates tokens as len(bytes)/4, the standard
// approximation when no real tokeniser is available.
type ApproxTokenizer struct{}

// Count implements Tokenizer.
func (ApproxTokenizer) Count(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}

// TiktokenTokenizer counts tokens with a real BPE encoding. Encodings
// are lazily loaded and cached per instance.
type TiktokenTokenizer struct {
	encoding string

	once sync.Once
	tke  *tiktoken.Tiktoken
	err  error
}

// NewTiktokenTokenizer creates a tokeniser for the given encoding name
// (e.g. "cl100k_base"). Falls back to the byte approximation if the
// encoding cannot be loaded.
func NewTiktokenTokenizer(encoding string) *TiktokenTokenizer {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenTokenizer{encoding: encoding}
}

// Count implements Tokenizer.
func (t *TiktokenTokenizer) Count(s string) int {
	t.once.Do(func() {
		t.tke, t.err = tiktoken.GetEncoding(t.encoding)
	})
	if t.err != nil || t.tke == nil {
		return ApproxTokenizer{}.Count(s)
	}
	return len(t.tke.Encode(s, nil, nil))
}

// MessageTokens counts the tokens of a message's text content plus its
// tool calls (arguments count as text). Store adapters use it so entry
// token counts stay consistent across backends.
func MessageTokens(tok Tokenizer, msg Message) int {
	n := tok.Count(msg.Content)
	for _, p := range msg.Parts {
		n += tok.Count(p.Text)
	}
	for _, tc := range msg.ToolCalls {
		n += tok.Count(tc.Name) + tok.Count(string(tc.Args))
	}
	return n
}

// markdownText reduces markdown to its plain text, dropping formatting,
// links, and code fences. Summaries are budgeted on plain text so that
// markup does not eat into the token reserve.
func markdownText(source string) string {
	src := []byte(source)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := t.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
		case *ast.Paragraph, *ast.Heading, *ast.ListItem:
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}
