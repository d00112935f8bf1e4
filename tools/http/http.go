// Package http provides the builtin http_fetch tool: download a URL and
// extract its readable text content.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/nevindra/relay"
)

// maxContent caps what a fetch returns to the model.
const maxContent = 8000

// Fetcher downloads URLs and extracts readable content.
type Fetcher struct {
	client *http.Client
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient replaces the HTTP client (useful for tests and proxies).
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// NewFetcher creates a Fetcher with a 15-second timeout.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{client: &http.Client{Timeout: 15 * time.Second}}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Tool returns the http_fetch tool for registration.
func Tool(opts ...Option) *relay.Tool {
	f := NewFetcher(opts...)
	return &relay.Tool{
		Name:        "http_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
		Category:    "web",
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			rawURL, _ := args["url"].(string)
			content, err := f.Fetch(ctx, rawURL)
			if err != nil {
				return nil, err
			}
			if len(content) > maxContent {
				content = content[:maxContent] + "\n... (truncated)"
			}
			return content, nil
		},
	}
}

// Fetch downloads a URL and extracts readable text. Exported for use by
// other tools.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; RelayBot/1.0)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)

	// Try readability extraction
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	// Fallback: simple HTML stripping
	return StripHTML(html), nil
}

var (
	reScript = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	reTag    = regexp.MustCompile(`<[^>]+>`)
	reBlank  = regexp.MustCompile(`\n{3,}`)
)

// StripHTML removes tags and collapses whitespace for pages that defeat
// readability extraction.
func StripHTML(html string) string {
	text := reScript.ReplaceAllString(html, "")
	text = reTag.ReplaceAllString(text, " ")
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(reBlank.ReplaceAllString(b.String(), "\n\n"))
}
