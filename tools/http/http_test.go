package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const articleHTML = `<!DOCTYPE html>
<html><head><title>Test Article</title></head>
<body><article>
<h1>Test Article</h1>
<p>This is the first paragraph with enough words to look like real article
content for the extractor to keep around during scoring.</p>
<p>And a second paragraph so the page has some body to it.</p>
</article></body></html>`

func TestFetchExtractsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	f := NewFetcher(WithClient(srv.Client()))
	content, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(content, "first paragraph") {
		t.Errorf("expected article text, got: %q", content)
	}
	if strings.Contains(content, "<p>") {
		t.Errorf("expected tags stripped, got: %q", content)
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(WithClient(srv.Client()))
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Error("expected error for 404 response")
	}
}

func TestFetchInvalidURL(t *testing.T) {
	f := NewFetcher()
	if _, err := f.Fetch(context.Background(), "://not-a-url"); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestToolTruncates(t *testing.T) {
	big := "<html><body><p>" + strings.Repeat("word ", 4000) + "</p></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(big))
	}))
	defer srv.Close()

	tool := Tool(WithClient(srv.Client()))
	if tool.Name != "http_fetch" {
		t.Errorf("expected http_fetch, got %s", tool.Name)
	}

	out, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	content := out.(string)
	if len(content) > maxContent+100 {
		t.Errorf("content not truncated: %d chars", len(content))
	}
	if !strings.HasSuffix(content, "... (truncated)") {
		t.Error("expected truncation marker")
	}
}

func TestStripHTML(t *testing.T) {
	html := `<html><head><script>var x = 1;</script><style>p { color: red }</style></head>
<body><h1>Title</h1><p>Some   text</p></body></html>`
	got := StripHTML(html)
	if strings.Contains(got, "var x") || strings.Contains(got, "color: red") {
		t.Errorf("script/style not stripped: %q", got)
	}
	if !strings.Contains(got, "Title") || !strings.Contains(got, "Some text") {
		t.Errorf("text lost: %q", got)
	}
}
