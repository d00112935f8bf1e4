// Package file provides builtin workspace file tools: file_read (plain
// text and PDF) and file_write, both confined to a workspace directory.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/nevindra/relay"
)

// maxContent caps what a read returns to the model.
const maxContent = 8000

// Workspace confines file tools to one directory tree.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace rooted at dir.
func NewWorkspace(dir string) *Workspace {
	return &Workspace{root: dir}
}

// ReadTool returns the file_read tool for registration.
func ReadTool(ws *Workspace) *relay.Tool {
	return &relay.Tool{
		Name:        "file_read",
		Description: "Read a file from the workspace. PDF files are converted to plain text. Returns the content (truncated to 8000 chars if large).",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
		Category:    "file",
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			return ws.Read(path)
		},
	}
}

// WriteTool returns the file_write tool for registration. Writes require
// approval so an agent cannot silently modify the workspace.
func WriteTool(ws *Workspace) *relay.Tool {
	return &relay.Tool{
		Name:             "file_write",
		Description:      "Write content to a file in the workspace. Creates parent directories if needed.",
		Parameters:       json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
		Category:         "file",
		RequiresApproval: true,
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			return ws.Write(path, content)
		},
	}
}

// ListTool returns the file_list tool for registration.
func ListTool(ws *Workspace) *relay.Tool {
	return &relay.Tool{
		Name:        "file_list",
		Description: "List files and directories at a path in the workspace. Returns one entry per line as '<type>\t<name>'.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to workspace (default: workspace root)"}}}`),
		Category:    "file",
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			return ws.List(path)
		},
	}
}

// DeleteTool returns the file_delete tool for registration. Deletes are
// gated behind approval.
func DeleteTool(ws *Workspace) *relay.Tool {
	return &relay.Tool{
		Name:             "file_delete",
		Description:      "Delete a file or empty directory in the workspace.",
		Parameters:       json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path relative to workspace"}},"required":["path"]}`),
		Category:         "file",
		RequiresApproval: true,
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			return ws.Delete(path)
		},
	}
}

// StatTool returns the file_stat tool for registration.
func StatTool(ws *Workspace) *relay.Tool {
	return &relay.Tool{
		Name:        "file_stat",
		Description: "Get metadata for a file or directory in the workspace: name, type, size, modification time.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path relative to workspace"}},"required":["path"]}`),
		Category:    "file",
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			return ws.Stat(path)
		},
	}
}

// Read resolves path inside the workspace and returns its text content.
func (w *Workspace) Read(path string) (string, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	content := string(data)
	if isPDF(data) {
		content, err = extractPDF(data)
		if err != nil {
			return "", fmt.Errorf("pdf extraction: %w", err)
		}
	}

	if len(content) > maxContent {
		content = content[:maxContent] + "\n... (truncated)"
	}
	return content, nil
}

// Write stores content at path inside the workspace, creating parent
// directories.
func (w *Workspace) Write(path, content string) (string, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return "", fmt.Errorf("mkdir error: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write error: %w", err)
	}
	return fmt.Sprintf("Written %d bytes to %s", len(content), filepath.Base(resolved)), nil
}

// List returns directory entries at path, one per line, as
// "<type>\t<name>". An empty path lists the workspace root.
func (w *Workspace) List(path string) (string, error) {
	if path == "" {
		path = "."
	}
	resolved, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", fmt.Errorf("list error: %w", err)
	}
	var lines []string
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		lines = append(lines, kind+"\t"+e.Name())
	}
	return strings.Join(lines, "\n"), nil
}

// Delete removes a file or empty directory at path.
func (w *Workspace) Delete(path string) (string, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(resolved); err != nil {
		return "", fmt.Errorf("delete error: %w", err)
	}
	if err := os.Remove(resolved); err != nil {
		return "", fmt.Errorf("delete error: %w", err)
	}
	return "Deleted " + path, nil
}

// Stat returns metadata for path as a JSON-marshallable map.
func (w *Workspace) Stat(path string) (map[string]any, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat error: %w", err)
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	return map[string]any{
		"name":     info.Name(),
		"type":     kind,
		"size":     info.Size(),
		"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	}, nil
}

func (w *Workspace) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(w.root, path)
	// Double-check it's still within the workspace
	if !strings.HasPrefix(resolved, w.root) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func isPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// extractPDF pulls plain text out of a PDF, page by page, skipping
// unreadable pages.
func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}
