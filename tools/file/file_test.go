package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWorkspaceWrite(t *testing.T) {
	dir := t.TempDir()
	ws := NewWorkspace(dir)
	if _, err := ws.Write("test.txt", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "test.txt"))
	if string(data) != "hello" {
		t.Errorf("wrong content: %s", data)
	}
}

func TestWorkspaceWriteSubdir(t *testing.T) {
	dir := t.TempDir()
	ws := NewWorkspace(dir)
	if _, err := ws.Write("sub/dir/file.txt", "nested"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "sub/dir/file.txt"))
	if string(data) != "nested" {
		t.Errorf("wrong content: %s", data)
	}
}

func TestWorkspaceRead(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "test.txt"), []byte("content here"), 0644)
	ws := NewWorkspace(dir)
	content, err := ws.Read("test.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "content here" {
		t.Errorf("wrong content: %q", content)
	}
}

func TestWorkspaceReadTruncation(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("A", 10000)
	os.WriteFile(filepath.Join(dir, "big.txt"), []byte(big), 0644)
	ws := NewWorkspace(dir)
	content, err := ws.Read("big.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(content) > 8100 { // 8000 + truncation message
		t.Errorf("content not truncated: %d chars", len(content))
	}
	if !strings.HasSuffix(content, "... (truncated)") {
		t.Error("expected truncation marker")
	}
}

func TestWorkspaceReadNonexistent(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	if _, err := ws.Read("does_not_exist.txt"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestWorkspacePathTraversal(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	if _, err := ws.Read("../etc/passwd"); err == nil {
		t.Error("expected path traversal error")
	}
	if _, err := ws.Read("/etc/passwd"); err == nil {
		t.Error("expected absolute path error")
	}
	if _, err := ws.Write("../../escape.txt", "x"); err == nil {
		t.Error("expected path traversal error on write")
	}
}

func TestWorkspaceList(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644)
	os.Mkdir(filepath.Join(dir, "subdir"), 0755)
	ws := NewWorkspace(dir)

	listing, err := ws.List("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(listing, "file\ta.txt") {
		t.Errorf("expected a.txt in listing, got: %s", listing)
	}
	if !strings.Contains(listing, "dir\tsubdir") {
		t.Errorf("expected subdir in listing, got: %s", listing)
	}
}

func TestWorkspaceListNonexistent(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	if _, err := ws.List("nope"); err == nil {
		t.Error("expected error for nonexistent directory")
	}
}

func TestWorkspaceDelete(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "del.txt"), []byte("bye"), 0644)
	ws := NewWorkspace(dir)
	if _, err := ws.Delete("del.txt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "del.txt")); !os.IsNotExist(err) {
		t.Error("file should have been deleted")
	}
}

func TestWorkspaceDeleteNonEmptyDir(t *testing.T) {
	dir := t.TempDir()
	os.Mkdir(filepath.Join(dir, "notempty"), 0755)
	os.WriteFile(filepath.Join(dir, "notempty", "child.txt"), []byte("x"), 0644)
	ws := NewWorkspace(dir)
	if _, err := ws.Delete("notempty"); err == nil {
		t.Error("expected error for non-empty directory")
	}
}

func TestWorkspaceStat(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "info.txt"), []byte("hello"), 0644)
	ws := NewWorkspace(dir)
	stat, err := ws.Stat("info.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stat["name"] != "info.txt" {
		t.Errorf("expected name info.txt, got %v", stat["name"])
	}
	if stat["type"] != "file" {
		t.Errorf("expected type file, got %v", stat["type"])
	}
	if stat["size"] != int64(5) {
		t.Errorf("expected size 5, got %v", stat["size"])
	}
}

func TestWorkspaceStatDir(t *testing.T) {
	dir := t.TempDir()
	os.Mkdir(filepath.Join(dir, "mydir"), 0755)
	ws := NewWorkspace(dir)
	stat, err := ws.Stat("mydir")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stat["type"] != "directory" {
		t.Errorf("expected type directory, got %v", stat["type"])
	}
}

func TestToolShapes(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	read, write, list, del, stat := ReadTool(ws), WriteTool(ws), ListTool(ws), DeleteTool(ws), StatTool(ws)

	for _, tool := range []struct {
		name string
		got  string
	}{
		{"file_read", read.Name},
		{"file_write", write.Name},
		{"file_list", list.Name},
		{"file_delete", del.Name},
		{"file_stat", stat.Name},
	} {
		if tool.got != tool.name {
			t.Errorf("expected tool name %s, got %s", tool.name, tool.got)
		}
	}
	if !write.RequiresApproval || !del.RequiresApproval {
		t.Error("mutating file tools must require approval")
	}
	if read.RequiresApproval || list.RequiresApproval || stat.RequiresApproval {
		t.Error("read-only file tools must not require approval")
	}
}

func TestReadToolExecute(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "x.txt"), []byte("via tool"), 0644)
	tool := ReadTool(NewWorkspace(dir))

	out, err := tool.Execute(context.Background(), map[string]any{"path": "x.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "via tool" {
		t.Errorf("wrong content: %v", out)
	}
}

func TestIsPDF(t *testing.T) {
	if !isPDF([]byte("%PDF-1.7\n...")) {
		t.Error("expected PDF magic to be detected")
	}
	if isPDF([]byte("plain text")) {
		t.Error("plain text misdetected as PDF")
	}
}
