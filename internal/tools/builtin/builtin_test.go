package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolverContainment(t *testing.T) {
	root := t.TempDir()
	r := Resolver{Root: root}

	abs, err := r.Resolve("sub/file.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !strings.HasPrefix(abs, root) {
		t.Fatalf("resolved path %q not under root %q", abs, root)
	}

	escapes := []string{"../outside.txt", "sub/../../outside.txt", "/etc/passwd"}
	for _, p := range escapes {
		if _, err := r.Resolve(p); err == nil {
			t.Errorf("Resolve(%q) should reject paths escaping the workspace", p)
		}
	}

	// An absolute path inside the workspace is fine.
	if _, err := r.Resolve(filepath.Join(root, "ok.txt")); err != nil {
		t.Fatalf("absolute in-workspace path rejected: %v", err)
	}

	if _, err := r.Resolve("  "); err == nil {
		t.Error("empty path must be rejected")
	}
}

func TestReadToolOffsetAndCap(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	rt := NewReadTool(root, 4)
	res, err := rt.Run(context.Background(), json.RawMessage(`{"path":"a.txt"}`))
	if err != nil || res.IsError {
		t.Fatalf("Run: %v %+v", err, res)
	}
	if res.Content != "0123" {
		t.Fatalf("capped read = %q", res.Content)
	}

	res, _ = rt.Run(context.Background(), json.RawMessage(`{"path":"a.txt","offset":6,"max_bytes":2}`))
	if res.Content != "67" {
		t.Fatalf("offset read = %q", res.Content)
	}

	res, _ = rt.Run(context.Background(), json.RawMessage(`{"path":"missing.txt"}`))
	if !res.IsError {
		t.Fatal("missing file must be a tool error, not a Go error")
	}
}

func TestWriteToolSnapshotsBeforeWriting(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "b.txt")
	if err := os.WriteFile(target, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	var snapshotted string
	var contentAtSnapshot []byte
	wt := NewWriteTool(root, func(_ context.Context, absPath string) error {
		snapshotted = absPath
		contentAtSnapshot, _ = os.ReadFile(absPath)
		return nil
	})

	res, err := wt.Run(context.Background(), json.RawMessage(`{"path":"b.txt","content":"new"}`))
	if err != nil || res.IsError {
		t.Fatalf("Run: %v %+v", err, res)
	}
	if snapshotted != target {
		t.Fatalf("snapshot hook saw %q, want %q", snapshotted, target)
	}
	if string(contentAtSnapshot) != "old" {
		t.Fatalf("snapshot ran after the write: saw %q", contentAtSnapshot)
	}
	got, _ := os.ReadFile(target)
	if string(got) != "new" {
		t.Fatalf("file = %q after write", got)
	}
}

func TestWriteToolAbortsWhenSnapshotFails(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "c.txt")
	if err := os.WriteFile(target, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	wt := NewWriteTool(root, func(context.Context, string) error {
		return fmt.Errorf("blob store unavailable")
	})
	res, _ := wt.Run(context.Background(), json.RawMessage(`{"path":"c.txt","content":"clobber"}`))
	if !res.IsError {
		t.Fatal("failed snapshot must abort the write")
	}
	got, _ := os.ReadFile(target)
	if string(got) != "keep" {
		t.Fatalf("file clobbered despite snapshot failure: %q", got)
	}
}

func TestWriteToolCreatesParentDirs(t *testing.T) {
	root := t.TempDir()
	wt := NewWriteTool(root, nil)
	res, _ := wt.Run(context.Background(), json.RawMessage(`{"path":"deep/nested/d.txt","content":"x"}`))
	if res.IsError {
		t.Fatalf("nested write failed: %s", res.Content)
	}
	if _, err := os.Stat(filepath.Join(root, "deep", "nested", "d.txt")); err != nil {
		t.Fatalf("nested file missing: %v", err)
	}
}

func TestWriteToolRejectsEscape(t *testing.T) {
	root := t.TempDir()
	wt := NewWriteTool(root, nil)
	res, _ := wt.Run(context.Background(), json.RawMessage(`{"path":"../../evil.txt","content":"x"}`))
	if !res.IsError || !strings.Contains(res.Content, "escapes") {
		t.Fatalf("escaping write = %+v", res)
	}
}

func TestShellToolRunsInWorkspace(t *testing.T) {
	root := t.TempDir()
	st := NewShellTool(root)
	res, err := st.Run(context.Background(), json.RawMessage(`{"command":"pwd"}`))
	if err != nil || res.IsError {
		t.Fatalf("Run: %v %+v", err, res)
	}
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Content))
	want, _ := filepath.EvalSymlinks(root)
	if got != want {
		t.Fatalf("shell cwd = %q, want %q", got, want)
	}
}

func TestShellToolReportsFailure(t *testing.T) {
	st := NewShellTool(t.TempDir())
	res, err := st.Run(context.Background(), json.RawMessage(`{"command":"exit 3"}`))
	if err != nil {
		t.Fatalf("Run returned a Go error: %v", err)
	}
	if !res.IsError {
		t.Fatal("non-zero exit must be a tool error")
	}
}
