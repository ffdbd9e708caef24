package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/keeper/internal/schedule"
	"github.com/nextlevelbuilder/keeper/internal/store"
)

func TestRegistryDefinitionsAndPurity(t *testing.T) {
	r := NewRegistry()
	ws := t.TempDir()
	r.Register(NewReadFileTool(ws, true))
	r.Register(NewWriteFileTool(ws, true))
	r.Register(NewExecTool(ws))

	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("definitions = %d, want 3", len(defs))
	}
	if defs[0].Name != "exec" || defs[1].Name != "read_file" || defs[2].Name != "write_file" {
		t.Errorf("definitions not sorted: %v", defs)
	}

	if !r.IsPure("read_file") {
		t.Error("read_file should be pure")
	}
	if r.IsPure("write_file") || r.IsPure("exec") {
		t.Error("write_file and exec must not be pure")
	}
}

func TestFileToolsRoundTrip(t *testing.T) {
	ws := t.TempDir()
	write := NewWriteFileTool(ws, true)
	read := NewReadFileTool(ws, true)
	list := NewListDirTool(ws, true)
	ctx := context.Background()

	res := write.Execute(ctx, map[string]interface{}{"path": "notes/todo.txt", "content": "buy milk"})
	if res.IsError {
		t.Fatalf("write: %s", res.ForLLM)
	}

	res = read.Execute(ctx, map[string]interface{}{"path": "notes/todo.txt"})
	if res.IsError || res.ForLLM != "buy milk" {
		t.Errorf("read = %+v", res)
	}

	res = list.Execute(ctx, map[string]interface{}{"path": "notes"})
	if res.IsError || res.ForLLM != "todo.txt" {
		t.Errorf("list = %+v", res)
	}
}

func TestWorkspaceRestriction(t *testing.T) {
	ws := t.TempDir()
	read := NewReadFileTool(ws, true)

	res := read.Execute(context.Background(), map[string]interface{}{"path": "../../etc/passwd"})
	if !res.IsError {
		t.Error("escape from workspace allowed")
	}

	outside := filepath.Join(os.TempDir(), "keeper-outside.txt")
	res = read.Execute(context.Background(), map[string]interface{}{"path": outside})
	if !res.IsError {
		t.Error("absolute path outside workspace allowed")
	}
}

func TestExecTool(t *testing.T) {
	tool := NewExecTool(t.TempDir())
	ctx := context.Background()

	res := tool.Execute(ctx, map[string]interface{}{"command": "echo hello"})
	if res.IsError || res.ForLLM != "hello\n" {
		t.Errorf("exec = %+v", res)
	}

	res = tool.Execute(ctx, map[string]interface{}{"command": "exit 3"})
	if !res.IsError {
		t.Error("failing command not marked as error")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	res = tool.Execute(timeoutCtx, map[string]interface{}{"command": "sleep 5"})
	if !res.IsError {
		t.Error("timed-out command not marked as error")
	}
}

func TestRemindTool(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	queue := schedule.NewQueue(db, clock)
	tool := NewRemindTool(queue, clock)
	ctx := context.Background()

	res := tool.Execute(ctx, map[string]interface{}{
		"message": "dentist", "at": "2026-03-01T10:00:00Z", "user_id": "u1",
	})
	if res.IsError {
		t.Fatalf("remind: %s", res.ForLLM)
	}
	pending, err := queue.Pending("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Message != "dentist" {
		t.Errorf("pending = %+v", pending)
	}

	res = tool.Execute(ctx, map[string]interface{}{
		"message": "x", "at": "2026-02-01T10:00:00Z", "user_id": "u1",
	})
	if !res.IsError {
		t.Error("past reminder accepted")
	}

	res = tool.Execute(ctx, map[string]interface{}{
		"message": "x", "at": "yesterday", "user_id": "u1",
	})
	if !res.IsError {
		t.Error("non-RFC3339 time accepted")
	}
}
