package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/zulandar/vibeyard/internal/models"
	"github.com/zulandar/vibeyard/internal/sandbox"
	"github.com/zulandar/vibeyard/internal/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testEnv(t *testing.T) Env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.KVEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := store.NewGormStore(db)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}

	p, err := sandbox.NewLocalProvider(sandbox.LocalOpts{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	sess, err := p.Create(context.Background(), "tools", sandbox.CreateOpts{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { p.Destroy(context.Background(), "tools") })

	return Env{Session: sess, Store: s, ConversationID: "tools"}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestRegistry_Names(t *testing.T) {
	want := []string{"bash", "read", "edit", "webfetch", "todoread", "todowrite"}
	reg := Registry()
	if len(reg) != len(want) {
		t.Fatalf("len(Registry) = %d, want %d", len(reg), len(want))
	}
	for i, tool := range reg {
		if tool.Name() != want[i] {
			t.Errorf("Registry[%d] = %q, want %q", i, tool.Name(), want[i])
		}
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema(), &schema); err != nil {
			t.Errorf("%s schema invalid: %v", tool.Name(), err)
		}
		if tool.Description() == "" {
			t.Errorf("%s has no description", tool.Name())
		}
	}
	if defs := Definitions(); len(defs) != len(want) || defs[2].Name != "edit" {
		t.Errorf("Definitions = %+v", defs)
	}
}

func TestRun_UnknownTool(t *testing.T) {
	_, err := Run(context.Background(), Env{}, "deploy", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("err = %v, want ErrUnknownTool", err)
	}
}

func TestBash(t *testing.T) {
	env := testEnv(t)
	out, err := Run(context.Background(), env, "bash", mustJSON(t, map[string]string{"command": "echo hi; echo err >&2; exit 4"}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := out.(sandbox.ExecResult)
	if res.Stdout != "hi\n" || res.Stderr != "err\n" || res.ExitCode != 4 {
		t.Errorf("result = %+v", res)
	}
}

func TestBash_NeverFails(t *testing.T) {
	env := testEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := Run(ctx, env, "bash", mustJSON(t, map[string]string{"command": "sleep 1"}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	res := out.(sandbox.ExecResult)
	if res.ExitCode != 1 || res.Stdout != "" || res.Stderr == "" {
		t.Errorf("result = %+v", res)
	}

	out, err = Run(context.Background(), env, "bash", json.RawMessage(`{"command":""}`))
	if err != nil || out.(sandbox.ExecResult).ExitCode != 1 {
		t.Errorf("empty command = (%+v, %v)", out, err)
	}
}

func TestTodos(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()

	out, err := Run(ctx, env, "todoread", nil)
	if err != nil {
		t.Fatalf("todoread: %v", err)
	}
	if todos := out.(TodoList).Todos; todos == nil || len(todos) != 0 {
		t.Errorf("initial todos = %#v, want empty non-nil", todos)
	}
	if data, _ := json.Marshal(out); string(data) != `{"todos":[]}` {
		t.Errorf("todoread output = %s, want {\"todos\":[]}", data)
	}

	list := []TodoInfo{
		{Content: "scaffold app", Status: "completed", Priority: "high", ID: "1"},
		{Content: "add dark mode", Status: "in_progress", Priority: "medium", ID: "2"},
	}
	out, err = Run(ctx, env, "todowrite", mustJSON(t, TodoList{Todos: list}))
	if err != nil {
		t.Fatalf("todowrite: %v", err)
	}
	if got := out.(TodoList).Todos; len(got) != 2 || got[1] != list[1] {
		t.Errorf("todowrite output = %+v", got)
	}

	// Full overwrite.
	Run(ctx, env, "todowrite", mustJSON(t, TodoList{Todos: list[:1]}))
	out, _ = Run(ctx, env, "todoread", nil)
	if got := out.(TodoList).Todos; len(got) != 1 || got[0] != list[0] {
		t.Errorf("todoread after overwrite = %+v", got)
	}
}

func TestTodoRead_CorruptData(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()
	env.Store.Put(ctx, env.ConversationID, store.KeyTodos, "{{{")

	out, err := Run(ctx, env, "todoread", nil)
	if err != nil {
		t.Fatalf("todoread: %v", err)
	}
	if got := out.(TodoList).Todos; len(got) != 0 {
		t.Errorf("todos = %+v, want empty", got)
	}
}
