package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zulandar/vibeyard/internal/patch"
	"github.com/zulandar/vibeyard/internal/transcript"
)

func runEdit(t *testing.T, env Env, in transcript.EditInput) (EditOutput, error) {
	t.Helper()
	out, err := Run(context.Background(), env, "edit", mustJSON(t, in))
	if err != nil {
		return EditOutput{}, err
	}
	return out.(EditOutput), nil
}

func TestEdit_CreateFile(t *testing.T) {
	env := testEnv(t)
	out, err := runEdit(t, env, transcript.EditInput{FilePath: "/workspace/src/new.ts", NewString: "export {}\n"})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if out.FilePath != "/workspace/src/new.ts" || !strings.Contains(out.Diff, "+export {}") {
		t.Errorf("output = %+v", out)
	}
	got, _ := env.Session.ReadFile(context.Background(), "/workspace/src/new.ts")
	if got != "export {}\n" {
		t.Errorf("file = %q", got)
	}
}

func TestEdit_ReplaceAndDiff(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()
	env.Session.WriteFile(ctx, "/workspace/app.js", "function main() {\n    run(1);\n}\n")

	out, err := runEdit(t, env, transcript.EditInput{FilePath: "/workspace/app.js", OldString: "run(1);", NewString: "run(2);"})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	got, _ := env.Session.ReadFile(ctx, "/workspace/app.js")
	if got != "function main() {\n    run(2);\n}\n" {
		t.Errorf("file = %q", got)
	}
	if !strings.Contains(out.Diff, "\n-    run(1);\n") || !strings.Contains(out.Diff, "\n+    run(2);\n") {
		t.Errorf("diff = %q", out.Diff)
	}
}

func TestEdit_Errors(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()
	env.Session.WriteFile(ctx, "/workspace/dup.txt", "x\nx\n")

	if _, err := runEdit(t, env, transcript.EditInput{FilePath: "workspace/a", NewString: "x"}); err == nil || err.Error() != "filePath must be absolute" {
		t.Errorf("relative path err = %v", err)
	}
	if _, err := runEdit(t, env, transcript.EditInput{FilePath: "/tmp/a", NewString: "x"}); err == nil || !strings.Contains(err.Error(), "is not in the current workspace root") {
		t.Errorf("outside path err = %v", err)
	}
	if _, err := runEdit(t, env, transcript.EditInput{FilePath: "/workspace/missing.txt", OldString: "a", NewString: "b"}); err == nil || err.Error() != "File not found: /workspace/missing.txt" {
		t.Errorf("missing file err = %v", err)
	}
	if _, err := runEdit(t, env, transcript.EditInput{FilePath: "/workspace/dup.txt", OldString: "x", NewString: "y"}); !errors.Is(err, patch.ErrAmbiguous) {
		t.Errorf("ambiguous err = %v", err)
	}
	if _, err := runEdit(t, env, transcript.EditInput{FilePath: "/workspace/dup.txt", OldString: "x", NewString: "x"}); !errors.Is(err, patch.ErrNoOp) {
		t.Errorf("no-op err = %v", err)
	}

	out, err := runEdit(t, env, transcript.EditInput{FilePath: "/workspace/dup.txt", OldString: "x", NewString: "y", ReplaceAll: true})
	if err != nil {
		t.Fatalf("replaceAll: %v", err)
	}
	if got, _ := env.Session.ReadFile(ctx, "/workspace/dup.txt"); got != "y\ny\n" {
		t.Errorf("file = %q (diff %q)", got, out.Diff)
	}
}

func TestEdit_RecordedInputReplays(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()
	in := transcript.EditInput{FilePath: "/workspace/r.txt", NewString: "hello\n"}
	raw := mustJSON(t, in)

	out, err := Run(ctx, env, "edit", raw)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	part := transcript.ToolPart("edit", "c1", raw, out, nil)
	if !part.Succeeded() || part.ToolName() != "edit" {
		t.Fatalf("part = %+v", part)
	}

	fresh := testEnv(t)
	stats, err := transcript.Replay(ctx, []transcript.Message{{ID: "m", Role: transcript.RoleAssistant, Parts: []transcript.Part{part}}}, fresh.Session)
	if err != nil || stats.Applied != 1 {
		t.Fatalf("Replay = (%+v, %v)", stats, err)
	}
	if got, _ := fresh.Session.ReadFile(ctx, "/workspace/r.txt"); got != "hello\n" {
		t.Errorf("replayed file = %q", got)
	}
}
