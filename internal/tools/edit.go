package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zulandar/vibeyard/internal/patch"
	"github.com/zulandar/vibeyard/internal/transcript"
)

type editTool struct{}

// EditOutput is the result of a successful edit.
type EditOutput struct {
	FilePath string `json:"filePath"`
	Diff     string `json:"diff"`
}

func (editTool) Name() string { return "edit" }

func (editTool) Description() string {
	return "Performs exact string replacements in files. An empty oldString creates " +
		"the file with newString as its content. The edit fails if oldString is not " +
		"found, or is found more than once without replaceAll."
}

func (editTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{` +
		`"filePath":{"type":"string","description":"The absolute path to the file to modify"},` +
		`"oldString":{"type":"string","description":"The text to replace"},` +
		`"newString":{"type":"string","description":"The text to replace it with (must be different from oldString)"},` +
		`"replaceAll":{"type":"boolean","description":"Replace all occurrences of oldString (default false)"}},` +
		`"required":["filePath","oldString","newString"]}`)
}

func (editTool) Execute(ctx context.Context, env Env, input json.RawMessage) (any, error) {
	var in transcript.EditInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := checkWorkspacePath(in.FilePath, env.workspace()); err != nil {
		return nil, err
	}

	if in.OldString == "" {
		if err := env.Session.WriteFile(ctx, in.FilePath, in.NewString); err != nil {
			return nil, fmt.Errorf("Failed to create file: %s: %v", in.FilePath, err)
		}
		return EditOutput{FilePath: in.FilePath, Diff: patch.UnifiedDiff(in.FilePath, "", in.NewString)}, nil
	}

	exists, err := env.Session.FileExists(ctx, in.FilePath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("File not found: %s", in.FilePath)
	}

	before, err := env.Session.ReadFile(ctx, in.FilePath)
	if err != nil {
		return nil, err
	}
	after, err := patch.Replace(before, in.OldString, in.NewString, in.ReplaceAll)
	if err != nil {
		return nil, err
	}
	if err := env.Session.WriteFile(ctx, in.FilePath, after); err != nil {
		return nil, fmt.Errorf("Failed to update file: %s: %v", in.FilePath, err)
	}
	written, err := env.Session.ReadFile(ctx, in.FilePath)
	if err != nil {
		return nil, err
	}
	return EditOutput{FilePath: in.FilePath, Diff: patch.UnifiedDiff(in.FilePath, before, written)}, nil
}
