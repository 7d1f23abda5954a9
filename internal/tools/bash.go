package tools

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/zulandar/vibeyard/internal/sandbox"
)

type bashTool struct{}

type bashInput struct {
	Command string `json:"command"`
}

func (bashTool) Name() string { return "bash" }

func (bashTool) Description() string {
	return "Execute bash commands in a Linux environment. THIS COMMAND CAN'T BE LONG RUNNING."
}

func (bashTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","minLength":1}},"required":["command"]}`)
}

// Execute never fails: problems are reported through stderr and a
// non-zero exit code.
func (bashTool) Execute(ctx context.Context, env Env, input json.RawMessage) (any, error) {
	var in bashInput
	if err := decodeInput(input, &in); err != nil {
		return sandbox.ExecResult{Stderr: err.Error(), ExitCode: 1}, nil
	}
	if strings.TrimSpace(in.Command) == "" {
		return sandbox.ExecResult{Stderr: "command is required", ExitCode: 1}, nil
	}
	res, err := env.Session.Exec(ctx, in.Command)
	if err != nil {
		log.Printf("tools: bash: %v", err)
		return sandbox.ExecResult{Stderr: err.Error(), ExitCode: 1}, nil
	}
	return res, nil
}
