// Package tools implements the operations the model may invoke against a
// conversation's sandbox and state.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/zulandar/vibeyard/internal/sandbox"
	"github.com/zulandar/vibeyard/internal/store"
)

// DefaultWorkspace is the sandbox directory tools operate in.
const DefaultWorkspace = "/workspace"

// ErrUnknownTool is returned by Run for names not in the registry.
var ErrUnknownTool = errors.New("tools: unknown tool")

// Env is the per-call context handed to a tool.
type Env struct {
	Session        sandbox.Session
	Store          store.Store
	ConversationID string
	HTTP           *http.Client
	Workspace      string // default DefaultWorkspace
}

func (e Env) workspace() string {
	if e.Workspace == "" {
		return DefaultWorkspace
	}
	return e.Workspace
}

func (e Env) httpClient() *http.Client {
	if e.HTTP == nil {
		return http.DefaultClient
	}
	return e.HTTP
}

// Tool is one model-invocable operation. Errors returned by Execute are
// reported back to the model; they never abort the conversation turn.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, env Env, input json.RawMessage) (any, error)
}

// Definition describes a tool to the model.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Registry returns every available tool.
func Registry() []Tool {
	return []Tool{
		bashTool{},
		readTool{},
		editTool{},
		webfetchTool{},
		todoReadTool{},
		todoWriteTool{},
	}
}

// Definitions returns the model-facing description of every tool.
func Definitions() []Definition {
	reg := Registry()
	defs := make([]Definition, 0, len(reg))
	for _, t := range reg {
		defs = append(defs, Definition{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return defs
}

// Lookup returns the tool called name.
func Lookup(name string) (Tool, bool) {
	for _, t := range Registry() {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Run executes the named tool.
func Run(ctx context.Context, env Env, name string, input json.RawMessage) (any, error) {
	t, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t.Execute(ctx, env, input)
}

func decodeInput(input json.RawMessage, v any) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}

// checkWorkspacePath requires p to be absolute and inside workspace.
func checkWorkspacePath(p, workspace string) error {
	if !strings.HasPrefix(p, "/") {
		return errors.New("filePath must be absolute")
	}
	clean := path.Clean(p)
	if clean != workspace && !strings.HasPrefix(clean, workspace+"/") {
		return fmt.Errorf("File %s is not in the current workspace root (%s)", p, workspace)
	}
	return nil
}
