package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/zulandar/vibeyard/internal/store"
)

// TodoInfo is one item of a conversation's task list.
type TodoInfo struct {
	Content  string `json:"content"`
	Status   string `json:"status"`   // pending, in_progress, completed, cancelled
	Priority string `json:"priority"` // high, medium, low
	ID       string `json:"id"`
}

// TodoList is the output of both todo tools.
type TodoList struct {
	Todos []TodoInfo `json:"todos"`
}

const todoItemSchema = `{"type":"object","properties":{` +
	`"content":{"type":"string","description":"Brief description of the task"},` +
	`"status":{"type":"string","description":"Current status of the task: pending, in_progress, completed, cancelled"},` +
	`"priority":{"type":"string","description":"Priority level of the task: high, medium, low"},` +
	`"id":{"type":"string","description":"Unique identifier for the todo item"}},` +
	`"required":["content","status","priority","id"]}`

// LoadTodos returns a conversation's task list; missing or unreadable
// data is an empty list.
func LoadTodos(ctx context.Context, s store.Store, conversationID string) []TodoInfo {
	todos := []TodoInfo{}
	if _, err := store.GetJSON(ctx, s, conversationID, store.KeyTodos, &todos); err != nil {
		log.Printf("tools: todoread %s: %v", conversationID, err)
		return []TodoInfo{}
	}
	if todos == nil {
		return []TodoInfo{}
	}
	return todos
}

func loadTodos(ctx context.Context, env Env) []TodoInfo {
	return LoadTodos(ctx, env.Store, env.ConversationID)
}

type todoReadTool struct{}

func (todoReadTool) Name() string { return "todoread" }

func (todoReadTool) Description() string {
	return "Read the current to-do list for the session. Use it often to stay aware of the status of the current task list."
}

func (todoReadTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (todoReadTool) Execute(ctx context.Context, env Env, _ json.RawMessage) (any, error) {
	return TodoList{Todos: loadTodos(ctx, env)}, nil
}

type todoWriteTool struct{}

func (todoWriteTool) Name() string { return "todowrite" }

func (todoWriteTool) Description() string {
	return "Create and manage a structured task list for the current coding session. " +
		"This tool overwrites the current list, so always provide every todo with its updated state."
}

func (todoWriteTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"todos":{"type":"array","items":` +
		todoItemSchema + `,"description":"the updated todo list"}},"required":["todos"]}`)
}

func (todoWriteTool) Execute(ctx context.Context, env Env, input json.RawMessage) (any, error) {
	var in TodoList
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Todos == nil {
		in.Todos = []TodoInfo{}
	}
	if err := store.PutJSON(ctx, env.Store, env.ConversationID, store.KeyTodos, in.Todos); err != nil {
		return nil, fmt.Errorf("save todos: %w", err)
	}
	return TodoList{Todos: loadTodos(ctx, env)}, nil
}
