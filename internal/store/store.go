// Package store persists per-conversation key/value state.
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Keys used in a conversation's namespace.
const (
	KeyChatID        = "chat_id"
	KeyMessages      = "messages"
	KeyDevServerID   = "dev_server_id"
	KeyDevServerURL  = "dev_server_url"
	KeyDevServerLogs = "dev_server_logs"
	KeyTodos         = "todos"
	KeyMessagesCount = "messages_count"
	KeyIdleDeadline  = "idle_deadline"
)

// Store is a durable key/value namespace partitioned by conversation.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, conversationID, key string) (string, bool, error)
	Put(ctx context.Context, conversationID, key, value string) error
	// Delete removes keys; missing keys are not an error.
	Delete(ctx context.Context, conversationID string, keys ...string) error
	// ListByKey returns key's value for every conversation that has it,
	// indexed by conversation id.
	ListByKey(ctx context.Context, key string) (map[string]string, error)
}

// GetJSON decodes the value at key into v. It reports false when the key
// is absent, leaving v untouched.
func GetJSON(ctx context.Context, s Store, conversationID, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, conversationID, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(ctx context.Context, s Store, conversationID, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.Put(ctx, conversationID, key, string(data))
}
