package transcript

import (
	"context"
	"fmt"

	"github.com/zulandar/vibeyard/internal/store"
)

// Load returns the persisted transcript of a conversation, or nil if none
// has been saved.
func Load(ctx context.Context, s store.Store, conversationID string) ([]Message, error) {
	var msgs []Message
	if _, err := store.GetJSON(ctx, s, conversationID, store.KeyMessages, &msgs); err != nil {
		return nil, fmt.Errorf("transcript: load: %w", err)
	}
	return msgs, nil
}

// Save overwrites the persisted transcript of a conversation.
func Save(ctx context.Context, s store.Store, conversationID string, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	if err := store.PutJSON(ctx, s, conversationID, store.KeyMessages, msgs); err != nil {
		return fmt.Errorf("transcript: save: %w", err)
	}
	return nil
}

// Upsert returns msgs with m appended, replacing any earlier message that
// has the same id.
func Upsert(msgs []Message, m Message) []Message {
	out := make([]Message, 0, len(msgs)+1)
	for _, existing := range msgs {
		if existing.ID != m.ID {
			out = append(out, existing)
		}
	}
	return append(out, m)
}
