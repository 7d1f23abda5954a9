package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/vibeyard/internal/store"
)

// DefaultLogMaxBytes bounds the encoded size of a conversation's log history.
const DefaultLogMaxBytes = 1 << 20

// LogBuffer is a persisted, size-bounded history of dev-server output.
type LogBuffer struct {
	store          store.Store
	conversationID string
	maxBytes       int
	now            func() time.Time

	mu sync.Mutex
}

// NewLogBuffer returns the log history of conversationID. maxBytes <= 0
// selects DefaultLogMaxBytes.
func NewLogBuffer(s store.Store, conversationID string, maxBytes int) *LogBuffer {
	if maxBytes <= 0 {
		maxBytes = DefaultLogMaxBytes
	}
	return &LogBuffer{store: s, conversationID: conversationID, maxBytes: maxBytes, now: time.Now}
}

// Append timestamps and stores a new entry, evicting the oldest entries
// until the encoded history fits in maxBytes. The entry is returned even
// when it alone exceeds the bound and therefore is not retained.
func (b *LogBuffer) Append(ctx context.Context, stream, message string) (LogEntry, error) {
	out, err := b.AppendBatch(ctx, []LogEntry{{Stream: stream, Message: message}})
	return out[0], err
}

// AppendBatch stores several entries with one read and one write of the
// history. Entries without a timestamp are stamped with the current time.
// The stamped entries are returned in order even on error.
func (b *LogBuffer) AppendBatch(ctx context.Context, batch []LogEntry) ([]LogEntry, error) {
	now := b.now().UnixMilli()
	out := make([]LogEntry, len(batch))
	for i, e := range batch {
		if e.TS == 0 {
			e.TS = now
		}
		out[i] = e
	}
	if len(out) == 0 {
		return out, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.load(ctx)
	entries = append(entries, out...)
	entries = trimToSize(entries, b.maxBytes)

	if err := store.PutJSON(ctx, b.store, b.conversationID, store.KeyDevServerLogs, entries); err != nil {
		return out, fmt.Errorf("broadcast: append log: %w", err)
	}
	return out, nil
}

// Entries returns the stored history, oldest first.
func (b *LogBuffer) Entries(ctx context.Context) ([]LogEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var entries []LogEntry
	if _, err := store.GetJSON(ctx, b.store, b.conversationID, store.KeyDevServerLogs, &entries); err != nil {
		return nil, fmt.Errorf("broadcast: load logs: %w", err)
	}
	return entries, nil
}

// Clear drops the stored history.
func (b *LogBuffer) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store.Delete(ctx, b.conversationID, store.KeyDevServerLogs)
}

// load returns the current history; unreadable history starts over.
func (b *LogBuffer) load(ctx context.Context) []LogEntry {
	var entries []LogEntry
	if _, err := store.GetJSON(ctx, b.store, b.conversationID, store.KeyDevServerLogs, &entries); err != nil {
		log.Printf("broadcast: discarding unreadable log history for %s: %v", b.conversationID, err)
		return nil
	}
	return entries
}

// trimToSize drops entries from the front until the JSON array encoding of
// the remainder is at most maxBytes.
func trimToSize(entries []LogEntry, maxBytes int) []LogEntry {
	sizes := make([]int, len(entries))
	total := 2 // brackets
	for i, e := range entries {
		data, _ := json.Marshal(e)
		sizes[i] = len(data)
		total += len(data)
		if i > 0 {
			total++ // comma
		}
	}
	start := 0
	for start < len(entries) && total > maxBytes {
		total -= sizes[start]
		if len(entries)-start > 1 {
			total--
		}
		start++
	}
	return entries[start:]
}
