package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/zulandar/vibeyard/internal/patch"
	"github.com/zulandar/vibeyard/internal/sandbox"
)

// Stats counts the outcome of each tool part considered during a replay.
type Stats struct {
	Applied int
	Skipped int
	Failed  int
}

// errSkip marks an edit that cannot apply to the current workspace.
var errSkip = errors.New("skip")

// Replay re-applies every successful edit in msgs, in order, to sess.
// Individual edits that no longer match are skipped; sandbox errors are
// counted as failures. Only context cancellation stops the replay.
func Replay(ctx context.Context, msgs []Message, sess sandbox.Session) (Stats, error) {
	var stats Stats
	for _, m := range msgs {
		for _, part := range m.Parts {
			if err := ctx.Err(); err != nil {
				return stats, fmt.Errorf("transcript: replay: %w", err)
			}
			if !part.IsTool() {
				continue
			}
			if !part.Succeeded() || part.ToolName() != "edit" {
				stats.Skipped++
				continue
			}
			err := replayEdit(ctx, part, sess)
			switch {
			case err == nil:
				stats.Applied++
			case errors.Is(err, errSkip):
				log.Printf("transcript: replay: skip %s: %v", part.ToolCallID, err)
				stats.Skipped++
			default:
				if ctx.Err() != nil {
					return stats, fmt.Errorf("transcript: replay: %w", ctx.Err())
				}
				log.Printf("transcript: replay: %s failed: %v", part.ToolCallID, err)
				stats.Failed++
			}
		}
	}
	return stats, nil
}

func replayEdit(ctx context.Context, part Part, sess sandbox.Session) error {
	var in EditInput
	if err := json.Unmarshal(part.Input, &in); err != nil {
		return fmt.Errorf("%w: decode input: %v", errSkip, err)
	}
	if in.FilePath == "" {
		return fmt.Errorf("%w: empty filePath", errSkip)
	}

	if in.OldString == "" {
		return sess.WriteFile(ctx, in.FilePath, in.NewString)
	}

	exists, err := sess.FileExists(ctx, in.FilePath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: file not found: %s", errSkip, in.FilePath)
	}
	before, err := sess.ReadFile(ctx, in.FilePath)
	if err != nil {
		return err
	}
	after, err := patch.Replace(before, in.OldString, in.NewString, in.ReplaceAll)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errSkip, in.FilePath, err)
	}
	if err := sess.WriteFile(ctx, in.FilePath, after); err != nil {
		return err
	}
	written, err := sess.ReadFile(ctx, in.FilePath)
	if err != nil {
		return err
	}
	if written != after {
		return fmt.Errorf("verify %s: content mismatch after write", in.FilePath)
	}
	return nil
}
