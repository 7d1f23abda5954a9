// Package agent drives the model through a conversation turn, executing
// the tool calls it requests against the conversation's sandbox.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/vibeyard/internal/store"
	"github.com/zulandar/vibeyard/internal/tools"
	"github.com/zulandar/vibeyard/internal/transcript"
)

// DefaultMaxSteps bounds the model steps in a single turn.
const DefaultMaxSteps = 50

// ErrRateLimited is returned when a conversation has used up its message
// allowance.
var ErrRateLimited = errors.New("agent: message limit reached")

// Loop runs conversation turns against a Model.
type Loop struct {
	Model        Model
	SystemPrompt string
	MaxSteps     int // default DefaultMaxSteps
	MaxMessages  int // per conversation; 0 means unlimited
}

// Turn is one inbound user message.
type Turn struct {
	ConversationID string
	Message        transcript.Message
	Env            tools.Env
	// OnStep is called after every model step.
	OnStep func(ctx context.Context)
}

// Response is the outcome of a turn.
type Response struct {
	Message transcript.Message `json:"message"`
	Steps   int                `json:"steps"`
}

// NewLoop validates l and fills defaults.
func NewLoop(l Loop) (*Loop, error) {
	if l.Model == nil {
		return nil, fmt.Errorf("agent: model is required")
	}
	if l.MaxSteps < 0 || l.MaxMessages < 0 {
		return nil, fmt.Errorf("agent: limits must not be negative")
	}
	if l.MaxSteps == 0 {
		l.MaxSteps = DefaultMaxSteps
	}
	return &l, nil
}

// Run executes one turn. The transcript, including the new user message
// and whatever the assistant produced, is persisted when Run returns, even
// if the model fails partway; tool calls already applied to the sandbox
// stay on record for replay.
func (l *Loop) Run(ctx context.Context, turn Turn) (*Response, error) {
	if turn.ConversationID == "" {
		return nil, fmt.Errorf("agent: conversation id is required")
	}
	if turn.Env.Store == nil {
		return nil, fmt.Errorf("agent: store is required")
	}
	s := turn.Env.Store

	if err := l.consumeAllowance(ctx, s, turn.ConversationID); err != nil {
		return nil, err
	}

	history, err := transcript.Load(ctx, s, turn.ConversationID)
	if err != nil {
		return nil, err
	}
	user := turn.Message
	if user.ID == "" {
		user.ID = NewMessageID()
	}
	user.Role = transcript.RoleUser
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	history = transcript.Upsert(history, user)

	assistant := transcript.Message{
		ID:        NewMessageID(),
		Role:      transcript.RoleAssistant,
		CreatedAt: time.Now().UTC(),
	}

	steps, runErr := l.steps(ctx, turn, history, &assistant)

	final := history
	if len(assistant.Parts) > 0 {
		final = append(final, assistant)
	}
	// Persist even when ctx was cancelled mid-turn.
	if err := transcript.Save(context.WithoutCancel(ctx), s, turn.ConversationID, final); err != nil {
		if runErr == nil {
			return nil, err
		}
		log.Printf("agent: %s: save transcript after failure: %v", turn.ConversationID, err)
	}
	if runErr != nil {
		return nil, runErr
	}
	return &Response{Message: assistant, Steps: steps}, nil
}

func (l *Loop) steps(ctx context.Context, turn Turn, history []transcript.Message, assistant *transcript.Message) (int, error) {
	maxSteps := l.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	defs := tools.Definitions()

	for step := 1; step <= maxSteps; step++ {
		msgs := history
		if len(assistant.Parts) > 0 {
			msgs = append(msgs[:len(msgs):len(msgs)], *assistant)
		}
		resp, err := l.Model.Step(ctx, StepRequest{System: l.SystemPrompt, Messages: msgs, Tools: defs})
		if err != nil {
			return step - 1, fmt.Errorf("agent: step %d: %w", step, err)
		}

		if resp.Text != "" {
			assistant.Parts = append(assistant.Parts, transcript.TextPart(resp.Text))
		}
		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return step, err
			}
			callID := call.ID
			if callID == "" {
				callID = "call_" + uuid.NewString()
			}
			out, callErr := tools.Run(ctx, turn.Env, call.Name, call.Input)
			if callErr != nil {
				log.Printf("agent: %s: tool %s failed: %v", turn.ConversationID, call.Name, callErr)
			}
			assistant.Parts = append(assistant.Parts, transcript.ToolPart(call.Name, callID, call.Input, out, callErr))
		}

		if turn.OnStep != nil {
			turn.OnStep(ctx)
		}
		if len(resp.ToolCalls) == 0 {
			return step, nil
		}
	}
	log.Printf("agent: %s: stopped after %d steps", turn.ConversationID, maxSteps)
	return maxSteps, nil
}

// consumeAllowance checks the conversation's message counter against
// MaxMessages and increments it.
func (l *Loop) consumeAllowance(ctx context.Context, s store.Store, conversationID string) error {
	if l.MaxMessages <= 0 {
		return nil
	}
	raw, ok, err := s.Get(ctx, conversationID, store.KeyMessagesCount)
	if err != nil {
		return fmt.Errorf("agent: read message count: %w", err)
	}
	count := 0
	if ok {
		if count, err = strconv.Atoi(raw); err != nil {
			log.Printf("agent: %s: invalid message count %q, resetting", conversationID, raw)
			count = 0
		}
	}
	if count >= l.MaxMessages {
		return ErrRateLimited
	}
	if err := s.Put(ctx, conversationID, store.KeyMessagesCount, strconv.Itoa(count+1)); err != nil {
		return fmt.Errorf("agent: write message count: %w", err)
	}
	return nil
}

// NewMessageID returns a fresh message id of the form msg-<16 hex chars>.
func NewMessageID() string {
	return "msg-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
