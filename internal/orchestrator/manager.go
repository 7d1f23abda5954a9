package orchestrator

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/zulandar/vibeyard/internal/agent"
	"github.com/zulandar/vibeyard/internal/sandbox"
	"github.com/zulandar/vibeyard/internal/store"
	"github.com/zulandar/vibeyard/internal/tools"
)

// Defaults for Options.
const (
	DefaultDevCommand      = "bun run dev"
	DefaultDevPort         = 5173
	DefaultPreviewHostname = "localhost:8787"
	DefaultIdleTTL         = 10 * time.Minute
)

// Runner executes a chat turn. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, turn agent.Turn) (*agent.Response, error)
}

// Options configures every orchestrator a Manager creates.
type Options struct {
	Provider        sandbox.Provider
	Store           store.Store
	Agent           Runner        // required for HandleInbound only
	Workspace       string        // default tools.DefaultWorkspace
	DevCommand      string        // default DefaultDevCommand
	DevPort         int           // default DefaultDevPort
	PreviewHostname string        // default DefaultPreviewHostname
	IdleTTL         time.Duration // default DefaultIdleTTL
	LogMaxBytes     int           // default broadcast.DefaultLogMaxBytes
	HTTP            *http.Client  // used by webfetch
}

// Manager holds one Orchestrator per conversation.
type Manager struct {
	opts *Options

	mu    sync.Mutex
	convs map[string]*Orchestrator
}

// NewManager validates opts and returns an empty Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("orchestrator: provider is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if opts.Workspace == "" {
		opts.Workspace = tools.DefaultWorkspace
	}
	if opts.DevCommand == "" {
		opts.DevCommand = DefaultDevCommand
	}
	if opts.DevPort == 0 {
		opts.DevPort = DefaultDevPort
	}
	if opts.PreviewHostname == "" {
		opts.PreviewHostname = DefaultPreviewHostname
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	return &Manager{opts: &opts, convs: make(map[string]*Orchestrator)}, nil
}

// Get returns the conversation's orchestrator, creating it and binding the
// chat id on first use.
func (m *Manager) Get(ctx context.Context, conversationID string) (*Orchestrator, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("orchestrator: conversation id is required")
	}
	m.mu.Lock()
	o, ok := m.convs[conversationID]
	if !ok {
		o = newOrchestrator(conversationID, m.opts)
		m.convs[conversationID] = o
	}
	m.mu.Unlock()

	if err := o.ensureChatID(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// Lookup returns the conversation's orchestrator if one has been created.
func (m *Manager) Lookup(conversationID string) (*Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.convs[conversationID]
	return o, ok
}

// Len returns the number of known conversations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}

// Shutdown stops idle timers and log streamers of every conversation.
// Sandboxes are left for the sweeper to reap after a restart.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	convs := make([]*Orchestrator, 0, len(m.convs))
	for _, o := range m.convs {
		convs = append(convs, o)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, o := range convs {
			o.shutdown()
		}
	}()
	select {
	case <-done:
		log.Printf("orchestrator: stopped %d conversations", len(convs))
	case <-ctx.Done():
		log.Printf("orchestrator: shutdown interrupted: %v", ctx.Err())
	}
}
