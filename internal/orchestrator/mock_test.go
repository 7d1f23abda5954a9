package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/vibeyard/internal/agent"
	"github.com/zulandar/vibeyard/internal/broadcast"
	"github.com/zulandar/vibeyard/internal/models"
	"github.com/zulandar/vibeyard/internal/sandbox"
	"github.com/zulandar/vibeyard/internal/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// mockProvider hands out one mockSession per Create.
type mockProvider struct {
	mu         sync.Mutex
	creates    int
	createErr  error
	gate       chan struct{} // when set, Create waits for it to close
	state      sandbox.State
	stateErr   error
	destroyed  []string
	destroyErr error
	session    *mockSession
}

func (p *mockProvider) Create(ctx context.Context, id string, opts sandbox.CreateOpts) (sandbox.Session, error) {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.state = sandbox.StateRunning
	p.session = newMockSession(id)
	return p.session, nil
}

func (p *mockProvider) State(ctx context.Context, id string) (sandbox.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stateErr != nil {
		return "", p.stateErr
	}
	if p.state == "" {
		return sandbox.StateStopped, nil
	}
	return p.state, nil
}

func (p *mockProvider) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, id)
	if p.destroyErr != nil {
		return p.destroyErr
	}
	p.state = sandbox.StateStopped
	return nil
}

func (p *mockProvider) setState(s sandbox.State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *mockProvider) createCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates
}

func (p *mockProvider) destroyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.destroyed)
}

func (p *mockProvider) currentSession() *mockSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// mockSession keeps files in memory and fakes background processes.
type mockSession struct {
	id string

	mu        sync.Mutex
	files     map[string]string
	execs     []string
	started   []string
	procs     map[string]*mockProcess
	startErr  error
	exposeErr error
}

func newMockSession(id string) *mockSession {
	return &mockSession{id: id, files: make(map[string]string), procs: make(map[string]*mockProcess)}
}

func (s *mockSession) ID() string { return s.id }

func (s *mockSession) Exec(ctx context.Context, cmd string) (sandbox.ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, cmd)
	if strings.HasPrefix(cmd, "echo ") {
		return sandbox.ExecResult{Stdout: "Hello Sandbox\n"}, nil
	}
	return sandbox.ExecResult{}, nil
}

func (s *mockSession) ReadFile(ctx context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[path]
	if !ok {
		return "", fmt.Errorf("read %s: not found", path)
	}
	return content, nil
}

func (s *mockSession) WriteFile(ctx context.Context, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = content
	return nil
}

func (s *mockSession) FileExists(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[path]
	return ok, nil
}

func (s *mockSession) ListDir(ctx context.Context, path string) ([]string, error) {
	return nil, nil
}

func (s *mockSession) StartProcess(ctx context.Context, cmd string) (sandbox.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.started = append(s.started, cmd)
	p := &mockProcess{id: fmt.Sprintf("proc-%d", len(s.started)), status: sandbox.ProcessRunning, events: make(chan sandbox.LogEvent, 16)}
	s.procs[p.id] = p
	return p, nil
}

func (s *mockSession) GetProcess(ctx context.Context, id string) (sandbox.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return nil, sandbox.ErrProcessNotFound
	}
	return p, nil
}

func (s *mockSession) StreamLogs(ctx context.Context, id string) (<-chan sandbox.LogEvent, error) {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return nil, sandbox.ErrProcessNotFound
	}
	out := make(chan sandbox.LogEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-p.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *mockSession) ExposePort(ctx context.Context, port int, hostname string) (string, error) {
	if s.exposeErr != nil {
		return "", s.exposeErr
	}
	return fmt.Sprintf("http://%d-%s.%s", port, s.id, hostname), nil
}

func (s *mockSession) startedCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

func (s *mockSession) process(id string) *mockProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id]
}

type mockProcess struct {
	id     string
	mu     sync.Mutex
	status sandbox.ProcessStatus
	events chan sandbox.LogEvent
}

func (p *mockProcess) ID() string { return p.id }

func (p *mockProcess) Status(ctx context.Context) (sandbox.ProcessStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, nil
}

func (p *mockProcess) setStatus(s sandbox.ProcessStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// mockRunner records turns instead of calling a model.
type mockRunner struct {
	mu    sync.Mutex
	turns []agent.Turn
	err   error
}

func (r *mockRunner) Run(ctx context.Context, turn agent.Turn) (*agent.Response, error) {
	r.mu.Lock()
	r.turns = append(r.turns, turn)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if turn.OnStep != nil {
		turn.OnStep(ctx)
	}
	return &agent.Response{Steps: 1}, nil
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.KVEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := store.NewGormStore(db)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	return s
}

func testManager(t *testing.T, p *mockProvider, opts Options) *Manager {
	t.Helper()
	opts.Provider = p
	if opts.Store == nil {
		opts.Store = testStore(t)
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func testOrchestrator(t *testing.T, p *mockProvider, opts Options) *Orchestrator {
	t.Helper()
	o, err := testManager(t, p, opts).Get(context.Background(), "conv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return o
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// nextEvent waits briefly for the listener's next event.
func nextEvent(t *testing.T, l *broadcast.ChanListener) wireEvent {
	t.Helper()
	select {
	case data := <-l.C():
		var evt wireEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return wireEvent{}
}

func statusOf(t *testing.T, evt wireEvent) broadcast.Status {
	t.Helper()
	if evt.Type != broadcast.TypeSandboxStatus {
		t.Fatalf("event type = %q, want %q", evt.Type, broadcast.TypeSandboxStatus)
	}
	var d broadcast.StatusData
	if err := json.Unmarshal(evt.Data, &d); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return d.Status
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errBoom = errors.New("boom")
