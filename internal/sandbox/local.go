package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// DefaultPreviewURLTemplate renders exposed ports for the local provider.
const DefaultPreviewURLTemplate = "http://{port}-{id}.{host}"

// LocalOpts configures a LocalProvider.
type LocalOpts struct {
	Root               string        // host directory holding one subdirectory per conversation
	Workspace          string        // sandbox path the subdirectory is mounted at, default "/workspace"
	PreviewURLTemplate string        // supports {port}, {id} and {host}
	Shell              string        // default "bash"
	WaitDelay          time.Duration // grace period after SIGTERM, default 10s
}

// LocalProvider runs each conversation's sandbox as a directory on the host
// with commands executed by a shell in that directory.
type LocalProvider struct {
	opts LocalOpts

	mu        sync.Mutex
	sandboxes map[string]*localSandbox
}

// NewLocalProvider validates opts and returns a provider rooted at opts.Root.
func NewLocalProvider(opts LocalOpts) (*LocalProvider, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("sandbox: root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}
	opts.Root = root
	if opts.Workspace == "" {
		opts.Workspace = "/workspace"
	}
	if !path.IsAbs(opts.Workspace) {
		return nil, fmt.Errorf("sandbox: workspace %q must be absolute", opts.Workspace)
	}
	opts.Workspace = path.Clean(opts.Workspace)
	if opts.PreviewURLTemplate == "" {
		opts.PreviewURLTemplate = DefaultPreviewURLTemplate
	}
	if opts.Shell == "" {
		opts.Shell = "bash"
	}
	if opts.WaitDelay == 0 {
		opts.WaitDelay = 10 * time.Second
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create root: %w", err)
	}
	return &LocalProvider{opts: opts, sandboxes: make(map[string]*localSandbox)}, nil
}

func validConversationID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("sandbox: invalid conversation id %q", id)
	}
	return nil
}

// Create returns a new session on the conversation's sandbox, starting the
// sandbox if it is not running. A sandbox that is started begins with an
// empty workspace; files left behind by a previous run are removed.
func (p *LocalProvider) Create(ctx context.Context, conversationID string, opts CreateOpts) (Session, error) {
	if err := validConversationID(conversationID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	sb, ok := p.sandboxes[conversationID]
	if !ok {
		dir := filepath.Join(p.opts.Root, conversationID)
		if err := os.RemoveAll(dir); err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("sandbox: reset %s: %w", conversationID, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("sandbox: create %s: %w", conversationID, err)
		}
		sb = newLocalSandbox(conversationID, dir, p.opts)
		p.sandboxes[conversationID] = sb
	}
	p.mu.Unlock()

	cwd := opts.Cwd
	if cwd == "" {
		cwd = p.opts.Workspace
	}
	hostCwd, err := sb.hostPath(cwd)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(hostCwd, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create cwd %s: %w", cwd, err)
	}
	return &localSession{id: uuid.NewString(), sb: sb, cwd: hostCwd}, nil
}

// State reports running for live sandboxes and stopped otherwise.
func (p *LocalProvider) State(ctx context.Context, conversationID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	sb, ok := p.sandboxes[conversationID]
	p.mu.Unlock()
	if !ok || sb.ctx.Err() != nil {
		return StateStopped, nil
	}
	if _, err := os.Stat(sb.dir); err != nil {
		return StateStopped, nil
	}
	return StateRunning, nil
}

// Destroy kills every process in the sandbox and removes its directory.
// Destroying an unknown sandbox only removes the directory.
func (p *LocalProvider) Destroy(ctx context.Context, conversationID string) error {
	if err := validConversationID(conversationID); err != nil {
		return err
	}
	p.mu.Lock()
	sb, ok := p.sandboxes[conversationID]
	delete(p.sandboxes, conversationID)
	p.mu.Unlock()

	if ok {
		sb.shutdown()
	}
	if err := os.RemoveAll(filepath.Join(p.opts.Root, conversationID)); err != nil {
		return fmt.Errorf("sandbox: destroy %s: %w", conversationID, err)
	}
	return nil
}

// Close stops every running sandbox. Workspace directories stay on disk
// for inspection until the sandbox is created again or destroyed.
func (p *LocalProvider) Close() {
	p.mu.Lock()
	sbs := make([]*localSandbox, 0, len(p.sandboxes))
	for id, sb := range p.sandboxes {
		sbs = append(sbs, sb)
		delete(p.sandboxes, id)
	}
	p.mu.Unlock()

	for _, sb := range sbs {
		sb.shutdown()
	}
}

// localSandbox is the shared state behind every session of one conversation.
type localSandbox struct {
	id   string
	dir  string
	opts LocalOpts

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	procs map[string]*localProcess
}

func newLocalSandbox(id, dir string, opts LocalOpts) *localSandbox {
	ctx, cancel := context.WithCancel(context.Background())
	return &localSandbox{
		id:     id,
		dir:    dir,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		procs:  make(map[string]*localProcess),
	}
}

func (sb *localSandbox) shutdown() {
	sb.cancel()
	sb.wg.Wait()
}

func (sb *localSandbox) alive() error {
	if sb.ctx.Err() != nil {
		return ErrNoSandbox
	}
	return nil
}

// hostPath maps an absolute sandbox path to the host filesystem.
func (sb *localSandbox) hostPath(p string) (string, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("sandbox: path %q must be absolute", p)
	}
	clean := path.Clean(p)
	ws := sb.opts.Workspace
	if clean != ws && !strings.HasPrefix(clean, ws+"/") {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
	}
	rel := strings.TrimPrefix(clean, ws)
	return filepath.Join(sb.dir, filepath.FromSlash(rel)), nil
}

// command builds a shell invocation that is terminated as a process group.
func (sb *localSandbox) command(ctx context.Context, command, dir string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, sb.opts.Shell, "-c", command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = sb.opts.WaitDelay
	return cmd
}

type localSession struct {
	id  string
	sb  *localSandbox
	cwd string
}

func (s *localSession) ID() string { return s.id }

func (s *localSession) Exec(ctx context.Context, command string) (ExecResult, error) {
	if err := s.sb.alive(); err != nil {
		return ExecResult{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.sb.ctx, cancel)
	defer stop()

	var stdout, stderr bytes.Buffer
	cmd := s.sb.command(ctx, command, s.cwd)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() != nil {
		return res, fmt.Errorf("sandbox: exec: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("sandbox: exec: %w", err)
	}
	return res, nil
}

func (s *localSession) ReadFile(ctx context.Context, p string) (string, error) {
	if err := s.sb.alive(); err != nil {
		return "", err
	}
	hp, err := s.sb.hostPath(p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(hp)
	if err != nil {
		return "", fmt.Errorf("sandbox: read %s: %w", p, err)
	}
	return string(data), nil
}

func (s *localSession) WriteFile(ctx context.Context, p, content string) error {
	if err := s.sb.alive(); err != nil {
		return err
	}
	hp, err := s.sb.hostPath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(hp), 0o755); err != nil {
		return fmt.Errorf("sandbox: write %s: %w", p, err)
	}
	if err := os.WriteFile(hp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("sandbox: write %s: %w", p, err)
	}
	return nil
}

// FileExists reports whether p names a regular file.
func (s *localSession) FileExists(ctx context.Context, p string) (bool, error) {
	if err := s.sb.alive(); err != nil {
		return false, err
	}
	hp, err := s.sb.hostPath(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(hp)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sandbox: stat %s: %w", p, err)
	}
	return info.Mode().IsRegular(), nil
}

func (s *localSession) ListDir(ctx context.Context, p string) ([]string, error) {
	if err := s.sb.alive(); err != nil {
		return nil, err
	}
	hp, err := s.sb.hostPath(p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(hp)
	if err != nil {
		return nil, fmt.Errorf("sandbox: list %s: %w", p, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// StartProcess runs command in the background. The process outlives ctx
// and is only stopped when the sandbox is destroyed.
func (s *localSession) StartProcess(ctx context.Context, command string) (Process, error) {
	if err := s.sb.alive(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	proc := newLocalProcess(uuid.NewString())
	cmd := s.sb.command(s.sb.ctx, command, s.cwd)
	stdout := &lineWriter{stream: StreamStdout, emit: proc.publish}
	stderr := &lineWriter{stream: StreamStderr, emit: proc.publish}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start process: %w", err)
	}

	s.sb.mu.Lock()
	s.sb.procs[proc.id] = proc
	s.sb.mu.Unlock()

	s.sb.wg.Add(1)
	go func() {
		defer s.sb.wg.Done()
		waitErr := cmd.Wait()
		stdout.Close()
		stderr.Close()
		proc.exit(waitErr)
	}()
	return proc, nil
}

func (s *localSession) GetProcess(ctx context.Context, id string) (Process, error) {
	if err := s.sb.alive(); err != nil {
		return nil, err
	}
	s.sb.mu.Lock()
	proc, ok := s.sb.procs[id]
	s.sb.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	return proc, nil
}

func (s *localSession) StreamLogs(ctx context.Context, processID string) (<-chan LogEvent, error) {
	if err := s.sb.alive(); err != nil {
		return nil, err
	}
	s.sb.mu.Lock()
	proc, ok := s.sb.procs[processID]
	s.sb.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	return proc.subscribe(ctx), nil
}

// ExposePort renders the preview URL template for port.
func (s *localSession) ExposePort(ctx context.Context, port int, hostname string) (string, error) {
	if err := s.sb.alive(); err != nil {
		return "", err
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("sandbox: invalid port %d", port)
	}
	r := strings.NewReplacer("{port}", strconv.Itoa(port), "{id}", s.sb.id, "{host}", hostname)
	return r.Replace(s.sb.opts.PreviewURLTemplate), nil
}
