// Package sandbox defines the isolated execution environment a conversation
// works in: shell commands, workspace files, long-running processes and
// exposed ports.
package sandbox

import (
	"context"
	"errors"
)

var (
	// ErrProcessNotFound is returned by GetProcess and StreamLogs for
	// unknown process ids.
	ErrProcessNotFound = errors.New("sandbox: process not found")
	// ErrNoSandbox is returned when an operation targets a sandbox that
	// was never created or has been destroyed.
	ErrNoSandbox = errors.New("sandbox: no sandbox")
	// ErrOutsideWorkspace is returned for paths that escape the workspace.
	ErrOutsideWorkspace = errors.New("sandbox: path outside workspace")
)

// State is the health of a conversation's sandbox as reported by a health check.
type State string

const (
	StateRunning         State = "running"
	StateHealthy         State = "healthy"
	StateStopping        State = "stopping"
	StateStopped         State = "stopped"
	StateStoppedWithCode State = "stopped_with_code"
)

// Active reports whether the sandbox can accept work.
func (s State) Active() bool {
	return s == StateRunning || s == StateHealthy
}

// ProcessStatus is the lifecycle state of a background process.
type ProcessStatus string

const (
	ProcessRunning   ProcessStatus = "running"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessKilled    ProcessStatus = "killed"
)

// Log stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ExecResult is the outcome of a one-shot command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// LogEvent is one line of background process output.
type LogEvent struct {
	Stream string // StreamStdout or StreamStderr
	Data   string
}

// CreateOpts configures a new session.
type CreateOpts struct {
	Cwd string // working directory inside the sandbox, default the workspace root
}

// Provider creates, checks and destroys per-conversation sandboxes.
type Provider interface {
	Create(ctx context.Context, conversationID string, opts CreateOpts) (Session, error)
	State(ctx context.Context, conversationID string) (State, error)
	Destroy(ctx context.Context, conversationID string) error
}

// Session is a handle to a live sandbox.
type Session interface {
	ID() string
	Exec(ctx context.Context, cmd string) (ExecResult, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	FileExists(ctx context.Context, path string) (bool, error)
	// ListDir returns the entry names of a directory, sorted.
	ListDir(ctx context.Context, path string) ([]string, error)
	StartProcess(ctx context.Context, cmd string) (Process, error)
	GetProcess(ctx context.Context, id string) (Process, error)
	// StreamLogs delivers output of the process until it exits or ctx is
	// done, then closes the channel.
	StreamLogs(ctx context.Context, processID string) (<-chan LogEvent, error)
	// ExposePort makes port reachable and returns its public URL.
	ExposePort(ctx context.Context, port int, hostname string) (string, error)
}

// Process is a background process running in a sandbox.
type Process interface {
	ID() string
	Status(ctx context.Context) (ProcessStatus, error)
}
