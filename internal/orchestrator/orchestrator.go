// Package orchestrator owns the runtime of each conversation: its sandbox,
// the dev server inside it, the idle teardown timer and the listeners
// watching it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zulandar/vibeyard/internal/agent"
	"github.com/zulandar/vibeyard/internal/broadcast"
	"github.com/zulandar/vibeyard/internal/sandbox"
	"github.com/zulandar/vibeyard/internal/store"
	"github.com/zulandar/vibeyard/internal/tools"
	"github.com/zulandar/vibeyard/internal/transcript"
)

// State is the lifecycle position of a conversation's runtime.
type State int

const (
	Idle State = iota
	SandboxStarting
	SandboxReady
	DevServerStarting
	DevServerReady
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SandboxStarting:
		return "sandbox-starting"
	case SandboxReady:
		return "sandbox-ready"
	case DevServerStarting:
		return "devserver-starting"
	case DevServerReady:
		return "devserver-ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// smokeCommand is run once in every new sandbox before replay.
const smokeCommand = "echo 'Hello Sandbox'"

// devServerKeys are cleared whenever the sandbox is recreated or torn down.
var devServerKeys = []string{store.KeyDevServerID, store.KeyDevServerURL, store.KeyDevServerLogs}

// ErrChatIDMismatch is returned when a conversation's stored chat id does
// not match the id it is being accessed under.
var ErrChatIDMismatch = errors.New("orchestrator: chat id mismatch")

// Orchestrator coordinates one conversation. Sandbox and dev-server
// creation are single-flight: concurrent callers share one attempt.
type Orchestrator struct {
	id   string
	opts *Options
	hub  *broadcast.Hub
	logs *broadcast.LogBuffer

	group singleflight.Group

	mu       sync.Mutex
	state    State
	session  sandbox.Session
	bound    bool
	timer    *time.Timer
	timerGen uint64

	streamProc   string // process whose logs are being streamed
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

func newOrchestrator(id string, opts *Options) *Orchestrator {
	return &Orchestrator{
		id:   id,
		opts: opts,
		hub:  broadcast.NewHub(),
		logs: broadcast.NewLogBuffer(opts.Store, id, opts.LogMaxBytes),
	}
}

// ID returns the conversation id.
func (o *Orchestrator) ID() string { return o.id }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) currentSession() sandbox.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Hub returns the conversation's listener set.
func (o *Orchestrator) Hub() *broadcast.Hub { return o.hub }

func (o *Orchestrator) emit(evt broadcast.Event) {
	if err := o.hub.Broadcast(evt); err != nil {
		log.Printf("orchestrator: %s: broadcast: %v", o.id, err)
	}
}

// ensureChatID binds the conversation id in the store on first access.
func (o *Orchestrator) ensureChatID(ctx context.Context) error {
	o.mu.Lock()
	bound := o.bound
	o.mu.Unlock()
	if bound {
		return nil
	}

	stored, ok, err := o.opts.Store.Get(ctx, o.id, store.KeyChatID)
	if err != nil {
		return fmt.Errorf("orchestrator: read chat id: %w", err)
	}
	if ok && stored != o.id {
		return fmt.Errorf("%w: stored %q, accessed as %q", ErrChatIDMismatch, stored, o.id)
	}
	if !ok {
		if err := o.opts.Store.Put(ctx, o.id, store.KeyChatID, o.id); err != nil {
			return fmt.Errorf("orchestrator: bind chat id: %w", err)
		}
	}

	o.mu.Lock()
	o.bound = true
	o.mu.Unlock()
	return nil
}

// EnsureSandboxReady returns once the conversation has a healthy sandbox,
// creating one and replaying the transcript into it if needed.
func (o *Orchestrator) EnsureSandboxReady(ctx context.Context) error {
	if o.sandboxHealthy(ctx) {
		return nil
	}
	// Creation runs to completion even if the first caller goes away.
	flightCtx := context.WithoutCancel(ctx)
	_, err, _ := o.group.Do("sandbox", func() (any, error) {
		if o.sandboxHealthy(flightCtx) {
			return nil, nil
		}
		return nil, o.createSandbox(flightCtx)
	})
	return err
}

// sandboxHealthy checks the sandbox behind the current session. A check
// error counts as unhealthy.
func (o *Orchestrator) sandboxHealthy(ctx context.Context) bool {
	if o.currentSession() == nil {
		return false
	}
	st, err := o.opts.Provider.State(ctx, o.id)
	if err != nil {
		log.Printf("orchestrator: %s: sandbox health check: %v", o.id, err)
		return false
	}
	return st.Active()
}

func (o *Orchestrator) createSandbox(ctx context.Context) error {
	o.mu.Lock()
	o.session = nil
	o.state = SandboxStarting
	o.mu.Unlock()
	o.emit(broadcast.SandboxStatus(broadcast.StatusStarting))
	log.Printf("orchestrator: %s: creating sandbox", o.id)

	o.stopLogStreamer()

	sess, err := o.startSandbox(ctx)
	if err != nil {
		o.mu.Lock()
		o.session = nil
		o.state = Idle
		o.mu.Unlock()
		o.emit(broadcast.SandboxStatus(broadcast.StatusError))
		log.Printf("orchestrator: %s: sandbox setup failed: %v", o.id, err)
		return err
	}

	o.mu.Lock()
	o.session = sess
	o.state = SandboxReady
	o.mu.Unlock()
	o.emit(broadcast.SandboxStatus(broadcast.StatusStarted))
	return nil
}

func (o *Orchestrator) startSandbox(ctx context.Context) (sandbox.Session, error) {
	if err := o.opts.Store.Delete(ctx, o.id, devServerKeys...); err != nil {
		return nil, fmt.Errorf("orchestrator: clear dev server state: %w", err)
	}

	sess, err := o.opts.Provider.Create(ctx, o.id, sandbox.CreateOpts{Cwd: o.opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create sandbox: %w", err)
	}

	res, err := sess.Exec(ctx, smokeCommand)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: smoke test: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("orchestrator: smoke test exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	msgs, err := transcript.Load(ctx, o.opts.Store, o.id)
	if err != nil {
		return nil, err
	}
	stats, err := transcript.Replay(ctx, msgs, sess)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: replay: %w", err)
	}
	if stats.Applied+stats.Skipped+stats.Failed > 0 {
		log.Printf("orchestrator: %s: replayed %d edits (%d skipped, %d failed)", o.id, stats.Applied, stats.Skipped, stats.Failed)
	}
	return sess, nil
}

// EnsureDevServerRunning starts the dev server unless the recorded process
// is still running, in which case its log streamer is re-attached.
// EnsureSandboxReady must have succeeded first.
func (o *Orchestrator) EnsureDevServerRunning(ctx context.Context) error {
	flightCtx := context.WithoutCancel(ctx)
	_, err, _ := o.group.Do("devserver", func() (any, error) {
		return nil, o.checkDevServer(flightCtx)
	})
	return err
}

func (o *Orchestrator) checkDevServer(ctx context.Context) error {
	sess := o.currentSession()
	if sess == nil {
		return fmt.Errorf("orchestrator: dev server: %w", sandbox.ErrNoSandbox)
	}

	procID, ok, err := o.opts.Store.Get(ctx, o.id, store.KeyDevServerID)
	if err != nil {
		return fmt.Errorf("orchestrator: read dev server id: %w", err)
	}
	if !ok || procID == "" {
		return o.startDevServer(ctx, sess)
	}

	proc, err := sess.GetProcess(ctx, procID)
	if err != nil {
		log.Printf("orchestrator: %s: dev server %s lost: %v", o.id, procID, err)
		return o.startDevServer(ctx, sess)
	}
	status, err := proc.Status(ctx)
	if err != nil {
		log.Printf("orchestrator: %s: dev server %s status: %v", o.id, procID, err)
	}
	if status != sandbox.ProcessRunning {
		log.Printf("orchestrator: %s: dev server %s is %q, restarting", o.id, procID, status)
		return o.startDevServer(ctx, sess)
	}

	o.attachLogStreamer(sess, procID)
	o.setState(DevServerReady)
	return nil
}

func (o *Orchestrator) startDevServer(ctx context.Context, sess sandbox.Session) error {
	o.setState(DevServerStarting)
	log.Printf("orchestrator: %s: starting dev server: %s", o.id, o.opts.DevCommand)

	url, err := o.launchDevServer(ctx, sess)
	if err != nil {
		o.setState(SandboxReady)
		o.emit(broadcast.SandboxStatus(broadcast.StatusError))
		log.Printf("orchestrator: %s: dev server failed: %v", o.id, err)
		return err
	}

	o.setState(DevServerReady)
	o.emit(broadcast.PreviewAvailable(url))
	return nil
}

func (o *Orchestrator) launchDevServer(ctx context.Context, sess sandbox.Session) (string, error) {
	proc, err := sess.StartProcess(ctx, o.opts.DevCommand)
	if err != nil {
		return "", fmt.Errorf("orchestrator: start dev server: %w", err)
	}
	o.attachLogStreamer(sess, proc.ID())

	exposed, err := sess.ExposePort(ctx, o.opts.DevPort, o.opts.PreviewHostname)
	if err != nil {
		return "", fmt.Errorf("orchestrator: expose port %d: %w", o.opts.DevPort, err)
	}
	url := strings.Replace(exposed, fmt.Sprintf("%d-", o.opts.DevPort), "", 1)

	if err := o.opts.Store.Put(ctx, o.id, store.KeyDevServerID, proc.ID()); err != nil {
		return "", fmt.Errorf("orchestrator: save dev server id: %w", err)
	}
	if err := o.opts.Store.Put(ctx, o.id, store.KeyDevServerURL, url); err != nil {
		return "", fmt.Errorf("orchestrator: save preview url: %w", err)
	}
	return url, nil
}

// attachLogStreamer pipes the process's output into the log buffer and
// out to listeners. Attaching to the process already being streamed is a
// no-op. A previous streamer is stopped and has exited before the new one
// starts, so only one streamer appends to the log buffer at a time.
func (o *Orchestrator) attachLogStreamer(sess sandbox.Session, procID string) {
	o.mu.Lock()
	if o.streamProc == procID {
		o.mu.Unlock()
		return
	}
	prevCancel, prevDone := o.streamCancel, o.streamDone
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.streamProc = procID
	o.streamCancel = cancel
	o.streamDone = done
	o.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	if prevDone != nil {
		<-prevDone
	}

	go func() {
		defer close(done)
		defer func() {
			o.mu.Lock()
			if o.streamDone == done {
				o.streamProc = ""
				o.streamCancel = nil
				o.streamDone = nil
			}
			o.mu.Unlock()
			cancel()
		}()

		events, err := sess.StreamLogs(ctx, procID)
		if err != nil {
			log.Printf("orchestrator: %s: stream logs of %s: %v", o.id, procID, err)
			return
		}
		for ev := range events {
			if ctx.Err() != nil {
				return
			}
			batch, open := collectLogBatch(ev, events)
			entries, err := o.logs.AppendBatch(ctx, batch)
			if err != nil {
				log.Printf("orchestrator: %s: %v", o.id, err)
			}
			for _, e := range entries {
				o.emit(broadcast.Log(e))
			}
			if !open {
				return
			}
		}
	}()
}

// logBatchMax bounds how many queued lines are stored with one write.
const logBatchMax = 128

// collectLogBatch returns first plus whatever is already queued on events,
// and whether events is still open.
func collectLogBatch(first sandbox.LogEvent, events <-chan sandbox.LogEvent) ([]broadcast.LogEntry, bool) {
	batch := []broadcast.LogEntry{{Stream: first.Stream, Message: first.Data}}
	for len(batch) < logBatchMax {
		select {
		case ev, ok := <-events:
			if !ok {
				return batch, false
			}
			batch = append(batch, broadcast.LogEntry{Stream: ev.Stream, Message: ev.Data})
		default:
			return batch, true
		}
	}
	return batch, true
}

// stopLogStreamer cancels the active log streamer and waits for it to exit.
func (o *Orchestrator) stopLogStreamer() {
	o.mu.Lock()
	cancel, done := o.streamCancel, o.streamDone
	o.streamProc = ""
	o.streamCancel = nil
	o.streamDone = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// ResetIdleTimer re-arms the idle teardown to fire one TTL from now and
// persists the new deadline.
func (o *Orchestrator) ResetIdleTimer(ctx context.Context) error {
	deadline := time.Now().Add(o.opts.IdleTTL)
	o.armTimer(o.opts.IdleTTL)
	if err := o.opts.Store.Put(ctx, o.id, store.KeyIdleDeadline, deadline.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("orchestrator: save idle deadline: %w", err)
	}
	return nil
}

// armTimer replaces any pending idle timer with one firing after d.
func (o *Orchestrator) armTimer(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timerGen++
	gen := o.timerGen
	o.timer = time.AfterFunc(d, func() { o.fireIdle(gen) })
}

func (o *Orchestrator) fireIdle(gen uint64) {
	o.mu.Lock()
	if gen != o.timerGen {
		o.mu.Unlock()
		return
	}
	o.timer = nil
	o.mu.Unlock()
	o.OnIdleTimeout(context.Background())
}

func (o *Orchestrator) stopTimer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.timerGen++
}

// hasTimer reports whether an idle timer is pending.
func (o *Orchestrator) hasTimer() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timer != nil
}

// OnIdleTimeout tears the runtime down. The transcript is kept so the next
// access can rebuild the sandbox from it.
func (o *Orchestrator) OnIdleTimeout(ctx context.Context) {
	log.Printf("orchestrator: %s: idle timeout, tearing down", o.id)
	o.stopTimer()
	o.stopLogStreamer()

	defer func() {
		o.mu.Lock()
		o.session = nil
		o.state = Idle
		o.mu.Unlock()
	}()

	keys := append(append([]string{}, devServerKeys...), store.KeyIdleDeadline)
	if err := o.opts.Store.Delete(ctx, o.id, keys...); err != nil {
		log.Printf("orchestrator: %s: clear dev server state: %v", o.id, err)
	}

	chatID, ok, err := o.opts.Store.Get(ctx, o.id, store.KeyChatID)
	if err != nil || !ok || chatID == "" {
		log.Printf("orchestrator: %s: teardown without a bound chat id", o.id)
		return
	}

	if err := o.opts.Provider.Destroy(ctx, chatID); err != nil {
		log.Printf("orchestrator: %s: destroy sandbox: %v", o.id, err)
		o.emit(broadcast.SandboxStatus(broadcast.StatusError))
		return
	}
	log.Printf("orchestrator: %s: sandbox destroyed", o.id)
	o.emit(broadcast.SandboxStatus(broadcast.StatusExited))
}

// ready runs the full readiness chain.
func (o *Orchestrator) ready(ctx context.Context) error {
	if err := o.EnsureSandboxReady(ctx); err != nil {
		return err
	}
	return o.EnsureDevServerRunning(ctx)
}

// HandleInbound runs one chat turn: the runtime is brought up, the idle
// timer extended, and the message handed to the agent loop whose response
// is returned unmodified.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg transcript.Message) (*agent.Response, error) {
	if o.opts.Agent == nil {
		return nil, fmt.Errorf("orchestrator: no agent configured")
	}
	if err := o.ensureChatID(ctx); err != nil {
		return nil, err
	}
	if err := o.ResetIdleTimer(ctx); err != nil {
		log.Printf("orchestrator: %s: %v", o.id, err)
	}
	if err := o.ready(ctx); err != nil {
		return nil, err
	}

	sess := o.currentSession()
	if sess == nil {
		return nil, fmt.Errorf("orchestrator: %w", sandbox.ErrNoSandbox)
	}
	return o.opts.Agent.Run(ctx, agent.Turn{
		ConversationID: o.id,
		Message:        msg,
		Env: tools.Env{
			Session:        sess,
			Store:          o.opts.Store,
			ConversationID: o.id,
			HTTP:           o.opts.HTTP,
			Workspace:      o.opts.Workspace,
		},
		OnStep: func(ctx context.Context) {
			if err := o.ResetIdleTimer(ctx); err != nil {
				log.Printf("orchestrator: %s: %v", o.id, err)
			}
		},
	})
}

// PreviewURL brings the runtime up and returns the dev server's public URL.
func (o *Orchestrator) PreviewURL(ctx context.Context) (string, error) {
	if err := o.ensureChatID(ctx); err != nil {
		return "", err
	}
	if err := o.ready(ctx); err != nil {
		return "", err
	}
	if err := o.ResetIdleTimer(ctx); err != nil {
		log.Printf("orchestrator: %s: %v", o.id, err)
	}
	url, _, err := o.opts.Store.Get(ctx, o.id, store.KeyDevServerURL)
	if err != nil {
		return "", fmt.Errorf("orchestrator: read preview url: %w", err)
	}
	return url, nil
}

// Subscribe attaches l and brings it up to date: the sandbox status, the
// preview URL if one is known, then the stored log history.
func (o *Orchestrator) Subscribe(ctx context.Context, l broadcast.Listener) {
	o.hub.Attach(l)

	send := func(evt broadcast.Event) bool {
		if err := o.hub.SendTo(l.ID(), evt); err != nil {
			log.Printf("orchestrator: %s: initial state: %v", o.id, err)
			return false
		}
		return true
	}

	if !send(broadcast.SandboxStatus(o.healthStatus(ctx))) {
		return
	}
	if url, ok, err := o.opts.Store.Get(ctx, o.id, store.KeyDevServerURL); err != nil {
		log.Printf("orchestrator: %s: read preview url: %v", o.id, err)
	} else if ok && url != "" {
		if !send(broadcast.PreviewAvailable(url)) {
			return
		}
	}
	entries, err := o.logs.Entries(ctx)
	if err != nil {
		log.Printf("orchestrator: %s: %v", o.id, err)
		return
	}
	for _, e := range entries {
		if !send(broadcast.Log(e)) {
			return
		}
	}
}

// healthStatus maps the provider's view of the sandbox to a listener status.
func (o *Orchestrator) healthStatus(ctx context.Context) broadcast.Status {
	st, err := o.opts.Provider.State(ctx, o.id)
	if err != nil {
		return broadcast.StatusStarting
	}
	switch st {
	case sandbox.StateRunning, sandbox.StateHealthy:
		return broadcast.StatusStarted
	case sandbox.StateStopping, sandbox.StateStopped, sandbox.StateStoppedWithCode:
		return broadcast.StatusExited
	default:
		return broadcast.StatusStarting
	}
}

// Unsubscribe detaches and closes the listener with id.
func (o *Orchestrator) Unsubscribe(id string) {
	o.hub.Detach(id)
}

// Messages returns the persisted transcript.
func (o *Orchestrator) Messages(ctx context.Context) ([]transcript.Message, error) {
	msgs, err := transcript.Load(ctx, o.opts.Store, o.id)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	return msgs, nil
}

// SaveMessages overwrites the persisted transcript.
func (o *Orchestrator) SaveMessages(ctx context.Context, msgs []transcript.Message) error {
	return transcript.Save(ctx, o.opts.Store, o.id, msgs)
}

// Todos returns the conversation's task list.
func (o *Orchestrator) Todos(ctx context.Context) []tools.TodoInfo {
	return tools.LoadTodos(ctx, o.opts.Store, o.id)
}

// Logs returns the stored dev-server output.
func (o *Orchestrator) Logs(ctx context.Context) ([]broadcast.LogEntry, error) {
	entries, err := o.logs.Entries(ctx)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []broadcast.LogEntry{}
	}
	return entries, nil
}

// shutdown stops background work without tearing the sandbox down.
func (o *Orchestrator) shutdown() {
	o.stopTimer()
	o.stopLogStreamer()
}
