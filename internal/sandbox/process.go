package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os/exec"
	"strings"
	"sync"
)

const (
	// subscriberBuffer is the per-subscriber channel capacity. Events for a
	// full subscriber are dropped so process output never blocks.
	subscriberBuffer = 256
	// maxPending caps output retained before the first subscriber attaches.
	maxPending = 1000
)

type localProcess struct {
	id   string
	done chan struct{}

	mu      sync.Mutex
	status  ProcessStatus
	exited  bool
	subs    map[int]chan LogEvent
	nextSub int
	pending []LogEvent
	dropped int64 // lines lost to a full subscriber or pending queue
}

// dropLogEvery throttles the drop warning to one per this many lost lines.
const dropLogEvery = 1000

func newLocalProcess(id string) *localProcess {
	return &localProcess{
		id:     id,
		done:   make(chan struct{}),
		status: ProcessRunning,
		subs:   make(map[int]chan LogEvent),
	}
}

func (p *localProcess) ID() string { return p.id }

func (p *localProcess) Status(ctx context.Context) (ProcessStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, nil
}

// publish fans ev out to subscribers, or holds it for the first one.
func (p *localProcess) publish(ev LogEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.subs) == 0 {
		if len(p.pending) < maxPending {
			p.pending = append(p.pending, ev)
		} else {
			p.noteDropLocked()
		}
		return
	}
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.noteDropLocked()
		}
	}
}

// noteDropLocked counts a lost line and logs the first and every
// dropLogEvery-th one. p.mu must be held.
func (p *localProcess) noteDropLocked() {
	p.dropped++
	if p.dropped == 1 || p.dropped%dropLogEvery == 0 {
		log.Printf("sandbox: process %s: log consumer too slow, %d lines dropped", p.id, p.dropped)
	}
}

// Dropped returns how many output lines were lost because no reader kept up.
func (p *localProcess) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *localProcess) subscribe(ctx context.Context) <-chan LogEvent {
	ch := make(chan LogEvent, subscriberBuffer)

	p.mu.Lock()
	for _, ev := range p.pending {
		select {
		case ch <- ev:
		default:
		}
	}
	p.pending = nil
	if p.exited {
		p.mu.Unlock()
		close(ch)
		return ch
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			p.unsubscribe(id)
		case <-p.done:
		}
	}()
	return ch
}

func (p *localProcess) unsubscribe(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.subs[id]; ok {
		delete(p.subs, id)
		close(ch)
	}
}

// exit records the final status and closes every subscriber.
func (p *localProcess) exit(waitErr error) {
	p.mu.Lock()
	switch {
	case waitErr == nil:
		p.status = ProcessCompleted
	default:
		p.status = ProcessFailed
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == -1 {
			p.status = ProcessKilled
		}
	}
	p.exited = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.mu.Unlock()
	close(p.done)
}

// lineWriter splits process output into lines and emits one LogEvent per
// line. A trailing partial line is emitted on Close.
type lineWriter struct {
	stream string
	emit   func(LogEvent)

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.buf.Write(p)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf.Next(idx + 1))
		w.emit(LogEvent{Stream: w.stream, Data: strings.TrimRight(line, "\r\n")})
	}
	return n, err
}

// Close emits any buffered partial line.
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(LogEvent{Stream: w.stream, Data: w.buf.String()})
		w.buf.Reset()
	}
	return nil
}
