package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrListenerClosed is returned by Send after Close.
var ErrListenerClosed = errors.New("broadcast: listener closed")

// Listener receives encoded events. Send must not block.
type Listener interface {
	ID() string
	Send(data []byte) error
	Close()
}

// ChanListener buffers events for a transport write pump. When the buffer
// is full new events are dropped for this listener only.
type ChanListener struct {
	id      string
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewChanListener returns a listener with room for buffer pending events.
func NewChanListener(id string, buffer int) *ChanListener {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanListener{
		id:   id,
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (l *ChanListener) ID() string { return l.id }

func (l *ChanListener) Send(data []byte) error {
	select {
	case <-l.done:
		return ErrListenerClosed
	default:
	}
	select {
	case l.ch <- data:
	case <-l.done:
		return ErrListenerClosed
	default:
		l.dropped.Add(1)
	}
	return nil
}

// Close marks the listener closed. Pending events stay readable from C.
func (l *ChanListener) Close() {
	l.once.Do(func() { close(l.done) })
}

// C yields buffered events in send order.
func (l *ChanListener) C() <-chan []byte { return l.ch }

// Done is closed by Close.
func (l *ChanListener) Done() <-chan struct{} { return l.done }

// Dropped returns how many events were discarded on a full buffer.
func (l *ChanListener) Dropped() int64 { return l.dropped.Load() }
