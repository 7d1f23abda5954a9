package broadcast

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// Hub is the set of listeners attached to one conversation.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[string]Listener)}
}

// Attach registers l, replacing and closing any listener with the same id.
func (h *Hub) Attach(l Listener) {
	h.mu.Lock()
	old, ok := h.listeners[l.ID()]
	h.listeners[l.ID()] = l
	h.mu.Unlock()
	if ok && old != l {
		old.Close()
	}
}

// Detach removes and closes the listener with id, if attached.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	l, ok := h.listeners[id]
	delete(h.listeners, id)
	h.mu.Unlock()
	if ok {
		l.Close()
	}
}

// Count returns the number of attached listeners.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Broadcast encodes evt once and delivers it to every listener. A listener
// whose Send fails is detached; the others still receive the event.
func (h *Hub) Broadcast(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("broadcast: encode %s: %w", evt.Type, err)
	}

	h.mu.RLock()
	targets := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		targets = append(targets, l)
	}
	h.mu.RUnlock()

	for _, l := range targets {
		if err := l.Send(data); err != nil {
			log.Printf("broadcast: detach listener %s: %v", l.ID(), err)
			h.detachIf(l)
		}
	}
	return nil
}

// SendTo delivers evt to a single attached listener.
func (h *Hub) SendTo(id string, evt Event) error {
	h.mu.RLock()
	l, ok := h.listeners[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("broadcast: listener %s not attached", id)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("broadcast: encode %s: %w", evt.Type, err)
	}
	if err := l.Send(data); err != nil {
		h.detachIf(l)
		return fmt.Errorf("broadcast: send to %s: %w", id, err)
	}
	return nil
}

// detachIf removes l only if it is still the listener registered under its id.
func (h *Hub) detachIf(l Listener) {
	h.mu.Lock()
	cur, ok := h.listeners[l.ID()]
	if ok && cur == l {
		delete(h.listeners, l.ID())
	}
	h.mu.Unlock()
	l.Close()
}
