// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

// Package events provides a hook which republishes broker and session
// lifecycle changes as a stream of events to any number of listeners.
package events

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/mochi-mqtt/stomp"
	"github.com/mochi-mqtt/stomp/frames"
)

// ErrHookStopped indicates that a listener was requested from a stopped hook.
var ErrHookStopped = errors.New("event hook stopped")

// Type identifies the kind of lifecycle event.
type Type string

const (
	BrokerAvailability Type = "broker-availability" // the broker became available or unavailable
	SessionConnect     Type = "session-connect"     // a CONNECT frame was received
	SessionConnected   Type = "session-connected"   // a CONNECTED frame was sent
	SessionDisconnect  Type = "session-disconnect"  // a session ended
	SessionSubscribe   Type = "session-subscribe"   // a subscription was added
	SessionUnsubscribe Type = "session-unsubscribe" // a subscription was removed
)

// Event is a single lifecycle event.
type Event struct {
	Type         Type           `json:"type"`
	Time         time.Time      `json:"time"`
	Session      string         `json:"session,omitempty"`
	Listener     string         `json:"listener,omitempty"`
	Subscription string         `json:"subscription,omitempty"`
	Destination  string         `json:"destination,omitempty"`
	Headers      frames.Headers `json:"headers,omitempty"`
	Available    bool           `json:"available,omitempty"`
	Err          error          `json:"-"`
}

// Hook fans lifecycle events out to its listeners. Each listener receives
// every event raised after it was added, in the order the events were raised.
type Hook struct {
	stomp.HookBase
	mu        sync.Mutex
	listeners map[*Listener]struct{}
	stopped   bool
	now       func() time.Time
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "events"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		stomp.OnBrokerAvailability,
		stomp.OnConnect,
		stomp.OnSessionEstablished,
		stomp.OnDisconnect,
		stomp.OnSubscribed,
		stomp.OnUnsubscribed,
	}, []byte{b})
}

// Init is called when the hook is initialized.
func (h *Hook) Init(config any) error {
	if config != nil {
		return stomp.ErrInvalidConfigType
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = map[*Listener]struct{}{}
	h.stopped = false
	if h.now == nil {
		h.now = time.Now
	}

	return nil
}

// Stop closes every listener.
func (h *Hook) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.listeners {
		l.close()
	}

	h.listeners = map[*Listener]struct{}{}
	h.stopped = true
	return nil
}

// Listen adds a new listener to the hook.
func (h *Hook) Listen() (*Listener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil, ErrHookStopped
	}

	if h.listeners == nil {
		h.listeners = map[*Listener]struct{}{}
	}

	l := newListener(h)
	h.listeners[l] = struct{}{}
	return l, nil
}

// Len returns the number of active listeners.
func (h *Hook) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// remove detaches a listener from the hook.
func (h *Hook) remove(l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, l)
}

// emit stamps an event and appends it to the queue of every listener.
func (h *Hook) emit(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.now != nil {
		e.Time = h.now()
	} else {
		e.Time = time.Now()
	}

	for l := range h.listeners {
		l.push(e)
	}
}

// OnBrokerAvailability emits a BrokerAvailability event.
func (h *Hook) OnBrokerAvailability(available bool) {
	h.emit(Event{Type: BrokerAvailability, Available: available})
}

// OnConnect emits a SessionConnect event.
func (h *Hook) OnConnect(cl *stomp.Session, f frames.Frame) error {
	h.emit(Event{Type: SessionConnect, Session: cl.ID, Listener: cl.Net.Listener, Headers: redact(f.Headers)})
	return nil
}

// redact returns a copy of the headers without the passcode.
func redact(h frames.Headers) frames.Headers {
	out := h.Copy()
	out.Del(frames.HeaderPasscode)
	return out
}

// OnSessionEstablished emits a SessionConnected event carrying the
// headers of the CONNECT frame.
func (h *Hook) OnSessionEstablished(cl *stomp.Session, f frames.Frame) {
	h.emit(Event{Type: SessionConnected, Session: cl.ID, Listener: cl.Net.Listener, Headers: redact(f.Headers)})
}

// OnDisconnect emits a SessionDisconnect event.
func (h *Hook) OnDisconnect(cl *stomp.Session, err error) {
	h.emit(Event{Type: SessionDisconnect, Session: cl.ID, Listener: cl.Net.Listener, Err: err})
}

// OnSubscribed emits a SessionSubscribe event.
func (h *Hook) OnSubscribed(cl *stomp.Session, sub stomp.Subscription) {
	h.emit(Event{
		Type:         SessionSubscribe,
		Session:      cl.ID,
		Listener:     cl.Net.Listener,
		Subscription: sub.ID,
		Destination:  sub.Destination,
	})
}

// OnUnsubscribed emits a SessionUnsubscribe event.
func (h *Hook) OnUnsubscribed(cl *stomp.Session, sub stomp.Subscription) {
	h.emit(Event{
		Type:         SessionUnsubscribe,
		Session:      cl.ID,
		Listener:     cl.Net.Listener,
		Subscription: sub.ID,
		Destination:  sub.Destination,
	})
}

// Listener receives events from a hook. Events are buffered without limit
// until they are read from C, so a slow reader never blocks the broker and
// never misses an event.
type Listener struct {
	C <-chan Event // receives events in order; closed when the listener is closed

	hook    *Hook
	out     chan Event
	mu      sync.Mutex
	pending []Event
	ready   chan struct{}
	done    chan struct{}
	once    sync.Once
}

// newListener returns a running listener.
func newListener(h *Hook) *Listener {
	out := make(chan Event)
	l := &Listener{
		C:     out,
		hook:  h,
		out:   out,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	go l.run()
	return l
}

// push appends an event to the pending events of the listener.
func (l *Listener) push(e Event) {
	l.mu.Lock()
	l.pending = append(l.pending, e)
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// run moves pending events to the output channel until the listener is closed.
func (l *Listener) run() {
	defer close(l.out)
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for i, e := range batch {
			select {
			case l.out <- e:
			case <-l.done:
				return
			}
			batch[i] = Event{}
		}

		select {
		case <-l.ready:
		case <-l.done:
			return
		}
	}
}

// Close detaches the listener from its hook and closes C. Events which
// have not been read are discarded.
func (l *Listener) Close() {
	l.hook.remove(l)
	l.close()
}

// close stops the listener goroutine.
func (l *Listener) close() {
	l.once.Do(func() {
		close(l.done)
	})
}
