// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, thedevop, dgduncan

package stomp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mochi-mqtt/stomp/frames"
	"github.com/mochi-mqtt/stomp/hooks/storage"
	"github.com/mochi-mqtt/stomp/system"
)

const (
	SetOptions byte = iota
	OnSysInfoTick
	OnStarted
	OnStopped
	OnBrokerAvailability
	OnConnect
	OnSessionEstablished
	OnDisconnect
	OnSessionExpired
	OnFrameRead
	OnFrameSent
	OnFrameProcessed
	OnSubscribe
	OnSubscribed
	OnUnsubscribe
	OnUnsubscribed
	OnPublish
	OnPublished
	OnPublishDropped
	StoredSessions
	StoredSysInfo
)

var (
	// ErrInvalidConfigType indicates a different Type of config value was expected to what was received.
	ErrInvalidConfigType = errors.New("invalid config type provided")
)

// Hook provides an interface of handlers for different events which occur
// during the lifecycle of the broker. Hooks are called synchronously and in
// the order they were added, so every hook observes lifecycle events in the
// order they happened.
type Hook interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *HookOptions)
	OnStarted()
	OnStopped()
	OnBrokerAvailability(available bool)
	OnSysInfoTick(*system.Info)
	OnConnect(cl *Session, f frames.Frame) error
	OnSessionEstablished(cl *Session, f frames.Frame)
	OnDisconnect(cl *Session, err error)
	OnSessionExpired(id string)
	OnFrameRead(cl *Session, f frames.Frame) (frames.Frame, error) // triggers when a new frame is received, before it is processed
	OnFrameSent(cl *Session, f frames.Frame, b []byte)              // triggers when frame bytes have been written to the session
	OnFrameProcessed(cl *Session, f frames.Frame, err error)        // triggers after a frame from the session has been processed
	OnSubscribe(cl *Session, f frames.Frame) frames.Frame
	OnSubscribed(cl *Session, sub Subscription)
	OnUnsubscribe(cl *Session, f frames.Frame) frames.Frame
	OnUnsubscribed(cl *Session, sub Subscription)
	OnPublish(cl *Session, f frames.Frame) (frames.Frame, error)
	OnPublished(cl *Session, f frames.Frame)
	OnPublishDropped(cl *Session, f frames.Frame, err error)
	StoredSessions() ([]storage.Session, error)
	StoredSysInfo() (storage.SystemInfo, error)
}

// HookLoadConfig contains the hook and configuration as loaded from a configuration (usually file).
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// HookOptions contains values which are inherited from the server on initialisation.
type HookOptions struct {
	Capabilities *Capabilities
}

// Hooks is a slice of Hook interfaces to be called in sequence.
type Hooks struct {
	Log        *slog.Logger   // a logger for the hook (from the server)
	internal   atomic.Value   // a slice of []Hook
	wg         sync.WaitGroup // a waitgroup for syncing hook shutdown
	qty        int64          // the number of hooks in use
	sync.Mutex                // a mutex for locking when adding hooks
}

// Len returns the number of hooks added.
func (h *Hooks) Len() int64 {
	return atomic.LoadInt64(&h.qty)
}

// Provides returns true if any one hook provides any of the requested hook methods.
func (h *Hooks) Provides(b ...byte) bool {
	for _, hook := range h.GetAll() {
		for _, hb := range b {
			if hook.Provides(hb) {
				return true
			}
		}
	}

	return false
}

// Add adds and initializes a new hook.
func (h *Hooks) Add(hook Hook, config any) error {
	h.Lock()
	defer h.Unlock()

	err := hook.Init(config)
	if err != nil {
		return fmt.Errorf("failed initialising %s hook: %w", hook.ID(), err)
	}

	i, ok := h.internal.Load().([]Hook)
	if !ok {
		i = []Hook{}
	}

	i = append(i, hook)
	h.internal.Store(i)
	atomic.AddInt64(&h.qty, 1)
	h.wg.Add(1)

	return nil
}

// GetAll returns a slice of all the hooks.
func (h *Hooks) GetAll() []Hook {
	i, ok := h.internal.Load().([]Hook)
	if !ok {
		return []Hook{}
	}

	return i
}

// Stop indicates all attached hooks to gracefully end.
func (h *Hooks) Stop() {
	go func() {
		for _, hook := range h.GetAll() {
			h.Log.Info("stopping hook", "hook", hook.ID())
			if err := hook.Stop(); err != nil {
				h.Log.Debug("problem stopping hook", "error", err, "hook", hook.ID())
			}

			h.wg.Done()
		}
	}()

	h.wg.Wait()
}

// OnSysInfoTick is called when the system info values are refreshed.
func (h *Hooks) OnSysInfoTick(sys *system.Info) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSysInfoTick) {
			hook.OnSysInfoTick(sys)
		}
	}
}

// OnStarted is called when the server has successfully started.
func (h *Hooks) OnStarted() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStarted) {
			hook.OnStarted()
		}
	}
}

// OnStopped is called when the server has successfully stopped.
func (h *Hooks) OnStopped() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStopped) {
			hook.OnStopped()
		}
	}
}

// OnBrokerAvailability is called when the broker becomes available or unavailable.
func (h *Hooks) OnBrokerAvailability(available bool) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnBrokerAvailability) {
			hook.OnBrokerAvailability(available)
		}
	}
}

// OnConnect is called when a CONNECT frame is received, and may return an
// error to reject the connection.
func (h *Hooks) OnConnect(cl *Session, f frames.Frame) error {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnConnect) {
			err := hook.OnConnect(cl, f)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// OnSessionEstablished is called when a new session has been established
// and the CONNECTED frame has been issued.
func (h *Hooks) OnSessionEstablished(cl *Session, f frames.Frame) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSessionEstablished) {
			hook.OnSessionEstablished(cl, f)
		}
	}
}

// OnDisconnect is called exactly once when a session is torn down for any reason.
func (h *Hooks) OnDisconnect(cl *Session, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnDisconnect) {
			hook.OnDisconnect(cl, err)
		}
	}
}

// OnSessionExpired is called when a stored session record is found to be
// stale, such as after an unclean shutdown.
func (h *Hooks) OnSessionExpired(id string) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSessionExpired) {
			hook.OnSessionExpired(id)
		}
	}
}

// OnFrameRead is called when a frame is received from a session. Returning
// frames.ErrRejectFrame will drop the frame.
func (h *Hooks) OnFrameRead(cl *Session, f frames.Frame) (fx frames.Frame, err error) {
	fx = f
	for _, hook := range h.GetAll() {
		if hook.Provides(OnFrameRead) {
			nfx, err := hook.OnFrameRead(cl, fx)
			if err != nil {
				return fx, err
			}

			fx = nfx
		}
	}

	return
}

// OnFrameSent is called when a frame has been written to a session.
func (h *Hooks) OnFrameSent(cl *Session, f frames.Frame, b []byte) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnFrameSent) {
			hook.OnFrameSent(cl, f, b)
		}
	}
}

// OnFrameProcessed is called immediately after a frame from a session has been processed.
func (h *Hooks) OnFrameProcessed(cl *Session, f frames.Frame, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnFrameProcessed) {
			hook.OnFrameProcessed(cl, f, err)
		}
	}
}

// OnSubscribe is called when a session subscribes to a destination, and may
// modify the SUBSCRIBE frame.
func (h *Hooks) OnSubscribe(cl *Session, f frames.Frame) frames.Frame {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSubscribe) {
			f = hook.OnSubscribe(cl, f)
		}
	}
	return f
}

// OnSubscribed is called when a session has been subscribed to a destination.
func (h *Hooks) OnSubscribed(cl *Session, sub Subscription) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSubscribed) {
			hook.OnSubscribed(cl, sub)
		}
	}
}

// OnUnsubscribe is called when a session unsubscribes, and may modify the
// UNSUBSCRIBE frame.
func (h *Hooks) OnUnsubscribe(cl *Session, f frames.Frame) frames.Frame {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnUnsubscribe) {
			f = hook.OnUnsubscribe(cl, f)
		}
	}
	return f
}

// OnUnsubscribed is called when a session has been unsubscribed.
func (h *Hooks) OnUnsubscribed(cl *Session, sub Subscription) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnUnsubscribed) {
			hook.OnUnsubscribed(cl, sub)
		}
	}
}

// OnPublish is called when a session sends a SEND frame. The frame may be
// modified, or returning frames.ErrRejectFrame will drop it silently.
func (h *Hooks) OnPublish(cl *Session, f frames.Frame) (fx frames.Frame, err error) {
	fx = f
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublish) {
			nfx, err := hook.OnPublish(cl, fx)
			if err != nil {
				if errors.Is(err, frames.ErrRejectFrame) {
					h.Log.Debug("publish frame rejected", "error", err, "hook", hook.ID(), "session", cl.ID)
				}
				return fx, err
			}

			fx = nfx
		}
	}

	return fx, nil
}

// OnPublished is called when a SEND frame has been routed to subscribers.
func (h *Hooks) OnPublished(cl *Session, f frames.Frame) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublished) {
			hook.OnPublished(cl, f)
		}
	}
}

// OnPublishDropped is called when a message could not be delivered to a
// subscribing session, such as when its outbound queue is full.
func (h *Hooks) OnPublishDropped(cl *Session, f frames.Frame, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublishDropped) {
			hook.OnPublishDropped(cl, f, err)
		}
	}
}

// StoredSessions returns all stored session records, e.g. from a persistent
// store, so that stale records can be expired on start.
func (h *Hooks) StoredSessions() (v []storage.Session, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredSessions) {
			v, err := hook.StoredSessions()
			if err != nil {
				h.Log.Error("failed to load sessions", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredSysInfo returns a set of system info values.
func (h *Hooks) StoredSysInfo() (v storage.SystemInfo, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredSysInfo) {
			v, err := hook.StoredSysInfo()
			if err != nil {
				h.Log.Error("failed to load system info", "error", err, "hook", hook.ID())
				return v, err
			}

			if v.Version != "" {
				return v, nil
			}
		}
	}

	return
}

// HookBase provides a set of default methods for each hook. It should be embedded in
// all hooks.
type HookBase struct {
	Hook
	Log  *slog.Logger
	Opts *HookOptions
}

// ID returns the ID of the hook.
func (h *HookBase) ID() string {
	return "base"
}

// Provides indicates which methods a hook provides. The default is none - this method
// should be overridden by the embedding hook.
func (h *HookBase) Provides(b byte) bool {
	return false
}

// Init performs any pre-start initializations for the hook, such as connecting to databases
// or opening files.
func (h *HookBase) Init(config any) error {
	return nil
}

// SetOpts is called by the server to propagate internal values and generally should
// not be called manually.
func (h *HookBase) SetOpts(l *slog.Logger, opts *HookOptions) {
	h.Log = l
	h.Opts = opts
}

// Stop is called to gracefully shut down the hook.
func (h *HookBase) Stop() error {
	return nil
}

// OnStarted is called when the server starts.
func (h *HookBase) OnStarted() {}

// OnStopped is called when the server stops.
func (h *HookBase) OnStopped() {}

// OnBrokerAvailability is called when the broker availability changes.
func (h *HookBase) OnBrokerAvailability(available bool) {}

// OnSysInfoTick is called when the server publishes system info.
func (h *HookBase) OnSysInfoTick(*system.Info) {}

// OnConnect is called when a new session connects.
func (h *HookBase) OnConnect(cl *Session, f frames.Frame) error {
	return nil
}

// OnSessionEstablished is called when a session has been established.
func (h *HookBase) OnSessionEstablished(cl *Session, f frames.Frame) {}

// OnDisconnect is called when a session is disconnected for any reason.
func (h *HookBase) OnDisconnect(cl *Session, err error) {}

// OnSessionExpired is called when a stored session record has expired.
func (h *HookBase) OnSessionExpired(id string) {}

// OnFrameRead is called when a frame is received.
func (h *HookBase) OnFrameRead(cl *Session, f frames.Frame) (frames.Frame, error) {
	return f, nil
}

// OnFrameSent is called immediately after a frame is written to a session.
func (h *HookBase) OnFrameSent(cl *Session, f frames.Frame, b []byte) {}

// OnFrameProcessed is called immediately after a frame from a session is processed.
func (h *HookBase) OnFrameProcessed(cl *Session, f frames.Frame, err error) {}

// OnSubscribe is called when a session subscribes to a destination.
func (h *HookBase) OnSubscribe(cl *Session, f frames.Frame) frames.Frame {
	return f
}

// OnSubscribed is called when a session subscribes to a destination.
func (h *HookBase) OnSubscribed(cl *Session, sub Subscription) {}

// OnUnsubscribe is called when a session unsubscribes.
func (h *HookBase) OnUnsubscribe(cl *Session, f frames.Frame) frames.Frame {
	return f
}

// OnUnsubscribed is called when a session unsubscribes.
func (h *HookBase) OnUnsubscribed(cl *Session, sub Subscription) {}

// OnPublish is called when a session sends a message.
func (h *HookBase) OnPublish(cl *Session, f frames.Frame) (frames.Frame, error) {
	return f, nil
}

// OnPublished is called when a session has sent a message to subscribers.
func (h *HookBase) OnPublished(cl *Session, f frames.Frame) {}

// OnPublishDropped is called when a message to a session was dropped.
func (h *HookBase) OnPublishDropped(cl *Session, f frames.Frame, err error) {}

// StoredSessions returns all session records from a store.
func (h *HookBase) StoredSessions() (v []storage.Session, err error) {
	return
}

// StoredSysInfo returns a set of system info values.
func (h *HookBase) StoredSysInfo() (v storage.SystemInfo, err error) {
	return
}
