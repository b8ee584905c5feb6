// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"log/slog"

	"github.com/mochi-mqtt/stomp"
	"github.com/mochi-mqtt/stomp/frames"
	"github.com/mochi-mqtt/stomp/hooks/storage"
	"github.com/mochi-mqtt/stomp/system"
)

// Options contains configuration settings for the debug output.
type Options struct {
	ShowFrameBody bool `yaml:"show_frame_body" json:"show_frame_body"` // include frame bodies (default false)
	ShowPasscodes bool `yaml:"show_passcodes" json:"show_passcodes"`   // show connecting session passcodes (default false)
}

// Hook is a debugging hook which logs additional low-level information from the server.
type Hook struct {
	stomp.HookBase
	config *Options
	Log    *slog.Logger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "debug"
}

// Provides indicates that this hook provides all methods.
func (h *Hook) Provides(b byte) bool {
	return true
}

// Init is called when the hook is initialized.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return stomp.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	return nil
}

// SetOpts is called when the hook receives inheritable server parameters.
func (h *Hook) SetOpts(l *slog.Logger, opts *stomp.HookOptions) {
	h.Log = l
	h.Log.Debug("", "method", "SetOpts")
}

// Stop is called when the hook is stopped.
func (h *Hook) Stop() error {
	h.Log.Debug("", "method", "Stop")
	return nil
}

// OnStarted is called when the server starts.
func (h *Hook) OnStarted() {
	h.Log.Debug("", "method", "OnStarted")
}

// OnStopped is called when the server stops.
func (h *Hook) OnStopped() {
	h.Log.Debug("", "method", "OnStopped")
}

// OnBrokerAvailability is called when the broker becomes available or unavailable.
func (h *Hook) OnBrokerAvailability(available bool) {
	h.Log.Debug("broker availability", "method", "OnBrokerAvailability", "available", available)
}

// OnSysInfoTick is called when the server publishes system info.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	h.Log.Debug("", "method", "OnSysInfoTick", "sessions", sys.SessionsConnected, "subscriptions", sys.Subscriptions)
}

// OnConnect is called when a new session sends a CONNECT frame.
func (h *Hook) OnConnect(cl *stomp.Session, f frames.Frame) error {
	h.Log.Debug(string(f.Command)+" << "+cl.ID, "m", h.frameMeta(f))
	return nil
}

// OnSessionEstablished is called when a session has been connected.
func (h *Hook) OnSessionEstablished(cl *stomp.Session, f frames.Frame) {
	h.Log.Debug("session established", "method", "OnSessionEstablished", "session", cl.ID, "version", cl.Properties.Version)
}

// OnDisconnect is called when a session is disconnected for any reason.
func (h *Hook) OnDisconnect(cl *stomp.Session, err error) {
	h.Log.Debug("session disconnected", "method", "OnDisconnect", "session", cl.ID, "error", err)
}

// OnSessionExpired is called when a stale session record is cleared.
func (h *Hook) OnSessionExpired(id string) {
	h.Log.Debug("session expired", "method", "OnSessionExpired", "session", id)
}

// OnFrameRead is called when a new frame is received from a session.
func (h *Hook) OnFrameRead(cl *stomp.Session, f frames.Frame) (frames.Frame, error) {
	h.Log.Debug(string(f.Command)+" << "+cl.ID, "m", h.frameMeta(f))
	return f, nil
}

// OnFrameSent is called when a frame is sent to a session.
func (h *Hook) OnFrameSent(cl *stomp.Session, f frames.Frame, b []byte) {
	h.Log.Debug(string(f.Command)+" >> "+cl.ID, "m", h.frameMeta(f), "len", len(b))
}

// OnFrameProcessed is called after a frame from a session has been processed.
func (h *Hook) OnFrameProcessed(cl *stomp.Session, f frames.Frame, err error) {
	if err != nil {
		h.Log.Debug("frame processing failed", "method", "OnFrameProcessed", "session", cl.ID, "command", string(f.Command), "error", err)
	}
}

// OnSubscribed is called when a session subscribes to a destination.
func (h *Hook) OnSubscribed(cl *stomp.Session, sub stomp.Subscription) {
	h.Log.Debug("subscribed", "method", "OnSubscribed", "session", cl.ID, "destination", sub.Destination, "id", sub.ID)
}

// OnUnsubscribed is called when a session unsubscribes from a destination.
func (h *Hook) OnUnsubscribed(cl *stomp.Session, sub stomp.Subscription) {
	h.Log.Debug("unsubscribed", "method", "OnUnsubscribed", "session", cl.ID, "destination", sub.Destination, "id", sub.ID)
}

// OnPublished is called when a message has been published to subscribers.
func (h *Hook) OnPublished(cl *stomp.Session, f frames.Frame) {
	h.Log.Debug("published", "method", "OnPublished", "m", h.frameMeta(f))
}

// OnPublishDropped is called when a message could not be published.
func (h *Hook) OnPublishDropped(cl *stomp.Session, f frames.Frame, err error) {
	h.Log.Debug("publish dropped", "method", "OnPublishDropped", "m", h.frameMeta(f), "error", err)
}

// StoredSessions is called when the server loads sessions from a store.
func (h *Hook) StoredSessions() (v []storage.Session, err error) {
	h.Log.Debug("", "method", "StoredSessions")
	return v, nil
}

// StoredSysInfo is called when the server restores system info from a store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	h.Log.Debug("", "method", "StoredSysInfo")
	return v, nil
}

// frameMeta adds additional command-specific metadata to the debug logs.
func (h *Hook) frameMeta(f frames.Frame) map[string]any {
	m := map[string]any{}
	switch f.Command {
	case frames.Connect, frames.Stomp:
		m["accept-version"] = f.Header(frames.HeaderAcceptVersion)
		m["host"] = f.Header(frames.HeaderHost)
		m["heart-beat"] = f.Header(frames.HeaderHeartBeat)
		m["login"] = f.Header(frames.HeaderLogin)
		if h.config.ShowPasscodes {
			m["passcode"] = f.Header(frames.HeaderPasscode)
		}
	case frames.Connected:
		m["version"] = f.Header(frames.HeaderVersion)
		m["session"] = f.Header(frames.HeaderSession)
		m["heart-beat"] = f.Header(frames.HeaderHeartBeat)
	case frames.Send:
		m["destination"] = f.Header(frames.HeaderDestination)
	case frames.Message:
		m["destination"] = f.Header(frames.HeaderDestination)
		m["subscription"] = f.Header(frames.HeaderSubscription)
		m["message-id"] = f.Header(frames.HeaderMessageID)
	case frames.Subscribe:
		m["destination"] = f.Header(frames.HeaderDestination)
		m["id"] = f.Header(frames.HeaderID)
	case frames.Unsubscribe:
		m["id"] = f.Header(frames.HeaderID)
	case frames.Receipt:
		m["receipt-id"] = f.Header(frames.HeaderReceiptID)
	case frames.Error:
		m["message"] = f.Header(frames.HeaderMessage)
	}

	if v := f.Header(frames.HeaderReceipt); v != "" {
		m["receipt"] = v
	}

	if h.config.ShowFrameBody && len(f.Body) > 0 {
		m["body"] = string(f.Body)
	}

	return m
}
