// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

// Package lifecycle provides a hook which logs the lifecycle of the broker
// and its sessions at info level.
package lifecycle

import (
	"bytes"

	"github.com/mochi-mqtt/stomp"
	"github.com/mochi-mqtt/stomp/frames"
)

// Options contains configuration settings for the lifecycle hook.
type Options struct {
	LogHeaders bool `yaml:"log_headers" json:"log_headers"` // include the frame headers of connect and subscribe events
}

// Hook logs broker availability changes, session connects and disconnects,
// and subscription changes.
type Hook struct {
	stomp.HookBase
	config *Options
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "lifecycle"
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
	if _, ok := config.(*Options); !ok && config != nil {
		return stomp.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	return nil
}

// OnBrokerAvailability logs the broker becoming available or unavailable.
func (h *Hook) OnBrokerAvailability(available bool) {
	h.Log.Info("broker availability", "available", available)
}

// OnConnect logs a CONNECT frame from a new session.
func (h *Hook) OnConnect(cl *stomp.Session, f frames.Frame) error {
	attrs := []any{"session", cl.ID, "remote", cl.Net.Remote, "listener", cl.Net.Listener}
	if h.config.LogHeaders {
		attrs = append(attrs, "headers", redact(f.Headers))
	}

	h.Log.Info("session connect", attrs...)
	return nil
}

// OnSessionEstablished logs a session which has been sent CONNECTED.
func (h *Hook) OnSessionEstablished(cl *stomp.Session, _ frames.Frame) {
	h.Log.Info("session connected",
		"session", cl.ID,
		"version", cl.Properties.Version,
		"heartbeat_send", cl.Properties.HeartbeatSend,
		"heartbeat_receive", cl.Properties.HeartbeatReceive)
}

// OnDisconnect logs a session ending, with the reason if there was one.
func (h *Hook) OnDisconnect(cl *stomp.Session, err error) {
	h.Log.Info("session disconnected", "session", cl.ID, "remote", cl.Net.Remote, "error", err)
}

// OnSubscribed logs a new subscription.
func (h *Hook) OnSubscribed(cl *stomp.Session, sub stomp.Subscription) {
	h.Log.Info("session subscribe", "session", cl.ID, "destination", sub.Destination, "id", sub.ID)
}

// OnUnsubscribed logs a removed subscription.
func (h *Hook) OnUnsubscribed(cl *stomp.Session, sub stomp.Subscription) {
	h.Log.Info("session unsubscribe", "session", cl.ID, "destination", sub.Destination, "id", sub.ID)
}

// redact returns a copy of the headers without the passcode.
func redact(h frames.Headers) frames.Headers {
	out := h.Copy()
	out.Del(frames.HeaderPasscode)
	return out
}
