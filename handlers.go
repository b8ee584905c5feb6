// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package stomp

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/mochi-mqtt/stomp/frames"
)

// defaultBrokerPrefix replaces the application prefix of a mapping with no SendTo.
const defaultBrokerPrefix = "/topic"

// Message is a SEND frame delivered to an application message handler.
type Message struct {
	Destination string         // the application destination the frame was sent to
	SessionID   string         // the session which sent the frame
	Headers     frames.Headers // the headers of the frame
	Body        []byte         // the frame body
}

// MessageHandlerFn handles a message sent to an application destination. A
// non-nil reply is published to the mapping's SendTo destination.
type MessageHandlerFn func(m Message) (reply []byte, err error)

// SubscribeHandlerFn handles a subscription to an application destination. A
// non-nil reply is sent only to the subscribing session.
type SubscribeHandlerFn func(sub Subscription) (reply []byte, err error)

// MessageMapping routes messages sent to an application destination to a handler.
type MessageMapping struct {
	Destination string           // the application destination, under an application prefix
	SendTo      string           // the broker destination replies are published to
	ContentType string           // the content-type of replies
	Handler     MessageHandlerFn // the handler for messages
}

// mappings contains the application handlers, keyed on exact destination.
type mappings struct {
	messages   map[string]MessageMapping
	subscribes map[string]SubscribeHandlerFn
	sync.RWMutex
}

// newMappings returns a new instance of mappings.
func newMappings() *mappings {
	return &mappings{
		messages:   map[string]MessageMapping{},
		subscribes: map[string]SubscribeHandlerFn{},
	}
}

// message returns the message mapping for a destination.
func (m *mappings) message(destination string) (MessageMapping, bool) {
	m.RLock()
	defer m.RUnlock()
	v, ok := m.messages[destination]
	return v, ok
}

// subscribe returns the subscribe handler for a destination.
func (m *mappings) subscribe(destination string) (SubscribeHandlerFn, bool) {
	m.RLock()
	defer m.RUnlock()
	v, ok := m.subscribes[destination]
	return v, ok
}

// OnMessage maps an application destination to a handler whose replies are
// published to the destination with its application prefix replaced by /topic,
// so a handler for /app/greeting replies to /topic/greeting.
func (s *Server) OnMessage(destination string, handler MessageHandlerFn) error {
	return s.AddMessageMapping(MessageMapping{
		Destination: destination,
		Handler:     handler,
	})
}

// AddMessageMapping adds a message mapping to the server.
func (s *Server) AddMessageMapping(m MessageMapping) error {
	if !s.isAppDestination(m.Destination) {
		return fmt.Errorf("%w: %s", ErrMappingNotApp, m.Destination)
	}

	if m.SendTo == "" {
		m.SendTo = s.defaultSendTo(m.Destination)
	}

	if m.ContentType == "" {
		m.ContentType = textContentType
	}

	s.mappings.Lock()
	defer s.mappings.Unlock()
	if _, ok := s.mappings.messages[m.Destination]; ok {
		return fmt.Errorf("%w: %s", ErrMappingExists, m.Destination)
	}

	s.mappings.messages[m.Destination] = m
	s.Log.Debug("added message mapping", "destination", m.Destination, "send_to", m.SendTo)
	return nil
}

// OnSubscribe maps an application destination to a handler which is called
// whenever a session subscribes to it. The reply is sent directly to the
// subscriber, and no other session receives it.
func (s *Server) OnSubscribe(destination string, handler SubscribeHandlerFn) error {
	if !s.isAppDestination(destination) {
		return fmt.Errorf("%w: %s", ErrMappingNotApp, destination)
	}

	s.mappings.Lock()
	defer s.mappings.Unlock()
	if _, ok := s.mappings.subscribes[destination]; ok {
		return fmt.Errorf("%w: %s", ErrMappingExists, destination)
	}

	s.mappings.subscribes[destination] = handler
	s.Log.Debug("added subscribe mapping", "destination", destination)
	return nil
}

// defaultSendTo returns the broker destination for an application destination.
func (s *Server) defaultSendTo(destination string) string {
	for _, p := range s.Options.AppPrefixes {
		p = strings.TrimSuffix(p, "/")
		if destination == p || strings.HasPrefix(destination, p+"/") {
			return defaultBrokerPrefix + strings.TrimPrefix(destination, p)
		}
	}

	return destination
}

// handleMessage passes a SEND frame to the handler of a message mapping and
// publishes any reply.
func (s *Server) handleMessage(cl *Session, m MessageMapping, f frames.Frame) error {
	reply, err := m.Handler(Message{
		Destination: m.Destination,
		SessionID:   cl.ID,
		Headers:     f.Headers.Copy(),
		Body:        f.Body,
	})
	if err != nil {
		return s.handlerError(cl, m.Destination, err)
	}

	if reply == nil {
		return nil
	}

	out := frames.New(frames.Send,
		frames.HeaderDestination, m.SendTo,
		frames.HeaderContentType, m.ContentType,
	)
	out.Body = reply

	if !s.Available() {
		atomic.AddInt64(&s.Info.MessagesDropped, 1)
		s.hooks.OnPublishDropped(cl, out, frames.ErrBrokerUnavailable)
		return nil
	}

	s.publishToSubscribers(out)
	s.hooks.OnPublished(cl, out)
	return nil
}

// replyToSubscription calls a subscribe handler and sends any reply to the
// new subscription only.
func (s *Server) replyToSubscription(cl *Session, sub Subscription, h SubscribeHandlerFn) error {
	reply, err := h(sub)
	if err != nil {
		return s.handlerError(cl, sub.Destination, err)
	}

	if reply == nil {
		return nil
	}

	headers := frames.Headers{{Key: frames.HeaderContentType, Value: textContentType}}
	return cl.Enqueue(frames.NewMessage(sub.Destination, sub.ID, xid.New().String(), headers, reply))
}

// handlerError reports an application handler failure. If the session
// subscribes to its user errors destination the failure is delivered there
// and the session continues, otherwise the failure ends the session.
func (s *Server) handlerError(cl *Session, destination string, err error) error {
	s.Log.Warn("application handler failed", "error", err, "session", cl.ID, "destination", destination)

	errorsDestination := strings.TrimSuffix(s.Options.UserPrefix, "/") + defaultErrorsDestination
	if cl.State.Subscriptions.Len() > 0 && len(cl.State.Subscriptions.ByDestination(errorsDestination)) > 0 {
		if serr := s.SendToSession(cl.ID, errorsDestination, []byte(err.Error())); serr == nil {
			return nil
		}
	}

	return fmt.Errorf("%w: %v", frames.ErrApplicationFailure, err)
}
