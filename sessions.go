// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package stomp

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/mochi-mqtt/stomp/frames"
	"github.com/mochi-mqtt/stomp/hooks/storage"
)

var (
	ErrConnectionClosed = errors.New("connection not open") // connection is closed
)

// Status is the position of a session in its lifecycle.
type Status uint32

const (
	StatusConnecting   Status = iota // transport open, waiting for CONNECT
	StatusConnected                  // CONNECTED sent, frames are being processed
	StatusDisconnected               // terminal
)

// String returns the name of the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ReadFn is the function signature for the function used for handling frames
// read from a session.
type ReadFn func(*Session, frames.Frame) error

// Sessions is a registry of the connected sessions, keyed on session id. The
// registry keeps the destination router consistent with the subscriptions
// held by each session.
type Sessions struct {
	internal map[string]*Session // sessions known by the broker, keyed on session id.
	router   *Router
	sync.RWMutex
}

// NewSessions returns an instance of Sessions indexing subscriptions into router.
func NewSessions(router *Router) *Sessions {
	if router == nil {
		router = NewRouter()
	}

	return &Sessions{
		internal: make(map[string]*Session),
		router:   router,
	}
}

// Create registers a new detached session with the given id, replacing any
// existing session with the same id.
func (cl *Sessions) Create(id string) *Session {
	s := newSession(nil, nil)
	s.ID = id
	cl.Add(s)
	return s
}

// Add adds a session to the registry.
func (cl *Sessions) Add(val *Session) {
	cl.Lock()
	defer cl.Unlock()
	cl.internal[val.ID] = val
}

// GetAll returns all the sessions.
func (cl *Sessions) GetAll() map[string]*Session {
	cl.RLock()
	defer cl.RUnlock()
	m := map[string]*Session{}
	for k, v := range cl.internal {
		m[k] = v
	}
	return m
}

// Get returns the value of a session if it exists, or ErrNotFound.
func (cl *Sessions) Get(id string) (*Session, error) {
	cl.RLock()
	defer cl.RUnlock()
	val, ok := cl.internal[id]
	if !ok {
		return nil, frames.ErrNotFound
	}

	return val, nil
}

// Len returns the length of the sessions map.
func (cl *Sessions) Len() int {
	cl.RLock()
	defer cl.RUnlock()
	return len(cl.internal)
}

// Remove removes a session from the registry along with all of its
// subscriptions. It returns false if the session was not registered, so
// calling it more than once is safe.
func (cl *Sessions) Remove(id string) bool {
	cl.Lock()
	s, ok := cl.internal[id]
	delete(cl.internal, id)
	cl.Unlock()

	if !ok {
		return false
	}

	for _, sub := range s.State.Subscriptions.GetAll() {
		cl.router.Remove(sub)
		s.State.Subscriptions.Delete(sub.ID)
	}

	return true
}

// GetByListener returns sessions matching a listener id.
func (cl *Sessions) GetByListener(id string) []*Session {
	cl.RLock()
	defer cl.RUnlock()
	sessions := make([]*Session, 0, len(cl.internal))
	for _, s := range cl.internal {
		if s.Net.Listener == id && !s.Closed() {
			sessions = append(sessions, s)
		}
	}
	sortSessions(sessions)
	return sessions
}

// RecordHeartbeat marks a session as having been seen at time t.
func (cl *Sessions) RecordHeartbeat(id string, t time.Time) error {
	s, err := cl.Get(id)
	if err != nil {
		return err
	}

	s.recordSeen(t)
	return nil
}

// Subscribe adds a subscription to a session and indexes it in the router.
func (cl *Sessions) Subscribe(id, subID, destination string) (Subscription, error) {
	s, err := cl.Get(id)
	if err != nil {
		return Subscription{}, err
	}

	sub := Subscription{
		ID:          subID,
		Destination: destination,
		SessionID:   id,
	}

	return sub, cl.subscribe(s, sub)
}

// subscribe adds a fully formed subscription to a session. The registry lock
// is held throughout, so a subscription is never indexed for a session which
// Remove has already released.
func (cl *Sessions) subscribe(s *Session, sub Subscription) error {
	cl.RLock()
	defer cl.RUnlock()
	if cl.internal[s.ID] != s {
		return frames.ErrNotFound
	}

	if !s.State.Subscriptions.Add(sub) {
		return frames.ErrDuplicateSubscription
	}

	cl.router.Add(sub)
	return nil
}

// Unsubscribe removes a subscription from a session and the router.
func (cl *Sessions) Unsubscribe(id, subID string) (Subscription, error) {
	s, err := cl.Get(id)
	if err != nil {
		return Subscription{}, err
	}

	sub, ok := s.State.Subscriptions.Get(subID)
	if !ok {
		return Subscription{}, frames.ErrNotFound
	}

	s.State.Subscriptions.Delete(subID)
	cl.router.Remove(sub)
	return sub, nil
}

// SessionSubscriptions is a map of subscriptions held by a session, keyed on
// subscription id.
type SessionSubscriptions struct {
	internal map[string]Subscription
	sync.RWMutex
}

// NewSessionSubscriptions returns a new instance of SessionSubscriptions.
func NewSessionSubscriptions() *SessionSubscriptions {
	return &SessionSubscriptions{
		internal: map[string]Subscription{},
	}
}

// Add adds a subscription, returning false if the id is already in use.
func (s *SessionSubscriptions) Add(val Subscription) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.internal[val.ID]; ok {
		return false
	}

	s.internal[val.ID] = val
	return true
}

// Get returns a subscription by id.
func (s *SessionSubscriptions) Get(id string) (Subscription, bool) {
	s.RLock()
	defer s.RUnlock()
	val, ok := s.internal[id]
	return val, ok
}

// GetAll returns all subscriptions ordered by id.
func (s *SessionSubscriptions) GetAll() Subscriptions {
	s.RLock()
	out := make(Subscriptions, 0, len(s.internal))
	for _, v := range s.internal {
		out = append(out, v)
	}
	s.RUnlock()

	out.sort()
	return out
}

// ByDestination returns the subscriptions for an exact destination.
func (s *SessionSubscriptions) ByDestination(destination string) Subscriptions {
	var out Subscriptions
	for _, v := range s.GetAll() {
		if v.Destination == destination {
			out = append(out, v)
		}
	}
	return out
}

// Delete removes a subscription by id.
func (s *SessionSubscriptions) Delete(id string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal, id)
}

// Len returns the number of subscriptions.
func (s *SessionSubscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// Session is a single STOMP session over one transport connection.
type Session struct {
	Properties SessionProperties // properties negotiated when the session connected
	State      SessionState      // the operational state of the session.
	Net        SessionConnection // network connection state of the session
	ops        *ops              // ops provides a reference to server ops.
	ID         string            // the server-assigned session id.
	Created    int64             // the time the transport was accepted, in unix nanoseconds.
	sync.RWMutex                 // mutex
}

// SessionConnection contains the connection transport and metadata for the session.
type SessionConnection struct {
	Conn     net.Conn       // the net.Conn used to establish the connection
	reader   *frames.Reader // a frame reader over the connection
	Remote   string         // the remote address of the session
	Listener string         // listener id of the session
}

// SessionProperties contains the properties which define the session behaviour.
type SessionProperties struct {
	Version          string         // the negotiated protocol version
	Host             string         // the virtual host requested by the client
	Login            string         // the login header, if provided (not verified)
	Headers          frames.Headers // the headers of the CONNECT frame, less any passcode
	HeartbeatSend    time.Duration  // the interval at which the server sends heartbeats, 0 if disabled
	HeartbeatReceive time.Duration  // the interval within which the client must be heard from, 0 if disabled
}

// SessionState tracks the runtime state of the session.
type SessionState struct {
	Subscriptions *SessionSubscriptions // subscriptions held by the session
	queue         *DeliveryQueue        // frames waiting to be written, in order
	open          context.Context       // indicate that the session is open for goroutine loops
	cancelOpen    context.CancelFunc    // cancel function for the open context
	writeDone     chan struct{}         // closed when the write loop exits
	endOnce       sync.Once             // only stop once
	stopMu        sync.Mutex            // guards stopCause
	stopCause     error                 // reason for stopping
	status        uint32                // the lifecycle status, see Status
	released      uint32                // set once the server has torn the session down
	writing       uint32                // set while the write loop is running
	lastSeen      int64                 // the last time anything was read, in unix nanoseconds
	lastSent      int64                 // the last time anything was written, in unix nanoseconds
	disconnected  int64                 // the time the session disconnected in unix time
	pending       int64                 // bytes waiting in the shared outbound pool
}

// newSession returns a new instance of Session. This is almost exclusively used by Server
// for creating new sessions, but it lives here because it's not dependent.
func newSession(c net.Conn, o *ops) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UnixNano()
	cl := &Session{
		ID:      xid.New().String(),
		Created: now,
		State: SessionState{
			Subscriptions: NewSessionSubscriptions(),
			open:          ctx,
			cancelOpen:    cancel,
			writeDone:     make(chan struct{}),
			lastSeen:      now,
		},
		ops: o,
	}

	var limit int64
	maxFrame := 0
	if o != nil && o.options != nil && o.options.Capabilities != nil {
		limit = o.options.Capabilities.SendBufferSizeLimit
		maxFrame = int(o.options.Capabilities.MessageSizeLimit)
	}
	cl.State.queue = NewDeliveryQueue(limit)

	if c != nil {
		cl.Net = SessionConnection{
			Conn:   c,
			reader: frames.NewReader(c, maxFrame),
			Remote: c.RemoteAddr().String(),
		}
	}

	return cl
}

// Status returns the lifecycle status of the session.
func (cl *Session) Status() Status {
	return Status(atomic.LoadUint32(&cl.State.status))
}

// setStatus sets the lifecycle status of the session.
func (cl *Session) setStatus(s Status) {
	atomic.StoreUint32(&cl.State.status, uint32(s))
}

// LastSeen returns the last time anything was received from the session.
func (cl *Session) LastSeen() time.Time {
	return time.Unix(0, atomic.LoadInt64(&cl.State.lastSeen))
}

// recordSeen updates the time the session was last heard from.
func (cl *Session) recordSeen(t time.Time) {
	atomic.StoreInt64(&cl.State.lastSeen, t.UnixNano())
}

// Expired returns true if the session has negotiated incoming heartbeats and
// has not been heard from within the interval as at now.
func (cl *Session) Expired(now time.Time) bool {
	d := cl.Properties.HeartbeatReceive
	return d > 0 && now.Sub(cl.LastSeen()) > d
}

// ParseConnect populates the session properties from a CONNECT frame.
func (cl *Session) ParseConnect(listener string, f frames.Frame) {
	cl.Lock()
	defer cl.Unlock()

	cl.Net.Listener = listener
	cl.Properties.Host = f.Header(frames.HeaderHost)
	cl.Properties.Login = f.Header(frames.HeaderLogin)
	cl.Properties.Headers = f.Headers.Copy()
	cl.Properties.Headers.Del(frames.HeaderPasscode)
}

// refreshDeadline refreshes the read deadline for the net.Conn connection.
func (cl *Session) refreshDeadline(d time.Duration) {
	if cl.Net.Conn == nil {
		return
	}

	var expiry time.Time
	if d > 0 {
		expiry = time.Now().Add(d)
	}

	_ = cl.Net.Conn.SetReadDeadline(expiry)
}

// ReadFrame reads the next frame or heartbeat from the connection.
func (cl *Session) ReadFrame() (frames.Frame, error) {
	if cl.Net.reader == nil {
		return frames.Frame{}, ErrConnectionClosed
	}

	f, err := cl.Net.reader.Read()
	if err != nil {
		return f, err
	}

	cl.recordSeen(time.Now())
	if cl.ops != nil {
		atomic.AddInt64(&cl.ops.info.BytesReceived, int64(f.Size()))
		if !f.IsHeartbeat() {
			atomic.AddInt64(&cl.ops.info.FramesReceived, 1)
		}
	}

	return f, nil
}

// Read reads incoming frames from the connected session and passes them
// to the handler, until the session is closed or an error occurs.
func (cl *Session) Read(handler ReadFn) error {
	for {
		if cl.Closed() {
			return nil
		}

		cl.refreshDeadline(cl.Properties.HeartbeatReceive)
		f, err := cl.ReadFrame()
		if err != nil {
			return err
		}

		if f.IsHeartbeat() {
			continue
		}

		f, err = cl.ops.hooks.OnFrameRead(cl, f)
		if err != nil {
			if errors.Is(err, frames.ErrRejectFrame) {
				cl.ops.log.Debug("frame rejected by hook", "session", cl.ID, "frame", f.String())
				continue
			}
			return err
		}

		if err := handler(cl, f); err != nil {
			return err
		}
	}
}

// Enqueue adds a frame to the session's outbound delivery. If publish order
// is preserved the frame joins the session's FIFO queue, otherwise it is
// written by the shared outbound pool. ErrBackpressure is returned if the
// session's send buffer is full.
func (cl *Session) Enqueue(f frames.Frame) error {
	if cl.Closed() {
		return frames.ErrSessionTakenDown
	}

	if cl.ops == nil || cl.ops.outbound == nil || cl.ops.options.Capabilities.PreservePublishOrder {
		return cl.State.queue.Enqueue(f)
	}

	n := int64(f.Size())
	limit := cl.ops.options.Capabilities.SendBufferSizeLimit
	if pending := atomic.AddInt64(&cl.State.pending, n); limit > 0 && pending != n && pending > limit {
		atomic.AddInt64(&cl.State.pending, -n)
		return frames.ErrBackpressure
	}

	ok := cl.ops.outbound.Enqueue(func() {
		defer atomic.AddInt64(&cl.State.pending, -n)
		if cl.Closed() {
			return
		}

		err := cl.WriteFrame(f)
		if errors.Is(err, frames.ErrMalformedFrame) {
			cl.dropUnencodable(f, err)
		} else if err != nil {
			cl.Stop(err)
		}
	})

	if !ok {
		atomic.AddInt64(&cl.State.pending, -n)
		return frames.ErrServerShuttingDown
	}

	return nil
}

// WriteLoop drains the session's delivery queue to the connection in FIFO
// order, sending heartbeats when the outgoing interval passes without other
// traffic. It exits when the session is stopped, or when the queue has been
// closed and fully drained.
func (cl *Session) WriteLoop() {
	atomic.StoreUint32(&cl.State.writing, 1)
	defer close(cl.State.writeDone)
	defer atomic.StoreUint32(&cl.State.writing, 0)

	var timer *time.Timer
	var heartbeat <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		for {
			f, ok := cl.State.queue.Pop()
			if !ok {
				break
			}

			err := cl.WriteFrame(f)
			if errors.Is(err, frames.ErrMalformedFrame) {
				cl.dropUnencodable(f, err)
				continue
			}

			if err != nil {
				cl.Stop(err)
				return
			}
		}

		if cl.State.queue.Drained() {
			cl.Stop(nil)
			return
		}

		if timer == nil && cl.Properties.HeartbeatSend > 0 {
			timer = time.NewTimer(cl.untilHeartbeat())
			heartbeat = timer.C
		}

		select {
		case <-cl.State.open.Done():
			return
		case <-cl.State.queue.Ready():
		case <-heartbeat:
			wait := cl.untilHeartbeat()
			if wait <= 0 {
				if err := cl.WriteFrame(frames.Frame{}); err != nil {
					cl.Stop(err)
					return
				}
				wait = cl.Properties.HeartbeatSend
			}
			timer.Reset(wait)
		}
	}
}

// dropUnencodable discards a frame which cannot be encoded for the session's
// protocol version, such as a header containing an EOL sent to a STOMP 1.0
// session.
func (cl *Session) dropUnencodable(f frames.Frame, err error) {
	if cl.ops == nil {
		return
	}

	atomic.AddInt64(&cl.ops.info.MessagesDropped, 1)
	cl.ops.log.Warn("frame cannot be encoded for session", "error", err, "session", cl.ID, "version", cl.Properties.Version)
	cl.ops.hooks.OnPublishDropped(cl, f, err)
}

// untilHeartbeat returns the time remaining before a heartbeat is due, which
// is one outgoing interval after the last write of any kind.
func (cl *Session) untilHeartbeat() time.Duration {
	last := time.Unix(0, atomic.LoadInt64(&cl.State.lastSent))
	return cl.Properties.HeartbeatSend - time.Since(last)
}

// WriteFrame encodes and writes a frame to the connection immediately.
func (cl *Session) WriteFrame(f frames.Frame) error {
	cl.Lock()
	defer cl.Unlock()

	if cl.Net.Conn == nil {
		return ErrConnectionClosed
	}

	buf := new(bytes.Buffer)
	if err := f.EncodeVersion(buf, cl.Properties.Version); err != nil {
		return err
	}
	b := buf.Bytes()

	if cl.ops != nil && cl.ops.options.Capabilities.SendTimeLimit > 0 {
		_ = cl.Net.Conn.SetWriteDeadline(time.Now().Add(cl.ops.options.Capabilities.SendTimeLimit))
	}

	n, err := cl.Net.Conn.Write(b)
	if err != nil {
		return err
	}

	atomic.StoreInt64(&cl.State.lastSent, time.Now().UnixNano())
	if cl.ops == nil {
		return nil
	}

	atomic.AddInt64(&cl.ops.info.BytesSent, int64(n))
	if f.IsHeartbeat() {
		return nil
	}

	atomic.AddInt64(&cl.ops.info.FramesSent, 1)
	if f.Command == frames.Message {
		atomic.AddInt64(&cl.ops.info.MessagesSent, 1)
	}

	cl.ops.hooks.OnFrameSent(cl, f, b)
	return nil
}

// Finish delivers any frames already queued followed by f, then stops the
// session with cause. It is used for the final RECEIPT or ERROR frame of a
// session. Delivery is abandoned if it does not complete within the send
// time limit.
func (cl *Session) Finish(f frames.Frame, cause error) {
	cl.setStopCause(cause)

	if atomic.LoadUint32(&cl.State.writing) == 1 && cl.State.queue.Enqueue(f) == nil {
		cl.State.queue.Close()

		limit := time.Second * 15
		if cl.ops != nil && cl.ops.options.Capabilities.SendTimeLimit > 0 {
			limit = cl.ops.options.Capabilities.SendTimeLimit
		}

		select {
		case <-cl.State.writeDone:
		case <-time.After(limit):
		}
	} else {
		_ = cl.WriteFrame(f)
	}

	cl.Stop(cause)
}

// Stop instructs the session to close the connection and halt any pending
// delivery. Frames still queued are discarded.
func (cl *Session) Stop(err error) {
	cl.State.endOnce.Do(func() {
		cl.setStopCause(err)
		atomic.StoreInt64(&cl.State.disconnected, time.Now().Unix())
		cl.State.queue.Discard()

		if cl.Net.Conn != nil {
			_ = cl.Net.Conn.Close() // omit close error
		}

		cl.State.cancelOpen()
	})
}

// setStopCause records the first non-nil reason the session was stopped.
func (cl *Session) setStopCause(err error) {
	if err == nil {
		return
	}

	cl.State.stopMu.Lock()
	defer cl.State.stopMu.Unlock()
	if cl.State.stopCause == nil {
		cl.State.stopCause = err
	}
}

// StopCause returns the reason the session connection was stopped, if any.
func (cl *Session) StopCause() error {
	cl.State.stopMu.Lock()
	defer cl.State.stopMu.Unlock()
	return cl.State.stopCause
}

// StopTime returns the the time the session disconnected in unix time, else zero.
func (cl *Session) StopTime() int64 {
	return atomic.LoadInt64(&cl.State.disconnected)
}

// Closed returns true if session connection is closed.
func (cl *Session) Closed() bool {
	return cl.State.open == nil || cl.State.open.Err() != nil
}

// QueueLen returns the number of frames waiting in the session's delivery queue.
func (cl *Session) QueueLen() int {
	return cl.State.queue.Len()
}

// Record returns a storable record of the session.
func (cl *Session) Record() storage.Session {
	cl.RLock()
	defer cl.RUnlock()
	return storage.Session{
		ID:               cl.ID,
		T:                storage.SessionKey,
		Remote:           cl.Net.Remote,
		Listener:         cl.Net.Listener,
		Version:          cl.Properties.Version,
		Host:             cl.Properties.Host,
		Login:            cl.Properties.Login,
		Connected:        time.Unix(0, cl.Created).Unix(),
		HeartbeatSend:    cl.Properties.HeartbeatSend.Milliseconds(),
		HeartbeatReceive: cl.Properties.HeartbeatReceive.Milliseconds(),
	}
}

// sortSessions orders sessions by id.
func sortSessions(in []*Session) {
	sort.Slice(in, func(i, j int) bool {
		return in[i].ID < in[j].ID
	})
}
