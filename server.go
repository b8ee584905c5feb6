// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package stomp provides a STOMP 1.0-1.2 message broker which relays frames
// between sessions connected over TCP or websockets, with application
// destinations handled in process.
package stomp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/mochi-mqtt/stomp/frames"
	"github.com/mochi-mqtt/stomp/hooks/storage"
	"github.com/mochi-mqtt/stomp/listeners"
	"github.com/mochi-mqtt/stomp/system"
)

const (
	Version                       = "1.0.0"                  // the current server version.
	ServerName                    = "mochi-stomp/" + Version // the value of the server header on CONNECTED frames.
	defaultSysInfoInterval  int64 = 1                        // the interval between system info refreshes, in seconds
	defaultConnectTimeout         = time.Second * 10         // the time allowed to send CONNECT if no heartbeat is configured
	defaultInboundWorkers         = 32                       // the number of inbound processing workers
	defaultOutboundWorkers        = 32                       // the number of shared outbound writers
	defaultWorkerQueueSize        = 1024                     // the size of each worker queue
	defaultErrorsDestination      = "/queue/errors"          // appended to the user prefix for handler errors
	textContentType               = "text/plain;charset=UTF-8"
)

var (
	ErrListenerIDExists  = errors.New("listener id already exists")                          // a listener with the same id already exists
	ErrMappingExists     = errors.New("a mapping already exists for the destination")         // a message or subscribe mapping was added twice
	ErrMappingNotApp     = errors.New("mapping destination is not under an application prefix") // mappings must use an application destination
	ErrOptionsUnreadable = errors.New("unable to read options from bytes")
)

// Capabilities indicates the capabilities and limits of the server.
type Capabilities struct {
	MaximumSessions      int64         `yaml:"maximum_sessions" json:"maximum_sessions"`             // maximum number of connected sessions
	HeartbeatSend        int64         `yaml:"heartbeat_send" json:"heartbeat_send"`                 // the server's outgoing heartbeat interval in ms, 0 to disable
	HeartbeatReceive     int64         `yaml:"heartbeat_receive" json:"heartbeat_receive"`           // the server's expected incoming heartbeat interval in ms, 0 to disable
	SendTimeLimit        time.Duration `yaml:"send_time_limit" json:"send_time_limit"`               // the maximum time a single write to a session may take
	SendBufferSizeLimit  int64         `yaml:"send_buffer_size_limit" json:"send_buffer_size_limit"` // the maximum bytes buffered for delivery to one session
	MessageSizeLimit     int64         `yaml:"message_size_limit" json:"message_size_limit"`         // the maximum size of an inbound frame
	PreservePublishOrder bool          `yaml:"preserve_publish_order" json:"preserve_publish_order"` // deliver frames to each session strictly in publish order
	PreserveReceiveOrder bool          `yaml:"preserve_receive_order" json:"preserve_receive_order"` // process frames from each session strictly in arrival order
	SupportedVersions    []string      `yaml:"supported_versions" json:"supported_versions"`         // protocol versions which may be negotiated
}

// NewDefaultServerCapabilities defines the default features and capabilities provided by the server.
func NewDefaultServerCapabilities() *Capabilities {
	return &Capabilities{
		MaximumSessions:      math.MaxInt64,
		HeartbeatSend:        10000,
		HeartbeatReceive:     20000,
		SendTimeLimit:        time.Second * 15,
		SendBufferSizeLimit:  512 * 1024,
		MessageSizeLimit:     128 * 1024,
		PreservePublishOrder: true,
		PreserveReceiveOrder: true,
		SupportedVersions:    []string{frames.Version10, frames.Version11, frames.Version12},
	}
}

// heartbeats returns the configured heartbeat intervals as durations.
func (c *Capabilities) heartbeats() (send, receive time.Duration) {
	return time.Duration(c.HeartbeatSend) * time.Millisecond, time.Duration(c.HeartbeatReceive) * time.Millisecond
}

// Options contains configurable options for the server.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Hooks specifies any hooks which should be dynamically added on serve. Used when setting hooks by config.
	Hooks []HookLoadConfig `yaml:"hooks" json:"hooks"`

	// Capabilities defines the server features and behaviour. If you only wish to modify
	// several of these values, set them explicitly - e.g.
	// 	server.Options.Capabilities.SendBufferSizeLimit = 1024 * 1024
	Capabilities *Capabilities `yaml:"capabilities" json:"capabilities"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the servers default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// SysInfoInterval specifies the interval between system info refreshes in seconds.
	SysInfoInterval int64 `yaml:"sys_info_interval" json:"sys_info_interval"`

	// InboundWorkers is the number of workers processing inbound frames, and
	// InboundQueueSize the number of frames each may have waiting.
	InboundWorkers   uint64 `yaml:"inbound_workers" json:"inbound_workers"`
	InboundQueueSize uint64 `yaml:"inbound_queue_size" json:"inbound_queue_size"`

	// OutboundWorkers is the number of shared writers used when publish order
	// is not preserved, and OutboundQueueSize the size of their queue.
	OutboundWorkers   uint64 `yaml:"outbound_workers" json:"outbound_workers"`
	OutboundQueueSize uint64 `yaml:"outbound_queue_size" json:"outbound_queue_size"`

	// AppPrefixes are the destination prefixes handled by message mappings.
	AppPrefixes []string `yaml:"app_prefixes" json:"app_prefixes"`

	// BrokerPrefixes are the destination prefixes relayed to subscribers.
	BrokerPrefixes []string `yaml:"broker_prefixes" json:"broker_prefixes"`

	// UserPrefix is the prefix of destinations private to a single session.
	UserPrefix string `yaml:"user_prefix" json:"user_prefix"`

	// RestoreSysInfoOnRestart restores cumulative counters from a storage hook on start.
	RestoreSysInfoOnRestart bool `yaml:"restore_sys_info_on_restart" json:"restore_sys_info_on_restart"`
}

// Server is a STOMP broker server. It should be created with server.New()
// in order to ensure all the internal fields are correctly populated.
type Server struct {
	Options    *Options             // configurable server options
	Listeners  *listeners.Listeners // listeners are network interfaces which listen for new connections
	Sessions   *Sessions            // sessions known to the broker
	Router     *Router              // an index of subscriptions by destination
	Info       *system.Info         // values about the server commonly known as system info
	Log        *slog.Logger         // structured logger
	loop       *loop                // loop contains tickers for the system event loop
	done       chan bool            // indicate that the server is ending
	hooks      *Hooks               // hooks contains hooks for extra functionality such as storage and lifecycle events
	handlers   map[frames.Command]frameHandler
	mappings   *mappings    // application message and subscribe mappings
	inbound    *FanPool     // per-session ordered inbound processing
	shared     *Pool        // unordered inbound processing
	outbound   *Pool        // shared writers used when publish order is not preserved
	connecting sync.Map     // sessions which have not yet completed CONNECT, keyed on id
	available  uint32       // 1 if the broker is available for publishing
	closeOnce  sync.Once    // only close once
}

// loop contains interval tickers for the system events loop.
type loop struct {
	sysInfo       *time.Ticker // interval ticker for refreshing system info
	sessionExpiry *time.Ticker // interval ticker for sweeping sessions with missed heartbeats
}

// ops contains server values which can be propagated to other structs.
type ops struct {
	options  *Options     // a pointer to the server options and capabilities, for referencing in sessions
	info     *system.Info // pointers to server system info
	hooks    *Hooks       // pointer to the server hooks
	log      *slog.Logger // a structured logger for the session
	outbound *Pool        // the shared outbound pool, nil if publish order is preserved
}

// frameHandler processes a frame received from a connected session.
type frameHandler func(cl *Session, f frames.Frame) error

// New returns a new instance of the broker. Optional parameters can be
// specified to override some default settings (see Options).
func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	router := NewRouter()
	s := &Server{
		done:      make(chan bool),
		Router:    router,
		Sessions:  NewSessions(router),
		Listeners: listeners.New(),
		loop: &loop{
			sysInfo:       time.NewTicker(time.Second * time.Duration(opts.SysInfoInterval)),
			sessionExpiry: time.NewTicker(time.Second),
		},
		Options: opts,
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log: opts.Logger,
		hooks: &Hooks{
			Log: opts.Logger,
		},
		mappings: newMappings(),
	}

	if opts.Capabilities.PreserveReceiveOrder {
		s.inbound = NewFanPool(opts.InboundWorkers, opts.InboundQueueSize)
	} else {
		s.shared = NewPool(opts.InboundWorkers, opts.InboundQueueSize)
	}

	if !opts.Capabilities.PreservePublishOrder {
		s.outbound = NewPool(opts.OutboundWorkers, opts.OutboundQueueSize)
	}

	s.handlers = map[frames.Command]frameHandler{
		frames.Connect:     s.processConnect,
		frames.Stomp:       s.processConnect,
		frames.Subscribe:   s.processSubscribe,
		frames.Unsubscribe: s.processUnsubscribe,
		frames.Send:        s.processSend,
		frames.Disconnect:  s.processDisconnect,
	}

	return s
}

// ensureDefaults ensures that the server starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultServerCapabilities()
	}

	if o.Capabilities.MaximumSessions == 0 {
		o.Capabilities.MaximumSessions = math.MaxInt64
	}

	if o.Capabilities.SendTimeLimit == 0 {
		o.Capabilities.SendTimeLimit = time.Second * 15
	}

	if o.Capabilities.SendBufferSizeLimit == 0 {
		o.Capabilities.SendBufferSizeLimit = 512 * 1024
	}

	if o.Capabilities.MessageSizeLimit == 0 {
		o.Capabilities.MessageSizeLimit = frames.DefaultMaximumFrameSize
	}

	if len(o.Capabilities.SupportedVersions) == 0 {
		o.Capabilities.SupportedVersions = []string{"1.0", "1.1", "1.2"}
	}

	if o.SysInfoInterval == 0 {
		o.SysInfoInterval = defaultSysInfoInterval
	}

	if o.InboundWorkers == 0 {
		o.InboundWorkers = defaultInboundWorkers
	}

	if o.InboundQueueSize == 0 {
		o.InboundQueueSize = defaultWorkerQueueSize
	}

	if o.OutboundWorkers == 0 {
		o.OutboundWorkers = defaultOutboundWorkers
	}

	if o.OutboundQueueSize == 0 {
		o.OutboundQueueSize = defaultWorkerQueueSize
	}

	if len(o.AppPrefixes) == 0 {
		o.AppPrefixes = []string{"/app"}
	}

	if len(o.BrokerPrefixes) == 0 {
		o.BrokerPrefixes = []string{"/topic", "/queue"}
	}

	if o.UserPrefix == "" {
		o.UserPrefix = "/user"
	}

	if o.Logger == nil {
		log := slog.New(slog.NewTextHandler(os.Stdout, nil))
		o.Logger = log
	}
}

// NewSession returns a new Session instance for a connection accepted by a
// listener, populated with all the required values and references to be
// used with the server.
func (s *Server) NewSession(c net.Conn, listener string) *Session {
	cl := newSession(c, &ops{
		options:  s.Options,
		info:     s.Info,
		hooks:    s.hooks,
		log:      s.Log,
		outbound: s.outbound,
	})

	cl.Net.Listener = listener
	return cl
}

// AddHook attaches a new Hook to the server. Ideally, this should be called
// before the server is started with s.Serve().
func (s *Server) AddHook(hook Hook, config any) error {
	nl := s.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{
		Capabilities: s.Options.Capabilities,
	})

	s.Log.Info("added hook", "hook", hook.ID())
	return s.hooks.Add(hook, config)
}

// AddHooksFromConfig adds hooks to the server which were specified in the hooks config (usually from a config file).
func (s *Server) AddHooksFromConfig(hooks []HookLoadConfig) error {
	for _, h := range hooks {
		if err := s.AddHook(h.Hook, h.Config); err != nil {
			return err
		}
	}
	return nil
}

// AddListener adds a new network listener to the server, for receiving incoming client connections.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := s.Log.With(slog.String("listener", l.ID()))
	err := l.Init(nl)
	if err != nil {
		return err
	}

	s.Listeners.Add(l)

	s.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the server which were specified in the listeners config (usually from a config file).
// New built-in listeners should be added to this list. Listeners which need
// an application handler, such as TypeHTTP, must be added with AddListener.
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeHealthCheck:
			l = listeners.NewHTTPHealthCheck(conf, s.Available)
		case listeners.TypeSysInfo:
			l = listeners.NewHTTPStats(conf, s.Info)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			s.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}
		if err := s.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts the event loops responsible for establishing sessions on all
// attached listeners, refreshing the system info, and starting all hooks. The
// broker becomes available once serving.
func (s *Server) Serve() error {
	s.Log.Info("mochi stomp starting", "version", Version)
	defer s.Log.Info("mochi stomp server started")

	if len(s.Options.Listeners) > 0 {
		err := s.AddListenersFromConfig(s.Options.Listeners)
		if err != nil {
			return err
		}
	}

	if len(s.Options.Hooks) > 0 {
		err := s.AddHooksFromConfig(s.Options.Hooks)
		if err != nil {
			return err
		}
	}

	if s.hooks.Provides(StoredSessions, StoredSysInfo) {
		err := s.readStore()
		if err != nil {
			return err
		}
	}

	go s.eventLoop()                            // spin up event loop for system values and session expiry.
	s.Listeners.ServeAll(s.EstablishConnection) // start listening on all listeners.
	s.publishSysInfo()                          // begin refreshing system values.
	s.hooks.OnStarted()
	s.SetAvailable(true)

	return nil
}

// eventLoop loops forever, running various server housekeeping methods at different intervals.
func (s *Server) eventLoop() {
	s.Log.Debug("system event loop started")
	defer s.Log.Debug("system event loop halted")

	for {
		select {
		case <-s.done:
			s.loop.sysInfo.Stop()
			s.loop.sessionExpiry.Stop()
			return
		case <-s.loop.sysInfo.C:
			s.publishSysInfo()
		case <-s.loop.sessionExpiry.C:
			s.clearExpiredSessions(time.Now())
		}
	}
}

// Available returns true if the broker is available to relay messages.
func (s *Server) Available() bool {
	return atomic.LoadUint32(&s.available) == 1
}

// SetAvailable changes the availability of the broker, notifying hooks if it
// has changed. While unavailable, Publish fails with ErrBrokerUnavailable and
// messages sent by sessions to broker destinations are dropped.
func (s *Server) SetAvailable(available bool) {
	var v uint32
	if available {
		v = 1
	}

	if atomic.SwapUint32(&s.available, v) == v {
		return
	}

	s.Log.Info("broker availability changed", "available", available)
	s.hooks.OnBrokerAvailability(available)
}

// EstablishConnection establishes a new session when a listener accepts a new connection.
func (s *Server) EstablishConnection(listener string, c net.Conn) error {
	cl := s.NewSession(c, listener)
	return s.attachSession(cl, listener)
}

// attachSession negotiates the CONNECT handshake for a new connection, and if
// successful, registers the session and processes its frames until the
// session ends.
func (s *Server) attachSession(cl *Session, listener string) error {
	s.Listeners.ClientsWg.Add(1)
	defer s.Listeners.ClientsWg.Done()

	s.connecting.Store(cl.ID, cl)
	f, err := s.readConnectFrame(cl)
	if err == nil {
		err = s.connect(cl, listener, f)
	}
	s.connecting.Delete(cl.ID)

	if err != nil {
		atomic.AddInt64(&s.Info.SessionsRejected, 1)
		var code frames.Code
		if errors.As(err, &code) {
			_ = cl.WriteFrame(frames.NewError(err, f.Header(frames.HeaderReceipt), ""))
		}
		s.teardown(cl, err)
		return fmt.Errorf("read connection: %w", err)
	}

	err = cl.Read(s.receiveFrame)
	err = s.readCause(cl, err)

	// the final teardown joins the session's inbound queue, so that frames
	// already received are processed before the session is released.
	done := make(chan struct{})
	fin := func() {
		defer close(done)
		var code frames.Code
		if errors.As(err, &code) && !cl.Closed() && frames.IsFatal(err) && !errors.Is(err, frames.ErrHeartbeatTimeout) {
			cl.Finish(frames.NewError(err, "", ""), err)
		}
		s.teardown(cl, err)
	}

	if !s.enqueueInbound(cl, fin) {
		fin()
	}
	<-done

	s.Log.Debug("session disconnected", "error", err, "session", cl.ID, "remote", cl.Net.Remote, "listener", listener)
	return err
}

// readConnectFrame reads the first frame of a connection, which must be
// CONNECT or STOMP. Heartbeats before the frame are ignored.
func (s *Server) readConnectFrame(cl *Session) (f frames.Frame, err error) {
	_, receive := s.Options.Capabilities.heartbeats()
	timeout := receive
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	cl.refreshDeadline(timeout)

	for {
		f, err = cl.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return f, err
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return f, frames.ErrHeartbeatTimeout
			}

			return f, err
		}

		if f.IsHeartbeat() {
			continue
		}

		if !f.Command.IsConnect() {
			return f, frames.ErrProtocolState
		}

		return f, nil
	}
}

// connect validates a CONNECT frame, negotiates the protocol version and
// heartbeats, and if acceptable, registers the session, sends CONNECTED and
// starts the session's write loop.
func (s *Server) connect(cl *Session, listener string, f frames.Frame) error {
	cl.ParseConnect(listener, f)

	version, ok := frames.NegotiateVersion(f.Header(frames.HeaderAcceptVersion), s.Options.Capabilities.SupportedVersions)
	if !ok {
		return frames.ErrUnsupportedVersion
	}

	cx, cy, err := frames.ParseHeartBeat(f.Header(frames.HeaderHeartBeat))
	if err != nil {
		return err
	}

	if !s.Info.ReserveSession(s.Options.Capabilities.MaximumSessions) {
		return frames.ErrSessionLimit
	}

	if err := s.hooks.OnConnect(cl, f); err != nil {
		s.Info.ReleaseSession()
		var code frames.Code
		if errors.As(err, &code) {
			return err
		}
		return fmt.Errorf("%w: %v", frames.ErrConnectRejected, err)
	}

	sx, sy := s.Options.Capabilities.heartbeats()
	out, in := frames.NegotiateHeartBeat(cx, cy, sx, sy)

	cl.Lock()
	cl.Properties.Version = version
	cl.Properties.HeartbeatSend = out
	cl.Properties.HeartbeatReceive = in
	if cl.Net.reader != nil {
		cl.Net.reader.SetVersion(version)
	}
	cl.Unlock()

	connected := frames.NewConnected(version, cl.ID, ServerName, out, in)
	if err := cl.WriteFrame(connected); err != nil {
		s.Info.ReleaseSession()
		return err
	}

	s.Sessions.Add(cl)
	cl.setStatus(StatusConnected)
	go cl.WriteLoop()

	s.Log.Debug("session established", "session", cl.ID, "remote", cl.Net.Remote, "listener", listener, "version", version)
	s.hooks.OnSessionEstablished(cl, f)
	return nil
}

// readCause converts the error which ended a session's read loop into the
// reason the session ended.
func (s *Server) readCause(cl *Session, err error) error {
	if cause := cl.StopCause(); cause != nil {
		return cause
	}

	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return frames.ErrHeartbeatTimeout
	}

	return err
}

// enqueueInbound queues a task for the session on the inbound workers. Tasks
// for one session run in order if receive order is preserved.
func (s *Server) enqueueInbound(cl *Session, task func()) bool {
	if s.inbound != nil {
		return s.inbound.Enqueue(cl.ID, task)
	}

	return s.shared.Enqueue(task)
}

// receiveFrame hands a frame read from a session to the inbound workers.
func (s *Server) receiveFrame(cl *Session, f frames.Frame) error {
	ok := s.enqueueInbound(cl, func() {
		if cl.Closed() {
			return
		}

		if err := s.processFrame(cl, f); err != nil {
			s.frameError(cl, f, err)
		}
	})

	if !ok {
		return frames.ErrServerShuttingDown
	}

	return nil
}

// processFrame dispatches a frame from a connected session to its handler
// and issues a receipt if one was requested.
func (s *Server) processFrame(cl *Session, f frames.Frame) error {
	handler, ok := s.handlers[f.Command]
	if !ok || cl.Status() != StatusConnected {
		err := frames.ErrProtocolState
		s.hooks.OnFrameProcessed(cl, f, err)
		return err
	}

	err := handler(cl, f)
	s.hooks.OnFrameProcessed(cl, f, err)
	if err != nil {
		return err
	}

	if receipt := f.Header(frames.HeaderReceipt); receipt != "" && f.Command != frames.Disconnect {
		return cl.Enqueue(frames.NewReceipt(receipt))
	}

	return nil
}

// frameError responds to a frame which could not be processed. Errors which
// are fatal to the session end it after an ERROR frame, and others are
// reported with an ERROR frame while the session stays open.
func (s *Server) frameError(cl *Session, f frames.Frame, err error) {
	s.Log.Warn("error processing frame", "error", err, "session", cl.ID, "listener", cl.Net.Listener, "frame", f.String())

	ef := frames.NewError(err, f.Header(frames.HeaderReceipt), "")
	if frames.IsFatal(err) {
		cl.Finish(ef, err)
		return
	}

	if err := cl.Enqueue(ef); err != nil {
		cl.Stop(err)
	}
}

// processConnect rejects a CONNECT frame received after the session is connected.
func (s *Server) processConnect(cl *Session, _ frames.Frame) error {
	return frames.ErrProtocolState
}

// processSubscribe processes a SUBSCRIBE frame.
func (s *Server) processSubscribe(cl *Session, f frames.Frame) error {
	f = s.hooks.OnSubscribe(cl, f)

	destination := f.Header(frames.HeaderDestination)
	id := f.Header(frames.HeaderID)
	if destination == "" || id == "" {
		return fmt.Errorf("%w: %s and %s are required", frames.ErrMissingHeader, frames.HeaderDestination, frames.HeaderID)
	}

	sub := Subscription{
		ID:          id,
		Destination: destination,
		SessionID:   cl.ID,
		Ack:         f.Header(frames.HeaderAck),
	}

	if err := s.Sessions.subscribe(cl, sub); err != nil {
		return err
	}

	s.refreshSubscriptionInfo()
	s.Log.Debug("session subscribed", "session", cl.ID, "destination", destination, "id", id)
	s.hooks.OnSubscribed(cl, sub)

	if h, ok := s.mappings.subscribe(destination); ok {
		return s.replyToSubscription(cl, sub, h)
	}

	return nil
}

// processUnsubscribe processes an UNSUBSCRIBE frame. Unknown subscription ids are ignored.
func (s *Server) processUnsubscribe(cl *Session, f frames.Frame) error {
	f = s.hooks.OnUnsubscribe(cl, f)

	id := f.Header(frames.HeaderID)
	if id == "" {
		return fmt.Errorf("%w: %s is required", frames.ErrMissingHeader, frames.HeaderID)
	}

	sub, err := s.Sessions.Unsubscribe(cl.ID, id)
	if errors.Is(err, frames.ErrNotFound) {
		s.Log.Debug("unsubscribe for unknown subscription", "session", cl.ID, "id", id)
		return nil
	} else if err != nil {
		return err
	}

	s.refreshSubscriptionInfo()

	s.Log.Debug("session unsubscribed", "session", cl.ID, "destination", sub.Destination, "id", id)
	s.hooks.OnUnsubscribed(cl, sub)
	return nil
}

// processSend processes a SEND frame, passing it to a message mapping for
// application destinations or relaying it to subscribers for broker
// destinations.
func (s *Server) processSend(cl *Session, f frames.Frame) error {
	destination := f.Header(frames.HeaderDestination)
	if destination == "" {
		return fmt.Errorf("%w: %s is required", frames.ErrMissingHeader, frames.HeaderDestination)
	}

	atomic.AddInt64(&s.Info.MessagesReceived, 1)

	f, err := s.hooks.OnPublish(cl, f)
	if err != nil {
		if errors.Is(err, frames.ErrRejectFrame) {
			return nil
		}
		return err
	}

	if s.isAppDestination(destination) {
		m, ok := s.mappings.message(destination)
		if !ok {
			s.Log.Debug("no mapping for application destination", "session", cl.ID, "destination", destination)
			return nil
		}

		return s.handleMessage(cl, m, f)
	}

	if !hasPrefix(destination, s.Options.BrokerPrefixes...) {
		s.Log.Debug("dropped message for unrelayed destination", "session", cl.ID, "destination", destination)
		return nil
	}

	if !s.Available() {
		atomic.AddInt64(&s.Info.MessagesDropped, 1)
		s.hooks.OnPublishDropped(cl, f, frames.ErrBrokerUnavailable)
		return nil
	}

	s.publishToSubscribers(f)
	s.hooks.OnPublished(cl, f)
	return nil
}

// processDisconnect processes a DISCONNECT frame. Any requested receipt is
// delivered after all frames already queued for the session.
func (s *Server) processDisconnect(cl *Session, f frames.Frame) error {
	if receipt := f.Header(frames.HeaderReceipt); receipt != "" {
		cl.Finish(frames.NewReceipt(receipt), frames.CodeDisconnect)
		return nil
	}

	cl.Stop(frames.CodeDisconnect)
	return nil
}

// teardown releases a session: it is stopped, removed from the registry along
// with its subscriptions, and hooks are notified. Only the first call for a
// session has any effect.
func (s *Server) teardown(cl *Session, cause error) {
	if !atomic.CompareAndSwapUint32(&cl.State.released, 0, 1) {
		return
	}

	cl.Stop(cause)
	wasConnected := cl.Status() == StatusConnected
	cl.setStatus(StatusDisconnected)

	if existing, err := s.Sessions.Get(cl.ID); err == nil && existing == cl {
		s.Sessions.Remove(cl.ID)
	}
	s.refreshSubscriptionInfo()

	if wasConnected {
		atomic.AddInt64(&s.Info.SessionsConnected, -1)
	}

	err := cl.StopCause()
	if errors.Is(err, frames.CodeDisconnect) {
		err = nil
	}

	if !wasConnected {
		return
	}

	if errors.Is(err, frames.ErrHeartbeatTimeout) {
		atomic.AddInt64(&s.Info.HeartbeatTimeouts, 1)
	}

	s.hooks.OnDisconnect(cl, err)
}

// DisconnectSession sends an ERROR frame for code to a session and closes it.
func (s *Server) DisconnectSession(cl *Session, code frames.Code) {
	cl.Finish(frames.NewError(code, "", ""), code)
}

// Publish publishes a payload to all subscribers of a broker destination, as
// if it had been sent by a session. ErrBrokerUnavailable is returned if the
// broker is unavailable, and the caller may retry.
func (s *Server) Publish(destination string, payload []byte) error {
	f := frames.New(frames.Send,
		frames.HeaderDestination, destination,
		frames.HeaderContentType, textContentType,
	)
	f.Body = payload

	return s.PublishFrame(f)
}

// PublishFrame publishes a SEND frame to all subscribers of its destination.
// Headers other than the transport headers are carried over to each MESSAGE.
func (s *Server) PublishFrame(f frames.Frame) error {
	if !s.Available() {
		return frames.ErrBrokerUnavailable
	}

	if f.Header(frames.HeaderDestination) == "" {
		return frames.ErrMissingHeader
	}

	s.publishToSubscribers(f)
	return nil
}

// publishToSubscribers delivers a MESSAGE to every subscription matching the
// frame's destination, returning the number of sessions which accepted it.
// A failure to deliver to one session does not affect delivery to others.
func (s *Server) publishToSubscribers(f frames.Frame) int {
	destination := f.Header(frames.HeaderDestination)

	var n int
	for _, sub := range s.Router.Publish(destination) {
		cl, err := s.Sessions.Get(sub.SessionID)
		if err != nil {
			continue
		}

		msg := frames.NewMessage(destination, sub.ID, xid.New().String(), f.Headers, f.Body)
		if err := s.deliver(cl, msg); err == nil {
			n++
		}
	}

	return n
}

// deliver enqueues a frame for a session. A session whose send buffer is full
// is closed, since it cannot keep up with the messages sent to it.
func (s *Server) deliver(cl *Session, f frames.Frame) error {
	err := cl.Enqueue(f)
	if err == nil {
		return nil
	}

	atomic.AddInt64(&s.Info.MessagesDropped, 1)
	s.Log.Warn("message delivery failed", "error", err, "session", cl.ID, "destination", f.Header(frames.HeaderDestination))
	s.hooks.OnPublishDropped(cl, f, err)

	if errors.Is(err, frames.ErrBackpressure) {
		cl.Stop(err)
	}

	return err
}

// SendToSession delivers a payload to the subscriptions a session holds on a
// destination, such as a user destination. ErrNotFound is returned if the
// session does not exist or has no subscription on the destination.
func (s *Server) SendToSession(sessionID, destination string, payload []byte) error {
	cl, err := s.Sessions.Get(sessionID)
	if err != nil {
		return err
	}

	subs := cl.State.Subscriptions.ByDestination(destination)
	if len(subs) == 0 {
		return frames.ErrNotFound
	}

	headers := frames.Headers{{Key: frames.HeaderContentType, Value: textContentType}}
	for _, sub := range subs {
		msg := frames.NewMessage(destination, sub.ID, xid.New().String(), headers, payload)
		if err := s.deliver(cl, msg); err != nil {
			return err
		}
	}

	return nil
}

// isAppDestination returns true if a destination is under an application prefix.
func (s *Server) isAppDestination(destination string) bool {
	return hasPrefix(destination, s.Options.AppPrefixes...)
}

// hasPrefix returns true if destination is equal to, or a path below, any of the prefixes.
func hasPrefix(destination string, prefixes ...string) bool {
	for _, p := range prefixes {
		p = strings.TrimSuffix(p, "/")
		if destination == p || strings.HasPrefix(destination, p+"/") {
			return true
		}
	}
	return false
}

// refreshSubscriptionInfo updates the subscription counters from the router.
func (s *Server) refreshSubscriptionInfo() {
	atomic.StoreInt64(&s.Info.Subscriptions, int64(s.Router.Len()))
	atomic.StoreInt64(&s.Info.Destinations, int64(s.Router.DestinationsLen()))
}

// publishSysInfo refreshes the system info values and passes them to hooks.
func (s *Server) publishSysInfo() {
	s.Info.Refresh(time.Now().Unix())
	s.refreshSubscriptionInfo()
	s.hooks.OnSysInfoTick(s.Info.Clone())
}

// clearExpiredSessions tears down any session which has not been heard from
// within its negotiated heartbeat interval.
func (s *Server) clearExpiredSessions(now time.Time) {
	for _, cl := range s.Sessions.GetAll() {
		if cl.Expired(now) {
			s.Log.Debug("session heartbeat expired", "session", cl.ID, "last_seen", cl.LastSeen())
			s.teardown(cl, frames.ErrHeartbeatTimeout)
		}
	}
}

// Close attempts to gracefully shut down the server, all listeners, sessions, and hooks.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.SetAvailable(false)
		s.Log.Info("gracefully stopping server")
		s.Listeners.CloseAll(s.closeListenerSessions)

		if s.inbound != nil {
			s.inbound.Close()
		}

		if s.shared != nil {
			s.shared.Close()
		}

		if s.outbound != nil {
			s.outbound.Close()
		}

		s.hooks.OnStopped()
		s.hooks.Stop()
		s.Log.Info("mochi stomp server stopped")
	})

	return nil
}

// closeListenerSessions closes all sessions on the specified listener,
// including any which have not completed CONNECT.
func (s *Server) closeListenerSessions(listener string) {
	var wg sync.WaitGroup
	for _, cl := range s.Sessions.GetByListener(listener) {
		wg.Add(1)
		go func(cl *Session) {
			defer wg.Done()
			s.DisconnectSession(cl, frames.ErrServerShuttingDown)
		}(cl)
	}

	s.connecting.Range(func(_, v any) bool {
		if cl := v.(*Session); cl.Net.Listener == listener {
			cl.Stop(frames.ErrServerShuttingDown)
		}
		return true
	})

	wg.Wait()
}

// readStore reads in any data from the persistent datastore (if applicable).
// Session records found on start belong to sessions which did not end
// cleanly, and are expired.
func (s *Server) readStore() error {
	if s.hooks.Provides(StoredSessions) {
		sessions, err := s.hooks.StoredSessions()
		if err != nil {
			return fmt.Errorf("failed to load sessions; %w", err)
		}

		for _, rec := range sessions {
			s.hooks.OnSessionExpired(rec.ID)
		}
		s.Log.Debug("expired stale sessions from store", "len", len(sessions))
	}

	if s.hooks.Provides(StoredSysInfo) {
		sysInfo, err := s.hooks.StoredSysInfo()
		if err != nil {
			return fmt.Errorf("load server info; %w", err)
		}
		s.loadServerInfo(sysInfo)
		s.Log.Debug("loaded system info from store")
	}

	return nil
}

// loadServerInfo restores server info from the datastore.
func (s *Server) loadServerInfo(v storage.SystemInfo) {
	if !s.Options.RestoreSysInfoOnRestart {
		return
	}

	atomic.StoreInt64(&s.Info.BytesReceived, v.BytesReceived)
	atomic.StoreInt64(&s.Info.BytesSent, v.BytesSent)
	atomic.StoreInt64(&s.Info.SessionsMaximum, v.SessionsMaximum)
	atomic.StoreInt64(&s.Info.SessionsTotal, v.SessionsTotal)
	atomic.StoreInt64(&s.Info.SessionsRejected, v.SessionsRejected)
	atomic.StoreInt64(&s.Info.HeartbeatTimeouts, v.HeartbeatTimeouts)
	atomic.StoreInt64(&s.Info.MessagesReceived, v.MessagesReceived)
	atomic.StoreInt64(&s.Info.MessagesSent, v.MessagesSent)
	atomic.StoreInt64(&s.Info.MessagesDropped, v.MessagesDropped)
	atomic.StoreInt64(&s.Info.FramesReceived, v.FramesReceived)
	atomic.StoreInt64(&s.Info.FramesSent, v.FramesSent)
}
