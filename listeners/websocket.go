// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"log/slog"

	"github.com/gorilla/websocket"
)

// Subprotocols are the STOMP websocket subprotocols offered during the upgrade, most preferred first.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// Websocket is a listener for establishing STOMP sessions over websocket connections.
type Websocket struct {
	sync.RWMutex
	id        string              // the internal id of the listener
	address   string              // the network address to bind to
	path      string              // the http path on which websocket upgrades are accepted
	config    Config              // configuration values for the listener
	listen    *http.Server        // a http server for serving websocket connections
	log       *slog.Logger        // server logger
	establish EstablishFn         // the server's establish connection handler
	upgrader  *websocket.Upgrader // upgrade the incoming http/tcp connection to a websocket compliant connection.
	end       uint32              // ensure the close methods are only called once
}

// NewWebsocket initialises and returns a new Websocket listener, listening on an address.
func NewWebsocket(config Config) *Websocket {
	path := config.Path
	if path == "" {
		path = "/"
	}

	return &Websocket{
		id:      config.ID,
		address: config.Address,
		path:    path,
		config:  config,
		upgrader: &websocket.Upgrader{
			Subprotocols: Subprotocols,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ID returns the id of the listener.
func (l *Websocket) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *Websocket) Address() string {
	return l.address
}

// Protocol returns the address of the listener.
func (l *Websocket) Protocol() string {
	if l.config.TLSConfig != nil {
		return "wss"
	}

	return "ws"
}

// Init initializes the listener.
func (l *Websocket) Init(log *slog.Logger) error {
	l.log = log

	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handler)
	l.listen = &http.Server{
		Addr:         l.address,
		Handler:      mux,
		TLSConfig:    l.config.TLSConfig,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return nil
}

// handler upgrades and handles an incoming websocket connection.
func (l *Websocket) handler(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	l.RLock()
	establish := l.establish
	l.RUnlock()

	err = establish(l.id, &wsConn{Conn: c.UnderlyingConn(), c: c})
	if err != nil {
		l.log.Warn("session ended", "error", err, "remote", r.RemoteAddr)
	}
}

// Serve starts waiting for new Websocket connections, and calls the connection
// establishment callback for any received.
func (l *Websocket) Serve(establish EstablishFn) {
	l.Lock()
	l.establish = establish
	l.Unlock()

	var err error
	if l.listen.TLSConfig != nil {
		err = l.listen.ListenAndServeTLS("", "")
	} else {
		err = l.listen.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.log.Error("failed to serve.", "error", err, "listener", l.id)
	}
}

// Close closes the listener and any client connections.
func (l *Websocket) Close(closeClients CloseFn) {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.listen.Shutdown(ctx)
	}

	closeClients(l.id)
}

// wsConn is a websocket connection which satisfies the net.Conn interface.
// STOMP frames may span several websocket messages, and one message may
// carry several frames, so reads continue across message boundaries.
type wsConn struct {
	net.Conn
	c *websocket.Conn
	r io.Reader // the reader for the message currently being consumed
}

// Read reads the next span of bytes from the websocket connection and returns the number of bytes read.
func (ws *wsConn) Read(p []byte) (int, error) {
	for {
		if ws.r == nil {
			_, r, err := ws.c.NextReader()
			if err != nil {
				return 0, err
			}
			ws.r = r
		}

		n, err := ws.r.Read(p)
		if errors.Is(err, io.EOF) {
			ws.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}

		return n, err
	}
}

// Write writes bytes to the websocket connection as a single message. Text
// messages are used unless the frame carries a binary body.
func (ws *wsConn) Write(p []byte) (int, error) {
	op := websocket.TextMessage
	if !utf8.Valid(p) {
		op = websocket.BinaryMessage
	}

	err := ws.c.WriteMessage(op, p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// Close sends a close message and closes the underlying connection.
func (ws *wsConn) Close() error {
	_ = ws.c.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return ws.c.Close()
}
