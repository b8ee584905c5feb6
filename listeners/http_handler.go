// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"
)

// HTTPHandler is a listener which serves an application http.Handler, such as
// REST endpoints which publish into the broker. It does not establish sessions.
type HTTPHandler struct {
	sync.RWMutex
	id      string       // the internal id of the listener
	address string       // the network address to bind to
	config  Config       // configuration values for the listener
	handler http.Handler // the application handler
	listen  *http.Server // the http server
	log     *slog.Logger // server logger
	end     uint32       // ensure the close methods are only called once
}

// NewHTTPHandler initialises and returns a new HTTP listener serving handler.
func NewHTTPHandler(config Config, handler http.Handler) *HTTPHandler {
	return &HTTPHandler{
		id:      config.ID,
		address: config.Address,
		config:  config,
		handler: handler,
	}
}

// ID returns the id of the listener.
func (l *HTTPHandler) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *HTTPHandler) Address() string {
	return l.address
}

// Protocol returns the address of the listener.
func (l *HTTPHandler) Protocol() string {
	if l.listen != nil && l.listen.TLSConfig != nil {
		return "https"
	}

	return "http"
}

// Init initializes the listener.
func (l *HTTPHandler) Init(log *slog.Logger) error {
	l.log = log

	handler := l.handler
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	l.listen = &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Addr:         l.address,
		Handler:      handler,
		TLSConfig:    l.config.TLSConfig,
	}

	return nil
}

// Serve starts listening for new connections and serving responses.
func (l *HTTPHandler) Serve(establish EstablishFn) {
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

// Close closes the listener.
func (l *HTTPHandler) Close(closeClients CloseFn) {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.listen.Shutdown(ctx)
	}

	closeClients(l.id)
}
