// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Derek Duncan

package listeners

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// AvailableFn reports whether the broker is available to relay messages.
type AvailableFn func() bool

// HTTPHealthCheck is a listener for providing an HTTP healthcheck endpoint.
// The endpoint responds 200 while the broker is available and 503 during an
// outage, so load balancers stop routing new sessions to an unavailable broker.
type HTTPHealthCheck struct {
	sync.RWMutex
	id        string       // the internal id of the listener
	address   string       // the network address to bind to
	config    Config       // configuration values for the listener
	available AvailableFn  // the broker availability, nil if always available
	listen    *http.Server // the http server
	log       *slog.Logger // server logger
	end       uint32       // ensure the close methods are only called once
}

// NewHTTPHealthCheck initialises and returns a new HTTP listener, listening on an address.
func NewHTTPHealthCheck(config Config, available AvailableFn) *HTTPHealthCheck {
	return &HTTPHealthCheck{
		id:        config.ID,
		address:   config.Address,
		config:    config,
		available: available,
	}
}

// ID returns the id of the listener.
func (l *HTTPHealthCheck) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *HTTPHealthCheck) Address() string {
	return l.address
}

// Protocol returns the address of the listener.
func (l *HTTPHealthCheck) Protocol() string {
	if l.listen != nil && l.listen.TLSConfig != nil {
		return "https"
	}

	return "http"
}

// Init initializes the listener.
func (l *HTTPHealthCheck) Init(log *slog.Logger) error {
	l.log = log

	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", l.healthcheck)
	l.listen = &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Addr:         l.address,
		Handler:      mux,
		TLSConfig:    l.config.TLSConfig,
	}

	return nil
}

// healthcheck writes the availability of the broker.
func (l *HTTPHealthCheck) healthcheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if l.available != nil && !l.available() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable"))
		return
	}

	_, _ = w.Write([]byte("ok"))
}

// Serve starts listening for new connections and serving responses.
func (l *HTTPHealthCheck) Serve(establish EstablishFn) {
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
func (l *HTTPHealthCheck) Close(closeClients CloseFn) {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.listen.Shutdown(ctx)
	}

	closeClients(l.id)
}
