// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the prometheus namespace for broker metrics.
const Namespace = "stomp"

// Info contains atomic counters and values for various server statistics.
type Info struct {
	Version           string `json:"version"`            // the current version of the server
	Started           int64  `json:"started"`            // the time the server started in unix seconds
	Time              int64  `json:"time"`               // current time on the server
	Uptime            int64  `json:"uptime"`             // the number of seconds the server has been online
	BytesReceived     int64  `json:"bytes_received"`     // total number of bytes received since the broker started
	BytesSent         int64  `json:"bytes_sent"`         // total number of bytes sent since the broker started
	SessionsConnected int64  `json:"sessions_connected"` // number of currently connected sessions
	SessionsMaximum   int64  `json:"sessions_maximum"`   // maximum number of sessions which have been connected at once
	SessionsTotal     int64  `json:"sessions_total"`     // total number of sessions established since the broker started
	SessionsRejected  int64  `json:"sessions_rejected"`  // total number of connections which failed to establish a session
	HeartbeatTimeouts int64  `json:"heartbeat_timeouts"` // total number of sessions closed for missing heartbeats
	MessagesReceived  int64  `json:"messages_received"`  // total number of SEND frames received
	MessagesSent      int64  `json:"messages_sent"`      // total number of MESSAGE frames sent
	MessagesDropped   int64  `json:"messages_dropped"`   // total number of messages dropped to slow or closed subscribers
	Subscriptions     int64  `json:"subscriptions"`      // number of active subscriptions
	Destinations      int64  `json:"destinations"`       // number of destinations with at least one subscription
	FramesReceived    int64  `json:"frames_received"`    // total number of frames of any type received
	FramesSent        int64  `json:"frames_sent"`        // total number of frames of any type sent
	MemoryAlloc       int64  `json:"memory_alloc"`       // memory currently allocated
	Threads           int64  `json:"threads"`            // number of active goroutines, named as threads for platform ambiguity
}

// Clone makes a copy of Info using atomic operation
func (i *Info) Clone() *Info {
	return &Info{
		Version:           i.Version,
		Started:           atomic.LoadInt64(&i.Started),
		Time:              atomic.LoadInt64(&i.Time),
		Uptime:            atomic.LoadInt64(&i.Uptime),
		BytesReceived:     atomic.LoadInt64(&i.BytesReceived),
		BytesSent:         atomic.LoadInt64(&i.BytesSent),
		SessionsConnected: atomic.LoadInt64(&i.SessionsConnected),
		SessionsMaximum:   atomic.LoadInt64(&i.SessionsMaximum),
		SessionsTotal:     atomic.LoadInt64(&i.SessionsTotal),
		SessionsRejected:  atomic.LoadInt64(&i.SessionsRejected),
		HeartbeatTimeouts: atomic.LoadInt64(&i.HeartbeatTimeouts),
		MessagesReceived:  atomic.LoadInt64(&i.MessagesReceived),
		MessagesSent:      atomic.LoadInt64(&i.MessagesSent),
		MessagesDropped:   atomic.LoadInt64(&i.MessagesDropped),
		Subscriptions:     atomic.LoadInt64(&i.Subscriptions),
		Destinations:      atomic.LoadInt64(&i.Destinations),
		FramesReceived:    atomic.LoadInt64(&i.FramesReceived),
		FramesSent:        atomic.LoadInt64(&i.FramesSent),
		MemoryAlloc:       atomic.LoadInt64(&i.MemoryAlloc),
		Threads:           atomic.LoadInt64(&i.Threads),
	}
}

// Refresh updates the time, uptime and runtime values.
func (i *Info) Refresh(now int64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	atomic.StoreInt64(&i.MemoryAlloc, int64(m.HeapInuse))
	atomic.StoreInt64(&i.Threads, int64(runtime.NumGoroutine()))
	atomic.StoreInt64(&i.Time, now)
	atomic.StoreInt64(&i.Uptime, now-atomic.LoadInt64(&i.Started))
}

// SessionConnected increments the connected sessions and raises the
// session maximum if it has been exceeded.
func (i *Info) SessionConnected() {
	i.sessionAdded(atomic.AddInt64(&i.SessionsConnected, 1))
}

// ReserveSession increments the connected sessions only if fewer than limit
// are connected, returning false if the limit has been reached.
func (i *Info) ReserveSession(limit int64) bool {
	for {
		n := atomic.LoadInt64(&i.SessionsConnected)
		if n >= limit {
			return false
		}

		if atomic.CompareAndSwapInt64(&i.SessionsConnected, n, n+1) {
			i.sessionAdded(n + 1)
			return true
		}
	}
}

// ReleaseSession returns a slot taken by ReserveSession for a session which
// failed to connect.
func (i *Info) ReleaseSession() {
	atomic.AddInt64(&i.SessionsConnected, -1)
	atomic.AddInt64(&i.SessionsTotal, -1)
}

// sessionAdded counts a new session and raises the maximum to n if exceeded.
func (i *Info) sessionAdded(n int64) {
	atomic.AddInt64(&i.SessionsTotal, 1)
	for {
		m := atomic.LoadInt64(&i.SessionsMaximum)
		if n <= m || atomic.CompareAndSwapInt64(&i.SessionsMaximum, m, n) {
			return
		}
	}
}

// RegisterPrometheusMetrics registers the counters with a prometheus registry.
// If registry is nil the default registerer is used.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	type metrics struct {
		metricType string
		name       string
		help       string
		value      *int64
	}

	metricsList := []metrics{
		{"c", "bytes_received", "A count of total number of bytes received", &i.BytesReceived},
		{"c", "bytes_sent", "A counter total number of bytes sent", &i.BytesSent},
		{"g", "sessions_connected", "A gauge of number of currently connected sessions", &i.SessionsConnected},
		{"g", "sessions_maximum", "A gauge of maximum number of sessions connected at once", &i.SessionsMaximum},
		{"c", "sessions_total", "A counter of sessions established", &i.SessionsTotal},
		{"c", "sessions_rejected", "A counter of connections which failed to establish a session", &i.SessionsRejected},
		{"c", "heartbeat_timeouts", "A counter of sessions closed for missing heartbeats", &i.HeartbeatTimeouts},
		{"c", "messages_received", "A counter of total number of SEND frames received", &i.MessagesReceived},
		{"c", "messages_sent", "A counter of total number of MESSAGE frames sent", &i.MessagesSent},
		{"c", "messages_dropped", "A counter of total number of messages dropped to slow or closed subscribers", &i.MessagesDropped},
		{"g", "subscriptions", "A gauge of number of active subscriptions", &i.Subscriptions},
		{"g", "destinations", "A gauge of number of destinations with subscribers", &i.Destinations},
		{"c", "frames_received", "A counter of the total number of frames received", &i.FramesReceived},
		{"c", "frames_sent", "A counter of the total number of frames sent", &i.FramesSent},
	}

	for _, m := range metricsList {
		m := m
		fn := func() float64 {
			return float64(atomic.LoadInt64(m.value))
		}

		switch m.metricType {
		case "c":
			registry.MustRegister(
				prometheus.NewCounterFunc(
					prometheus.CounterOpts{
						Namespace: Namespace,
						Name:      m.name,
						Help:      m.help,
					},
					fn,
				),
			)
		case "g":
			registry.MustRegister(
				prometheus.NewGaugeFunc(
					prometheus.GaugeOpts{
						Namespace: Namespace,
						Name:      m.name,
						Help:      m.help,
					},
					fn,
				),
			)
		}
	}

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "build_info",
			Help:      "Build Information",
		},
		[]string{"goversion", "version"},
	)
	registry.MustRegister(buildInfo)
	buildInfo.With(prometheus.Labels{"goversion": runtime.Version(), "version": i.Version}).Set(1)
}
