// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package greeting

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/stomp"
	"github.com/mochi-mqtt/stomp/frames"
)

const testTimeout = time.Second * 2

var (
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	stamp  = time.Date(2024, 3, 7, 15, 4, 5, 0, time.UTC)
)

type published struct {
	destination string
	payload     string
}

type stubBroker struct {
	messages   []stomp.MessageMapping
	subscribes []string
	published  []published
	err        error
}

func (b *stubBroker) AddMessageMapping(m stomp.MessageMapping) error {
	b.messages = append(b.messages, m)
	return nil
}

func (b *stubBroker) OnSubscribe(destination string, _ stomp.SubscribeHandlerFn) error {
	b.subscribes = append(b.subscribes, destination)
	return nil
}

func (b *stubBroker) Publish(destination string, payload []byte) error {
	if b.err != nil {
		return b.err
	}

	b.published = append(b.published, published{destination, string(payload)})
	return nil
}

func newApp(b Broker) *App {
	a := New(b, logger)
	a.now = func() time.Time { return stamp }
	return a
}

func TestNewDefaultLogger(t *testing.T) {
	a := New(new(stubBroker), nil)
	require.NotNil(t, a.Log)
	require.NotNil(t, a.now)
}

func TestRegister(t *testing.T) {
	b := new(stubBroker)
	require.NoError(t, newApp(b).Register())

	require.Len(t, b.messages, 2)
	require.Equal(t, HelloDestination, b.messages[0].Destination)
	require.Equal(t, HelloTopic, b.messages[0].SendTo)
	require.Equal(t, GreetingDestination, b.messages[1].Destination)
	require.Equal(t, GreetingTopic, b.messages[1].SendTo)
	require.Equal(t, []string{GreetingDestination}, b.subscribes)
}

func TestHello(t *testing.T) {
	a := newApp(new(stubBroker))

	tt := []struct {
		desc string
		body string
		want string
		err  bool
	}{
		{desc: "name", body: `{"name":"World"}`, want: "Hello, World!"},
		{desc: "escaped", body: `{"name":"<b>Tom & Jerry</b>"}`, want: "Hello, &lt;b&gt;Tom &amp; Jerry&lt;/b&gt;!"},
		{desc: "empty name", body: `{"name":""}`, want: "Hello, !"},
		{desc: "no name", body: `{}`, err: true},
		{desc: "not json", body: `World`, err: true},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			out, err := a.Hello(stomp.Message{Destination: HelloDestination, Body: []byte(tx.body)})
			if tx.err {
				require.ErrorIs(t, err, ErrInvalidHello)
				require.Nil(t, out)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tx.want, string(out))
		})
	}
}

func TestGreeting(t *testing.T) {
	a := newApp(new(stubBroker))
	out, err := a.Greeting(stomp.Message{Body: []byte("hi there")})
	require.NoError(t, err)
	require.Equal(t, "[03/07/2024 3:04:05 PM: hi there", string(out))
}

func TestWelcome(t *testing.T) {
	a := newApp(new(stubBroker))
	out, err := a.Welcome(stomp.Subscription{ID: "0", Destination: GreetingDestination})
	require.NoError(t, err)
	require.Equal(t, "[03/07/2024 3:04:05 PM: Welcome to the STOMP broker]", string(out))
}

func TestHTTPGreetings(t *testing.T) {
	b := new(stubBroker)
	a := newApp(b)

	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/greetings?greeting=hello", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []published{{GreetingTopic, "[03/07/2024 3:04:05 PM]:hello"}}, b.published)
}

func TestHTTPGreetingsNoParameter(t *testing.T) {
	b := new(stubBroker)
	a := newApp(b)

	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/greetings", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "[03/07/2024 3:04:05 PM]:", b.published[0].payload)
}

func TestHTTPGreetingsMethodNotAllowed(t *testing.T) {
	b := new(stubBroker)
	a := newApp(b)

	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/greetings", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	require.Empty(t, b.published)
}

func TestHTTPGreetingsUnavailable(t *testing.T) {
	a := newApp(&stubBroker{err: frames.ErrBrokerUnavailable})

	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/greetings?greeting=x", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), frames.ErrBrokerUnavailable.Reason)
}

func TestHTTPGreetingsPublishError(t *testing.T) {
	a := newApp(&stubBroker{err: errors.New("failed")})

	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/greetings?greeting=x", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, jsonContentType, w.Header().Get("Content-Type"))
}

// stompClient is a minimal client connected to a server over a pipe.
type stompClient struct {
	t    *testing.T
	conn net.Conn
	r    *frames.Reader
}

func dial(t *testing.T, s *stomp.Server) *stompClient {
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
	})

	go func() {
		_ = s.EstablishConnection("ws1", server)
	}()

	c := &stompClient{t: t, conn: client, r: frames.NewReader(client, 0)}
	c.send(frames.New(frames.Connect, frames.HeaderAcceptVersion, "1.2", frames.HeaderHost, "localhost"))
	require.Equal(t, frames.Connected, c.read().Command)
	return c
}

func (c *stompClient) send(f frames.Frame) {
	c.t.Helper()
	b, err := frames.Encode(f)
	require.NoError(c.t, err)
	_ = c.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	_, err = c.conn.Write(b)
	require.NoError(c.t, err)
}

func (c *stompClient) read() frames.Frame {
	c.t.Helper()
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(testTimeout))
		f, err := c.r.Read()
		require.NoError(c.t, err)
		if !f.IsHeartbeat() {
			return f
		}
	}
}

func TestGreetingApplication(t *testing.T) {
	s := stomp.New(&stomp.Options{Logger: logger})
	defer s.Close()
	s.SetAvailable(true)

	a := New(s, logger)
	a.now = func() time.Time { return stamp }
	require.NoError(t, a.Register())

	c := dial(t, s)
	c.send(frames.New(frames.Subscribe, frames.HeaderID, "0", frames.HeaderDestination, HelloTopic, frames.HeaderReceipt, "r1"))
	require.Equal(t, frames.Receipt, c.read().Command)

	hello := frames.New(frames.Send, frames.HeaderDestination, HelloDestination, frames.HeaderContentType, jsonContentType)
	hello.Body = []byte(`{"name":"World"}`)
	c.send(hello)

	f := c.read()
	require.Equal(t, frames.Message, f.Command)
	require.Equal(t, HelloTopic, f.Header(frames.HeaderDestination))
	require.Equal(t, "0", f.Header(frames.HeaderSubscription))
	require.Equal(t, "Hello, World!", string(f.Body))

	c.send(frames.New(frames.Subscribe, frames.HeaderID, "1", frames.HeaderDestination, GreetingDestination))
	f = c.read()
	require.Equal(t, frames.Message, f.Command)
	require.Equal(t, GreetingDestination, f.Header(frames.HeaderDestination))
	require.Equal(t, "1", f.Header(frames.HeaderSubscription))
	require.Equal(t, "[03/07/2024 3:04:05 PM: Welcome to the STOMP broker]", string(f.Body))

	c.send(frames.New(frames.Subscribe, frames.HeaderID, "2", frames.HeaderDestination, GreetingTopic, frames.HeaderReceipt, "r2"))
	require.Equal(t, frames.Receipt, c.read().Command)

	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/greetings?greeting=rest", nil))
	require.Equal(t, http.StatusOK, w.Code)

	f = c.read()
	require.Equal(t, frames.Message, f.Command)
	require.Equal(t, GreetingTopic, f.Header(frames.HeaderDestination))
	require.Equal(t, "[03/07/2024 3:04:05 PM]:rest", string(f.Body))
}

func TestHelloAcrossSessions(t *testing.T) {
	s := stomp.New(&stomp.Options{Logger: logger})
	defer s.Close()
	s.SetAvailable(true)
	require.NoError(t, New(s, logger).Register())

	a := dial(t, s)
	a.send(frames.New(frames.Subscribe, frames.HeaderID, "sub-a", frames.HeaderDestination, HelloTopic, frames.HeaderReceipt, "ra"))
	require.Equal(t, frames.Receipt, a.read().Command)

	b := dial(t, s)
	hello := frames.New(frames.Send, frames.HeaderDestination, HelloDestination, frames.HeaderReceipt, "rb")
	hello.Body = []byte(`{"name":"World"}`)
	b.send(hello)
	require.Equal(t, frames.Receipt, b.read().Command)

	f := a.read()
	require.Equal(t, frames.Message, f.Command)
	require.Equal(t, HelloTopic, f.Header(frames.HeaderDestination))
	require.Equal(t, "sub-a", f.Header(frames.HeaderSubscription))
	require.Equal(t, "Hello, World!", string(f.Body))
}
