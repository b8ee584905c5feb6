// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestNewWebsocket(t *testing.T) {
	l := NewWebsocket(basicConfig)
	require.Equal(t, "t1", l.id)
	require.Equal(t, testAddr, l.address)
	require.Equal(t, "/", l.path)
}

func TestNewWebsocketPath(t *testing.T) {
	l := NewWebsocket(Config{ID: "t1", Address: testAddr, Path: "/gs-guide-websocket"})
	require.Equal(t, "/gs-guide-websocket", l.path)
}

func TestWebsocketID(t *testing.T) {
	l := NewWebsocket(basicConfig)
	require.Equal(t, "t1", l.ID())
}

func TestWebsocketAddress(t *testing.T) {
	l := NewWebsocket(basicConfig)
	require.Equal(t, testAddr, l.Address())
}

func TestWebsocketProtocol(t *testing.T) {
	l := NewWebsocket(basicConfig)
	require.Equal(t, "ws", l.Protocol())
}

func TestWebsocketProtocolTLS(t *testing.T) {
	conf := tlsConfig
	conf.TLSConfig = tlsConfigBasic
	l := NewWebsocket(conf)
	require.Equal(t, "wss", l.Protocol())
}

func TestWebsocketInit(t *testing.T) {
	l := NewWebsocket(basicConfig)
	require.Nil(t, l.listen)
	err := l.Init(logger)
	require.NoError(t, err)
	require.NotNil(t, l.listen)
}

func TestWebsocketServeAndClose(t *testing.T) {
	l := NewWebsocket(basicConfig)
	_ = l.Init(logger)

	o := make(chan bool)
	go func(o chan bool) {
		l.Serve(MockEstablisher)
		o <- true
	}(o)

	time.Sleep(time.Millisecond)

	var closed bool
	l.Close(func(id string) {
		closed = true
	})

	require.True(t, closed)
	<-o
}

func TestWebsocketUpgrade(t *testing.T) {
	l := NewWebsocket(basicConfig)
	_ = l.Init(logger)

	received := make(chan []byte)
	l.establish = func(id string, c net.Conn) error {
		buf := make([]byte, 32)
		n, err := io.ReadAtLeast(c, buf, len("CONNECT\n\n\x00"))
		received <- buf[:n]
		return err
	}

	s := httptest.NewServer(http.HandlerFunc(l.handler))
	defer s.Close()

	dialer := websocket.Dialer{Subprotocols: []string{"v12.stomp"}}
	ws, resp, err := dialer.Dial("ws"+strings.TrimPrefix(s.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	defer resp.Body.Close()
	require.Equal(t, "v12.stomp", ws.Subprotocol())

	err = ws.WriteMessage(websocket.TextMessage, []byte("CONNECT\n\n\x00"))
	require.NoError(t, err)
	require.Equal(t, []byte("CONNECT\n\n\x00"), <-received)
}

func TestWebsocketReadAcrossMessages(t *testing.T) {
	l := NewWebsocket(basicConfig)
	_ = l.Init(logger)

	received := make(chan []byte)
	l.establish = func(id string, c net.Conn) error {
		buf := make([]byte, 3)
		var out []byte
		for len(out) < 10 {
			n, err := c.Read(buf)
			if err != nil {
				return err
			}
			out = append(out, buf[:n]...)
		}
		received <- out
		return nil
	}

	s := httptest.NewServer(http.HandlerFunc(l.handler))
	defer s.Close()

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	defer resp.Body.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("SEND\n")))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("\n\x00\n\n\n")))
	require.Equal(t, []byte("SEND\n\n\x00\n\n\n"), <-received)
}

func TestWebsocketWrite(t *testing.T) {
	l := NewWebsocket(basicConfig)
	_ = l.Init(logger)

	l.establish = func(id string, c net.Conn) error {
		if _, err := c.Write([]byte("MESSAGE\n\nhello\x00")); err != nil {
			return err
		}
		_, err := c.Write([]byte{0xff, 0xfe, 0x00})
		return err
	}

	s := httptest.NewServer(http.HandlerFunc(l.handler))
	defer s.Close()

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	defer resp.Body.Close()

	op, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, op)
	require.Equal(t, []byte("MESSAGE\n\nhello\x00"), msg)

	op, msg, err = ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, op)
	require.Equal(t, []byte{0xff, 0xfe, 0x00}, msg)
}

func TestWebsocketUpgradeFailure(t *testing.T) {
	l := NewWebsocket(basicConfig)
	_ = l.Init(logger)
	l.establish = MockEstablisher

	s := httptest.NewServer(http.HandlerFunc(l.handler))
	defer s.Close()

	resp, err := http.Get(s.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
