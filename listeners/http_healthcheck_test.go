// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Derek Duncan

package listeners

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewHTTPHealthCheck(t *testing.T) {
	l := NewHTTPHealthCheck(basicConfig, nil)
	require.Equal(t, basicConfig.ID, l.ID())
	require.Equal(t, basicConfig.Address, l.Address())
	require.Equal(t, "http", l.Protocol())
}

func TestHTTPHealthCheckTLSProtocol(t *testing.T) {
	conf := tlsConfig
	conf.TLSConfig = tlsConfigBasic
	l := NewHTTPHealthCheck(conf, nil)
	require.NoError(t, l.Init(logger))
	require.Equal(t, "https", l.Protocol())
}

func TestHTTPHealthCheckInit(t *testing.T) {
	l := NewHTTPHealthCheck(basicConfig, nil)
	require.NoError(t, l.Init(logger))
	require.NotNil(t, l.listen)
	require.Equal(t, basicConfig.Address, l.listen.Addr)
}

func TestHTTPHealthCheckAvailability(t *testing.T) {
	var available atomic.Bool
	l := NewHTTPHealthCheck(basicConfig, available.Load)
	require.NoError(t, l.Init(logger))

	get := func(method string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		l.listen.Handler.ServeHTTP(w, httptest.NewRequest(method, "/healthcheck", nil))
		return w
	}

	w := get(http.MethodGet)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "unavailable", w.Body.String())

	available.Store(true)
	w = get(http.MethodGet)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", w.Body.String())

	w = get(http.MethodPost)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHTTPHealthCheckNilAvailability(t *testing.T) {
	l := NewHTTPHealthCheck(basicConfig, nil)
	require.NoError(t, l.Init(logger))

	w := httptest.NewRecorder()
	l.listen.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHTTPHealthCheckServeAndClose(t *testing.T) {
	l := NewHTTPHealthCheck(basicConfig, func() bool { return true })
	require.NoError(t, l.Init(logger))

	o := make(chan bool)
	go func(o chan bool) {
		l.Serve(MockEstablisher)
		o <- true
	}(o)

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://localhost" + testAddr + "/healthcheck")
		return err == nil
	}, time.Second, time.Millisecond*5)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)

	_, err = http.Get("http://localhost" + testAddr + "/healthcheck")
	require.Error(t, err)
	<-o
}
