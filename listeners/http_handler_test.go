// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPHandler(t *testing.T) {
	l := NewHTTPHandler(basicConfig, nil)
	require.Equal(t, "t1", l.id)
	require.Equal(t, testAddr, l.address)
}

func TestHTTPHandlerID(t *testing.T) {
	l := NewHTTPHandler(basicConfig, nil)
	require.Equal(t, "t1", l.ID())
}

func TestHTTPHandlerAddress(t *testing.T) {
	l := NewHTTPHandler(basicConfig, nil)
	require.Equal(t, testAddr, l.Address())
}

func TestHTTPHandlerProtocol(t *testing.T) {
	l := NewHTTPHandler(basicConfig, nil)
	require.Equal(t, "http", l.Protocol())

	conf := tlsConfig
	conf.TLSConfig = tlsConfigBasic
	l = NewHTTPHandler(conf, nil)
	_ = l.Init(logger)
	require.Equal(t, "https", l.Protocol())
}

func TestHTTPHandlerInitNilHandler(t *testing.T) {
	l := NewHTTPHandler(basicConfig, nil)
	require.NoError(t, l.Init(logger))
	require.NotNil(t, l.listen.Handler)
}

func TestHTTPHandlerServeAndClose(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/greetings", func(w http.ResponseWriter, req *http.Request) {
		_, _ = io.WriteString(w, req.URL.Query().Get("greeting"))
	}).Methods(http.MethodGet)

	l := NewHTTPHandler(basicConfig, r)
	require.NoError(t, l.Init(logger))

	o := make(chan bool)
	go func(o chan bool) {
		l.Serve(MockEstablisher)
		o <- true
	}(o)

	time.Sleep(time.Millisecond * 5)

	resp, err := http.Get("http://localhost" + testAddr + "/greetings?greeting=hi")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hi", string(body))

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)

	_, err = http.Get("http://localhost" + testAddr + "/greetings")
	require.Error(t, err)
	<-o
}
