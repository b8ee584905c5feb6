// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

package pebble

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	pebbledb "github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/stomp"
	"github.com/mochi-mqtt/stomp/frames"
	"github.com/mochi-mqtt/stomp/hooks/storage"
	"github.com/mochi-mqtt/stomp/system"
)

var (
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	session = &stomp.Session{
		ID:      "test",
		Created: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano(),
		Net: stomp.SessionConnection{
			Remote:   "test.addr",
			Listener: "listener",
		},
		Properties: stomp.SessionProperties{
			Version:          "1.2",
			Host:             "localhost",
			Login:            "mochi",
			HeartbeatSend:    time.Second * 10,
			HeartbeatReceive: time.Second * 20,
		},
	}
)

func newHook(t *testing.T) *Hook {
	h := new(Hook)
	h.SetOpts(logger, nil)
	err := h.Init(&Options{
		Path: filepath.Join(t.TempDir(), "pebble"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.Stop()
	})
	return h
}

func TestSessionKey(t *testing.T) {
	require.Equal(t, storage.SessionKey+"_s1", sessionKey("s1"))
}

func TestSysInfoKey(t *testing.T) {
	require.Equal(t, storage.SysInfoKey, sysInfoKey())
}

func TestKeyUpperBound(t *testing.T) {
	require.Equal(t, []byte("SET"), keyUpperBound([]byte("SES")))
	require.Equal(t, []byte{0x01}, keyUpperBound([]byte{0x00, 0xff}))
	require.Nil(t, keyUpperBound([]byte{0xff, 0xff}))
}

func TestID(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "pebble-db", h.ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(stomp.OnSessionEstablished))
	require.True(t, h.Provides(stomp.OnDisconnect))
	require.True(t, h.Provides(stomp.OnSessionExpired))
	require.True(t, h.Provides(stomp.OnSysInfoTick))
	require.True(t, h.Provides(stomp.StoredSessions))
	require.True(t, h.Provides(stomp.StoredSysInfo))
	require.False(t, h.Provides(stomp.OnPublish))
	require.False(t, h.Provides(stomp.OnConnect))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	err := h.Init(map[string]any{})
	require.ErrorIs(t, err, stomp.ErrInvalidConfigType)
}

func TestInitSyncMode(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	err := h.Init(&Options{
		Path: filepath.Join(t.TempDir(), "pebble"),
		Mode: "sync",
	})
	require.NoError(t, err)
	defer h.Stop()

	require.Equal(t, pebbledb.Sync, h.mode)
	require.NotNil(t, h.config.Options)
}

func TestOnSessionEstablishedThenOnDisconnect(t *testing.T) {
	h := newHook(t)

	h.OnSessionEstablished(session, frames.Frame{})

	r := new(storage.Session)
	require.NoError(t, h.getKv(sessionKey(session.ID), r))
	require.Equal(t, session.ID, r.ID)
	require.Equal(t, storage.SessionKey, r.T)
	require.Equal(t, session.Net.Remote, r.Remote)
	require.Equal(t, session.Net.Listener, r.Listener)
	require.Equal(t, "1.2", r.Version)
	require.Equal(t, "mochi", r.Login)
	require.Equal(t, int64(10000), r.HeartbeatSend)
	require.Equal(t, int64(20000), r.HeartbeatReceive)

	h.OnDisconnect(session, nil)
	err := h.getKv(sessionKey(session.ID), new(storage.Session))
	require.ErrorIs(t, err, pebbledb.ErrNotFound)
}

func TestOnSessionExpired(t *testing.T) {
	h := newHook(t)

	h.OnSessionEstablished(session, frames.Frame{})
	h.OnSessionExpired(session.ID)

	err := h.getKv(sessionKey(session.ID), new(storage.Session))
	require.ErrorIs(t, err, pebbledb.ErrNotFound)
}

func TestStoredSessions(t *testing.T) {
	h := newHook(t)

	h.OnSessionEstablished(session, frames.Frame{})
	h.OnSessionEstablished(&stomp.Session{ID: "other"}, frames.Frame{})
	h.OnSysInfoTick(&system.Info{Version: "1.0.0"})

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Len(t, v, 2)
	require.Equal(t, "other", v[0].ID)
	require.Equal(t, session.ID, v[1].ID)
}

func TestOnSysInfoTickThenStoredSysInfo(t *testing.T) {
	h := newHook(t)

	v, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Empty(t, v.Version)

	info := &system.Info{
		Version:       "1.0.0",
		BytesReceived: 12,
		MessagesSent:  3,
	}
	h.OnSysInfoTick(info)

	v, err = h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, storage.SysInfoKey, v.ID)
	require.Equal(t, "1.0.0", v.Version)
	require.Equal(t, int64(12), v.BytesReceived)
	require.Equal(t, int64(3), v.MessagesSent)
}

func TestClosedDB(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	h.OnSessionEstablished(session, frames.Frame{})
	h.OnDisconnect(session, nil)
	h.OnSessionExpired(session.ID)
	h.OnSysInfoTick(&system.Info{})

	v, err := h.StoredSessions()
	require.NoError(t, err)
	require.Empty(t, v)

	sys, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Empty(t, sys.Version)
	require.NoError(t, h.Stop())
}
