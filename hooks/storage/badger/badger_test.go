// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, gsagula, werbenhu

package badger

import (
	"log/slog"
	"os"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
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
			Version:          "1.1",
			Host:             "localhost",
			HeartbeatSend:    time.Second * 10,
			HeartbeatReceive: time.Second * 20,
		},
	}
)

func newHook(t *testing.T) *Hook {
	h := new(Hook)
	h.SetOpts(logger, nil)
	err := h.Init(&Options{
		Path: t.TempDir(),
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

func TestID(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "badger-db", h.ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(stomp.OnSessionEstablished))
	require.True(t, h.Provides(stomp.OnDisconnect))
	require.True(t, h.Provides(stomp.OnSessionExpired))
	require.True(t, h.Provides(stomp.OnSysInfoTick))
	require.True(t, h.Provides(stomp.StoredSessions))
	require.True(t, h.Provides(stomp.StoredSysInfo))
	require.False(t, h.Provides(stomp.OnPublished))
	require.False(t, h.Provides(stomp.OnConnect))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	err := h.Init(map[string]any{})
	require.ErrorIs(t, err, stomp.ErrInvalidConfigType)
}

func TestInitDefaults(t *testing.T) {
	h := newHook(t)
	require.Equal(t, int64(defaultGcInterval), h.config.GcInterval)
	require.Equal(t, defaultGcDiscardRatio, h.config.GcDiscardRatio)
	require.NotNil(t, h.config.Options)
}

func TestInitBadDiscardRatio(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	err := h.Init(&Options{
		Path:           t.TempDir(),
		GcDiscardRatio: 1.5,
		GcInterval:     1,
	})
	require.NoError(t, err)
	defer h.Stop()

	require.Equal(t, defaultGcDiscardRatio, h.config.GcDiscardRatio)
	require.Equal(t, int64(1), h.config.GcInterval)
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
	require.Equal(t, "1.1", r.Version)
	require.Equal(t, "localhost", r.Host)
	require.Equal(t, int64(10000), r.HeartbeatSend)

	h.OnDisconnect(session, nil)
	err := h.getKv(sessionKey(session.ID), new(storage.Session))
	require.ErrorIs(t, err, badgerdb.ErrKeyNotFound)
}

func TestOnSessionExpired(t *testing.T) {
	h := newHook(t)

	h.OnSessionEstablished(session, frames.Frame{})
	h.OnSessionExpired(session.ID)

	err := h.getKv(sessionKey(session.ID), new(storage.Session))
	require.ErrorIs(t, err, badgerdb.ErrKeyNotFound)
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

	h.OnSysInfoTick(&system.Info{
		Version:       "1.0.0",
		FramesSent:    9,
		Subscriptions: 2,
	})

	v, err = h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "1.0.0", v.Version)
	require.Equal(t, int64(9), v.FramesSent)
	require.Equal(t, int64(2), v.Subscriptions)
}

func TestClosedDB(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	h.OnSessionEstablished(session, frames.Frame{})
	h.OnDisconnect(session, nil)
	h.OnSessionExpired(session.ID)
	h.OnSysInfoTick(&system.Info{})

	_, err := h.StoredSessions()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)

	_, err = h.StoredSysInfo()
	require.ErrorIs(t, err, storage.ErrDBFileNotOpen)
	require.NoError(t, h.Stop())
}

func TestLoggerMethods(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	h.Errorf("error %s\n", "x")
	h.Warningf("warning %s", "x")
	h.Infof("info %s", "x")
	h.Debugf("debug %s", "x")
}
