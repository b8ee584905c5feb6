// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	redis "github.com/go-redis/redis/v8"

	"github.com/mochi-mqtt/stomp"
	"github.com/mochi-mqtt/stomp/frames"
	"github.com/mochi-mqtt/stomp/hooks/storage"
	"github.com/mochi-mqtt/stomp/system"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by mochi stomp.
const defaultHPrefix = "mochi-stomp-"

// sessionKey returns a primary key for a session.
func sessionKey(id string) string {
	return id
}

// sysInfoKey returns a primary key for system info.
func sysInfoKey() string {
	return storage.SysInfoKey
}

// Options contains configuration settings for the redis instance.
type Options struct {
	HPrefix string         `yaml:"h_prefix" json:"h_prefix"`
	Options *redis.Options `yaml:"-" json:"-"`
}

// Hook is a persistent storage hook using Redis as a backend.
type Hook struct {
	stomp.HookBase
	config *Options        // options for connecting to the Redis instance.
	db     *redis.Client   // the Redis instance
	ctx    context.Context // a context for the connection
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		stomp.OnSessionEstablished,
		stomp.OnDisconnect,
		stomp.OnSessionExpired,
		stomp.OnSysInfoTick,
		stomp.StoredSessions,
		stomp.StoredSysInfo,
	}, []byte{b})
}

// hKey returns a hash set key with a unique prefix.
func (h *Hook) hKey(s string) string {
	return h.config.HPrefix + s
}

// Init initializes and connects to the redis service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return stomp.ErrInvalidConfigType
	}

	h.ctx = context.Background()

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &redis.Options{
			Addr: defaultAddr,
		}
	}

	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	h.Log.Info("connecting to redis service",
		"address", h.config.Options.Addr,
		"username", h.config.Options.Username,
		"password-len", len(h.config.Options.Password),
		"db", h.config.Options.DB)

	h.db = redis.NewClient(h.config.Options)
	_, err := h.db.Ping(h.ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to redis service")

	return nil
}

// Stop closes the redis connection.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	h.Log.Info("disconnecting from redis service")
	err := h.db.Close()
	h.db = nil
	return err
}

// OnSessionEstablished adds a session to the store when it is established.
func (h *Hook) OnSessionEstablished(cl *stomp.Session, _ frames.Frame) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := cl.Record()
	err := h.db.HSet(h.ctx, h.hKey(storage.SessionKey), sessionKey(cl.ID), &in).Err()
	if err != nil {
		h.Log.Error("failed to hset session data", "error", err, "data", in)
	}
}

// OnDisconnect removes a session from the store.
func (h *Hook) OnDisconnect(cl *stomp.Session, _ error) {
	h.deleteSession(cl.ID)
}

// OnSessionExpired removes a stale session record from the store.
func (h *Hook) OnSessionExpired(id string) {
	h.deleteSession(id)
}

// deleteSession removes a session record from the store.
func (h *Hook) deleteSession(id string) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	err := h.db.HDel(h.ctx, h.hKey(storage.SessionKey), sessionKey(id)).Err()
	if err != nil {
		h.Log.Error("failed to delete session data", "error", err, "id", sessionKey(id))
	}
}

// OnSysInfoTick stores the latest system info in the store.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := &storage.SystemInfo{
		ID:   sysInfoKey(),
		T:    storage.SysInfoKey,
		Info: *sys.Clone(),
	}

	err := h.db.HSet(h.ctx, h.hKey(storage.SysInfoKey), sysInfoKey(), in).Err()
	if err != nil {
		h.Log.Error("failed to hset server info data", "error", err, "data", in)
	}
}

// StoredSessions returns all stored sessions from the store, ordered by id.
func (h *Hook) StoredSessions() (v []storage.Session, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.SessionKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Error("failed to HGetAll session data", "error", err)
		return
	}

	for _, row := range rows {
		var d storage.Session
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal session data", "error", err, "data", row)
			continue
		}

		v = append(v, d)
	}

	sort.Slice(v, func(i, j int) bool {
		return v[i].ID < v[j].ID
	})

	return v, nil
}

// StoredSysInfo returns the system info from the store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	row, err := h.db.HGet(h.ctx, h.hKey(storage.SysInfoKey), sysInfoKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return
	}

	if err = v.UnmarshalBinary([]byte(row)); err != nil {
		h.Log.Error("failed to unmarshal sys info data", "error", err, "data", row)
	}

	return v, nil
}
