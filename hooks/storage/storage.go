// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	"encoding/json"
	"errors"

	"github.com/mochi-mqtt/stomp/system"
)

const (
	SysInfoKey = "SYS" // unique key to denote server system information in a store
	SessionKey = "SES" // unique key to denote sessions in a store
)

var (
	// ErrDBFileNotOpen indicates that the file database (e.g. bolt/badger) wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")
)

// Serializable is an interface for objects that can be serialized and deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// Session is a storable record of a connected STOMP session. Records exist
// only while a session is connected; a record which survives a restart marks
// a session which was not closed cleanly.
type Session struct {
	ID               string `json:"id"`               // the session id / storage key
	T                string `json:"t"`                // the data type (session)
	Remote           string `json:"remote"`           // the remote address of the session
	Listener         string `json:"listener"`         // the listener the session connected on
	Version          string `json:"version"`          // negotiated protocol version
	Host             string `json:"host,omitempty"`   // the virtual host requested by the client
	Login            string `json:"login,omitempty"`  // the login the client presented
	Connected        int64  `json:"connected"`        // the time the session was established in unixtime
	HeartbeatSend    int64  `json:"heartbeatSend"`    // the outgoing heartbeat interval in milliseconds
	HeartbeatReceive int64  `json:"heartbeatReceive"` // the incoming heartbeat interval in milliseconds
}

// MarshalBinary encodes the values into a json string.
func (d Session) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Session) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// SystemInfo is a storable representation of the system information values.
type SystemInfo struct {
	system.Info        // embed the system info struct
	T           string `json:"t"`  // the data type
	ID          string `json:"id"` // the storage key
}

// MarshalBinary encodes the values into a json string.
func (d SystemInfo) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *SystemInfo) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}
