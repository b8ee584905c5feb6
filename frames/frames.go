// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package frames provides the STOMP frame types and a lossless wire codec.
package frames

import (
	"strconv"
	"strings"
)

// Command is the first line of a frame, indicating the type of frame.
type Command string

const (
	Connect     Command = "CONNECT"
	Stomp       Command = "STOMP" // accepted from clients as an alias of CONNECT
	Connected   Command = "CONNECTED"
	Subscribe   Command = "SUBSCRIBE"
	Unsubscribe Command = "UNSUBSCRIBE"
	Send        Command = "SEND"
	Message     Command = "MESSAGE"
	Receipt     Command = "RECEIPT"
	Disconnect  Command = "DISCONNECT"
	Error       Command = "ERROR"
)

// Commands is a set of all known frame commands.
var Commands = map[Command]bool{
	Connect:     true,
	Stomp:       true,
	Connected:   true,
	Subscribe:   true,
	Unsubscribe: true,
	Send:        true,
	Message:     true,
	Receipt:     true,
	Disconnect:  true,
	Error:       true,
}

// Valid returns true if the command is a known frame command.
func (c Command) Valid() bool {
	return Commands[c]
}

// IsConnect returns true if the command opens a session.
func (c Command) IsConnect() bool {
	return c == Connect || c == Stomp
}

// escaped returns true if header names and values for the command are escaped
// on the wire. CONNECT and CONNECTED frames are never escaped.
func (c Command) escaped() bool {
	return c != Connect && c != Stomp && c != Connected
}

// Protocol versions.
const (
	Version10 = "1.0"
	Version11 = "1.1"
	Version12 = "1.2"
)

// Escaped returns true if header escaping applies to frames exchanged under a
// negotiated protocol version. STOMP 1.0 has no header escaping. An empty
// version, before negotiation, is treated as the newest version.
func Escaped(version string) bool {
	return version != Version10
}

// Standard header names.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderAck           = "ack"
	HeaderContentLength = "content-length"
	HeaderContentType   = "content-type"
	HeaderDestination   = "destination"
	HeaderHeartBeat     = "heart-beat"
	HeaderHost          = "host"
	HeaderID            = "id"
	HeaderLogin         = "login"
	HeaderMessage       = "message"
	HeaderMessageID     = "message-id"
	HeaderPasscode      = "passcode"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderServer        = "server"
	HeaderSession       = "session"
	HeaderSubscription  = "subscription"
	HeaderTransaction   = "transaction"
	HeaderVersion       = "version"
)

// Header is a single name and value pair.
type Header struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Headers is an ordered sequence of unique named headers.
type Headers []Header

// Get returns the value of a header and whether it was present.
func (h Headers) Get(key string) (string, bool) {
	for _, v := range h {
		if v.Key == key {
			return v.Value, true
		}
	}

	return "", false
}

// Value returns the value of a header, or an empty string if it is not present.
func (h Headers) Value(key string) string {
	v, _ := h.Get(key)
	return v
}

// Contains returns true if a header exists.
func (h Headers) Contains(key string) bool {
	_, ok := h.Get(key)
	return ok
}

// Set sets the value of a header. An existing header keeps its position
// and takes the new value.
func (h *Headers) Set(key, value string) {
	for i := range *h {
		if (*h)[i].Key == key {
			(*h)[i].Value = value
			return
		}
	}

	*h = append(*h, Header{Key: key, Value: value})
}

// Del removes a header.
func (h *Headers) Del(key string) {
	for i := range *h {
		if (*h)[i].Key == key {
			*h = append((*h)[:i], (*h)[i+1:]...)
			return
		}
	}
}

// Copy returns a new copy of the headers.
func (h Headers) Copy() Headers {
	if h == nil {
		return nil
	}

	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Frame is a single STOMP frame.
type Frame struct {
	Command Command `json:"command" yaml:"command"`
	Headers Headers `json:"headers" yaml:"headers"`
	Body    []byte  `json:"body" yaml:"body"`
}

// New returns a new frame with the given command and header pairs, which
// should be given as alternating names and values.
func New(cmd Command, pairs ...string) Frame {
	f := Frame{Command: cmd}
	for i := 0; i+1 < len(pairs); i += 2 {
		f.Headers.Set(pairs[i], pairs[i+1])
	}

	return f
}

// IsHeartbeat returns true if the frame represents a bare EOL heartbeat.
func (f Frame) IsHeartbeat() bool {
	return f.Command == ""
}

// Header returns the value of the named header.
func (f Frame) Header(key string) string {
	return f.Headers.Value(key)
}

// ContentLength returns the value of the content-length header, and whether
// it was present and valid.
func (f Frame) ContentLength() (int, bool) {
	v, ok := f.Headers.Get(HeaderContentLength)
	if !ok {
		return 0, false
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}

// Copy creates a new instance of a frame which shares no memory with the original.
func (f Frame) Copy() Frame {
	out := Frame{
		Command: f.Command,
		Headers: f.Headers.Copy(),
	}

	if f.Body != nil {
		out.Body = append([]byte{}, f.Body...)
	}

	return out
}

// Size returns the number of bytes the frame occupies on the wire, assuming
// no header escapes are required.
func (f Frame) Size() int {
	if f.IsHeartbeat() {
		return 1
	}

	n := len(f.Command) + 1
	for _, h := range f.Headers {
		n += len(h.Key) + len(h.Value) + 2
	}

	return n + 1 + len(f.Body) + 1
}

// String returns a readable summary of the frame, for logging.
func (f Frame) String() string {
	if f.IsHeartbeat() {
		return "HEARTBEAT"
	}

	var sb strings.Builder
	sb.WriteString(string(f.Command))
	for _, h := range f.Headers {
		if h.Key == HeaderPasscode {
			continue
		}
		sb.WriteString(" " + h.Key + "=" + h.Value)
	}

	sb.WriteString(" body=" + strconv.Itoa(len(f.Body)))
	return sb.String()
}
