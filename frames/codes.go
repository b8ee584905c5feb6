// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package frames

import "errors"

// Code contains an error code and reason string for a failure which may be
// returned to a client in an ERROR frame.
type Code struct {
	Reason string
	Code   byte
}

// String returns the readable reason for a code.
func (c Code) String() string {
	return c.Reason
}

// Error returns the readable reason for a code.
func (c Code) Error() string {
	return c.Reason
}

var (
	CodeDisconnect = Code{Code: 0x00, Reason: "disconnected"}

	ErrMalformedFrame        = Code{Code: 0x81, Reason: "malformed frame"}
	ErrUnknownCommand        = Code{Code: 0x82, Reason: "unknown command"}
	ErrFrameTooLarge         = Code{Code: 0x83, Reason: "frame too large"}
	ErrMissingHeader         = Code{Code: 0x84, Reason: "missing required header"}
	ErrProtocolState         = Code{Code: 0x85, Reason: "frame not permitted in current session state"}
	ErrUnsupportedVersion    = Code{Code: 0x86, Reason: "supported protocol versions are 1.0,1.1,1.2"}
	ErrConnectRejected       = Code{Code: 0x87, Reason: "connection rejected"}
	ErrSessionLimit          = Code{Code: 0x88, Reason: "server busy"}
	ErrHeartbeatTimeout      = Code{Code: 0x89, Reason: "heart-beat timeout"}
	ErrBackpressure          = Code{Code: 0x8A, Reason: "outbound queue full"}
	ErrServerShuttingDown    = Code{Code: 0x8B, Reason: "server shutting down"}
	ErrSessionTakenDown      = Code{Code: 0x8C, Reason: "session taken down"}
	ErrApplicationFailure    = Code{Code: 0x8D, Reason: "application handler failed"}
	ErrNotFound              = Code{Code: 0x90, Reason: "not found"}
	ErrDuplicateSubscription = Code{Code: 0x91, Reason: "subscription id already in use"}
	ErrBrokerUnavailable     = Code{Code: 0x92, Reason: "broker unavailable"}
	ErrRejectFrame           = Code{Code: 0x93, Reason: "frame rejected"}
)

// fatal codes result in the connection being closed after the ERROR frame is sent.
var fatal = map[Code]bool{
	ErrMalformedFrame:     true,
	ErrUnknownCommand:     true,
	ErrFrameTooLarge:      true,
	ErrMissingHeader:      true,
	ErrProtocolState:      true,
	ErrUnsupportedVersion: true,
	ErrConnectRejected:    true,
	ErrSessionLimit:       true,
	ErrHeartbeatTimeout:   true,
	ErrBackpressure:       true,
	ErrServerShuttingDown: true,
	ErrSessionTakenDown:   true,
	ErrApplicationFailure: true,
}

// IsRetryable returns true if the operation which produced err may succeed if
// attempted again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBrokerUnavailable)
}

// IsFatal returns true if err should terminate the session it occurred on.
// Errors which are not codes, such as transport errors, are always fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var code Code
	if !errors.As(err, &code) {
		return true
	}

	return fatal[code]
}
