// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package frames

import (
	"strconv"
	"strings"
	"time"
)

// NewConnected returns a CONNECTED frame for a negotiated session.
func NewConnected(version, session, server string, send, receive time.Duration) Frame {
	return New(Connected,
		HeaderVersion, version,
		HeaderHeartBeat, FormatHeartBeat(send, receive),
		HeaderSession, session,
		HeaderServer, server,
	)
}

// NewError returns an ERROR frame describing err. If the frame which caused the
// error requested a receipt, the receipt id is included.
func NewError(err error, receipt string, detail string) Frame {
	f := New(Error, HeaderMessage, err.Error())
	if receipt != "" {
		f.Headers.Set(HeaderReceiptID, receipt)
	}

	if detail != "" {
		f.Headers.Set(HeaderContentType, "text/plain")
		f.Headers.Set(HeaderContentLength, strconv.Itoa(len(detail)))
		f.Body = []byte(detail)
	}

	return f
}

// NewMessage returns a MESSAGE frame for delivery to a subscription. Headers
// from the source frame other than the transport headers are carried over.
func NewMessage(destination, subscription, messageID string, source Headers, body []byte) Frame {
	f := Frame{Command: Message}
	f.Headers.Set(HeaderDestination, destination)
	f.Headers.Set(HeaderMessageID, messageID)
	f.Headers.Set(HeaderSubscription, subscription)
	for _, h := range source {
		switch h.Key {
		case HeaderDestination, HeaderMessageID, HeaderSubscription,
			HeaderReceipt, HeaderTransaction, HeaderContentLength:
			continue
		}
		f.Headers.Set(h.Key, h.Value)
	}

	f.Headers.Set(HeaderContentLength, strconv.Itoa(len(body)))
	f.Body = body
	return f
}

// NewReceipt returns a RECEIPT frame acknowledging a receipt request.
func NewReceipt(id string) Frame {
	return New(Receipt, HeaderReceiptID, id)
}

// ParseHeartBeat parses a heart-beat header value in the form "cx,cy",
// returning the two intervals. An empty value means no heartbeats.
func ParseHeartBeat(v string) (x, y time.Duration, err error) {
	if v == "" {
		return 0, 0, nil
	}

	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, ErrMalformedFrame
	}

	cx, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return 0, 0, ErrMalformedFrame
	}

	cy, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return 0, 0, ErrMalformedFrame
	}

	return time.Duration(cx) * time.Millisecond, time.Duration(cy) * time.Millisecond, nil
}

// FormatHeartBeat formats two intervals as a heart-beat header value.
func FormatHeartBeat(x, y time.Duration) string {
	return strconv.FormatInt(x.Milliseconds(), 10) + "," + strconv.FormatInt(y.Milliseconds(), 10)
}

// NegotiateHeartBeat returns the intervals at which the server must send
// heartbeats to the client (out) and expects to receive them (in), given the
// client's requested cx,cy and the server's configured sx,sy. A zero on either
// side disables that direction.
func NegotiateHeartBeat(cx, cy, sx, sy time.Duration) (out, in time.Duration) {
	if sx > 0 && cy > 0 {
		out = max(sx, cy)
	}

	if cx > 0 && sy > 0 {
		in = max(cx, sy)
	}

	return
}

// NegotiateVersion returns the highest protocol version listed in an
// accept-version header which is also supported. A missing header implies 1.0.
func NegotiateVersion(acceptVersion string, supported []string) (string, bool) {
	if acceptVersion == "" {
		acceptVersion = Version10
	}

	var best string
	for _, v := range strings.Split(acceptVersion, ",") {
		v = strings.TrimSpace(v)
		for _, s := range supported {
			if v == s && v > best {
				best = v
			}
		}
	}

	return best, best != ""
}
