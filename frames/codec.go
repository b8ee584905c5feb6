// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package frames

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// DefaultMaximumFrameSize is the largest frame accepted by a reader when no limit is given.
	DefaultMaximumFrameSize = 128 * 1024

	nul = 0x00
	lf  = '\n'
	cr  = '\r'
)

// Heartbeat is the wire representation of a heartbeat.
var Heartbeat = []byte{lf}

var (
	encoder = strings.NewReplacer("\\", "\\\\", "\r", "\\r", "\n", "\\n", ":", "\\c")
)

// Encode returns the wire bytes of the frame.
func Encode(f Frame) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := f.Encode(buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Encode writes the frame to buf. Encoding never adds or alters headers, so
// that any frame which encodes successfully decodes to an identical frame.
func (f Frame) Encode(buf *bytes.Buffer) error {
	return f.encode(buf, f.Command.escaped())
}

// EncodeVersion writes the frame to buf for a session using the negotiated
// protocol version. Headers are written verbatim for STOMP 1.0, and fail to
// encode if they contain an EOL.
func (f Frame) EncodeVersion(buf *bytes.Buffer, version string) error {
	return f.encode(buf, f.Command.escaped() && Escaped(version))
}

func (f Frame) encode(buf *bytes.Buffer, escape bool) error {
	if f.IsHeartbeat() {
		buf.Write(Heartbeat)
		return nil
	}

	if !f.Command.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, f.Command)
	}

	if err := f.validateBody(); err != nil {
		return err
	}

	buf.WriteString(string(f.Command))
	buf.WriteByte(lf)

	for _, h := range f.Headers {
		if h.Key == "" {
			return fmt.Errorf("%w: empty header name", ErrMalformedFrame)
		}

		if escape {
			buf.WriteString(encoder.Replace(h.Key))
			buf.WriteByte(':')
			buf.WriteString(encoder.Replace(h.Value))
		} else {
			if strings.ContainsAny(h.Key, "\r\n:") || strings.ContainsAny(h.Value, "\r\n") {
				return fmt.Errorf("%w: header %q cannot be represented in %s frame", ErrMalformedFrame, h.Key, f.Command)
			}
			buf.WriteString(h.Key)
			buf.WriteByte(':')
			buf.WriteString(h.Value)
		}
		buf.WriteByte(lf)
	}

	buf.WriteByte(lf)
	buf.Write(f.Body)
	buf.WriteByte(nul)

	return nil
}

// validateBody ensures the body can be recovered by a decoder.
func (f Frame) validateBody() error {
	v, ok := f.Headers.Get(HeaderContentLength)
	if !ok {
		if bytes.IndexByte(f.Body, nul) >= 0 {
			return fmt.Errorf("%w: body contains NUL without content-length", ErrMalformedFrame)
		}
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n != len(f.Body) {
		return fmt.Errorf("%w: content-length %q does not match body length %d", ErrMalformedFrame, v, len(f.Body))
	}

	return nil
}

// Decode decodes the first frame in b. Leading EOLs are skipped.
func Decode(b []byte) (Frame, error) {
	r := NewReader(bytes.NewReader(b), max(len(b), DefaultMaximumFrameSize))
	for {
		f, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return f, fmt.Errorf("%w: %v", ErrMalformedFrame, io.ErrUnexpectedEOF)
			}
			return f, err
		}

		if !f.IsHeartbeat() {
			return f, nil
		}
	}
}

// Reader reads successive frames from a byte stream.
type Reader struct {
	r        *bufio.Reader
	max      int  // the maximum size of a single frame
	n        int  // the number of bytes consumed by the current frame
	verbatim bool // headers are read without unescaping, as in STOMP 1.0
	scratch  bytes.Buffer
}

// NewReader returns a frame reader for r. Frames larger than maxSize bytes
// fail with ErrFrameTooLarge. If maxSize is 0, DefaultMaximumFrameSize is used.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaximumFrameSize
	}

	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	return &Reader{
		r:   br,
		max: maxSize,
	}
}

// SetVersion sets the protocol version negotiated for the stream, which
// decides whether header values are unescaped.
func (r *Reader) SetVersion(version string) {
	r.verbatim = !Escaped(version)
}

// Read reads the next frame. A bare EOL is returned as a heartbeat frame (see
// Frame.IsHeartbeat). io.EOF is returned only if the stream ends cleanly
// between frames.
func (r *Reader) Read() (f Frame, err error) {
	r.n = 0
	line, err := r.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) && r.n == 0 {
			return f, io.EOF
		}
		return f, r.unexpected(err)
	}

	if len(line) == 0 {
		return f, nil
	}

	f.Command = Command(line)
	if !f.Command.Valid() {
		return f, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
	}

	escaped := f.Command.escaped() && !r.verbatim
	for {
		line, err = r.readLine()
		if err != nil {
			return f, r.unexpected(err)
		}

		if len(line) == 0 {
			break
		}

		i := strings.IndexByte(line, ':')
		if i < 1 {
			return f, fmt.Errorf("%w: invalid header line %q", ErrMalformedFrame, line)
		}

		k, v := line[:i], line[i+1:]
		if escaped {
			if k, err = unescape(k); err != nil {
				return f, err
			}
			if v, err = unescape(v); err != nil {
				return f, err
			}
		}

		f.Headers.Set(k, v)
	}

	f.Body, err = r.readBody(f)
	if err != nil {
		return f, err
	}

	return f, nil
}

// readLine reads a single line, less any EOL characters.
func (r *Reader) readLine() (string, error) {
	r.scratch.Reset()
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			return "", err
		}

		if err := r.count(1); err != nil {
			return "", err
		}

		if b == lf {
			break
		}

		r.scratch.WriteByte(b)
	}

	line := r.scratch.Bytes()
	if n := len(line); n > 0 && line[n-1] == cr {
		line = line[:n-1]
	}

	return string(line), nil
}

// readBody reads the frame body and the terminating NUL.
func (r *Reader) readBody(f Frame) ([]byte, error) {
	if v, ok := f.Headers.Get(HeaderContentLength); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: invalid content-length %q", ErrMalformedFrame, v)
		}

		if err := r.count(n + 1); err != nil {
			return nil, err
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(r.r, body); err != nil {
			return nil, r.unexpected(err)
		}

		b, err := r.r.ReadByte()
		if err != nil {
			return nil, r.unexpected(err)
		}

		if b != nul {
			return nil, fmt.Errorf("%w: frame body not terminated by NUL", ErrMalformedFrame)
		}

		if n == 0 {
			return nil, nil
		}

		return body, nil
	}

	r.scratch.Reset()
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			return nil, r.unexpected(err)
		}

		if err := r.count(1); err != nil {
			return nil, err
		}

		if b == nul {
			break
		}

		r.scratch.WriteByte(b)
	}

	if r.scratch.Len() == 0 {
		return nil, nil
	}

	return append([]byte{}, r.scratch.Bytes()...), nil
}

// count adds n bytes to the size of the current frame.
func (r *Reader) count(n int) error {
	r.n += n
	if r.n > r.max {
		return fmt.Errorf("%w: exceeds %d bytes", ErrFrameTooLarge, r.max)
	}

	return nil
}

// unexpected converts a stream error which occurred within a frame.
func (r *Reader) unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, io.ErrUnexpectedEOF)
	}

	return err
}

// unescape decodes the escape sequences of a header name or value.
func unescape(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}

	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			sb.WriteByte(s[i])
			continue
		}

		i++
		if i == len(s) {
			return "", fmt.Errorf("%w: incomplete escape sequence", ErrMalformedFrame)
		}

		switch s[i] {
		case 'r':
			sb.WriteByte(cr)
		case 'n':
			sb.WriteByte(lf)
		case 'c':
			sb.WriteByte(':')
		case '\\':
			sb.WriteByte('\\')
		default:
			return "", fmt.Errorf("%w: undefined escape sequence \\%c", ErrMalformedFrame, s[i])
		}
	}

	return sb.String(), nil
}
