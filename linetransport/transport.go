// Package linetransport frames newline-terminated UTF-8 text over a byte
// stream. A Transport buffers partial reads until a full line is available and
// serialises writers so concurrent SendLine calls never interleave mid-line.
package linetransport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// ReplacementChar is substituted for byte sequences that are not valid UTF-8.
const ReplacementChar = "\uFFFD"

var (
	// ErrEndOfStream is returned by ReceiveLine when the peer closes the
	// stream before a newline arrives.
	ErrEndOfStream = errors.New("end of stream")

	// ErrEmbeddedNewline is returned by SendLine when the text would break
	// line framing.
	ErrEmbeddedNewline = errors.New("line contains an embedded newline")
)

// TransportError is an I/O failure on the underlying stream.
type TransportError struct {
	Op   string // "read", "write" or "close"
	Addr string // remote address
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsDisconnect reports whether err means the peer is gone: either the stream
// ended or an I/O error occurred on it.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	return errors.Is(err, ErrEndOfStream) || errors.As(err, &te)
}

// Option configures a Transport.
type Option func(*Transport)

// WithWriteTimeout bounds each SendLine call. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.writeTimeout = d
	}
}

// Transport reads and writes lines over a net.Conn. ReceiveLine must only be
// called from one goroutine at a time; SendLine and Close are safe for
// concurrent use.
type Transport struct {
	conn         net.Conn
	reader       *bufio.Reader
	addr         string
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// New wraps conn in a line Transport. The Transport owns conn from now on.
//
// Parameters:
//   - conn: The connected stream
//   - opts: Optional settings such as WithWriteTimeout
//
// Returns:
//   - A ready-to-use *Transport
func New(conn net.Conn, opts ...Option) *Transport {
	t := &Transport{
		conn:   conn,
		reader: bufio.NewReader(conn),
		addr:   remoteAddr(conn),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// SendLine writes text followed by a single '\n'. The whole line is written
// under the transport's write lock, so lines from concurrent callers never
// interleave.
//
// Parameters:
//   - text: The line to send, without a trailing newline
//
// Returns:
//   - ErrEmbeddedNewline if text contains '\n', a *TransportError if the
//     write fails, or nil
func (t *Transport) SendLine(text string) error {
	if strings.ContainsRune(text, '\n') {
		return ErrEmbeddedNewline
	}

	data := make([]byte, 0, len(text)+1)
	data = append(data, text...)
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return &TransportError{Op: "write", Addr: t.addr, Err: err}
		}

		defer func() {
			_ = t.conn.SetWriteDeadline(time.Time{})
		}()
	}

	if _, err := t.conn.Write(data); err != nil {
		return &TransportError{Op: "write", Addr: t.addr, Err: err}
	}

	return nil
}

// ReceiveLine blocks until a full line is buffered and returns it without the
// trailing "\n" (or "\r\n"). Invalid UTF-8 is replaced with ReplacementChar
// rather than failing the read.
//
// Returns:
//   - The decoded line
//   - ErrEndOfStream if the peer closed before a newline arrived, or a
//     *TransportError for any other read failure
func (t *Transport) ReceiveLine() (string, error) {
	raw, err := t.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", ErrEndOfStream
		}

		return "", &TransportError{Op: "read", Addr: t.addr, Err: err}
	}

	line := strings.TrimSuffix(raw, "\n")
	line = strings.TrimSuffix(line, "\r")

	return strings.ToValidUTF8(line, ReplacementChar), nil
}

// SetReadDeadline sets the deadline for pending and future ReceiveLine calls.
// A zero value clears it.
func (t *Transport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

// RemoteAddr returns the peer address as a string.
func (t *Transport) RemoteAddr() string {
	return t.addr
}

// Close half-closes the write side when supported, then closes the stream.
// Only the first call has an effect; later calls return the first result.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if cw, ok := t.conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}

		if err := t.conn.Close(); err != nil {
			t.closeErr = &TransportError{Op: "close", Addr: t.addr, Err: err}
		}
	})

	return t.closeErr
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}

	return ""
}
