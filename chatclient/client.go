// Package chatclient provides the linechat client: a synchronous nickname
// handshake followed by a receive goroutine that delivers server lines to a
// registered handler, while the caller drives the transmit side.
package chatclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/linechat/linetransport"
	"github.com/cyberinferno/linechat/logger"
	"github.com/cyberinferno/linechat/protocol"
)

// DisconnectNotice is delivered to the line handler when the server goes away
// without saying BYE.
const DisconnectNotice = "[안내] 서버와의 연결이 종료되었습니다."

var (
	// ErrProtocolMismatch is matched by every *ProtocolError.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrNotConnected is returned when sending without a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned by any operation after Close.
	ErrClosed = errors.New("client is closed")

	// ErrAlreadyConnected is returned by Connect while a connection is open or
	// being opened.
	ErrAlreadyConnected = errors.New("already connected or connecting")
)

// ProtocolError reports an unexpected line during the handshake.
type ProtocolError struct {
	Step     string // "prompt" or "assignment"
	Expected string
	Received string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol mismatch at %s: expected %q, received %q", e.Step, e.Expected, e.Received)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolMismatch }

// ConnectionState represents the current state of the client connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // No connection; Connect may be called
	Connecting                          // Dial in progress
	Handshaking                         // Negotiating the nickname
	Connected                           // Handshake done, lines flowing
	Closed                              // Client closed for good
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The server address
	Timestamp time.Time       // When the change occurred
	Error     error           // Cause, if the change was due to a failure
}

// LineReceivedEvent carries one line from the server.
type LineReceivedEvent struct {
	Line      string
	System    bool // Line is a notice rather than chat
	Timestamp time.Time
}

// ConnectionStateHandler is called on every state change.
type ConnectionStateHandler func(event ConnectionStateEvent)

// LineHandler is called for each line received from the server, in arrival
// order, on the client's receive goroutine. It must not block for long and
// must not call Close.
type LineHandler func(event LineReceivedEvent)

// Config holds connection settings for a Client.
type Config struct {
	// Address is the server "host:port".
	Address string
	// ConnectionTimeout bounds the TCP dial.
	ConnectionTimeout time.Duration
	// HandshakeTimeout bounds the wait for each handshake line; 0 disables it.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each line sent; 0 disables it.
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config for address with 10s dial, handshake and
// write timeouts.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ConnectionTimeout: 10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Client is a linechat connection. Register handlers, then call Connect. A
// Client that failed to connect, or whose connection ended, may Connect
// again. It is safe for concurrent use.
type Client struct {
	config Config
	logger logger.Logger

	mu        sync.RWMutex
	state     ConnectionState
	transport *linetransport.Transport
	nickname  string
	roster    []string
	alive     bool
	done      chan struct{}
	closed    bool

	onConnectionState ConnectionStateHandler
	onLine            LineHandler

	wg sync.WaitGroup
}

// New creates a disconnected Client.
//
// Parameters:
//   - config: Connection settings (e.g. from DefaultConfig)
//   - log: Logger for connection events; nil disables logging
//
// Returns:
//   - A new *Client; call Close when done
func New(config Config, log logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}

	done := make(chan struct{})
	close(done)

	return &Client{
		config: config,
		logger: log,
		state:  Disconnected,
		done:   done,
	}
}

// OnConnectionState registers the handler for state changes, replacing any
// previous one. Pass nil to clear it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnLine registers the handler for received lines, replacing any previous
// one. Pass nil to clear it.
func (c *Client) OnLine(handler LineHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLine = handler
}

// Connect dials the server, performs the nickname handshake and starts the
// receive goroutine. On failure the client is left Disconnected and may try
// again.
//
// Parameters:
//   - ctx: Cancels the dial and the handshake
//   - nickname: The requested nickname; the server may assign a different one
//
// Returns:
//   - The assigned nickname
//   - An error: ErrClosed, ErrAlreadyConnected, a *ProtocolError, or the
//     dial/transport failure
func (c *Client) Connect(ctx context.Context, nickname string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.state != Disconnected {
		c.mu.Unlock()
		return "", ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()
	c.emitConnectionState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		err = fmt.Errorf("connect %s: %w", c.config.Address, err)
		c.setState(Disconnected, err)
		return "", err
	}

	transport := linetransport.New(conn, linetransport.WithWriteTimeout(c.config.WriteTimeout))
	c.setState(Handshaking, nil)

	assigned, err := c.handshake(ctx, transport, nickname)
	if err != nil {
		_ = transport.Close()
		c.logger.Debug("handshake failed", logger.Field{Key: "error", Value: err})
		c.setState(Disconnected, err)
		return "", err
	}

	done := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = transport.Close()
		return "", ErrClosed
	}
	c.transport = transport
	c.nickname = assigned
	c.roster = nil
	c.alive = true
	c.done = done
	c.state = Connected
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("connected",
		logger.Field{Key: "addr", Value: c.config.Address},
		logger.Field{Key: "nickname", Value: assigned},
	)
	c.emitConnectionState(Connected, nil)

	go c.receiveLoop(transport, done)

	return assigned, nil
}

func (c *Client) handshake(ctx context.Context, t *linetransport.Transport, nickname string) (string, error) {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	receive := func() (string, error) {
		if c.config.HandshakeTimeout > 0 {
			if err := t.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout)); err != nil {
				return "", err
			}
		}

		line, err := t.ReceiveLine()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("handshake: %w", err)
		}

		return line, nil
	}

	prompt, err := receive()
	if err != nil {
		return "", err
	}
	if prompt != protocol.NickPrompt {
		return "", &ProtocolError{Step: "prompt", Expected: protocol.NickPrompt, Received: prompt}
	}

	if err := t.SendLine(nickname); err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}

	reply, err := receive()
	if err != nil {
		return "", err
	}

	assigned, ok := protocol.ParseNickAssigned(reply)
	if !ok {
		return "", &ProtocolError{Step: "assignment", Expected: protocol.NickAssigned + "<nickname>", Received: reply}
	}

	if !stop() {
		return "", ctx.Err()
	}

	if err := t.SetReadDeadline(time.Time{}); err != nil {
		return "", fmt.Errorf("handshake: %w", err)
	}

	return assigned, nil
}

func (c *Client) receiveLoop(t *linetransport.Transport, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	for {
		line, err := t.ReceiveLine()
		if err != nil {
			if c.markDead() {
				c.logger.Debug("connection lost", logger.Field{Key: "error", Value: err})
				c.emitLine(DisconnectNotice)
			} else {
				err = nil
			}
			c.finish(t, err)
			return
		}

		if line == protocol.Bye {
			c.markDead()
			c.finish(t, nil)
			return
		}

		if names, ok := protocol.ParseRoster(line); ok {
			c.mu.Lock()
			c.roster = names
			c.mu.Unlock()
		}

		c.emitLine(line)
	}
}

// markDead clears the alive flag and reports whether it was set.
func (c *Client) markDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasAlive := c.alive
	c.alive = false
	return wasAlive
}

func (c *Client) finish(t *linetransport.Transport, cause error) {
	_ = t.Close()

	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	c.mu.Unlock()

	c.setState(Disconnected, cause)
}

// Submit sends one line of user input. Empty input is skipped. The
// "@name message" shorthand is rewritten to a whisper command first.
//
// Parameters:
//   - line: The user's input line
//
// Returns:
//   - quit: true if the line was the quit marker, after which the caller
//     should stop sending
//   - An error: ErrClosed, ErrNotConnected, or the transport failure
func (c *Client) Submit(line string) (bool, error) {
	if line == "" {
		return false, nil
	}

	c.mu.RLock()
	t, alive, closed := c.transport, c.alive, c.closed
	c.mu.RUnlock()

	if closed {
		return false, ErrClosed
	}
	if t == nil || !alive {
		return false, ErrNotConnected
	}

	text := protocol.RewriteShorthand(line)
	if err := t.SendLine(text); err != nil {
		if linetransport.IsDisconnect(err) {
			c.markDead()
		}
		return false, err
	}

	return strings.TrimSpace(text) == protocol.QuitMarker, nil
}

// RunTransmit forwards r line by line through Submit until the quit marker is
// sent, the connection ends, or r is exhausted. End of input is treated as
// the quit marker.
//
// Returns:
//   - nil on an orderly finish, or the first read or send error
func (c *Client) RunTransmit(r io.Reader) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}

		if line != "" {
			if !c.Alive() {
				return nil
			}

			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			quit, serr := c.Submit(line)
			if serr != nil {
				return serr
			}
			if quit {
				return nil
			}
		}

		if err != nil {
			break
		}
	}

	if !c.Alive() {
		return nil
	}

	_, err := c.Submit(protocol.QuitMarker)
	return err
}

// Disconnect sends the quit marker (best effort) and closes the connection.
// The client returns to Disconnected and may Connect again once Done is
// closed. Safe to call when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	t := c.transport
	c.alive = false
	c.mu.Unlock()

	if t == nil {
		return nil
	}

	_ = t.SendLine(protocol.QuitMarker)
	return t.Close()
}

// Close disconnects and waits for the receive goroutine to exit. The client
// cannot be used afterwards. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	t := c.transport
	c.alive = false
	c.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}

	c.wg.Wait()
	c.setState(Closed, nil)

	return nil
}

// Done is closed when the current connection's receive goroutine exits. It
// is already closed when there is no connection.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// Alive reports whether the connection is open and has not seen BYE.
func (c *Client) Alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.alive
}

// Nickname returns the nickname assigned by the last successful Connect.
func (c *Client) Nickname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nickname
}

// Roster returns the names from the last roster line received, or nil if
// none has arrived on this connection.
func (c *Client) Roster() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.roster == nil {
		return nil
	}

	return append([]string(nil), c.roster...)
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// setState records state unless the client was closed in the meantime; only
// Closed itself is recorded after Close.
func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	if c.closed && state != Closed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.emitConnectionState(state, err)
}

func (c *Client) emitConnectionState(state ConnectionState, err error) {
	c.mu.RLock()
	handler := c.onConnectionState
	c.mu.RUnlock()

	if handler != nil {
		handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (c *Client) emitLine(line string) {
	c.mu.RLock()
	handler := c.onLine
	c.mu.RUnlock()

	if handler != nil {
		handler(LineReceivedEvent{
			Line:      line,
			System:    line == DisconnectNotice || protocol.IsSystemLine(line),
			Timestamp: time.Now(),
		})
	}
}
