package chatserver

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cyberinferno/linechat/linetransport"
	"github.com/cyberinferno/linechat/logger"
	"github.com/cyberinferno/linechat/protocol"
)

// State is the lifecycle stage of a Session.
type State int32

const (
	Connecting  State = iota // accepted, nickname prompt not yet sent
	Handshaking              // waiting for the requested nickname
	Active                   // registered and processing commands
	Closing                  // leaving the registry
	Closed                   // transport released
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Session handles one client connection: the nickname handshake, then one
// command per received line until the client quits or the stream ends.
//
// The nickname is set once before the session is registered and never
// changes, so other handlers may read it through the registry without locking.
type Session struct {
	id        uuid.UUID
	server    *Server
	transport *linetransport.Transport
	logger    logger.Logger
	nickname  string
	state     atomic.Int32
}

func newSession(id uuid.UUID, server *Server, transport *linetransport.Transport, log logger.Logger) *Session {
	return &Session{
		id:        id,
		server:    server,
		transport: transport,
		logger:    log,
	}
}

// ID returns the connection id assigned at accept time.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Nickname returns the assigned nickname, or "" before the handshake.
func (s *Session) Nickname() string {
	return s.nickname
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

// SendLine writes one line to this session's client. It is safe to call from
// any handler.
func (s *Session) SendLine(line string) error {
	return s.transport.SendLine(line)
}

// Close releases the transport. The session's own Handle observes the closed
// stream on its next read and finishes cleanup. Safe to call multiple times.
func (s *Session) Close() error {
	return s.transport.Close()
}

// Handle runs the session to completion. The server starts it in its own
// goroutine.
func (s *Session) Handle() {
	defer s.server.removeConn(s.ID())

	if err := s.handshake(); err != nil {
		s.server.metrics.handshakeFailed()
		s.logger.Warn("handshake failed", logger.Field{Key: "error", Value: err})
		_ = s.transport.Close()
		s.setState(Closed)
		return
	}

	s.serve()
	s.leave()
}

func (s *Session) handshake() error {
	if err := s.transport.SendLine(protocol.NickPrompt); err != nil {
		return err
	}
	s.setState(Handshaking)

	requested, err := s.transport.ReceiveLine()
	if err != nil {
		return err
	}

	reg := s.server.registry
	nick := reg.ReserveNickname(requested)

	// NICK: goes out before Register so no broadcast can reach the client
	// ahead of it.
	if err := s.transport.SendLine(protocol.NickAssignedLine(nick)); err != nil {
		reg.Release(nick)
		return err
	}

	s.nickname = nick
	if err := reg.Register(nick, s); err != nil {
		reg.Release(nick)
		return err
	}

	s.logger = s.logger.With(logger.Field{Key: "nickname", Value: nick})
	s.setState(Active)
	s.server.metrics.sessionJoined()
	s.server.publishJoined(nick)
	s.logger.Info("session joined", logger.Field{Key: "requested", Value: requested})

	s.server.broadcast(protocol.JoinNotice(nick), kindSystem)
	return nil
}

func (s *Session) serve() {
	for {
		line, err := s.transport.ReceiveLine()
		if err != nil {
			if !errors.Is(err, linetransport.ErrEndOfStream) {
				s.logger.Debug("read failed", logger.Field{Key: "error", Value: err})
			}
			return
		}

		cmd := protocol.ParseCommand(line)
		s.logger.Debug("line received", logger.Field{Key: "kind", Value: cmd.Kind.String()})

		switch cmd.Kind {
		case protocol.Empty:
			continue
		case protocol.Quit:
			_ = s.transport.SendLine(protocol.Bye)
			return
		case protocol.Who:
			s.server.metrics.line(kindWho)
			s.server.deliver(s, s.server.roster.line())
		case protocol.Malformed:
			s.server.metrics.line(kindFormatError)
			s.server.deliver(s, protocol.WhisperUsageNotice())
		case protocol.Whisper:
			s.whisper(cmd.Target, cmd.Body)
		case protocol.Chat:
			s.server.broadcast(protocol.ChatLine(s.nickname, cmd.Text), kindChat)
		}
	}
}

func (s *Session) whisper(target, body string) {
	peer, ok := s.server.registry.Lookup(target)
	if !ok {
		s.server.metrics.line(kindTargetNotFound)
		s.server.deliver(s, protocol.TargetNotFoundNotice(target))
		return
	}

	s.server.metrics.line(kindWhisper)
	s.server.deliver(peer, protocol.WhisperLine(s.nickname, body))
	s.server.deliver(s, protocol.WhisperEchoLine(s.nickname, target, body))
}

func (s *Session) leave() {
	s.setState(Closing)

	if s.server.registry.Unregister(s.nickname) {
		s.server.metrics.sessionLeft()
		s.server.publishLeft(s.nickname)
		s.logger.Info("session left")
		s.server.broadcast(protocol.LeaveNotice(s.nickname), kindSystem)
	}

	_ = s.transport.Close()
	s.setState(Closed)
}

// setState is only called from the session's own goroutine.
func (s *Session) setState(state State) {
	prev := State(s.state.Swap(int32(state)))
	s.logger.Debug("session state",
		logger.Field{Key: "from", Value: prev.String()},
		logger.Field{Key: "to", Value: state.String()},
	)
}
