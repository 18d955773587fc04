// Package chatserver implements the linechat server: a TCP listener that runs
// one Session per connection, all sharing a single nickname Registry.
package chatserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cyberinferno/linechat/linetransport"
	"github.com/cyberinferno/linechat/logger"
	"github.com/cyberinferno/linechat/presence"
	"github.com/cyberinferno/linechat/registry"
)

const presenceTimeout = 2 * time.Second

// Options configures a Server. Only Addr is required.
type Options struct {
	// Addr is the "host:port" to listen on; port 0 picks a free port.
	Addr string
	// Logger receives server and per-connection logs. Defaults to logger.Nop().
	Logger logger.Logger
	// Metrics records server counters; nil disables them.
	Metrics *Metrics
	// Presence mirrors online nicknames; defaults to presence.Nop{}.
	Presence presence.Publisher
	// WriteTimeout bounds each line written to a client; 0 means no timeout.
	WriteTimeout time.Duration
	// RosterCacheTTL is how long a rendered /who line is kept; 0 uses 30s.
	RosterCacheTTL time.Duration
}

// Server accepts chat connections and owns the Registry shared by their
// sessions.
type Server struct {
	addr         string
	logger       logger.Logger
	metrics      *Metrics
	presence     presence.Publisher
	registry     *registry.Registry
	roster       *rosterCache
	writeTimeout time.Duration

	running  atomic.Bool
	mu       sync.Mutex
	listener net.Listener
	conns    map[uuid.UUID]*Session
	wg       sync.WaitGroup
}

// NewServer creates a Server that is not yet listening.
//
// Parameters:
//   - opts: Listen address and optional collaborators
//
// Returns:
//   - A *Server; call Start or ListenAndServe to accept connections
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	pub := opts.Presence
	if pub == nil {
		pub = presence.Nop{}
	}

	reg := registry.New()

	return &Server{
		addr:         opts.Addr,
		logger:       log,
		metrics:      opts.Metrics,
		presence:     pub,
		registry:     reg,
		roster:       newRosterCache(reg, opts.RosterCacheTTL),
		writeTimeout: opts.WriteTimeout,
		conns:        make(map[uuid.UUID]*Session),
	}
}

// Start binds the listen address and begins accepting connections in a
// goroutine.
//
// Returns:
//   - An error if the server is already running or if listening fails
func (srv *Server) Start() error {
	if !srv.running.CompareAndSwap(false, true) {
		return errors.New("chat server already running")
	}

	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		srv.running.Store(false)
		srv.logger.Error("chat server failed to start", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("chat server failed to listen on %s: %w", srv.addr, err)
	}

	// Stop may have run while listening; it cannot see ln until it is
	// published here.
	srv.mu.Lock()
	if !srv.running.Load() {
		srv.mu.Unlock()
		_ = ln.Close()
		return errors.New("chat server stopped while starting")
	}
	srv.listener = ln
	srv.wg.Add(1)
	srv.mu.Unlock()

	srv.withPresence(func(ctx context.Context) error { return srv.presence.Reset(ctx) }, "reset")

	srv.logger.Info("chat server started", logger.Field{Key: "addr", Value: ln.Addr().String()})

	go func() {
		defer srv.wg.Done()
		srv.acceptLoop(ln)
	}()

	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.listener == nil {
		return nil
	}

	return srv.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for all
// session handlers to finish. Safe to call when the server is not running.
func (srv *Server) Stop() {
	if !srv.running.CompareAndSwap(true, false) {
		return
	}

	srv.mu.Lock()
	if srv.listener != nil {
		_ = srv.listener.Close()
	}
	srv.logger.Info("chat server stopping",
		logger.Field{Key: "connections", Value: len(srv.conns)},
		logger.Field{Key: "sessions", Value: srv.registry.Len()},
	)
	for id, session := range srv.conns {
		srv.logger.Debug("closing connection",
			logger.Field{Key: "conn_id", Value: id.String()},
			logger.Field{Key: "state", Value: session.State().String()},
		)
		_ = session.Close()
	}
	srv.mu.Unlock()

	srv.wg.Wait()
	srv.logger.Info("chat server stopped")
}

// ListenAndServe starts the server and blocks until ctx is cancelled, then
// stops it.
//
// Returns:
//   - The Start error, or nil after a clean stop
func (srv *Server) ListenAndServe(ctx context.Context) error {
	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	srv.Stop()
	return nil
}

// RosterNames returns the nicknames of all active sessions, sorted.
func (srv *Server) RosterNames() []string {
	return srv.registry.RosterNames()
}

func (srv *Server) acceptLoop(ln net.Listener) {
	for srv.running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if !srv.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			srv.logger.Error("chat server accept error", logger.Field{Key: "error", Value: err})
			continue
		}

		srv.metrics.connectionAccepted()

		id := uuid.New()
		transport := linetransport.New(conn, linetransport.WithWriteTimeout(srv.writeTimeout))
		log := srv.logger.With(
			logger.Field{Key: "conn_id", Value: id.String()},
			logger.Field{Key: "remote", Value: transport.RemoteAddr()},
		)
		session := newSession(id, srv, transport, log)

		if !srv.addConn(session) {
			_ = transport.Close()
			return
		}

		log.Debug("connection accepted")

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			session.Handle()
		}()
	}
}

// addConn tracks session for Stop. It refuses once Stop has begun.
func (srv *Server) addConn(session *Session) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if !srv.running.Load() {
		return false
	}

	srv.conns[session.ID()] = session
	return true
}

func (srv *Server) removeConn(id uuid.UUID) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.conns, id)
}

// broadcast fans line out to every registered session, the originator
// included. The registry lock is not held while writing.
func (srv *Server) broadcast(line, kind string) {
	srv.metrics.line(kind)

	for _, peer := range srv.registry.SnapshotSessions() {
		srv.deliver(peer, line)
	}
}

// deliver writes line to one session. A failed write closes that session's
// transport so its own handler unregisters it.
func (srv *Server) deliver(peer registry.Session, line string) {
	if err := peer.SendLine(line); err != nil {
		srv.metrics.deliveryFailed()
		srv.logger.Warn("delivery failed",
			logger.Field{Key: "nickname", Value: peer.Nickname()},
			logger.Field{Key: "error", Value: err},
		)

		if closer, ok := peer.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}

func (srv *Server) publishJoined(nickname string) {
	srv.withPresence(func(ctx context.Context) error { return srv.presence.Joined(ctx, nickname) }, "joined")
}

func (srv *Server) publishLeft(nickname string) {
	srv.withPresence(func(ctx context.Context) error { return srv.presence.Left(ctx, nickname) }, "left")
}

func (srv *Server) withPresence(fn func(ctx context.Context) error, op string) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		srv.logger.Warn("presence update failed",
			logger.Field{Key: "op", Value: op},
			logger.Field{Key: "error", Value: err},
		)
	}
}
