// Package server implements the message broker: a single-threaded
// connection multiplexer, the challenge-response handshake and the
// session registry/router.
package server

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"jim/db"
	"jim/models"
	"jim/protocol"
)

type Config struct {
	Addr         string
	Port         int
	PollInterval time.Duration
	WriteTimeout time.Duration
}

// Handshake stages of one connection.
const (
	stageConnected = iota
	stageChallenged
	stageAuthenticated
)

// conn is the per-connection state. Frames read partially stay buffered in
// the reader until complete.
type conn struct {
	nc       net.Conn
	r        *protocol.Reader
	stage    int
	account  string // requested at presence, bound at stageAuthenticated
	pubkey   string
	expected []byte // awaited challenge digest
}

type Server struct {
	cfg *Config
	db  *db.Directory
	log *zap.Logger

	ln       net.Listener
	conns    map[*conn]struct{}
	sessions map[string]*conn

	// admin carries closures from collaborator goroutines; the loop drains
	// it once per iteration, so all session-map mutation stays on the loop.
	admin chan func()

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// readPoll is the per-connection readiness probe. A miss means "no frame
// ready", not an error.
const readPoll = time.Millisecond

func New(database *db.Directory, cfg *Config, logger *zap.Logger) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		cfg:      cfg,
		db:       database,
		log:      logger,
		conns:    make(map[*conn]struct{}),
		sessions: make(map[string]*conn),
		admin:    make(chan func(), 32),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Listen binds the listen socket. Port 0 picks a free port; Addr reports
// the bound address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Addr, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run drives the event loop until Shutdown. Each iteration drains the
// admin queue, accepts at most one new connection, then polls every
// watched connection for one frame.
func (s *Server) Run() error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer close(s.done)
	defer s.cleanup()

	for {
		select {
		case <-s.quit:
			return nil
		default:
		}

		s.drainAdmin()
		s.acceptOne()
		for c := range s.conns {
			s.poll(c)
		}
	}
}

// Shutdown stops the loop and waits for it to finish cleanup.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Server) cleanup() {
	s.drainAdmin()
	for c := range s.conns {
		s.unbind(c)
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.log.Info("server stopped")
}

func (s *Server) drainAdmin() {
	for {
		select {
		case fn := <-s.admin:
			fn()
		default:
			return
		}
	}
}

func (s *Server) acceptOne() {
	type deadliner interface{ SetDeadline(time.Time) error }
	if d, ok := s.ln.(deadliner); ok {
		d.SetDeadline(time.Now().Add(s.cfg.PollInterval))
	}

	nc, err := s.ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return // routine
		}
		s.log.Warn("accept failed", zap.Error(err))
		return
	}

	c := &conn{nc: nc, r: protocol.NewReader(nc)}
	s.conns[c] = struct{}{}
	s.log.Info("client connected", zap.String("remote", nc.RemoteAddr().String()))
}

// poll pulls at most one complete frame off the connection. Deadline
// misses are routine; anything else tears the connection down.
func (s *Server) poll(c *conn) {
	c.nc.SetReadDeadline(time.Now().Add(readPoll))

	msg, err := c.r.Next()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		s.drop(c, err)
		return
	}

	s.dispatch(c, msg)
}

func (s *Server) drop(c *conn, err error) {
	s.log.Info("connection dropped",
		zap.String("remote", c.nc.RemoteAddr().String()),
		zap.String("account", c.account),
		zap.Error(err))
	s.unbind(c)
}

// unbind removes the connection from the watch set and, if it carried an
// authenticated session, releases the account binding.
func (s *Server) unbind(c *conn) {
	if c.stage == stageAuthenticated && s.sessions[c.account] == c {
		delete(s.sessions, c.account)
		if err := s.db.RecordLogout(c.account); err != nil {
			s.log.Warn("record logout failed", zap.String("account", c.account), zap.Error(err))
		}
		s.log.Info("session closed", zap.String("account", c.account))
	}
	delete(s.conns, c)
	c.nc.Close()
}

func (s *Server) send(c *conn, m protocol.Message) error {
	c.nc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return protocol.Write(c.nc, m)
}

// reply sends and tears the connection down on write failure.
func (s *Server) reply(c *conn, m protocol.Message) {
	if err := s.send(c, m); err != nil {
		s.drop(c, err)
	}
}

// call runs fn on the loop thread and waits for it.
func (s *Server) call(fn func()) {
	done := make(chan struct{})
	s.admin <- func() {
		fn()
		close(done)
	}
	<-done
}

// RegisterAccount creates an account and pushes a directory-invalidation
// notice to every live session. Safe to call from any goroutine.
func (s *Server) RegisterAccount(name, password string) error {
	var err error
	s.call(func() {
		_, err = s.db.Register(name, password)
		if err == nil {
			s.broadcastInvalidate()
		}
	})
	return err
}

// RemoveAccount deletes an account, forcibly closing its live session if
// any, and notifies the remaining sessions.
func (s *Server) RemoveAccount(name string) error {
	var err error
	s.call(func() {
		if c, ok := s.sessions[name]; ok {
			s.unbind(c)
		}
		err = s.db.RemoveAccount(name)
		if err == nil {
			s.broadcastInvalidate()
		}
	})
	return err
}

// BroadcastInvalidate tells every connected client its cached directory
// view is stale.
func (s *Server) BroadcastInvalidate() {
	s.call(s.broadcastInvalidate)
}

func (s *Server) broadcastInvalidate() {
	for _, c := range s.sessions {
		if err := s.send(c, protocol.Response(protocol.StatusInvalidate)); err != nil {
			s.drop(c, err)
		}
	}
}

// ActiveSessions reports the live sessions as seen by the loop.
func (s *Server) ActiveSessions() []models.ActiveSession {
	var sessions []models.ActiveSession
	s.call(func() {
		for name, c := range s.sessions {
			ip, port := peerAddr(c.nc)
			sessions = append(sessions, models.ActiveSession{Account: name, IP: ip, Port: port})
		}
	})
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Account < sessions[j].Account })
	return sessions
}

// Stats returns server statistics as a formatted string.
func (s *Server) Stats() string {
	var stats string
	s.call(func() {
		names := make([]string, 0, len(s.sessions))
		for name := range s.sessions {
			names = append(names, name)
		}
		sort.Strings(names)
		stats = "connections=" + strconv.Itoa(len(names)) + ",users=" + strings.Join(names, ";")
	})
	return stats
}

func peerAddr(nc net.Conn) (string, int) {
	host, portStr, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return nc.RemoteAddr().String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
