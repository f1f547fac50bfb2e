package tftp

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// DynFileFunc opens filename for reading outside of the server's normal
// root-jailed filesystem lookup, e.g. to serve a boot image generated on
// the fly or fetched from object storage. It is called when Root is empty
// or the file does not exist under Root. size is the file's total length
// in bytes, or -1 if unknown (in which case a requested tsize option is
// simply not answered). A nil DynFileFunc means RRQ is always served from
// Root.
type DynFileFunc func(filename string) (io.ReadCloser, int64, error)

// UploadOpenFunc opens filename for writing an incoming WRQ outside of the
// server's normal root-jailed filesystem. A nil UploadOpenFunc means WRQ is
// always written under Root.
type UploadOpenFunc func(filename string) (io.WriteCloser, error)

// ServerConfig configures a Server. Root, Logger, and Registerer all have
// usable zero values; everything else defaults per the documented
// constants when left unset.
type ServerConfig struct {
	Addr       string // e.g. ":69"; defaults to ":69"
	Root       string // root-jailed filesystem directory for default file access
	Timeout    time.Duration
	Retries    int
	MaxBlksize uint16

	Logger     Logger
	Registerer prometheus.Registerer
	Observer   func(Packet)

	DynFileFunc    DynFileFunc
	UploadOpenFunc UploadOpenFunc
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = ":69"
	}
	if c.Timeout == 0 {
		c.Timeout = defaultSessionTimeout
	}
	if c.Retries == 0 {
		c.Retries = defaultRetries
	}
	if c.MaxBlksize == 0 {
		c.MaxBlksize = maxBlksize
	}
	return c
}

// Server is the dispatcher from the data model: it owns the well-known
// listening socket and every in-flight Session, arranged as an arena keyed
// by the session's own ephemeral socket address. Sessions never hold a
// reference back to the Server; only this type mutates the map, which
// keeps the shutdown path free of cycles to unwind.
type Server struct {
	cfg      ServerConfig
	listener net.PacketConn
	metrics  *serverMetrics
	logger   Logger

	mu        sync.Mutex
	sessions  map[string]*liveSession
	peerIndex map[string]string // peer addr -> session key, for duplicate-RRQ/WRQ detection

	events   chan inboundEvent
	shutdown chan struct{}
	wg       sync.WaitGroup

	running  int32 // 1 while Run's dispatch loop is active, read via IsRunning
	draining int32 // 1 once a graceful Shutdown has stopped admitting new sessions

	// sessionsWG is released (Done) by finalizeSession as each live session
	// reaches a terminal state. A graceful Shutdown waits on it instead of
	// closing every session's socket out from under an in-flight transfer.
	sessionsWG sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

type liveSession struct {
	session *Session
	conn    net.PacketConn
}

type inboundEvent struct {
	sessionKey string // "" for the well-known listener socket
	data       []byte
	from       net.Addr
	err        error
}

// NewServer binds the listening socket and returns a Server ready for Run.
func NewServer(cfg ServerConfig) (*Server, error) {
	cfg = cfg.withDefaults()
	conn, err := net.ListenPacket("udp", cfg.Addr)
	if err != nil {
		return nil, &IOError{Op: "listen", Err: err}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Server{
		cfg:       cfg,
		listener:  conn,
		metrics:   newServerMetrics(cfg.Registerer),
		logger:    logger,
		sessions:  make(map[string]*liveSession),
		peerIndex: make(map[string]string),
		events:    make(chan inboundEvent, 64),
		shutdown:  make(chan struct{}),
	}, nil
}

// Addr returns the address the server is listening on, useful when Addr
// in the config was ":0" and the actual ephemeral port is needed.
func (s *Server) Addr() net.Addr { return s.listener.LocalAddr() }

// IsRunning reports whether the dispatch loop started by Run is still
// active. It flips to false only once Run itself has returned, whether
// that is because of an immediate Shutdown or because a graceful Shutdown
// finished draining every in-flight session.
func (s *Server) IsRunning() bool { return atomic.LoadInt32(&s.running) == 1 }

// Run drives the single-threaded dispatch loop until Shutdown is called,
// and then returns nil. A read error on the listening socket ends that
// socket's reader, so no new transfers are admitted, but it does not end
// the loop or get reported by Run. Exactly one goroutine (this one) ever
// mutates session state or writes to a socket; every other goroutine in
// this type only reads from a net.PacketConn and forwards bytes.
func (s *Server) Run() error {
	s.wg.Add(1)
	defer s.wg.Done()
	atomic.StoreInt32(&s.running, 1)
	defer atomic.StoreInt32(&s.running, 0)

	s.wg.Add(1)
	go s.readLoop("", s.listener)

	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		s.armPollTimer(timer)
		select {
		case <-s.shutdown:
			return nil
		case <-timer.C:
			s.sweepTimeouts(time.Now())
		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

// armPollTimer resets timer to fire at the earliest session deadline,
// clamped to a 1-second ceiling, mirroring the original select()-loop poll
// interval.
func (s *Server) armPollTimer(timer *time.Timer) {
	timer.Stop()
	now := time.Now()
	wait := time.Second
	s.mu.Lock()
	for _, live := range s.sessions {
		d := live.session.Deadline()
		if d.IsZero() {
			continue
		}
		if remaining := d.Sub(now); remaining < wait {
			wait = remaining
		}
	}
	s.mu.Unlock()
	if wait < 0 {
		wait = 0
	}
	timer.Reset(wait)
}

func (s *Server) sweepTimeouts(now time.Time) {
	s.mu.Lock()
	var toClose []*liveSession
	for key, live := range s.sessions {
		if live.session.Deadline().IsZero() || now.Before(live.session.Deadline()) {
			continue
		}
		live.session.OnTimeout(now)
		if live.session.State().Terminal() {
			toClose = append(toClose, live)
			delete(s.sessions, key)
		}
	}
	s.mu.Unlock()
	for _, live := range toClose {
		s.finalizeSession(live)
	}
}

func (s *Server) handleEvent(ev inboundEvent) {
	if ev.err != nil {
		return
	}
	if ev.sessionKey == "" {
		s.handleListenerDatagram(ev.data, ev.from)
		return
	}

	s.mu.Lock()
	live, ok := s.sessions[ev.sessionKey]
	s.mu.Unlock()
	if !ok {
		return
	}

	pkt, err := DecodePacket(ev.data)
	if err != nil {
		s.logger.Warnf("malformed packet from %s: %v", ev.from, err)
		return
	}
	now := time.Now()
	if live.session.OnPacket(pkt, ev.from, now) {
		s.mu.Lock()
		delete(s.sessions, ev.sessionKey)
		s.mu.Unlock()
		s.finalizeSession(live)
	}
}

func (s *Server) handleListenerDatagram(data []byte, from net.Addr) {
	pkt, err := DecodePacket(data)
	if err != nil {
		s.logger.Warnf("malformed packet from %s: %v", from, err)
		return
	}
	req, ok := pkt.(*RequestPacket)
	if !ok {
		s.listener.WriteTo(EncodePacket(&ErrorPacket{Code: ErrIllegalOperation, Message: "expected RRQ or WRQ"}), from)
		return
	}

	if atomic.LoadInt32(&s.draining) == 1 {
		// A graceful Shutdown is in progress: let every session already in
		// s.sessions run to completion, but admit nothing new.
		s.listener.WriteTo(EncodePacket(&ErrorPacket{Code: ErrUndefined, Message: "server is shutting down"}), from)
		return
	}

	peerKey := from.String()
	s.mu.Lock()
	_, duplicate := s.peerIndex[peerKey]
	s.mu.Unlock()
	if duplicate {
		// A retransmitted RRQ/WRQ from a peer that already has a session in
		// flight: the existing session will see the peer's retransmits on
		// its own socket and handle them there. Drop this one silently.
		return
	}

	host, _, _ := net.SplitHostPort(s.cfg.Addr)
	conn, err := net.ListenPacket("udp", net.JoinHostPort(host, "0"))
	if err != nil {
		s.logger.Errorf("could not open session socket: %v", err)
		s.listener.WriteTo(EncodePacket(&ErrorPacket{Code: ErrUndefined, Message: "server busy"}), from)
		return
	}

	var role Role
	if req.Op == OpRRQ {
		role = RoleServerRead
	} else {
		role = RoleServerWrite
	}
	session := newSession(role, conn, s.cfg.Timeout, s.cfg.Retries, s.logger, s.cfg.Observer)
	now := time.Now()

	switch req.Op {
	case OpRRQ:
		src, size, err := s.openForRead(req.Filename)
		if err != nil {
			s.replyAndClose(conn, from, err)
			return
		}
		session.startServerRead(req, from, src, size, s.cfg.MaxBlksize, now)
	case OpWRQ:
		dst, err := s.openForWrite(req.Filename)
		if err != nil {
			s.replyAndClose(conn, from, err)
			return
		}
		session.startServerWrite(req, from, dst, s.cfg.MaxBlksize, now)
	}

	if session.State().Terminal() {
		conn.Close()
		return
	}

	key := conn.LocalAddr().String()
	s.mu.Lock()
	s.sessions[key] = &liveSession{session: session, conn: conn}
	s.peerIndex[peerKey] = key
	s.mu.Unlock()
	s.sessionsWG.Add(1)
	s.metrics.sessionStarted()

	s.wg.Add(1)
	go s.readLoop(key, conn)
}

func (s *Server) replyAndClose(conn net.PacketConn, from net.Addr, err error) {
	code, msg := errorCodeFor(err)
	conn.WriteTo(EncodePacket(&ErrorPacket{Code: code, Message: msg}), from)
	conn.Close()
}

func errorCodeFor(err error) (ErrorCode, string) {
	if pv, ok := err.(*PathViolationError); ok {
		return pv.Code, pv.Message
	}
	if os.IsNotExist(err) {
		return ErrFileNotFound, "file not found"
	}
	if os.IsPermission(err) {
		return ErrAccessViolation, "access violation"
	}
	return ErrUndefined, err.Error()
}

func (s *Server) finalizeSession(live *liveSession) {
	m := live.session.Metrics()
	s.metrics.sessionEnded(live.session.Role, live.session.State(), m)
	if peer := live.session.Peer(); peer != nil {
		s.mu.Lock()
		delete(s.peerIndex, peer.String())
		s.mu.Unlock()
	}
	live.conn.Close()
	s.sessionsWG.Done()
}

// readLoop blocks on conn.ReadFrom and forwards every datagram (and the
// terminal read error) onto the shared events channel. It is the only
// concession this server makes to Go's lack of a single-socket-set poll
// primitive: one goroutine per socket, none of which ever mutate session
// state themselves.
func (s *Server) readLoop(sessionKey string, conn net.PacketConn) {
	defer s.wg.Done()
	buf := make([]byte, int(s.cfg.MaxBlksize)+4)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case s.events <- inboundEvent{sessionKey: sessionKey, err: err}:
			case <-s.shutdown:
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.events <- inboundEvent{sessionKey: sessionKey, data: data, from: from}:
		case <-s.shutdown:
			return
		}
	}
}

// Shutdown stops the dispatch loop and closes the listener. When graceful
// is false (immediate mode), every in-flight session's socket is closed
// right away, abandoning whatever transfer it was in the middle of. When
// graceful is true, Shutdown first stops admitting new RRQ/WRQ and blocks
// until every session already in flight has run to completion on its own,
// then tears down the listener exactly as the immediate path does. Either
// way, IsRunning reports false once Shutdown returns.
func (s *Server) Shutdown(graceful bool) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.doShutdown(graceful)
	})
	return s.shutdownErr
}

func (s *Server) doShutdown(graceful bool) error {
	if graceful {
		atomic.StoreInt32(&s.draining, 1)
		s.sessionsWG.Wait()
	}

	close(s.shutdown)
	var errs error
	if err := s.listener.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	s.mu.Lock()
	for key, live := range s.sessions {
		if err := live.conn.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return errs
}

// openForRead resolves filename for an RRQ against the root-jailed
// filesystem. DynFileFunc, when configured, is used instead if Root is
// empty or the file does not exist under Root.
func (s *Server) openForRead(filename string) (io.ReadCloser, int64, error) {
	if s.cfg.DynFileFunc != nil && s.cfg.Root == "" {
		return s.cfg.DynFileFunc(filename)
	}
	path, err := resolveUnderRoot(s.cfg.Root, filename)
	if err != nil {
		return nil, -1, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && s.cfg.DynFileFunc != nil {
			return s.cfg.DynFileFunc(filename)
		}
		return nil, -1, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, -1, err
	}
	return f, info.Size(), nil
}

// openForWrite resolves filename for a WRQ, preferring UploadOpenFunc when
// configured and falling back to the root-jailed filesystem. A file that
// already exists is rejected per RFC 1350 error code 6.
func (s *Server) openForWrite(filename string) (io.WriteCloser, error) {
	if s.cfg.UploadOpenFunc != nil {
		return s.cfg.UploadOpenFunc(filename)
	}
	path, err := resolveUnderRoot(s.cfg.Root, filename)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, &PathViolationError{Filename: filename, Code: ErrFileAlreadyExists, Message: "file already exists"}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// resolveUnderRoot canonicalizes filename against root and verifies the
// result still has root as a path prefix, rejecting traversal via "..",
// absolute paths, and symlinks that escape the jail.
func resolveUnderRoot(root, filename string) (string, error) {
	if root == "" {
		return "", &PathViolationError{Filename: filename, Code: ErrAccessViolation, Message: "server has no root configured"}
	}
	if filename == "" || strings.ContainsRune(filename, 0) {
		return "", &PathViolationError{Filename: filename, Code: ErrAccessViolation, Message: "invalid filename"}
	}

	cleanRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(cleanRoot, filepath.Clean("/"+filename))

	resolved := joined
	if real, err := filepath.EvalSymlinks(joined); err == nil {
		resolved = real
	}
	realRoot := cleanRoot
	if real, err := filepath.EvalSymlinks(cleanRoot); err == nil {
		realRoot = real
	}

	if resolved != realRoot && !strings.HasPrefix(resolved, realRoot+string(os.PathSeparator)) &&
		!strings.HasPrefix(joined, cleanRoot+string(os.PathSeparator)) {
		return "", &PathViolationError{Filename: filename, Code: ErrAccessViolation, Message: "path escapes server root"}
	}
	return joined, nil
}
