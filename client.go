package tftp

import (
	"io"
	"net"
	"time"
)

// ClientConfig configures a Client. Logger and Observer are optional; the
// rest default per the documented constants when left unset.
type ClientConfig struct {
	Timeout    time.Duration
	Retries    int
	MaxBlksize uint16

	Logger   Logger
	Observer func(Packet)
}

func (c ClientConfig) withDefaults() ClientConfig {
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

// Client drives a single Session to completion synchronously in the
// caller's goroutine, per the data model: no background goroutines, no
// buffering beyond what a single blksize-sized datagram requires.
type Client struct {
	cfg    ClientConfig
	logger Logger
}

// NewClient builds a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Client{cfg: cfg, logger: logger}
}

// Get downloads filename from the server at addr (host:port) into dst,
// returning the transfer's metrics once the session reaches a terminal
// state.
func (c *Client) Get(addr, filename string, mode Mode, opts ClientOptions, dst io.WriteCloser) (Metrics, error) {
	conn, peer, err := c.dial(addr)
	if err != nil {
		return Metrics{}, err
	}
	defer conn.Close()

	session := newSession(RoleClientDownload, conn, c.cfg.Timeout, c.cfg.Retries, c.logger, c.cfg.Observer)
	now := time.Now()
	if err := session.startClientDownload(filename, mode, opts, dst, peer, now); err != nil {
		return session.Metrics(), err
	}
	return c.drive(session, conn)
}

// Put uploads the contents of src, of the given size (used only if opts
// requests tsize), to the server at addr under filename.
func (c *Client) Put(addr, filename string, mode Mode, opts ClientOptions, src io.ReadCloser, size uint64) (Metrics, error) {
	conn, peer, err := c.dial(addr)
	if err != nil {
		return Metrics{}, err
	}
	defer conn.Close()

	session := newSession(RoleClientUpload, conn, c.cfg.Timeout, c.cfg.Retries, c.logger, c.cfg.Observer)
	now := time.Now()
	if err := session.startClientUpload(filename, mode, opts, src, size, peer, now); err != nil {
		return session.Metrics(), err
	}
	return c.drive(session, conn)
}

func (c *Client) dial(addr string) (net.PacketConn, net.Addr, error) {
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, &IOError{Op: "resolve", Err: err}
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, nil, &IOError{Op: "listen", Err: err}
	}
	return conn, peer, nil
}

// drive blocks on conn, feeding every inbound datagram to session until it
// reaches a terminal state. The server's reply to the initial RRQ/WRQ may
// come from a different port than the request's destination (the server's
// per-transfer ephemeral TID); session.OnPacket establishes that address
// as the peer on the first datagram and enforces it thereafter.
func (c *Client) drive(session *Session, conn net.PacketConn) (Metrics, error) {
	buf := make([]byte, int(c.cfg.MaxBlksize)+4)
	for {
		deadline := session.Deadline()
		if deadline.IsZero() {
			deadline = time.Now().Add(c.cfg.Timeout)
		}
		conn.SetReadDeadline(deadline)

		n, from, err := conn.ReadFrom(buf)
		now := time.Now()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				session.OnTimeout(now)
				if session.State().Terminal() {
					break
				}
				continue
			}
			return session.Metrics(), &IOError{Op: "read", Err: err}
		}

		pkt, err := DecodePacket(buf[:n])
		if err != nil {
			c.logger.Warnf("malformed packet from %s: %v", from, err)
			continue
		}
		if session.OnPacket(pkt, from, now) {
			break
		}
	}

	if session.State() == StateFailed {
		if err := session.Err(); err != nil {
			return session.Metrics(), err
		}
		return session.Metrics(), &TimeoutError{Retries: c.cfg.Retries}
	}
	return session.Metrics(), nil
}
