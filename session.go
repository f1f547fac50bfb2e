package tftp

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/xid"
)

// maxUint16 is the last block number before it wraps; named rather than
// spelled out in the receiver's wrap-acceptance check.
const maxUint16 = 65535

// Role identifies which of the four concrete forms a Session implements.
// All four share the same machinery in this file; only the direction of
// DATA/ACK flow and how the transfer is initiated differ.
type Role int

const (
	RoleServerRead     Role = iota // server answering an RRQ: server sends DATA
	RoleServerWrite                // server answering a WRQ: server sends ACK
	RoleClientDownload             // client issued RRQ: client sends ACK
	RoleClientUpload                // client issued WRQ: client sends DATA
)

func (r Role) String() string {
	switch r {
	case RoleServerRead:
		return "server-read"
	case RoleServerWrite:
		return "server-write"
	case RoleClientDownload:
		return "client-download"
	case RoleClientUpload:
		return "client-upload"
	default:
		return "unknown-role"
	}
}

// isSender reports whether this role transmits DATA packets (true) or
// receives them (false).
func (r Role) isSender() bool {
	return r == RoleServerRead || r == RoleClientUpload
}

// State is a session's position in the state machine from §3.
type State int

const (
	StateInit State = iota
	StateSentOack
	StateSendingData
	StateWaitingAck
	StateReceivingData
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSentOack:
		return "SENT_OACK"
	case StateSendingData:
		return "SENDING_DATA"
	case StateWaitingAck:
		return "WAITING_ACK"
	case StateReceivingData:
		return "RECEIVING_DATA"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state machine has nothing left to do.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Session is the single state machine backing all four transfer roles.
// The dispatcher (server) or the Client drives it by feeding it inbound
// packets and timeout notifications; Session never reaches back into its
// owner, per the arena+index re-architecture in the design notes.
type Session struct {
	ID   xid.ID
	Role Role

	state State
	conn  net.PacketConn
	peer  net.Addr

	// initialTarget is where a client session addresses its opening RRQ/WRQ,
	// normally the server's well-known port. The server's reply commonly
	// arrives from a different, per-transfer ephemeral port; peer is left
	// nil until that first reply establishes it, rather than being
	// pre-seeded from initialTarget.
	initialTarget net.Addr

	timer   retransmitTimer
	neg     NegotiatedOptions
	block   uint16 // sender: last DATA block sent; receiver: last block ACKed
	final   bool   // true once the short terminating DATA has crossed the wire
	lastOut []byte // last outbound wire bytes, retained verbatim for retransmit

	src io.ReadCloser  // sender roles read from this
	dst io.WriteCloser // receiver roles write to this

	pendingRequest Options // client roles only: options sent in the RRQ/WRQ, for validating the OACK

	metrics Metrics
	err     error // set once the session reaches StateFailed

	logger   Logger
	observer func(Packet)
}

// Err returns the error that failed the session, or nil if it hasn't
// failed (including if it's still in flight, or finished successfully).
func (s *Session) Err() error { return s.err }

func newSession(role Role, conn net.PacketConn, timeout time.Duration, maxRetries int, logger Logger, observer func(Packet)) *Session {
	if logger == nil {
		logger = nopLogger{}
	}
	id := xid.New()
	return &Session{
		ID:       id,
		Role:     role,
		state:    StateInit,
		conn:     conn,
		timer:    newRetransmitTimer(timeout, maxRetries),
		neg:      NegotiatedOptions{Blksize: defaultBlksize, Timeout: timeout},
		logger:   withSessionFields(logger, role.String(), id.String()),
		observer: observer,
	}
}

// Deadline returns the current retransmit deadline, used by an owning
// event loop to compute its poll timeout (§4.3).
func (s *Session) Deadline() time.Time { return s.timer.deadline }

// State reports the session's current position in the state machine.
func (s *Session) State() State { return s.state }

// Metrics returns a snapshot of the session's transfer counters.
func (s *Session) Metrics() Metrics { return s.metrics }

// Peer returns the session's established peer endpoint, or nil before the
// first reply.
func (s *Session) Peer() net.Addr { return s.peer }

func (s *Session) notifyObserver(p Packet) {
	if s.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warnf("observer callback panicked: %v", r)
		}
	}()
	s.observer(p)
}

func (s *Session) finish(state State, now time.Time) {
	s.state = state
	s.metrics.EndTime = now
	if s.src != nil {
		s.src.Close()
	}
	if s.dst != nil {
		s.dst.Close()
	}
}

// fail ends the session with a formatted, unstructured message. Prefer
// failWith when the cause already has (or deserves) a concrete typed error,
// so it survives intact through Err() for a caller's errors.As.
func (s *Session) fail(now time.Time, code ErrorCode, format string, args ...interface{}) {
	s.failWith(now, code, fmt.Errorf(format, args...))
}

// failWith ends the session, sending code and cause's message to the peer
// on the wire while keeping cause itself (not a generic *ErrorPacket) as the
// value Err() returns, so a caller can distinguish a path violation from an
// option negotiation failure from a plain I/O error after the fact.
func (s *Session) failWith(now time.Time, code ErrorCode, cause error) {
	msg := cause.Error()
	s.logger.Errorf("session failed: %s", msg)
	if s.peer != nil {
		s.send(&ErrorPacket{Code: code, Message: msg}, now)
		s.notifyObserver(&ErrorPacket{Code: code, Message: msg})
	}
	s.err = cause
	s.finish(StateFailed, now)
}

// send writes p to the established peer, remembers it for retransmission,
// and arms the retransmit timer. It does not invoke the observer; callers
// that need observer semantics call notifyObserver explicitly, since the
// callback only fires for DATA and ERROR packets (§9).
func (s *Session) send(p Packet, now time.Time) error {
	target := s.peer
	if target == nil {
		target = s.initialTarget
	}
	raw := EncodePacket(p)
	if _, err := s.conn.WriteTo(raw, target); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	s.lastOut = raw
	s.timer.arm(now)
	return nil
}

func (s *Session) sendTo(p Packet, addr net.Addr) error {
	raw := EncodePacket(p)
	_, err := s.conn.WriteTo(raw, addr)
	return err
}

// checkPeer enforces TID stickiness (§3 invariants, property 3): any
// datagram from an endpoint other than the established peer draws exactly
// one ERROR(5) to the intruder and leaves the session untouched.
func (s *Session) checkPeer(from net.Addr) bool {
	if s.peer == nil {
		return true
	}
	if from.String() == s.peer.String() {
		return true
	}
	s.logger.Warnf("datagram from unexpected endpoint %s, expected %s", from, s.peer)
	s.sendTo(&ErrorPacket{Code: ErrUnknownTID, Message: "unknown transfer ID"}, from)
	return false
}

// OnTimeout is invoked by the owning loop when the session's deadline has
// elapsed with no inbound packet. It either retransmits the last buffered
// packet or declares the session FAILED once retries are exhausted.
func (s *Session) OnTimeout(now time.Time) {
	if s.state.Terminal() {
		return
	}
	if exceeded := s.timer.retry(now); exceeded {
		// The peer is presumed gone: fail without sending it an ERROR.
		s.err = &TimeoutError{Retries: s.timer.maxRetries}
		s.logger.Errorf("session failed: %s", s.err)
		s.finish(StateFailed, now)
		return
	}
	if s.lastOut == nil {
		return
	}
	target := s.peer
	if target == nil {
		target = s.initialTarget
	}
	if _, err := s.conn.WriteTo(s.lastOut, target); err != nil {
		s.logger.Warnf("retransmit failed: %v", err)
		return
	}
	if dp, ok := decodedLastOutAsData(s.lastOut); ok {
		s.metrics.ResentBytes += uint64(len(dp.Data))
	}
	s.logger.Debugf("retransmitted last packet, attempt %d/%d", s.timer.retries, s.timer.maxRetries)
}

func decodedLastOutAsData(raw []byte) (*DataPacket, bool) {
	p, err := DecodePacket(raw)
	if err != nil {
		return nil, false
	}
	dp, ok := p.(*DataPacket)
	return dp, ok
}

// OnPacket feeds one inbound, already-decoded packet (and its source
// address) to the state machine. It returns true once the session has
// reached a terminal state.
func (s *Session) OnPacket(pkt Packet, from net.Addr, now time.Time) bool {
	if s.state.Terminal() {
		return true
	}
	if !s.checkPeer(from) {
		return false
	}
	if s.peer == nil {
		s.peer = from
	}

	if errPkt, ok := pkt.(*ErrorPacket); ok {
		s.notifyObserver(errPkt)
		s.logger.Warnf("peer reported error: %s", errPkt.Error())
		s.err = errPkt
		s.finish(StateFailed, now)
		return true
	}

	switch s.Role {
	case RoleServerRead:
		return s.onPacketServerRead(pkt, now)
	case RoleServerWrite:
		return s.onPacketServerWrite(pkt, now)
	case RoleClientDownload:
		return s.onPacketClientDownload(pkt, now)
	case RoleClientUpload:
		return s.onPacketClientUpload(pkt, now)
	default:
		s.fail(now, ErrUndefined, "session has no role")
		return true
	}
}

// --- sender-role machinery (RoleServerRead, RoleClientUpload) ---

// onPacketAsSender handles the ACK-driven advance of a transfer where this
// session transmits DATA. Shared verbatim between server-read and
// client-upload; see session_server.go / session_client.go for the
// role-specific initiation that calls into it.
func (s *Session) onPacketAsSender(pkt Packet, now time.Time) bool {
	ack, ok := pkt.(*AckPacket)
	if !ok {
		s.failWith(now, ErrIllegalOperation, &ProtocolViolationError{
			State: s.state, Opcode: pkt.Opcode(), Message: "expected ACK",
		})
		return true
	}

	switch {
	case ack.Block == s.block:
		if s.final {
			s.finish(StateDone, now)
			return true
		}
		if err := s.sendNextData(now); err != nil {
			s.failWith(now, ErrUndefined, err)
			return true
		}
		return false

	case ack.Block == s.block-1:
		// Sorcerer's apprentice avoidance: a duplicate ACK never triggers a
		// resend of DATA; it is simply counted.
		s.metrics.Duplicates++
		s.logger.Debugf("duplicate ACK(%d) ignored, currently at block %d", ack.Block, s.block)
		return false

	default:
		s.failWith(now, ErrIllegalOperation, &ProtocolViolationError{
			State: s.state, Opcode: ack.Opcode(),
			Message: fmt.Sprintf("unexpected ACK(%d), expected ACK(%d)", ack.Block, s.block),
		})
		return true
	}
}

// sendNextData reads one more blksize chunk from src and transmits it as
// the next DATA packet, detecting the final (short or empty) block.
func (s *Session) sendNextData(now time.Time) error {
	buf := make([]byte, s.neg.Blksize)
	n, err := io.ReadFull(s.src, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return &IOError{Op: "read", Err: err}
	}
	data := buf[:n]
	s.block++
	if n < int(s.neg.Blksize) {
		s.final = true
	}
	dp := &DataPacket{Block: s.block, Data: data}
	if err := s.send(dp, now); err != nil {
		return err
	}
	s.metrics.Bytes += uint64(len(data))
	s.notifyObserver(&DataPacket{Block: dp.Block, Data: append([]byte(nil), data...)})
	s.state = StateWaitingAck
	return nil
}

// --- receiver-role machinery (RoleServerWrite, RoleClientDownload) ---

func (s *Session) onPacketAsReceiver(pkt Packet, now time.Time) bool {
	dp, ok := pkt.(*DataPacket)
	if !ok {
		s.failWith(now, ErrIllegalOperation, &ProtocolViolationError{
			State: s.state, Opcode: pkt.Opcode(), Message: "expected DATA",
		})
		return true
	}
	s.notifyObserver(&DataPacket{Block: dp.Block, Data: append([]byte(nil), dp.Data...)})

	switch {
	// s.block+1 already wraps to 0 via uint16 overflow, the conventional
	// successor to 65535; some peers instead continue counting from 1. §4.2
	// requires accepting either.
	case dp.Block == s.block+1 || (s.block == maxUint16 && dp.Block == 1):
		if _, err := s.dst.Write(dp.Data); err != nil {
			s.failWith(now, ErrUndefined, &IOError{Op: "write", Err: err})
			return true
		}
		s.metrics.Bytes += uint64(len(dp.Data))
		s.block = dp.Block
		ack := &AckPacket{Block: s.block}
		if err := s.send(ack, now); err != nil {
			s.failWith(now, ErrUndefined, err)
			return true
		}
		s.state = StateReceivingData
		if len(dp.Data) < int(s.neg.Blksize) {
			s.finish(StateDone, now)
			return true
		}
		return false

	case dp.Block == s.block:
		// Duplicate of the block we already wrote and ACKed: resend the
		// ACK, do not write again.
		s.metrics.Duplicates++
		if s.lastOut != nil {
			s.conn.WriteTo(s.lastOut, s.peer)
		}
		return false

	default:
		s.failWith(now, ErrIllegalOperation, &ProtocolViolationError{
			State: s.state, Opcode: dp.Opcode(),
			Message: fmt.Sprintf("unexpected DATA block %d, expected %d", dp.Block, s.block+1),
		})
		return true
	}
}
