package tftp

import (
	"io"
	"net"
	"strconv"
	"time"
)

// startServerRead initializes a RoleServerRead session from a decoded RRQ,
// given the already-opened, already-path-checked file reader and its size
// (size is used only to answer a requested tsize option). conn must be a
// connection bound to an ephemeral local port dedicated to this session, as
// the dispatcher arranges per §4.4.
func (s *Session) startServerRead(req *RequestPacket, from net.Addr, src io.ReadCloser, size int64, maxBlksize uint16, now time.Time) {
	s.peer = from
	s.src = src
	s.metrics.StartTime = now

	oackOpts, neg := negotiate(req.Options, false, uint64(size), size >= 0, maxBlksize, s.timer.timeout)
	s.neg = neg
	s.timer.timeout = neg.Timeout

	if len(oackOpts) > 0 {
		s.state = StateSentOack
		s.send(&OackPacket{Options: oackOpts}, now)
		return
	}
	s.state = StateWaitingAck
	if err := s.sendNextData(now); err != nil {
		s.failWith(now, ErrUndefined, err)
	}
}

// startServerWrite initializes a RoleServerWrite session from a decoded
// WRQ, given the already-opened, already-path-checked file writer.
func (s *Session) startServerWrite(req *RequestPacket, from net.Addr, dst io.WriteCloser, maxBlksize uint16, now time.Time) {
	s.peer = from
	s.dst = dst
	s.metrics.StartTime = now

	fileSize, haveSize := uint64(0), false
	if v, ok := req.Options.Get(OptTsize); ok {
		if n, ok2 := parseTsize(v); ok2 {
			fileSize, haveSize = n, true
		}
	}
	oackOpts, neg := negotiate(req.Options, true, fileSize, haveSize, maxBlksize, s.timer.timeout)
	s.neg = neg
	s.timer.timeout = neg.Timeout

	if len(oackOpts) > 0 {
		s.state = StateSentOack
		s.send(&OackPacket{Options: oackOpts}, now)
		return
	}
	s.state = StateReceivingData
	s.send(&AckPacket{Block: 0}, now)
}

// onPacketServerRead handles, ahead of the shared sender machinery, the brief
// window where an OACK we sent ourselves is being acknowledged: the first
// ACK(0) after SENT_OACK simply starts the data flow rather than being
// compared against an already-sent DATA block.
func (s *Session) onPacketServerRead(pkt Packet, now time.Time) bool {
	if s.state == StateSentOack {
		ack, ok := pkt.(*AckPacket)
		if !ok || ack.Block != 0 {
			s.failWith(now, ErrIllegalOperation, &ProtocolViolationError{
				State: s.state, Opcode: pkt.Opcode(), Message: "expected ACK(0) after OACK",
			})
			return true
		}
		s.state = StateWaitingAck
		if err := s.sendNextData(now); err != nil {
			s.failWith(now, ErrUndefined, err)
			return true
		}
		return false
	}
	return s.onPacketAsSender(pkt, now)
}

func (s *Session) onPacketServerWrite(pkt Packet, now time.Time) bool {
	if s.state == StateSentOack {
		dp, ok := pkt.(*DataPacket)
		if !ok {
			s.failWith(now, ErrIllegalOperation, &ProtocolViolationError{
				State: s.state, Opcode: pkt.Opcode(), Message: "expected DATA(1) after OACK",
			})
			return true
		}
		s.state = StateReceivingData
		return s.onPacketAsReceiver(dp, now)
	}
	return s.onPacketAsReceiver(pkt, now)
}

func parseTsize(v string) (uint64, bool) {
	n, err := strconv.ParseUint(v, 10, 64)
	return n, err == nil
}
