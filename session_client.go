package tftp

import (
	"io"
	"net"
	"time"
)

// startClientDownload sends the RRQ that begins a RoleClientDownload
// session. dst receives the incoming file content. The RRQ is sent to
// target, the server's request address; the session's own ephemeral port
// becomes the client TID, and the server's first reply sets the peer.
func (s *Session) startClientDownload(filename string, mode Mode, opts ClientOptions, dst io.WriteCloser, target net.Addr, now time.Time) error {
	s.dst = dst
	s.initialTarget = target
	s.metrics.StartTime = now
	requested := opts.toOptions(false, 0)
	req := &RequestPacket{Op: OpRRQ, Filename: filename, Mode: mode, Options: requested}
	if err := s.send(req, now); err != nil {
		return err
	}
	s.pendingRequest = requested
	if len(requested) > 0 {
		s.state = StateSentOack
	} else {
		s.state = StateReceivingData
	}
	return nil
}

// startClientUpload sends the WRQ that begins a RoleClientUpload session.
// src supplies the outgoing file content; size is used only when the
// caller requested a tsize option.
func (s *Session) startClientUpload(filename string, mode Mode, opts ClientOptions, src io.ReadCloser, size uint64, target net.Addr, now time.Time) error {
	s.src = src
	s.initialTarget = target
	s.metrics.StartTime = now
	requested := opts.toOptions(true, size)
	req := &RequestPacket{Op: OpWRQ, Filename: filename, Mode: mode, Options: requested}
	if err := s.send(req, now); err != nil {
		return err
	}
	s.pendingRequest = requested
	s.state = StateSentOack
	return nil
}

// onPacketClientDownload resolves the ambiguity a server compliant only
// with RFC 1350 introduces: having requested options, the client must
// accept either an OACK (full RFC 2347 support) or a bare DATA(1) (server
// ignored every option and fell back to the unnegotiated defaults).
func (s *Session) onPacketClientDownload(pkt Packet, now time.Time) bool {
	if s.state == StateSentOack {
		switch p := pkt.(type) {
		case *OackPacket:
			neg, err := validateOack(s.pendingRequest, p.Options)
			if err != nil {
				s.failWith(now, ErrOptionNegotiationFailed, err)
				return true
			}
			s.neg = neg
			s.timer.timeout = neg.Timeout
			s.state = StateReceivingData
			if err := s.send(&AckPacket{Block: 0}, now); err != nil {
				s.failWith(now, ErrUndefined, err)
				return true
			}
			return false
		case *DataPacket:
			// Fallback: peer ignored our options entirely.
			s.state = StateReceivingData
			return s.onPacketAsReceiver(p, now)
		default:
			s.failWith(now, ErrIllegalOperation, &ProtocolViolationError{
				State: s.state, Opcode: pkt.Opcode(), Message: "expected OACK or DATA",
			})
			return true
		}
	}
	return s.onPacketAsReceiver(pkt, now)
}

// onPacketClientUpload accepts either an OACK, which it validates before
// sending DATA(1), or a plain RFC 1350 ACK(0) from a server that ignored the
// options, which is exactly what the shared sender machinery expects at
// block 0.
func (s *Session) onPacketClientUpload(pkt Packet, now time.Time) bool {
	if s.state == StateSentOack {
		if oack, ok := pkt.(*OackPacket); ok {
			neg, err := validateOack(s.pendingRequest, oack.Options)
			if err != nil {
				s.failWith(now, ErrOptionNegotiationFailed, err)
				return true
			}
			s.neg = neg
			s.timer.timeout = neg.Timeout
			s.state = StateWaitingAck
			if err := s.sendNextData(now); err != nil {
				s.failWith(now, ErrUndefined, err)
				return true
			}
			return false
		}
		s.state = StateWaitingAck
	}
	return s.onPacketAsSender(pkt, now)
}
