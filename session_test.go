package tftp

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeConn is a minimal net.PacketConn that records every outbound
// datagram instead of touching the network, so session tests can assert
// on exactly what would have gone on the wire.
type fakeConn struct {
	writes []writtenPacket
}

type writtenPacket struct {
	data []byte
	addr net.Addr
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error)   { return 0, nil, io.EOF }
func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.writes = append(c.writes, writtenPacket{data: append([]byte(nil), p...), addr: addr})
	return len(p), nil
}
func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                 { return fakeAddr("local:0") }
func (c *fakeConn) SetDeadline(time.Time) error         { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error     { return nil }

func (c *fakeConn) lastAsData(t *testing.T) *DataPacket {
	t.Helper()
	if len(c.writes) == 0 {
		t.Fatal("no packets written")
	}
	pkt, err := DecodePacket(c.writes[len(c.writes)-1].data)
	if err != nil {
		t.Fatalf("could not decode last written packet: %v", err)
	}
	dp, ok := pkt.(*DataPacket)
	if !ok {
		t.Fatalf("last written packet is %T, not *DataPacket", pkt)
	}
	return dp
}

func newTestServerReadSession(content []byte) (*Session, *fakeConn) {
	conn := &fakeConn{}
	s := newSession(RoleServerRead, conn, time.Second, 3, nil, nil)
	req := &RequestPacket{Op: OpRRQ, Filename: "f", Mode: ModeOctet}
	s.startServerRead(req, fakeAddr("peer:1"), io.NopCloser(bytes.NewReader(content)), int64(len(content)), 0, time.Now())
	return s, conn
}

func TestSorcerersApprenticeAvoidance(t *testing.T) {
	content := make([]byte, 600) // two blocks: 512 bytes, then 88
	s, conn := newTestServerReadSession(content)

	first := conn.lastAsData(t)
	if first.Block != 1 || len(first.Data) != 512 {
		t.Fatalf("first DATA = block %d, %d bytes; want block 1, 512 bytes", first.Block, len(first.Data))
	}

	now := time.Now()
	if terminal := s.OnPacket(&AckPacket{Block: 1}, fakeAddr("peer:1"), now); terminal {
		t.Fatal("session ended after the first ACK, expected a second DATA block")
	}
	second := conn.lastAsData(t)
	if second.Block != 2 || len(second.Data) != 88 {
		t.Fatalf("second DATA = block %d, %d bytes; want block 2, 88 bytes", second.Block, len(second.Data))
	}
	writesAfterSecondData := len(conn.writes)

	// A duplicate ACK(1) must not trigger a resend of any DATA packet.
	if terminal := s.OnPacket(&AckPacket{Block: 1}, fakeAddr("peer:1"), now); terminal {
		t.Fatal("duplicate ACK(1) incorrectly ended the session")
	}
	if len(conn.writes) != writesAfterSecondData {
		t.Errorf("duplicate ACK triggered %d new writes, want 0", len(conn.writes)-writesAfterSecondData)
	}
	if s.metrics.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", s.metrics.Duplicates)
	}

	if terminal := s.OnPacket(&AckPacket{Block: 2}, fakeAddr("peer:1"), now); !terminal {
		t.Fatal("ACK of the final block should end the session")
	}
	if s.State() != StateDone {
		t.Errorf("State() = %v, want StateDone", s.State())
	}
}

func TestEmptyFileIsASingleFinalBlock(t *testing.T) {
	s, conn := newTestServerReadSession(nil)
	first := conn.lastAsData(t)
	if first.Block != 1 || len(first.Data) != 0 {
		t.Fatalf("first DATA = block %d, %d bytes; want block 1, 0 bytes", first.Block, len(first.Data))
	}
	if !s.final {
		t.Fatal("empty file should be marked final immediately")
	}
	if terminal := s.OnPacket(&AckPacket{Block: 1}, fakeAddr("peer:1"), time.Now()); !terminal {
		t.Fatal("ACK of the only block should end the session")
	}
}

func TestTIDStickinessRejectsForeignSender(t *testing.T) {
	s, conn := newTestServerReadSession(make([]byte, 10))
	writesBefore := len(conn.writes)

	terminal := s.OnPacket(&AckPacket{Block: 1}, fakeAddr("intruder:9"), time.Now())
	if terminal {
		t.Fatal("a foreign sender must not affect session state")
	}
	if s.state.Terminal() {
		t.Fatal("session should remain in flight after rejecting a foreign sender")
	}
	if len(conn.writes) != writesBefore+1 {
		t.Fatalf("expected exactly one ERROR reply to the intruder, got %d new writes", len(conn.writes)-writesBefore)
	}
	last := conn.writes[len(conn.writes)-1]
	if last.addr.String() != "intruder:9" {
		t.Errorf("ERROR sent to %v, want intruder:9", last.addr)
	}
	pkt, err := DecodePacket(last.data)
	if err != nil {
		t.Fatalf("could not decode ERROR reply: %v", err)
	}
	ep, ok := pkt.(*ErrorPacket)
	if !ok || ep.Code != ErrUnknownTID {
		t.Errorf("reply = %+v, want ERROR(unknown TID)", pkt)
	}
}

func TestOnTimeoutFailsAfterRetryBudgetExceeded(t *testing.T) {
	conn := &fakeConn{}
	s := newSession(RoleServerRead, conn, time.Millisecond, 2, nil, nil)
	req := &RequestPacket{Op: OpRRQ, Filename: "f", Mode: ModeOctet}
	s.startServerRead(req, fakeAddr("peer:1"), io.NopCloser(bytes.NewReader(make([]byte, 10))), 10, 0, time.Now())

	now := time.Now()
	s.OnTimeout(now) // retry 1
	if s.State() == StateFailed {
		t.Fatal("session failed too early")
	}
	s.OnTimeout(now) // retry 2
	if s.State() == StateFailed {
		t.Fatal("session failed too early")
	}
	s.OnTimeout(now) // retry 3 exceeds maxRetries of 2
	if s.State() != StateFailed {
		t.Fatalf("State() = %v, want StateFailed after exceeding retry budget", s.State())
	}
}

func TestBlockNumberWrapsModulo2To16(t *testing.T) {
	conn := &fakeConn{}
	s := newSession(RoleServerRead, conn, time.Second, 3, nil, nil)
	s.src = io.NopCloser(bytes.NewReader(make([]byte, 10)))
	s.block = 65535
	if terminal := s.OnPacket(&AckPacket{Block: 65535}, fakeAddr("peer:1"), time.Now()); terminal {
		t.Fatal("ACK(65535) of a non-final block should not end the session")
	}
	if next := conn.lastAsData(t); next.Block != 0 {
		t.Fatalf("DATA after block 65535 = block %d, want 0", next.Block)
	}
	if terminal := s.OnPacket(&AckPacket{Block: 0}, fakeAddr("peer:1"), time.Now()); !terminal {
		t.Fatal("ACK matching the wrapped block number should end the session")
	}
}
