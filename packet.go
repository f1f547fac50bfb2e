package tftp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Opcode identifies the five RFC 1350 packet types plus the RFC 2347
// option-acknowledgment extension.
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
	OpOACK  Opcode = 6
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	case OpOACK:
		return "OACK"
	default:
		return fmt.Sprintf("opcode(%d)", uint16(o))
	}
}

// Mode is the RRQ/WRQ transfer mode field.
type Mode string

const (
	ModeNetASCII Mode = "netascii"
	ModeOctet    Mode = "octet"
	ModeMail     Mode = "mail"
)

func normalizeMode(s string) (Mode, bool) {
	switch strings.ToLower(s) {
	case string(ModeNetASCII):
		return ModeNetASCII, true
	case string(ModeOctet):
		return ModeOctet, true
	case string(ModeMail):
		return ModeMail, true
	default:
		return "", false
	}
}

// Option is a single name/value pair from an RRQ, WRQ, or OACK option list.
// Names compare case-insensitively; Options preserves insertion order so
// that encoding reproduces a stable wire layout.
type Option struct {
	Name  string
	Value string
}

// Options is an ordered list of negotiated-option entries.
type Options []Option

// Get returns the value of the named option using a case-insensitive
// comparison, and whether it was present.
func (o Options) Get(name string) (string, bool) {
	for _, opt := range o {
		if strings.EqualFold(opt.Name, name) {
			return opt.Value, true
		}
	}
	return "", false
}

// Has reports whether an option with the given name (case-insensitive) is
// present in the list.
func (o Options) Has(name string) bool {
	_, ok := o.Get(name)
	return ok
}

// Well-known option names, per RFC 2347/2348/2349.
const (
	OptBlksize = "blksize"
	OptTimeout = "timeout"
	OptTsize   = "tsize"
)

// Packet is implemented by every decoded TFTP packet type.
type Packet interface {
	Opcode() Opcode
}

// RequestPacket is an RRQ or WRQ packet.
type RequestPacket struct {
	Op       Opcode // OpRRQ or OpWRQ
	Filename string
	Mode     Mode
	Options  Options
}

func (p *RequestPacket) Opcode() Opcode { return p.Op }

// DataPacket carries one block of file contents.
type DataPacket struct {
	Block uint16
	Data  []byte
}

func (p *DataPacket) Opcode() Opcode { return OpDATA }

// AckPacket acknowledges receipt of a DataPacket, or of an OackPacket when
// Block is 0.
type AckPacket struct {
	Block uint16
}

func (p *AckPacket) Opcode() Opcode { return OpACK }

// ErrorPacket terminates a transfer with a machine-readable code and a
// human-readable message.
type ErrorPacket struct {
	Code    ErrorCode
	Message string
}

func (p *ErrorPacket) Opcode() Opcode { return OpERROR }

func (p *ErrorPacket) Error() string {
	return fmt.Sprintf("%s (%d): %s", p.Code, uint16(p.Code), p.Message)
}

// OackPacket acknowledges the subset of requested options the peer
// accepted, echoing the chosen values.
type OackPacket struct {
	Options Options
}

func (p *OackPacket) Opcode() Opcode { return OpOACK }

// EncodePacket produces the exact on-wire byte form of p.
func EncodePacket(p Packet) []byte {
	buf := new(bytes.Buffer)
	switch pk := p.(type) {
	case *RequestPacket:
		writeUint16(buf, uint16(pk.Op))
		writeCString(buf, pk.Filename)
		writeCString(buf, string(pk.Mode))
		for _, opt := range pk.Options {
			writeCString(buf, opt.Name)
			writeCString(buf, opt.Value)
		}
	case *DataPacket:
		writeUint16(buf, uint16(OpDATA))
		writeUint16(buf, pk.Block)
		buf.Write(pk.Data)
	case *AckPacket:
		writeUint16(buf, uint16(OpACK))
		writeUint16(buf, pk.Block)
	case *ErrorPacket:
		writeUint16(buf, uint16(OpERROR))
		writeUint16(buf, uint16(pk.Code))
		writeCString(buf, pk.Message)
	case *OackPacket:
		writeUint16(buf, uint16(OpOACK))
		for _, opt := range pk.Options {
			writeCString(buf, opt.Name)
			writeCString(buf, opt.Value)
		}
	default:
		panic(fmt.Sprintf("tftp: unknown packet type %T", p))
	}
	return buf.Bytes()
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

// DecodePacket parses the on-wire form of a single TFTP packet, returning a
// *MalformedPacketError when b is not well-formed.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, malformed("buffer shorter than opcode field")
	}
	op := Opcode(binary.BigEndian.Uint16(b[:2]))
	rest := b[2:]
	switch op {
	case OpRRQ, OpWRQ:
		return decodeRequest(op, rest)
	case OpDATA:
		return decodeData(rest)
	case OpACK:
		return decodeAck(rest)
	case OpERROR:
		return decodeError(rest)
	case OpOACK:
		return decodeOack(rest)
	default:
		return nil, malformed(fmt.Sprintf("opcode %d out of range", uint16(op)))
	}
}

func readCString(b []byte) (string, []byte, error) {
	idx := bytes.IndexByte(b, 0)
	if idx < 0 {
		return "", nil, malformed("missing NUL terminator")
	}
	return string(b[:idx]), b[idx+1:], nil
}

func decodeRequest(op Opcode, b []byte) (*RequestPacket, error) {
	filename, rest, err := readCString(b)
	if err != nil {
		return nil, err
	}
	if filename == "" {
		return nil, malformed("empty filename")
	}
	modeStr, rest, err := readCString(rest)
	if err != nil {
		return nil, err
	}
	mode, ok := normalizeMode(modeStr)
	if !ok {
		return nil, malformed("unsupported mode " + modeStr)
	}

	var opts Options
	for len(rest) > 0 {
		name, r, err := readCString(rest)
		if err != nil {
			return nil, malformed("option list has an odd number of fields")
		}
		value, r2, err := readCString(r)
		if err != nil {
			return nil, malformed("option list has an odd number of fields")
		}
		opts = append(opts, Option{Name: name, Value: value})
		rest = r2
	}

	return &RequestPacket{Op: op, Filename: filename, Mode: mode, Options: opts}, nil
}

func decodeData(b []byte) (*DataPacket, error) {
	if len(b) < 2 {
		return nil, malformed("data packet shorter than block field")
	}
	block := binary.BigEndian.Uint16(b[:2])
	var data []byte
	if len(b) > 2 {
		data = make([]byte, len(b)-2)
		copy(data, b[2:])
	}
	return &DataPacket{Block: block, Data: data}, nil
}

func decodeAck(b []byte) (*AckPacket, error) {
	if len(b) < 2 {
		return nil, malformed("ack packet shorter than block field")
	}
	return &AckPacket{Block: binary.BigEndian.Uint16(b[:2])}, nil
}

func decodeError(b []byte) (*ErrorPacket, error) {
	if len(b) < 2 {
		return nil, malformed("error packet shorter than code field")
	}
	code := ErrorCode(binary.BigEndian.Uint16(b[:2]))
	msg, _, err := readCString(b[2:])
	if err != nil {
		return nil, err
	}
	return &ErrorPacket{Code: code, Message: msg}, nil
}

func decodeOack(b []byte) (*OackPacket, error) {
	var opts Options
	rest := b
	for len(rest) > 0 {
		name, r, err := readCString(rest)
		if err != nil {
			return nil, malformed("option list has an odd number of fields")
		}
		value, r2, err := readCString(r)
		if err != nil {
			return nil, malformed("option list has an odd number of fields")
		}
		opts = append(opts, Option{Name: name, Value: value})
		rest = r2
	}
	return &OackPacket{Options: opts}, nil
}

// formatUint renders a decimal option value, used by the negotiation layer
// when building outbound Options.
func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
