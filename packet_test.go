package tftp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Packet{
		&RequestPacket{Op: OpRRQ, Filename: "boot.img", Mode: ModeOctet},
		&RequestPacket{Op: OpWRQ, Filename: "boot.img", Mode: ModeNetASCII, Options: Options{
			{Name: OptBlksize, Value: "1024"},
			{Name: OptTimeout, Value: "3"},
		}},
		&DataPacket{Block: 1, Data: []byte("hello")},
		&DataPacket{Block: 65535, Data: nil},
		&AckPacket{Block: 0},
		&AckPacket{Block: 65535},
		&ErrorPacket{Code: ErrFileNotFound, Message: "no such file"},
		&OackPacket{Options: Options{{Name: OptBlksize, Value: "1024"}, {Name: OptTsize, Value: "42"}}},
	}

	for _, want := range cases {
		raw := EncodePacket(want)
		got, err := DecodePacket(raw)
		if err != nil {
			t.Fatalf("DecodePacket(%v) returned error: %v", want, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestDecodePacketRejectsTruncation(t *testing.T) {
	cases := map[string][]byte{
		"empty":                 {},
		"opcode only":           {0x00},
		"opcode out of range":   {0x00, 0x09},
		"rrq missing mode":      {0x00, 0x01, 'a', 0x00},
		"rrq unterminated name": {0x00, 0x01, 'a'},
		"data missing block":    {0x00, 0x03, 0x00},
		"ack missing block":     {0x00, 0x04},
		"error missing code":    {0x00, 0x05, 0x00},
		"rrq odd option count":  append([]byte{0x00, 0x01, 'a', 0x00, 'o', 'c', 't', 'e', 't', 0x00}, append([]byte("blksize"), 0x00)...),
		"rrq unsupported mode":  {0x00, 0x01, 'a', 0x00, 'x', 0x00},
	}
	for name, raw := range cases {
		if _, err := DecodePacket(raw); err == nil {
			t.Errorf("%s: expected error, got none", name)
		}
	}
}

func TestOptionsGetIsCaseInsensitive(t *testing.T) {
	opts := Options{{Name: "BlkSize", Value: "1024"}}
	v, ok := opts.Get("blksize")
	if !ok || v != "1024" {
		t.Fatalf("Get(%q) = %q, %v; want 1024, true", "blksize", v, ok)
	}
	if !opts.Has("BLKSIZE") {
		t.Fatal("Has should be case-insensitive")
	}
}

func TestDataPacketShorterThanFourBytesIsMalformed(t *testing.T) {
	raw := []byte{0x00, 0x03, 0x00} // opcode + one byte of block field
	if _, err := DecodePacket(raw); err == nil {
		t.Fatal("expected malformed packet error")
	}
}
