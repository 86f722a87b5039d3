package codec

import (
	"bytes"
	"testing"
)

func sid(b byte) ShortID {
	var id ShortID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet *Packet
	}{
		{
			name:   "broadcast no signature",
			packet: New(TypePlainMessage, sid(0xAA), ShortID{}, 1700000000000, []byte("hello")),
		},
		{
			name:   "addressed with signature",
			packet: &Packet{Version: 1, Type: TypeHandshake, TTL: 7, SenderID: sid(0x01), RecipientID: sid(0x02), Timestamp: 42, Payload: []byte{1, 2, 3}, Signature: bytes.Repeat([]byte{0x5A}, SignatureSize)},
		},
		{
			name:   "empty payload",
			packet: New(TypeLeave, sid(0xFF), ShortID{}, 0, nil),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.packet.Encode()
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if decoded.Version != tt.packet.Version {
				t.Errorf("Version = %d, want %d", decoded.Version, tt.packet.Version)
			}
			if decoded.Type != tt.packet.Type {
				t.Errorf("Type = %x, want %x", decoded.Type, tt.packet.Type)
			}
			if decoded.TTL != tt.packet.TTL {
				t.Errorf("TTL = %d, want %d", decoded.TTL, tt.packet.TTL)
			}
			if decoded.SenderID != tt.packet.SenderID {
				t.Errorf("SenderID mismatch")
			}
			if decoded.RecipientID != tt.packet.RecipientID {
				t.Errorf("RecipientID mismatch")
			}
			if decoded.Timestamp != tt.packet.Timestamp {
				t.Errorf("Timestamp = %d, want %d", decoded.Timestamp, tt.packet.Timestamp)
			}
			if !bytes.Equal(decoded.Payload, tt.packet.Payload) {
				t.Errorf("Payload mismatch")
			}
			if !bytes.Equal(decoded.Signature, tt.packet.Signature) {
				t.Errorf("Signature mismatch")
			}
		})
	}
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	if err != ErrTruncated {
		t.Errorf("Decode() error = %v, want %v", err, ErrTruncated)
	}
}

func TestDecodePayloadOverrun(t *testing.T) {
	buf := New(TypePlainMessage, sid(1), ShortID{}, 1, []byte("hi")).Encode()
	// Lie about payload length.
	buf[27] = 0xFF
	buf[28] = 0xFF
	_, err := Decode(buf)
	if err != ErrPayloadOverrun {
		t.Errorf("Decode() error = %v, want %v", err, ErrPayloadOverrun)
	}
}

func TestHeaderSizeIs29Bytes(t *testing.T) {
	if HeaderSize != 29 {
		t.Errorf("HeaderSize = %d, want 29", HeaderSize)
	}
}

func TestSignedBytesOmitsBroadcastRecipient(t *testing.T) {
	broadcast := New(TypePlainMessage, sid(1), ShortID{}, 99, []byte("x"))
	addressed := New(TypePlainMessage, sid(1), sid(2), 99, []byte("x"))

	if len(addressed.SignedBytes()) != len(broadcast.SignedBytes())+ShortIDSize {
		t.Errorf("addressed signed region should be exactly ShortIDSize longer than broadcast")
	}
}

func TestSignedBytesIncludesTTL(t *testing.T) {
	p := New(TypePlainMessage, sid(1), ShortID{}, 99, []byte("x"))
	p.TTL = 7
	signed7 := p.SignedBytes()

	p.TTL = 3
	signed3 := p.SignedBytes()

	if bytes.Equal(signed7, signed3) {
		t.Error("SignedBytes() should change when TTL changes (ttl is in the signed region)")
	}
}

func TestDedupKeyDiffersOnAnyField(t *testing.T) {
	base := New(TypePlainMessage, sid(1), ShortID{}, 1000, []byte("x"))
	sameAgain := New(TypePlainMessage, sid(1), ShortID{}, 1000, []byte("y")) // payload differs, key shouldn't
	diffSender := New(TypePlainMessage, sid(2), ShortID{}, 1000, []byte("x"))
	diffTimestamp := New(TypePlainMessage, sid(1), ShortID{}, 1001, []byte("x"))
	diffType := New(TypeAnnounce, sid(1), ShortID{}, 1000, []byte("x"))

	if base.DedupKey() != sameAgain.DedupKey() {
		t.Error("DedupKey should be identical for identical (sender, timestamp, type) regardless of payload")
	}
	if base.DedupKey() == diffSender.DedupKey() {
		t.Error("DedupKey should differ when sender differs")
	}
	if base.DedupKey() == diffTimestamp.DedupKey() {
		t.Error("DedupKey should differ when timestamp differs")
	}
	if base.DedupKey() == diffType.DedupKey() {
		t.Error("DedupKey should differ when type differs")
	}
}

func TestWithTTLDoesNotMutateOriginal(t *testing.T) {
	p := New(TypePlainMessage, sid(1), ShortID{}, 1, []byte("x"))
	p.TTL = 7

	relayed := p.WithTTL(6)

	if p.TTL != 7 {
		t.Error("WithTTL mutated the receiver")
	}
	if relayed.TTL != 6 {
		t.Error("WithTTL did not set the copy's TTL")
	}
}

func TestShortIDStringIsLowercaseHex(t *testing.T) {
	id := ShortID{0x01, 0xAB, 0xff, 0x00, 0x10, 0x20, 0x30, 0x40}
	if got := id.String(); got != "01abff0010203040" {
		t.Errorf("String() = %q", got)
	}
}

func TestParseShortIDRoundTripsWithString(t *testing.T) {
	id := ShortID{0x01, 0xAB, 0xff, 0x00, 0x10, 0x20, 0x30, 0x40}
	got, err := ParseShortID(id.String())
	if err != nil {
		t.Fatalf("ParseShortID() error = %v", err)
	}
	if got != id {
		t.Errorf("ParseShortID(%q) = %v, want %v", id.String(), got, id)
	}
}

func TestParseShortIDRejectsWrongLength(t *testing.T) {
	if _, err := ParseShortID("abcd"); err != ErrBadShortID {
		t.Errorf("ParseShortID(short) error = %v, want ErrBadShortID", err)
	}
}

func TestParseShortIDRejectsNonHex(t *testing.T) {
	if _, err := ParseShortID("zzzzzzzzzzzzzzzz"); err != ErrBadShortID {
		t.Errorf("ParseShortID(non-hex) error = %v, want ErrBadShortID", err)
	}
}
