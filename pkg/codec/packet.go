// Package codec implements the mesh wire packet format: a fixed
// 29-byte header, a variable-length payload, and an optional 64-byte
// signature, plus the generic TLV encoding used by every payload shape.
package codec

import (
	"encoding/binary"
	"errors"
)

var (
	ErrTruncated      = errors.New("codec: buffer shorter than header")
	ErrPayloadOverrun = errors.New("codec: payload length exceeds remaining buffer")
	ErrBadSignature   = errors.New("codec: signature must be exactly 64 bytes")
)

// HeaderSize is the fixed portion of every packet: version|type|ttl|
// senderId|recipientId|timestamp|payloadLength.
const HeaderSize = 1 + 1 + 1 + 8 + 8 + 8 + 2

// SignatureSize is the length of an Ed25519 signature, when present.
const SignatureSize = 64

// ShortIDSize is the width of a node's short identifier in bytes.
const ShortIDSize = 8

// CurrentVersion is the only wire version this codec emits.
const CurrentVersion = 1

// InitialTTL is the hop budget a freshly originated packet carries.
const InitialTTL = 7

// Type enumerates the outer packet types.
type Type byte

const (
	TypeAnnounce                 Type = 0x01
	TypePlainMessage             Type = 0x02
	TypeLeave                    Type = 0x03
	TypeHandshake                Type = 0x04
	TypeEncryptedEnvelope        Type = 0x05
	TypeFileTransferMetadata     Type = 0x06
	TypeFragment                 Type = 0x07
	TypeRequestSync              Type = 0x08 // reserved
	TypeOpaqueAppMessageMetadata Type = 0x09
)

// NoiseType enumerates the inner payload type carried by the plaintext
// of an EncryptedEnvelope, one byte, immediately before the type-
// specific body.
type NoiseType byte

const (
	NoisePrivateMessage    NoiseType = 0x01
	NoiseReadReceipt       NoiseType = 0x02
	NoiseDeliveryAck       NoiseType = 0x03
	NoiseFileTransfer      NoiseType = 0x04 // reserved, unused (see SPEC_FULL.md §9)
	NoiseVerifyChallenge   NoiseType = 0x05 // reserved
	NoiseVerifyResponse    NoiseType = 0x06 // reserved
	NoiseOpaqueAppMessage  NoiseType = 0x07
	NoiseOpaqueAppResponse NoiseType = 0x08
)

// ShortID is the 8-byte node handle derived from the SHA-256 of a
// node's static public key.
type ShortID [ShortIDSize]byte

// IsBroadcast reports whether id is the all-zero recipient, meaning
// "no specific recipient".
func (id ShortID) IsBroadcast() bool {
	return id == ShortID{}
}

func (id ShortID) String() string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, ShortIDSize*2)
	for i, b := range id {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0x0f]
	}
	return string(buf)
}

// ErrBadShortID is returned by ParseShortID for any input that is not
// exactly ShortIDSize*2 hex digits.
var ErrBadShortID = errors.New("codec: short id must be exactly 16 hex digits")

// ParseShortID parses the hex form produced by ShortID.String.
func ParseShortID(s string) (ShortID, error) {
	var id ShortID
	if len(s) != ShortIDSize*2 {
		return id, ErrBadShortID
	}
	for i := 0; i < ShortIDSize; i++ {
		hi, ok1 := fromHexDigit(s[i*2])
		lo, ok2 := fromHexDigit(s[i*2+1])
		if !ok1 || !ok2 {
			return ShortID{}, ErrBadShortID
		}
		id[i] = hi<<4 | lo
	}
	return id, nil
}

func fromHexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// Packet is a decoded mesh packet.
type Packet struct {
	Version     byte
	Type        Type
	TTL         byte
	SenderID    ShortID
	RecipientID ShortID // all-zero means broadcast
	Timestamp   uint64  // ms since Unix epoch
	Payload     []byte
	Signature   []byte // nil, or exactly SignatureSize bytes
}

// New builds a locally-originated packet: version=CurrentVersion,
// ttl=InitialTTL, unsigned. Callers sign it before transmission.
func New(typ Type, sender, recipient ShortID, timestampMillis uint64, payload []byte) *Packet {
	return &Packet{
		Version:     CurrentVersion,
		Type:        typ,
		TTL:         InitialTTL,
		SenderID:    sender,
		RecipientID: recipient,
		Timestamp:   timestampMillis,
		Payload:     payload,
	}
}

// Encode serializes the packet to its wire form.
func (p *Packet) Encode() []byte {
	size := HeaderSize + len(p.Payload)
	if len(p.Signature) > 0 {
		size += SignatureSize
	}

	buf := make([]byte, size)
	offset := 0

	buf[offset] = p.Version
	offset++
	buf[offset] = byte(p.Type)
	offset++
	buf[offset] = p.TTL
	offset++

	copy(buf[offset:], p.SenderID[:])
	offset += ShortIDSize

	copy(buf[offset:], p.RecipientID[:])
	offset += ShortIDSize

	binary.BigEndian.PutUint64(buf[offset:], p.Timestamp)
	offset += 8

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(p.Payload)))
	offset += 2

	copy(buf[offset:], p.Payload)
	offset += len(p.Payload)

	if len(p.Signature) > 0 {
		copy(buf[offset:], p.Signature)
	}

	return buf
}

// Decode parses a wire packet. It requires at least HeaderSize bytes,
// rejects a payload length that overruns the buffer, and treats any
// exactly-64 trailing bytes as a signature.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTruncated
	}

	p := &Packet{}
	offset := 0

	p.Version = buf[offset]
	offset++
	p.Type = Type(buf[offset])
	offset++
	p.TTL = buf[offset]
	offset++

	copy(p.SenderID[:], buf[offset:offset+ShortIDSize])
	offset += ShortIDSize

	copy(p.RecipientID[:], buf[offset:offset+ShortIDSize])
	offset += ShortIDSize

	p.Timestamp = binary.BigEndian.Uint64(buf[offset:])
	offset += 8

	payloadLen := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2

	if payloadLen > len(buf)-offset {
		return nil, ErrPayloadOverrun
	}

	p.Payload = make([]byte, payloadLen)
	copy(p.Payload, buf[offset:offset+payloadLen])
	offset += payloadLen

	remaining := len(buf) - offset
	if remaining == SignatureSize {
		p.Signature = make([]byte, SignatureSize)
		copy(p.Signature, buf[offset:])
	} else if remaining != 0 {
		// Extra trailing bytes that aren't a full signature are not a
		// valid frame; callers are expected to pass exactly one
		// packet's worth of bytes (the Link delivers framed messages).
		return nil, ErrPayloadOverrun
	}

	return p, nil
}

// SignedBytes returns the region of the packet that is covered by its
// signature: version|type|senderId|recipientId (present if non-null)|
// timestamp|payload|ttl.
//
// ttl is included even though it is rewritten on every relay hop; this
// is a deliberate wire-compatibility choice and means a signature only
// verifies meaningfully for a packet's direct neighbor, never after it
// has been relayed.
func (p *Packet) SignedBytes() []byte {
	size := 1 + 1 + ShortIDSize + 8 + len(p.Payload) + 1
	if !p.RecipientID.IsBroadcast() {
		size += ShortIDSize
	}

	buf := make([]byte, size)
	offset := 0

	buf[offset] = p.Version
	offset++
	buf[offset] = byte(p.Type)
	offset++

	copy(buf[offset:], p.SenderID[:])
	offset += ShortIDSize

	if !p.RecipientID.IsBroadcast() {
		copy(buf[offset:], p.RecipientID[:])
		offset += ShortIDSize
	}

	binary.BigEndian.PutUint64(buf[offset:], p.Timestamp)
	offset += 8

	copy(buf[offset:], p.Payload)
	offset += len(p.Payload)

	buf[offset] = p.TTL

	return buf
}

// WithTTL returns a shallow copy of the packet with TTL replaced,
// leaving the signature untouched (see SignedBytes' doc comment: the
// signature will no longer verify, which is expected for relayed
// packets).
func (p *Packet) WithTTL(ttl byte) *Packet {
	clone := *p
	clone.TTL = ttl
	return &clone
}

// DedupKey returns the dedup cache fingerprint for this packet:
// "{senderHex}-{timestamp}-{type}".
func (p *Packet) DedupKey() string {
	return p.SenderID.String() + "-" + uitoa(p.Timestamp) + "-" + uitoa(uint64(p.Type))
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
