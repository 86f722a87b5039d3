package codec

import (
	"encoding/binary"
	"errors"
)

// ErrTLVTruncated is returned when a TLV header or value runs past the
// end of the buffer.
var ErrTLVTruncated = errors.New("codec: truncated TLV record")

// TLV is one tag/length/value record. Tags are context-local: the same
// tag byte means different things in an Announce payload than in a
// Fragment payload.
type TLV struct {
	Tag   byte
	Value []byte
}

// EncodeTLVs serializes a sequence of TLV records in order.
func EncodeTLVs(records []TLV) []byte {
	size := 0
	for _, r := range records {
		size += 1 + 2 + len(r.Value)
	}

	buf := make([]byte, size)
	offset := 0
	for _, r := range records {
		buf[offset] = r.Tag
		offset++
		binary.BigEndian.PutUint16(buf[offset:], uint16(len(r.Value)))
		offset += 2
		copy(buf[offset:], r.Value)
		offset += len(r.Value)
	}
	return buf
}

// DecodeTLVs parses a sequence of TLV records. It never rejects an
// unrecognized tag — tag interpretation is the caller's job; this
// function only validates framing (length must not run past the
// buffer).
func DecodeTLVs(buf []byte) ([]TLV, error) {
	var records []TLV
	offset := 0
	for offset < len(buf) {
		if len(buf)-offset < 3 {
			return nil, ErrTLVTruncated
		}
		tag := buf[offset]
		offset++
		length := int(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2

		if length > len(buf)-offset {
			return nil, ErrTLVTruncated
		}

		value := make([]byte, length)
		copy(value, buf[offset:offset+length])
		offset += length

		records = append(records, TLV{Tag: tag, Value: value})
	}
	return records, nil
}

// Find returns the value of the first TLV with the given tag. Unknown
// tags are simply skipped by callers that don't look for them; Find
// implements "skip" by never erroring on an absent tag.
func Find(records []TLV, tag byte) ([]byte, bool) {
	for _, r := range records {
		if r.Tag == tag {
			return r.Value, true
		}
	}
	return nil, false
}

// FindAll returns the values of every TLV with the given tag, in
// encounter order. Some payloads repeat a tag deliberately (a
// multimap), and callers need all of them, not just the first.
func FindAll(records []TLV, tag byte) [][]byte {
	var values [][]byte
	for _, r := range records {
		if r.Tag == tag {
			values = append(values, r.Value)
		}
	}
	return values
}

// PutUint32 encodes v as a 4-byte big-endian TLV value.
func PutUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// GetUint32 decodes a 4-byte big-endian TLV value. It returns false if
// value is not exactly 4 bytes.
func GetUint32(value []byte) (uint32, bool) {
	if len(value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(value), true
}
