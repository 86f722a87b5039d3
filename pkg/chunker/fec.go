package chunker

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// FEC data/parity shard counts, applied to file-transfer fragments
// instead of storage blocks: a receiver that loses up to
// FECParityShards fragments can still reconstruct the file without
// retransmission.
const (
	FECDataShards   = 10
	FECParityShards = 5
	FECTotalShards  = FECDataShards + FECParityShards
)

// FECEncoder wraps a Reed-Solomon encoder sized for file-transfer FEC.
type FECEncoder struct {
	enc reedsolomon.Encoder
}

// NewFECEncoder creates an FEC encoder using FECDataShards data shards
// and FECParityShards parity shards.
func NewFECEncoder() (*FECEncoder, error) {
	enc, err := reedsolomon.New(FECDataShards, FECParityShards)
	if err != nil {
		return nil, fmt.Errorf("chunker: new reed-solomon encoder: %w", err)
	}
	return &FECEncoder{enc: enc}, nil
}

// EncodedFile holds a file's FEC shards and the metadata needed to
// trim padding on reconstruction.
type EncodedFile struct {
	Shards       [][]byte
	ShardSize    int
	OriginalSize int
}

// Encode splits data into FECTotalShards shards (FECDataShards data +
// FECParityShards parity), any FECDataShards of which reconstruct the
// original.
func (e *FECEncoder) Encode(data []byte) (*EncodedFile, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("chunker: cannot FEC-encode empty data")
	}

	shards, err := e.enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("chunker: split shards: %w", err)
	}
	if err := e.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("chunker: encode parity: %w", err)
	}

	return &EncodedFile{
		Shards:       shards,
		ShardSize:    len(shards[0]),
		OriginalSize: len(data),
	}, nil
}

// FECBlockSize is the amount of raw data each FEC block protects:
// FECDataShards shards of FileFragmentSize bytes apiece.
const FECBlockSize = FECDataShards * FileFragmentSize

// EncodeFileBlocks FEC-encodes data in FECBlockSize windows, returning
// one EncodedFile per window in order. A receiver that has any
// FECDataShards of a window's FECTotalShards shards can reconstruct
// it without retransmission.
func EncodeFileBlocks(data []byte) ([]*EncodedFile, error) {
	enc, err := NewFECEncoder()
	if err != nil {
		return nil, err
	}

	var blocks []*EncodedFile
	for start := 0; start < len(data); start += FECBlockSize {
		end := start + FECBlockSize
		if end > len(data) {
			end = len(data)
		}
		block, err := enc.Encode(data[start:end])
		if err != nil {
			return nil, fmt.Errorf("chunker: FEC-encode block at offset %d: %w", start, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// Decode reconstructs the original bytes from shards, where a missing
// shard is represented by a nil entry. At least FECDataShards non-nil
// shards are required.
func (e *FECEncoder) Decode(enc *EncodedFile) ([]byte, error) {
	if len(enc.Shards) != FECTotalShards {
		return nil, fmt.Errorf("chunker: expected %d shards, got %d", FECTotalShards, len(enc.Shards))
	}

	available := 0
	for _, s := range enc.Shards {
		if s != nil {
			available++
		}
	}
	if available < FECDataShards {
		return nil, fmt.Errorf("chunker: insufficient shards for recovery: have %d, need %d", available, FECDataShards)
	}

	shards := make([][]byte, FECTotalShards)
	copy(shards, enc.Shards)

	if err := e.enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("chunker: reconstruct shards: %w", err)
	}

	var buf []byte
	for i := 0; i < FECDataShards; i++ {
		buf = append(buf, shards[i]...)
	}
	if len(buf) > enc.OriginalSize {
		buf = buf[:enc.OriginalSize]
	}
	return buf, nil
}
