package chunker

import (
	"bytes"
	"testing"
)

func TestFECEncodeDecodeRoundTrip(t *testing.T) {
	enc, err := NewFECEncoder()
	if err != nil {
		t.Fatalf("NewFECEncoder() error = %v", err)
	}

	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i % 256)
	}

	encoded, err := enc.Encode(data)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(encoded.Shards) != FECTotalShards {
		t.Fatalf("len(Shards) = %d, want %d", len(encoded.Shards), FECTotalShards)
	}

	got, err := enc.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("decoded data does not match original when all shards present")
	}
}

func TestFECToleratesLosingAsManyShardsAsParity(t *testing.T) {
	enc, err := NewFECEncoder()
	if err != nil {
		t.Fatalf("NewFECEncoder() error = %v", err)
	}

	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i % 256)
	}

	encoded, err := enc.Encode(data)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	lossy := &EncodedFile{
		Shards:       append([][]byte(nil), encoded.Shards...),
		ShardSize:    encoded.ShardSize,
		OriginalSize: encoded.OriginalSize,
	}
	// drop exactly FECParityShards shards — still reconstructable
	for i := 0; i < FECParityShards; i++ {
		lossy.Shards[i] = nil
	}

	got, err := enc.Decode(lossy)
	if err != nil {
		t.Fatalf("Decode() with %d missing shards error = %v", FECParityShards, err)
	}
	if !bytes.Equal(got, data) {
		t.Error("decoded data does not match original after losing FECParityShards shards")
	}
}

func TestFECFailsBelowMinimumShards(t *testing.T) {
	enc, err := NewFECEncoder()
	if err != nil {
		t.Fatalf("NewFECEncoder() error = %v", err)
	}

	data := make([]byte, 1000)
	encoded, err := enc.Encode(data)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	for i := 0; i < FECParityShards+1; i++ {
		encoded.Shards[i] = nil
	}

	if _, err := enc.Decode(encoded); err == nil {
		t.Error("expected Decode to fail when fewer than FECDataShards shards are available")
	}
}
