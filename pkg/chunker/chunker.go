// Package chunker implements the chunked-transfer state machine shared
// by file transfers and oversized encrypted application payloads:
// split on the send path, a pending-transfer reassembly table with
// per-entry expiry on the receive path.
package chunker

import (
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wiremesh/meshcore/pkg/codec"
)

// FileFragmentSize is the per-fragment payload size for file transfers,
// before TLV wrapping.
const FileFragmentSize = 180

// OpaqueFragmentSize is the per-fragment payload size for oversized
// encrypted application payloads, before TLV wrapping.
const OpaqueFragmentSize = 400

// OpaqueThreshold is the ciphertext size above which an oversized
// encrypted payload must be chunked rather than sent as a single
// EncryptedEnvelope.
const OpaqueThreshold = 450

// FragmentPacingDelay is the delay inserted between successive
// fragment emissions to accommodate slow radios.
const FragmentPacingDelay = 50 * time.Millisecond

// DefaultTransferTTL bounds how long an incomplete transfer may sit in
// the pending table before EvictExpired reclaims it — the PendingTransfer
// entries have no retransmission or ack in the baseline protocol, so
// without this bound a missing fragment leaks memory forever.
const DefaultTransferTTL = 5 * time.Minute

// SplitFile returns the ordered list of fragments for data, each at
// most FileFragmentSize bytes.
func SplitFile(data []byte) [][]byte {
	return split(data, FileFragmentSize)
}

// SplitOpaque returns the ordered list of fragments for ciphertext,
// each at most OpaqueFragmentSize bytes.
func SplitOpaque(ciphertext []byte) [][]byte {
	return split(ciphertext, OpaqueFragmentSize)
}

func split(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	n := (len(data) + size - 1) / size
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		start := i * size
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		out[i] = data[start:end]
	}
	return out
}

// fileTransfer tracks a single file transfer in progress. In FEC
// mode, totalChunks counts Reed-Solomon blocks rather than raw
// fragments and fragments is unused; blocks tracks shard arrival and
// reconstruction per block instead.
type fileTransfer struct {
	id          string
	fileName    string
	fileSize    uint32
	mimeType    string
	sender      codec.ShortID
	totalChunks uint32
	fragments   map[uint32][]byte
	fec         bool
	blocks      map[uint32]*fecBlock
	deadline    time.Time
}

// fecBlock accumulates shards for one Reed-Solomon-protected window of
// a file transfer until FECDataShards of them have arrived, at which
// point it reconstructs the block's original bytes.
type fecBlock struct {
	shards [][]byte
	have   int
	data   []byte
}

func (f *fileTransfer) complete() bool {
	if f.fec {
		if uint32(len(f.blocks)) != f.totalChunks {
			return false
		}
		for _, b := range f.blocks {
			if b.data == nil {
				return false
			}
		}
		return true
	}
	return uint32(len(f.fragments)) == f.totalChunks
}

func (f *fileTransfer) reassemble() []byte {
	if f.fec {
		var buf []byte
		for i := uint32(0); i < f.totalChunks; i++ {
			buf = append(buf, f.blocks[i].data...)
		}
		return buf
	}

	var buf []byte
	indices := make([]uint32, 0, len(f.fragments))
	for idx := range f.fragments {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, idx := range indices {
		buf = append(buf, f.fragments[idx]...)
	}
	return buf
}

// transactionChunks tracks a single oversized-encrypted-payload
// transfer in progress.
type transactionChunks struct {
	id          string
	sender      codec.ShortID
	totalSize   uint32
	totalChunks uint32
	chunks      map[uint32][]byte
	deadline    time.Time
}

func (t *transactionChunks) complete() bool {
	return uint32(len(t.chunks)) == t.totalChunks
}

func (t *transactionChunks) reassemble() []byte {
	var buf []byte
	indices := make([]uint32, 0, len(t.chunks))
	for idx := range t.chunks {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, idx := range indices {
		buf = append(buf, t.chunks[idx]...)
	}
	return buf
}

// CompletedFile is the reassembled result of a finished file transfer.
type CompletedFile struct {
	TransferID  string
	FileName    string
	FileSize    uint32
	MimeType    string
	TotalChunks uint32
	Sender      codec.ShortID
	Data        []byte
}

// Base64Data returns Data encoded as a utf8 base64 string, the wire
// shape the file-received event carries.
func (c CompletedFile) Base64Data() string {
	return base64.StdEncoding.EncodeToString(c.Data)
}

// CompletedTransaction is the reassembled result of a finished
// oversized-payload transfer.
type CompletedTransaction struct {
	TransferID string
	Sender     codec.ShortID
	Ciphertext []byte
}

// Table owns the pending-transfer state for both file transfers and
// oversized-payload transactions. Every method holds the table's
// mutex, so calls from several goroutines are safe; a dispatch step
// that spans several calls relies on its caller for atomicity.
type Table struct {
	mu    sync.Mutex
	ttl   time.Duration
	files map[string]*fileTransfer
	txs   map[string]*transactionChunks
}

// New creates an empty pending-transfer table with the given per-entry
// time-to-live.
func New(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTransferTTL
	}
	return &Table{
		ttl:   ttl,
		files: make(map[string]*fileTransfer),
		txs:   make(map[string]*transactionChunks),
	}
}

// BeginFile allocates a FileTransfer entry from a FileTransferMetadata
// packet.
func (t *Table) BeginFile(id, fileName string, fileSize uint32, mimeType string, totalChunks uint32, sender codec.ShortID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[id] = &fileTransfer{
		id:          id,
		fileName:    fileName,
		fileSize:    fileSize,
		mimeType:    mimeType,
		sender:      sender,
		totalChunks: totalChunks,
		fragments:   make(map[uint32][]byte),
		deadline:    time.Now().Add(t.ttl),
	}
}

// AddFileFragment stores one fragment of a file transfer. It returns
// the reassembled file if this fragment completed the transfer; the
// entry is discarded from the table either way once complete.
func (t *Table) AddFileFragment(id string, chunkIndex uint32, data []byte) (*CompletedFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[id]
	if !ok {
		return nil, fmt.Errorf("chunker: fragment for unknown file transfer %q dropped", id)
	}

	f.fragments[chunkIndex] = data
	if !f.complete() {
		return nil, nil
	}

	delete(t.files, id)
	return &CompletedFile{
		TransferID:  f.id,
		FileName:    f.fileName,
		FileSize:    f.fileSize,
		MimeType:    f.mimeType,
		TotalChunks: f.totalChunks,
		Sender:      f.sender,
		Data:        f.reassemble(),
	}, nil
}

// BeginFileFEC allocates a Reed-Solomon FEC-protected FileTransfer
// entry. totalBlocks is the number of FECBlockSize windows the file
// was split into; each block is recoverable from any FECDataShards of
// its FECTotalShards shards.
func (t *Table) BeginFileFEC(id, fileName string, fileSize uint32, mimeType string, totalBlocks uint32, sender codec.ShortID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files[id] = &fileTransfer{
		id:          id,
		fileName:    fileName,
		fileSize:    fileSize,
		mimeType:    mimeType,
		sender:      sender,
		totalChunks: totalBlocks,
		fec:         true,
		blocks:      make(map[uint32]*fecBlock),
		deadline:    time.Now().Add(t.ttl),
	}
}

// AddFileShard stores one Reed-Solomon shard of a FEC-protected file
// transfer. Once a block has FECDataShards distinct shards it is
// reconstructed immediately, without waiting for the remaining
// parity shards to arrive. Returns the reassembled file once every
// block has been reconstructed; the entry is then discarded, so shards
// of the transfer that arrive later (such as the last block's trailing
// parity shards) get the unknown-transfer error.
func (t *Table) AddFileShard(id string, blockIndex, shardIndex uint32, data []byte) (*CompletedFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[id]
	if !ok || !f.fec {
		return nil, fmt.Errorf("chunker: FEC shard for unknown file transfer %q dropped", id)
	}
	if shardIndex >= FECTotalShards {
		return nil, fmt.Errorf("chunker: shard index %d out of range", shardIndex)
	}

	b, ok := f.blocks[blockIndex]
	if !ok {
		b = &fecBlock{shards: make([][]byte, FECTotalShards)}
		f.blocks[blockIndex] = b
	}

	if b.data != nil {
		// Block already reconstructed; a trailing parity shard arriving
		// late has nothing left to contribute.
		return nil, nil
	}
	if b.shards[shardIndex] == nil {
		b.shards[shardIndex] = data
		b.have++
	}

	if b.have >= FECDataShards {
		enc, err := NewFECEncoder()
		if err != nil {
			return nil, err
		}
		originalSize := FECBlockSize
		if remaining := int(f.fileSize) - int(blockIndex)*FECBlockSize; remaining < FECBlockSize {
			originalSize = remaining
		}
		recovered, err := enc.Decode(&EncodedFile{Shards: b.shards, OriginalSize: originalSize})
		if err != nil {
			// Not yet reconstructable (e.g. the arrived shards disagree
			// in size); wait for more.
			return nil, nil
		}
		b.data = recovered
	}

	if !f.complete() {
		return nil, nil
	}

	delete(t.files, id)
	return &CompletedFile{
		TransferID:  f.id,
		FileName:    f.fileName,
		FileSize:    f.fileSize,
		MimeType:    f.mimeType,
		TotalChunks: f.totalChunks,
		Sender:      f.sender,
		Data:        f.reassemble(),
	}, nil
}

// BeginTransaction allocates a TransactionChunks entry from an
// OpaqueAppMessageMetadata packet.
func (t *Table) BeginTransaction(id string, totalSize, totalChunks uint32, sender codec.ShortID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txs[id] = &transactionChunks{
		id:          id,
		sender:      sender,
		totalSize:   totalSize,
		totalChunks: totalChunks,
		chunks:      make(map[uint32][]byte),
		deadline:    time.Now().Add(t.ttl),
	}
}

// AddTransactionChunk stores one chunk of an oversized-payload
// transaction. It returns the reassembled ciphertext if this chunk
// completed the transaction.
func (t *Table) AddTransactionChunk(id string, chunkIndex uint32, data []byte) (*CompletedTransaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, ok := t.txs[id]
	if !ok {
		return nil, fmt.Errorf("chunker: fragment for unknown transaction %q dropped", id)
	}

	tx.chunks[chunkIndex] = data
	if !tx.complete() {
		return nil, nil
	}

	delete(t.txs, id)
	return &CompletedTransaction{
		TransferID: tx.id,
		Sender:     tx.sender,
		Ciphertext: tx.reassemble(),
	}, nil
}

// EvictExpired removes pending entries past their deadline, returning
// the count removed. Callers should invoke this periodically; there is
// no retransmission or ack in the baseline protocol to trigger it
// automatically.
func (t *Table) EvictExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	evicted := 0
	for id, f := range t.files {
		if now.After(f.deadline) {
			delete(t.files, id)
			evicted++
		}
	}
	for id, tx := range t.txs {
		if now.After(tx.deadline) {
			delete(t.txs, id)
			evicted++
		}
	}
	return evicted
}

// PendingCount returns the number of in-flight file and transaction
// transfers combined.
func (t *Table) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files) + len(t.txs)
}
