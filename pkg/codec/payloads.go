package codec

// Tag values for each TLV-encoded payload shape. Tags are local to the
// payload that declares them.
const (
	// Announce (outer type 0x01)
	TagAnnounceNickname         byte = 0x01
	TagAnnounceStaticPublicKey  byte = 0x02
	TagAnnounceSigningPublicKey byte = 0x03

	// PrivateMessage (inner type 0x01)
	TagPrivateMessageID      byte = 0x01
	TagPrivateMessageContent byte = 0x02

	// FileTransferMetadata (outer type 0x06)
	TagFileTransferID          byte = 0x01
	TagFileTransferName        byte = 0x02
	TagFileTransferSize        byte = 0x03
	TagFileTransferMimeType    byte = 0x04
	TagFileTransferTotalChunks byte = 0x05
	TagFileTransferFEC         byte = 0x06

	// Fragment (outer type 0x07)
	TagFragmentID          byte = 0x01
	TagFragmentChunkIndex  byte = 0x02
	TagFragmentTotalChunks byte = 0x03
	TagFragmentData        byte = 0x04
	TagFragmentShardIndex  byte = 0x05
	TagFragmentIsParity    byte = 0x06

	// OpaqueAppMessageMetadata (outer type 0x09)
	TagOpaqueTxID        byte = 0x01
	TagOpaqueTotalSize   byte = 0x02
	TagOpaqueTotalChunks byte = 0x03
)

// AnnouncePayload is the decoded form of an Announce packet's payload.
type AnnouncePayload struct {
	Nickname         string
	StaticPublicKey  []byte
	SigningPublicKey []byte
}

// Encode builds the TLV-encoded Announce payload. Fields left empty
// are simply omitted from the record sequence.
func (a *AnnouncePayload) Encode() []byte {
	var records []TLV
	if a.Nickname != "" {
		records = append(records, TLV{Tag: TagAnnounceNickname, Value: []byte(a.Nickname)})
	}
	if len(a.StaticPublicKey) > 0 {
		records = append(records, TLV{Tag: TagAnnounceStaticPublicKey, Value: a.StaticPublicKey})
	}
	if len(a.SigningPublicKey) > 0 {
		records = append(records, TLV{Tag: TagAnnounceSigningPublicKey, Value: a.SigningPublicKey})
	}
	return EncodeTLVs(records)
}

// DecodeAnnouncePayload parses an Announce payload, skipping unknown
// tags.
func DecodeAnnouncePayload(buf []byte) (*AnnouncePayload, error) {
	records, err := DecodeTLVs(buf)
	if err != nil {
		return nil, err
	}

	a := &AnnouncePayload{}
	if v, ok := Find(records, TagAnnounceNickname); ok {
		a.Nickname = string(v)
	}
	if v, ok := Find(records, TagAnnounceStaticPublicKey); ok {
		a.StaticPublicKey = v
	}
	if v, ok := Find(records, TagAnnounceSigningPublicKey); ok {
		a.SigningPublicKey = v
	}
	return a, nil
}

// PrivateMessagePayload is the inner (post-decryption) payload of a
// NoisePrivateMessage.
type PrivateMessagePayload struct {
	MessageID string
	Content   string
}

func (m *PrivateMessagePayload) Encode() []byte {
	return EncodeTLVs([]TLV{
		{Tag: TagPrivateMessageID, Value: []byte(m.MessageID)},
		{Tag: TagPrivateMessageContent, Value: []byte(m.Content)},
	})
}

func DecodePrivateMessagePayload(buf []byte) (*PrivateMessagePayload, error) {
	records, err := DecodeTLVs(buf)
	if err != nil {
		return nil, err
	}
	m := &PrivateMessagePayload{}
	if v, ok := Find(records, TagPrivateMessageID); ok {
		m.MessageID = string(v)
	}
	if v, ok := Find(records, TagPrivateMessageContent); ok {
		m.Content = string(v)
	}
	return m, nil
}

// FileTransferMetadataPayload announces an incoming chunked file. When
// FEC is set, TotalChunks counts Reed-Solomon blocks rather than raw
// fragments, and the accompanying Fragment packets carry a shard
// index and parity flag alongside the chunk index, which then holds
// the block index.
type FileTransferMetadataPayload struct {
	TransferID  string
	FileName    string
	FileSize    uint32
	MimeType    string
	TotalChunks uint32
	FEC         bool
}

func (f *FileTransferMetadataPayload) Encode() []byte {
	records := []TLV{
		{Tag: TagFileTransferID, Value: []byte(f.TransferID)},
		{Tag: TagFileTransferName, Value: []byte(f.FileName)},
		{Tag: TagFileTransferSize, Value: PutUint32(f.FileSize)},
		{Tag: TagFileTransferMimeType, Value: []byte(f.MimeType)},
		{Tag: TagFileTransferTotalChunks, Value: PutUint32(f.TotalChunks)},
	}
	if f.FEC {
		records = append(records, TLV{Tag: TagFileTransferFEC, Value: []byte{1}})
	}
	return EncodeTLVs(records)
}

func DecodeFileTransferMetadataPayload(buf []byte) (*FileTransferMetadataPayload, error) {
	records, err := DecodeTLVs(buf)
	if err != nil {
		return nil, err
	}
	f := &FileTransferMetadataPayload{}
	if v, ok := Find(records, TagFileTransferID); ok {
		f.TransferID = string(v)
	}
	if v, ok := Find(records, TagFileTransferName); ok {
		f.FileName = string(v)
	}
	if v, ok := Find(records, TagFileTransferSize); ok {
		f.FileSize, _ = GetUint32(v)
	}
	if v, ok := Find(records, TagFileTransferMimeType); ok {
		f.MimeType = string(v)
	}
	if v, ok := Find(records, TagFileTransferTotalChunks); ok {
		f.TotalChunks, _ = GetUint32(v)
	}
	if v, ok := Find(records, TagFileTransferFEC); ok && len(v) == 1 {
		f.FEC = v[0] != 0
	}
	return f, nil
}

// FragmentPayload carries one chunk of a chunked transfer. ShardIndex
// and IsParity (tags 0x05/0x06) are only present when the transfer
// they belong to is Reed-Solomon FEC-protected; a receiver that
// doesn't know about them simply never looks them up, per the
// "unknown tags are skipped" rule. FEC reports whether they were
// present on this packet.
type FragmentPayload struct {
	ID          string
	ChunkIndex  uint32
	TotalChunks uint32
	ChunkData   []byte
	ShardIndex  uint32
	IsParity    bool
	FEC         bool
}

func (f *FragmentPayload) Encode() []byte {
	records := []TLV{
		{Tag: TagFragmentID, Value: []byte(f.ID)},
		{Tag: TagFragmentChunkIndex, Value: PutUint32(f.ChunkIndex)},
		{Tag: TagFragmentTotalChunks, Value: PutUint32(f.TotalChunks)},
		{Tag: TagFragmentData, Value: f.ChunkData},
	}
	if f.FEC {
		parity := byte(0)
		if f.IsParity {
			parity = 1
		}
		records = append(records,
			TLV{Tag: TagFragmentShardIndex, Value: PutUint32(f.ShardIndex)},
			TLV{Tag: TagFragmentIsParity, Value: []byte{parity}},
		)
	}
	return EncodeTLVs(records)
}

func DecodeFragmentPayload(buf []byte) (*FragmentPayload, error) {
	records, err := DecodeTLVs(buf)
	if err != nil {
		return nil, err
	}
	f := &FragmentPayload{}
	if v, ok := Find(records, TagFragmentID); ok {
		f.ID = string(v)
	}
	if v, ok := Find(records, TagFragmentChunkIndex); ok {
		f.ChunkIndex, _ = GetUint32(v)
	}
	if v, ok := Find(records, TagFragmentTotalChunks); ok {
		f.TotalChunks, _ = GetUint32(v)
	}
	if v, ok := Find(records, TagFragmentData); ok {
		f.ChunkData = v
	}
	if v, ok := Find(records, TagFragmentShardIndex); ok {
		f.ShardIndex, _ = GetUint32(v)
		f.FEC = true
	}
	if v, ok := Find(records, TagFragmentIsParity); ok && len(v) == 1 {
		f.IsParity = v[0] != 0
	}
	return f, nil
}

// OpaqueMetadataPayload announces an upcoming oversized encrypted
// application payload.
type OpaqueMetadataPayload struct {
	TxID        string
	TotalSize   uint32
	TotalChunks uint32
}

func (o *OpaqueMetadataPayload) Encode() []byte {
	return EncodeTLVs([]TLV{
		{Tag: TagOpaqueTxID, Value: []byte(o.TxID)},
		{Tag: TagOpaqueTotalSize, Value: PutUint32(o.TotalSize)},
		{Tag: TagOpaqueTotalChunks, Value: PutUint32(o.TotalChunks)},
	})
}

func DecodeOpaqueMetadataPayload(buf []byte) (*OpaqueMetadataPayload, error) {
	records, err := DecodeTLVs(buf)
	if err != nil {
		return nil, err
	}
	o := &OpaqueMetadataPayload{}
	if v, ok := Find(records, TagOpaqueTxID); ok {
		o.TxID = string(v)
	}
	if v, ok := Find(records, TagOpaqueTotalSize); ok {
		o.TotalSize, _ = GetUint32(v)
	}
	if v, ok := Find(records, TagOpaqueTotalChunks); ok {
		o.TotalChunks, _ = GetUint32(v)
	}
	return o, nil
}
