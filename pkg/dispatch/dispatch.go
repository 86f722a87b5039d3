// Package dispatch routes decoded packets by type to handlers,
// updating the peer directory, session store, and chunker pending-
// transfer table, and emitting events for the host application to
// consume. It owns all four of those tables exclusively.
package dispatch

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/wiremesh/meshcore/pkg/chunker"
	"github.com/wiremesh/meshcore/pkg/codec"
	"github.com/wiremesh/meshcore/pkg/dedup"
	"github.com/wiremesh/meshcore/pkg/directory"
	"github.com/wiremesh/meshcore/pkg/identity"
	"github.com/wiremesh/meshcore/pkg/link"
	"github.com/wiremesh/meshcore/pkg/relay"
	"github.com/wiremesh/meshcore/pkg/session"
)

// Unicast is the narrow Link capability dispatch needs to send a
// reciprocal handshake or any other direct reply.
type Unicast interface {
	Send(neighbor link.NeighborID, data []byte) error
}

// Dispatcher is the protocol dispatcher: the single owner of the peer
// directory, session store, dedup cache (via the relay engine), and
// chunker pending-transfer table.
type Dispatcher struct {
	Identity *identity.NodeIdentity
	Dir      *directory.Directory
	Sessions *session.Store
	Chunks   *chunker.Table
	Relay    *relay.Engine

	events chan Event

	handshakeSent map[codec.ShortID]bool

	// OnSendReciprocalHandshake is wired up by the owning mesh.Node to
	// actually transmit a handshake packet; the Dispatcher itself holds
	// no Link reference for unicast sends.
	OnSendReciprocalHandshake func(to codec.ShortID)
}

// New creates a dispatcher wired to the given component tables. cache
// and sender are used to construct the relay engine.
func New(id *identity.NodeIdentity, dir *directory.Directory, sessions *session.Store, chunks *chunker.Table, cache *dedup.Cache, sender relay.Sender) *Dispatcher {
	return &Dispatcher{
		Identity:      id,
		Dir:           dir,
		Sessions:      sessions,
		Chunks:        chunks,
		Relay:         relay.New(cache, sender),
		events:        make(chan Event, 256),
		handshakeSent: make(map[codec.ShortID]bool),
	}
}

// Events returns the dispatcher's outbound event channel.
func (d *Dispatcher) Events() <-chan Event {
	return d.events
}

// Emit pushes an event onto the outbound stream on behalf of a
// caller outside the package, such as mesh.Node reacting to a
// link-level event the dispatcher itself never sees.
func (d *Dispatcher) Emit(ev Event) {
	d.emit(ev)
}

func (d *Dispatcher) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		log.Printf("⚠️  dispatch: event channel full, dropping %v", ev.Kind)
	}
}

// Handle processes one decoded inbound packet arriving on fromLink
// (empty for a locally originated packet being fed back through the
// relay/dedup path). It applies dedup + relay policy first, then
// drops self-sourced and duplicate packets, then routes by type.
func (d *Dispatcher) Handle(p *codec.Packet, fromLink link.NeighborID) {
	if !d.Relay.Admit(p, fromLink) {
		return
	}
	if p.SenderID == d.Identity.ShortID {
		return
	}
	if fromLink != "" {
		d.Dir.AssociateNeighbor(p.SenderID, fromLink)
	}

	switch p.Type {
	case codec.TypeAnnounce:
		d.handleAnnounce(p)
	case codec.TypePlainMessage:
		d.handlePlainMessage(p)
	case codec.TypeLeave:
		d.handleLeave(p)
	case codec.TypeHandshake:
		d.handleHandshake(p)
	case codec.TypeEncryptedEnvelope:
		d.handleEncryptedEnvelope(p)
	case codec.TypeFileTransferMetadata:
		d.handleFileTransferMetadata(p)
	case codec.TypeFragment:
		d.handleFragment(p)
	case codec.TypeOpaqueAppMessageMetadata:
		d.handleOpaqueAppMessageMetadata(p)
	case codec.TypeRequestSync:
		// reserved, no handler yet
	default:
		log.Printf("⚠️  dispatch: unknown packet type 0x%02x from %s", byte(p.Type), p.SenderID)
	}
}

func (d *Dispatcher) handleAnnounce(p *codec.Packet) {
	records, err := codec.DecodeTLVs(p.Payload)
	if err != nil {
		log.Printf("⚠️  dispatch: malformed announce from %s: %v", p.SenderID, err)
		return
	}

	var nickname string
	var staticPub, signingPub []byte
	if v, ok := codec.Find(records, codec.TagAnnounceNickname); ok {
		nickname = string(v)
	}
	if v, ok := codec.Find(records, codec.TagAnnounceStaticPublicKey); ok {
		staticPub = v
	}
	if v, ok := codec.Find(records, codec.TagAnnounceSigningPublicKey); ok {
		signingPub = v
	}

	d.Dir.Upsert(p.SenderID, nickname, staticPub, signingPub)
	d.emit(Event{Kind: EventPeerListUpdated})
}

func (d *Dispatcher) handlePlainMessage(p *codec.Packet) {
	d.emit(Event{
		Kind:           EventMessageReceived,
		ID:             generateID(),
		Content:        string(p.Payload),
		SenderPeerID:   p.SenderID.String(),
		SenderNickname: d.Dir.NicknameOrFallback(p.SenderID),
		IsPrivate:      false,
		Timestamp:      int64(p.Timestamp),
	})
}

func (d *Dispatcher) handleLeave(p *codec.Packet) {
	d.Dir.Remove(p.SenderID)
	d.Sessions.Drop(p.SenderID)
	d.emit(Event{Kind: EventPeerListUpdated})
	d.emit(Event{Kind: EventConnectionStateChanged, PeerID: p.SenderID.String(), IsConnected: false})
}

func (d *Dispatcher) handleHandshake(p *codec.Packet) {
	if len(p.Payload) != 32 {
		d.emitError("HandshakeError", fmt.Sprintf("handshake payload from %s is %d bytes, want 32", p.SenderID, len(p.Payload)))
		return
	}

	var theirStatic [32]byte
	copy(theirStatic[:], p.Payload)

	key, err := session.DeriveSharedKey(d.Identity.StaticPrivate, theirStatic)
	if err != nil {
		d.emitError("HandshakeError", err.Error())
		return
	}
	d.Sessions.Set(p.SenderID, key)

	addressedToUs := p.RecipientID.IsBroadcast() || p.RecipientID == d.Identity.ShortID
	if addressedToUs && !d.handshakeSent[p.SenderID] {
		d.handshakeSent[p.SenderID] = true
		d.sendReciprocalHandshake(p.SenderID)
	}
}

func (d *Dispatcher) sendReciprocalHandshake(to codec.ShortID) {
	if d.OnSendReciprocalHandshake != nil {
		d.OnSendReciprocalHandshake(to)
		return
	}
	log.Printf("🤝 dispatch: would send reciprocal handshake to %s (no hook wired)", to)
}

func (d *Dispatcher) handleEncryptedEnvelope(p *codec.Packet) {
	if !p.RecipientID.IsBroadcast() && p.RecipientID != d.Identity.ShortID {
		return // addressed elsewhere; already relayed by Admit
	}

	key, ok := d.Sessions.Get(p.SenderID)
	if !ok {
		return // no session: silent drop, expected
	}

	plaintext, err := session.Decrypt(key, p.Payload)
	if err != nil {
		return // AEAD failure: silent drop per policy
	}

	d.dispatchInner(p.SenderID, plaintext)
}

// dispatchInner routes the decrypted plaintext of an envelope (or a
// reassembled transaction-chunks buffer) by its leading NoisePayloadType
// byte.
func (d *Dispatcher) dispatchInner(sender codec.ShortID, plaintext []byte) {
	if len(plaintext) == 0 {
		return
	}
	inner := codec.NoiseType(plaintext[0])
	body := plaintext[1:]

	switch inner {
	case codec.NoisePrivateMessage:
		d.handleInnerPrivateMessage(sender, body)
	case codec.NoiseReadReceipt:
		d.emit(Event{Kind: EventReadReceipt, ID: string(body), SenderPeerID: sender.String()})
	case codec.NoiseDeliveryAck:
		d.emit(Event{Kind: EventDeliveryAck, ID: string(body), SenderPeerID: sender.String()})
	case codec.NoiseOpaqueAppMessage:
		d.handleInnerOpaqueAppMessage(sender, body)
	case codec.NoiseOpaqueAppResponse:
		d.handleInnerOpaqueAppResponse(sender, body)
	default:
		log.Printf("⚠️  dispatch: unknown inner payload type 0x%02x from %s", byte(inner), sender)
	}
}

func (d *Dispatcher) handleInnerPrivateMessage(sender codec.ShortID, body []byte) {
	records, err := codec.DecodeTLVs(body)
	if err != nil {
		log.Printf("⚠️  dispatch: malformed private message from %s: %v", sender, err)
		return
	}

	var id, content string
	if v, ok := codec.Find(records, codec.TagPrivateMessageID); ok {
		id = string(v)
	}
	if v, ok := codec.Find(records, codec.TagPrivateMessageContent); ok {
		content = string(v)
	}

	d.emit(Event{
		Kind:           EventMessageReceived,
		ID:             id,
		Content:        content,
		SenderPeerID:   sender.String(),
		SenderNickname: d.Dir.NicknameOrFallback(sender),
		IsPrivate:      true,
	})
}

func (d *Dispatcher) handleInnerOpaqueAppMessage(sender codec.ShortID, body []byte) {
	records, err := codec.DecodeTLVs(body)
	if err != nil {
		log.Printf("⚠️  dispatch: malformed opaque app message from %s: %v", sender, err)
		return
	}
	d.emit(Event{Kind: EventApplicationMessageReceived, SenderPeerID: sender.String(), AppFields: records})
}

func (d *Dispatcher) handleInnerOpaqueAppResponse(sender codec.ShortID, body []byte) {
	records, err := codec.DecodeTLVs(body)
	if err != nil {
		log.Printf("⚠️  dispatch: malformed opaque app response from %s: %v", sender, err)
		return
	}
	d.emit(Event{Kind: EventApplicationResponseReceived, SenderPeerID: sender.String(), AppFields: records})
}

func (d *Dispatcher) handleFileTransferMetadata(p *codec.Packet) {
	meta, err := codec.DecodeFileTransferMetadataPayload(p.Payload)
	if err != nil {
		log.Printf("⚠️  dispatch: malformed file transfer metadata from %s: %v", p.SenderID, err)
		return
	}

	if meta.FEC {
		d.Chunks.BeginFileFEC(meta.TransferID, meta.FileName, meta.FileSize, meta.MimeType, meta.TotalChunks, p.SenderID)
		return
	}
	d.Chunks.BeginFile(meta.TransferID, meta.FileName, meta.FileSize, meta.MimeType, meta.TotalChunks, p.SenderID)
}

func (d *Dispatcher) handleFragment(p *codec.Packet) {
	frag, err := codec.DecodeFragmentPayload(p.Payload)
	if err != nil {
		log.Printf("⚠️  dispatch: malformed fragment from %s: %v", p.SenderID, err)
		return
	}

	if frag.FEC {
		completed, err := d.Chunks.AddFileShard(frag.ID, frag.ChunkIndex, frag.ShardIndex, frag.ChunkData)
		if err != nil {
			log.Printf("⚠️  dispatch: %v", err)
			return
		}
		if completed != nil {
			d.emitFileReceived(completed, p)
		}
		return
	}

	if completed, err := d.Chunks.AddFileFragment(frag.ID, frag.ChunkIndex, frag.ChunkData); err == nil {
		if completed != nil {
			d.emitFileReceived(completed, p)
		}
		return
	}

	if completed, err := d.Chunks.AddTransactionChunk(frag.ID, frag.ChunkIndex, frag.ChunkData); err == nil {
		if completed != nil {
			key, ok := d.Sessions.Get(completed.Sender)
			if !ok {
				return
			}
			plaintext, err := session.Decrypt(key, completed.Ciphertext)
			if err != nil {
				return
			}
			d.dispatchInner(completed.Sender, plaintext)
		}
		return
	}

	log.Printf("⚠️  dispatch: fragment for unknown transfer id %q from %s dropped", frag.ID, p.SenderID)
}

func (d *Dispatcher) emitFileReceived(completed *chunker.CompletedFile, p *codec.Packet) {
	d.emit(Event{
		Kind:         EventFileReceived,
		ID:           completed.TransferID,
		FileName:     completed.FileName,
		FileSize:     completed.FileSize,
		MimeType:     completed.MimeType,
		TotalChunks:  completed.TotalChunks,
		SenderPeerID: completed.Sender.String(),
		Data:         completed.Base64Data(),
		Timestamp:    int64(p.Timestamp),
	})
}

func (d *Dispatcher) handleOpaqueAppMessageMetadata(p *codec.Packet) {
	records, err := codec.DecodeTLVs(p.Payload)
	if err != nil {
		log.Printf("⚠️  dispatch: malformed opaque metadata from %s: %v", p.SenderID, err)
		return
	}

	var id string
	var totalSize, totalChunks uint32
	if v, ok := codec.Find(records, codec.TagOpaqueTxID); ok {
		id = string(v)
	}
	if v, ok := codec.Find(records, codec.TagOpaqueTotalSize); ok {
		totalSize, _ = codec.GetUint32(v)
	}
	if v, ok := codec.Find(records, codec.TagOpaqueTotalChunks); ok {
		totalChunks, _ = codec.GetUint32(v)
	}

	d.Chunks.BeginTransaction(id, totalSize, totalChunks, p.SenderID)
}

func (d *Dispatcher) emitError(code, message string) {
	d.emit(Event{Kind: EventError, Code: code, Message: message})
}

// BuildAndSign constructs an outbound packet per the outbound
// construction rule: our short id as sender, current wall-clock
// milliseconds as timestamp, TTL=7, signed before framing.
func (d *Dispatcher) BuildAndSign(typ codec.Type, recipient codec.ShortID, payload []byte) *codec.Packet {
	p := codec.New(typ, d.Identity.ShortID, recipient, nowMillis(), payload)
	p.Signature = d.Identity.Sign(p.SignedBytes())
	return p
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

func generateID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// extremely unlikely; fall back to a timestamp-derived id
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))
		return hex.EncodeToString(ts[:])
	}
	return hex.EncodeToString(b[:])
}
