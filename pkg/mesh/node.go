// Package mesh assembles the codec, relay, session, directory,
// chunker, and dispatch layers into the node's command surface: an
// owning actor goroutine that reads the link's event channel and runs
// inbound dispatch steps and outbound send commands one at a time, plus
// a bounded work pool on the outbound side. The Start announce, the
// Stop leave and reciprocal handshakes (run on a worker) call the
// dispatcher directly instead; for those self-originated packets it
// touches only the dedup cache and relay engine, each behind its own
// lock.
package mesh

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/wiremesh/meshcore/pkg/chunker"
	"github.com/wiremesh/meshcore/pkg/codec"
	"github.com/wiremesh/meshcore/pkg/dedup"
	"github.com/wiremesh/meshcore/pkg/directory"
	"github.com/wiremesh/meshcore/pkg/dispatch"
	"github.com/wiremesh/meshcore/pkg/identity"
	"github.com/wiremesh/meshcore/pkg/link"
	"github.com/wiremesh/meshcore/pkg/relay"
	"github.com/wiremesh/meshcore/pkg/secretstore"
	"github.com/wiremesh/meshcore/pkg/session"
)

// WorkerCount sizes the outbound message-work pool, mirroring the
// teacher's connection-pool sizing in pkg/network/pool.go (a small
// fixed bound rather than one goroutine per request).
const WorkerCount = 4

// command is one outbound instruction handed from a caller's goroutine
// to the actor loop's merged queue.
type command struct {
	run  func(n *Node)
	done chan struct{}
}

// Node is the control surface: start/stop/send*/query entry points
// plus the outbound event stream, built on a single actor goroutine
// that owns the Dispatcher's tables.
type Node struct {
	Identity *identity.NodeIdentity
	Link     link.Link
	Dispatch *dispatch.Dispatcher

	cmds   chan command
	work   chan func()
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New assembles a Node from its collaborators. Store supplies the
// persisted identity keys; l is the underlying transport.
func New(store secretstore.Store, l link.Link) (*Node, error) {
	id, err := identity.LoadOrCreate(store)
	if err != nil {
		return nil, fmt.Errorf("mesh: load identity: %w", err)
	}

	dir := directory.New()
	sessions := session.NewStore()
	chunks := chunker.New(chunker.DefaultTransferTTL)
	cache := dedup.New(dedup.DefaultCapacity, dedup.DefaultWindow)

	d := dispatch.New(id, dir, sessions, chunks, cache, linkSender{l})

	n := &Node{
		Identity: id,
		Link:     l,
		Dispatch: d,
		cmds:     make(chan command, 64),
		work:     make(chan func(), 256),
	}
	d.OnSendReciprocalHandshake = n.sendHandshakeAsync
	return n, nil
}

// linkSender adapts a link.Link down to the narrow relay.Sender shape
// the dispatcher's relay engine needs.
type linkSender struct{ l link.Link }

func (s linkSender) BroadcastExcept(exclude link.NeighborID, data []byte) error {
	return s.l.BroadcastExcept(exclude, data)
}

// Start initializes the link, begins the actor loop and worker pool,
// and announces this node's presence. Idempotent if already running.
func (n *Node) Start(ctx context.Context, nickname string) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = true
	n.mu.Unlock()

	if nickname != "" {
		n.Identity.Nickname = nickname
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if err := n.Link.Start(runCtx); err != nil {
		return fmt.Errorf("mesh: start link: %w", err)
	}

	for i := 0; i < WorkerCount; i++ {
		n.wg.Add(1)
		go n.workerLoop()
	}

	n.wg.Add(1)
	go n.actorLoop(runCtx)

	n.announce()
	return nil
}

// Stop emits Leave, cancels the actor, closes the work pool, and tears
// down the link. Cooperative: workers finish the work already queued,
// and commands they submit once the actor has exited are released
// without being run.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.mu.Unlock()

	leave := n.Dispatch.BuildAndSign(codec.TypeLeave, codec.ShortID{}, nil)
	n.Dispatch.Handle(leave, "")

	if n.cancel != nil {
		n.cancel()
	}
	close(n.work)

	// A worker still mid-send can be blocked in submit on a command the
	// exiting actor will never run; release such commands unrun until
	// every goroutine has finished.
	stopped := make(chan struct{})
	go func() { n.wg.Wait(); close(stopped) }()
	for {
		select {
		case <-stopped:
			return n.Link.Stop()
		case cmd := <-n.cmds:
			if cmd.done != nil {
				close(cmd.done)
			}
		}
	}
}

// actorLoop is the owning actor: it drains link events and outbound
// commands from one merged vantage point, so no two dispatch steps
// (parse, update state, emit event, enqueue relay) that it runs
// overlap. The direct dispatcher calls named in the package doc run
// outside it.
func (n *Node) actorLoop(ctx context.Context) {
	defer n.wg.Done()
	events := n.Link.Events()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handleLinkEvent(ev)
		case cmd, ok := <-n.cmds:
			if !ok {
				continue
			}
			cmd.run(n)
			if cmd.done != nil {
				close(cmd.done)
			}
		case <-ticker.C:
			if evicted := n.Dispatch.Chunks.EvictExpired(); evicted > 0 {
				log.Printf("mesh: evicted %d stale pending transfer(s)", evicted)
			}
		}
	}
}

func (n *Node) handleLinkEvent(ev link.Event) {
	switch ev.Kind {
	case link.EventBytesArrived:
		p, err := codec.Decode(ev.Data)
		if err != nil {
			log.Printf("⚠️  mesh: malformed packet from %s: %v", ev.Neighbor, err)
			return
		}
		n.Dispatch.Handle(p, ev.Neighbor)
	case link.EventNeighborUp:
		n.announce()
	case link.EventNeighborDown:
		if id, ok := n.Dispatch.Dir.MarkDisconnectedByNeighbor(ev.Neighbor); ok {
			log.Printf("mesh: peer %s disconnected (neighbor %s)", id, ev.Neighbor)
			n.Dispatch.Emit(dispatch.Event{Kind: dispatch.EventConnectionStateChanged, PeerID: id.String(), IsConnected: false})
		} else {
			log.Printf("mesh: neighbor %s disconnected (no associated peer yet)", ev.Neighbor)
		}
	}
}

// workerLoop drains the message-work pool: file reads, chunk
// splitting, and encryption run here so they never block actorLoop's
// link-I/O and dispatch responsibilities.
func (n *Node) workerLoop() {
	defer n.wg.Done()
	for fn := range n.work {
		fn()
	}
}

// submit hands a closure to the actor loop and blocks until it has
// run, giving outbound commands atomicity with respect to dispatch.
func (n *Node) submit(fn func(n *Node)) {
	done := make(chan struct{})
	n.cmds <- command{run: fn, done: done}
	<-done
}

func (n *Node) announce() {
	payload := (&codec.AnnouncePayload{
		Nickname:         n.Identity.Nickname,
		StaticPublicKey:  n.Identity.StaticPublic[:],
		SigningPublicKey: n.Identity.SigningPublic,
	}).Encode()
	p := n.Dispatch.BuildAndSign(codec.TypeAnnounce, codec.ShortID{}, payload)
	n.Dispatch.Handle(p, "")
}

func (n *Node) sendHandshakeAsync(to codec.ShortID) {
	n.work <- func() {
		p := n.Dispatch.BuildAndSign(codec.TypeHandshake, to, n.Identity.StaticPublic[:])
		n.Dispatch.Handle(p, "")
	}
}

// SetNickname updates the local nickname and announces the change.
func (n *Node) SetNickname(nickname string) {
	n.submit(func(n *Node) {
		n.Identity.Nickname = nickname
		n.announce()
	})
}

// SendBroadcastMessage frames and transmits a PlainMessage packet.
func (n *Node) SendBroadcastMessage(content string) {
	n.submit(func(n *Node) {
		p := n.Dispatch.BuildAndSign(codec.TypePlainMessage, codec.ShortID{}, []byte(content))
		n.Dispatch.Handle(p, "")
	})
}

// SendPrivateMessage encrypts content under the session key for
// recipient if one exists; otherwise it sends a Handshake instead, and
// the caller is responsible for retrying the message once a session is
// established.
func (n *Node) SendPrivateMessage(content string, recipient codec.ShortID) {
	n.work <- func() {
		key, ok := n.Dispatch.Sessions.Get(recipient)
		if !ok {
			n.submit(func(n *Node) {
				p := n.Dispatch.BuildAndSign(codec.TypeHandshake, recipient, n.Identity.StaticPublic[:])
				n.Dispatch.Handle(p, "")
			})
			return
		}

		inner := (&codec.PrivateMessagePayload{MessageID: generateMessageID(), Content: content}).Encode()
		plaintext := append([]byte{byte(codec.NoisePrivateMessage)}, inner...)
		envelope, err := session.Encrypt(key, plaintext)
		if err != nil {
			log.Printf("⚠️  mesh: encrypt private message to %s: %v", recipient, err)
			return
		}

		n.submit(func(n *Node) {
			p := n.Dispatch.BuildAndSign(codec.TypeEncryptedEnvelope, recipient, envelope)
			n.Dispatch.Handle(p, "")
		})
	}
}

// SendReadReceipt encrypts and sends a ReadReceipt for messageId.
func (n *Node) SendReadReceipt(messageID string, recipient codec.ShortID) {
	n.sendInnerEncrypted(recipient, codec.NoiseReadReceipt, []byte(messageID))
}

func (n *Node) sendInnerEncrypted(recipient codec.ShortID, inner codec.NoiseType, body []byte) {
	n.work <- func() {
		key, ok := n.Dispatch.Sessions.Get(recipient)
		if !ok {
			return
		}
		plaintext := append([]byte{byte(inner)}, body...)
		envelope, err := session.Encrypt(key, plaintext)
		if err != nil {
			log.Printf("⚠️  mesh: encrypt inner payload 0x%02x to %s: %v", byte(inner), recipient, err)
			return
		}
		n.submit(func(n *Node) {
			p := n.Dispatch.BuildAndSign(codec.TypeEncryptedEnvelope, recipient, envelope)
			n.Dispatch.Handle(p, "")
		})
	}
}

// SendFile reads path off disk and transmits a FileTransferMetadata
// packet followed by the file's fragments, pacing each by
// chunker.FragmentPacingDelay. By default it splits the file into
// chunker.FileFragmentSize fragments with totalChunks=ceil(size/180),
// exactly the one-fragment-per-chunk send path; passing useFEC=true
// switches to Reed-Solomon FEC instead, sending chunker.FECTotalShards
// shards per chunker.FECBlockSize window so a receiver missing up to
// chunker.FECParityShards shards per block still reconstructs the
// file with no retransmission. Runs entirely on the work pool so a
// large file never blocks the actor loop.
func (n *Node) SendFile(path string, recipient codec.ShortID, mimeType string, useFEC bool) {
	n.work <- func() {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("⚠️  mesh: read file %s: %v", path, err)
			return
		}

		if useFEC {
			n.sendFileFEC(path, data, recipient, mimeType)
			return
		}

		chunks := chunker.SplitFile(data)
		transferID := generateMessageID()

		meta := (&codec.FileTransferMetadataPayload{
			TransferID:  transferID,
			FileName:    baseName(path),
			FileSize:    uint32(len(data)),
			MimeType:    mimeType,
			TotalChunks: uint32(len(chunks)),
		}).Encode()

		n.submit(func(n *Node) {
			p := n.Dispatch.BuildAndSign(codec.TypeFileTransferMetadata, recipient, meta)
			n.Dispatch.Handle(p, "")
		})

		n.sendFragments(transferID, chunks, recipient)
	}
}

func (n *Node) sendFileFEC(path string, data []byte, recipient codec.ShortID, mimeType string) {
	blocks, err := chunker.EncodeFileBlocks(data)
	if err != nil {
		log.Printf("⚠️  mesh: FEC-encode %s: %v", path, err)
		return
	}

	transferID := generateMessageID()

	meta := (&codec.FileTransferMetadataPayload{
		TransferID:  transferID,
		FileName:    baseName(path),
		FileSize:    uint32(len(data)),
		MimeType:    mimeType,
		TotalChunks: uint32(len(blocks)),
		FEC:         true,
	}).Encode()

	n.submit(func(n *Node) {
		p := n.Dispatch.BuildAndSign(codec.TypeFileTransferMetadata, recipient, meta)
		n.Dispatch.Handle(p, "")
	})

	n.sendFileShards(transferID, blocks, recipient)
}

// sendFileShards transmits every data and parity shard of each FEC
// block as its own Fragment packet.
func (n *Node) sendFileShards(id string, blocks []*chunker.EncodedFile, recipient codec.ShortID) {
	// The metadata packet leaves after a relay jitter of at most
	// MinJitter+MaxJitter; waiting that long keeps the first shard from
	// reaching a neighbor ahead of it.
	time.Sleep(relay.MinJitter + relay.MaxJitter)
	for blockIndex, block := range blocks {
		for shardIndex, shard := range block.Shards {
			frag := (&codec.FragmentPayload{
				ID:          id,
				ChunkIndex:  uint32(blockIndex),
				TotalChunks: uint32(len(blocks)),
				ChunkData:   shard,
				ShardIndex:  uint32(shardIndex),
				IsParity:    shardIndex >= chunker.FECDataShards,
				FEC:         true,
			}).Encode()
			n.submit(func(n *Node) {
				p := n.Dispatch.BuildAndSign(codec.TypeFragment, recipient, frag)
				n.Dispatch.Handle(p, "")
			})
			time.Sleep(chunker.FragmentPacingDelay)
		}
	}
}

// SendOpaqueAppMessage encrypts an application-defined TLV payload; if
// the resulting ciphertext exceeds chunker.OpaqueThreshold it is
// chunked via OpaqueAppMessageMetadata + Fragment packets, otherwise it
// goes out as a single EncryptedEnvelope.
func (n *Node) SendOpaqueAppMessage(fields []codec.TLV, recipient codec.ShortID) {
	n.work <- func() {
		key, ok := n.Dispatch.Sessions.Get(recipient)
		if !ok {
			log.Printf("⚠️  mesh: no session with %s for opaque app message", recipient)
			return
		}

		body := codec.EncodeTLVs(fields)
		plaintext := append([]byte{byte(codec.NoiseOpaqueAppMessage)}, body...)
		envelope, err := session.Encrypt(key, plaintext)
		if err != nil {
			log.Printf("⚠️  mesh: encrypt opaque app message to %s: %v", recipient, err)
			return
		}

		n.sendPossiblyChunkedEnvelope(envelope, recipient)
	}
}

// RespondToOpaqueAppMessage sends an OpaqueAppResponse carrying either
// a success payload or an error text, keyed to the original message id.
func (n *Node) RespondToOpaqueAppMessage(id string, recipient codec.ShortID, successPayload []codec.TLV, errorText string) {
	n.work <- func() {
		key, ok := n.Dispatch.Sessions.Get(recipient)
		if !ok {
			log.Printf("⚠️  mesh: no session with %s for opaque app response", recipient)
			return
		}

		fields := append([]codec.TLV{{Tag: 0x01, Value: []byte(id)}}, successPayload...)
		if errorText != "" {
			fields = append(fields, codec.TLV{Tag: 0x02, Value: []byte(errorText)})
		}
		body := codec.EncodeTLVs(fields)
		plaintext := append([]byte{byte(codec.NoiseOpaqueAppResponse)}, body...)
		envelope, err := session.Encrypt(key, plaintext)
		if err != nil {
			log.Printf("⚠️  mesh: encrypt opaque app response to %s: %v", recipient, err)
			return
		}

		n.sendPossiblyChunkedEnvelope(envelope, recipient)
	}
}

func (n *Node) sendPossiblyChunkedEnvelope(envelope []byte, recipient codec.ShortID) {
	if len(envelope) <= chunker.OpaqueThreshold {
		n.submit(func(n *Node) {
			p := n.Dispatch.BuildAndSign(codec.TypeEncryptedEnvelope, recipient, envelope)
			n.Dispatch.Handle(p, "")
		})
		return
	}

	txID := generateMessageID()
	chunks := chunker.SplitOpaque(envelope)

	meta := (&codec.OpaqueMetadataPayload{
		TxID:        txID,
		TotalSize:   uint32(len(envelope)),
		TotalChunks: uint32(len(chunks)),
	}).Encode()

	n.submit(func(n *Node) {
		p := n.Dispatch.BuildAndSign(codec.TypeOpaqueAppMessageMetadata, recipient, meta)
		n.Dispatch.Handle(p, "")
	})

	n.sendFragments(txID, chunks, recipient)
}

func (n *Node) sendFragments(id string, chunks [][]byte, recipient codec.ShortID) {
	// The metadata packet leaves after a relay jitter of at most
	// MinJitter+MaxJitter; waiting that long keeps the first fragment
	// from reaching a neighbor ahead of it.
	time.Sleep(relay.MinJitter + relay.MaxJitter)
	for i, c := range chunks {
		frag := (&codec.FragmentPayload{ID: id, ChunkIndex: uint32(i), TotalChunks: uint32(len(chunks)), ChunkData: c}).Encode()
		n.submit(func(n *Node) {
			p := n.Dispatch.BuildAndSign(codec.TypeFragment, recipient, frag)
			n.Dispatch.Handle(p, "")
		})
		time.Sleep(chunker.FragmentPacingDelay)
	}
}

// Events returns the dispatcher's outbound event stream.
func (n *Node) Events() <-chan dispatch.Event {
	return n.Dispatch.Events()
}

// GetMyID returns this node's short identifier.
func (n *Node) GetMyID() codec.ShortID { return n.Identity.ShortID }

// GetMyNickname returns this node's current nickname.
func (n *Node) GetMyNickname() string { return n.Identity.Nickname }

// GetIdentityFingerprint returns this node's long-form fingerprint.
func (n *Node) GetIdentityFingerprint() string { return n.Identity.Fingerprint() }

// HasSession reports whether a session key is on file for peer.
func (n *Node) HasSession(peer codec.ShortID) bool {
	return n.Dispatch.Sessions.Has(peer)
}

// GetPeers returns a snapshot of every known peer.
func (n *Node) GetPeers() []directory.Peer {
	return n.Dispatch.Dir.All()
}

// GetPeerFingerprint returns the hex-encoded static public key on file
// for peer, if it has announced one.
func (n *Node) GetPeerFingerprint(peer codec.ShortID) (string, bool) {
	p, ok := n.Dispatch.Dir.Get(peer)
	if !ok || len(p.StaticPublic) == 0 {
		return "", false
	}
	return fmt.Sprintf("%x", p.StaticPublic), true
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func generateMessageID() string {
	return fmt.Sprintf("%x", time.Now().UnixNano())
}
