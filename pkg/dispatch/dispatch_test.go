package dispatch

import (
	"testing"
	"time"

	"github.com/wiremesh/meshcore/pkg/chunker"
	"github.com/wiremesh/meshcore/pkg/codec"
	"github.com/wiremesh/meshcore/pkg/dedup"
	"github.com/wiremesh/meshcore/pkg/directory"
	"github.com/wiremesh/meshcore/pkg/identity"
	"github.com/wiremesh/meshcore/pkg/link"
	"github.com/wiremesh/meshcore/pkg/session"
)

// noopSender satisfies relay.Sender without actually transmitting;
// most dispatch tests feed packets directly rather than through a
// simulated link.
type noopSender struct{}

func (noopSender) BroadcastExcept(exclude link.NeighborID, data []byte) error { return nil }

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	return New(id, directory.New(), session.NewStore(), chunker.New(time.Minute), dedup.New(dedup.DefaultCapacity, dedup.DefaultWindow), noopSender{})
}

func drainEvents(d *Dispatcher) []Event {
	var out []Event
	for {
		select {
		case ev := <-d.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestScenario1BroadcastMessageAndReplayIsDeduped(t *testing.T) {
	a, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b := newTestDispatcher(t)

	p := b.BuildAndSign(codec.TypePlainMessage, codec.ShortID{}, []byte("hello"))
	p.SenderID = a.ShortID // pretend it came from A

	b.Handle(p, "")
	events := drainEvents(b)
	if len(events) != 1 || events[0].Kind != EventMessageReceived || events[0].Content != "hello" {
		t.Fatalf("events = %+v, want exactly one message-received with content=hello", events)
	}
	if events[0].SenderPeerID != a.ShortID.String() || events[0].IsPrivate {
		t.Errorf("unexpected event fields: %+v", events[0])
	}

	// re-inject the identical packet
	b.Handle(p, "")
	if got := drainEvents(b); len(got) != 0 {
		t.Errorf("replaying the same packet should yield no additional events, got %+v", got)
	}
}

func TestScenario3HandshakeThenPrivateMessage(t *testing.T) {
	a := newTestDispatcher(t)
	b := newTestDispatcher(t)

	// A's handshake arrives at B.
	hs := b.BuildAndSign(codec.TypeHandshake, b.Identity.ShortID, a.Identity.StaticPublic[:])
	hs.SenderID = a.Identity.ShortID
	hs.RecipientID = b.Identity.ShortID
	b.Handle(hs, "")

	if !b.Sessions.Has(a.Identity.ShortID) {
		t.Fatal("B should have derived a session key from A's handshake")
	}

	keyB, _ := b.Sessions.Get(a.Identity.ShortID)
	keyA, err := session.DeriveSharedKey(a.Identity.StaticPrivate, b.Identity.StaticPublic)
	if err != nil {
		t.Fatalf("A derive error = %v", err)
	}
	if keyA != keyB {
		t.Fatal("A and B should derive the same symmetric key")
	}
	a.Sessions.Set(b.Identity.ShortID, keyA)

	inner := (&codec.PrivateMessagePayload{MessageID: "m1", Content: "secret"}).Encode()
	plaintext := append([]byte{byte(codec.NoisePrivateMessage)}, inner...)
	envelope, err := session.Encrypt(keyA, plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	p := a.BuildAndSign(codec.TypeEncryptedEnvelope, b.Identity.ShortID, envelope)
	b.Handle(p, "")

	events := drainEvents(b)
	if len(events) != 1 || events[0].Kind != EventMessageReceived {
		t.Fatalf("events = %+v, want one message-received", events)
	}
	if events[0].ID != "m1" || events[0].Content != "secret" || !events[0].IsPrivate {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestScenario6LeaveRemovesPeerAndSession(t *testing.T) {
	a := newTestDispatcher(t)
	b := newTestDispatcher(t)

	b.Dir.Upsert(a.Identity.ShortID, "alice", a.Identity.StaticPublic[:], nil)
	var key [32]byte
	key[0] = 1
	b.Sessions.Set(a.Identity.ShortID, key)

	leave := a.BuildAndSign(codec.TypeLeave, codec.ShortID{}, nil)
	b.Handle(leave, "")

	if _, ok := b.Dir.Get(a.Identity.ShortID); ok {
		t.Error("peer should be removed after Leave")
	}
	if b.Sessions.Has(a.Identity.ShortID) {
		t.Error("session should be dropped after Leave")
	}
}

func TestFileTransferMetadataThenFragmentsEmitFileReceived(t *testing.T) {
	a := newTestDispatcher(t)
	b := newTestDispatcher(t)

	data := make([]byte, 900)
	for i := range data {
		data[i] = byte(i)
	}
	chunks := chunker.SplitFile(data)

	meta := (&codec.FileTransferMetadataPayload{
		TransferID:  "tx1",
		FileName:    "x.bin",
		FileSize:    uint32(len(data)),
		MimeType:    "application/octet-stream",
		TotalChunks: uint32(len(chunks)),
	}).Encode()
	p := a.BuildAndSign(codec.TypeFileTransferMetadata, codec.ShortID{}, meta)
	b.Handle(p, "")

	for i, c := range chunks {
		frag := (&codec.FragmentPayload{ID: "tx1", ChunkIndex: uint32(i), TotalChunks: uint32(len(chunks)), ChunkData: c}).Encode()
		fp := a.BuildAndSign(codec.TypeFragment, codec.ShortID{}, frag)
		// A real sender paces fragments apart; fragments built within
		// one millisecond here would share a sender/timestamp/type dedup
		// key, so give each its own timestamp.
		fp.Timestamp = p.Timestamp + uint64(i) + 1
		b.Handle(fp, "")
	}

	var fileEvent *Event
	for _, ev := range drainEvents(b) {
		if ev.Kind == EventFileReceived {
			fileEvent = &ev
		}
	}
	if fileEvent == nil {
		t.Fatal("expected a file-received event")
	}
	if fileEvent.FileSize != uint32(len(data)) {
		t.Errorf("FileSize = %d, want %d", fileEvent.FileSize, len(data))
	}
}

func TestSelfSourcedPacketsAreDropped(t *testing.T) {
	d := newTestDispatcher(t)
	p := d.BuildAndSign(codec.TypePlainMessage, codec.ShortID{}, []byte("echo"))

	d.Handle(p, "")
	if got := drainEvents(d); len(got) != 0 {
		t.Errorf("self-sourced packet should produce no events, got %+v", got)
	}
}

func TestEncryptedEnvelopeAddressedElsewhereIsIgnored(t *testing.T) {
	a := newTestDispatcher(t)
	b := newTestDispatcher(t)
	var other codec.ShortID
	other[0] = 0xFF

	p := a.BuildAndSign(codec.TypeEncryptedEnvelope, other, []byte("ciphertext"))
	b.Handle(p, "")

	if got := drainEvents(b); len(got) != 0 {
		t.Errorf("envelope addressed to a different recipient should be ignored, got %+v", got)
	}
}
