package mesh

import (
	"context"
	"encoding/base64"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiremesh/meshcore/pkg/codec"
	"github.com/wiremesh/meshcore/pkg/dispatch"
	"github.com/wiremesh/meshcore/pkg/link"
	"github.com/wiremesh/meshcore/pkg/secretstore"
)

// newLinkedPair creates two nodes attached to each other over an
// in-memory link, starts them, and drains the initial announce
// exchange before returning.
func newLinkedPair(t *testing.T) (a, b *Node) {
	t.Helper()

	la := link.NewLoopback("a")
	lb := link.NewLoopback("b")
	link.Attach(la, lb)

	var err error
	a, err = New(secretstore.NewMemory(), la)
	require.NoError(t, err)
	b, err = New(secretstore.NewMemory(), lb)
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background(), "alice"))
	require.NoError(t, b.Start(context.Background(), "bob"))

	waitForEvent(t, a, dispatch.EventPeerListUpdated)
	waitForEvent(t, b, dispatch.EventPeerListUpdated)

	return a, b
}

func waitForEvent(t *testing.T, n *Node, kind dispatch.EventKind) dispatch.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-n.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

func TestTwoNodesExchangeAnnouncesOnAttach(t *testing.T) {
	a, b := newLinkedPair(t)
	defer a.Stop()
	defer b.Stop()

	peersOfA := a.GetPeers()
	require.Len(t, peersOfA, 1)
	assert.Equal(t, "bob", peersOfA[0].Nickname)

	peersOfB := b.GetPeers()
	require.Len(t, peersOfB, 1)
	assert.Equal(t, "alice", peersOfB[0].Nickname)
}

func TestBroadcastMessageIsReceivedByPeer(t *testing.T) {
	a, b := newLinkedPair(t)
	defer a.Stop()
	defer b.Stop()

	a.SendBroadcastMessage("hello mesh")

	ev := waitForEvent(t, b, dispatch.EventMessageReceived)
	assert.Equal(t, "hello mesh", ev.Content)
	assert.False(t, ev.IsPrivate)
	assert.Equal(t, a.GetMyID().String(), ev.SenderPeerID)
}

func TestPrivateMessageTriggersHandshakeThenDelivers(t *testing.T) {
	a, b := newLinkedPair(t)
	defer a.Stop()
	defer b.Stop()

	bID := b.GetMyID()

	// No session yet: first call sends a handshake, not the message.
	a.SendPrivateMessage("secret", bID)

	require.Eventually(t, func() bool {
		return a.HasSession(bID) && b.HasSession(a.GetMyID())
	}, 2*time.Second, 10*time.Millisecond, "both sides should establish a session after the handshake round trip")

	a.SendPrivateMessage("secret for real", bID)
	ev := waitForEvent(t, b, dispatch.EventMessageReceived)
	assert.True(t, ev.IsPrivate)
	assert.Equal(t, "secret for real", ev.Content)
}

func TestLeaveRemovesPeerOnTheOtherSide(t *testing.T) {
	a, b := newLinkedPair(t)
	defer b.Stop()

	require.NoError(t, a.Stop())

	waitForEvent(t, b, dispatch.EventConnectionStateChanged)
	assert.Empty(t, b.GetPeers())
}

func TestSendFileReassemblesOnTheOtherSide(t *testing.T) {
	a, b := newLinkedPair(t)
	defer a.Stop()
	defer b.Stop()

	path := writeTempFile(t, make([]byte, 500))
	a.SendFile(path, codec.ShortID{}, "application/octet-stream", false)

	ev := waitForEvent(t, b, dispatch.EventFileReceived)
	assert.EqualValues(t, 500, ev.FileSize)
	assert.NotEmpty(t, ev.Data)
}

// TestSendFileDefaultsToOneFragmentPerChunk exercises the literal
// 900-byte, totalChunks=ceil(900/180)=5 send-path scenario through the
// public control surface: the default (non-FEC) call must still put
// exactly 5 on the wire, not a single Reed-Solomon block.
func TestSendFileDefaultsToOneFragmentPerChunk(t *testing.T) {
	a, b := newLinkedPair(t)
	defer a.Stop()
	defer b.Stop()

	data := make([]byte, 900)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeTempFile(t, data)
	a.SendFile(path, codec.ShortID{}, "application/octet-stream", false)

	ev := waitForEvent(t, b, dispatch.EventFileReceived)
	assert.EqualValues(t, 900, ev.FileSize)
	assert.EqualValues(t, 5, ev.TotalChunks, "ceil(900/180) == 5 fragments, not one FEC block")
	assert.EqualValues(t, data, mustDecodeBase64(t, ev.Data))
}

func TestSendFileFECReassemblesOnTheOtherSide(t *testing.T) {
	a, b := newLinkedPair(t)
	defer a.Stop()
	defer b.Stop()

	path := writeTempFile(t, make([]byte, 500))
	a.SendFile(path, codec.ShortID{}, "application/octet-stream", true)

	ev := waitForEvent(t, b, dispatch.EventFileReceived)
	assert.EqualValues(t, 500, ev.FileSize)
	assert.NotEmpty(t, ev.Data)
}

func mustDecodeBase64(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return b
}

// newTriangle wires three loopback nodes into a full mesh (every pair
// directly attached) and waits until each has learned about the
// other two.
func newTriangle(t *testing.T) (a, b, c *Node) {
	t.Helper()

	la := link.NewLoopback("a")
	lb := link.NewLoopback("b")
	lc := link.NewLoopback("c")
	link.Attach(la, lb)
	link.Attach(lb, lc)
	link.Attach(lc, la)

	var err error
	a, err = New(secretstore.NewMemory(), la)
	require.NoError(t, err)
	b, err = New(secretstore.NewMemory(), lb)
	require.NoError(t, err)
	c, err = New(secretstore.NewMemory(), lc)
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background(), "alice"))
	require.NoError(t, b.Start(context.Background(), "bob"))
	require.NoError(t, c.Start(context.Background(), "carol"))

	require.Eventually(t, func() bool {
		return len(a.GetPeers()) == 2 && len(b.GetPeers()) == 2 && len(c.GetPeers()) == 2
	}, 2*time.Second, 10*time.Millisecond, "all three nodes should learn about each other")

	return a, b, c
}

func TestOwnBroadcastIsAdmittedThroughItsOwnRelayEngine(t *testing.T) {
	a, b := newLinkedPair(t)
	defer a.Stop()
	defer b.Stop()

	before := a.Dispatch.Relay.Stats()

	a.SendBroadcastMessage("hello mesh")
	waitForEvent(t, b, dispatch.EventMessageReceived)

	require.Eventually(t, func() bool {
		return a.Dispatch.Relay.Stats().Received > before.Received
	}, time.Second, 10*time.Millisecond, "a locally originated packet must be admitted through the sender's own relay engine, or its dedup cache never records it")

	assert.Greater(t, a.Dispatch.Relay.Stats().Relayed, before.Relayed)
}

func TestBroadcastInATriangleDoesNotAmplifyAroundTheCycle(t *testing.T) {
	a, b, c := newTriangle(t)
	defer a.Stop()
	defer b.Stop()
	defer c.Stop()

	// Settle the announce exchange's own relay traffic before taking
	// the baseline, so it isn't mistaken for amplification below.
	time.Sleep(300 * time.Millisecond)
	baseA := a.Dispatch.Relay.Stats().Relayed
	baseB := b.Dispatch.Relay.Stats().Relayed
	baseC := c.Dispatch.Relay.Stats().Relayed

	a.SendBroadcastMessage("hi all")
	waitForEvent(t, b, dispatch.EventMessageReceived)
	waitForEvent(t, c, dispatch.EventMessageReceived)

	// Give every hop's jitter window room to fire a second time if the
	// cycle were amplifying the message.
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, baseA+1, a.Dispatch.Relay.Stats().Relayed, "the origin must relay its own broadcast exactly once, never re-relaying it after the cycle loops back")
	assert.Equal(t, baseB+1, b.Dispatch.Relay.Stats().Relayed)
	assert.Equal(t, baseC+1, c.Dispatch.Relay.Stats().Relayed)
}

func TestNeighborDownMarksPeerDisconnectedWithoutRemoving(t *testing.T) {
	a, b := newLinkedPair(t)
	defer a.Stop()
	defer b.Stop()

	bID := b.GetMyID()
	la, ok := a.Link.(*link.Loopback)
	require.True(t, ok)
	lb, ok := b.Link.(*link.Loopback)
	require.True(t, ok)

	link.Detach(la, lb)

	ev := waitForEvent(t, a, dispatch.EventConnectionStateChanged)
	assert.Equal(t, bID.String(), ev.PeerID)
	assert.False(t, ev.IsConnected)

	peers := a.GetPeers()
	require.Len(t, peers, 1, "a link-level disconnect must not remove the peer, only mark it")
	assert.False(t, peers[0].IsConnected)
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "mesh-send-*.bin")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(data)
	require.NoError(t, err)
	return f.Name()
}
